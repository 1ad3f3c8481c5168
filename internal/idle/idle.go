// Package idle implements the idle deactivation service: a periodic scan
// of a silo's active actors that evicts those a pluggable
// DeactivationPolicy marks idle, respecting a floor on how few actors may
// remain active.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/activitytracker"
	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
)

var log = quarklog.NewSubLogger("IDLE")

// DeactivationPolicy decides whether an actor should be evicted, given its
// most recently observed activity metrics.
type DeactivationPolicy interface {
	ShouldDeactivate(actorID, actorType string, lastActivityTime time.Time, queueDepth, activeCallCount int64) bool
}

// IdleTimeoutDeactivationPolicy is the built-in policy: deactivate iff
// the actor has been fully quiescent (no queued messages, no active
// calls) for at least Timeout.
type IdleTimeoutDeactivationPolicy struct {
	Timeout time.Duration
}

// NewIdleTimeoutDeactivationPolicy constructs the policy, panicking if
// timeout is non-positive.
func NewIdleTimeoutDeactivationPolicy(timeout time.Duration) *IdleTimeoutDeactivationPolicy {
	if timeout <= 0 {
		panic("idle: IdleTimeoutDeactivationPolicy requires a positive timeout")
	}

	return &IdleTimeoutDeactivationPolicy{Timeout: timeout}
}

// ShouldDeactivate implements DeactivationPolicy.
func (p *IdleTimeoutDeactivationPolicy) ShouldDeactivate(
	_, _ string, lastActivityTime time.Time, queueDepth, activeCallCount int64,
) bool {
	return queueDepth == 0 && activeCallCount == 0 &&
		time.Since(lastActivityTime) >= p.Timeout
}

// Options configures the Service.
type Options struct {
	// Enabled gates the whole service; a disabled service's Scan is a
	// no-op.
	Enabled bool

	// CheckInterval is how often Start triggers a Scan.
	CheckInterval time.Duration

	// MinimumActiveActors is the floor below which the scan stops
	// evicting, even if more actors would otherwise qualify.
	MinimumActiveActors int

	Policy DeactivationPolicy
}

// DefaultOptions returns idleTimeout=5m, checkInterval=1m,
// enabled=false, minimumActiveActors=0.
func DefaultOptions() Options {
	return Options{
		Enabled:             false,
		CheckInterval:       time.Minute,
		MinimumActiveActors: 0,
		Policy:              NewIdleTimeoutDeactivationPolicy(5 * time.Minute),
	}
}

// ActiveActorLister returns the identities of every currently active
// actor on the silo; satisfied by *silo.Silo.GetActiveActors without this
// package importing internal/silo.
type ActiveActorLister func() []envelope.Identity

// Deactivator removes an activation; satisfied by *silo.Silo.Deactivate.
type Deactivator func(ctx context.Context, actorType, actorID string)

// Service periodically scans for and evicts idle actors.
type Service struct {
	opts       Options
	list       ActiveActorLister
	activity   *activitytracker.Tracker
	deactivate Deactivator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Service. It does nothing until Start is called.
func New(opts Options, list ActiveActorLister, activity *activitytracker.Tracker, deactivate Deactivator) *Service {
	if opts.Policy == nil {
		opts.Policy = NewIdleTimeoutDeactivationPolicy(5 * time.Minute)
	}

	return &Service{opts: opts, list: list, activity: activity, deactivate: deactivate}
}

// Start begins the periodic scan loop. A no-op if the service is
// disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.opts.Enabled {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Scan(runCtx)
			}
		}
	}()
}

// Stop halts the scan loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Scan runs one pass over the active actors, evicting every actor the
// policy marks idle, down to the MinimumActiveActors floor. A failure
// deactivating one actor does not abort the scan of others.
func (s *Service) Scan(ctx context.Context) int {
	if !s.opts.Enabled {
		return 0
	}

	actors := s.list()
	liveCount := len(actors)

	evicted := 0

	for _, id := range actors {
		if liveCount-evicted <= s.opts.MinimumActiveActors {
			break
		}

		metrics, ok := s.activity.GetActivityMetrics(id.ActorType, id.ActorID)
		if !ok {
			continue
		}

		if !s.opts.Policy.ShouldDeactivate(
			id.ActorID, id.ActorType, metrics.LastActivityTime,
			metrics.QueueDepth, metrics.ActiveCallCount,
		) {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WarnS(ctx, "Panic while deactivating idle actor", nil,
						"actor_id", id.ActorID, "recovered", r)
				}
			}()

			s.deactivate(ctx, id.ActorType, id.ActorID)
		}()

		evicted++
	}

	if evicted > 0 {
		log.InfoS(ctx, "Idle deactivation scan complete", "evicted", evicted, "scanned", liveCount)
	}

	return evicted
}
