// Package mailbox implements the per-activation FIFO message queue:
// single-consumer serial execution, bounded and optionally adaptive
// buffering, a token-bucket rate limiter, a circuit breaker, and a
// dead-letter queue with replay.
//
// A read lock around sends and a write lock around close keep Stop
// idempotent and race-free against concurrent Posts.
package mailbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/quarkerr"
)

var log = quarklog.NewSubLogger("MLBX")

// Handler invokes the dispatcher for a posted envelope and returns the
// response envelope to send back. It is supplied by the silo request pump
// (internal/silo), which already knows how to resolve the dispatcher and
// talk to the transport.
type Handler func(ctx context.Context, req envelope.Envelope) (resp envelope.Envelope, err error)

// RateLimitAction selects what happens when a post exceeds the configured
// rate limit.
type RateLimitAction int

const (
	// RateLimitDrop silently rejects the post; Post returns false.
	RateLimitDrop RateLimitAction = iota

	// RateLimitReject raises quarkerr.ErrRateLimited.
	RateLimitReject

	// RateLimitQueue buffers the post until the rate-limit window
	// advances, then admits it.
	RateLimitQueue
)

// RateLimitConfig configures the token-bucket rate limiter. Disabled
// (MaxMessagesPerWindow == 0) by default.
type RateLimitConfig struct {
	MaxMessagesPerWindow int
	TimeWindow           time.Duration
	Action               RateLimitAction
}

// AdaptiveConfig configures capacity growth/shrink. Disabled by default.
type AdaptiveConfig struct {
	Enabled               bool
	InitialCapacity       int
	MinCapacity           int
	MaxCapacity           int
	GrowThreshold         float64
	ShrinkThreshold       float64
	GrowthFactor          float64
	ShrinkFactor          float64
	MinSamplesBeforeAdapt int
}

// DefaultAdaptiveConfig returns the standard sizing parameters, with
// adaption itself left disabled until a caller opts in.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:               false,
		InitialCapacity:       1000,
		MinCapacity:           100,
		MaxCapacity:           10000,
		GrowThreshold:         0.8,
		ShrinkThreshold:       0.2,
		GrowthFactor:          2.0,
		ShrinkFactor:          0.5,
		MinSamplesBeforeAdapt: 20,
	}
}

// CircuitBreakerConfig configures the mailbox's circuit breaker. Disabled
// (FailureThreshold == 0) by default.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SamplingWindow   time.Duration
	Timeout          time.Duration
	SuccessThreshold int
}

// Config bundles every tunable a Mailbox accepts. Zero-value fields take
// the package defaults noted per field.
type Config struct {
	// ActorID names the owning activation, for DLQ entries and logging.
	ActorID   string
	ActorType string

	// Handler processes each posted envelope. Required.
	Handler Handler

	// Adaptive configures capacity growth/shrink (disabled by default).
	Adaptive AdaptiveConfig

	// RateLimit configures the token-bucket limiter (disabled by
	// default, i.e. MaxMessagesPerWindow == 0).
	RateLimit RateLimitConfig

	// CircuitBreaker configures failure-triggered circuit breaking
	// (disabled by default, i.e. FailureThreshold == 0).
	CircuitBreaker CircuitBreakerConfig

	// DeadLetterMaxMessages bounds the DLQ; 0 means no DLQ is kept and
	// the original message is simply dropped on failure.
	DeadLetterMaxMessages int

	// Sender delivers a processed response back to its caller (e.g. over
	// transport). May be nil for fire-and-forget testing.
	Sender func(ctx context.Context, resp envelope.Envelope)
}

// Mailbox guarantees serial per-actor execution over a bounded FIFO
// buffer.
type Mailbox struct {
	cfg Config

	mu       sync.RWMutex // guards ch/closed, mirroring ChannelMailbox's discipline
	ch       chan envelope.Envelope
	closed   atomic.Bool
	draining atomic.Bool
	stopOnce sync.Once

	processing atomic.Bool

	cancel context.CancelFunc
	doneCh chan struct{}

	capacity  atomic.Int64
	samples   []float64 // recent fill-ratio observations, for adaptive sizing
	samplesMu sync.Mutex

	limiter *rateLimiter
	breaker *circuitBreaker

	dlq *DeadLetterQueue

	msgCount atomic.Int64
}

// New constructs a Mailbox in the stopped state; call Start to begin
// processing.
func New(cfg Config) *Mailbox {
	capacity := cfg.Adaptive.InitialCapacity
	if capacity <= 0 {
		capacity = 1000
	}

	m := &Mailbox{
		cfg:    cfg,
		ch:     make(chan envelope.Envelope, capacity),
		doneCh: make(chan struct{}),
	}
	m.capacity.Store(int64(capacity))

	if cfg.RateLimit.MaxMessagesPerWindow > 0 {
		m.limiter = newRateLimiter(cfg.RateLimit)
	}
	if cfg.CircuitBreaker.FailureThreshold > 0 {
		m.breaker = newCircuitBreaker(cfg.CircuitBreaker)
	}
	if cfg.DeadLetterMaxMessages > 0 {
		m.dlq = NewDeadLetterQueue(cfg.DeadLetterMaxMessages)
	}

	return m
}

// ActorID returns the owning activation's identity.
func (m *Mailbox) ActorID() string { return m.cfg.ActorID }

// MessageCount returns the number of messages currently buffered.
func (m *Mailbox) MessageCount() int {
	return len(m.ch)
}

// IsProcessing reports whether a message is currently being handled: true
// only between the consumer taking a message off the buffer and the
// handler returning, never merely because the loop is running.
func (m *Mailbox) IsProcessing() bool {
	return m.processing.Load()
}

// DeadLetters returns the mailbox's dead-letter queue, or nil if none was
// configured.
func (m *Mailbox) DeadLetters() *DeadLetterQueue {
	return m.dlq
}

// Post enqueues an envelope. Its return value and blocking behavior depend
// on the rate-limit action: Drop mode returns false without blocking when
// over the limit; Reject mode returns an error; Queue mode blocks until
// the window advances. With rate limiting disabled, Post blocks only on
// mailbox capacity (back-pressure). A closed or draining mailbox returns
// false with quarkerr.ErrMailboxClosed.
func (m *Mailbox) Post(ctx context.Context, env envelope.Envelope) (bool, error) {
	if m.closed.Load() || m.draining.Load() {
		return false, quarkerr.ErrMailboxClosed
	}

	if m.limiter != nil {
		admit, err := m.limiter.Admit(ctx)
		if err != nil {
			return false, err
		}
		if !admit {
			return false, nil
		}
	}

	if m.breaker != nil && !m.breaker.Allow() {
		return false, quarkerr.ErrRateLimited
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false, quarkerr.ErrMailboxClosed
	}

	select {
	case m.ch <- env:
		m.msgCount.Add(1)
		m.recordFillSample()

		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Mailbox) recordFillSample() {
	if !m.cfg.Adaptive.Enabled {
		return
	}

	cap := m.capacity.Load()
	if cap == 0 {
		return
	}
	ratio := float64(len(m.ch)) / float64(cap)

	m.samplesMu.Lock()
	m.samples = append(m.samples, ratio)
	min := m.cfg.Adaptive.MinSamplesBeforeAdapt
	if min <= 0 {
		min = 20
	}
	if len(m.samples) < min {
		m.samplesMu.Unlock()
		return
	}

	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	avg := sum / float64(len(m.samples))
	m.samples = m.samples[:0]
	m.samplesMu.Unlock()

	m.adaptCapacity(avg)
}

// adaptCapacity is advisory only: a buffered Go channel's capacity cannot
// be resized in place, so the grown/shrunk value within [MinCapacity,
// MaxCapacity] is tracked as a logical target (read back via Capacity)
// without reallocating the channel under load. A future migration-style
// swap could replace the channel on an idle mailbox if needed.
func (m *Mailbox) adaptCapacity(avgFillRatio float64) {
	a := m.cfg.Adaptive
	cur := m.capacity.Load()

	switch {
	case avgFillRatio > a.GrowThreshold:
		next := int64(float64(cur) * a.GrowthFactor)
		if max := int64(a.MaxCapacity); max > 0 && next > max {
			next = max
		}
		if next > cur {
			m.capacity.Store(next)
			log.DebugS(context.Background(), "Mailbox capacity grown",
				"actor_id", m.cfg.ActorID, "from", cur, "to", next)
		}
	case avgFillRatio < a.ShrinkThreshold:
		next := int64(float64(cur) * a.ShrinkFactor)
		if min := int64(a.MinCapacity); min > 0 && next < min {
			next = min
		}
		if next < cur {
			m.capacity.Store(next)
			log.DebugS(context.Background(), "Mailbox capacity shrunk",
				"actor_id", m.cfg.ActorID, "from", cur, "to", next)
		}
	}
}

// Capacity returns the mailbox's current logical capacity target.
func (m *Mailbox) Capacity() int {
	return int(m.capacity.Load())
}

// Start begins the single-consumer processing loop.
func (m *Mailbox) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.run(runCtx)
}

// BeginDrain marks the mailbox as draining: no new posts are accepted, but
// the consumer keeps processing whatever is already buffered. Used by the
// migration coordinator's drain step.
func (m *Mailbox) BeginDrain() {
	m.draining.Store(true)
}

// IsDraining reports whether BeginDrain has been called.
func (m *Mailbox) IsDraining() bool {
	return m.draining.Load()
}

// Stop halts the processing loop and closes the mailbox to new posts.
// Idempotent.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed.Store(true)
		close(m.ch)
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		<-m.doneCh
	})
}

func (m *Mailbox) run(ctx context.Context) {
	defer close(m.doneCh)

	for {
		select {
		case env, ok := <-m.ch:
			if !ok {
				return
			}
			m.processing.Store(true)
			m.process(ctx, env)
			m.processing.Store(false)
			m.msgCount.Add(-1)

		case <-ctx.Done():
			// Drain whatever remains buffered before exiting, so no
			// in-flight message is silently lost on a
			// context-cancellation shutdown.
			for {
				select {
				case env, ok := <-m.ch:
					if !ok {
						return
					}
					m.processing.Store(true)
					m.process(context.Background(), env)
					m.processing.Store(false)
				default:
					return
				}
			}
		}
	}
}

func (m *Mailbox) process(ctx context.Context, env envelope.Envelope) {
	resp, err := m.cfg.Handler(ctx, env)

	if err != nil {
		if m.breaker != nil {
			m.breaker.RecordFailure()
		}

		log.WarnS(ctx, "Mailbox handler failed, routing to dead-letter queue", err,
			"actor_id", m.cfg.ActorID, "message_id", env.MessageID)

		if m.dlq != nil {
			m.dlq.Add(DeadLetter{
				Message:   env,
				ActorID:   m.cfg.ActorID,
				Exception: err,
				Timestamp: time.Now(),
			})
		}

		resp = env.ReplyError(err.Error())
	} else if m.breaker != nil {
		m.breaker.RecordSuccess()
	}

	if m.cfg.Sender != nil {
		m.cfg.Sender(ctx, resp)
	}
}

// Replay re-posts message (looked up by messageId in the DLQ) to this
// mailbox and removes it from the DLQ on success. It is a method on
// Mailbox (rather than solely on DeadLetterQueue) because re-posting
// requires the owning mailbox, not just the queue.
func (m *Mailbox) Replay(ctx context.Context, messageID string) error {
	if m.dlq == nil {
		return fmt.Errorf("mailbox %s: no dead-letter queue configured", m.cfg.ActorID)
	}

	dl, ok := m.dlq.Get(messageID)
	if !ok {
		return fmt.Errorf("mailbox %s: no dead letter with message id %s", m.cfg.ActorID, messageID)
	}

	if _, err := m.Post(ctx, dl.Message); err != nil {
		return err
	}

	m.dlq.Remove(messageID)

	return nil
}
