// Package activitytracker implements the per-actor activity metrics that
// the idle deactivation service, the migration coordinator's priority
// list, and diagnostics all read from: queue depth, active call count,
// stream activity, and a derived activity score used to classify an actor
// hot or cold. Every Record operation is an O(1) atomic update.
package activitytracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot for one actor.
type Metrics struct {
	ActorType        string
	ActorID          string
	QueueDepth       int64
	ActiveCallCount  int64
	LastActivityTime time.Time
	HasActiveStreams bool
	ActivityScore    float64
	IsHot            bool
	IsCold           bool
}

// record is the live, mutable counter set for one actor. All fields are
// updated via atomics so RecordX calls never block on a lock; Snapshot
// reads a consistent-enough view for monitoring purposes, which does not
// require linearizable snapshots across fields.
type record struct {
	actorType string
	actorID   string

	queueDepth      atomic.Int64
	activeCallCount atomic.Int64
	hasStreams      atomic.Bool
	lastActivity    atomic.Int64 // UnixNano
}

func (r *record) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// HotColdThreshold is the activity-score cutoff used when none of the
// other hot conditions (active calls, deep queue, live streams) hold.
const HotColdThreshold = 0.5

// RecencyWindow bounds how quickly an idle actor's recency contribution to
// the activity score decays to zero.
const RecencyWindow = 30 * time.Second

// Tracker is the per-silo registry of activity records, keyed by
// composite actor identity.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]*record)}
}

func compositeKey(actorType, actorID string) string {
	return actorType + "/" + actorID
}

func (t *Tracker) getOrCreate(actorType, actorID string) *record {
	key := compositeKey(actorType, actorID)

	t.mu.RLock()
	r, ok := t.records[key]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[key]; ok {
		return r
	}

	r = &record{actorType: actorType, actorID: actorID}
	r.touch()
	t.records[key] = r

	return r
}

// RecordMessageEnqueued increments queueDepth for (actorType, actorID).
func (t *Tracker) RecordMessageEnqueued(actorType, actorID string) {
	r := t.getOrCreate(actorType, actorID)
	r.queueDepth.Add(1)
	r.touch()
}

// RecordMessageDequeued decrements queueDepth, floored at zero.
func (t *Tracker) RecordMessageDequeued(actorType, actorID string) {
	r := t.getOrCreate(actorType, actorID)
	if r.queueDepth.Add(-1) < 0 {
		r.queueDepth.Store(0)
	}
	r.touch()
}

// RecordCallStarted increments activeCallCount.
func (t *Tracker) RecordCallStarted(actorType, actorID string) {
	r := t.getOrCreate(actorType, actorID)
	r.activeCallCount.Add(1)
	r.touch()
}

// RecordCallCompleted decrements activeCallCount, floored at zero.
func (t *Tracker) RecordCallCompleted(actorType, actorID string) {
	r := t.getOrCreate(actorType, actorID)
	if r.activeCallCount.Add(-1) < 0 {
		r.activeCallCount.Store(0)
	}
	r.touch()
}

// RecordStreamActivity records whether (actorType, actorID) currently has
// at least one active stream subscription.
func (t *Tracker) RecordStreamActivity(actorType, actorID string, subscribed bool) {
	r := t.getOrCreate(actorType, actorID)
	r.hasStreams.Store(subscribed)
	r.touch()
}

// Remove deletes the tracked record for an actor, on deactivation.
func (t *Tracker) Remove(actorType, actorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, compositeKey(actorType, actorID))
}

// activityScore derives a monotonic function of activeCallCount,
// queueDepth, recency, and stream activity, clamped to [0, 1].
func activityScore(queueDepth, activeCalls int64, hasStreams bool, lastActivity time.Time) float64 {
	var score float64

	if activeCalls > 0 {
		score += 0.4
		if activeCalls > 1 {
			score += 0.1
		}
	}

	if queueDepth > 0 {
		contribution := 0.3 * float64(queueDepth) / float64(queueDepth+2)
		score += contribution
	}

	if hasStreams {
		score += 0.2
	}

	recency := time.Since(lastActivity)
	if recency < RecencyWindow {
		score += 0.2 * (1 - float64(recency)/float64(RecencyWindow))
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	return score
}

func isHot(m Metrics) bool {
	return m.ActiveCallCount > 0 ||
		m.QueueDepth > 2 ||
		m.HasActiveStreams ||
		m.ActivityScore > HotColdThreshold
}

func (r *record) snapshot() Metrics {
	queueDepth := r.queueDepth.Load()
	activeCalls := r.activeCallCount.Load()
	hasStreams := r.hasStreams.Load()
	lastActivity := time.Unix(0, r.lastActivity.Load())

	m := Metrics{
		ActorType:        r.actorType,
		ActorID:          r.actorID,
		QueueDepth:       queueDepth,
		ActiveCallCount:  activeCalls,
		HasActiveStreams: hasStreams,
		LastActivityTime: lastActivity,
		ActivityScore:    activityScore(queueDepth, activeCalls, hasStreams, lastActivity),
	}
	m.IsHot = isHot(m)
	m.IsCold = !m.IsHot

	return m
}

// GetActivityMetrics returns a snapshot for (actorType, actorID), or
// ok=false if nothing has been recorded for it yet.
func (t *Tracker) GetActivityMetrics(actorType, actorID string) (Metrics, bool) {
	t.mu.RLock()
	r, ok := t.records[compositeKey(actorType, actorID)]
	t.mu.RUnlock()

	if !ok {
		return Metrics{}, false
	}

	return r.snapshot(), true
}

// GetAllActivityMetrics returns a snapshot for every tracked actor.
func (t *Tracker) GetAllActivityMetrics() []Metrics {
	t.mu.RLock()
	records := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	t.mu.RUnlock()

	out := make([]Metrics, len(records))
	for i, r := range records {
		out[i] = r.snapshot()
	}

	return out
}

// GetMigrationPriorityList returns every tracked actor sorted cold-first
// (lowest activity score first), the order the migration/rebalancing
// machinery consumes when picking candidates to move off a hot silo.
func (t *Tracker) GetMigrationPriorityList() []Metrics {
	all := t.GetAllActivityMetrics()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ActivityScore != all[j].ActivityScore {
			return all[i].ActivityScore < all[j].ActivityScore
		}
		return all[i].ActorID < all[j].ActorID
	})

	return all
}
