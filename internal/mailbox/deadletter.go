package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
)

// DeadLetter records a message whose processing raised.
type DeadLetter struct {
	Message   envelope.Envelope
	ActorID   string
	Exception error
	Timestamp time.Time

	seq uint64 // insertion order, the stable secondary key for eviction ties
}

// DeadLetterQueue is a bounded FIFO of DeadLetter entries; once MaxMessages
// is reached, the oldest entry is evicted first. Ties in Timestamp are
// broken by insertion order, via the monotonic seq counter.
type DeadLetterQueue struct {
	mu          sync.Mutex
	maxMessages int
	entries     []DeadLetter
	nextSeq     uint64
}

// NewDeadLetterQueue creates a DLQ bounded to maxMessages entries.
func NewDeadLetterQueue(maxMessages int) *DeadLetterQueue {
	return &DeadLetterQueue{maxMessages: maxMessages}
}

// Add appends a dead letter, evicting the oldest entry first if the queue
// is already at capacity.
func (q *DeadLetterQueue) Add(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dl.seq = q.nextSeq
	q.nextSeq++

	q.entries = append(q.entries, dl)
	if len(q.entries) > q.maxMessages {
		q.entries = q.entries[len(q.entries)-q.maxMessages:]
	}
}

// Get returns the dead letter with the given message ID, if present.
func (q *DeadLetterQueue) Get(messageID string) (DeadLetter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Message.MessageID == messageID {
			return e, true
		}
	}

	return DeadLetter{}, false
}

// GetByActor returns every dead letter currently queued for actorID, in
// insertion order.
func (q *DeadLetterQueue) GetByActor(actorID string) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []DeadLetter
	for _, e := range q.entries {
		if e.ActorID == actorID {
			out = append(out, e)
		}
	}

	return out
}

// All returns every currently queued dead letter, in insertion order.
func (q *DeadLetterQueue) All() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)

	return out
}

// Remove deletes the dead letter with the given message ID, if present.
func (q *DeadLetterQueue) Remove(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Message.MessageID == messageID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Clear empties the queue.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = nil
}

// Len returns the number of currently queued dead letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// MailboxProvider resolves the mailbox that owns actorID, so ReplayBatch
// and ReplayByActor can re-post without the DLQ itself needing a registry
// of live mailboxes.
type MailboxProvider func(actorID string) (*Mailbox, bool)

// ReplayBatch replays every message ID given, best-effort: a failure on
// one message doesn't stop the rest. It returns the message IDs that
// failed to replay, paired with their errors.
func ReplayBatch(provider MailboxProvider, q *DeadLetterQueue, messageIDs []string) map[string]error {
	failures := make(map[string]error)

	for _, id := range messageIDs {
		dl, ok := q.Get(id)
		if !ok {
			continue
		}

		mb, ok := provider(dl.ActorID)
		if !ok {
			failures[id] = fmt.Errorf("no live mailbox for actor %s", dl.ActorID)
			continue
		}

		if err := mb.Replay(context.Background(), id); err != nil {
			failures[id] = err
		}
	}

	return failures
}

// ReplayByActor replays every currently queued dead letter for actorID,
// best-effort.
func ReplayByActor(provider MailboxProvider, q *DeadLetterQueue, actorID string) map[string]error {
	var ids []string
	for _, dl := range q.GetByActor(actorID) {
		ids = append(ids, dl.Message.MessageID)
	}

	return ReplayBatch(provider, q, ids)
}
