// Package stream implements per-activation reactive streams: named
// publish/subscribe channels with configurable backpressure and windowing
// operators.
//
// Fan-out to subscribers uses the same channel-plus-goroutine shape as
// internal/mailbox's consumer loop: each subscription owns a buffered
// channel and a single reader goroutine, so a slow subscriber's
// backpressure mode (not a shared lock) governs what happens to it.
package stream

import (
	"context"
	"sync"
	"time"

	quarklog "github.com/quarkrt/quark/internal/log"
)

var log = quarklog.NewSubLogger("STRM")

// BackpressureMode controls what happens when a subscriber's buffer is
// full.
type BackpressureMode int

const (
	// BackpressureNone performs direct dispatch with no buffer: Publish
	// hands each message straight to the subscriber, synchronously from
	// the publisher's perspective. BufferSize is ignored.
	BackpressureNone BackpressureMode = iota

	// BackpressureDropOldest evicts the oldest buffered message to make
	// room for the new one.
	BackpressureDropOldest

	// BackpressureDropNewest discards the incoming message.
	BackpressureDropNewest

	// BackpressureBlock blocks Publish until the subscriber drains.
	BackpressureBlock

	// BackpressureThrottle drops the incoming message but records a
	// throttle event distinct from a drop, for callers that want to
	// distinguish "slow consumer" from "shed load".
	BackpressureThrottle
)

// BackpressureConfig configures one subscription's behavior under load.
type BackpressureConfig struct {
	Mode       BackpressureMode
	BufferSize int
}

// DefaultBackpressureConfig returns a DropOldest policy with a modest
// buffer, a reasonable default for fan-out telemetry-style streams.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{Mode: BackpressureDropOldest, BufferSize: 256}
}

// Metrics tracks one stream's lifetime counters.
type Metrics struct {
	MessagesPublished  int64
	MessagesDropped    int64
	ThrottleEvents     int64
	CurrentBufferDepth int64
	PeakBufferDepth    int64
}

// Message is one published value carrying its own timestamp, the raw
// material windowing operators group by.
type Message[T any] struct {
	Value T
	At    time.Time
}

// WindowKind distinguishes how a Window was assembled.
type WindowKind int

const (
	WindowTime WindowKind = iota
	WindowCount
	WindowSliding
	WindowSession
)

// Window is a batch of messages grouped by a windowing operator.
type Window[T any] struct {
	Kind     WindowKind
	Messages []Message[T]
}

// Subscription is a live subscriber's handle onto a stream.
type Subscription[T any] struct {
	id  string
	ch  chan Message[T]
	cfg BackpressureConfig

	metrics *metricsBox
}

type metricsBox struct {
	mu sync.Mutex
	m  Metrics
}

func (b *metricsBox) snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.m
}

func (b *metricsBox) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.m = Metrics{}
}

// C returns the channel subscribers read published messages from.
func (s *Subscription[T]) C() <-chan Message[T] {
	return s.ch
}

// Metrics returns a snapshot of this subscription's counters.
func (s *Subscription[T]) Metrics() Metrics {
	return s.metrics.snapshot()
}

// ResetMetrics zeroes this subscription's counters.
func (s *Subscription[T]) ResetMetrics() {
	s.metrics.reset()
}

// Handle is a named, typed stream that actors publish to and subscribers
// read from, keyed by (namespace, key).
type Handle[T any] struct {
	namespace string
	key       string
	defaults  BackpressureConfig

	mu            sync.Mutex
	subscriptions map[string]*Subscription[T]
	nextID        uint64
}

// newHandle constructs an empty stream handle with the given default
// backpressure policy.
func newHandle[T any](namespace, key string, defaults BackpressureConfig) *Handle[T] {
	return &Handle[T]{
		namespace:     namespace,
		key:           key,
		defaults:      defaults,
		subscriptions: make(map[string]*Subscription[T]),
	}
}

// Namespace returns the stream's namespace.
func (h *Handle[T]) Namespace() string { return h.namespace }

// Key returns the stream's key.
func (h *Handle[T]) Key() string { return h.key }

// Defaults returns the backpressure policy subscriptions on this stream
// get when they don't supply their own.
func (h *Handle[T]) Defaults() BackpressureConfig {
	return h.defaults
}

// Subscribe registers a new subscription with the given backpressure
// policy.
func (h *Handle[T]) Subscribe(cfg BackpressureConfig) *Subscription[T] {
	bufSize := cfg.BufferSize
	switch {
	case cfg.Mode == BackpressureNone:
		// Direct dispatch: no buffer between publisher and subscriber.
		bufSize = 0
	case bufSize <= 0:
		bufSize = DefaultBackpressureConfig().BufferSize
	}
	cfg.BufferSize = bufSize

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription[T]{
		id:      idFor(h.namespace, h.key, h.nextID),
		ch:      make(chan Message[T], bufSize),
		cfg:     cfg,
		metrics: &metricsBox{},
	}
	h.subscriptions[sub.id] = sub

	return sub
}

// SubscribeDefault registers a new subscription using the stream's
// namespace-default backpressure policy (see
// Registry.ConfigureBackpressure).
func (h *Handle[T]) SubscribeDefault() *Subscription[T] {
	return h.Subscribe(h.defaults)
}

func idFor(namespace, key string, n uint64) string {
	return namespace + "/" + key + "/" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Handle[T]) Unsubscribe(sub *Subscription[T]) {
	h.mu.Lock()
	_, ok := h.subscriptions[sub.id]
	delete(h.subscriptions, sub.id)
	h.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Handle[T]) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subscriptions)
}

// Publish fans a value out to every subscriber, applying each
// subscriber's own backpressure policy independently.
func (h *Handle[T]) Publish(ctx context.Context, value T) {
	msg := Message[T]{Value: value, At: time.Now()}

	h.mu.Lock()
	subs := make([]*Subscription[T], 0, len(h.subscriptions))
	for _, s := range h.subscriptions {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.deliver(ctx, s, msg)
	}
}

func (h *Handle[T]) deliver(ctx context.Context, s *Subscription[T], msg Message[T]) {
	s.metrics.mu.Lock()
	s.metrics.m.MessagesPublished++
	s.metrics.mu.Unlock()

	// Direct dispatch: the channel is unbuffered, so this hands the
	// message straight to the subscriber and returns once it is taken.
	if s.cfg.Mode == BackpressureNone {
		select {
		case s.ch <- msg:
		case <-ctx.Done():
		}

		return
	}

	select {
	case s.ch <- msg:
		h.recordDepth(s)
		return
	default:
	}

	switch s.cfg.Mode {
	case BackpressureBlock:
		select {
		case s.ch <- msg:
			h.recordDepth(s)
		case <-ctx.Done():
		}

	case BackpressureDropOldest:
		select {
		case <-s.ch:
			s.metrics.mu.Lock()
			s.metrics.m.MessagesDropped++
			s.metrics.mu.Unlock()
		default:
		}
		select {
		case s.ch <- msg:
			h.recordDepth(s)
		default:
			s.metrics.mu.Lock()
			s.metrics.m.MessagesDropped++
			s.metrics.mu.Unlock()
		}

	case BackpressureThrottle:
		s.metrics.mu.Lock()
		s.metrics.m.ThrottleEvents++
		s.metrics.mu.Unlock()

	default: // BackpressureDropNewest
		s.metrics.mu.Lock()
		s.metrics.m.MessagesDropped++
		s.metrics.mu.Unlock()
	}
}

func (h *Handle[T]) recordDepth(s *Subscription[T]) {
	depth := int64(len(s.ch))

	s.metrics.mu.Lock()
	s.metrics.m.CurrentBufferDepth = depth
	if depth > s.metrics.m.PeakBufferDepth {
		s.metrics.m.PeakBufferDepth = depth
	}
	s.metrics.mu.Unlock()
}

// Registry owns every stream handle for one silo, keyed by
// (namespace, key), plus the per-namespace default backpressure policies.
type Registry struct {
	mu       sync.Mutex
	streams  map[string]any
	defaults map[string]BackpressureConfig
}

// NewRegistry constructs an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{
		streams:  make(map[string]any),
		defaults: make(map[string]BackpressureConfig),
	}
}

// ConfigureBackpressure sets the default backpressure policy for streams
// created in namespace after this call. Streams that already exist keep
// the defaults they were created with.
func (r *Registry) ConfigureBackpressure(namespace string, cfg BackpressureConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults[namespace] = cfg
}

// GetStream returns the stream handle for (namespace, key), creating one
// on first access; identical (namespace, key) always returns the same
// handle. New handles take the namespace's configured default
// backpressure policy, or the package default if none was configured.
func GetStream[T any](r *Registry, namespace, key string) *Handle[T] {
	compositeKey := namespace + "::" + key

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.streams[compositeKey]; ok {
		return existing.(*Handle[T])
	}

	defaults, ok := r.defaults[namespace]
	if !ok {
		defaults = DefaultBackpressureConfig()
	}

	h := newHandle[T](namespace, key, defaults)
	r.streams[compositeKey] = h
	log.DebugS(context.Background(), "Stream created", "namespace", namespace, "key", key)

	return h
}

// WindowByTime groups buffered messages into fixed wall-clock duration
// windows.
func WindowByTime[T any](messages []Message[T], duration time.Duration) []Window[T] {
	if len(messages) == 0 || duration <= 0 {
		return nil
	}

	var windows []Window[T]
	start := messages[0].At
	var cur []Message[T]

	for _, m := range messages {
		if m.At.Sub(start) >= duration {
			windows = append(windows, Window[T]{Kind: WindowTime, Messages: cur})
			cur = nil
			start = m.At
		}
		cur = append(cur, m)
	}
	if len(cur) > 0 {
		windows = append(windows, Window[T]{Kind: WindowTime, Messages: cur})
	}

	return windows
}

// WindowByCount groups messages into fixed-size batches; the last batch
// may be smaller.
func WindowByCount[T any](messages []Message[T], count int) []Window[T] {
	if count <= 0 {
		return nil
	}

	var windows []Window[T]
	for i := 0; i < len(messages); i += count {
		end := i + count
		if end > len(messages) {
			end = len(messages)
		}
		windows = append(windows, Window[T]{Kind: WindowCount, Messages: messages[i:end]})
	}

	return windows
}

// SlidingWindow produces overlapping windows of size with a given slide
// step.
func SlidingWindow[T any](messages []Message[T], size, slide int) []Window[T] {
	if size <= 0 || slide <= 0 {
		return nil
	}

	var windows []Window[T]
	for start := 0; start < len(messages); start += slide {
		end := start + size
		if end > len(messages) {
			end = len(messages)
		}
		windows = append(windows, Window[T]{Kind: WindowSliding, Messages: messages[start:end]})
		if end == len(messages) {
			break
		}
	}

	return windows
}

// SessionWindow groups messages separated by gaps smaller than gap into
// the same session, starting a new window whenever the interval between
// consecutive messages meets or exceeds gap.
func SessionWindow[T any](messages []Message[T], gap time.Duration) []Window[T] {
	if len(messages) == 0 || gap <= 0 {
		return nil
	}

	var windows []Window[T]
	cur := []Message[T]{messages[0]}

	for i := 1; i < len(messages); i++ {
		if messages[i].At.Sub(messages[i-1].At) >= gap {
			windows = append(windows, Window[T]{Kind: WindowSession, Messages: cur})
			cur = nil
		}
		cur = append(cur, messages[i])
	}
	windows = append(windows, Window[T]{Kind: WindowSession, Messages: cur})

	return windows
}
