// Package bus implements Hatchling's typed publish/subscribe event bus: the
// single channel every other component uses to communicate.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/hatchling/internal/metrics"
	"github.com/haasonsaas/hatchling/pkg/models"
)

// Subscriber receives events whose Kind is in SubscribedKinds. OnEvent must
// not block on anything that itself waits on the bus; long-running work
// belongs in a goroutine the subscriber spawns itself.
type Subscriber interface {
	SubscribedKinds() map[models.EventKind]struct{}
	OnEvent(e models.Event)
}

// Bus is a synchronous, in-process pub/sub dispatcher. Publish delivers to
// subscribers in subscription order, on the publisher's own goroutine; a
// panicking subscriber is recovered and logged, never allowed to block or
// crash the others.
type Bus struct {
	log     *slog.Logger
	metrics *metrics.Metrics // nil-safe: every call guards against a nil receiver

	mu          sync.RWMutex
	subscribers []Subscriber

	requestID atomic.Pointer[string]
	seq       atomic.Uint64
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log.With("component", "bus")}
}

// WithMetrics attaches a collector set; nil clears it. Returns the bus for
// chaining at construction time.
func (b *Bus) WithMetrics(m *metrics.Metrics) *Bus {
	b.metrics = m
	return b
}

// Subscribe registers s to receive future events. Order of registration is
// the order of delivery.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Unsubscribe removes s. A no-op if s was never subscribed.
func (b *Bus) Unsubscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == s {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// SetRequestID tags every event published after this call with id, until
// the next call. Safe to call concurrently with Publish.
func (b *Bus) SetRequestID(id string) {
	b.requestID.Store(&id)
}

func (b *Bus) currentRequestID() string {
	p := b.requestID.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Publish builds and delivers an event of kind with the given data. provider
// may be the empty string when the event is not provider-scoped.
func (b *Bus) Publish(kind models.EventKind, data map[string]any, provider models.ProviderId) {
	e := models.Event{
		Kind:      kind,
		Data:      data,
		Provider:  provider,
		RequestID: b.currentRequestID(),
		Timestamp: time.Now(),
		Seq:       b.seq.Add(1),
	}
	b.metrics.EventPublished(string(kind))
	b.deliver(e)
}

func (b *Bus) deliver(e models.Event) {
	b.mu.RLock()
	snapshot := make([]Subscriber, len(b.subscribers))
	copy(snapshot, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		kinds := sub.SubscribedKinds()
		if _, ok := kinds[e.Kind]; !ok {
			continue
		}
		b.dispatchOne(sub, e)
	}
}

func (b *Bus) dispatchOne(sub Subscriber, e models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", "kind", e.Kind, "recover", r)
		}
	}()
	sub.OnEvent(e)
}
