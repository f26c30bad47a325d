// Package eventbus implements synchronous in-process publish/subscribe
// for ledger lifecycle events. Generalized from the teacher's webhook
// emitter — same fire-and-forget-to-observers shape, same per-event
// metrics — but fanning out to in-process subscriber funcs instead of
// outbound HTTP deliveries.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/clearing-core/internal/idgen"
)

var (
	publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "eventbus",
		Name:      "publish_total",
		Help:      "Total events published, by stream.",
	}, []string{"stream"})

	subscriberErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearing_core",
		Subsystem: "eventbus",
		Name:      "subscriber_errors_total",
		Help:      "Total subscriber callback failures, by stream.",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(publishTotal, subscriberErrors)
}

// Event is one published occurrence.
type Event struct {
	ID        string
	Stream    string // e.g. "account", "escrow", "batch"
	Type      string // e.g. "account.credited", "escrow.released"
	EntityID  string
	Data      map[string]any
	Timestamp time.Time
}

// Subscriber receives events for the stream(s) it registered for.
// A Subscriber that returns an error or panics has that failure
// isolated and logged — it never blocks or fails delivery to other
// subscribers, and never propagates back to the publisher.
type Subscriber func(e Event) error

// Bus is a synchronous, in-process event bus. Subscriber lists are
// copy-on-write: Subscribe/Unsubscribe replace the slice for a stream
// rather than mutating it in place, so Publish can iterate a local
// copy of the slice without holding the lock during delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger *slog.Logger
}

type subscription struct {
	id string
	fn Subscriber
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[string][]subscription), logger: logger}
}

// Subscribe registers fn for events on stream and returns an id usable
// with Unsubscribe. stream "*" subscribes to every stream.
func (b *Bus) Subscribe(stream string, fn Subscriber) string {
	id := idgen.WithPrefix("sub_")
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.subs[stream]
	next := make([]subscription, len(existing), len(existing)+1)
	copy(next, existing)
	b.subs[stream] = append(next, subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(stream, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.subs[stream]
	next := make([]subscription, 0, len(existing))
	for _, s := range existing {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs[stream] = next
}

// Publish delivers e to every subscriber of e.Stream and of "*", in
// the order they subscribed (per-stream FIFO), synchronously on the
// calling goroutine. A subscriber's error or panic is logged and does
// not stop delivery to the remaining subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	publishTotal.WithLabelValues(e.Stream).Inc()

	b.mu.RLock()
	direct := b.subs[e.Stream]
	wildcard := b.subs["*"]
	b.mu.RUnlock()

	b.deliver(e, direct)
	b.deliver(e, wildcard)
}

func (b *Bus) deliver(e Event, subs []subscription) {
	for _, s := range subs {
		b.deliverOne(e, s)
	}
}

func (b *Bus) deliverOne(e Event, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			subscriberErrors.WithLabelValues(e.Stream).Inc()
			b.logger.Error("eventbus subscriber panicked", "stream", e.Stream, "type", e.Type, "subscriber", s.id, "panic", r)
		}
	}()
	if err := s.fn(e); err != nil {
		subscriberErrors.WithLabelValues(e.Stream).Inc()
		b.logger.Warn("eventbus subscriber failed", "stream", e.Stream, "type", e.Type, "subscriber", s.id, "error", err)
	}
}
