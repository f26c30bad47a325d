package eventbus

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBus_DeliversInFIFOOrder(t *testing.T) {
	b := newTestBus()
	var order []string
	b.Subscribe("account", func(e Event) error { order = append(order, "first"); return nil })
	b.Subscribe("account", func(e Event) error { order = append(order, "second"); return nil })

	b.Publish(Event{Stream: "account", Type: "account.credited"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBus_WildcardReceivesEveryStream(t *testing.T) {
	b := newTestBus()
	var seen []string
	b.Subscribe("*", func(e Event) error { seen = append(seen, e.Stream); return nil })

	b.Publish(Event{Stream: "account", Type: "account.credited"})
	b.Publish(Event{Stream: "escrow", Type: "escrow.released"})
	assert.Equal(t, []string{"account", "escrow"}, seen)
}

func TestBus_SubscriberFailureIsIsolated(t *testing.T) {
	b := newTestBus()
	secondRan := false
	b.Subscribe("account", func(e Event) error { return errors.New("boom") })
	b.Subscribe("account", func(e Event) error { secondRan = true; return nil })

	assert.NotPanics(t, func() { b.Publish(Event{Stream: "account"}) })
	assert.True(t, secondRan)
}

func TestBus_SubscriberPanicIsIsolated(t *testing.T) {
	b := newTestBus()
	secondRan := false
	b.Subscribe("account", func(e Event) error { panic("boom") })
	b.Subscribe("account", func(e Event) error { secondRan = true; return nil })

	assert.NotPanics(t, func() { b.Publish(Event{Stream: "account"}) })
	assert.True(t, secondRan)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus()
	calls := 0
	id := b.Subscribe("account", func(e Event) error { calls++; return nil })
	b.Publish(Event{Stream: "account"})
	b.Unsubscribe("account", id)
	b.Publish(Event{Stream: "account"})
	assert.Equal(t, 1, calls)
}
