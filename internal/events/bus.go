package events

import (
	"context"
	"sync"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// Publisher is implemented by anything tasks can emit events to.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink receives every published event on its own goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Subscription delivers matching events on C until it is cancelled.
type Subscription struct {
	C <-chan Event

	id     uint64
	ch     chan Event
	filter func(Event) bool
}

// Bus fans events out to subscribers. Publish never blocks: an event that
// does not fit a subscriber's buffer is dropped for that subscriber.
type Bus struct {
	buffer    int
	telemetry *telemetry.Telemetry

	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int, tel *telemetry.Telemetry) *Bus {
	if buffer <= 0 {
		buffer = 64
	}

	return &Bus{
		buffer:    buffer,
		telemetry: tel,
		subs:      make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscription for events accepted by filter. A nil
// filter accepts everything.
func (b *Bus) Subscribe(filter func(Event) bool) *Subscription {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := &Subscription{C: ch, id: b.next, ch: ch, filter: filter}

	if b.closed {
		close(ch)
		return sub
	}

	b.subs[sub.id] = sub

	return sub
}

// Unsubscribe stops delivery and closes the subscription channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers e to every matching subscription.
func (b *Bus) Publish(ctx context.Context, e Event) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Debug("event published", "type", e.Type, "user_id", e.UserID, "download_state_id", e.DownloadStateID)

	b.telemetry.RecordEvent(string(e.Type))

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}

		select {
		case sub.ch <- e:
		default:
			logger.Warn("subscriber is full, dropping event", "type", e.Type, "subscription", sub.id)
		}
	}
}

// AddSink forwards every event to sink until the bus is closed. Sink errors
// are logged and do not stop delivery.
func (b *Bus) AddSink(ctx context.Context, sink Sink) {
	sub := b.Subscribe(nil)
	logger := logctx.LoggerFromContext(ctx).With("sink", sink.Name())

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		for e := range sub.C {
			if err := sink.Handle(ctx, e); err != nil {
				logger.Error("failed to forward event", "type", e.Type, "err", err)
			}
		}
	}()
}

// Next waits for the next event on sub.
func Next(ctx context.Context, sub *Subscription) (Event, error) {
	select {
	case e, ok := <-sub.C:
		if !ok {
			return Event{}, context.Canceled
		}

		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close closes every subscription and waits for sinks to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
