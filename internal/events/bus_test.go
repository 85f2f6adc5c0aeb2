package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() *purchase.DownloadState {
	ds := purchase.NewDownloadState(900)
	ds.ID = 4

	return ds
}

func TestBus_FilteredDelivery(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	ds := testState()
	completed := bus.Subscribe(Is(DownloadCompleted))
	everything := bus.Subscribe(nil)

	bus.Publish(context.Background(), New(PieceStarted, ds, nil))
	bus.Publish(context.Background(), New(DownloadCompleted, ds, nil))

	e := <-completed.C
	assert.Equal(t, DownloadCompleted, e.Type)
	assert.Equal(t, purchase.UserID(900), e.UserID)
	assert.Equal(t, purchase.DownloadStateID(4), e.DownloadStateID)

	assert.Len(t, everything.C, 2)
	assert.Len(t, completed.C, 0)
}

func TestBus_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	sub := bus.Subscribe(nil)
	ds := testState()

	done := make(chan struct{})
	go func() {
		for range 5 {
			bus.Publish(context.Background(), New(ProgressUpdate, ds, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Len(t, sub.C, 1)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	sub := bus.Subscribe(nil)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)

	_, err := Next(context.Background(), sub)
	assert.Error(t, err)
}

func TestNext_ContextDone(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Next(ctx, bus.Subscribe(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFilters(t *testing.T) {
	ds := testState()
	e := New(DownloadPaused, ds, nil)

	assert.True(t, About(900, 4)(e))
	assert.False(t, About(900, 5)(e))
	assert.True(t, All(Is(DownloadPaused, DownloadStopped), About(900, 4))(e))
	assert.False(t, All(Is(DownloadStopped), About(900, 4))(e))
}

func TestNewException(t *testing.T) {
	e := NewException(testState(), purchase.ErrNoSellersAvailable)

	assert.Equal(t, Exception, e.Type)
	assert.Equal(t, "bitmunk.purchase.DownloadState.NoSellersAvailable", e.Details["code"])
	assert.Equal(t, purchase.ErrNoSellersAvailable.Error(), e.Details["message"])
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
	if s.fail {
		return errors.New("sink down")
	}

	return nil
}

func TestBus_SinksReceiveEverythingUntilClose(t *testing.T) {
	bus := NewBus(16, nil)
	sink := &recordingSink{fail: true}
	bus.AddSink(context.Background(), sink)

	ds := testState()
	bus.Publish(context.Background(), New(Created, ds, nil))
	bus.Publish(context.Background(), New(Deleted, ds, nil))
	bus.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()

	require.Len(t, sink.events, 2, "errors do not stop delivery")
	assert.Equal(t, Created, sink.events[0].Type)
	assert.Equal(t, Deleted, sink.events[1].Type)
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus(1, nil)
	bus.Close()
	bus.Close()

	_, ok := <-bus.Subscribe(nil).C
	assert.False(t, ok)
}
