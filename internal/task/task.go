// Package task holds the behavior shared by every download-state task:
// identity, control messages, event publishing and the processing lock.
package task

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
)

// ID identifies one task run. It doubles as the processor id written to the
// processing lock.
type ID string

var instance = func() string {
	host, _ := os.Hostname()
	return host + "-" + strconv.Itoa(os.Getpid())
}()

// NewID returns a unique id prefixed with the host and process id, so a lock
// left behind can be traced to the process that took it.
func NewID() ID {
	return ID(instance + "-" + uuid.NewString())
}

// Signal is a control message kind.
type Signal int

const (
	// SignalPause stops the task and leaves the download resumable. Piece
	// downloaders do not report errors caused by a pause.
	SignalPause Signal = iota + 1
	// SignalInterrupt stops the task immediately.
	SignalInterrupt
	// SignalPoll asks a running manager for a progress update.
	SignalPoll
)

func (s Signal) String() string {
	switch s {
	case SignalPause:
		return "pause"
	case SignalInterrupt:
		return "interrupt"
	case SignalPoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Control is a message sent to a running task.
type Control struct {
	Signal Signal
	// Deleting marks a pause issued because the download state is being
	// deleted.
	Deleting bool
}

// Controllable receives control messages.
type Controllable interface {
	TaskID() ID
	Send(c Control) bool
}

// Task is a download-state task that can be run by a Runner.
type Task interface {
	Controllable
	Name() string
	State() *purchase.DownloadState
	Run(ctx context.Context) error
}

const controlBuffer = 8

// Base is embedded by every task.
type Base struct {
	id      ID
	name    string
	state   *purchase.DownloadState
	store   storage.Store
	events  events.Publisher
	control chan Control

	failOnce sync.Once
	failed   bool
}

// NewBase creates the shared part of a task working on ds.
func NewBase(name string, ds *purchase.DownloadState, store storage.Store, pub events.Publisher) *Base {
	return &Base{
		id:      NewID(),
		name:    name,
		state:   ds,
		store:   store,
		events:  pub,
		control: make(chan Control, controlBuffer),
	}
}

func (b *Base) TaskID() ID {
	return b.id
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) State() *purchase.DownloadState {
	return b.state
}

func (b *Base) Store() storage.Store {
	return b.store
}

// Send queues a control message without blocking. It reports false when the
// queue is full.
func (b *Base) Send(c Control) bool {
	select {
	case b.control <- c:
		return true
	default:
		return false
	}
}

// Control is the task's control mailbox.
func (b *Base) Control() <-chan Control {
	return b.control
}

// Context returns ctx with a logger naming the task and its download state.
func (b *Base) Context(ctx context.Context) context.Context {
	ctx = logctx.WithDownloadState(ctx, b.name, uint64(b.state.UserID), int64(b.state.ID))
	logger := logctx.LoggerFromContext(ctx).With("task_id", string(b.id))

	return logctx.WithLogger(ctx, logger)
}

// Publish emits an event about the task's download state.
func (b *Base) Publish(ctx context.Context, t events.Type, details map[string]any) {
	if b.events != nil {
		b.events.Publish(ctx, events.New(t, b.state, details))
	}
}

// Fail publishes one exception event for err. Only the first call has an
// effect.
func (b *Base) Fail(ctx context.Context, err error) {
	b.failOnce.Do(func() {
		b.failed = true

		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "task failed", "code", purchase.Code(err), "err", err)

		if b.events != nil {
			b.events.Publish(ctx, events.NewException(b.state, err))
		}
	})
}

// Failed reports whether Fail was called.
func (b *Base) Failed() bool {
	return b.failed
}

// Lock takes the processing lock with the task id.
func (b *Base) Lock(ctx context.Context) error {
	return b.store.StartProcessing(ctx, b.state, string(b.id))
}

// Adopt takes over a lock held by holder.
func (b *Base) Adopt(ctx context.Context, holder ID) error {
	return b.store.SetProcessorID(ctx, b.state, string(holder), string(b.id))
}

// Unlock releases the processing lock. It runs even when ctx is done.
func (b *Base) Unlock(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if err := b.store.StopProcessing(ctx, b.state, string(b.id)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to release processing lock", "err", err)
	}
}

// Interruptible returns a context cancelled with ErrInterrupted when a pause
// or interrupt reaches the mailbox. Polls are ignored. Call stop once the
// work is done.
func (b *Base) Interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case c := <-b.control:
				if c.Signal == SignalPoll {
					continue
				}

				cancel(purchase.ErrInterrupted)

				return
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once

	return ctx, func() {
		once.Do(func() {
			close(done)
			cancel(context.Canceled)
		})
	}
}
