package task

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

type stateKey struct {
	userID purchase.UserID
	id     purchase.DownloadStateID
}

// Registry maps download states to the task currently running on them, so
// control messages can be routed by state.
type Registry struct {
	mu    sync.RWMutex
	tasks map[stateKey]Controllable
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[stateKey]Controllable)}
}

// Register records t as the task running on the state.
func (r *Registry) Register(userID purchase.UserID, id purchase.DownloadStateID, t Controllable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[stateKey{userID, id}] = t
}

// Unregister removes t. A different task registered since is left alone.
func (r *Registry) Unregister(userID purchase.UserID, id purchase.DownloadStateID, t Controllable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := stateKey{userID, id}
	if cur, ok := r.tasks[k]; ok && cur.TaskID() == t.TaskID() {
		delete(r.tasks, k)
	}
}

// Lookup returns the task running on the state.
func (r *Registry) Lookup(userID purchase.UserID, id purchase.DownloadStateID) (Controllable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[stateKey{userID, id}]

	return t, ok
}

// Tasks returns the tasks running on the user's states.
func (r *Registry) Tasks(userID purchase.UserID) []Controllable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Controllable

	for k, t := range r.tasks {
		if k.userID == userID {
			out = append(out, t)
		}
	}

	return out
}

// Send routes c to the task running on the state. It reports false when no
// task runs or its mailbox is full.
func (r *Registry) Send(userID purchase.UserID, id purchase.DownloadStateID, c Control) bool {
	t, ok := r.Lookup(userID, id)
	if !ok {
		return false
	}

	return t.Send(c)
}

// Runner runs top-level tasks in their own goroutines and tracks them in a
// registry.
type Runner struct {
	registry  *Registry
	telemetry *telemetry.Telemetry
	wg        sync.WaitGroup
}

func NewRunner(registry *Registry, tel *telemetry.Telemetry) *Runner {
	return &Runner{registry: registry, telemetry: tel}
}

func (r *Runner) Registry() *Registry {
	return r.registry
}

// Go starts t. The task is registered before Go returns.
func (r *Runner) Go(ctx context.Context, t Task) {
	ds := t.State()
	r.registry.Register(ds.UserID, ds.ID, t)

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.registry.Unregister(ds.UserID, ds.ID, t)

		logger := logctx.LoggerFromContext(ctx).With("task", t.Name(), "task_id", string(t.TaskID()))

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("task panic",
					"user_id", ds.UserID,
					"download_state_id", ds.ID,
					"panic", rec,
					"stack", string(debug.Stack()))
				r.telemetry.RecordSystemError(t.Name(), "panic")
			}
		}()

		if err := t.Run(ctx); err != nil {
			logger.Debug("task finished with error", "err", err)
		}
	}()
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
