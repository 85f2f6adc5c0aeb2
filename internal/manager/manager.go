// Package manager runs the download of a purchase: it assigns pieces to
// sellers, supervises negotiations, seller pool refreshes and piece downloads,
// and detects completion.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/downloader"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/negotiator"
	"github.com/italolelis/peerbuy_downloader/internal/picker"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/refresher"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
	"github.com/italolelis/peerbuy_downloader/internal/throttle"
	flow "github.com/libp2p/go-flow-metrics"
	"golang.org/x/sync/errgroup"
)

const inboxBuffer = 16

// Config tunes a manager.
type Config struct {
	TmpDir     string
	CatalogURL string
	// MaxPieces caps concurrent pieces per download. 0 means no cap.
	MaxPieces int
	// MaxExcessBandwidth is the unused bandwidth in bytes per second above
	// which another piece is downloaded concurrently.
	MaxExcessBandwidth      int64
	SellerPoolTimeout       time.Duration
	CheckCompletionInterval time.Duration
	BlacklistWindow         time.Duration
}

// Deps are the collaborators of a manager.
type Deps struct {
	Store     storage.Store
	Events    events.Publisher
	Messenger messenger.Messenger
	Signer    negotiator.SectionSigner
	Policy    negotiator.Policy
	Picker    *picker.Picker
	Throttle  *throttle.Map
	Telemetry *telemetry.Telemetry
	// Global meters every byte downloaded by the process.
	Global *flow.Meter
	Now    func() time.Time
}

// pieceTask is a running piece download.
type pieceTask interface {
	task.Controllable
	Download(ctx context.Context) downloader.Result
	Downloaded() int64
	Assignment() downloader.Assignment
}

type pieceEntry struct {
	task  pieceTask
	meter *flow.Meter
}

// Manager is the task that downloads a purchase. Its state is only touched
// by the goroutine running Run; children work on copies and report back
// through the inbox.
type Manager struct {
	*task.Base

	cfg  Config
	deps Deps

	inbox    chan any
	children errgroup.Group
	// auxCancel stops negotiations and pool refreshes.
	auxCancel context.CancelFunc

	contract    *flow.Meter
	downloaders map[uint32]pieceEntry
	nextPieceID uint32

	poolsInitializing bool
	poolsUpdating     bool
	negotiating       bool
	assignOptional    bool
	interrupted       bool
	deleting          bool

	poolTimer *time.Timer
	unlock    sync.Once

	// hooks replaced in tests
	newPiece func(a downloader.Assignment, meters downloader.Meters) pieceTask
	rate     func() float64
}

// New returns a manager for ds. The caller must hand the processing lock to
// the manager with Adopt before running it.
func New(ds *purchase.DownloadState, cfg Config, deps Deps) *Manager {
	if deps.Picker == nil {
		deps.Picker = picker.New()
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	if deps.Global == nil {
		deps.Global = new(flow.Meter)
	}

	if cfg.SellerPoolTimeout <= 0 {
		cfg.SellerPoolTimeout = 2 * time.Minute
	}

	if cfg.CheckCompletionInterval <= 0 {
		cfg.CheckCompletionInterval = 5 * time.Second
	}

	if cfg.BlacklistWindow <= 0 {
		cfg.BlacklistWindow = cfg.SellerPoolTimeout
	}

	m := &Manager{
		Base:              task.NewBase("download_manager", ds, deps.Store, deps.Events),
		cfg:               cfg,
		deps:              deps,
		inbox:             make(chan any, inboxBuffer),
		contract:          new(flow.Meter),
		downloaders:       make(map[uint32]pieceEntry),
		poolsInitializing: true,
	}

	m.newPiece = func(a downloader.Assignment, meters downloader.Meters) pieceTask {
		return downloader.New(m.State(), a, meters, downloader.Deps{
			Events:    deps.Events,
			Messenger: deps.Messenger,
			Throttle:  deps.Throttle,
			Telemetry: deps.Telemetry,
		})
	}

	m.rate = func() float64 {
		return m.deps.Global.Snapshot().Rate
	}

	return m
}

// Run downloads until every piece is in, the download is paused or a fatal
// error occurs. The processing lock is released exactly once.
func (m *Manager) Run(ctx context.Context) error {
	ctx = m.Context(ctx)
	defer m.release(ctx)

	err := m.deps.Telemetry.InstrumentDownload(ctx, m.run)
	if err != nil {
		m.Fail(ctx, err)
	}

	return err
}

func (m *Manager) release(ctx context.Context) {
	m.unlock.Do(func() { m.Unlock(ctx) })
}

func (m *Manager) run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	ds := m.State()

	logger.InfoContext(ctx, "starting download")

	if err := m.checkInit(); err != nil {
		return err
	}

	if err := m.unassignPieces(ctx); err != nil {
		return err
	}

	auxCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.auxCancel = cancel

	// downloaders only stop through their mailbox
	pieceCtx := context.WithoutCancel(ctx)

	m.poolTimer = time.NewTimer(0)
	defer m.poolTimer.Stop()

	completion := time.NewTicker(m.cfg.CheckCompletionInterval)
	defer completion.Stop()

	m.Publish(ctx, events.DownloadStarted, nil)

	var fatal error

	complete := false

	for fatal == nil && !m.interrupted {
		if complete = m.isComplete(ctx); complete {
			break
		}

		if !m.negotiating && !m.poolsInitializing {
			if err := m.tryAssignPiece(ctx, auxCtx, pieceCtx); err != nil {
				if len(m.downloaders) == 0 || !errors.Is(err, purchase.ErrNoSellersAvailable) {
					fatal = err
					break
				}
			}
		}

		fatal = m.wait(ctx, auxCtx, completion.C)
	}

	if fatal != nil {
		logger.ErrorContext(ctx, "download failed, stopping children", "err", fatal)
		m.stopChildren(ctx, false)
	}

	if complete {
		// pool refreshes and negotiations still in flight are no longer needed
		cancel()
	}

	logger.DebugContext(ctx, "waiting for children to exit", "pieces", len(m.downloaders))

	if err := m.drain(ctx); err != nil && fatal == nil {
		fatal = err
	}

	_ = m.children.Wait()

	logger.DebugContext(ctx, "all children exited")

	m.release(ctx)

	if m.interrupted {
		m.Publish(ctx, events.DownloadInterrupted, map[string]any{"deleting": m.deleting})

		if !m.deleting {
			m.Publish(ctx, events.DownloadPaused, nil)
		}
	}

	done := complete && !m.interrupted && fatal == nil
	m.Publish(ctx, events.DownloadStopped, map[string]any{
		"completed":   done,
		"interrupted": m.interrupted,
	})

	if done {
		logger.InfoContext(ctx, "download completed", "pieces", ds.TotalPieceCount)
		m.Publish(ctx, events.DownloadCompleted, nil)
	}

	return fatal
}

// checkInit verifies the state is initialized and licensed within the
// buyer's maximum price.
func (m *Manager) checkInit() error {
	ds := m.State()

	if !ds.Initialized {
		return purchase.ErrNotInitialized
	}

	if !ds.LicenseAcquired {
		return purchase.ErrMissingLicense
	}

	if ds.Contract.Media.LicenseAmount.GreaterThan(ds.Preferences.Price.Max) {
		return purchase.ErrLicenseTooExpensive
	}

	return nil
}

// unassignPieces returns pieces left assigned by an earlier run to the
// unassigned bucket.
func (m *Manager) unassignPieces(ctx context.Context) error {
	ds := m.State()

	var updates []storage.PieceUpdate

	for _, id := range ds.SortedFileIDs() {
		fp := ds.Progress[id]

		for hash, pieces := range fp.Assigned {
			for _, p := range pieces {
				fp.Unassigned = append(fp.Unassigned, p)
				updates = append(updates, storage.PieceUpdate{
					FileID:      id,
					SectionHash: hash,
					Status:      purchase.StatusUnassigned,
					Piece:       p,
				})
			}
		}

		clear(fp.Assigned)
	}

	clear(ds.ActiveSellers)

	if len(updates) == 0 {
		return nil
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "unassigned pieces left over from an earlier run", "pieces", len(updates))

	return m.Store().UpdateFileProgress(ctx, ds, updates)
}

// wait blocks for the next message and handles it along with everything
// queued behind it. Progress polls alone do not end the wait.
func (m *Manager) wait(ctx, auxCtx context.Context, completion <-chan time.Time) error {
	for {
		handled := 0

		select {
		case <-ctx.Done():
			m.interrupt(ctx, false)
			return nil
		case c := <-m.Control():
			poll, err := m.control(ctx, c)
			if !poll {
				handled++
			}

			if err != nil {
				return err
			}
		case msg := <-m.inbox:
			handled++

			if err := m.handle(ctx, msg); err != nil {
				return err
			}
		case <-completion:
			handled++
			m.assignOptional = true
		case <-m.poolTimer.C:
			handled++
			m.poolTimeout(ctx, auxCtx)
		}

		for more := true; more; {
			select {
			case c := <-m.Control():
				poll, err := m.control(ctx, c)
				if !poll {
					handled++
				}

				if err != nil {
					return err
				}
			case msg := <-m.inbox:
				handled++

				if err := m.handle(ctx, msg); err != nil {
					return err
				}
			default:
				more = false
			}
		}

		if handled > 0 {
			return nil
		}
	}
}

// control handles a control message and reports whether it was a progress
// poll.
func (m *Manager) control(ctx context.Context, c task.Control) (bool, error) {
	switch c.Signal {
	case task.SignalPoll:
		m.progressPolled(ctx)
		return true, nil
	case task.SignalPause, task.SignalInterrupt:
		m.interrupt(ctx, c.Deleting)
	}

	return false, nil
}

func (m *Manager) handle(ctx context.Context, msg any) error {
	switch msg := msg.(type) {
	case downloader.Result:
		return m.pieceUpdate(ctx, msg)
	case negotiator.Result:
		return m.negotiationComplete(ctx, msg)
	case refresher.Result:
		m.poolUpdate(ctx, msg)
	}

	return nil
}

// drain waits for every child to report back.
func (m *Manager) drain(ctx context.Context) error {
	var firstErr error

	for m.negotiating || m.poolsUpdating || len(m.downloaders) > 0 {
		msg := <-m.inbox

		var err error

		switch msg := msg.(type) {
		case downloader.Result:
			err = m.pieceUpdate(ctx, msg)
		case negotiator.Result:
			m.negotiating = false
			m.mergeNegotiation(msg)
		case refresher.Result:
			m.poolsUpdating = false
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// interrupt marks the download paused and stops every child.
func (m *Manager) interrupt(ctx context.Context, deleting bool) {
	if m.interrupted {
		return
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download interrupted", "deleting", deleting)

	m.interrupted = true
	m.deleting = m.deleting || deleting

	ds := m.State()
	ds.DownloadPaused = true

	if err := m.Store().UpdateDownloadStateFlags(context.WithoutCancel(ctx), ds); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist paused flag", "err", err)
	}

	m.stopChildren(ctx, deleting)
	m.Publish(ctx, events.DownloadInterrupting, map[string]any{"deleting": deleting})
}

// stopChildren pauses every piece download and cancels negotiations and
// pool refreshes.
func (m *Manager) stopChildren(ctx context.Context, deleting bool) {
	for id, e := range m.downloaders {
		if !e.task.Send(task.Control{Signal: task.SignalPause, Deleting: deleting}) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "piece downloader mailbox full", "piece_downloader", id)
		}
	}

	if m.auxCancel != nil {
		m.auxCancel()
	}
}

func (m *Manager) isComplete(ctx context.Context) bool {
	if m.State().RemainingPieces != 0 {
		return false
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "all pieces received")
	m.progressPolled(ctx)

	return true
}
