// Package service is the contract service: the entry point that creates
// download states and starts, pauses and deletes the tasks working on them.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/italolelis/peerbuy_downloader/internal/assembler"
	"github.com/italolelis/peerbuy_downloader/internal/cleanup"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/initializer"
	"github.com/italolelis/peerbuy_downloader/internal/license"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/manager"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/negotiator"
	"github.com/italolelis/peerbuy_downloader/internal/picker"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/purchaser"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
	"github.com/italolelis/peerbuy_downloader/internal/throttle"
	"github.com/jpillora/backoff"
	flow "github.com/libp2p/go-flow-metrics"
)

// Config tunes the service and the tasks it starts.
type Config struct {
	CatalogURL        string
	MarketplaceURL    string
	DownloadDir       string
	DeleteWaitTimeout time.Duration
	Manager           manager.Config
}

// Signer signs requests and contract sections as the buyer.
type Signer interface {
	negotiator.SectionSigner
	ProfileID() purchase.ProfileID
}

// UserCloser releases the resources held for a user, such as the user's
// database.
type UserCloser interface {
	Close(userID purchase.UserID) error
}

// Deps are the collaborators of the service.
type Deps struct {
	Store     storage.Store
	Bus       *events.Bus
	Messenger messenger.Messenger
	Signer    Signer
	// Policy defaults to accepting only the state's preferred sellers, or
	// everyone when none are listed.
	Policy negotiator.Policy
	// Decryptor defaults to copying pieces as they were spooled.
	Decryptor assembler.Decryptor
	Throttle  *throttle.Map
	Users     UserCloser
	Telemetry *telemetry.Telemetry
}

// Service starts and controls download-state tasks. Tasks outlive the
// requests that start them and stop when the context given to New is done.
type Service struct {
	root     context.Context
	cfg      Config
	deps     Deps
	runner   *task.Runner
	validate *validator.Validate
	picker   *picker.Picker
	global   *flow.Meter

	recovered sync.Map
}

func New(ctx context.Context, cfg Config, deps Deps, runner *task.Runner) *Service {
	if cfg.DeleteWaitTimeout <= 0 {
		cfg.DeleteWaitTimeout = 15 * time.Second
	}

	return &Service{
		root:     ctx,
		cfg:      cfg,
		deps:     deps,
		runner:   runner,
		validate: newValidator(),
		picker:   picker.New(),
		global:   new(flow.Meter),
	}
}

// GlobalRate is the download rate of every running piece, in bytes per
// second.
func (s *Service) GlobalRate() float64 {
	return s.global.Snapshot().Rate
}

// recoverLocks clears processing locks left behind by an earlier process the
// first time a user is seen.
func (s *Service) recoverLocks(ctx context.Context, userID purchase.UserID) error {
	if _, seen := s.recovered.LoadOrStore(userID, struct{}{}); seen {
		return nil
	}

	if err := s.deps.Store.ClearProcessing(ctx, userID); err != nil {
		s.recovered.Delete(userID)
		return err
	}

	return nil
}

// CreateDownloadState persists a new download state for a bundle ware.
func (s *Service) CreateDownloadState(ctx context.Context, userID purchase.UserID, ware purchase.Ware, sellerLimit int, sellers []purchase.Seller) (*purchase.DownloadState, error) {
	if ware.ID != purchase.BundleWareID {
		return nil, purchase.ErrInvalidWare
	}

	if err := s.recoverLocks(ctx, userID); err != nil {
		return nil, err
	}

	ds := purchase.NewDownloadState(userID)
	ds.Ware = ware
	ds.Preferences.SellerLimit = sellerLimit
	ds.Preferences.Sellers = sellers
	ds.Contract = purchase.Contract{
		Version: purchase.ContractVersion,
		Buyer:   purchase.Buyer{UserID: userID, ProfileID: s.deps.Signer.ProfileID()},
		Media:   purchase.Media{ID: ware.MediaID},
	}

	if err := s.deps.Store.InsertDownloadState(ctx, ds); err != nil {
		return nil, err
	}

	s.publish(ctx, events.New(events.Created, ds, nil))

	return ds, nil
}

// GetDownloadStates returns the user's incomplete download states that pass
// the filter.
func (s *Service) GetDownloadStates(ctx context.Context, userID purchase.UserID, filter storage.Filter) ([]*purchase.DownloadState, error) {
	if err := s.recoverLocks(ctx, userID); err != nil {
		return nil, err
	}

	list := s.deps.Store.GetIncompleteDownloadStates
	if filter.Purchased != nil && !*filter.Purchased {
		list = s.deps.Store.GetUnpurchasedDownloadStates
	}

	all, err := list(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*purchase.DownloadState, 0, len(all))

	for _, ds := range all {
		if filter.Match(ds) {
			out = append(out, ds)
		}
	}

	return out, nil
}

// GetDownloadState loads one download state.
func (s *Service) GetDownloadState(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) (*purchase.DownloadState, error) {
	if err := s.recoverLocks(ctx, userID); err != nil {
		return nil, err
	}

	ds := purchase.NewDownloadState(userID)
	ds.ID = id

	if err := s.deps.Store.PopulateDownloadState(ctx, ds); err != nil {
		return nil, err
	}

	return ds, nil
}

// DeleteDownloadState stops any task working on the state, removes its
// spool files and deletes it.
func (s *Service) DeleteDownloadState(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	logger := logctx.LoggerFromContext(ctx).With("user_id", userID, "download_state_id", id)

	ds, err := s.GetDownloadState(ctx, userID, id)
	if err != nil {
		return err
	}

	if ds.Initialized && ds.TotalPieceCount > 0 && ds.RemainingPieces == 0 && !ds.FilesAssembled {
		return purchase.ErrDownloadStateActive
	}

	holder := task.NewID()
	if err := s.takeOver(ctx, ds, holder); err != nil {
		return err
	}

	// the stopped task may have moved pieces since the state was read
	if err := s.deps.Store.PopulateDownloadState(ctx, ds); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	if err := cleanup.RemoveSpool(ctx, ds); err != nil {
		logger.WarnContext(ctx, "some spool files were left behind", "err", err)
	}

	if err := s.deps.Store.DeleteDownloadState(ctx, ds); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	s.publish(ctx, events.New(events.Deleted, ds, nil))

	return nil
}

// takeOver takes the processing lock of ds. When a task holds it, the task
// is paused for deletion and the lock is retried until the delete timeout.
func (s *Service) takeOver(ctx context.Context, ds *purchase.DownloadState, holder task.ID) error {
	err := s.deps.Store.StartProcessing(ctx, ds, string(holder))
	if !errors.Is(err, storage.ErrAlreadyProcessing) {
		return err
	}

	logger := logctx.LoggerFromContext(ctx)

	info := &purchase.DownloadState{UserID: ds.UserID, ID: ds.ID}
	if err := s.deps.Store.PopulateProcessingInfo(ctx, info); err == nil {
		logger = logger.With("processor_id", info.ProcessorID)
	}

	sub := s.deps.Bus.Subscribe(events.All(
		events.About(ds.UserID, ds.ID),
		events.Is(events.DownloadInterrupted, events.InitializationInterrupted, events.DownloadStopped, events.Exception),
	))
	defer s.deps.Bus.Unsubscribe(sub)

	if !s.runner.Registry().Send(ds.UserID, ds.ID, task.Control{Signal: task.SignalPause, Deleting: true}) {
		logger.WarnContext(ctx, "no running task answered the delete request")
	}

	wait, cancel := context.WithTimeout(ctx, s.cfg.DeleteWaitTimeout)
	defer cancel()

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2}

	for {
		err := s.deps.Store.StartProcessing(ctx, ds, string(holder))
		if !errors.Is(err, storage.ErrAlreadyProcessing) {
			return err
		}

		timer := time.NewTimer(b.Duration())

		select {
		case <-sub.C:
		case <-timer.C:
		case <-wait.Done():
			timer.Stop()
			return fmt.Errorf("task did not stop within %s: %w", s.cfg.DeleteWaitTimeout, err)
		}

		timer.Stop()
	}
}

// lock takes the processing lock for a task about to start and loads the
// state under it.
func (s *Service) lock(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) (*purchase.DownloadState, task.ID, error) {
	ds, err := s.GetDownloadState(ctx, userID, id)
	if err != nil {
		return nil, "", err
	}

	holder := task.NewID()
	if err := s.deps.Store.StartProcessing(ctx, ds, string(holder)); err != nil {
		return nil, "", err
	}

	return ds, holder, nil
}

func (s *Service) release(ctx context.Context, ds *purchase.DownloadState, holder task.ID) {
	ctx = context.WithoutCancel(ctx)

	if err := s.deps.Store.StopProcessing(ctx, ds, string(holder)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to release processing lock", "err", err)
	}
}

// start hands the lock held by holder to t and runs it.
func (s *Service) start(ctx context.Context, ds *purchase.DownloadState, holder task.ID, t interface {
	task.Task
	Adopt(ctx context.Context, holder task.ID) error
}) error {
	if err := t.Adopt(ctx, holder); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "starting task",
		"task", t.Name(), "user_id", ds.UserID, "download_state_id", ds.ID)

	s.runner.Go(logctx.WithLogger(s.root, logctx.LoggerFromContext(ctx)), t)

	return nil
}

// InitializeDownloadState (re)initializes the state's seller pools and
// pieces in the background.
func (s *Service) InitializeDownloadState(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	ds, holder, err := s.lock(ctx, userID, id)
	if err != nil {
		return err
	}

	ds.Initialized = false

	if err := s.deps.Store.UpdateDownloadStateFlags(ctx, ds); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	return s.start(ctx, ds, holder,
		initializer.New(ds, s.deps.Store, s.deps.Bus, s.deps.Messenger, s.cfg.CatalogURL, s.deps.Telemetry))
}

// AcquireLicense acquires the media license in the background.
func (s *Service) AcquireLicense(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	ds, holder, err := s.lock(ctx, userID, id)
	if err != nil {
		return err
	}

	return s.start(ctx, ds, holder,
		license.New(ds, s.deps.Store, s.deps.Bus, s.deps.Messenger, s.cfg.MarketplaceURL, s.deps.Telemetry))
}

// DownloadContractData starts downloading the state's pieces. New
// preferences replace the stored ones when given.
func (s *Service) DownloadContractData(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID, prefs *purchase.Preferences) error {
	ds, holder, err := s.lock(ctx, userID, id)
	if err != nil {
		return err
	}

	if prefs != nil {
		ds.Preferences = *prefs
	}

	if err := s.validatePreferences(ds.Preferences); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	ds.DownloadStarted = true
	ds.DownloadPaused = false

	if err := s.deps.Store.UpdatePreferences(ctx, ds); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	if err := s.deps.Store.UpdateDownloadStateFlags(ctx, ds); err != nil {
		s.release(ctx, ds, holder)
		return err
	}

	policy := s.deps.Policy
	if policy == nil {
		policy = negotiator.PreferredSellers(ds.Preferences.Sellers)
	}

	return s.start(ctx, ds, holder, manager.New(ds, s.cfg.Manager, manager.Deps{
		Store:     s.deps.Store,
		Events:    s.deps.Bus,
		Messenger: s.deps.Messenger,
		Signer:    s.deps.Signer,
		Policy:    policy,
		Picker:    s.picker,
		Throttle:  s.deps.Throttle,
		Telemetry: s.deps.Telemetry,
		Global:    s.global,
	}))
}

// PurchaseContractData pays for the license and the downloaded pieces in
// the background.
func (s *Service) PurchaseContractData(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	ds, holder, err := s.lock(ctx, userID, id)
	if err != nil {
		return err
	}

	return s.start(ctx, ds, holder,
		purchaser.New(ds, s.deps.Store, s.deps.Bus, s.deps.Messenger, s.cfg.MarketplaceURL, s.deps.Telemetry))
}

// AssembleFiles writes the purchased files to the download directory in the
// background.
func (s *Service) AssembleFiles(ctx context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	ds, holder, err := s.lock(ctx, userID, id)
	if err != nil {
		return err
	}

	return s.start(ctx, ds, holder,
		assembler.New(ds, s.deps.Store, s.deps.Bus, s.cfg.DownloadDir, s.deps.Decryptor, s.deps.Telemetry))
}

// PauseDownload asks the task running on the state to stop.
func (s *Service) PauseDownload(_ context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	if !s.runner.Registry().Send(userID, id, task.Control{Signal: task.SignalPause}) {
		return purchase.ErrDownloadNotInProgress
	}

	return nil
}

// PollProgress asks the running download for a progress update event.
func (s *Service) PollProgress(_ context.Context, userID purchase.UserID, id purchase.DownloadStateID) error {
	if !s.runner.Registry().Send(userID, id, task.Control{Signal: task.SignalPoll}) {
		return purchase.ErrDownloadNotInProgress
	}

	return nil
}

// ConfigChanged applies a user's new maximum download rate in bytes per
// second. Zero removes the limit.
func (s *Service) ConfigChanged(_ context.Context, userID purchase.UserID, maxDownloadRate int64) {
	s.deps.Throttle.ConfigChanged(userID, maxDownloadRate)
}

// Logout forgets the user's rate limit, pauses the user's running tasks and
// closes the user's database once they have stopped. Tasks that do not stop
// within the delete timeout keep the database open.
func (s *Service) Logout(ctx context.Context, userID purchase.UserID) error {
	logger := logctx.LoggerFromContext(ctx).With("user_id", userID)

	s.deps.Throttle.Logout(userID)

	if !s.stopUserTasks(ctx, userID) {
		logger.WarnContext(ctx, "tasks still running after logout, keeping user database open")
		return nil
	}

	if s.deps.Users != nil {
		if err := s.deps.Users.Close(userID); err != nil {
			return fmt.Errorf("failed to close user database: %w", err)
		}
	}

	logger.InfoContext(ctx, "user logged out")

	return nil
}

// stopUserTasks pauses every task of the user and reports whether all of
// them returned before the delete timeout.
func (s *Service) stopUserTasks(ctx context.Context, userID purchase.UserID) bool {
	registry := s.runner.Registry()

	running := registry.Tasks(userID)
	if len(running) == 0 {
		return true
	}

	for _, t := range running {
		t.Send(task.Control{Signal: task.SignalPause})
	}

	wait, cancel := context.WithTimeout(ctx, s.cfg.DeleteWaitTimeout)
	defer cancel()

	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 250 * time.Millisecond, Factor: 2}

	for len(registry.Tasks(userID)) > 0 {
		timer := time.NewTimer(b.Duration())

		select {
		case <-timer.C:
		case <-wait.Done():
			timer.Stop()
			return false
		}
	}

	return true
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ctx, e)
	}
}
