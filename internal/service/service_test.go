package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/signer"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/storage/sqlite"
	"github.com/italolelis/peerbuy_downloader/internal/storage/sqlite/sqlitetest"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/throttle"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const user purchase.UserID = 900

type fixture struct {
	svc       *Service
	downloads string
	store     *sqlite.Store
	bus       *events.Bus
	runner    *task.Runner
	thr       *throttle.Map
}

func newFixture(t *testing.T, catalogURL string) *fixture {
	t.Helper()

	store, hub := sqlitetest.NewStore(t)
	bus := events.NewBus(64, nil)
	t.Cleanup(bus.Close)

	runner := task.NewRunner(task.NewRegistry(), nil)
	thr := throttle.NewMap(0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		runner.Wait()
	})

	downloads := t.TempDir()

	svc := New(ctx, Config{
		CatalogURL:        catalogURL,
		MarketplaceURL:    catalogURL,
		DownloadDir:       downloads,
		DeleteWaitTimeout: 2 * time.Second,
	}, Deps{
		Store:     store,
		Bus:       bus,
		Messenger: messenger.NewClient("", nil, nil),
		Signer:    signer.New(3, "secret"),
		Throttle:  thr,
		Users:     hub,
	}, runner)

	return &fixture{svc: svc, downloads: downloads, store: store, bus: bus, runner: runner, thr: thr}
}

func ware() purchase.Ware {
	return purchase.Ware{
		ID:      purchase.BundleWareID,
		MediaID: 42,
		FileInfos: []purchase.FileInfo{
			{ID: "aaa", MediaID: 42, ContentSize: 20, Size: 20},
		},
	}
}

func next(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := events.Next(ctx, sub)
	require.NoError(t, err)

	return e
}

func TestService_CreateDownloadState(t *testing.T) {
	f := newFixture(t, "")
	sub := f.bus.Subscribe(events.Is(events.Created))

	_, err := f.svc.CreateDownloadState(context.Background(), user, purchase.Ware{ID: "bitmunk:file:42-aaa"}, 3, nil)
	require.ErrorIs(t, err, purchase.ErrInvalidWare)

	sellers := []purchase.Seller{{UserID: 7, ServerID: 1}}
	ds, err := f.svc.CreateDownloadState(context.Background(), user, ware(), 3, sellers)
	require.NoError(t, err)
	require.NotZero(t, ds.ID)

	e := next(t, sub)
	assert.Equal(t, ds.ID, e.DownloadStateID)

	got, err := f.svc.GetDownloadState(context.Background(), user, ds.ID)
	require.NoError(t, err)

	assert.Equal(t, purchase.ContractVersion, got.Contract.Version)
	assert.Equal(t, purchase.Buyer{UserID: user, ProfileID: 3}, got.Contract.Buyer)
	assert.Equal(t, purchase.MediaID(42), got.Contract.Media.ID)
	assert.Equal(t, 3, got.Preferences.SellerLimit)
	assert.Equal(t, sellers, got.Preferences.Sellers)
}

func TestService_GetDownloadStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	first, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	second, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	second.LicenseAcquired = true
	require.NoError(t, f.store.UpdateDownloadStateFlags(ctx, second))

	all, err := f.svc.GetDownloadStates(ctx, user, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	yes := true
	licensed, err := f.svc.GetDownloadStates(ctx, user, storage.Filter{LicenseAcquired: &yes})
	require.NoError(t, err)
	require.Len(t, licensed, 1)
	assert.Equal(t, second.ID, licensed[0].ID)
	assert.NotEqual(t, first.ID, licensed[0].ID)

	first.LicensePurchased = true
	first.DataPurchased = true
	require.NoError(t, f.store.UpdateDownloadStateFlags(ctx, first))

	no := false
	unpaid, err := f.svc.GetDownloadStates(ctx, user, storage.Filter{Purchased: &no})
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, second.ID, unpaid[0].ID)
}

func TestService_ClearsStaleLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds := purchase.NewDownloadState(user)
	ds.Ware = ware()
	sqlitetest.Insert(t, f.store, ds)
	require.NoError(t, f.store.StartProcessing(ctx, ds, "crashed-process"))

	got, err := f.svc.GetDownloadState(ctx, user, ds.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing, "locks of an earlier process are cleared")
}

func TestService_InitializeDownloadState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(purchase.SellerPool{PieceSize: 10, PieceCount: 2})
	}))
	defer server.Close()

	ctx := context.Background()
	f := newFixture(t, server.URL)

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	sub := f.bus.Subscribe(events.All(events.About(user, ds.ID), events.Is(events.Initialized, events.Exception)))

	require.NoError(t, f.svc.InitializeDownloadState(ctx, user, ds.ID))

	e := next(t, sub)
	require.Equal(t, events.Initialized, e.Type)

	f.runner.Wait()

	got, err := f.svc.GetDownloadState(ctx, user, ds.ID)
	require.NoError(t, err)
	assert.True(t, got.Initialized)
	assert.False(t, got.Processing)
	assert.Equal(t, uint32(2), got.RemainingPieces)
}

func TestService_LockedStatesAreRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.StartProcessing(ctx, ds, "another-task"))

	assert.ErrorIs(t, f.svc.InitializeDownloadState(ctx, user, ds.ID), storage.ErrAlreadyProcessing)
	assert.ErrorIs(t, f.svc.AcquireLicense(ctx, user, ds.ID), storage.ErrAlreadyProcessing)
	assert.ErrorIs(t, f.svc.DownloadContractData(ctx, user, ds.ID, nil), storage.ErrAlreadyProcessing)
}

func TestService_DownloadContractData_InvalidPreferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	err = f.svc.DownloadContractData(ctx, user, ds.ID, &purchase.Preferences{
		AccountID:   1,
		Price:       purchase.PricePreference{Max: decimal.RequireFromString("-1")},
		SellerLimit: 3,
	})
	require.ErrorIs(t, err, purchase.ErrInvalidPreferences)
	assert.Contains(t, err.Error(), "Max")

	got, err := f.svc.GetDownloadState(ctx, user, ds.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing, "lock released after a rejected start")
	assert.False(t, got.DownloadStarted)
}

func TestService_DownloadContractData_NotInitialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	sub := f.bus.Subscribe(events.All(events.About(user, ds.ID), events.Is(events.Exception)))

	require.NoError(t, f.svc.DownloadContractData(ctx, user, ds.ID, &purchase.Preferences{
		AccountID:   1,
		Price:       purchase.PricePreference{Max: decimal.RequireFromString("5.00")},
		SellerLimit: 3,
	}))

	e := next(t, sub)
	assert.Equal(t, purchase.ErrNotInitialized.Code(), e.Details["code"])

	f.runner.Wait()

	got, err := f.svc.GetDownloadState(ctx, user, ds.ID)
	require.NoError(t, err)
	assert.True(t, got.DownloadStarted)
	assert.False(t, got.Processing)
	assert.Equal(t, "5", got.Preferences.Price.Max.String())
}

func TestService_PauseAndPollWithoutTask(t *testing.T) {
	f := newFixture(t, "")

	assert.ErrorIs(t, f.svc.PauseDownload(context.Background(), user, 1), purchase.ErrDownloadNotInProgress)
	assert.ErrorIs(t, f.svc.PollProgress(context.Background(), user, 1), purchase.ErrDownloadNotInProgress)
}

// stoppable stands in for a running task: a pause releases its lock and
// reports the interruption.
type stoppable struct {
	id     task.ID
	ds     *purchase.DownloadState
	store  *sqlite.Store
	bus    *events.Bus
	paused chan task.Control
}

func (s *stoppable) TaskID() task.ID {
	return s.id
}

func (s *stoppable) Send(c task.Control) bool {
	s.paused <- c

	go func() {
		_ = s.store.StopProcessing(context.Background(), s.ds, string(s.id))
		s.bus.Publish(context.Background(), events.New(events.DownloadInterrupted, s.ds, map[string]any{"deleting": c.Deleting}))
	}()

	return true
}

func TestService_DeleteDownloadState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertSellerPools(ctx, ds))

	spool := filepath.Join(t.TempDir(), "900-1-aaa--0000.fp")
	require.NoError(t, os.WriteFile(spool, []byte("piece"), 0o600))
	require.NoError(t, f.store.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{{
		FileID:      "aaa",
		SectionHash: "hash",
		Status:      purchase.StatusAssigned,
		Piece:       purchase.FilePiece{Index: 0, Size: 10, Path: spool},
	}}))

	running := &stoppable{id: "running", ds: ds, store: f.store, bus: f.bus, paused: make(chan task.Control, 1)}
	require.NoError(t, f.store.StartProcessing(ctx, ds, string(running.id)))
	f.runner.Registry().Register(user, ds.ID, running)

	sub := f.bus.Subscribe(events.Is(events.Deleted))

	require.NoError(t, f.svc.DeleteDownloadState(ctx, user, ds.ID))

	c := <-running.paused
	assert.Equal(t, task.Control{Signal: task.SignalPause, Deleting: true}, c)

	assert.Equal(t, ds.ID, next(t, sub).DownloadStateID)
	assert.NoFileExists(t, spool)

	_, err = f.svc.GetDownloadState(ctx, user, ds.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_DeleteDownloadState_TaskDoesNotStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.svc.cfg.DeleteWaitTimeout = 100 * time.Millisecond

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.StartProcessing(ctx, ds, "stuck"))

	// the lock was taken after the stale locks of this user were cleared
	err = f.svc.DeleteDownloadState(ctx, user, ds.ID)
	require.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	_, err = f.svc.GetDownloadState(ctx, user, ds.ID)
	assert.NoError(t, err, "state is kept")
}

func TestService_DeleteDownloadState_Active(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	ds.Initialized = true
	ds.TotalPieceCount = 2
	ds.RemainingPieces = 0
	require.NoError(t, f.store.UpdateDownloadStateFlags(ctx, ds))

	assert.ErrorIs(t, f.svc.DeleteDownloadState(ctx, user, ds.ID), purchase.ErrDownloadStateActive)
}

func TestService_ConfigChangedAndLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	f.svc.ConfigChanged(ctx, user, 4096)
	assert.Equal(t, int64(4096), f.thr.RateLimit(user))

	_, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, user))
	assert.Zero(t, f.thr.RateLimit(user))

	states, err := f.svc.GetDownloadStates(ctx, user, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, states, 1, "the database is reopened on the next call")
}

// cooperative stops like a real task: it releases its lock and leaves the
// registry once paused.
type cooperative struct {
	id       task.ID
	ds       *purchase.DownloadState
	store    *sqlite.Store
	registry *task.Registry
}

func (c *cooperative) TaskID() task.ID {
	return c.id
}

func (c *cooperative) Send(task.Control) bool {
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.store.StopProcessing(context.Background(), c.ds, string(c.id))
		c.registry.Unregister(c.ds.UserID, c.ds.ID, c)
	}()

	return true
}

// deaf never answers control messages.
type deaf struct{ id task.ID }

func (d deaf) TaskID() task.ID        { return d.id }
func (d deaf) Send(task.Control) bool { return true }

func TestService_Logout_WaitsForRunningTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	running := &cooperative{id: "manager-a", ds: ds, store: f.store, registry: f.runner.Registry()}
	require.NoError(t, f.store.StartProcessing(ctx, ds, string(running.id)))
	f.runner.Registry().Register(user, ds.ID, running)

	require.NoError(t, f.svc.Logout(ctx, user))
	assert.Empty(t, f.runner.Registry().Tasks(user))

	got, err := f.svc.GetDownloadState(ctx, user, ds.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing)
}

func TestService_Logout_KeepsLiveLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.svc.cfg.DeleteWaitTimeout = 50 * time.Millisecond

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)

	require.NoError(t, f.store.StartProcessing(ctx, ds, "manager-a"))
	f.runner.Registry().Register(user, ds.ID, deaf{id: "manager-a"})

	require.NoError(t, f.svc.Logout(ctx, user))

	err = f.store.StartProcessing(ctx, ds.Clone(), "task-b")
	assert.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	got, err := f.svc.GetDownloadState(ctx, user, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, "manager-a", got.ProcessorID)
}

func TestService_PurchaseAndAssemble(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/3.0/sva/contracts/purchase/license":
			var c purchase.Contract
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&c))

			c.ID = "contract-1"
			_ = json.NewEncoder(w).Encode(c)
		case "/api/3.0/sva/contracts/purchase/data":
			var in struct {
				Section purchase.ContractSection `json:"section"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))

			_ = json.NewEncoder(w).Encode(in.Section)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	f := newFixture(t, server.URL)

	ds, err := f.svc.CreateDownloadState(ctx, user, ware(), 3, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertSellerPools(ctx, ds))

	fp := ds.Progress["aaa"]
	fp.SellerPool.PieceSize = 20
	fp.SellerPool.PieceCount = 1
	require.NoError(t, f.store.UpdateSellerPool(ctx, ds, fp.SellerPool))

	seller := purchase.Seller{UserID: 7, ServerID: 1}
	require.NoError(t, f.store.InsertSellerData(ctx, ds, "aaa", purchase.SellerData{
		Seller:  seller,
		Section: purchase.ContractSection{Hash: "h1", Seller: seller, Ware: purchase.Ware{FileInfos: ware().FileInfos}},
	}))

	spool := filepath.Join(t.TempDir(), "aaa-0")
	require.NoError(t, os.WriteFile(spool, []byte("01234567890123456789"), 0o600))
	require.NoError(t, f.store.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{{
		FileID:      "aaa",
		SectionHash: "h1",
		Status:      purchase.StatusDownloaded,
		Piece:       purchase.FilePiece{Index: 0, Size: 20, Path: spool},
	}}))

	ds.Initialized = true
	ds.LicenseAcquired = true
	ds.DownloadStarted = true
	ds.TotalPieceCount = 1
	require.NoError(t, f.store.UpdateDownloadStateFlags(ctx, ds))

	sub := f.bus.Subscribe(events.All(events.About(user, ds.ID),
		events.Is(events.PurchaseCompleted, events.AssemblyCompleted, events.Exception)))

	require.NoError(t, f.svc.PurchaseContractData(ctx, user, ds.ID))
	require.Equal(t, events.PurchaseCompleted, next(t, sub).Type)
	f.runner.Wait()

	require.NoError(t, f.svc.AssembleFiles(ctx, user, ds.ID))
	require.Equal(t, events.AssemblyCompleted, next(t, sub).Type)
	f.runner.Wait()

	got, err := os.ReadFile(filepath.Join(f.downloads, "42-aaa"))
	require.NoError(t, err)
	assert.Equal(t, "01234567890123456789", string(got))
	assert.NoFileExists(t, spool)

	stored := sqlitetest.Load(t, f.store, user, ds.ID)
	assert.True(t, stored.LicensePurchased)
	assert.True(t, stored.DataPurchased)
	assert.True(t, stored.FilesAssembled)
	assert.False(t, stored.Processing)

	all, err := f.svc.GetDownloadStates(ctx, user, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all, "assembled states are complete")
}

func TestValidatePreferences(t *testing.T) {
	s := &Service{validate: newValidator()}

	valid := purchase.Preferences{
		AccountID:   1,
		Price:       purchase.PricePreference{Max: decimal.RequireFromString("10.1234567")},
		SellerLimit: 5,
	}

	tests := []struct {
		name   string
		mutate func(p *purchase.Preferences)
		ok     bool
	}{
		{"valid", func(p *purchase.Preferences) {}, true},
		{"fast", func(p *purchase.Preferences) { p.Fast = true }, true},
		{"no account", func(p *purchase.Preferences) { p.AccountID = 0 }, false},
		{"zero price", func(p *purchase.Preferences) { p.Price.Max = decimal.Zero }, false},
		{"negative price", func(p *purchase.Preferences) { p.Price.Max = decimal.RequireFromString("-2") }, false},
		{"eight decimals", func(p *purchase.Preferences) { p.Price.Max = decimal.RequireFromString("1.12345678") }, false},
		{"trailing zeros", func(p *purchase.Preferences) { p.Price.Max = decimal.RequireFromString("1.1000000000") }, true},
		{"seven decimals padded", func(p *purchase.Preferences) { p.Price.Max = decimal.RequireFromString("5.10000000") }, true},
		{"no seller limit", func(p *purchase.Preferences) { p.SellerLimit = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)

			err := s.validatePreferences(p)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, purchase.ErrInvalidPreferences)
			}
		})
	}
}

func TestMoneyRule(t *testing.T) {
	v := newValidator()

	tests := map[string]bool{
		"5.10000000": true,
		"0.0000001":  true,
		"12":         true,
		"1.12345678": false,
		"0":          false,
		"-1.5":       false,
		"abc":        false,
	}

	for amount, ok := range tests {
		in := struct {
			Amount string `validate:"money"`
		}{Amount: amount}

		err := v.Struct(in)
		if ok {
			assert.NoError(t, err, amount)
		} else {
			assert.Error(t, err, amount)
		}
	}
}
