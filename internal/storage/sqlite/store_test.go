package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser purchase.UserID = 900

func newTestStore(t *testing.T) (*Store, *Hub) {
	t.Helper()

	hub := NewHub(t.TempDir())
	t.Cleanup(func() { _ = hub.CloseAll() })

	return NewStore(hub), hub
}

func newState() *purchase.DownloadState {
	ds := purchase.NewDownloadState(testUser)
	ds.StartDate = "2026-10-16 10:00:00"
	ds.Ware = purchase.Ware{
		ID:      purchase.BundleWareID,
		MediaID: 42,
		FileInfos: []purchase.FileInfo{
			{ID: "aaa", MediaID: 42, ContentSize: 35, Size: 40, Extension: "mp3"},
			{ID: "bbb", MediaID: 42, ContentSize: 20, Size: 20, Extension: "mp3"},
		},
	}
	ds.Contract = purchase.Contract{
		Version: purchase.ContractVersion,
		Media:   purchase.Media{ID: 42, LicenseAmount: decimal.RequireFromString("0.50")},
		Buyer:   purchase.Buyer{UserID: testUser},
	}
	ds.Preferences = purchase.Preferences{
		AccountID:   1,
		SellerLimit: 5,
		Price:       purchase.PricePreference{Max: decimal.RequireFromString("5.00")},
	}

	return ds
}

func insertState(t *testing.T, s *Store) *purchase.DownloadState {
	t.Helper()

	ds := newState()
	require.NoError(t, s.InsertDownloadState(context.Background(), ds))
	require.NotZero(t, ds.ID)

	return ds
}

func load(t *testing.T, s *Store, id purchase.DownloadStateID) *purchase.DownloadState {
	t.Helper()

	ds := purchase.NewDownloadState(testUser)
	ds.ID = id
	require.NoError(t, s.PopulateDownloadState(context.Background(), ds))

	return ds
}

// withPool gives file "aaa" four pieces of 10 bytes.
func withPool(t *testing.T, s *Store, ds *purchase.DownloadState) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, s.InsertSellerPools(ctx, ds))

	sp := ds.Progress["aaa"].SellerPool
	sp.PieceSize = 10
	sp.PieceCount = 4
	sp.Stats.MedPrice = decimal.RequireFromString("0.12")
	ds.Progress["aaa"].Budget = decimal.RequireFromString("2.24")

	require.NoError(t, s.UpdateSellerPool(ctx, ds, sp))
}

func TestStore_InsertAndPopulate(t *testing.T) {
	s, _ := newTestStore(t)
	ds := insertState(t, s)

	got := load(t, s, ds.ID)

	assert.Equal(t, purchase.ContractVersion, got.Version)
	assert.Equal(t, ds.Ware, got.Ware)
	assert.Equal(t, ds.Preferences.SellerLimit, got.Preferences.SellerLimit)
	assert.True(t, ds.Preferences.Price.Max.Equal(got.Preferences.Price.Max))
	assert.Equal(t, purchase.MediaID(42), got.Contract.Media.ID)
	assert.Equal(t, ds.StartDate, got.StartDate)
	assert.False(t, got.Processing)
	assert.NotNil(t, got.Blacklist)
	assert.NotNil(t, got.ActiveSellers)
}

func TestStore_PopulateMissing(t *testing.T) {
	s, _ := newTestStore(t)

	ds := purchase.NewDownloadState(testUser)
	ds.ID = 99

	err := s.PopulateDownloadState(context.Background(), ds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	var se *storage.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "populate_download_state", se.Op)
	assert.Equal(t, purchase.DownloadStateID(99), se.DownloadStateID)
}

func TestStore_IDsAreNeverReused(t *testing.T) {
	s, _ := newTestStore(t)

	first := insertState(t, s)
	second := insertState(t, s)
	require.NoError(t, s.DeleteDownloadState(context.Background(), second))

	third := insertState(t, s)

	assert.Greater(t, second.ID, first.ID)
	assert.Greater(t, third.ID, second.ID)
}

func TestStore_StartProcessingIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ds := insertState(t, s)

	const workers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		blocked int
	)

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			mine := ds.Clone()
			err := s.StartProcessing(context.Background(), mine, "worker-"+strconv.Itoa(i))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				won++
			case errors.Is(err, storage.ErrAlreadyProcessing):
				blocked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, blocked)
}

func TestStore_ProcessingLock(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)

	t.Run("missing state", func(t *testing.T) {
		missing := purchase.NewDownloadState(testUser)
		missing.ID = ds.ID + 100

		assert.ErrorIs(t, s.StartProcessing(ctx, missing, "a"), storage.ErrNotFound)
	})

	t.Run("start", func(t *testing.T) {
		require.NoError(t, s.StartProcessing(ctx, ds, "a"))
		assert.True(t, ds.Processing)
		assert.Equal(t, "a", ds.ProcessorID)
	})

	t.Run("hand over requires the current holder", func(t *testing.T) {
		assert.ErrorIs(t, s.SetProcessorID(ctx, ds.Clone(), "x", "b"), storage.ErrInvalidProcessorID)
		require.NoError(t, s.SetProcessorID(ctx, ds, "a", "b"))

		info := ds.Clone()
		require.NoError(t, s.PopulateProcessingInfo(ctx, info))
		assert.Equal(t, "b", info.ProcessorID)
	})

	t.Run("stop by a stranger is a no-op", func(t *testing.T) {
		require.NoError(t, s.StopProcessing(ctx, ds.Clone(), "a"))

		info := ds.Clone()
		require.NoError(t, s.PopulateProcessingInfo(ctx, info))
		assert.True(t, info.Processing)
	})

	t.Run("stop by the holder releases", func(t *testing.T) {
		require.NoError(t, s.StopProcessing(ctx, ds, "b"))
		assert.False(t, ds.Processing)

		require.NoError(t, s.StartProcessing(ctx, ds.Clone(), "c"))
	})

	t.Run("clear releases everything", func(t *testing.T) {
		require.NoError(t, s.ClearProcessing(ctx, testUser))
		require.NoError(t, s.StartProcessing(ctx, ds.Clone(), "d"))
	})
}

func TestStore_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	hub := NewHub(dir)
	s := NewStore(hub)
	ds := insertState(t, s)
	withPool(t, s, ds)

	require.NoError(t, s.StartProcessing(ctx, ds, "crashed"))
	require.NoError(t, s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: purchase.FilePiece{Index: 0, Size: 10}},
	}))
	require.NoError(t, hub.CloseAll())

	restarted := NewHub(dir)
	t.Cleanup(func() { _ = restarted.CloseAll() })

	s = NewStore(restarted)
	got := load(t, s, ds.ID)

	assert.True(t, got.Processing, "locks survive a reopen until cleared")
	assert.Len(t, got.Progress["aaa"].Assigned["h1"], 1)

	require.NoError(t, s.ClearProcessing(ctx, testUser))

	got = load(t, s, ds.ID)
	assert.False(t, got.Processing)
	assert.Empty(t, got.ProcessorID)

	first := s.StartProcessing(ctx, got.Clone(), "one")
	second := s.StartProcessing(ctx, got.Clone(), "two")

	require.NoError(t, first)
	assert.ErrorIs(t, second, storage.ErrAlreadyProcessing)
}

func TestHub_ReopenKeepsLiveLocks(t *testing.T) {
	ctx := context.Background()
	s, hub := newTestStore(t)
	ds := insertState(t, s)

	require.NoError(t, s.StartProcessing(ctx, ds, "manager-a"))
	require.NoError(t, hub.Close(testUser))

	err := s.StartProcessing(ctx, load(t, s, ds.ID), "task-b")
	assert.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	got := load(t, s, ds.ID)
	assert.True(t, got.Processing)
	assert.Equal(t, "manager-a", got.ProcessorID)
}

func assertPartition(t *testing.T, fp *purchase.FileProgress) {
	t.Helper()

	seen := make(map[uint32]int)
	for _, p := range fp.Unassigned {
		seen[p.Index]++
	}

	for _, bucket := range []map[string][]purchase.FilePiece{fp.Assigned, fp.Downloaded} {
		for _, pieces := range bucket {
			for _, p := range pieces {
				seen[p.Index]++
			}
		}
	}

	for _, p := range fp.FileInfo.Pieces {
		seen[p.Index]++
	}

	require.Len(t, seen, int(fp.SellerPool.PieceCount))

	for idx, n := range seen {
		assert.Equalf(t, 1, n, "piece %d is in %d buckets", idx, n)
	}
}

func TestStore_UpdateFileProgressKeepsPartition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	piece := func(i uint32) purchase.FilePiece {
		return purchase.FilePiece{Index: i, Size: 10, Path: "/tmp/p" + strconv.Itoa(int(i))}
	}

	steps := [][]storage.PieceUpdate{
		{
			{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: piece(0)},
			{FileID: "aaa", SectionHash: "h2", Status: purchase.StatusAssigned, Piece: piece(1)},
			{FileID: "aaa", SectionHash: "h2", Status: purchase.StatusAssigned, Piece: piece(2)},
		},
		{
			{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusDownloaded, Piece: piece(0)},
			{FileID: "aaa", SectionHash: "h2", Status: purchase.StatusUnassigned, Piece: piece(1)},
		},
		{
			{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusPaid, Piece: piece(0)},
			{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: piece(1)},
			{FileID: "aaa", SectionHash: "h2", Status: purchase.StatusDownloaded, Piece: piece(2)},
		},
	}

	for i, step := range steps {
		require.NoError(t, s.UpdateFileProgress(ctx, ds, step), "step %d", i)
		assertPartition(t, load(t, s, ds.ID).Progress["aaa"])
	}

	fp := load(t, s, ds.ID).Progress["aaa"]

	require.Len(t, fp.FileInfo.Pieces, 1)
	assert.Equal(t, uint32(0), fp.FileInfo.Pieces[0].Index)
	assert.Len(t, fp.Assigned["h1"], 1)
	assert.Len(t, fp.Downloaded["h2"], 1)
	assert.Equal(t, int64(10), fp.BytesDownloaded)

	require.Len(t, fp.Unassigned, 1)
	assert.Equal(t, uint32(3), fp.Unassigned[0].Index)
	assert.Equal(t, int64(5), fp.Unassigned[0].Size, "last piece carries the remainder")
	assert.True(t, fp.Budget.Equal(decimal.RequireFromString("2.24")))
}

func TestStore_UpdateFileProgressRejectsPaidPieces(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	paid := purchase.FilePiece{Index: 0, Size: 10, Path: "/spool/0.fp"}

	require.NoError(t, s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusDownloaded, Piece: paid},
	}))
	require.NoError(t, s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusPaid, Piece: paid},
	}))

	err := s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: purchase.FilePiece{Index: 1, Size: 10}},
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusDownloaded, Piece: paid},
	})
	require.ErrorIs(t, err, storage.ErrPiecePaid)

	fp := load(t, s, ds.ID).Progress["aaa"]
	assertPartition(t, fp)
	require.Len(t, fp.FileInfo.Pieces, 1)
	assert.Empty(t, fp.Downloaded)
	assert.Empty(t, fp.Assigned, "the batch is rolled back")
}

func TestStore_SellerRates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	fast := purchase.Seller{UserID: 7, ServerID: 1, URL: "http://seller-7"}
	slow := purchase.Seller{UserID: 8, ServerID: 1, URL: "http://seller-8"}

	sp := ds.Progress["aaa"].SellerPool
	sp.SellerDataSet.Resources = []purchase.SellerData{{Seller: fast}, {Seller: slow}}
	require.NoError(t, s.UpdateSellerPool(ctx, ds, sp))
	require.NoError(t, s.InsertSellerData(ctx, ds, "aaa", purchase.SellerData{
		Seller:  fast,
		Section: purchase.ContractSection{Hash: "h1", Seller: fast},
	}))

	require.NoError(t, s.UpdateSellerRate(ctx, testUser, fast, 1000))
	require.NoError(t, s.UpdateSellerRate(ctx, testUser, fast, 2048.5))
	require.NoError(t, s.UpdateSellerRate(ctx, testUser, purchase.Seller{}, 99), "unidentified sellers are skipped")

	fp := load(t, s, ds.ID).Progress["aaa"]

	assert.InDelta(t, 2048.5, fp.SellerData["h1"].DownloadRate, 0.001)
	require.Len(t, fp.SellerPool.SellerDataSet.Resources, 2)
	assert.InDelta(t, 2048.5, fp.SellerPool.SellerDataSet.Resources[0].DownloadRate, 0.001)
	assert.Zero(t, fp.SellerPool.SellerDataSet.Resources[1].DownloadRate)
}

func TestStore_UnassignedPieceKeepsSpoolPath(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	p := purchase.FilePiece{Index: 2, Size: 10, Path: "/spool/2.fp"}

	require.NoError(t, s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: p},
	}))
	require.NoError(t, s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", Status: purchase.StatusUnassigned, Piece: p},
	}))

	fp := load(t, s, ds.ID).Progress["aaa"]

	require.Len(t, fp.Unassigned, 4)
	assert.Equal(t, "/spool/2.fp", fp.Unassigned[2].Path)
	assert.Empty(t, fp.Assigned)
}

func TestStore_UpdateFileProgressRejectsInvalidStatus(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	err := s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: purchase.FilePiece{Index: 0}},
		{FileID: "aaa", SectionHash: "h1", Status: "stolen", Piece: purchase.FilePiece{Index: 1}},
	})

	require.ErrorIs(t, err, storage.ErrInvalidStatus)
	assert.Empty(t, load(t, s, ds.ID).Progress["aaa"].Assigned, "nothing is applied")
}

func TestStore_SellerData(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	seller := purchase.Seller{UserID: 7, ServerID: 1, URL: "http://seller"}
	sd := purchase.SellerData{
		Seller:  seller,
		Price:   decimal.RequireFromString("0.10"),
		Section: purchase.ContractSection{Hash: "h7", Seller: seller, Ware: purchase.Ware{ID: "bitmunk:file:42-aaa"}},
	}

	require.NoError(t, s.InsertSellerData(ctx, ds, "aaa", sd))

	fp := load(t, s, ds.ID).Progress["aaa"]

	require.Contains(t, fp.SellerData, "h7")
	assert.True(t, fp.SellerData["h7"].Price.Equal(sd.Price))
	assert.Equal(t, seller, fp.SellerData["h7"].Seller)
	assert.Equal(t, seller, fp.Sellers["7:1"])
}

func TestStore_UpdateSellerPoolUnknownFile(t *testing.T) {
	s, _ := newTestStore(t)
	ds := insertState(t, s)

	err := s.UpdateSellerPool(context.Background(), ds, purchase.SellerPool{FileInfo: purchase.FileInfo{ID: "zzz"}})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_FlagsAndContract(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)

	ds.Initialized = true
	ds.LicenseAcquired = true
	ds.TotalPieceCount = 20
	ds.RemainingPieces = 13
	ds.TotalMedPrice = decimal.RequireFromString("0.76")
	ds.Contract.Media.Signature = "signed"
	ds.Preferences.Fast = true

	require.NoError(t, s.UpdateDownloadStateFlags(ctx, ds))
	require.NoError(t, s.UpdateContract(ctx, ds))
	require.NoError(t, s.UpdatePreferences(ctx, ds))

	got := load(t, s, ds.ID)

	assert.True(t, got.Initialized)
	assert.True(t, got.LicenseAcquired)
	assert.False(t, got.DownloadStarted)
	assert.Equal(t, uint32(20), got.TotalPieceCount)
	assert.Equal(t, uint32(13), got.RemainingPieces)
	assert.True(t, got.TotalMedPrice.Equal(ds.TotalMedPrice))
	assert.Equal(t, "signed", got.Contract.Media.Signature)
	assert.True(t, got.Preferences.Fast)
}

func TestStore_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	s, hub := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	require.NoError(t, s.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
		{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusAssigned, Piece: purchase.FilePiece{Index: 0}},
	}))
	require.NoError(t, s.InsertSellerData(ctx, ds, "aaa", purchase.SellerData{Section: purchase.ContractSection{Hash: "h1"}}))
	require.NoError(t, s.InsertAssembledFile(ctx, ds, "aaa", "/music/a.mp3"))

	require.NoError(t, s.DeleteDownloadState(ctx, ds))

	db, err := hub.DB(ctx, testUser)
	require.NoError(t, err)

	for _, table := range []string{
		"download_states", "contracts", "seller_data", "seller_pools", "file_pieces", "assembled_files",
	} {
		var n int
		require.NoError(t, db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table))
		assert.Zerof(t, n, "%s still has rows", table)
	}

	assert.ErrorIs(t, s.PopulateDownloadState(ctx, ds), storage.ErrNotFound)
}

func TestStore_AssembledFilePath(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ds := insertState(t, s)
	withPool(t, s, ds)

	require.NoError(t, s.InsertAssembledFile(ctx, ds, "aaa", "/music/album/a.mp3"))

	fp := load(t, s, ds.ID).Progress["aaa"]
	assert.Equal(t, "/music/album/a.mp3", fp.Path)
	assert.Equal(t, "/music/album", fp.Directory)
}

func TestStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	open := insertState(t, s)

	assembled := insertState(t, s)
	assembled.LicensePurchased = true
	assembled.DataPurchased = true
	assembled.FilesAssembled = true
	require.NoError(t, s.UpdateDownloadStateFlags(ctx, assembled))

	paidOnlyLicense := insertState(t, s)
	paidOnlyLicense.LicensePurchased = true
	require.NoError(t, s.UpdateDownloadStateFlags(ctx, paidOnlyLicense))

	incomplete, err := s.GetIncompleteDownloadStates(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, []purchase.DownloadStateID{open.ID, paidOnlyLicense.ID}, ids(incomplete))

	unpurchased, err := s.GetUnpurchasedDownloadStates(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, []purchase.DownloadStateID{open.ID, paidOnlyLicense.ID}, ids(unpurchased))
}

func ids(states []*purchase.DownloadState) []purchase.DownloadStateID {
	out := make([]purchase.DownloadStateID, 0, len(states))
	for _, ds := range states {
		out = append(out, ds.ID)
	}

	return out
}

func TestHub_ConcurrentFirstUse(t *testing.T) {
	hub := NewHub(t.TempDir())
	t.Cleanup(func() { _ = hub.CloseAll() })

	var wg sync.WaitGroup

	dbs := make([]*sqlx.DB, 8)

	for i := range dbs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			db, err := hub.DB(context.Background(), testUser)
			assert.NoError(t, err)

			dbs[i] = db
		}()
	}

	wg.Wait()

	for _, db := range dbs {
		assert.Same(t, dbs[0], db)
	}
}

func TestHub_CloseReopens(t *testing.T) {
	dir := t.TempDir()
	hub := NewHub(dir)

	s := NewStore(hub)
	ds := insertState(t, s)

	require.NoError(t, hub.Close(testUser))
	require.NoError(t, hub.Close(testUser), "closing twice is fine")

	got := load(t, s, ds.ID)
	assert.Equal(t, ds.ID, got.ID)
	assert.FileExists(t, filepath.Join(dir, strconv.Itoa(int(testUser)), dbFile))

	require.NoError(t, hub.CloseAll())
}
