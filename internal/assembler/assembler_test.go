package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/storage/sqlite"
	"github.com/italolelis/peerbuy_downloader/internal/storage/sqlite/sqlitetest"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const user purchase.UserID = 900

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}

	return out
}

// newState stores a purchased state whose pieces hold the given contents.
func newState(t *testing.T, store *sqlite.Store, contents ...string) *purchase.DownloadState {
	t.Helper()

	ctx := context.Background()
	dir := t.TempDir()

	fi := purchase.FileInfo{ID: "aaa", MediaID: 42, ContentSize: 20, Size: 20, Extension: "mp3"}

	ds := purchase.NewDownloadState(user)
	ds.Ware = purchase.Ware{ID: purchase.BundleWareID, MediaID: 42, FileInfos: []purchase.FileInfo{fi}}
	ds.Contract = purchase.Contract{
		Version: purchase.ContractVersion,
		ID:      "contract-1",
		Media:   purchase.Media{ID: 42, Title: "Greatest Hits"},
	}
	ds.Initialized = true
	ds.LicenseAcquired = true
	ds.DownloadStarted = true
	ds.LicensePurchased = true
	ds.DataPurchased = true
	ds.TotalPieceCount = uint32(len(contents))

	sqlitetest.Insert(t, store, ds)
	require.NoError(t, store.InsertSellerPools(ctx, ds))

	fp := ds.Progress["aaa"]
	fp.SellerPool.PieceSize = 10
	fp.SellerPool.PieceCount = uint32(len(contents))
	require.NoError(t, store.UpdateSellerPool(ctx, ds, fp.SellerPool))

	for i, content := range contents {
		piece := purchase.FilePiece{
			Index: uint32(i),
			Size:  int64(len(content)),
			Path:  filepath.Join(dir, fmt.Sprintf("aaa-%d.mp3", i)),
		}
		require.NoError(t, os.WriteFile(piece.Path, []byte(content), 0o600))

		require.NoError(t, store.UpdateFileProgress(ctx, ds, []storage.PieceUpdate{
			{FileID: "aaa", SectionHash: "h1", Status: purchase.StatusPaid, Piece: piece},
		}))
	}

	require.NoError(t, store.UpdateDownloadStateFlags(ctx, ds))

	return sqlitetest.Load(t, store, user, ds.ID)
}

func newAssembler(t *testing.T, store *sqlite.Store, ds *purchase.DownloadState, rec *recorder, dir string, d Decryptor) *Assembler {
	t.Helper()

	a := New(ds, store, rec, dir, d, nil)

	holder := task.NewID()
	require.NoError(t, store.StartProcessing(context.Background(), ds, string(holder)))
	require.NoError(t, a.Adopt(context.Background(), holder))

	return a
}

func TestAssembler_Run(t *testing.T) {
	store, _ := sqlitetest.NewStore(t)
	ds := newState(t, store, "0123456789", "abcdefghij")
	spool := []string{ds.Progress["aaa"].FileInfo.Pieces[0].Path, ds.Progress["aaa"].FileInfo.Pieces[1].Path}
	out := filepath.Join(t.TempDir(), "music")
	rec := &recorder{}

	require.NoError(t, newAssembler(t, store, ds, rec, out, nil).Run(context.Background()))

	want := filepath.Join(out, "Greatest Hits.mp3")

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghij", string(got))

	assert.Equal(t, []events.Type{events.AssemblyStarted, events.FileAssembled, events.AssemblyCompleted}, rec.types())
	assert.Equal(t, want, rec.events[1].Details["path"])

	for _, path := range spool {
		assert.NoFileExists(t, path)
	}

	stored := sqlitetest.Load(t, store, user, ds.ID)
	assert.True(t, stored.FilesAssembled)
	assert.False(t, stored.Processing)
	assert.Equal(t, want, stored.Progress["aaa"].Path)
	assert.Equal(t, out, stored.Progress["aaa"].Directory)
}

func TestAssembler_KeepsExistingFiles(t *testing.T) {
	store, _ := sqlitetest.NewStore(t)
	ds := newState(t, store, "0123456789", "abcdefghij")
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "Greatest Hits.mp3"), []byte("mine"), 0o600))

	require.NoError(t, newAssembler(t, store, ds, &recorder{}, out, nil).Run(context.Background()))

	mine, err := os.ReadFile(filepath.Join(out, "Greatest Hits.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(mine))

	got, err := os.ReadFile(filepath.Join(out, "Greatest Hits (1).mp3"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghij", string(got))
}

func TestAssembler_SkipsAssembledFiles(t *testing.T) {
	store, _ := sqlitetest.NewStore(t)
	ds := newState(t, store, "0123456789", "abcdefghij")
	require.NoError(t, store.InsertAssembledFile(context.Background(), ds, "aaa", "/music/earlier.mp3"))
	ds = sqlitetest.Load(t, store, user, ds.ID)
	out := t.TempDir()
	rec := &recorder{}

	require.NoError(t, newAssembler(t, store, ds, rec, out, nil).Run(context.Background()))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []events.Type{events.AssemblyStarted, events.AssemblyCompleted}, rec.types())
	assert.True(t, sqlitetest.Load(t, store, user, ds.ID).FilesAssembled)
}

func TestAssembler_RequiresPurchase(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(ds *purchase.DownloadState)
		wantErr error
	}{
		{
			name:    "license not purchased",
			prepare: func(ds *purchase.DownloadState) { ds.LicensePurchased = false },
			wantErr: purchase.ErrLicenseNotPurchased,
		},
		{
			name:    "data not purchased",
			prepare: func(ds *purchase.DownloadState) { ds.DataPurchased = false },
			wantErr: purchase.ErrDataNotPurchased,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := sqlitetest.NewStore(t)
			ds := newState(t, store, "0123456789", "abcdefghij")
			tt.prepare(ds)
			rec := &recorder{}

			err := newAssembler(t, store, ds, rec, t.TempDir(), nil).Run(context.Background())
			require.ErrorIs(t, err, tt.wantErr)

			assert.Equal(t, []events.Type{events.Exception}, rec.types())
			assert.False(t, sqlitetest.Load(t, store, user, ds.ID).Processing)
		})
	}
}

func TestAssembler_SizeMismatch(t *testing.T) {
	store, _ := sqlitetest.NewStore(t)
	ds := newState(t, store, "0123456789", "short")
	spool := ds.Progress["aaa"].FileInfo.Pieces[1].Path
	out := t.TempDir()
	rec := &recorder{}

	err := newAssembler(t, store, ds, rec, out, nil).Run(context.Background())
	require.ErrorIs(t, err, purchase.ErrAssemblyFailed)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "a file failing verification is removed")
	assert.FileExists(t, spool)

	assert.Equal(t, []events.Type{events.AssemblyStarted, events.Exception}, rec.types())
	assert.False(t, sqlitetest.Load(t, store, user, ds.ID).FilesAssembled)
}

func TestAssembler_MissingPieces(t *testing.T) {
	store, _ := sqlitetest.NewStore(t)
	ds := newState(t, store, "0123456789", "abcdefghij")
	ds.Progress["aaa"].FileInfo.Pieces = ds.Progress["aaa"].FileInfo.Pieces[:1]

	err := newAssembler(t, store, ds, &recorder{}, t.TempDir(), nil).Run(context.Background())
	require.ErrorIs(t, err, purchase.ErrMissingPieces)
}

// upper turns spooled bytes into upper case and remembers prepared files.
type upper struct {
	prepared []purchase.FileID
}

func (u *upper) Prepare(_ context.Context, contract purchase.Contract, fi purchase.FileInfo) error {
	if contract.ID == "" {
		return errors.New("no contract")
	}

	u.prepared = append(u.prepared, fi.ID)

	return nil
}

func (u *upper) Open(piece purchase.FilePiece) (io.ReadCloser, error) {
	data, err := os.ReadFile(piece.Path)
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(bytes.ToUpper(data))), nil
}

func TestAssembler_Decryptor(t *testing.T) {
	store, _ := sqlitetest.NewStore(t)
	ds := newState(t, store, "0123456789", "abcdefghij")
	out := t.TempDir()
	d := &upper{}

	require.NoError(t, newAssembler(t, store, ds, &recorder{}, out, d).Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(out, "Greatest Hits.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789ABCDEFGHIJ", string(got))
	assert.Equal(t, []purchase.FileID{"aaa"}, d.prepared)
}

func TestFileName(t *testing.T) {
	fi := purchase.FileInfo{ID: "aaa", MediaID: 42}

	tests := []struct {
		title string
		want  string
	}{
		{title: "Greatest Hits", want: "Greatest Hits"},
		{title: "AC/DC: Live?", want: "AC_DC_ Live_"},
		{title: " .hidden. ", want: "hidden"},
		{title: "", want: "42-aaa"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ds := purchase.NewDownloadState(user)
			ds.Contract.Media.Title = tt.title

			assert.Equal(t, tt.want, fileName(ds, fi))
		})
	}
}
