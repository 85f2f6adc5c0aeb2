// Package sqlitetest opens throwaway purchase stores for tests.
package sqlitetest

import (
	"context"
	"testing"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage/sqlite"
	"github.com/stretchr/testify/require"
)

// NewStore returns a store over a temporary directory, closed on cleanup.
func NewStore(t testing.TB) (*sqlite.Store, *sqlite.Hub) {
	t.Helper()

	hub := sqlite.NewHub(t.TempDir())
	t.Cleanup(func() { _ = hub.CloseAll() })

	return sqlite.NewStore(hub), hub
}

// Insert persists ds and returns it with its id set.
func Insert(t testing.TB, s *sqlite.Store, ds *purchase.DownloadState) *purchase.DownloadState {
	t.Helper()

	require.NoError(t, s.InsertDownloadState(context.Background(), ds))

	return ds
}

// Load reads the state back from the store.
func Load(t testing.TB, s *sqlite.Store, userID purchase.UserID, id purchase.DownloadStateID) *purchase.DownloadState {
	t.Helper()

	ds := purchase.NewDownloadState(userID)
	ds.ID = id
	require.NoError(t, s.PopulateDownloadState(context.Background(), ds))

	return ds
}
