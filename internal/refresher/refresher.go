// Package refresher fetches up-to-date seller pools from the catalog.
package refresher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/peerbuy_downloader/internal/budget"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
)

// DefaultPageSize is the number of listings requested when a pool has no
// page of its own yet.
const DefaultPageSize = 100

// Result is what a refresh hands back to its parent.
type Result struct {
	Pools []purchase.SellerPool
	// State is the refreshed copy, with file progress initialized when the
	// refresh was asked to.
	State *purchase.DownloadState
	Err   error
}

// Refresher updates the seller pools of a list of files one after another.
type Refresher struct {
	*task.Base

	messenger  messenger.Messenger
	catalogURL string
	files      []purchase.FileID
	init       bool
}

// New returns a refresher working on a private copy of ds. With init set, the
// file progress of every file is reset to all pieces unassigned and the
// budgets are computed once every pool is in.
func New(ds *purchase.DownloadState, files []purchase.FileID, init bool, store storage.Store, pub events.Publisher, m messenger.Messenger, catalogURL string) *Refresher {
	return &Refresher{
		Base:       task.NewBase("refresher", ds.Clone(), store, pub),
		messenger:  m,
		catalogURL: catalogURL,
		files:      files,
		init:       init,
	}
}

// Refresh runs the refresh to completion.
func (r *Refresher) Refresh(ctx context.Context) Result {
	ctx = r.Context(ctx)
	logger := logctx.LoggerFromContext(ctx)
	ds := r.State()

	logger.DebugContext(ctx, "updating seller pools", "files", len(r.files), "init", r.init)

	pools := make([]purchase.SellerPool, 0, len(r.files))

	for _, fileID := range r.files {
		if err := ctx.Err(); err != nil {
			return Result{Err: err}
		}

		pool, err := r.fetch(ctx, ds, fileID)
		if err != nil {
			logger.WarnContext(ctx, "failed to update seller pool", "file_id", fileID, "err", err)

			return Result{Err: err}
		}

		pools = append(pools, pool)
	}

	if r.init {
		initialize(ds, pools)
	}

	for _, pool := range pools {
		if err := r.Store().UpdateSellerPool(ctx, ds, pool); err != nil {
			return Result{Err: err}
		}
	}

	if r.init {
		if err := r.Store().UpdateDownloadStateFlags(ctx, ds); err != nil {
			return Result{Err: err}
		}

		logger.DebugContext(ctx, "file progress initialized",
			"total_med_price", ds.TotalMedPrice.String(),
			"remaining_pieces", humanize.Comma(int64(ds.RemainingPieces)))
	}

	r.Publish(ctx, events.SellerPoolsUpdated, map[string]any{"files": len(pools)})

	return Result{Pools: pools, State: ds}
}

// fetch gets the current listing of one file. The pool's file info, piece
// layout and page stay as they were once known, so piece buckets keep
// matching the pool.
func (r *Refresher) fetch(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID) (purchase.SellerPool, error) {
	current := purchase.SellerPool{}
	if fp, ok := ds.Progress[fileID]; ok {
		current = fp.SellerPool
	}

	if current.FileInfo.ID == "" {
		for _, fi := range ds.Ware.FileInfos {
			if fi.ID == fileID {
				current.FileInfo = fi
			}
		}
	}

	mediaID := current.FileInfo.MediaID
	if mediaID == 0 {
		mediaID = ds.Ware.MediaID
	}

	num := current.SellerDataSet.Num
	if num <= 0 {
		num = DefaultPageSize
	}

	q := url.Values{}
	q.Set("start", strconv.Itoa(current.SellerDataSet.Start))
	q.Set("num", strconv.Itoa(num))

	u := fmt.Sprintf("%s/api/3.0/catalog/sellerpools/%d/%s?%s",
		r.catalogURL, mediaID, url.PathEscape(string(fileID)), q.Encode())

	var pool purchase.SellerPool
	if err := r.messenger.GetSecure(ctx, u, &pool, ds.UserID); err != nil {
		return purchase.SellerPool{}, fmt.Errorf("failed to fetch seller pool for file %s: %w", fileID, err)
	}

	if current.FileInfo.ID != "" {
		pool.FileInfo = current.FileInfo
	}

	if current.PieceCount > 0 {
		pool.PieceSize = current.PieceSize
		pool.PieceCount = current.PieceCount
		pool.BfpID = current.BfpID
	}

	pool.FileInfo.ID = fileID

	return pool, nil
}

// initialize resets every refreshed file to all pieces unassigned and
// computes the budgets.
func initialize(ds *purchase.DownloadState, pools []purchase.SellerPool) {
	var total uint32

	for _, pool := range pools {
		fp := purchase.NewFileProgress(pool.FileInfo)
		fp.FileInfo.Pieces = nil
		fp.SellerPool = pool
		fp.Unassigned = pool.NewPieces()
		ds.Progress[pool.FileInfo.ID] = fp

		total += pool.PieceCount
	}

	budget.Calculate(ds)

	ds.RemainingPieces = total
	ds.TotalPieceCount = total
	ds.Initialized = true
}
