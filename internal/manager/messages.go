package manager

import (
	"context"
	"math"
	"slices"

	"github.com/italolelis/peerbuy_downloader/internal/downloader"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/negotiator"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/refresher"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
)

// pieceUpdate records a finished piece download. A received piece moves to
// the downloaded bucket; anything else goes back to unassigned, and the
// seller is blacklisted unless the download was paused.
func (m *Manager) pieceUpdate(ctx context.Context, res downloader.Result) error {
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx).With("file_id", res.FileID, "piece", res.Piece.Index)
	ds := m.State()

	delete(m.downloaders, res.ID)

	fp := ds.Progress[res.FileID]
	hash := res.Section.Hash

	fp.Assigned[hash] = slices.DeleteFunc(fp.Assigned[hash], func(p purchase.FilePiece) bool {
		return p.Index == res.Piece.Index
	})
	if len(fp.Assigned[hash]) == 0 {
		delete(fp.Assigned, hash)
	}

	key := res.Section.Seller.Key()
	if n := ds.ActiveSellers[key]; n > 1 {
		ds.ActiveSellers[key] = n - 1
	} else {
		delete(ds.ActiveSellers, key)
	}

	update := storage.PieceUpdate{FileID: res.FileID, SectionHash: hash, Piece: res.Piece}

	switch {
	case res.Received:
		update.Status = purchase.StatusDownloaded
		fp.Downloaded[hash] = append(fp.Downloaded[hash], res.Piece)
		fp.BytesDownloaded += res.Piece.Size

		if ds.RemainingPieces > 0 {
			ds.RemainingPieces--
		}

		if sd, ok := fp.SellerData[hash]; ok {
			sd.DownloadRate = res.Rate
			fp.SellerData[hash] = sd
		}

		if res.Rate > 0 {
			if err := m.Store().UpdateSellerRate(ctx, ds.UserID, res.Section.Seller, res.Rate); err != nil {
				logger.WarnContext(ctx, "failed to remember seller transfer rate", "err", err)
			}
		}

		logger.DebugContext(ctx, "received piece", "size", res.Piece.Size, "remaining", ds.RemainingPieces)
	case res.Paused:
		update.Status = purchase.StatusUnassigned
		fp.Unassigned = append(fp.Unassigned, res.Piece)

		logger.DebugContext(ctx, "piece paused and will be reassigned")
	default:
		update.Status = purchase.StatusUnassigned
		fp.Unassigned = append(fp.Unassigned, res.Piece)

		ds.BlacklistSeller(res.Section.Seller, m.deps.Now())
		m.deps.Telemetry.RecordBlacklist("piece")

		logger.InfoContext(ctx, "piece failed and will be reassigned", "seller", key, "err", res.Err)
		m.Publish(ctx, events.PieceFailed, map[string]any{
			"fileId": string(res.FileID),
			"index":  res.Piece.Index,
			"seller": key,
			"code":   purchase.Code(res.Err),
		})
	}

	if err := m.Store().UpdateFileProgress(ctx, ds, []storage.PieceUpdate{update}); err != nil {
		return err
	}

	return m.Store().UpdateDownloadStateFlags(ctx, ds)
}

// negotiationComplete merges a negotiation result. A failed negotiation
// that had to find a seller ends the download.
func (m *Manager) negotiationComplete(ctx context.Context, res negotiator.Result) error {
	m.negotiating = false
	m.mergeNegotiation(res)

	if res.IsFatal() {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "cannot assign a seller, no seller found", "err", res.Err)
		return res.Err
	}

	return nil
}

func (m *Manager) mergeNegotiation(res negotiator.Result) {
	ds := m.State()

	for _, e := range res.Blacklist {
		ds.BlacklistSeller(e.Seller, e.Time)
	}

	if !res.Found {
		return
	}

	fp := ds.Progress[res.FileID]
	fp.SellerData[res.SellerData.Section.Hash] = res.SellerData
	fp.Sellers[res.SellerData.Seller.Key()] = res.SellerData.Seller
}

// poolUpdate stores refreshed pools, expires old blacklist entries and
// schedules the next refresh. A failed refresh is not fatal: the pools
// already known may be enough to finish.
func (m *Manager) poolUpdate(ctx context.Context, res refresher.Result) {
	logger := logctx.LoggerFromContext(ctx)
	ds := m.State()

	m.poolsInitializing = false
	m.poolsUpdating = false

	if res.Err != nil {
		logger.WarnContext(ctx, "seller pool refresh failed", "err", res.Err)
	} else {
		for _, sp := range res.Pools {
			fp, ok := ds.Progress[sp.FileInfo.ID]
			if !ok {
				continue
			}

			// every piece of a file must use the same bfp id
			if fp.SellerPool.BfpID != 0 {
				sp.BfpID = fp.SellerPool.BfpID
			}

			fp.SellerPool = sp
		}

		if n := ds.ExpireBlacklist(m.deps.Now(), m.cfg.BlacklistWindow); n > 0 {
			logger.DebugContext(ctx, "blacklist entries expired", "sellers", n)
		}
	}

	if !m.interrupted {
		m.poolTimer.Reset(m.cfg.SellerPoolTimeout)
	}
}

type pieceProgress struct {
	Index      uint32  `json:"index"`
	Downloaded int64   `json:"downloaded"`
	Size       int64   `json:"size"`
	Rate       float64 `json:"rate"`
	ETA        uint64  `json:"eta"`
}

type fileProgress struct {
	Downloaded int64   `json:"downloaded"`
	Size       int64   `json:"size"`
	Rate       float64 `json:"rate"`
	ETA        uint64  `json:"eta"`
	Pieces     struct {
		Downloaded []uint32        `json:"downloaded"`
		Assigned   []pieceProgress `json:"assigned"`
		Size       int64           `json:"size"`
		Count      uint32          `json:"count"`
	} `json:"pieces"`
	Sellers int `json:"negotiatedSellers"`
}

// progressPolled publishes a progress update covering finished pieces and
// the pieces in flight.
func (m *Manager) progressPolled(ctx context.Context) {
	ds := m.State()

	inFlight := make(map[purchase.FileID][]pieceProgress)

	for _, e := range m.downloaders {
		a := e.task.Assignment()
		snap := e.meter.Snapshot()
		done := e.task.Downloaded()

		remaining := max(a.PieceSize-done, 0)

		inFlight[a.FileID] = append(inFlight[a.FileID], pieceProgress{
			Index:      a.Piece.Index,
			Downloaded: done,
			Size:       a.PieceSize,
			Rate:       snap.Rate,
			ETA:        eta(remaining, snap.Rate),
		})
	}

	files := make(map[purchase.FileID]fileProgress, len(ds.Progress))

	var (
		totalSize, totalDownloaded int64
		totalRate                  float64
		negotiated                 int
	)

	for _, id := range ds.SortedFileIDs() {
		fp := ds.Progress[id]

		var p fileProgress

		p.Pieces.Downloaded = []uint32{}
		for _, hash := range sortedKeys(fp.Downloaded) {
			for _, piece := range fp.Downloaded[hash] {
				p.Pieces.Downloaded = append(p.Pieces.Downloaded, piece.Index)
			}
		}

		p.Pieces.Assigned = inFlight[id]
		if p.Pieces.Assigned == nil {
			p.Pieces.Assigned = []pieceProgress{}
		}

		p.Downloaded = fp.BytesDownloaded
		for _, pp := range p.Pieces.Assigned {
			p.Downloaded += pp.Downloaded
			p.Rate += pp.Rate
		}

		p.Size = fp.FileInfo.ContentSize
		p.ETA = eta(max(p.Size-p.Downloaded, 0), p.Rate)
		p.Pieces.Size = fp.SellerPool.PieceSize
		p.Pieces.Count = fp.SellerPool.PieceCount
		p.Sellers = len(fp.Sellers)

		files[id] = p

		totalSize += p.Size
		totalDownloaded += p.Downloaded
		totalRate += p.Rate
		negotiated += p.Sellers
	}

	m.Publish(ctx, events.ProgressUpdate, map[string]any{
		"files":      files,
		"downloaded": totalDownloaded,
		"size":       totalSize,
		"rate":       totalRate,
		"eta":        eta(max(totalSize-totalDownloaded, 0), totalRate),
		"sellers": map[string]int{
			"negotiated": negotiated,
			"active":     len(ds.ActiveSellers),
		},
	})
}

// eta returns the seconds left at rate, or 0 when nothing is left or
// nothing is moving.
func eta(remaining int64, rate float64) uint64 {
	if remaining <= 0 || rate <= 0 {
		return 0
	}

	return uint64(math.Round(float64(remaining) / rate))
}
