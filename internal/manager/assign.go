package manager

import (
	"context"
	"slices"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/budget"
	"github.com/italolelis/peerbuy_downloader/internal/downloader"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/negotiator"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/refresher"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	flow "github.com/libp2p/go-flow-metrics"
)

// tryAssignPiece hands one more piece to a seller when one should be
// assigned. With no seller to pick it starts a negotiation while the seller
// limit allows, and fails with ErrNoSellersAvailable when the piece had to
// be assigned.
func (m *Manager) tryAssignPiece(ctx, auxCtx, pieceCtx context.Context) error {
	must, ok := m.shouldAssignPiece(ctx)
	if !ok {
		return nil
	}

	ds := m.State()
	budget.Calculate(ds)

	sd, sellerCount, ok := m.pickSeller()
	if ok {
		return m.assignPiece(ctx, pieceCtx, sd)
	}

	if m.negotiating {
		return nil
	}

	if sellerCount < ds.Preferences.SellerLimit {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "no suitable seller found, negotiating with a new one", "must", must)
		m.negotiate(auxCtx, must)

		return nil
	}

	if must {
		return purchase.ErrNoSellersAvailable
	}

	return nil
}

// shouldAssignPiece reports whether a piece should be assigned and whether
// it must be. A piece must be assigned when nothing is being downloaded. An
// extra piece may be assigned after a completion check when there is
// bandwidth to spare.
func (m *Manager) shouldAssignPiece(ctx context.Context) (must, ok bool) {
	ds := m.State()
	if !ds.HasUnassignedPieces() {
		return false, false
	}

	assigned := ds.AssignedPieces()
	if assigned == 0 {
		return true, true
	}

	if !m.assignOptional {
		return false, false
	}

	m.assignOptional = false

	if m.cfg.MaxPieces > 0 && assigned >= m.cfg.MaxPieces {
		return false, false
	}

	rate := int64(m.rate())

	var limit int64
	if m.deps.Throttle != nil {
		limit = m.deps.Throttle.RateLimit(ds.UserID)
	}

	var excess int64
	if rate < limit {
		excess = limit - rate
	}

	if rate > 0 && (limit == 0 || m.cfg.MaxExcessBandwidth == 0 || excess > m.cfg.MaxExcessBandwidth) {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "unused bandwidth allows another piece", "rate", rate, "limit", limit)
		return false, true
	}

	return false, false
}

// pickSeller chooses among the negotiated sellers of files with unassigned
// pieces that are neither blacklisted nor busy and fit the file's budget. It
// also returns the number of sellers negotiated for files not yet fully
// downloaded.
func (m *Manager) pickSeller() (purchase.SellerData, int, bool) {
	ds := m.State()

	var (
		candidates  []purchase.SellerData
		sellerCount int
	)

	for _, id := range ds.SortedFileIDs() {
		fp := ds.Progress[id]

		if int(fp.SellerPool.PieceCount) > purchase.CountPieces(fp.Downloaded) {
			sellerCount += len(fp.SellerData)
		}

		if len(fp.Unassigned) == 0 {
			continue
		}

		budget := purchase.Trunc(fp.Budget)

		for _, hash := range sortedKeys(fp.SellerData) {
			sd := fp.SellerData[hash]
			key := sd.Seller.Key()

			if key == "" || ds.IsBlacklisted(key) {
				continue
			}

			if _, busy := ds.ActiveSellers[key]; busy {
				continue
			}

			if purchase.Trunc(sd.Price).LessThanOrEqual(budget) {
				candidates = append(candidates, sd)
			}
		}
	}

	sd, ok := m.deps.Picker.Pick(ds.Preferences, candidates)

	return sd, sellerCount, ok
}

// assignPiece moves the next unassigned piece of the section's file to the
// seller and starts its download.
func (m *Manager) assignPiece(ctx, pieceCtx context.Context, sd purchase.SellerData) error {
	ds := m.State()
	cs := sd.Section
	fileID := cs.Ware.FileInfos[0].ID
	fp := ds.Progress[fileID]

	if ds.StartDate == "" {
		ds.StartDate = m.deps.Now().UTC().Format(time.RFC3339)

		if err := m.Store().UpdateDownloadStateFlags(ctx, ds); err != nil {
			return err
		}
	}

	piece := fp.Unassigned[0]
	piece.Path = downloader.SpoolPath(m.cfg.TmpDir, ds.UserID, ds.ID, fileID, fp.FileInfo.Extension, piece.Index)

	if err := m.Store().UpdateFileProgress(ctx, ds, []storage.PieceUpdate{{
		FileID:      fileID,
		SectionHash: cs.Hash,
		Status:      purchase.StatusAssigned,
		Piece:       piece,
	}}); err != nil {
		return err
	}

	fp.Unassigned = fp.Unassigned[1:]
	fp.Assigned[cs.Hash] = append(fp.Assigned[cs.Hash], piece)
	ds.ActiveSellers[sd.Seller.Key()]++

	m.nextPieceID++
	a := downloader.Assignment{
		ID:        m.nextPieceID,
		FileID:    fileID,
		PieceSize: fp.SellerPool.PieceSize,
		Section:   cs,
		Piece:     piece,
	}

	meter := new(flow.Meter)
	pt := m.newPiece(a, downloader.Meters{Global: m.deps.Global, Contract: m.contract, Piece: meter})
	m.downloaders[a.ID] = pieceEntry{task: pt, meter: meter}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "piece assigned",
		"file_id", fileID, "piece", piece.Index, "seller", sd.Seller.Key())

	m.children.Go(func() error {
		m.inbox <- pt.Download(pieceCtx)
		return nil
	})

	m.Publish(ctx, events.PieceAssigned, map[string]any{
		"fileId": string(fileID),
		"index":  piece.Index,
	})

	return nil
}

func (m *Manager) negotiate(auxCtx context.Context, must bool) {
	m.negotiating = true

	n := negotiator.New(m.State(), must, negotiator.Deps{
		Store:     m.deps.Store,
		Events:    m.deps.Events,
		Messenger: m.deps.Messenger,
		Policy:    m.deps.Policy,
		Signer:    m.deps.Signer,
		Picker:    m.deps.Picker,
		Telemetry: m.deps.Telemetry,
		Now:       m.deps.Now,
	})

	m.children.Go(func() error {
		m.inbox <- n.Negotiate(auxCtx)
		return nil
	})
}

// poolTimeout refreshes the pools of every file with unassigned pieces.
func (m *Manager) poolTimeout(ctx, auxCtx context.Context) {
	if m.poolsUpdating || m.interrupted {
		return
	}

	ds := m.State()

	var files []purchase.FileID

	for _, id := range ds.SortedFileIDs() {
		if len(ds.Progress[id].Unassigned) > 0 {
			files = append(files, id)
		}
	}

	if len(files) == 0 {
		m.poolsInitializing = false
		m.poolTimer.Reset(m.cfg.SellerPoolTimeout)

		return
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "refreshing seller pools", "files", len(files))

	m.poolsUpdating = true

	r := refresher.New(ds, files, false, m.deps.Store, m.deps.Events, m.deps.Messenger, m.cfg.CatalogURL)

	m.children.Go(func() error {
		m.inbox <- r.Refresh(auxCtx)
		return nil
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
