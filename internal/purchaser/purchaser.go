// Package purchaser pays the marketplace for the license and for every
// downloaded piece of a download state, which unlocks the piece keys.
package purchaser

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// Purchaser is a one-shot task. The caller takes the processing lock and
// hands it over with Adopt; Run always releases it.
type Purchaser struct {
	*task.Base

	messenger      messenger.Messenger
	marketplaceURL string
	telemetry      *telemetry.Telemetry
	now            func() time.Time
}

func New(ds *purchase.DownloadState, store storage.Store, pub events.Publisher, m messenger.Messenger, marketplaceURL string, tel *telemetry.Telemetry) *Purchaser {
	return &Purchaser{
		Base:           task.NewBase("purchaser", ds, store, pub),
		messenger:      m,
		marketplaceURL: marketplaceURL,
		telemetry:      tel,
		now:            time.Now,
	}
}

// dataPurchase is the body of a data purchase request for one section.
type dataPurchase struct {
	Section purchase.ContractSection `json:"section"`
	Date    string                   `json:"date"`
}

func (p *Purchaser) Run(ctx context.Context) error {
	ctx = p.Context(ctx)
	defer p.Unlock(ctx)

	p.Publish(ctx, events.PurchaseStarted, nil)

	if err := p.telemetry.InstrumentOperation(ctx, "purchase", "purchaser", p.purchase); err != nil {
		p.Fail(ctx, err)
		return err
	}

	return nil
}

func (p *Purchaser) purchase(ctx context.Context) error {
	ds := p.State()

	if ds.RemainingPieces != 0 || ds.HasUnassignedPieces() || ds.AssignedPieces() > 0 {
		return fmt.Errorf("%w: %d pieces remaining", purchase.ErrNotAllPiecesReceived, ds.RemainingPieces)
	}

	ctx, stop := p.Interruptible(ctx)
	defer stop()

	err := p.purchaseLicense(ctx, ds)
	if err == nil {
		err = p.purchaseData(ctx, ds)
	}

	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, purchase.ErrInterrupted) {
			return cause
		}

		return err
	}

	p.Publish(ctx, events.PurchaseCompleted, map[string]any{"contractId": ds.Contract.ID})

	return nil
}

func (p *Purchaser) purchaseLicense(ctx context.Context, ds *purchase.DownloadState) error {
	logger := logctx.LoggerFromContext(ctx)

	if ds.LicensePurchased {
		logger.DebugContext(ctx, "license already purchased")
		return nil
	}

	in := ds.Contract.Clone()
	in.Buyer.AccountID = ds.Preferences.AccountID

	url := fmt.Sprintf("%s/api/3.0/sva/contracts/purchase/license", p.marketplaceURL)

	var out purchase.Contract
	if err := p.messenger.Post(ctx, url, in, &out, ds.UserID); err != nil {
		return fmt.Errorf("%w: license: %w", purchase.ErrPurchaseFailed, err)
	}

	if out.ID == "" {
		return fmt.Errorf("%w: marketplace assigned no contract id", purchase.ErrPurchaseFailed)
	}

	if out.Media.ID != ds.Contract.Media.ID {
		return fmt.Errorf("%w: marketplace answered for media %d", purchase.ErrPurchaseFailed, out.Media.ID)
	}

	ds.Contract = out
	ds.LicensePurchased = true

	if err := p.Store().UpdateContract(ctx, ds); err != nil {
		return err
	}

	if err := p.Store().UpdateDownloadStateFlags(ctx, ds); err != nil {
		return err
	}

	logger.InfoContext(ctx, "license purchased", "contract_id", out.ID)

	p.Publish(ctx, events.LicensePurchased, map[string]any{
		"contractId":    out.ID,
		"licenseAmount": out.Media.LicenseAmount.String(),
	})

	return nil
}

// purchaseData buys the downloaded pieces section by section. The pieces
// only move to paid once every section has been bought, in one store
// transaction.
func (p *Purchaser) purchaseData(ctx context.Context, ds *purchase.DownloadState) error {
	logger := logctx.LoggerFromContext(ctx)

	if ds.DataPurchased {
		logger.DebugContext(ctx, "data already purchased")
		return nil
	}

	date := p.now().UTC().Format(time.RFC3339)

	var (
		updates  []storage.PieceUpdate
		sections int
	)

	for _, id := range ds.SortedFileIDs() {
		fp := ds.Progress[id]

		for _, hash := range slices.Sorted(maps.Keys(fp.Downloaded)) {
			pieces := fp.Downloaded[hash]
			if len(pieces) == 0 {
				continue
			}

			sd, ok := fp.SellerData[hash]
			if !ok {
				return fmt.Errorf("%w: file %s has no contract section %s", purchase.ErrPurchaseFailed, id, hash)
			}

			paid, err := p.purchaseSection(ctx, ds, sd.Section, pieces, date)
			if err != nil {
				return err
			}

			for _, piece := range paid {
				updates = append(updates, storage.PieceUpdate{
					FileID:      id,
					SectionHash: hash,
					Status:      purchase.StatusPaid,
					Piece:       piece,
				})
			}

			sections++
		}
	}

	if err := p.Store().UpdateFileProgress(ctx, ds, updates); err != nil {
		return err
	}

	for _, u := range updates {
		fp := ds.Progress[u.FileID]
		fp.FileInfo.Pieces = append(fp.FileInfo.Pieces, u.Piece)
		delete(fp.Downloaded, u.SectionHash)
	}

	for _, fp := range ds.Progress {
		slices.SortFunc(fp.FileInfo.Pieces, func(a, b purchase.FilePiece) int {
			return int(a.Index) - int(b.Index)
		})
	}

	ds.DataPurchased = true

	if err := p.Store().UpdateDownloadStateFlags(ctx, ds); err != nil {
		return err
	}

	logger.InfoContext(ctx, "data purchased", "sections", sections, "pieces", len(updates))

	p.Publish(ctx, events.DataPurchased, map[string]any{
		"sections": sections,
		"pieces":   len(updates),
	})

	return nil
}

// purchaseSection buys the given pieces of one seller's section and returns
// them with the keys the marketplace unlocked. Spool paths stay local and
// are never sent.
func (p *Purchaser) purchaseSection(ctx context.Context, ds *purchase.DownloadState, section purchase.ContractSection, pieces []purchase.FilePiece, date string) ([]purchase.FilePiece, error) {
	section = section.Clone()

	if len(section.Ware.FileInfos) == 0 {
		return nil, fmt.Errorf("%w: section %s has no file info", purchase.ErrPurchaseFailed, section.Hash)
	}

	section.ContractID = ds.Contract.ID
	section.Buyer.AccountID = ds.Preferences.AccountID

	sent := make([]purchase.FilePiece, 0, len(pieces))
	for _, piece := range pieces {
		piece.Path = ""
		sent = append(sent, piece)
	}

	section.Ware.FileInfos[0].Pieces = sent

	url := fmt.Sprintf("%s/api/3.0/sva/contracts/purchase/data", p.marketplaceURL)

	var out purchase.ContractSection
	if err := p.messenger.Post(ctx, url, dataPurchase{Section: section, Date: date}, &out, ds.UserID); err != nil {
		return nil, fmt.Errorf("%w: section %s: %w", purchase.ErrPurchaseFailed, section.Hash, err)
	}

	if len(out.Ware.FileInfos) == 0 {
		return nil, fmt.Errorf("%w: section %s answered without file info", purchase.ErrPurchaseFailed, section.Hash)
	}

	unlocked := make(map[uint32]purchase.FilePiece, len(pieces))
	for _, piece := range out.Ware.FileInfos[0].Pieces {
		unlocked[piece.Index] = piece
	}

	paid := make([]purchase.FilePiece, 0, len(pieces))

	for _, piece := range pieces {
		got, ok := unlocked[piece.Index]
		if !ok {
			return nil, fmt.Errorf("%w: section %s returned no key for piece %d", purchase.ErrPurchaseFailed, section.Hash, piece.Index)
		}

		got.Path = piece.Path
		if got.Size == 0 {
			got.Size = piece.Size
		}

		paid = append(paid, got)
	}

	return paid, nil
}
