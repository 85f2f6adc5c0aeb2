// Package initializer prepares a new download state: it fetches the seller
// pool of every file and lays out the pieces to download.
package initializer

import (
	"context"
	"errors"

	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/refresher"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// Initializer is a one-shot task. The caller takes the processing lock and
// hands it over with Adopt; Run always releases it.
type Initializer struct {
	*task.Base

	events     events.Publisher
	messenger  messenger.Messenger
	catalogURL string
	telemetry  *telemetry.Telemetry
}

func New(ds *purchase.DownloadState, store storage.Store, pub events.Publisher, m messenger.Messenger, catalogURL string, tel *telemetry.Telemetry) *Initializer {
	return &Initializer{
		Base:       task.NewBase("initializer", ds, store, pub),
		events:     pub,
		messenger:  m,
		catalogURL: catalogURL,
		telemetry:  tel,
	}
}

func (i *Initializer) Run(ctx context.Context) error {
	ctx = i.Context(ctx)
	defer i.Unlock(ctx)

	err := i.telemetry.InstrumentOperation(ctx, "initialize", "initializer", i.initialize)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, purchase.ErrInterrupted):
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "initialization interrupted")
		i.Publish(ctx, events.InitializationInterrupted, nil)
	default:
		i.Fail(ctx, err)
	}

	return err
}

func (i *Initializer) initialize(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	ds := i.State()

	if ds.ID == 0 {
		return purchase.ErrInvalidID
	}

	if ds.Initialized {
		logger.DebugContext(ctx, "download state already initialized")
		i.Publish(ctx, events.Initialized, i.details())

		return nil
	}

	ctx, stop := i.Interruptible(ctx)
	defer stop()

	if err := i.Store().InsertSellerPools(ctx, ds); err != nil {
		return err
	}

	files := make([]purchase.FileID, 0, len(ds.Ware.FileInfos))
	for _, fi := range ds.Ware.FileInfos {
		files = append(files, fi.ID)
	}

	res := refresher.New(ds, files, true, i.Store(), i.events, i.messenger, i.catalogURL).Refresh(ctx)
	if res.Err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, purchase.ErrInterrupted) {
			return cause
		}

		return res.Err
	}

	*ds = *res.State

	logger.InfoContext(ctx, "download state initialized",
		"files", len(files),
		"pieces", ds.TotalPieceCount,
		"total_med_price", ds.TotalMedPrice.String())

	i.Publish(ctx, events.Initialized, i.details())

	return nil
}

func (i *Initializer) details() map[string]any {
	ds := i.State()

	return map[string]any{
		"totalPieceCount": ds.TotalPieceCount,
		"totalMinPrice":   ds.TotalMinPrice.String(),
		"totalMedPrice":   ds.TotalMedPrice.String(),
		"totalMaxPrice":   ds.TotalMaxPrice.String(),
	}
}
