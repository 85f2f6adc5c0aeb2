// Package license acquires the media license of a download state from the
// marketplace.
package license

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/peerbuy_downloader/internal/budget"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// Acquirer is a one-shot task. The caller takes the processing lock and
// hands it over with Adopt; Run always releases it.
type Acquirer struct {
	*task.Base

	messenger      messenger.Messenger
	marketplaceURL string
	telemetry      *telemetry.Telemetry
}

func New(ds *purchase.DownloadState, store storage.Store, pub events.Publisher, m messenger.Messenger, marketplaceURL string, tel *telemetry.Telemetry) *Acquirer {
	return &Acquirer{
		Base:           task.NewBase("license_acquirer", ds, store, pub),
		messenger:      m,
		marketplaceURL: marketplaceURL,
		telemetry:      tel,
	}
}

func (a *Acquirer) Run(ctx context.Context) error {
	ctx = a.Context(ctx)
	defer a.Unlock(ctx)

	a.Publish(ctx, events.LicenseAcquisitionStarted, nil)

	if err := a.telemetry.InstrumentOperation(ctx, "acquire_license", "license_acquirer", a.acquire); err != nil {
		a.Fail(ctx, err)
		return err
	}

	return nil
}

func (a *Acquirer) acquire(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	ds := a.State()

	if !ds.LicenseAcquired {
		ctx, stop := a.Interruptible(ctx)
		defer stop()

		media, err := a.fetch(ctx, ds)
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, purchase.ErrInterrupted) {
				return cause
			}

			return err
		}

		ds.Contract.Media = media
	} else {
		logger.DebugContext(ctx, "license already held")
	}

	ds.LicenseAcquired = true

	budget.Calculate(ds)

	if err := a.Store().UpdateContract(ctx, ds); err != nil {
		return err
	}

	if err := a.Store().UpdateDownloadStateFlags(ctx, ds); err != nil {
		return err
	}

	for _, id := range ds.SortedFileIDs() {
		if err := a.Store().UpdateSellerPool(ctx, ds, ds.Progress[id].SellerPool); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "license acquired",
		"media_id", ds.Contract.Media.ID,
		"license_amount", ds.Contract.Media.LicenseAmount.String())

	a.Publish(ctx, events.LicenseAcquired, map[string]any{
		"mediaId":       ds.Contract.Media.ID,
		"licenseAmount": ds.Contract.Media.LicenseAmount.String(),
		"totalMedPrice": ds.TotalMedPrice.String(),
	})

	return nil
}

// fetch posts the contract media and returns the signed media the
// marketplace answers with.
func (a *Acquirer) fetch(ctx context.Context, ds *purchase.DownloadState) (purchase.Media, error) {
	url := fmt.Sprintf("%s/api/3.0/sva/contracts/media/%d", a.marketplaceURL, ds.Contract.Media.ID)

	var media purchase.Media
	if err := a.messenger.Post(ctx, url, ds.Contract.Media, &media, ds.UserID); err != nil {
		return purchase.Media{}, fmt.Errorf("%w: %w", purchase.ErrLicenseFailure, err)
	}

	if media.ID != ds.Contract.Media.ID {
		return purchase.Media{}, fmt.Errorf("%w: marketplace answered for media %d", purchase.ErrLicenseFailure, media.ID)
	}

	return media, nil
}
