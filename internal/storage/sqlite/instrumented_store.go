package sqlite

import (
	"context"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry.
type InstrumentedStore struct {
	store     *Store
	telemetry *telemetry.Telemetry
}

var _ storage.Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore creates a new instrumented purchase store.
func NewInstrumentedStore(hub *Hub, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     NewStore(hub),
		telemetry: tel,
	}
}

func (r *InstrumentedStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.telemetry.InstrumentDBOperation(ctx, op, fn)
}

func (r *InstrumentedStore) list(ctx context.Context, op string, fn func(ctx context.Context) ([]*purchase.DownloadState, error)) ([]*purchase.DownloadState, error) {
	var result []*purchase.DownloadState

	instrumentedErr := r.do(ctx, op, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedStore) PopulateDownloadState(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "populate_download_state", func(ctx context.Context) error {
		return r.store.PopulateDownloadState(ctx, ds)
	})
}

func (r *InstrumentedStore) PopulateProcessingInfo(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "populate_processing_info", func(ctx context.Context) error {
		return r.store.PopulateProcessingInfo(ctx, ds)
	})
}

func (r *InstrumentedStore) GetIncompleteDownloadStates(ctx context.Context, userID purchase.UserID) ([]*purchase.DownloadState, error) {
	return r.list(ctx, "get_incomplete_download_states", func(ctx context.Context) ([]*purchase.DownloadState, error) {
		return r.store.GetIncompleteDownloadStates(ctx, userID)
	})
}

func (r *InstrumentedStore) GetUnpurchasedDownloadStates(ctx context.Context, userID purchase.UserID) ([]*purchase.DownloadState, error) {
	return r.list(ctx, "get_unpurchased_download_states", func(ctx context.Context) ([]*purchase.DownloadState, error) {
		return r.store.GetUnpurchasedDownloadStates(ctx, userID)
	})
}

func (r *InstrumentedStore) InsertDownloadState(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "insert_download_state", func(ctx context.Context) error {
		return r.store.InsertDownloadState(ctx, ds)
	})
}

func (r *InstrumentedStore) DeleteDownloadState(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "delete_download_state", func(ctx context.Context) error {
		return r.store.DeleteDownloadState(ctx, ds)
	})
}

func (r *InstrumentedStore) UpdatePreferences(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "update_preferences", func(ctx context.Context) error {
		return r.store.UpdatePreferences(ctx, ds)
	})
}

func (r *InstrumentedStore) UpdateDownloadStateFlags(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "update_download_state_flags", func(ctx context.Context) error {
		return r.store.UpdateDownloadStateFlags(ctx, ds)
	})
}

func (r *InstrumentedStore) InsertContract(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "insert_contract", func(ctx context.Context) error {
		return r.store.InsertContract(ctx, ds)
	})
}

func (r *InstrumentedStore) UpdateContract(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "update_contract", func(ctx context.Context) error {
		return r.store.UpdateContract(ctx, ds)
	})
}

func (r *InstrumentedStore) InsertSellerPools(ctx context.Context, ds *purchase.DownloadState) error {
	return r.do(ctx, "insert_seller_pools", func(ctx context.Context) error {
		return r.store.InsertSellerPools(ctx, ds)
	})
}

func (r *InstrumentedStore) UpdateSellerPool(ctx context.Context, ds *purchase.DownloadState, sp purchase.SellerPool) error {
	return r.do(ctx, "update_seller_pool", func(ctx context.Context) error {
		return r.store.UpdateSellerPool(ctx, ds, sp)
	})
}

func (r *InstrumentedStore) InsertSellerData(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID, sd purchase.SellerData) error {
	return r.do(ctx, "insert_seller_data", func(ctx context.Context) error {
		return r.store.InsertSellerData(ctx, ds, fileID, sd)
	})
}

func (r *InstrumentedStore) UpdateFileProgress(ctx context.Context, ds *purchase.DownloadState, updates []storage.PieceUpdate) error {
	return r.do(ctx, "update_file_progress", func(ctx context.Context) error {
		return r.store.UpdateFileProgress(ctx, ds, updates)
	})
}

func (r *InstrumentedStore) InsertAssembledFile(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID, path string) error {
	return r.do(ctx, "insert_assembled_file", func(ctx context.Context) error {
		return r.store.InsertAssembledFile(ctx, ds, fileID, path)
	})
}

func (r *InstrumentedStore) StartProcessing(ctx context.Context, ds *purchase.DownloadState, processorID string) error {
	return r.do(ctx, "start_processing", func(ctx context.Context) error {
		return r.store.StartProcessing(ctx, ds, processorID)
	})
}

func (r *InstrumentedStore) SetProcessorID(ctx context.Context, ds *purchase.DownloadState, oldID, newID string) error {
	return r.do(ctx, "set_processor_id", func(ctx context.Context) error {
		return r.store.SetProcessorID(ctx, ds, oldID, newID)
	})
}

func (r *InstrumentedStore) StopProcessing(ctx context.Context, ds *purchase.DownloadState, processorID string) error {
	return r.do(ctx, "stop_processing", func(ctx context.Context) error {
		return r.store.StopProcessing(ctx, ds, processorID)
	})
}

func (r *InstrumentedStore) ClearProcessing(ctx context.Context, userID purchase.UserID) error {
	return r.do(ctx, "clear_processing", func(ctx context.Context) error {
		return r.store.ClearProcessing(ctx, userID)
	})
}

func (r *InstrumentedStore) UpdateSellerRate(ctx context.Context, userID purchase.UserID, seller purchase.Seller, rate float64) error {
	return r.do(ctx, "update_seller_rate", func(ctx context.Context) error {
		return r.store.UpdateSellerRate(ctx, userID, seller, rate)
	})
}
