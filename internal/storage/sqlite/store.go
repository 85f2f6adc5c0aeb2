package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Masterminds/squirrel"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/jmoiron/sqlx"
)

// Store implements storage.Store on the per-user databases of a Hub.
type Store struct {
	hub *Hub
	qb  squirrel.StatementBuilderType
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a store backed by hub.
func NewStore(hub *Hub) *Store {
	return &Store{
		hub: hub,
		qb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

func (s *Store) withTx(ctx context.Context, userID purchase.UserID, fn func(tx *sqlx.Tx) error) error {
	db, err := s.hub.DB(ctx, userID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

func (s *Store) exec(ctx context.Context, e sqlx.ExecerContext, b squirrel.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return e.ExecContext(ctx, query, args...)
}

// execOne runs b and fails with ErrNotFound when no row matched.
func (s *Store) execOne(ctx context.Context, e sqlx.ExecerContext, b squirrel.Sqlizer) error {
	res, err := s.exec(ctx, e, b)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (s *Store) execDB(ctx context.Context, userID purchase.UserID, b squirrel.Sqlizer, one bool) error {
	db, err := s.hub.DB(ctx, userID)
	if err != nil {
		return err
	}

	if one {
		return s.execOne(ctx, db, b)
	}

	_, err = s.exec(ctx, db, b)

	return err
}

func byState(ds *purchase.DownloadState) squirrel.Eq {
	return squirrel.Eq{"user_id": ds.UserID, "download_state_id": ds.ID}
}

// InsertDownloadState persists a new state and its contract skeleton and sets
// ds.ID to the assigned id.
func (s *Store) InsertDownloadState(ctx context.Context, ds *purchase.DownloadState) error {
	ware, err := json.Marshal(ds.Ware)
	if err != nil {
		return storage.Wrap("insert_download_state", ds, err)
	}

	prefs, err := json.Marshal(ds.Preferences)
	if err != nil {
		return storage.Wrap("insert_download_state", ds, err)
	}

	err = s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		res, err := s.exec(ctx, tx, s.qb.Insert("download_states").
			Columns("user_id", "version", "ware",
				"total_min_price", "total_med_price", "total_max_price",
				"total_piece_count", "total_micro_payment_cost",
				"preferences", "start_date", "remaining_pieces",
				"initialized", "license_acquired", "download_started", "download_paused",
				"license_purchased", "data_purchased", "files_assembled").
			Values(ds.UserID, purchase.ContractVersion, string(ware),
				"0.00", "0.00", "0.00", 0, "0.00",
				string(prefs), ds.StartDate, 0,
				0, 0, 0, 0, 0, 0, 0))
		if err != nil {
			return err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		ds.ID = purchase.DownloadStateID(id)

		return s.insertContract(ctx, tx, ds)
	})
	if err != nil {
		return storage.Wrap("insert_download_state", ds, err)
	}

	logctx.LoggerFromContext(ctx).Info("download state created", "user_id", ds.UserID, "download_state_id", ds.ID)

	return nil
}

// DeleteDownloadState removes the state and every child row in one
// transaction.
func (s *Store) DeleteDownloadState(ctx context.Context, ds *purchase.DownloadState) error {
	err := s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		for _, table := range []string{
			"file_pieces", "seller_data", "contracts", "download_states", "seller_pools", "assembled_files",
		} {
			if _, err := s.exec(ctx, tx, s.qb.Delete(table).Where(byState(ds))); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}

		return nil
	})
	if err != nil {
		return storage.Wrap("delete_download_state", ds, err)
	}

	logctx.LoggerFromContext(ctx).Info("download state deleted", "user_id", ds.UserID, "download_state_id", ds.ID)

	return nil
}

func (s *Store) exists(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	query, args, err := s.qb.Select("download_state_id").From("download_states").
		Where(byState(ds)).Limit(1).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	var id int64
	if err := tx.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}

		return err
	}

	return nil
}

// StartProcessing takes the processing lock for processorID. It fails with
// ErrAlreadyProcessing when another processor holds it.
func (s *Store) StartProcessing(ctx context.Context, ds *purchase.DownloadState, processorID string) error {
	err := s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		if err := s.exists(ctx, tx, ds); err != nil {
			return err
		}

		err := s.execOne(ctx, tx, s.qb.Update("download_states").
			Set("processing", 1).
			Set("processor_id", processorID).
			Where(byState(ds)).
			Where(squirrel.Eq{"processing": 0}))
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrAlreadyProcessing
		}

		return err
	})
	if err != nil {
		return storage.Wrap("start_processing", ds, err)
	}

	ds.Processing = true
	ds.ProcessorID = processorID

	return nil
}

// SetProcessorID hands the lock from oldID to newID. It fails with
// ErrInvalidProcessorID when oldID does not hold it.
func (s *Store) SetProcessorID(ctx context.Context, ds *purchase.DownloadState, oldID, newID string) error {
	err := s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		if err := s.exists(ctx, tx, ds); err != nil {
			return err
		}

		err := s.execOne(ctx, tx, s.qb.Update("download_states").
			Set("processing", 1).
			Set("processor_id", newID).
			Where(byState(ds)).
			Where(squirrel.Eq{"processor_id": oldID}))
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrInvalidProcessorID
		}

		return err
	})
	if err != nil {
		return storage.Wrap("set_processor_id", ds, err)
	}

	ds.Processing = true
	ds.ProcessorID = newID

	return nil
}

// StopProcessing releases the lock if processorID holds it. Releasing a lock
// held by someone else is a no-op.
func (s *Store) StopProcessing(ctx context.Context, ds *purchase.DownloadState, processorID string) error {
	err := s.execDB(ctx, ds.UserID, s.qb.Update("download_states").
		Set("processing", 0).
		Set("processor_id", "").
		Where(byState(ds)).
		Where(squirrel.Eq{"processor_id": processorID}), false)
	if err != nil {
		return storage.Wrap("stop_processing", ds, err)
	}

	if ds.ProcessorID == processorID {
		ds.Processing = false
		ds.ProcessorID = ""
	}

	return nil
}

// ClearProcessing force-releases every lock the user holds.
func (s *Store) ClearProcessing(ctx context.Context, userID purchase.UserID) error {
	err := s.execDB(ctx, userID, s.qb.Update("download_states").
		Set("processing", 0).
		Set("processor_id", "").
		Where(squirrel.Eq{"user_id": userID}), false)
	if err != nil {
		return &storage.StoreError{Op: "clear_processing", UserID: userID, Err: err}
	}

	return nil
}

// UpdatePreferences persists ds.Preferences.
func (s *Store) UpdatePreferences(ctx context.Context, ds *purchase.DownloadState) error {
	prefs, err := json.Marshal(ds.Preferences)
	if err != nil {
		return storage.Wrap("update_preferences", ds, err)
	}

	return storage.Wrap("update_preferences", ds, s.execDB(ctx, ds.UserID,
		s.qb.Update("download_states").Set("preferences", string(prefs)).Where(byState(ds)), true))
}

// UpdateDownloadStateFlags persists the aggregate counters and milestone
// flags.
func (s *Store) UpdateDownloadStateFlags(ctx context.Context, ds *purchase.DownloadState) error {
	return storage.Wrap("update_download_state_flags", ds, s.execDB(ctx, ds.UserID,
		s.qb.Update("download_states").SetMap(map[string]any{
			"total_min_price":          ds.TotalMinPrice.String(),
			"total_med_price":          ds.TotalMedPrice.String(),
			"total_max_price":          ds.TotalMaxPrice.String(),
			"total_piece_count":        ds.TotalPieceCount,
			"total_micro_payment_cost": ds.TotalMicroPaymentCost.String(),
			"remaining_pieces":         ds.RemainingPieces,
			"initialized":              ds.Initialized,
			"license_acquired":         ds.LicenseAcquired,
			"download_started":         ds.DownloadStarted,
			"download_paused":          ds.DownloadPaused,
			"license_purchased":        ds.LicensePurchased,
			"data_purchased":           ds.DataPurchased,
			"files_assembled":          ds.FilesAssembled,
			"start_date":               ds.StartDate,
		}).Where(byState(ds)), true))
}

func (s *Store) insertContract(ctx context.Context, e sqlx.ExecerContext, ds *purchase.DownloadState) error {
	contract, err := json.Marshal(ds.Contract)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, e, s.qb.Insert("contracts").
		Columns("download_state_id", "user_id", "media_id", "contract_id", "contract").
		Values(ds.ID, ds.UserID, ds.Contract.Media.ID, ds.Contract.ID, string(contract)))

	return err
}

// InsertContract persists ds.Contract for an existing state.
func (s *Store) InsertContract(ctx context.Context, ds *purchase.DownloadState) error {
	db, err := s.hub.DB(ctx, ds.UserID)
	if err != nil {
		return storage.Wrap("insert_contract", ds, err)
	}

	return storage.Wrap("insert_contract", ds, s.insertContract(ctx, db, ds))
}

// UpdateContract replaces the stored contract with ds.Contract.
func (s *Store) UpdateContract(ctx context.Context, ds *purchase.DownloadState) error {
	contract, err := json.Marshal(ds.Contract)
	if err != nil {
		return storage.Wrap("update_contract", ds, err)
	}

	return storage.Wrap("update_contract", ds, s.execDB(ctx, ds.UserID,
		s.qb.Update("contracts").
			Set("contract", string(contract)).
			Set("contract_id", ds.Contract.ID).
			Where(byState(ds)), true))
}

// InsertSellerPools writes an empty seller pool for every file of the ware
// and resets the matching file progress entries.
func (s *Store) InsertSellerPools(ctx context.Context, ds *purchase.DownloadState) error {
	if ds.Progress == nil {
		ds.Progress = make(map[purchase.FileID]*purchase.FileProgress)
	}

	err := s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		for _, fi := range ds.Ware.FileInfos {
			fp, ok := ds.Progress[fi.ID]
			if !ok {
				fp = purchase.NewFileProgress(fi)
				ds.Progress[fi.ID] = fp
			}

			fp.FileInfo = fi
			fp.SellerPool = purchase.SellerPool{FileInfo: fi}

			pool, err := json.Marshal(fp.SellerPool)
			if err != nil {
				return err
			}

			if _, err := s.exec(ctx, tx, s.qb.Replace("seller_pools").
				Columns("download_state_id", "user_id", "file_id", "seller_pool", "micro_payment_cost", "budget").
				Values(ds.ID, ds.UserID, fi.ID, string(pool), "0.00", "0.00")); err != nil {
				return err
			}
		}

		return nil
	})

	return storage.Wrap("insert_seller_pools", ds, err)
}

// UpdateSellerPool persists sp together with the budget and micropayment cost
// of its file.
func (s *Store) UpdateSellerPool(ctx context.Context, ds *purchase.DownloadState, sp purchase.SellerPool) error {
	pool, err := json.Marshal(sp)
	if err != nil {
		return storage.Wrap("update_seller_pool", ds, err)
	}

	budget, micro := "0.00", "0.00"
	if fp, ok := ds.Progress[sp.FileInfo.ID]; ok {
		budget = fp.Budget.String()
		micro = fp.MicroPaymentCost.String()
	}

	return storage.Wrap("update_seller_pool", ds, s.execDB(ctx, ds.UserID,
		s.qb.Update("seller_pools").
			Set("seller_pool", string(pool)).
			Set("micro_payment_cost", micro).
			Set("budget", budget).
			Where(byState(ds)).
			Where(squirrel.Eq{"file_id": sp.FileInfo.ID}), true))
}

// InsertSellerData persists one negotiated section for fileID.
func (s *Store) InsertSellerData(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID, sd purchase.SellerData) error {
	section, err := json.Marshal(sd.Section)
	if err != nil {
		return storage.Wrap("insert_seller_data", ds, err)
	}

	return storage.Wrap("insert_seller_data", ds, s.execDB(ctx, ds.UserID,
		s.qb.Insert("seller_data").
			Columns("download_state_id", "user_id", "file_id", "price", "section").
			Values(ds.ID, ds.UserID, fileID, sd.Price.String(), string(section)), false))
}

// UpdateFileProgress moves pieces between buckets. For every update the
// piece's previous row is replaced inside one transaction, so a piece never
// shows up in two buckets. Paid pieces are final: updating one fails with
// ErrPiecePaid and rolls back the whole batch.
func (s *Store) UpdateFileProgress(ctx context.Context, ds *purchase.DownloadState, updates []storage.PieceUpdate) error {
	for _, u := range updates {
		if !validStatus(u.Status) {
			return storage.Wrap("update_file_progress", ds,
				fmt.Errorf("%w: file %s piece %d status %q", storage.ErrInvalidStatus, u.FileID, u.Piece.Index, u.Status))
		}
	}

	err := s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		for _, u := range updates {
			var paid int
			if err := s.get(ctx, tx, &paid, s.qb.Select("COUNT(*)").From("file_pieces").
				Where(byState(ds)).
				Where(squirrel.Eq{"file_id": u.FileID, "piece_index": u.Piece.Index, "status": purchase.StatusPaid})); err != nil {
				return err
			}

			if paid > 0 {
				return fmt.Errorf("%w: file %s piece %d", storage.ErrPiecePaid, u.FileID, u.Piece.Index)
			}

			if _, err := s.exec(ctx, tx, s.qb.Delete("file_pieces").
				Where(byState(ds)).
				Where(squirrel.Eq{"file_id": u.FileID, "piece_index": u.Piece.Index})); err != nil {
				return err
			}

			piece, err := json.Marshal(u.Piece)
			if err != nil {
				return err
			}

			valid := u.Status != purchase.StatusUnassigned

			if _, err := s.exec(ctx, tx, s.qb.Insert("file_pieces").
				Columns("download_state_id", "user_id", "file_id", "piece_index",
					"valid", "section_hash", "status", "file_piece").
				Values(ds.ID, ds.UserID, u.FileID, u.Piece.Index,
					valid, u.SectionHash, u.Status, string(piece))); err != nil {
				return err
			}
		}

		return nil
	})

	return storage.Wrap("update_file_progress", ds, err)
}

// InsertAssembledFile records where an assembled file was written.
func (s *Store) InsertAssembledFile(ctx context.Context, ds *purchase.DownloadState, fileID purchase.FileID, path string) error {
	return storage.Wrap("insert_assembled_file", ds, s.execDB(ctx, ds.UserID,
		s.qb.Insert("assembled_files").
			Columns("download_state_id", "user_id", "file_id", "path").
			Values(ds.ID, ds.UserID, fileID, path), false))
}

// UpdateSellerRate records the bytes per second last received from seller.
// Sellers rows are keyed by the seller's user and server id.
func (s *Store) UpdateSellerRate(ctx context.Context, userID purchase.UserID, seller purchase.Seller, rate float64) error {
	if seller.Key() == "" {
		return nil
	}

	data, err := json.Marshal(seller)
	if err != nil {
		return &storage.StoreError{Op: "update_seller_rate", UserID: userID, Err: err}
	}

	err = s.execDB(ctx, userID, s.qb.Insert("sellers").
		Columns("user_id", "server_id", "transfer_rate", "seller").
		Values(seller.UserID, seller.ServerID, strconv.FormatFloat(rate, 'f', 2, 64), string(data)).
		Suffix("ON CONFLICT(user_id, server_id) DO UPDATE SET transfer_rate=excluded.transfer_rate, seller=excluded.seller"), false)
	if err != nil {
		return &storage.StoreError{Op: "update_seller_rate", UserID: userID, Err: err}
	}

	return nil
}

func validStatus(status string) bool {
	switch status {
	case purchase.StatusUnassigned, purchase.StatusAssigned, purchase.StatusDownloaded, purchase.StatusPaid:
		return true
	default:
		return false
	}
}
