package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/Masterminds/squirrel"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var downloadStateColumns = []string{
	"download_state_id",
	"user_id",
	"COALESCE(version, '') AS version",
	"COALESCE(processing, 0) AS processing",
	"COALESCE(processor_id, '') AS processor_id",
	"COALESCE(ware, '{}') AS ware",
	"COALESCE(total_min_price, '0') AS total_min_price",
	"COALESCE(total_med_price, '0') AS total_med_price",
	"COALESCE(total_max_price, '0') AS total_max_price",
	"COALESCE(total_piece_count, 0) AS total_piece_count",
	"COALESCE(total_micro_payment_cost, '0') AS total_micro_payment_cost",
	"COALESCE(preferences, '{}') AS preferences",
	"COALESCE(start_date, '') AS start_date",
	"COALESCE(remaining_pieces, 0) AS remaining_pieces",
	"COALESCE(initialized, 0) AS initialized",
	"COALESCE(license_acquired, 0) AS license_acquired",
	"COALESCE(download_started, 0) AS download_started",
	"COALESCE(download_paused, 0) AS download_paused",
	"COALESCE(license_purchased, 0) AS license_purchased",
	"COALESCE(data_purchased, 0) AS data_purchased",
	"COALESCE(files_assembled, 0) AS files_assembled",
}

type downloadStateRow struct {
	ID                    int64  `db:"download_state_id"`
	UserID                uint64 `db:"user_id"`
	Version               string `db:"version"`
	Processing            bool   `db:"processing"`
	ProcessorID           string `db:"processor_id"`
	Ware                  string `db:"ware"`
	TotalMinPrice         string `db:"total_min_price"`
	TotalMedPrice         string `db:"total_med_price"`
	TotalMaxPrice         string `db:"total_max_price"`
	TotalPieceCount       uint32 `db:"total_piece_count"`
	TotalMicroPaymentCost string `db:"total_micro_payment_cost"`
	Preferences           string `db:"preferences"`
	StartDate             string `db:"start_date"`
	RemainingPieces       uint32 `db:"remaining_pieces"`
	Initialized           bool   `db:"initialized"`
	LicenseAcquired       bool   `db:"license_acquired"`
	DownloadStarted       bool   `db:"download_started"`
	DownloadPaused        bool   `db:"download_paused"`
	LicensePurchased      bool   `db:"license_purchased"`
	DataPurchased         bool   `db:"data_purchased"`
	FilesAssembled        bool   `db:"files_assembled"`
}

type sellerPoolRow struct {
	FileID           string `db:"file_id"`
	SellerPool       string `db:"seller_pool"`
	MicroPaymentCost string `db:"micro_payment_cost"`
	Budget           string `db:"budget"`
}

type filePieceRow struct {
	FileID      string `db:"file_id"`
	Index       uint32 `db:"piece_index"`
	SectionHash string `db:"section_hash"`
	Status      string `db:"status"`
	FilePiece   string `db:"file_piece"`
}

type sellerDataRow struct {
	FileID  string `db:"file_id"`
	Price   string `db:"price"`
	Section string `db:"section"`
}

type sellerRow struct {
	UserID       uint64 `db:"user_id"`
	ServerID     uint32 `db:"server_id"`
	TransferRate string `db:"transfer_rate"`
}

type assembledFileRow struct {
	FileID string `db:"file_id"`
	Path   string `db:"path"`
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, dest any, b squirrel.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	return sqlx.GetContext(ctx, q, dest, query, args...)
}

func (s *Store) selectAll(ctx context.Context, q sqlx.QueryerContext, dest any, b squirrel.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// PopulateProcessingInfo loads only the processing lock columns.
func (s *Store) PopulateProcessingInfo(ctx context.Context, ds *purchase.DownloadState) error {
	db, err := s.hub.DB(ctx, ds.UserID)
	if err != nil {
		return storage.Wrap("populate_processing_info", ds, err)
	}

	var row struct {
		Processing  bool   `db:"processing"`
		ProcessorID string `db:"processor_id"`
	}

	err = s.get(ctx, db, &row, s.qb.
		Select("COALESCE(processing, 0) AS processing", "COALESCE(processor_id, '') AS processor_id").
		From("download_states").Where(byState(ds)).Limit(1))
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}

	if err != nil {
		return storage.Wrap("populate_processing_info", ds, err)
	}

	ds.Processing = row.Processing
	ds.ProcessorID = row.ProcessorID

	return nil
}

// PopulateDownloadState loads the state row and all of its children into ds,
// which must carry the user id and state id.
func (s *Store) PopulateDownloadState(ctx context.Context, ds *purchase.DownloadState) error {
	err := s.withTx(ctx, ds.UserID, func(tx *sqlx.Tx) error {
		return s.populate(ctx, tx, ds)
	})

	return storage.Wrap("populate_download_state", ds, err)
}

// GetIncompleteDownloadStates returns every state whose files have not been
// assembled yet.
func (s *Store) GetIncompleteDownloadStates(ctx context.Context, userID purchase.UserID) ([]*purchase.DownloadState, error) {
	return s.list(ctx, "get_incomplete_download_states", userID, squirrel.Eq{"files_assembled": 0})
}

// GetUnpurchasedDownloadStates returns every state whose license or data has
// not been paid for yet.
func (s *Store) GetUnpurchasedDownloadStates(ctx context.Context, userID purchase.UserID) ([]*purchase.DownloadState, error) {
	return s.list(ctx, "get_unpurchased_download_states", userID,
		squirrel.Or{squirrel.Eq{"license_purchased": 0}, squirrel.Eq{"data_purchased": 0}})
}

func (s *Store) list(ctx context.Context, op string, userID purchase.UserID, where squirrel.Sqlizer) ([]*purchase.DownloadState, error) {
	var states []*purchase.DownloadState

	err := s.withTx(ctx, userID, func(tx *sqlx.Tx) error {
		var ids []int64
		if err := s.selectAll(ctx, tx, &ids, s.qb.Select("download_state_id").From("download_states").
			Where(squirrel.Eq{"user_id": userID}).Where(where).OrderBy("download_state_id")); err != nil {
			return err
		}

		for _, id := range ids {
			ds := purchase.NewDownloadState(userID)
			ds.ID = purchase.DownloadStateID(id)

			if err := s.populate(ctx, tx, ds); err != nil {
				return fmt.Errorf("download state %d: %w", id, err)
			}

			states = append(states, ds)
		}

		return nil
	})
	if err != nil {
		return nil, &storage.StoreError{Op: op, UserID: userID, Err: err}
	}

	return states, nil
}

func (s *Store) populate(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	var row downloadStateRow

	err := s.get(ctx, tx, &row, s.qb.Select(downloadStateColumns...).From("download_states").
		Where(byState(ds)).Limit(1))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if err != nil {
		return err
	}

	if err := row.apply(ds); err != nil {
		return err
	}

	if err := s.populateContract(ctx, tx, ds); err != nil {
		return fmt.Errorf("contract: %w", err)
	}

	if err := s.populateFileProgress(ctx, tx, ds); err != nil {
		return fmt.Errorf("file progress: %w", err)
	}

	if err := s.populateFilePaths(ctx, tx, ds); err != nil {
		return fmt.Errorf("file paths: %w", err)
	}

	if err := s.populateSellerData(ctx, tx, ds); err != nil {
		return fmt.Errorf("seller data: %w", err)
	}

	if err := s.populateSellerRates(ctx, tx, ds); err != nil {
		return fmt.Errorf("seller rates: %w", err)
	}

	return nil
}

func (r downloadStateRow) apply(ds *purchase.DownloadState) error {
	var ware purchase.Ware
	if err := json.Unmarshal([]byte(r.Ware), &ware); err != nil {
		return fmt.Errorf("decode ware: %w", err)
	}

	var prefs purchase.Preferences
	if err := json.Unmarshal([]byte(r.Preferences), &prefs); err != nil {
		return fmt.Errorf("decode preferences: %w", err)
	}

	var err error

	prices := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&ds.TotalMinPrice, r.TotalMinPrice},
		{&ds.TotalMedPrice, r.TotalMedPrice},
		{&ds.TotalMaxPrice, r.TotalMaxPrice},
		{&ds.TotalMicroPaymentCost, r.TotalMicroPaymentCost},
	}
	for _, p := range prices {
		if *p.dst, err = parseDecimal(p.src); err != nil {
			return err
		}
	}

	ds.Version = r.Version
	ds.Ware = ware
	ds.Preferences = prefs
	ds.TotalPieceCount = r.TotalPieceCount
	ds.StartDate = r.StartDate
	ds.RemainingPieces = r.RemainingPieces
	ds.Flags = purchase.Flags{
		Initialized:      r.Initialized,
		LicenseAcquired:  r.LicenseAcquired,
		DownloadStarted:  r.DownloadStarted,
		DownloadPaused:   r.DownloadPaused,
		LicensePurchased: r.LicensePurchased,
		DataPurchased:    r.DataPurchased,
		FilesAssembled:   r.FilesAssembled,
	}
	ds.Processing = r.Processing
	ds.ProcessorID = r.ProcessorID

	if ds.Blacklist == nil {
		ds.Blacklist = make(map[string]purchase.BlacklistEntry)
	}

	if ds.ActiveSellers == nil {
		ds.ActiveSellers = make(map[string]int)
	}

	return nil
}

func (s *Store) populateContract(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	var contract string

	err := s.get(ctx, tx, &contract, s.qb.Select("contract").From("contracts").Where(byState(ds)).Limit(1))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}

	if err != nil {
		return err
	}

	var c purchase.Contract
	if err := json.Unmarshal([]byte(contract), &c); err != nil {
		return fmt.Errorf("decode contract: %w", err)
	}

	ds.Contract = c

	return nil
}

func (s *Store) populateSellerPools(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	var rows []sellerPoolRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.
		Select("file_id", "seller_pool",
			"COALESCE(micro_payment_cost, '0') AS micro_payment_cost", "COALESCE(budget, '0') AS budget").
		From("seller_pools").Where(byState(ds))); err != nil {
		return err
	}

	ds.Progress = make(map[purchase.FileID]*purchase.FileProgress, len(rows))

	for _, row := range rows {
		var sp purchase.SellerPool
		if err := json.Unmarshal([]byte(row.SellerPool), &sp); err != nil {
			return fmt.Errorf("decode seller pool for file %s: %w", row.FileID, err)
		}

		fi := sp.FileInfo
		fi.Pieces = nil

		fp := purchase.NewFileProgress(fi)
		fp.SellerPool = sp

		var err error
		if fp.MicroPaymentCost, err = parseDecimal(row.MicroPaymentCost); err != nil {
			return err
		}

		if fp.Budget, err = parseDecimal(row.Budget); err != nil {
			return err
		}

		ds.Progress[purchase.FileID(row.FileID)] = fp
	}

	return nil
}

func (s *Store) progressFor(ds *purchase.DownloadState, fileID purchase.FileID) *purchase.FileProgress {
	fp, ok := ds.Progress[fileID]
	if !ok {
		fp = purchase.NewFileProgress(purchase.FileInfo{ID: fileID})
		ds.Progress[fileID] = fp
	}

	return fp
}

// populateFileProgress rebuilds the four piece buckets. Every index up to the
// pool's piece count that has no assigned, downloaded or paid row is
// unassigned; an unassigned row only contributes the spool path of its last
// attempt so the file can still be cleaned up.
func (s *Store) populateFileProgress(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	if err := s.populateSellerPools(ctx, tx, ds); err != nil {
		return err
	}

	var rows []filePieceRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.
		Select("file_id", "piece_index", "COALESCE(section_hash, '') AS section_hash", "status", "file_piece").
		From("file_pieces").Where(byState(ds)).OrderBy("rowid")); err != nil {
		return err
	}

	placed := make(map[purchase.FileID]map[uint32]bool)
	spool := make(map[purchase.FileID]map[uint32]string)

	for _, row := range rows {
		var piece purchase.FilePiece
		if err := json.Unmarshal([]byte(row.FilePiece), &piece); err != nil {
			return fmt.Errorf("decode file piece %s/%d: %w", row.FileID, row.Index, err)
		}

		piece.Index = row.Index
		fileID := purchase.FileID(row.FileID)
		fp := s.progressFor(ds, fileID)

		if placed[fileID] == nil {
			placed[fileID] = make(map[uint32]bool)
			spool[fileID] = make(map[uint32]string)
		}

		switch row.Status {
		case purchase.StatusPaid:
			fp.FileInfo.Pieces = append(fp.FileInfo.Pieces, piece)
		case purchase.StatusAssigned:
			fp.Assigned[row.SectionHash] = append(fp.Assigned[row.SectionHash], piece)
		case purchase.StatusDownloaded:
			fp.Downloaded[row.SectionHash] = append(fp.Downloaded[row.SectionHash], piece)
			fp.BytesDownloaded += piece.Size
		case purchase.StatusUnassigned:
			spool[fileID][row.Index] = piece.Path

			continue
		default:
			return fmt.Errorf("%w: file %s piece %d status %q", storage.ErrInvalidStatus, row.FileID, row.Index, row.Status)
		}

		placed[fileID][row.Index] = true
	}

	for fileID, fp := range ds.Progress {
		slices.SortFunc(fp.FileInfo.Pieces, func(a, b purchase.FilePiece) int {
			return int(a.Index) - int(b.Index)
		})

		count := fp.SellerPool.PieceCount
		size := fp.SellerPool.PieceSize
		fp.Unassigned = make([]purchase.FilePiece, 0, count)

		for i := range count {
			if placed[fileID][i] {
				continue
			}

			fp.Unassigned = append(fp.Unassigned, purchase.FilePiece{
				Index: i,
				Size:  purchase.PieceSize(fp.FileInfo.ContentSize, size, i, count),
				Path:  spool[fileID][i],
			})
		}
	}

	return nil
}

func (s *Store) populateFilePaths(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	var rows []assembledFileRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.Select("file_id", "path").
		From("assembled_files").Where(byState(ds))); err != nil {
		return err
	}

	for _, row := range rows {
		if fp, ok := ds.Progress[purchase.FileID(row.FileID)]; ok {
			fp.Path = row.Path
			fp.Directory = filepath.Dir(row.Path)
		}
	}

	return nil
}

func (s *Store) populateSellerData(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	var rows []sellerDataRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.Select("file_id", "price", "section").
		From("seller_data").Where(byState(ds)).OrderBy("rowid")); err != nil {
		return err
	}

	for _, row := range rows {
		var cs purchase.ContractSection
		if err := json.Unmarshal([]byte(row.Section), &cs); err != nil {
			return fmt.Errorf("decode section for file %s: %w", row.FileID, err)
		}

		price, err := parseDecimal(row.Price)
		if err != nil {
			return err
		}

		fp := s.progressFor(ds, purchase.FileID(row.FileID))
		fp.SellerData[cs.Hash] = purchase.SellerData{Seller: cs.Seller, Price: price, Section: cs}

		if key := cs.Seller.Key(); key != "" {
			fp.Sellers[key] = cs.Seller
		}
	}

	return nil
}

// populateSellerRates copies the remembered transfer rates onto negotiated
// sellers and pool candidates that have not been measured in this run.
func (s *Store) populateSellerRates(ctx context.Context, tx *sqlx.Tx, ds *purchase.DownloadState) error {
	var rows []sellerRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.
		Select("user_id", "server_id", "COALESCE(transfer_rate, '0') AS transfer_rate").
		From("sellers")); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	rates := make(map[string]float64, len(rows))

	for _, row := range rows {
		rate, err := strconv.ParseFloat(row.TransferRate, 64)
		if err != nil {
			return fmt.Errorf("decode transfer rate of seller %d:%d: %w", row.UserID, row.ServerID, err)
		}

		rates[purchase.Seller{UserID: purchase.UserID(row.UserID), ServerID: purchase.ServerID(row.ServerID)}.Key()] = rate
	}

	for _, fp := range ds.Progress {
		for hash, sd := range fp.SellerData {
			if rate, ok := rates[sd.Seller.Key()]; ok && sd.DownloadRate == 0 {
				sd.DownloadRate = rate
				fp.SellerData[hash] = sd
			}
		}

		candidates := fp.SellerPool.SellerDataSet.Resources
		for i := range candidates {
			if rate, ok := rates[candidates[i].Seller.Key()]; ok && candidates[i].DownloadRate == 0 {
				candidates[i].DownloadRate = rate
			}
		}
	}

	return nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode amount %q: %w", s, err)
	}

	return d, nil
}
