package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the version written to bitmunk_meta by migrate.
const SchemaVersion = "3.2"

const (
	versionEmpty  = "empty"
	versionLegacy = "< 3.2"

	downloadStatesV31 = "download_states_v3_1"
	sellerDataV31     = "seller_data_v3_1"
	sellerPoolsV31    = "seller_pools_v3_1"
)

const createMetaTable = `CREATE TABLE IF NOT EXISTS bitmunk_meta (
	subject TEXT NOT NULL,
	property TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY(subject, property))`

var createTables = []string{
	`CREATE TABLE IF NOT EXISTS download_states (
		download_state_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id BIGINT UNSIGNED,
		version VARCHAR(10),
		processing INTEGER UNSIGNED DEFAULT 0,
		processor_id TEXT DEFAULT '',
		ware TEXT,
		total_min_price TEXT,
		total_med_price TEXT,
		total_max_price TEXT,
		total_piece_count INTEGER UNSIGNED,
		total_micro_payment_cost TEXT,
		preferences TEXT,
		start_date TEXT,
		remaining_pieces INTEGER UNSIGNED,
		initialized TINYINT UNSIGNED,
		license_acquired TINYINT UNSIGNED,
		download_started TINYINT UNSIGNED,
		download_paused TINYINT UNSIGNED,
		license_purchased TINYINT UNSIGNED,
		data_purchased TINYINT UNSIGNED,
		files_assembled TINYINT UNSIGNED)`,
	`CREATE TABLE IF NOT EXISTS contracts (
		download_state_id INTEGER PRIMARY KEY,
		user_id BIGINT UNSIGNED,
		media_id BIGINT UNSIGNED,
		contract_id TEXT,
		contract TEXT)`,
	`CREATE TABLE IF NOT EXISTS seller_data (
		download_state_id BIGINT UNSIGNED,
		user_id BIGINT UNSIGNED,
		file_id VARCHAR(40),
		price VARCHAR(20),
		section TEXT)`,
	`CREATE INDEX IF NOT EXISTS seller_data_index ON seller_data (
		download_state_id, user_id, file_id)`,
	`CREATE TABLE IF NOT EXISTS seller_pools (
		download_state_id BIGINT UNSIGNED,
		user_id BIGINT UNSIGNED,
		file_id VARCHAR(40),
		seller_pool TEXT,
		micro_payment_cost TEXT,
		budget TEXT,
		PRIMARY KEY(download_state_id, user_id, file_id))`,
	`CREATE TABLE IF NOT EXISTS file_pieces (
		download_state_id BIGINT UNSIGNED,
		user_id BIGINT UNSIGNED,
		file_id VARCHAR(40),
		piece_index INTEGER UNSIGNED,
		valid TINYINT UNSIGNED,
		section_hash VARCHAR(40),
		status VARCHAR(12),
		file_piece TEXT)`,
	`CREATE TABLE IF NOT EXISTS sellers (
		user_id BIGINT UNSIGNED,
		server_id INTEGER UNSIGNED,
		transfer_rate VARCHAR(20),
		seller TEXT,
		PRIMARY KEY(user_id, server_id))`,
	`CREATE TABLE IF NOT EXISTS assembled_files (
		download_state_id BIGINT UNSIGNED,
		user_id BIGINT UNSIGNED,
		file_id VARCHAR(40),
		path TEXT,
		PRIMARY KEY(download_state_id, user_id, file_id))`,
}

// legacyMigration moves a pre-3.2 database to 3.2. download_states gains
// AUTOINCREMENT ids so deleted ids are never reused; the new price and cost
// columns are seeded from the median price and recomputed on the next run.
var legacyMigration = []string{
	"ALTER TABLE download_states RENAME TO " + downloadStatesV31,
	"ALTER TABLE seller_data RENAME TO " + sellerDataV31,
	"ALTER TABLE seller_pools RENAME TO " + sellerPoolsV31,
}

var legacyCopy = []string{
	`INSERT INTO download_states (
		download_state_id, user_id, version, processing, processor_id, ware,
		total_min_price, total_med_price, total_max_price,
		total_piece_count, total_micro_payment_cost, preferences, start_date,
		remaining_pieces, initialized, license_acquired, download_started,
		download_paused, license_purchased, data_purchased, files_assembled)
	SELECT
		download_state_id, user_id, version, 0, '', ware,
		total_med_price, total_med_price, total_med_price,
		0, '0.00', preferences, start_date,
		remaining_pieces, initialized, license_acquired, download_started,
		download_paused, license_purchased, data_purchased, files_assembled
	FROM ` + downloadStatesV31,
	`INSERT INTO seller_data (download_state_id, user_id, file_id, price, section)
	SELECT download_state_id, user_id, file_id, price, section FROM ` + sellerDataV31,
	`INSERT INTO seller_pools (download_state_id, user_id, file_id, seller_pool, micro_payment_cost, budget)
	SELECT download_state_id, user_id, file_id, seller_pool, '0.00', '0.00' FROM ` + sellerPoolsV31,
}

// migrate brings the user's database to SchemaVersion. Processing locks are
// left alone: a database may be closed and reopened while tasks still hold
// them.
func migrate(ctx context.Context, db *sqlx.DB, userID purchase.UserID) error {
	logger := logctx.LoggerFromContext(ctx)

	// leftovers from an interrupted migration
	if err := dropMigrationTables(ctx, db); err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}

	from, err := upgrade(ctx, tx)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	if from != SchemaVersion {
		logger.Info("purchase database schema updated", "user_id", userID, "from", from, "to", SchemaVersion)
	}

	return dropMigrationTables(ctx, db)
}

func upgrade(ctx context.Context, tx *sqlx.Tx) (string, error) {
	if _, err := tx.ExecContext(ctx, createMetaTable); err != nil {
		return "", fmt.Errorf("failed to create meta table: %w", err)
	}

	from, err := schemaVersion(ctx, tx)
	if err != nil {
		return "", err
	}

	switch from {
	case SchemaVersion:
		return from, nil
	case versionEmpty:
		if err := execAll(ctx, tx, createTables); err != nil {
			return "", fmt.Errorf("failed to create tables: %w", err)
		}
	case versionLegacy:
		steps := append(append(append([]string{}, legacyMigration...), createTables...), legacyCopy...)
		if err := execAll(ctx, tx, steps); err != nil {
			return "", fmt.Errorf("failed to migrate from %s: %w", from, err)
		}
	default:
		return "", fmt.Errorf("unknown purchase database schema version %q", from)
	}

	if _, err := tx.ExecContext(ctx,
		`REPLACE INTO bitmunk_meta (subject, property, value) VALUES ('database', 'schema.version', ?)`,
		SchemaVersion); err != nil {
		return "", fmt.Errorf("failed to set schema version: %w", err)
	}

	return from, nil
}

// schemaVersion returns "empty" when only the meta table exists, "< 3.2" when
// other tables exist without a version row, or the stored version.
func schemaVersion(ctx context.Context, tx *sqlx.Tx) (string, error) {
	var tables int
	if err := tx.GetContext(ctx, &tables,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`); err != nil {
		return "", fmt.Errorf("failed to get database version: %w", err)
	}

	if tables <= 1 {
		return versionEmpty, nil
	}

	var version string

	err := tx.GetContext(ctx, &version,
		`SELECT value FROM bitmunk_meta WHERE subject='database' AND property='schema.version'`)
	if errors.Is(err, sql.ErrNoRows) {
		return versionLegacy, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to get database version: %w", err)
	}

	return version, nil
}

func dropMigrationTables(ctx context.Context, db *sqlx.DB) error {
	for _, table := range []string{downloadStatesV31, sellerDataV31, sellerPoolsV31} {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop migration table %s: %w", table, err)
		}
	}

	return nil
}

func execAll(ctx context.Context, tx *sqlx.Tx, statements []string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
