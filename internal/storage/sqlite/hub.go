package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const dbFile = "purchase.db"

// Hub opens one purchase database per user and migrates it exactly once,
// before the first query is served.
type Hub struct {
	dir string

	mu  sync.Mutex
	dbs map[purchase.UserID]*userDB
}

type userDB struct {
	ready chan struct{}
	db    *sqlx.DB
	err   error
}

// NewHub creates a hub rooted at dir. Each user gets dir/{userID}/purchase.db.
func NewHub(dir string) *Hub {
	return &Hub{dir: dir, dbs: make(map[purchase.UserID]*userDB)}
}

// DB returns the user's database, opening and migrating it on first use.
// Concurrent callers for the same user wait for the one initialization.
func (h *Hub) DB(ctx context.Context, userID purchase.UserID) (*sqlx.DB, error) {
	h.mu.Lock()
	u, ok := h.dbs[userID]

	if !ok {
		u = &userDB{ready: make(chan struct{})}
		h.dbs[userID] = u
		h.mu.Unlock()

		u.db, u.err = h.open(ctx, userID)
		if u.err != nil {
			h.mu.Lock()
			delete(h.dbs, userID)
			h.mu.Unlock()
		}

		close(u.ready)
	} else {
		h.mu.Unlock()
	}

	select {
	case <-u.ready:
		return u.db, u.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) open(ctx context.Context, userID purchase.UserID) (*sqlx.DB, error) {
	dir := filepath.Join(h.dir, strconv.FormatUint(uint64(userID), 10))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", "file:"+filepath.Join(dir, dbFile)+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open purchase database: %w", err)
	}

	// sqlite allows a single writer; one connection serializes transactions
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, userID); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to initialize purchase database: %w", err)
	}

	logctx.LoggerFromContext(ctx).Debug("purchase database ready", "user_id", userID)

	return db, nil
}

// Close closes the user's database. The next DB call reopens it.
func (h *Hub) Close(userID purchase.UserID) error {
	h.mu.Lock()
	u, ok := h.dbs[userID]
	delete(h.dbs, userID)
	h.mu.Unlock()

	if !ok {
		return nil
	}

	<-u.ready

	if u.db == nil {
		return nil
	}

	return u.db.Close()
}

// CloseAll closes every open database.
func (h *Hub) CloseAll() error {
	h.mu.Lock()
	ids := make([]purchase.UserID, 0, len(h.dbs))

	for id := range h.dbs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	var err error
	for _, id := range ids {
		err = multierr.Append(err, h.Close(id))
	}

	return err
}
