package models

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// db is the package-level handle to the entity store.
// The store is the single shared mutable resource in the system; everything
// else (hashes, conflict partitions, session state) is derived from it.
var db *sql.DB

// InitDB opens the persistent database and runs migrations.
func InitDB() error {
	return openDB("./data/taskhub.ddb")
}

// InitTestDB opens a throwaway database at the given path for tests.
func InitTestDB(path string) error {
	return openDB(path)
}

func openDB(path string) error {
	var err error

	if dir := filepath.Dir(path); dir != "." {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return serr.Wrap(err, "failed to create database directory")
		}
	}

	db, err = sql.Open("duckdb", path)
	if err != nil {
		return serr.Wrap(err, "failed to open database")
	}

	if err = migrateDB(db); err != nil {
		return serr.Wrap(err, "failed to migrate database")
	}

	logger.Info("Database initialized", "path", path)
	return nil
}

// CloseDB closes the database connection
func CloseDB() {
	if db != nil {
		db.Close()
		db = nil
	}
}

// ============================================================================
// Per-entity serialization
//
// Two events targeting the same entity must be serialized so that the
// hash-comparison-then-apply sequence is atomic — otherwise two concurrent
// updates could both observe "no conflict" and one of them would silently
// overwrite the other. Events targeting different entities proceed
// concurrently. Locks are keyed by (entity type, id) and kept for the life
// of the process; the set of live entities in a household deployment is small.
// ============================================================================

var (
	entityLocks   = map[string]*sync.Mutex{}
	entityLocksMu sync.Mutex
)

// lockEntity acquires the mutex for a single entity and returns it locked.
// The caller must Unlock the returned mutex.
func lockEntity(entityType string, id int64) *sync.Mutex {
	key := entityType + "/" + strconv.FormatInt(id, 10)

	entityLocksMu.Lock()
	mu, ok := entityLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		entityLocks[key] = mu
	}
	entityLocksMu.Unlock()

	mu.Lock()
	return mu
}

// lockEventGUID serializes event application per GUID so that concurrent
// pushes of the same event see each other: the second arrival finds the
// GUID recorded and confirms as a replay. Shares the entity lock registry
// under a distinct key prefix; a GUID lock is always taken before any
// entity lock, never after, so the two levels cannot deadlock.
func lockEventGUID(guid string) *sync.Mutex {
	key := "event/" + guid

	entityLocksMu.Lock()
	mu, ok := entityLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		entityLocks[key] = mu
	}
	entityLocksMu.Unlock()

	mu.Lock()
	return mu
}

// withTx runs fn inside a transaction, rolling back on error.
// A failed step never leaves a partial mutation behind — apply is
// all-or-nothing per event.
func withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return serr.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.LogErr(rbErr, "rollback failed after transaction error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return serr.Wrap(err, "failed to commit transaction")
	}
	return nil
}
