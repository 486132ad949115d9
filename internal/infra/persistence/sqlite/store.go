// Package sqlite provides a SQLite-backed ledger record store. Each batch and
// each stage is one row; writers take the database write lock up front so
// processes sharing a file apply their transactions one after another.
package sqlite

import (
	"coffeeledger/internal/infra/persistence/sqlrows"
	"coffeeledger/pkg/domain"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "coffeeledger.db"

// dsnOptions makes every transaction BEGIN IMMEDIATE and waits on a busy
// database instead of failing.
const dsnOptions = "?_txlock=immediate&_pragma=busy_timeout(5000)"

var dialect = sqlrows.Dialect{
	Name:        "sqlite",
	Bind:        func(int) string { return "?" },
	PayloadType: "BLOB",
	IsConflict:  isConflict,
}

// Store is a row store on a SQLite file.
type Store struct {
	*sqlrows.Store
	path string
}

// NewStore opens (creating when missing) the database at path and loads its
// records.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	rows, err := sqlrows.Open(context.Background(), db, dialect, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: rows, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

func isConflict(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
