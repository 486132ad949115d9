// Package sqlrows stores ledger records as one row per batch and one row per
// stage. Transactions run on an embedded memory store and their changes are
// written inside a single SQL transaction before the memory state moves, so a
// failed write leaves nothing visible. A version row serializes writers across
// processes sharing the database and tells each process when to reload.
package sqlrows

import (
	"coffeeledger/internal/infra/persistence/memory"
	"coffeeledger/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var _ domain.PersistentStore = (*Store)(nil)

const versionRowID = 1

// Dialect holds the SQL differences between backends.
type Dialect struct {
	Name string
	// Bind renders the n-th (1-based) placeholder.
	Bind func(n int) string
	// PayloadType is the column type holding JSON records.
	PayloadType string
	// LockVersion is appended to the version query inside write transactions.
	LockVersion string
	// ReadOptions configures the transaction used to reload records.
	ReadOptions *sql.TxOptions
	// IsConflict reports a primary key or unique constraint violation.
	IsConflict func(error) bool
}

// Store is a memory store kept in step with the record tables.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
	version int64
}

// Open creates the tables when missing and loads every record. The database
// handle is owned by the returned store.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	s := &Store{Store: memory.NewStore(engine), db: db, dialect: dialect, version: -1}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ledger_version (
			id INTEGER PRIMARY KEY,
			version BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS batches (
			address TEXT PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			payload %s NOT NULL
		)`, s.dialect.PayloadType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS stages (
			address TEXT PRIMARY KEY,
			batch TEXT NOT NULL,
			idx INTEGER NOT NULL,
			payload %s NOT NULL,
			UNIQUE (batch, idx)
		)`, s.dialect.PayloadType),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", s.dialect.Name, err)
		}
	}
	seed := fmt.Sprintf(`INSERT INTO ledger_version(id, version) VALUES(%s, %s) ON CONFLICT (id) DO NOTHING`, s.bind(1), s.bind(2))
	if _, err := s.db.ExecContext(ctx, seed, versionRowID, 0); err != nil {
		return fmt.Errorf("seed %s version: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *Store) bind(n int) string { return s.dialect.Bind(n) }

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) readVersion(ctx context.Context, q queryer, suffix string) (int64, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT version FROM ledger_version WHERE id = %s%s`, s.bind(1), suffix), versionRowID)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("read version: %w", err)
		}
		return 0, errors.New("read version: version row missing")
	}
	var version int64
	if err := rows.Scan(&version); err != nil {
		return 0, fmt.Errorf("scan version: %w", err)
	}
	return version, rows.Err()
}

// reload replaces the memory state with the committed rows. Callers hold s.mu.
func (s *Store) reload(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, s.dialect.ReadOptions)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	version, err := s.readVersion(ctx, tx, "")
	if err != nil {
		return err
	}
	return s.loadAt(ctx, tx, version)
}

func (s *Store) loadAt(ctx context.Context, tx *sql.Tx, version int64) error {
	snapshot := memory.Snapshot{Batches: map[string]domain.Batch{}, Stages: map[string]domain.Stage{}}
	err := scanRecords(ctx, tx, `SELECT address, payload FROM batches`, func(address string, payload []byte) error {
		var b domain.Batch
		if err := json.Unmarshal(payload, &b); err != nil {
			return fmt.Errorf("decode batch %s: %w", address, err)
		}
		snapshot.Batches[address] = b
		return nil
	})
	if err != nil {
		return err
	}
	err = scanRecords(ctx, tx, `SELECT address, payload FROM stages`, func(address string, payload []byte) error {
		var st domain.Stage
		if err := json.Unmarshal(payload, &st); err != nil {
			return fmt.Errorf("decode stage %s: %w", address, err)
		}
		snapshot.Stages[address] = st
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.Store.ImportState(snapshot); err != nil {
		return fmt.Errorf("load %s records: %w", s.dialect.Name, err)
	}
	s.version = version
	return nil
}

// scanRecords feeds each (address, payload) row to fn. Records are keyed by
// their row address so duplicated payloads reach the import check.
func scanRecords(ctx context.Context, tx *sql.Tx, query string, fn func(string, []byte) error) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			address string
			payload []byte
		)
		if err := rows.Scan(&address, &payload); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		if err := fn(address, payload); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

// sync reloads when another process has committed since the last load.
func (s *Store) sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, err := s.readVersion(ctx, s.db, "")
	if err != nil {
		return err
	}
	if version == s.version {
		return nil
	}
	return s.reload(ctx)
}

// RunInTransaction locks the version row, reloads when it moved, runs fn on the
// memory store and writes the resulting changes before they become visible.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("begin %s tx: %w", s.dialect.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	version, err := s.readVersion(ctx, tx, s.dialect.LockVersion)
	if err != nil {
		return domain.Result{}, err
	}
	if version != s.version {
		if err := s.loadAt(ctx, tx, version); err != nil {
			return domain.Result{}, err
		}
	}
	res, err := s.Store.RunAndCommit(ctx, fn, func(ctx context.Context, changes []domain.Change) error {
		for _, change := range changes {
			if err := s.writeChange(ctx, tx, change); err != nil {
				return err
			}
		}
		bump := fmt.Sprintf(`UPDATE ledger_version SET version = %s WHERE id = %s`, s.bind(1), s.bind(2))
		if _, err := tx.ExecContext(ctx, bump, version+1, versionRowID); err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil {
		return res, err
	}
	if committed {
		s.version = version + 1
	}
	return res, nil
}

func (s *Store) writeChange(ctx context.Context, tx *sql.Tx, change domain.Change) error {
	switch after := change.After.(type) {
	case domain.Batch:
		payload, err := json.Marshal(after)
		if err != nil {
			return err
		}
		if change.Action == domain.ActionCreate {
			stmt := fmt.Sprintf(`INSERT INTO batches(address, id, payload) VALUES(%s, %s, %s)`, s.bind(1), s.bind(2), s.bind(3))
			_, err = tx.ExecContext(ctx, stmt, after.Address, after.ID, payload)
			return s.insertError(domain.EntityBatch, after.Address, err)
		}
		stmt := fmt.Sprintf(`UPDATE batches SET payload = %s WHERE address = %s`, s.bind(1), s.bind(2))
		res, err := tx.ExecContext(ctx, stmt, payload, after.Address)
		if err != nil {
			return fmt.Errorf("update batch %s: %w", after.Address, err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return &domain.RecordError{Entity: domain.EntityBatch, Address: after.Address, Err: domain.ErrNotFound}
		}
		return nil
	case domain.Stage:
		if change.Action != domain.ActionCreate {
			return fmt.Errorf("stage %s: stages are never updated", after.Address)
		}
		payload, err := json.Marshal(after)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(`INSERT INTO stages(address, batch, idx, payload) VALUES(%s, %s, %s, %s)`, s.bind(1), s.bind(2), s.bind(3), s.bind(4))
		_, err = tx.ExecContext(ctx, stmt, after.Address, after.Batch, int64(after.Index), payload)
		return s.insertError(domain.EntityStage, after.Address, err)
	default:
		return fmt.Errorf("unsupported change %s %s", change.Entity, change.Action)
	}
}

func (s *Store) insertError(entity domain.EntityType, address string, err error) error {
	switch {
	case err == nil:
		return nil
	case s.dialect.IsConflict != nil && s.dialect.IsConflict(err):
		return &domain.RecordError{Entity: entity, Address: address, Err: fmt.Errorf("%w: %v", domain.ErrAddressOccupied, err)}
	default:
		return fmt.Errorf("insert %s %s: %w", entity, address, err)
	}
}

// View reloads when needed and runs fn on a snapshot.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := s.sync(ctx); err != nil {
		return err
	}
	return s.Store.View(ctx, fn)
}

// GetBatch returns the batch at address. When the database cannot be reached
// the last loaded state is served.
func (s *Store) GetBatch(address string) (domain.Batch, bool) {
	_ = s.sync(context.Background())
	return s.Store.GetBatch(address)
}

// ListBatches returns all batches ordered by creation time.
func (s *Store) ListBatches() []domain.Batch {
	_ = s.sync(context.Background())
	return s.Store.ListBatches()
}

// ListStages returns the stages of a batch ordered by index.
func (s *Store) ListStages(batchAddress string) []domain.Stage {
	_ = s.sync(context.Background())
	return s.Store.ListStages(batchAddress)
}

// DB exposes the underlying handle for tests and maintenance.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
