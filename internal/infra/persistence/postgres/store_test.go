package postgres

import (
	"coffeeledger/internal/infra/persistence/memory"
	"coffeeledger/internal/infra/persistence/postgres/testutil"
	"coffeeledger/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func openStub(t *testing.T) (*testutil.StubConn, *sql.DB) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return conn, db
}

func batchRow(t *testing.T, b domain.Batch) map[string]any {
	t.Helper()
	payload, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return map[string]any{"address": domain.BatchAddress(b.ID), "id": b.ID, "payload": payload}
}

func createBatch(store *Store, id string) error {
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{ID: id, Creator: "c", CurrentHolder: "h", Status: domain.BatchStatusInProgress})
		return err
	})
	return err
}

func TestNewStoreEnsuresTablesAndLoadsRows(t *testing.T) {
	conn, _ := openStub(t)
	conn.Tables["batches"] = []map[string]any{batchRow(t, domain.Batch{ID: "B1", CurrentHolder: "h", Status: domain.BatchStatusInProgress})}

	store, err := NewStore(context.Background(), "", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := store.GetBatch(domain.BatchAddress("B1")); !ok {
		t.Fatalf("expected batch loaded from rows")
	}
	want := map[string]bool{"LEDGER_VERSION": false, "BATCHES": false, "STAGES": false}
	for _, stmt := range conn.Execs {
		for table := range want {
			if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS "+table) {
				want[table] = true
			}
		}
	}
	for table, seen := range want {
		if !seen {
			t.Fatalf("expected %s DDL, got %v", table, conn.Execs)
		}
	}
	if len(conn.Tables["ledger_version"]) != 1 {
		t.Fatalf("expected seeded version row, got %v", conn.Tables["ledger_version"])
	}
	if store.DB() == nil {
		t.Fatalf("expected db handle")
	}
}

func TestRunInTransactionWritesRows(t *testing.T) {
	conn, _ := openStub(t)
	store, err := NewStore(context.Background(), "ignored", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := createBatch(store, "B1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(conn.Tables["batches"]); got != 1 {
		t.Fatalf("expected one batch row, got %d", got)
	}
	if got := conn.Tables["ledger_version"][0]["version"]; got != int64(1) {
		t.Fatalf("expected version 1, got %v", got)
	}

	reloaded, err := NewStore(context.Background(), "ignored", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.GetBatch(domain.BatchAddress("B1")); !ok {
		t.Fatalf("expected batch after reload")
	}
}

func TestRunInTransactionStopsOnUserError(t *testing.T) {
	conn, _ := openStub(t)
	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sentinel := errors.New("stop")
	if _, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if len(conn.Tables["batches"]) != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestWriteFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*testutil.StubConn)
		clear func(*testutil.StubConn)
	}{
		{"begin", func(c *testutil.StubConn) { c.FailBegin = true }, func(c *testutil.StubConn) { c.FailBegin = false }},
		{"exec", func(c *testutil.StubConn) { c.FailExec = true }, func(c *testutil.StubConn) { c.FailExec = false }},
		{"insert", func(c *testutil.StubConn) { c.FailTables = map[string]bool{"batches": true} }, func(c *testutil.StubConn) { c.FailTables = nil }},
		{"commit", func(c *testutil.StubConn) { c.FailCommit = true }, func(c *testutil.StubConn) { c.FailCommit = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, _ := openStub(t)
			store, err := NewStore(context.Background(), "", nil)
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			tc.setup(conn)
			if err := createBatch(store, "B1"); err == nil {
				t.Fatalf("expected write failure")
			}
			tc.clear(conn)
			if _, ok := store.GetBatch(domain.BatchAddress("B1")); ok {
				t.Fatalf("failed write must not be visible")
			}
			if len(conn.Tables["batches"]) != 0 {
				t.Fatalf("expected no batch rows, got %v", conn.Tables["batches"])
			}
			if err := createBatch(store, "B1"); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if _, ok := store.GetBatch(domain.BatchAddress("B1")); !ok {
				t.Fatalf("expected batch after retry")
			}
		})
	}
}

func TestStoresSharingDatabaseSeeEachOthersCommits(t *testing.T) {
	openStub(t)
	ctl, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("ctl: %v", err)
	}
	daemon, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	if err := createBatch(ctl, "FROM-CTL"); err != nil {
		t.Fatalf("ctl create: %v", err)
	}
	if err := createBatch(daemon, "FROM-DAEMON"); err != nil {
		t.Fatalf("daemon create: %v", err)
	}
	for name, store := range map[string]*Store{"ctl": ctl, "daemon": daemon} {
		if got := len(store.ListBatches()); got != 2 {
			t.Fatalf("%s: expected both batches, got %d", name, got)
		}
	}
	if err := createBatch(ctl, "FROM-DAEMON"); !errors.Is(err, domain.ErrAddressOccupied) {
		t.Fatalf("expected ErrAddressOccupied, got %v", err)
	}
}

func TestUniqueViolationMapsToAddressOccupied(t *testing.T) {
	conn, _ := openStub(t)
	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	// A row written behind the version counter's back still collides on insert.
	conn.Tables["batches"] = append(conn.Tables["batches"], batchRow(t, domain.Batch{ID: "B1"}))
	err = createBatch(store, "B1")
	if !errors.Is(err, domain.ErrAddressOccupied) {
		t.Fatalf("expected ErrAddressOccupied, got %v", err)
	}
	var recErr *domain.RecordError
	if !errors.As(err, &recErr) || recErr.Entity != domain.EntityBatch {
		t.Fatalf("expected batch record error, got %v", err)
	}
	if !isConflict(&pgconn.PgError{Code: "23505"}) || isConflict(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("unexpected conflict classification")
	}
}

func TestNewStoreErrors(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("dial") })
		defer restore()
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatalf("expected open error")
		}
	})
	t.Run("ping", func(t *testing.T) {
		conn, _ := openStub(t)
		conn.FailPing = true
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatalf("expected ping error")
		}
	})
	t.Run("ddl", func(t *testing.T) {
		conn, _ := openStub(t)
		conn.FailExec = true
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatalf("expected ddl error")
		}
	})
	t.Run("select", func(t *testing.T) {
		conn, _ := openStub(t)
		conn.FailTables = map[string]bool{"stages": true}
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatalf("expected select error")
		}
	})
	t.Run("decode", func(t *testing.T) {
		conn, _ := openStub(t)
		conn.Tables["stages"] = []map[string]any{{"address": "s", "payload": []byte("{")}}
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatalf("expected decode error")
		}
	})
	t.Run("unknown status", func(t *testing.T) {
		conn, _ := openStub(t)
		conn.Tables["batches"] = []map[string]any{batchRow(t, domain.Batch{ID: "B1", Status: "Completed"})}
		if _, err := NewStore(context.Background(), "", nil); !errors.Is(err, memory.ErrCorruptSnapshot) {
			t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
		}
	})
	t.Run("stage above counter", func(t *testing.T) {
		conn, _ := openStub(t)
		b := domain.Batch{ID: "B1", Status: domain.BatchStatusInProgress}
		conn.Tables["batches"] = []map[string]any{batchRow(t, b)}
		payload, _ := json.Marshal(domain.Stage{Batch: domain.BatchAddress("B1"), Index: 0, StageName: "Harvest"})
		conn.Tables["stages"] = []map[string]any{{"address": "s", "payload": payload}}
		if _, err := NewStore(context.Background(), "", nil); !errors.Is(err, memory.ErrCorruptSnapshot) {
			t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
		}
	})
	t.Run("rows", func(t *testing.T) {
		conn, _ := openStub(t)
		conn.RowsErr = errors.New("iterate")
		if _, err := NewStore(context.Background(), "", nil); err == nil {
			t.Fatalf("expected rows error")
		}
	})
}
