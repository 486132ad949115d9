package core

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"coffeeledger/internal/infra/persistence/memory"
	"coffeeledger/internal/infra/persistence/postgres"
	pgtestutil "coffeeledger/internal/infra/persistence/postgres/testutil"
	"coffeeledger/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStoreDrivers(t *testing.T) {
	ctx := context.Background()

	store, err := OpenPersistentStore(ctx, StorageConfig{Driver: StorageMemory}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = OpenPersistentStore(ctx, StorageConfig{SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	sq, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite default, got %T", store)
	}
	_ = sq.Close()

	db, _ := pgtestutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err = OpenPersistentStore(ctx, StorageConfig{Driver: StoragePostgres, PostgresDSN: "postgres://stub"}, nil)
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected postgres store, got %T", store)
	}
}

func TestOpenPersistentStoreErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenPersistentStore(ctx, StorageConfig{Driver: "cassandra"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	db, conn := pgtestutil.NewStubDB()
	conn.FailPing = true
	restore := postgres.OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := OpenPersistentStore(ctx, StorageConfig{Driver: StoragePostgres}, nil)
	if err == nil {
		t.Fatalf("expected ping failure")
	}
	if store != nil {
		t.Fatalf("expected nil store on failure, got %T", store)
	}
}

func TestServiceOverSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := OpenPersistentStore(ctx, StorageConfig{Driver: StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	svc := NewService(store, WithClock(stubClock{t: fixedTime}))
	batch := createB1(t, svc)
	if _, _, err := svc.AddStage(ctx, batch.Address, "Harvest", "h2", holderH1); err != nil {
		t.Fatalf("add stage: %v", err)
	}
	_ = store.(*sqlite.Store).Close()

	reopened, err := OpenPersistentStore(ctx, StorageConfig{Driver: StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.(*sqlite.Store).Close() }()
	svc = NewService(reopened)
	// The counter survives the reopen, so the next stage lands at index 1.
	if _, _, err := svc.AddStage(ctx, batch.Address, "Roast", "h3", holderH1); err != nil {
		t.Fatalf("add second stage: %v", err)
	}
	_, stages, err := svc.BatchHistory(ctx, batch.Address)
	if err != nil || len(stages) != 2 || stages[1].Index != 1 {
		t.Fatalf("unexpected history after reopen: %+v %v", stages, err)
	}
}
