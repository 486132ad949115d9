package sqlrows

import (
	"coffeeledger/internal/infra/persistence/postgres/testutil"
	"coffeeledger/pkg/domain"
	"context"
	"errors"
	"fmt"
	"testing"
)

var stubDialect = Dialect{
	Name:        "stub",
	Bind:        func(n int) string { return fmt.Sprintf("$%d", n) },
	PayloadType: "JSONB",
	LockVersion: " FOR UPDATE",
}

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	store, err := Open(context.Background(), db, stubDialect, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store, conn
}

func TestBatchUpdateWritesPayloadInPlace(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()
	var address string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		b, err := tx.CreateBatch(domain.Batch{ID: "B1", CurrentHolder: "h1", Status: domain.BatchStatusInProgress})
		address = b.Address
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateBatch(address, func(b *domain.Batch) error { b.CurrentHolder = "h2"; return nil })
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := len(conn.Tables["batches"]); got != 1 {
		t.Fatalf("expected one batch row, got %d", got)
	}

	other, err := Open(ctx, store.DB(), stubDialect, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if b, ok := other.GetBatch(address); !ok || b.CurrentHolder != "h2" {
		t.Fatalf("expected updated holder, got %+v ok=%v", b, ok)
	}
}

func TestReadOnlyTransactionLeavesVersionAlone(t *testing.T) {
	store, conn := openStub(t)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, ok := tx.FindBatch("missing")
		if ok {
			return errors.New("unexpected batch")
		}
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := conn.Tables["ledger_version"][0]["version"]; got != int64(0) {
		t.Fatalf("expected version 0, got %v", got)
	}
}

func TestReadsServeLastLoadedStateWhenDatabaseFails(t *testing.T) {
	store, conn := openStub(t)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{ID: "B1", Status: domain.BatchStatusInProgress})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	conn.FailTables = map[string]bool{"ledger_version": true}
	if len(store.ListBatches()) != 1 {
		t.Fatalf("expected cached batch")
	}
	if err := store.View(context.Background(), func(domain.TransactionView) error { return nil }); err == nil {
		t.Fatalf("expected View to report the read failure")
	}
	if _, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil }); err == nil {
		t.Fatalf("expected version read failure")
	}
}
