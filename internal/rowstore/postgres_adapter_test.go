package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationApplyRowsLWWAndPending(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	a, err := NewPostgresAdapter(dsn, "ns")
	if err != nil {
		t.Fatalf("NewPostgresAdapter: %v", err)
	}
	suffix := postgresIntegrationSuffix()
	a.rowsTable, a.pendingTable, a.kvTable = testTableNames(suffix)
	t.Cleanup(func() {
		postgresIntegrationDropTables(t, dsn, a.rowsTable, a.pendingTable, a.kvTable)
		_ = a.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seed := mustRow(t, "ns", "books", "b1", `{"title":"Dune"}`, 9000, 0, "deviceZ")
	outcomes, err := a.ApplyRows(ctx, []Row{seed})
	if err != nil || !outcomes[0].Written {
		t.Fatalf("ApplyRows seed: outcomes=%+v err=%v", outcomes, err)
	}

	loser := mustRow(t, "ns", "books", "b1", `{"title":"x"}`, 1000, 0, "deviceA")
	outcomes, err = a.ApplyRows(ctx, []Row{loser})
	if err != nil {
		t.Fatalf("ApplyRows loser: %v", err)
	}
	if outcomes[0].Written {
		t.Fatalf("expected LWW loser not written")
	}

	rows, err := a.Query(ctx, QueryFilter{CollectionID: "books", ID: "b1"})
	if err != nil || len(rows) != 1 || string(rows[0].Data) != `{"title":"Dune"}` {
		t.Fatalf("Query: rows=%+v err=%v", rows, err)
	}

	ops := []PendingOp{{Sequence: 1, Type: PendingPut, Namespace: "ns", CollectionID: "books", ID: "b1"}}
	if err := a.AppendPending(ctx, ops); err != nil {
		t.Fatalf("AppendPending: %v", err)
	}
	pending, err := a.GetPending(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].Sequence != 1 {
		t.Fatalf("GetPending: pending=%+v err=%v", pending, err)
	}
	if err := a.RemovePendingThrough(ctx, 1); err != nil {
		t.Fatalf("RemovePendingThrough: %v", err)
	}
	maxSeq, err := a.MaxPendingSequence(ctx)
	if err != nil || maxSeq != 0 {
		t.Fatalf("MaxPendingSequence after truncation: %d err=%v", maxSeq, err)
	}

	if err := a.PutKV(ctx, "sync.cursor.v1", []byte(`{"committedTimestampMs":5}`)); err != nil {
		t.Fatalf("PutKV: %v", err)
	}
	value, ok, err := a.GetKV(ctx, "sync.cursor.v1")
	if err != nil || !ok || string(value) != `{"committedTimestampMs":5}` {
		t.Fatalf("GetKV: value=%s ok=%v err=%v", value, ok, err)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ROWSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ROWSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationSuffix() string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), n)
}

func testTableNames(suffix string) (rows, pending, kv string) {
	return "rowsync_rows_it_" + suffix, "rowsync_pending_ops_it_" + suffix, "rowsync_kv_it_" + suffix
}

func postgresIntegrationDropTables(t *testing.T, dsn string, tables ...string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdent(table))); err != nil {
			t.Fatalf("drop cleanup table %q: %v", table, err)
		}
	}
}
