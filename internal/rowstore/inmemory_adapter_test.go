package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func mustRow(t *testing.T, namespace, collection, id string, data string, wall int64, counter uint64, device string) Row {
	t.Helper()
	return Row{
		Namespace:      namespace,
		CollectionID:   collection,
		ID:             id,
		Data:           json.RawMessage(data),
		HLCTimestampMs: wall,
		HLCCounter:     counter,
		HLCDeviceID:    device,
	}
}

func TestApplyRowsLWWLoserDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")

	seed := mustRow(t, "ns", "books", "b1", `{"title":"Dune"}`, 9000, 0, "deviceZ")
	outcomes, err := a.ApplyRows(ctx, []Row{seed})
	if err != nil || !outcomes[0].Written {
		t.Fatalf("expected seed to be written, got outcomes=%+v err=%v", outcomes, err)
	}

	loser := mustRow(t, "ns", "books", "b1", `{"title":"x"}`, 1000, 0, "deviceA")
	outcomes, err = a.ApplyRows(ctx, []Row{loser})
	if err != nil {
		t.Fatalf("ApplyRows: %v", err)
	}
	if outcomes[0].Written {
		t.Fatalf("expected LWW loser to not be written")
	}

	rows, err := a.Query(ctx, QueryFilter{CollectionID: "books", ID: "b1"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Query: %v rows=%+v", err, rows)
	}
	if string(rows[0].Data) != `{"title":"Dune"}` {
		t.Fatalf("expected seed data to survive, got %s", rows[0].Data)
	}
}

func TestApplyRowsTieBreaksByDeviceID(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")

	steps := []struct {
		device string
		want   bool
	}{
		{"deviceA", true},
		{"deviceZ", true},
		{"deviceB", false},
	}
	for _, step := range steps {
		row := mustRow(t, "ns", "books", "b1", `{}`, 9000, 2, step.device)
		outcomes, err := a.ApplyRows(ctx, []Row{row})
		if err != nil {
			t.Fatalf("ApplyRows(%s): %v", step.device, err)
		}
		if outcomes[0].Written != step.want {
			t.Fatalf("device %s: written=%v, want %v", step.device, outcomes[0].Written, step.want)
		}
	}

	rows, _ := a.Query(ctx, QueryFilter{CollectionID: "books", ID: "b1"})
	if len(rows) != 1 || rows[0].HLCDeviceID != "deviceZ" {
		t.Fatalf("expected final row from deviceZ, got %+v", rows)
	}
}

func TestApplyRowsDuplicateSignatureWithinOneBatch(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")

	row := mustRow(t, "ns", "books", "b1", `{}`, 5000, 0, "deviceA")
	outcomes, err := a.ApplyRows(ctx, []Row{row, row, row})
	if err != nil {
		t.Fatalf("ApplyRows: %v", err)
	}
	if !outcomes[0].Written {
		t.Fatalf("expected first occurrence written")
	}
	if outcomes[1].Written || outcomes[2].Written {
		t.Fatalf("expected later duplicate occurrences not written, got %+v", outcomes)
	}
}

func TestApplyRowsRejectsNamespaceMismatch(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")
	row := mustRow(t, "other-ns", "books", "b1", `{}`, 1000, 0, "deviceA")
	_, err := a.ApplyRows(ctx, []Row{row})
	if !errors.Is(err, ErrNamespaceMismatch) {
		t.Fatalf("expected ErrNamespaceMismatch, got %v", err)
	}
}

func TestApplyIdempotenceOfSameRemoteRow(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")
	row := mustRow(t, "ns", "books", "b1", `{}`, 1000, 0, "deviceA")

	first, err := a.ApplyRows(ctx, []Row{row})
	if err != nil {
		t.Fatalf("ApplyRows: %v", err)
	}
	second, err := a.ApplyRows(ctx, []Row{row})
	if err != nil {
		t.Fatalf("ApplyRows: %v", err)
	}
	writtenCount := 0
	for _, o := range append(first, second...) {
		if o.Written {
			writtenCount++
		}
	}
	if writtenCount != 1 {
		t.Fatalf("expected exactly one written=true across both calls, got %d", writtenCount)
	}
}

func TestQueryExcludesTombstonesByDefault(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")
	tombstone := mustRow(t, "ns", "books", "b1", ``, 1000, 0, "deviceA")
	tombstone.Tombstone = true
	tombstone.Data = nil
	if _, err := a.ApplyRows(ctx, []Row{tombstone}); err != nil {
		t.Fatalf("ApplyRows: %v", err)
	}

	rows, _ := a.Query(ctx, QueryFilter{CollectionID: "books"})
	if len(rows) != 0 {
		t.Fatalf("expected tombstoned row hidden, got %+v", rows)
	}
	rows, _ = a.Query(ctx, QueryFilter{CollectionID: "books", IncludeTombstones: true})
	if len(rows) != 1 {
		t.Fatalf("expected tombstoned row visible with IncludeTombstones, got %+v", rows)
	}
}

func TestPendingAppendGetAndRemoveThrough(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")
	ops := []PendingOp{
		{Sequence: 1, Type: PendingPut, CollectionID: "books", ID: "b1"},
		{Sequence: 2, Type: PendingPut, CollectionID: "books", ID: "b2"},
		{Sequence: 3, Type: PendingDelete, CollectionID: "books", ID: "b1"},
	}
	if err := a.AppendPending(ctx, ops); err != nil {
		t.Fatalf("AppendPending: %v", err)
	}

	got, err := a.GetPending(ctx, 2)
	if err != nil || len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("GetPending(2): %+v err=%v", got, err)
	}

	if err := a.RemovePendingThrough(ctx, 2); err != nil {
		t.Fatalf("RemovePendingThrough: %v", err)
	}
	remaining, _ := a.GetPending(ctx, 10)
	if len(remaining) != 1 || remaining[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3 to remain, got %+v", remaining)
	}
}

func TestAppendPendingRejectsNonMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")
	if err := a.AppendPending(ctx, []PendingOp{{Sequence: 5}}); err != nil {
		t.Fatalf("AppendPending: %v", err)
	}
	if err := a.AppendPending(ctx, []PendingOp{{Sequence: 5}}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for repeated sequence, got %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAdapter("ns")
	if _, ok, err := a.GetKV(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key absent, got ok=%v err=%v", ok, err)
	}
	value := json.RawMessage(`{"committedTimestampMs":10,"collectionId":"books","id":"b1"}`)
	if err := a.PutKV(ctx, "sync.cursor.v1", value); err != nil {
		t.Fatalf("PutKV: %v", err)
	}
	got, ok, err := a.GetKV(ctx, "sync.cursor.v1")
	if err != nil || !ok || string(got) != string(value) {
		t.Fatalf("GetKV: got=%s ok=%v err=%v", got, ok, err)
	}
	if err := a.DeleteKV(ctx, "sync.cursor.v1"); err != nil {
		t.Fatalf("DeleteKV: %v", err)
	}
	if _, ok, _ := a.GetKV(ctx, "sync.cursor.v1"); ok {
		t.Fatalf("expected key deleted")
	}
}
