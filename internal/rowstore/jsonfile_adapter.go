package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rowsync/engine/internal/hlc"
)

// jsonFileState is the on-disk snapshot for JSONFileAdapter. The whole
// namespace lives in one file; every mutation rewrites it in full.
type jsonFileState struct {
	Rows    []Row                      `json:"rows"`
	Pending []PendingOp                `json:"pending"`
	KV      map[string]json.RawMessage `json:"kv"`
}

// JSONFileAdapter is a durable StorageAdapter backed by a single JSON file,
// written with a temp-file-then-rename so a crash mid-write never leaves a
// truncated file behind.
type JSONFileAdapter struct {
	path      string
	namespace string

	mu      sync.Mutex
	rows    map[rowKey]Row
	pending []PendingOp
	kv      map[string]json.RawMessage
}

// NewJSONFileAdapter opens (or creates) the adapter's backing file.
func NewJSONFileAdapter(path string, namespace string) (*JSONFileAdapter, error) {
	path = strings.TrimSpace(path)
	if path == "" || namespace == "" {
		return nil, ErrInvalidArgument
	}
	a := &JSONFileAdapter{
		path:      path,
		namespace: namespace,
		rows:      map[rowKey]Row{},
		kv:        map[string]json.RawMessage{},
	}
	if err := a.load(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return a, nil
}

func (a *JSONFileAdapter) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state jsonFileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, row := range state.Rows {
		a.rows[rowKey{CollectionID: row.CollectionID, ID: row.ID}] = row
	}
	a.pending = append([]PendingOp(nil), state.Pending...)
	if state.KV != nil {
		a.kv = state.KV
	}
	return nil
}

func (a *JSONFileAdapter) saveLocked() error {
	state := jsonFileState{
		Rows:    make([]Row, 0, len(a.rows)),
		Pending: append([]PendingOp(nil), a.pending...),
		KV:      a.kv,
	}
	for _, row := range a.rows {
		state.Rows = append(state.Rows, row)
	}
	sort.Slice(state.Rows, func(i, j int) bool {
		if state.Rows[i].CollectionID != state.Rows[j].CollectionID {
			return state.Rows[i].CollectionID < state.Rows[j].CollectionID
		}
		return state.Rows[i].ID < state.Rows[j].ID
	})

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}

func (a *JSONFileAdapter) Query(ctx context.Context, filter QueryFilter) ([]Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	matches := make([]Row, 0, len(a.rows))
	for _, row := range a.rows {
		if filter.CollectionID != "" && row.CollectionID != filter.CollectionID {
			continue
		}
		if filter.ID != "" && row.ID != filter.ID {
			continue
		}
		if filter.ParentID != nil {
			if row.ParentID == nil || *row.ParentID != *filter.ParentID {
				continue
			}
		}
		if row.Tombstone && !filter.IncludeTombstones {
			continue
		}
		matches = append(matches, row)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CollectionID != matches[j].CollectionID {
			return matches[i].CollectionID < matches[j].CollectionID
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

func (a *JSONFileAdapter) ApplyRows(ctx context.Context, incoming []Row) ([]ApplyOutcome, error) {
	for _, row := range incoming {
		if row.Namespace != a.namespace {
			return nil, &NamespaceMismatchError{Configured: a.namespace, Incoming: row.Namespace}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	world := cloneRows(a.rows)
	outcomes := make([]ApplyOutcome, 0, len(incoming))
	for _, row := range incoming {
		key := rowKey{CollectionID: row.CollectionID, ID: row.ID}
		existing, ok := world[key]
		written := !ok || hlc.GreaterThan(row.Clock(), existing.Clock())
		if written {
			world[key] = row
		}
		outcomes = append(outcomes, ApplyOutcome{
			Written:              written,
			Namespace:            row.Namespace,
			CollectionID:         row.CollectionID,
			ID:                   row.ID,
			ParentID:             row.ParentID,
			Tombstone:            row.Tombstone,
			CommittedTimestampMs: row.CommittedTimestampMs,
			Clock:                row.Clock(),
		})
	}
	previous := a.rows
	a.rows = world
	if err := a.saveLocked(); err != nil {
		a.rows = previous
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return outcomes, nil
}

func (a *JSONFileAdapter) AppendPending(ctx context.Context, ops []PendingOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	last := uint64(0)
	if n := len(a.pending); n > 0 {
		last = a.pending[n-1].Sequence
	}
	for _, op := range ops {
		if op.Sequence <= last {
			return fmt.Errorf("%w: pending sequence %d is not strictly increasing after %d", ErrInvalidArgument, op.Sequence, last)
		}
		last = op.Sequence
	}
	previous := a.pending
	a.pending = append(append([]PendingOp(nil), a.pending...), ops...)
	if err := a.saveLocked(); err != nil {
		a.pending = previous
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

func (a *JSONFileAdapter) GetPending(ctx context.Context, limit int) ([]PendingOp, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > len(a.pending) {
		limit = len(a.pending)
	}
	out := make([]PendingOp, limit)
	copy(out, a.pending[:limit])
	return out, nil
}

func (a *JSONFileAdapter) RemovePendingThrough(ctx context.Context, seqInclusive uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := 0
	for idx < len(a.pending) && a.pending[idx].Sequence <= seqInclusive {
		idx++
	}
	previous := a.pending
	a.pending = append([]PendingOp(nil), a.pending[idx:]...)
	if err := a.saveLocked(); err != nil {
		a.pending = previous
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

func (a *JSONFileAdapter) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous, had := a.kv[key]
	a.kv[key] = append(json.RawMessage(nil), value...)
	if err := a.saveLocked(); err != nil {
		if had {
			a.kv[key] = previous
		} else {
			delete(a.kv, key)
		}
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

func (a *JSONFileAdapter) GetKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), value...), true, nil
}

func (a *JSONFileAdapter) DeleteKV(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous, had := a.kv[key]
	if !had {
		return nil
	}
	delete(a.kv, key)
	if err := a.saveLocked(); err != nil {
		a.kv[key] = previous
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

// MaxPendingSequence returns the highest sequence persisted so far, for
// seeding an engine's pending-sequence counter on startup.
func (a *JSONFileAdapter) MaxPendingSequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return 0
	}
	return a.pending[len(a.pending)-1].Sequence
}
