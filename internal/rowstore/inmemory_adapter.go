package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rowsync/engine/internal/hlc"
)

type rowKey struct {
	CollectionID string
	ID           string
}

// InMemoryAdapter is a reference test double: an ordered mapping keyed by
// (collection_id, id) guarded by a single mutex. Every
// ApplyRows call clones the current row map before mutating it, so a
// concurrent Query always observes either the pre- or post-batch world, never
// a partial one.
type InMemoryAdapter struct {
	mu        sync.Mutex
	namespace string
	rows      map[rowKey]Row
	pending   []PendingOp
	kv        map[string]json.RawMessage
}

// NewInMemoryAdapter binds a fresh adapter to namespace.
func NewInMemoryAdapter(namespace string) *InMemoryAdapter {
	return &InMemoryAdapter{
		namespace: namespace,
		rows:      map[rowKey]Row{},
		kv:        map[string]json.RawMessage{},
	}
}

func (a *InMemoryAdapter) Query(ctx context.Context, filter QueryFilter) ([]Row, error) {
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

func (a *InMemoryAdapter) ApplyRows(ctx context.Context, incoming []Row) ([]ApplyOutcome, error) {
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
	a.rows = world
	return outcomes, nil
}

func (a *InMemoryAdapter) AppendPending(ctx context.Context, ops []PendingOp) error {
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
	a.pending = append(a.pending, ops...)
	return nil
}

func (a *InMemoryAdapter) GetPending(ctx context.Context, limit int) ([]PendingOp, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > len(a.pending) {
		limit = len(a.pending)
	}
	out := make([]PendingOp, limit)
	copy(out, a.pending[:limit])
	return out, nil
}

func (a *InMemoryAdapter) RemovePendingThrough(ctx context.Context, seqInclusive uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := 0
	for idx < len(a.pending) && a.pending[idx].Sequence <= seqInclusive {
		idx++
	}
	a.pending = a.pending[idx:]
	return nil
}

func (a *InMemoryAdapter) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kv[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (a *InMemoryAdapter) GetKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), value...), true, nil
}

func (a *InMemoryAdapter) DeleteKV(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.kv, key)
	return nil
}

// MaxPendingSequence returns the highest sequence currently in the pending
// log, or 0 once RemovePendingThrough has emptied it; sequences already
// removed are not remembered. It serves to seed an engine's
// pending-sequence counter. The
// in-memory adapter never survives a restart, so this is mostly useful for
// tests that exercise the seeding contract against a durable adapter.
func (a *InMemoryAdapter) MaxPendingSequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return 0
	}
	return a.pending[len(a.pending)-1].Sequence
}

func cloneRows(src map[rowKey]Row) map[rowKey]Row {
	dst := make(map[rowKey]Row, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
