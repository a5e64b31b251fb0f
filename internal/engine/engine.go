package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
)

// EngineOptions configures an Engine beyond its required adapter and clock.
// The zero value is a valid default.
type EngineOptions struct {
	// ErrorSink receives errors the engine cannot return to a caller,
	// chiefly a recovered listener panic. Defaults to a no-op.
	ErrorSink func(error)
}

type queuedTask struct {
	fn   func()
	done chan struct{}
}

// Engine is the storage engine: the only write path the rest of the system
// uses. It resolves write intents against the adapter's current state,
// allocates HLCs in one batch per call outside any adapter transaction,
// applies rows, appends pending entries for writes that actually won LWW,
// and fans invalidation hints out to subscribers. Every public operation,
// reads included, is serialized through one task queue so intent
// resolution, HLC allocation, apply, pending append, and event emission
// never interleave with another engine call.
type Engine struct {
	namespace string
	adapter   rowstore.StorageAdapter
	clock     *hlc.Service
	errorSink func(error)

	tasks chan queuedTask

	pendingSeq uint64

	listenerMu     sync.Mutex
	nextListenerID int
	listeners      map[int]ChangeListener
}

// NewEngine binds an Engine to namespace over adapter, seeding its
// pending-sequence counter from whatever pending entries the adapter
// already durably holds.
func NewEngine(ctx context.Context, namespace string, adapter rowstore.StorageAdapter, clock *hlc.Service, opts EngineOptions) (*Engine, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", rowstore.ErrInvalidArgument)
	}
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter is required", rowstore.ErrInvalidArgument)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock is required", rowstore.ErrInvalidArgument)
	}
	errorSink := opts.ErrorSink
	if errorSink == nil {
		errorSink = func(error) {}
	}

	e := &Engine{
		namespace: namespace,
		adapter:   adapter,
		clock:     clock,
		errorSink: errorSink,
		tasks:     make(chan queuedTask, 64),
		listeners: map[int]ChangeListener{},
	}

	existing, err := adapter.GetPending(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("seed pending sequence: %w", err)
	}
	for _, op := range existing {
		if op.Sequence > e.pendingSeq {
			e.pendingSeq = op.Sequence
		}
	}

	go e.worker()
	return e, nil
}

func (e *Engine) worker() {
	for task := range e.tasks {
		task.fn()
		close(task.done)
	}
}

// Close stops the engine's serial queue. Pending operations already
// submitted still run to completion.
func (e *Engine) Close() {
	close(e.tasks)
}

func (e *Engine) run(fn func()) {
	done := make(chan struct{})
	e.tasks <- queuedTask{fn: fn, done: done}
	<-done
}

func (e *Engine) nextPendingSequence() uint64 {
	e.pendingSeq++
	return e.pendingSeq
}

// Subscribe registers a listener that is notified after every successful
// local or remote apply. The returned func removes it.
func (e *Engine) Subscribe(listener ChangeListener) (unsubscribe func()) {
	e.listenerMu.Lock()
	id := e.nextListenerID
	e.nextListenerID++
	e.listeners[id] = listener
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		delete(e.listeners, id)
		e.listenerMu.Unlock()
	}
}

func (e *Engine) notify(event ChangeEvent) {
	event.InvalidationHints = dedupeHints(event.InvalidationHints)

	e.listenerMu.Lock()
	listeners := make([]ChangeListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenerMu.Unlock()

	for _, listener := range listeners {
		e.invokeListener(listener, event)
	}
}

func (e *Engine) invokeListener(listener ChangeListener, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.errorSink(fmt.Errorf("change listener panicked: %v", r))
		}
	}()
	listener(event)
}

// Get returns the live (non-tombstoned) row for (collection, id), or nil if
// no such row exists.
func (e *Engine) Get(ctx context.Context, collectionID, id string) (*rowstore.Row, error) {
	var row *rowstore.Row
	var resultErr error
	e.run(func() {
		rows, err := e.adapter.Query(ctx, rowstore.QueryFilter{CollectionID: collectionID, ID: id})
		if err != nil {
			resultErr = err
			return
		}
		if len(rows) == 0 {
			return
		}
		r := rows[0]
		row = &r
	})
	return row, resultErr
}

// GetIncludingTombstones returns the row for (collection, id) regardless of
// tombstone state, or nil if no such row has ever been applied. Transports
// that need to forward a delete as a concrete row, rather than merely
// invalidating a cache, use this instead of Get.
func (e *Engine) GetIncludingTombstones(ctx context.Context, collectionID, id string) (*rowstore.Row, error) {
	var row *rowstore.Row
	var resultErr error
	e.run(func() {
		rows, err := e.adapter.Query(ctx, rowstore.QueryFilter{CollectionID: collectionID, ID: id, IncludeTombstones: true})
		if err != nil {
			resultErr = err
			return
		}
		if len(rows) == 0 {
			return
		}
		r := rows[0]
		row = &r
	})
	return row, resultErr
}

// GetAll returns every live row in collectionID.
func (e *Engine) GetAll(ctx context.Context, collectionID string) ([]rowstore.Row, error) {
	var rows []rowstore.Row
	var resultErr error
	e.run(func() {
		rows, resultErr = e.adapter.Query(ctx, rowstore.QueryFilter{CollectionID: collectionID})
	})
	return rows, resultErr
}

// GetAllWithParent returns every live row in collectionID whose parent_id
// equals parentID.
func (e *Engine) GetAllWithParent(ctx context.Context, collectionID, parentID string) ([]rowstore.Row, error) {
	var rows []rowstore.Row
	var resultErr error
	e.run(func() {
		rows, resultErr = e.adapter.Query(ctx, rowstore.QueryFilter{CollectionID: collectionID, ParentID: &parentID})
	})
	return rows, resultErr
}

// Put creates or updates the row at (collectionID, id) with a freshly
// allocated HLC. When opts.ParentID is unset, the pre-existing parent_id
// (including from a tombstoned row) is preserved; an explicit empty value
// clears it.
func (e *Engine) Put(ctx context.Context, collectionID, id string, data json.RawMessage, opts PutOptions) (WriteResult, error) {
	var result WriteResult
	var resultErr error
	e.run(func() {
		result, resultErr = e.applyLocalLocked(ctx, e.resolvePutIntent(ctx, collectionID, id, data, opts))
	})
	return result, resultErr
}

// Delete writes a tombstone at (collectionID, id), preserving its existing
// parent_id.
func (e *Engine) Delete(ctx context.Context, collectionID, id string) (WriteResult, error) {
	var result WriteResult
	var resultErr error
	e.run(func() {
		result, resultErr = e.applyLocalLocked(ctx, e.resolveDeleteIntent(ctx, collectionID, id))
	})
	return result, resultErr
}

// DeleteAllWithParent tombstones every live row in collectionID whose
// parent_id equals parentID, one tombstone per matching row.
func (e *Engine) DeleteAllWithParent(ctx context.Context, collectionID, parentID string) ([]WriteResult, error) {
	var results []WriteResult
	var resultErr error
	e.run(func() {
		rows, err := e.adapter.Query(ctx, rowstore.QueryFilter{CollectionID: collectionID, ParentID: &parentID})
		if err != nil {
			resultErr = err
			return
		}
		intents := make([]rowIntent, 0, len(rows))
		for _, row := range rows {
			intents = append(intents, rowIntent{
				collectionID: row.CollectionID,
				id:           row.ID,
				parentID:     row.ParentID,
				tombstone:    true,
				txID:         "",
			})
		}
		results, resultErr = e.applyLocalBatchLocked(ctx, intents)
	})
	return results, resultErr
}

// BatchLocal resolves an ordered sequence of Put/Delete intents against one
// HLC batch and one ApplyRows call.
func (e *Engine) BatchLocal(ctx context.Context, ops []AtomicOp) ([]WriteResult, error) {
	var results []WriteResult
	var resultErr error
	e.run(func() {
		intents := make([]rowIntent, 0, len(ops))
		for _, op := range ops {
			switch op.Type {
			case AtomicPut:
				intents = append(intents, e.resolvePutIntent(ctx, op.CollectionID, op.ID, op.Data, PutOptions{
					ParentID:      op.ParentID,
					TxID:          op.TxID,
					SchemaVersion: op.SchemaVersion,
				}))
			case AtomicDelete:
				intents = append(intents, e.resolveDeleteIntent(ctx, op.CollectionID, op.ID))
			default:
				resultErr = fmt.Errorf("%w: unknown atomic op type %q", rowstore.ErrInvalidArgument, op.Type)
				return
			}
			if resultErr != nil {
				return
			}
		}
		results, resultErr = e.applyLocalBatchLocked(ctx, intents)
	})
	return results, resultErr
}

// ApplyRemote applies rows that already carry server-assigned HLCs, without
// allocating any new HLC, and emits remote invalidations for the rows that
// won LWW.
func (e *Engine) ApplyRemote(ctx context.Context, rows []rowstore.Row) (ApplyRemoteResult, error) {
	var result ApplyRemoteResult
	var resultErr error
	e.run(func() {
		if len(rows) == 0 {
			return
		}
		outcomes, err := e.adapter.ApplyRows(ctx, rows)
		if err != nil {
			resultErr = err
			return
		}
		hints := make([]InvalidationHint, 0, len(outcomes))
		for _, outcome := range outcomes {
			if !outcome.Written {
				continue
			}
			result.AppliedCount++
			hints = append(hints, InvalidationHint{
				CollectionID: outcome.CollectionID,
				ID:           outcome.ID,
				ParentID:     outcome.ParentID,
			})
		}
		result.InvalidationHints = dedupeHints(hints)
		if len(result.InvalidationHints) > 0 {
			e.notify(ChangeEvent{Source: SourceRemote, InvalidationHints: result.InvalidationHints})
		}
	})
	return result, resultErr
}

// GetPending passes through to the adapter's pending log.
func (e *Engine) GetPending(ctx context.Context, limit int) ([]rowstore.PendingOp, error) {
	var ops []rowstore.PendingOp
	var resultErr error
	e.run(func() {
		ops, resultErr = e.adapter.GetPending(ctx, limit)
	})
	return ops, resultErr
}

// RemovePendingThrough passes through to the adapter's pending log.
func (e *Engine) RemovePendingThrough(ctx context.Context, seqInclusive uint64) error {
	var resultErr error
	e.run(func() {
		resultErr = e.adapter.RemovePendingThrough(ctx, seqInclusive)
	})
	return resultErr
}

// PutKV passes through to the adapter's key/value store.
func (e *Engine) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	var resultErr error
	e.run(func() {
		resultErr = e.adapter.PutKV(ctx, key, value)
	})
	return resultErr
}

// GetKV passes through to the adapter's key/value store.
func (e *Engine) GetKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value json.RawMessage
	var ok bool
	var resultErr error
	e.run(func() {
		value, ok, resultErr = e.adapter.GetKV(ctx, key)
	})
	return value, ok, resultErr
}

// DeleteKV passes through to the adapter's key/value store.
func (e *Engine) DeleteKV(ctx context.Context, key string) error {
	var resultErr error
	e.run(func() {
		resultErr = e.adapter.DeleteKV(ctx, key)
	})
	return resultErr
}

// rowIntent is a fully-resolved write, ready for HLC stamping. Resolution
// (reading the existing row to preserve parent_id) always happens before
// any HLC is allocated, so a multi-op batch allocates exactly one HLC batch
// sized to its intent count.
type rowIntent struct {
	collectionID  string
	id            string
	data          json.RawMessage
	parentID      *string
	tombstone     bool
	txID          string
	schemaVersion *int
}

func (e *Engine) resolvePutIntent(ctx context.Context, collectionID, id string, data json.RawMessage, opts PutOptions) rowIntent {
	intent := rowIntent{
		collectionID:  collectionID,
		id:            id,
		data:          data,
		txID:          opts.TxID,
		schemaVersion: opts.SchemaVersion,
	}
	if opts.ParentID.Set {
		if opts.ParentID.Value == "" {
			intent.parentID = nil
		} else {
			value := opts.ParentID.Value
			intent.parentID = &value
		}
		return intent
	}
	intent.parentID = e.existingParentID(ctx, collectionID, id)
	return intent
}

func (e *Engine) resolveDeleteIntent(ctx context.Context, collectionID, id string) rowIntent {
	return rowIntent{
		collectionID: collectionID,
		id:           id,
		tombstone:    true,
		parentID:     e.existingParentID(ctx, collectionID, id),
	}
}

func (e *Engine) existingParentID(ctx context.Context, collectionID, id string) *string {
	rows, err := e.adapter.Query(ctx, rowstore.QueryFilter{CollectionID: collectionID, ID: id, IncludeTombstones: true})
	if err != nil || len(rows) == 0 {
		return nil
	}
	return rows[0].ParentID
}

// applyLocalLocked resolves, stamps, and applies a single local intent. It
// must only be called from within the serial queue.
func (e *Engine) applyLocalLocked(ctx context.Context, intent rowIntent) (WriteResult, error) {
	results, err := e.applyLocalBatchLocked(ctx, []rowIntent{intent})
	if err != nil || len(results) == 0 {
		return WriteResult{}, err
	}
	return results[0], nil
}

// applyLocalBatchLocked allocates one HLC batch for len(intents), builds
// the rows, applies them in one ApplyRows call, appends pending entries for
// the writes that won LWW, and emits one deduplicated local invalidation
// event. It must only be called from within the serial queue.
func (e *Engine) applyLocalBatchLocked(ctx context.Context, intents []rowIntent) ([]WriteResult, error) {
	if len(intents) == 0 {
		return nil, nil
	}

	clocks, err := e.clock.NextBatch(len(intents), 0)
	if err != nil {
		return nil, fmt.Errorf("allocate hlc batch: %w", err)
	}

	rows := make([]rowstore.Row, len(intents))
	for i, intent := range intents {
		row := rowstore.Row{
			Namespace:     e.namespace,
			CollectionID:  intent.collectionID,
			ID:            intent.id,
			ParentID:      intent.parentID,
			Data:          intent.data,
			Tombstone:     intent.tombstone,
			TxID:          intent.txID,
			SchemaVersion: intent.schemaVersion,
		}
		rows[i] = row.WithClock(clocks[i])
	}

	outcomes, err := e.adapter.ApplyRows(ctx, rows)
	if err != nil {
		return nil, err
	}

	results := make([]WriteResult, len(outcomes))
	var pendingOps []rowstore.PendingOp
	hints := make([]InvalidationHint, 0, len(outcomes))
	for i, outcome := range outcomes {
		results[i] = rowToWriteResult(rows[i], outcome)
		if !outcome.Written {
			continue
		}
		opType := rowstore.PendingPut
		if outcome.Tombstone {
			opType = rowstore.PendingDelete
		}
		pendingOps = append(pendingOps, rowstore.PendingOp{
			Sequence:       e.nextPendingSequence(),
			Type:           opType,
			Namespace:      outcome.Namespace,
			CollectionID:   outcome.CollectionID,
			ID:             outcome.ID,
			ParentID:       outcome.ParentID,
			Data:           rows[i].Data,
			TxID:           rows[i].TxID,
			SchemaVersion:  rows[i].SchemaVersion,
			HLCTimestampMs: outcome.Clock.WallMs,
			HLCCounter:     outcome.Clock.Counter,
			HLCDeviceID:    outcome.Clock.DeviceID,
		})
		hints = append(hints, InvalidationHint{
			CollectionID: outcome.CollectionID,
			ID:           outcome.ID,
			ParentID:     outcome.ParentID,
		})
	}

	if len(pendingOps) > 0 {
		if err := e.adapter.AppendPending(ctx, pendingOps); err != nil {
			return nil, fmt.Errorf("append pending: %w", err)
		}
	}

	if len(hints) > 0 {
		e.notify(ChangeEvent{Source: SourceLocal, InvalidationHints: dedupeHints(hints)})
	}

	return results, nil
}
