// Package engine implements the storage engine: the only write path the
// rest of the system uses. It resolves write intents against the
// current row, allocates HLCs in one batch per call, invokes the adapter's
// LWW apply, appends pending entries for the writes that actually won, and
// fans invalidation hints out to subscribers.
package engine

import (
	"encoding/json"

	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
)

// OptionalString distinguishes "caller did not mention this field" from
// "caller explicitly set it to empty", which a bare *string cannot do once
// the empty string is itself a meaningful value (clearing a parent_id).
type OptionalString struct {
	Set   bool
	Value string
}

// Some wraps an explicitly provided value, including "".
func Some(value string) OptionalString {
	return OptionalString{Set: true, Value: value}
}

// PutOptions carries the fields a Put call may override on an existing row.
type PutOptions struct {
	ParentID      OptionalString
	TxID          string
	SchemaVersion *int
}

// AtomicOpType distinguishes the two kinds of operation BatchLocal accepts.
type AtomicOpType string

const (
	AtomicPut    AtomicOpType = "put"
	AtomicDelete AtomicOpType = "delete"
)

// AtomicOp is one entry of an ordered BatchLocal sequence.
type AtomicOp struct {
	Type          AtomicOpType
	CollectionID  string
	ID            string
	Data          json.RawMessage
	ParentID      OptionalString
	TxID          string
	SchemaVersion *int
}

// WriteResult reports the outcome of one local write, mirroring the
// adapter's ApplyOutcome plus whether it actually won LWW.
type WriteResult struct {
	Namespace            string
	CollectionID         string
	ID                   string
	ParentID             *string
	Tombstone            bool
	CommittedTimestampMs int64
	Clock                hlc.Clock
	Applied              bool
}

// ApplyRemoteResult summarizes one ApplyRemote call.
type ApplyRemoteResult struct {
	AppliedCount      int
	InvalidationHints []InvalidationHint
}

// ChangeSource distinguishes locally-originated from remotely-applied rows
// in a ChangeEvent.
type ChangeSource string

const (
	SourceLocal  ChangeSource = "local"
	SourceRemote ChangeSource = "remote"
)

// InvalidationHint tells a cache which query shapes might now be stale.
type InvalidationHint struct {
	CollectionID string
	ID           string
	ParentID     *string
}

// ChangeEvent is delivered to every subscriber after a successful apply.
type ChangeEvent struct {
	Source            ChangeSource
	InvalidationHints []InvalidationHint
}

// ChangeListener observes ChangeEvents. A listener that panics is recovered
// by the engine and reported through its error sink; it never prevents
// other listeners from being invoked.
type ChangeListener func(ChangeEvent)

func rowToWriteResult(row rowstore.Row, outcome rowstore.ApplyOutcome) WriteResult {
	return WriteResult{
		Namespace:            outcome.Namespace,
		CollectionID:         outcome.CollectionID,
		ID:                   outcome.ID,
		ParentID:             outcome.ParentID,
		Tombstone:            outcome.Tombstone,
		CommittedTimestampMs: outcome.CommittedTimestampMs,
		Clock:                outcome.Clock,
		Applied:              outcome.Written,
	}
}

func invalidationHintKey(h InvalidationHint) string {
	parent := ""
	if h.ParentID != nil {
		parent = *h.ParentID
	}
	return h.CollectionID + "\x00" + h.ID + "\x00" + parent
}

func dedupeHints(hints []InvalidationHint) []InvalidationHint {
	seen := make(map[string]struct{}, len(hints))
	out := make([]InvalidationHint, 0, len(hints))
	for _, h := range hints {
		key := invalidationHintKey(h)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}
