// Package rowstore defines the row-storage adapter contract and its
// reference implementations: an in-memory test double, a JSON-file-backed
// durable adapter, and a Postgres-backed durable adapter.
package rowstore

import (
	"context"
	"encoding/json"

	"github.com/rowsync/engine/internal/hlc"
)

// Row is the uniform envelope every namespace/collection shares. Field
// tags match the canonical wire names so the same struct can be
// marshaled directly by the HTTP transport.
type Row struct {
	Namespace            string          `json:"namespace"`
	CollectionID         string          `json:"collectionId"`
	ID                   string          `json:"id"`
	ParentID             *string         `json:"parentId,omitempty"`
	Data                 json.RawMessage `json:"data,omitempty"`
	Tombstone            bool            `json:"tombstone"`
	TxID                 string          `json:"txId,omitempty"`
	SchemaVersion        *int            `json:"schemaVersion,omitempty"`
	CommittedTimestampMs int64           `json:"committedTimestampMs,omitempty"`
	HLCTimestampMs       int64           `json:"hlcTimestampMs"`
	HLCCounter           uint64          `json:"hlcCounter"`
	HLCDeviceID          string          `json:"hlcDeviceId"`
}

// Clock extracts the HLC triple embedded in the row.
func (r Row) Clock() hlc.Clock {
	return hlc.Clock{WallMs: r.HLCTimestampMs, Counter: r.HLCCounter, DeviceID: r.HLCDeviceID}
}

// WithClock returns a copy of r carrying the given HLC triple.
func (r Row) WithClock(c hlc.Clock) Row {
	r.HLCTimestampMs = c.WallMs
	r.HLCCounter = c.Counter
	r.HLCDeviceID = c.DeviceID
	return r
}

// PendingOpType distinguishes the two kinds of queued local mutation.
type PendingOpType string

const (
	PendingPut    PendingOpType = "put"
	PendingDelete PendingOpType = "delete"
)

// PendingOp is a local write awaiting push acknowledgement, carrying a
// strictly monotonic Sequence (I3).
type PendingOp struct {
	Sequence      uint64          `json:"sequence"`
	Type          PendingOpType   `json:"type"`
	Namespace     string          `json:"namespace"`
	CollectionID  string          `json:"collectionId"`
	ID            string          `json:"id"`
	ParentID      *string         `json:"parentId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	TxID          string          `json:"txId,omitempty"`
	SchemaVersion *int            `json:"schemaVersion,omitempty"`
	HLCTimestampMs int64          `json:"hlcTimestampMs"`
	HLCCounter    uint64          `json:"hlcCounter"`
	HLCDeviceID   string          `json:"hlcDeviceId"`
}

// Clock extracts the HLC triple embedded in the pending op.
func (p PendingOp) Clock() hlc.Clock {
	return hlc.Clock{WallMs: p.HLCTimestampMs, Counter: p.HLCCounter, DeviceID: p.HLCDeviceID}
}

// ApplyOutcome reports what ApplyRows did with one incoming row, in input
// order.
type ApplyOutcome struct {
	Written              bool
	Namespace            string
	CollectionID         string
	ID                   string
	ParentID             *string
	Tombstone            bool
	CommittedTimestampMs int64
	Clock                hlc.Clock
}

// Cursor identifies a position in the server's commit-ordered change stream.
type Cursor struct {
	CommittedTimestampMs int64  `json:"committedTimestampMs"`
	CollectionID         string `json:"collectionId"`
	ID                   string `json:"id"`
}

// Compare orders cursors lexicographically by (CommittedTimestampMs,
// CollectionID, ID), the sync cursor's total order.
func (c Cursor) Compare(other Cursor) int {
	if c.CommittedTimestampMs != other.CommittedTimestampMs {
		if c.CommittedTimestampMs < other.CommittedTimestampMs {
			return -1
		}
		return 1
	}
	if c.CollectionID != other.CollectionID {
		if c.CollectionID < other.CollectionID {
			return -1
		}
		return 1
	}
	if c.ID != other.ID {
		if c.ID < other.ID {
			return -1
		}
		return 1
	}
	return 0
}

// QueryFilter selects rows from one adapter instance.
type QueryFilter struct {
	CollectionID      string
	ID                string
	ParentID          *string
	IncludeTombstones bool
}

// StorageAdapter is the pluggable contract a durable or in-memory backend
// must satisfy. One adapter instance is bound to one namespace.
type StorageAdapter interface {
	Query(ctx context.Context, filter QueryFilter) ([]Row, error)
	ApplyRows(ctx context.Context, rows []Row) ([]ApplyOutcome, error)
	AppendPending(ctx context.Context, ops []PendingOp) error
	GetPending(ctx context.Context, limit int) ([]PendingOp, error)
	RemovePendingThrough(ctx context.Context, seqInclusive uint64) error
	PutKV(ctx context.Context, key string, value json.RawMessage) error
	GetKV(ctx context.Context, key string) (json.RawMessage, bool, error)
	DeleteKV(ctx context.Context, key string) error
}
