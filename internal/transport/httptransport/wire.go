// Package httptransport is the reference HTTP+WebSocket binding of the
// transport contract: a client that calls a remote syncd over plain JSON
// HTTP with a WebSocket event stream, and the server-side handlers syncd
// itself uses to serve that wire shape.
package httptransport

import (
	"encoding/json"
	"fmt"

	"github.com/rowsync/engine/internal/rowstore"
	"github.com/rowsync/engine/internal/transport"
)

// Row JSON canonical field names are bit-identical across push, pull, and
// server events; rowstore.Row/PendingOp/Cursor already carry those tags,
// so the wire wrappers below only add the envelope fields unique to each
// endpoint.

type pushRequestWire struct {
	Operations []rowstore.PendingOp `json:"operations"`
	Namespace  string               `json:"namespace,omitempty"`
}

type pushResponseWire struct {
	AcknowledgedThroughSequence *uint64 `json:"acknowledgedThroughSequence,omitempty"`
}

type pullResponseWire struct {
	Changes    []rowstore.Row   `json:"changes"`
	NextCursor *rowstore.Cursor `json:"nextCursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

type wsEventWire struct {
	Type    string         `json:"type"`
	Changes []rowstore.Row `json:"changes,omitempty"`
}

func encodeWSEvent(event transport.TransportEvent) ([]byte, error) {
	return json.Marshal(wsEventWire{Type: string(event.Kind), Changes: event.Changes})
}

func decodeWSEvent(data []byte) (transport.TransportEvent, error) {
	var wire wsEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return transport.TransportEvent{}, err
	}
	switch wire.Type {
	case string(transport.EventServerChanges):
		return transport.TransportEvent{Kind: transport.EventServerChanges, Changes: wire.Changes}, nil
	case string(transport.EventNeedsAuth):
		return transport.TransportEvent{Kind: transport.EventNeedsAuth}, nil
	default:
		return transport.TransportEvent{}, fmt.Errorf("httptransport: unknown event type %q", wire.Type)
	}
}
