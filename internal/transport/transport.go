// Package transport defines the transport adapter contract: how a sync
// loop pushes pending operations and pulls remote changes from whatever
// is acting as the server, plus the asynchronous server-push event
// stream.
package transport

import (
	"context"
	"fmt"

	"github.com/rowsync/engine/internal/rowstore"
)

// PushRequest carries local operations awaiting server acknowledgement.
type PushRequest struct {
	Namespace  string
	Operations []rowstore.PendingOp
}

// PushResponse reports how far the server has acknowledged. A nil
// AcknowledgedThroughSequence means "no acknowledgement, retry later."
type PushResponse struct {
	AcknowledgedThroughSequence *uint64
}

// PullRequest asks for changes after Cursor. Cursor is nil on the very
// first call.
type PullRequest struct {
	Namespace    string
	CollectionID string
	ParentID     *string
	Cursor       *rowstore.Cursor
	Limit        int
}

// PullResponse carries one page of the server's commit-ordered change
// stream.
type PullResponse struct {
	Changes    []rowstore.Row
	NextCursor *rowstore.Cursor
	HasMore    bool
}

// TransportEventKind distinguishes the two asynchronous server pushes.
type TransportEventKind string

const (
	EventServerChanges TransportEventKind = "serverChanges"
	EventNeedsAuth     TransportEventKind = "needsAuth"
)

// TransportEvent is the closed variant of asynchronous server pushes a
// Transport may deliver to OnEvent listeners.
type TransportEvent struct {
	Kind    TransportEventKind
	Changes []rowstore.Row // set only when Kind == EventServerChanges
}

// Transport is the pluggable contract between the sync loop and whatever
// speaks for the server.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
	OnEvent(listener func(TransportEvent)) (unsubscribe func())
}

// TransportError reports a non-2xx response that wasn't an auth failure.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: status %d: %s", e.Status, e.Body)
}

// Unauthorized reports a 401/403 response.
type Unauthorized struct {
	Status int
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("transport error: unauthorized (status %d)", e.Status)
}

// ProtocolError reports a response whose shape didn't match the wire
// contract at Path.
type ProtocolError struct {
	Path     string
	Expected string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at %s: expected %s", e.Path, e.Expected)
}
