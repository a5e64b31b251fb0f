package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/rowsync/engine/internal/engine"
	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
	"github.com/rowsync/engine/internal/transport"
	"nhooyr.io/websocket"
)

type ServerOptions struct {
	// MaxBodyBytes bounds request bodies; defaults to 1MiB.
	MaxBodyBytes int64

	// Logger receives push/pull outcome messages. Nil disables logging.
	Logger Logger
}

// Server serves the HTTP+WebSocket endpoints against a single engine,
// committing pushed rows through a shared CommitLog so /sync/pull pages
// exactly what /sync/push has accepted.
type Server struct {
	engine       *engine.Engine
	validator    *Validator
	log          transport.CommitLog
	maxBodyBytes int64
	logger       Logger
	hub          *wsHub
}

func NewServer(eng *engine.Engine, opts ServerOptions) (*Server, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Server{
		engine:       eng,
		validator:    validator,
		maxBodyBytes: maxBodyBytes,
		logger:       opts.Logger,
		hub:          newWSHub(),
	}, nil
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/sync/pull" && r.Method == http.MethodGet:
		s.handlePull(w, r)
	case r.URL.Path == "/sync/push" && r.Method == http.MethodPost:
		s.handlePush(w, r)
	case r.URL.Path == "/sync/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parsePositiveInt(q.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
		return
	}

	req := transport.PullRequest{
		Namespace:    q.Get("namespace"),
		CollectionID: q.Get("collectionId"),
		Limit:        limit,
	}
	if parentID := q.Get("parentId"); parentID != "" {
		req.ParentID = &parentID
	}

	cursorTsRaw, cursorColl, cursorID := q.Get("cursorCommittedTimestampMs"), q.Get("cursorCollectionId"), q.Get("cursorId")
	if cursorTsRaw != "" || cursorColl != "" || cursorID != "" {
		if cursorTsRaw == "" || cursorColl == "" || cursorID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "cursor components must all be present together")
			return
		}
		ts, err := strconv.ParseInt(cursorTsRaw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "cursorCommittedTimestampMs must be an integer")
			return
		}
		req.Cursor = &rowstore.Cursor{CommittedTimestampMs: ts, CollectionID: cursorColl, ID: cursorID}
	}

	resp := s.log.Pull(req)
	s.logf("pull: served %d changes, hasMore=%t", len(resp.Changes), resp.HasMore)
	writeJSON(w, http.StatusOK, pullResponseWire{Changes: resp.Changes, NextCursor: resp.NextCursor, HasMore: resp.HasMore})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body too large or unreadable")
		return
	}

	if err := s.validator.ValidatePushRequest(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "push request does not match the expected shape")
		return
	}
	var wire pushRequestWire
	if err := json.Unmarshal(body, &wire); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON")
		return
	}
	if len(wire.Operations) == 0 {
		writeJSON(w, http.StatusOK, pushResponseWire{})
		return
	}

	rows := make([]rowstore.Row, len(wire.Operations))
	for i, op := range wire.Operations {
		row := rowstore.Row{
			Namespace:     op.Namespace,
			CollectionID:  op.CollectionID,
			ID:            op.ID,
			ParentID:      op.ParentID,
			Data:          op.Data,
			Tombstone:     op.Type == rowstore.PendingDelete,
			TxID:          op.TxID,
			SchemaVersion: op.SchemaVersion,
		}
		rows[i] = row.WithClock(hlc.Clock{WallMs: op.HLCTimestampMs, Counter: op.HLCCounter, DeviceID: op.HLCDeviceID})
	}
	committed := s.log.Commit(rows)

	if _, err := s.engine.ApplyRemote(r.Context(), committed); err != nil {
		s.logf("push: %d operations failed to apply: %v", len(wire.Operations), err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to apply pushed rows")
		return
	}

	s.hub.broadcast(transport.TransportEvent{Kind: transport.EventServerChanges, Changes: committed})

	ack := wire.Operations[len(wire.Operations)-1].Sequence
	s.logf("push: %d operations acknowledged through sequence %d", len(wire.Operations), ack)
	writeJSON(w, http.StatusOK, pushResponseWire{AcknowledgedThroughSequence: &ack})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.hub.serve(r.Context(), conn)
}

// BroadcastServerChanges lets a caller outside the push handler (e.g. a
// replication feed from another node) announce new changes to connected
// clients without going through /sync/push.
func (s *Server) BroadcastServerChanges(changes []rowstore.Row) {
	s.hub.broadcast(transport.TransportEvent{Kind: transport.EventServerChanges, Changes: changes})
}

// BroadcastNeedsAuth tells connected clients their session was revoked.
func (s *Server) BroadcastNeedsAuth() {
	s.hub.broadcast(transport.TransportEvent{Kind: transport.EventNeedsAuth})
}

type wsHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

func newWSHub() *wsHub {
	return &wsHub{conns: map[*websocket.Conn]chan []byte{}}
}

func (h *wsHub) serve(ctx context.Context, conn *websocket.Conn) {
	outbox := make(chan []byte, 16)
	h.mu.Lock()
	h.conns[conn] = outbox
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbox:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (h *wsHub) broadcast(event transport.TransportEvent) {
	data, err := encodeWSEvent(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, outbox := range h.conns {
		select {
		case outbox <- data:
		default: // slow consumer: drop the frame rather than block the broadcaster
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}

func parsePositiveInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("httptransport: invalid positive integer %q", raw)
	}
	return n, nil
}
