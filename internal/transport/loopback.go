package transport

import (
	"context"
	"sync"

	"github.com/rowsync/engine/internal/engine"
	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
)

// LoopbackTransport is an in-memory transport wired directly to a second
// engine/adapter pair in the same process, useful for exercising the sync
// loop without a network. Push commits pushed operations into a CommitLog
// and forwards them into the paired engine via ApplyRemote; Pull serves
// pages from that log. Asynchronous server-push events are not derived
// automatically; tests call EmitServerChanges/EmitNeedsAuth to simulate
// them, since a loopback double should not have to re-derive "another
// device changed something" from its own engine's invalidation hints.
type LoopbackTransport struct {
	remote *engine.Engine
	log    CommitLog

	mu             sync.Mutex
	nextListenerID int
	listeners      map[int]func(TransportEvent)
}

// NewLoopbackTransport binds a LoopbackTransport to remote.
func NewLoopbackTransport(remote *engine.Engine) *LoopbackTransport {
	return &LoopbackTransport{
		remote:    remote,
		listeners: map[int]func(TransportEvent){},
	}
}

func (t *LoopbackTransport) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	if len(req.Operations) == 0 {
		return PushResponse{}, nil
	}

	rows := make([]rowstore.Row, len(req.Operations))
	for i, op := range req.Operations {
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
	committed := t.log.Commit(rows)
	ack := req.Operations[len(req.Operations)-1].Sequence

	if _, err := t.remote.ApplyRemote(ctx, committed); err != nil {
		return PushResponse{}, err
	}
	return PushResponse{AcknowledgedThroughSequence: &ack}, nil
}

func (t *LoopbackTransport) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	return t.log.Pull(req), nil
}

func (t *LoopbackTransport) OnEvent(listener func(TransportEvent)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = listener
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// EmitServerChanges simulates an asynchronous server push of committed
// changes, e.g. from another device, without a push/pull cycle.
func (t *LoopbackTransport) EmitServerChanges(changes []rowstore.Row) {
	t.emit(TransportEvent{Kind: EventServerChanges, Changes: changes})
}

// EmitNeedsAuth simulates the server revoking the current session.
func (t *LoopbackTransport) EmitNeedsAuth() {
	t.emit(TransportEvent{Kind: EventNeedsAuth})
}

func (t *LoopbackTransport) emit(event TransportEvent) {
	t.mu.Lock()
	listeners := make([]func(TransportEvent), 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}
