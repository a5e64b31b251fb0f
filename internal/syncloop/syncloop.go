// Package syncloop drives correct, non-overlapping push/pull cycles
// between a storage engine and a transport whenever the connection
// manager reports the connection state as connected.
package syncloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rowsync/engine/internal/connection"
	"github.com/rowsync/engine/internal/engine"
	"github.com/rowsync/engine/internal/rowstore"
	"github.com/rowsync/engine/internal/transport"
)

// ErrAuthRequired is reported via OnError when the transport announces a
// needsAuth event; the loop does not retry on its own until the
// connection manager reports a new state.
var ErrAuthRequired = errors.New("syncloop: authentication required")

// Logger is the narrow logging interface a Loop accepts, satisfied by
// *log.Logger among others.
type Logger interface {
	Printf(format string, args ...any)
}

// Options configures a Loop. CursorKey is required; the numeric fields
// fall back to sane defaults when zero.
type Options struct {
	Namespace     string
	CursorKey     string
	IntervalMs    int
	PushBatchSize int
	PullLimit     int

	// OnError receives errors a phase cannot return to any caller:
	// transport/storage failures inside a cycle, a malformed stored
	// cursor, and ErrAuthRequired. Defaults to a no-op.
	OnError func(error)

	// Logger receives cycle start/stop and push/pull outcome messages.
	// Nil disables logging.
	Logger Logger
}

const (
	defaultIntervalMs    = 5000
	defaultPushBatchSize = 100
	defaultPullLimit     = 100
)

// Loop is the sync loop: one serial queue owns both scheduled push/pull
// cycles and applies of asynchronously pushed server changes, so the two
// classes of work never interleave.
type Loop struct {
	engine    *engine.Engine
	transport transport.Transport
	connMgr   *connection.Manager

	namespace     string
	cursorKey     string
	intervalMs    int
	pushBatchSize int
	pullLimit     int
	onError       func(error)
	logger        Logger
	cursorSchema  *cursorValidator

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                   sync.Mutex
	started              bool
	connected            bool
	timer                *time.Timer
	cycleQueued          bool
	unsubscribeConn      func()
	unsubscribeTransport func()
}

// New binds a Loop to eng, tr, and connMgr. Start must be called to begin
// driving cycles.
func New(eng *engine.Engine, tr transport.Transport, connMgr *connection.Manager, opts Options) (*Loop, error) {
	if eng == nil {
		return nil, fmt.Errorf("syncloop: engine is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("syncloop: transport is required")
	}
	if connMgr == nil {
		return nil, fmt.Errorf("syncloop: connection manager is required")
	}
	if opts.CursorKey == "" {
		return nil, fmt.Errorf("syncloop: CursorKey is required")
	}

	intervalMs := opts.IntervalMs
	if intervalMs <= 0 {
		intervalMs = defaultIntervalMs
	}
	pushBatchSize := opts.PushBatchSize
	if pushBatchSize <= 0 {
		pushBatchSize = defaultPushBatchSize
	}
	pullLimit := opts.PullLimit
	if pullLimit <= 0 {
		pullLimit = defaultPullLimit
	}

	validator, err := newCursorValidator()
	if err != nil {
		return nil, err
	}

	onError := opts.OnError
	if onError == nil {
		onError = func(error) {}
	}

	return &Loop{
		engine:        eng,
		transport:     tr,
		connMgr:       connMgr,
		namespace:     opts.Namespace,
		cursorKey:     opts.CursorKey,
		intervalMs:    intervalMs,
		pushBatchSize: pushBatchSize,
		pullLimit:     pullLimit,
		onError:       onError,
		logger:        opts.Logger,
		cursorSchema:  validator,
		tasks:         make(chan func(), 16),
	}, nil
}

func (l *Loop) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// Start subscribes to the connection manager and the transport's event
// stream. If the connection is already reported as connected, it enqueues
// an immediate cycle.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("syncloop: already started")
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.worker()

	unsubConn := l.connMgr.Subscribe(l.handleConnectionState)
	unsubTransport := l.transport.OnEvent(l.handleTransportEvent)

	l.mu.Lock()
	l.unsubscribeConn = unsubConn
	l.unsubscribeTransport = unsubTransport
	l.mu.Unlock()

	return nil
}

// Stop clears any pending timer, unsubscribes from both the connection
// manager and the transport, and blocks until any in-flight and already
// queued work on the serial queue has drained. Further Start calls after
// Stop begin a fresh run.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.stopTimerLocked()
	unsubConn := l.unsubscribeConn
	unsubTransport := l.unsubscribeTransport
	l.unsubscribeConn = nil
	l.unsubscribeTransport = nil
	l.mu.Unlock()

	if unsubConn != nil {
		unsubConn()
	}
	if unsubTransport != nil {
		unsubTransport()
	}

	l.cancel()
	l.wg.Wait()
}

func (l *Loop) worker() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.ctx.Done():
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) enqueue(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.ctx.Done():
	}
}

func (l *Loop) handleConnectionState(state connection.ConnectionState) {
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = state == connection.StateConnected
	switch {
	case l.connected && !wasConnected:
		l.stopTimerLocked()
		l.enqueueCycleLocked()
	case !l.connected && wasConnected:
		l.stopTimerLocked()
	}
	l.mu.Unlock()
}

func (l *Loop) handleTransportEvent(event transport.TransportEvent) {
	switch event.Kind {
	case transport.EventServerChanges:
		changes := event.Changes
		l.enqueue(func() {
			if _, err := l.engine.ApplyRemote(l.ctx, changes); err != nil {
				l.onError(err)
			}
		})
	case transport.EventNeedsAuth:
		l.mu.Lock()
		l.connected = false
		l.stopTimerLocked()
		l.mu.Unlock()
		l.onError(ErrAuthRequired)
	}
}

func (l *Loop) enqueueCycleLocked() {
	if l.cycleQueued {
		return
	}
	l.cycleQueued = true
	l.enqueue(l.runCycle)
}

func (l *Loop) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Loop) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && l.connected
}

// runCycle executes one push-then-pull cycle and always schedules the
// next one afterward, including when a phase fails; transient failures
// back off at the configured interval rather than retrying immediately.
func (l *Loop) runCycle() {
	l.mu.Lock()
	l.cycleQueued = false
	l.mu.Unlock()

	defer l.scheduleNextCycle()

	if !l.isConnected() {
		return
	}
	ctx := l.ctx

	l.logf("sync cycle starting")
	if err := l.runPushPhase(ctx); err != nil {
		l.logf("sync cycle stopped: push failed: %v", err)
		l.onError(err)
		return
	}
	if !l.isConnected() {
		return
	}
	if err := l.runPullPhase(ctx); err != nil {
		l.logf("sync cycle stopped: pull failed: %v", err)
		l.onError(err)
		return
	}
	l.logf("sync cycle done")
}

func (l *Loop) scheduleNextCycle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.stopTimerLocked()
	l.timer = time.AfterFunc(time.Duration(l.intervalMs)*time.Millisecond, func() {
		l.mu.Lock()
		shouldRun := l.started && l.connected
		if shouldRun {
			l.enqueueCycleLocked()
		}
		l.mu.Unlock()
	})
}

func (l *Loop) runPushPhase(ctx context.Context) error {
	var lastFirst uint64
	hasLastFirst := false
	for {
		if !l.isConnected() {
			return nil
		}

		pending, err := l.engine.GetPending(ctx, l.pushBatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		firstSeq := pending[0].Sequence
		if hasLastFirst && firstSeq <= lastFirst {
			return nil
		}
		lastFirst = firstSeq
		hasLastFirst = true

		resp, err := l.transport.Push(ctx, transport.PushRequest{Namespace: l.namespace, Operations: pending})
		if err != nil {
			return err
		}
		if resp.AcknowledgedThroughSequence == nil || *resp.AcknowledgedThroughSequence < firstSeq {
			l.logf("push: %d operations sent, no new acknowledgement", len(pending))
			return nil
		}
		if err := l.engine.RemovePendingThrough(ctx, *resp.AcknowledgedThroughSequence); err != nil {
			return err
		}
		l.logf("push: %d operations acknowledged through sequence %d", len(pending), *resp.AcknowledgedThroughSequence)
	}
}

func (l *Loop) runPullPhase(ctx context.Context) error {
	cursor, err := l.loadCursor(ctx)
	if err != nil {
		return err
	}

	for {
		if !l.isConnected() {
			return nil
		}

		resp, err := l.transport.Pull(ctx, transport.PullRequest{Namespace: l.namespace, Cursor: cursor, Limit: l.pullLimit})
		if err != nil {
			return err
		}
		if len(resp.Changes) > 0 {
			if _, err := l.engine.ApplyRemote(ctx, resp.Changes); err != nil {
				return err
			}
			l.logf("pull: applied %d changes", len(resp.Changes))
		}

		advanced := false
		if resp.NextCursor != nil && (cursor == nil || resp.NextCursor.Compare(*cursor) != 0) {
			if err := l.storeCursor(ctx, *resp.NextCursor); err != nil {
				return err
			}
			cursor = resp.NextCursor
			advanced = true
		}

		if !resp.HasMore || !advanced {
			return nil
		}
	}
}

func (l *Loop) loadCursor(ctx context.Context) (*rowstore.Cursor, error) {
	raw, ok, err := l.engine.GetKV(ctx, l.cursorKey)
	if err != nil || !ok {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		l.onError(fmt.Errorf("syncloop: stored cursor is not valid JSON: %w", err))
		return nil, nil
	}
	if err := l.cursorSchema.Validate(instance); err != nil {
		l.onError(fmt.Errorf("syncloop: stored cursor failed shape check: %w", err))
		return nil, nil
	}

	var cursor rowstore.Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		l.onError(fmt.Errorf("syncloop: stored cursor failed to decode: %w", err))
		return nil, nil
	}
	return &cursor, nil
}

func (l *Loop) storeCursor(ctx context.Context, cursor rowstore.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return l.engine.PutKV(ctx, l.cursorKey, data)
}
