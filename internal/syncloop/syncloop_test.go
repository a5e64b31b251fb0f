package syncloop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rowsync/engine/internal/connection"
	"github.com/rowsync/engine/internal/engine"
	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
	"github.com/rowsync/engine/internal/transport"
)

func newTestEngine(t *testing.T, deviceID string, nowMs int64) *engine.Engine {
	t.Helper()
	clock, err := hlc.NewService(deviceID, func() int64 { return nowMs }, nil)
	if err != nil {
		t.Fatalf("hlc.NewService: %v", err)
	}
	adapter := rowstore.NewInMemoryAdapter("ns")
	e, err := engine.NewEngine(context.Background(), "ns", adapter, clock, engine.EngineOptions{})
	if err != nil {
		t.Fatalf("engine.NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// fakeTransport is a hand-wired test double, not LoopbackTransport, because
// these tests need to script exact Push/Pull responses per call and count
// concurrent Pull invocations.
type fakeTransport struct {
	mu        sync.Mutex
	pushCalls int
	pushFunc  func(req transport.PushRequest) (transport.PushResponse, error)
	pullFunc  func(req transport.PullRequest) (transport.PullResponse, error)
	pullSleep time.Duration

	listeners map[int]func(transport.TransportEvent)
	nextID    int

	activePulls   int32
	maxConcurrent int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: map[int]func(transport.TransportEvent){}}
}

func (f *fakeTransport) Push(ctx context.Context, req transport.PushRequest) (transport.PushResponse, error) {
	f.mu.Lock()
	f.pushCalls++
	fn := f.pushFunc
	f.mu.Unlock()
	if fn == nil {
		return transport.PushResponse{}, nil
	}
	return fn(req)
}

func (f *fakeTransport) Pull(ctx context.Context, req transport.PullRequest) (transport.PullResponse, error) {
	cur := atomic.AddInt32(&f.activePulls, 1)
	defer atomic.AddInt32(&f.activePulls, -1)
	for {
		old := atomic.LoadInt32(&f.maxConcurrent)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxConcurrent, old, cur) {
			break
		}
	}

	if f.pullSleep > 0 {
		time.Sleep(f.pullSleep)
	}

	f.mu.Lock()
	fn := f.pullFunc
	f.mu.Unlock()
	if fn == nil {
		return transport.PullResponse{}, nil
	}
	return fn(req)
}

func (f *fakeTransport) OnEvent(listener func(transport.TransportEvent)) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = listener
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) emit(event transport.TransportEvent) {
	f.mu.Lock()
	ls := make([]func(transport.TransportEvent), 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(event)
	}
}

func newConnectedManager(t *testing.T) (*connection.Manager, *connection.StaticDriver) {
	t.Helper()
	driver := connection.NewStaticDriver(connection.StateOffline)
	mgr, err := connection.NewManager(driver, connection.ManagerOptions{})
	if err != nil {
		t.Fatalf("connection.NewManager: %v", err)
	}
	return mgr, driver
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSyncCycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "deviceA", 1000)

	if _, err := eng.Put(ctx, "books", "p1", json.RawMessage(`{}`), engine.PutOptions{}); err != nil {
		t.Fatalf("Put p1: %v", err)
	}
	if _, err := eng.Put(ctx, "books", "p2", json.RawMessage(`{}`), engine.PutOptions{}); err != nil {
		t.Fatalf("Put p2: %v", err)
	}

	r1 := rowstore.Row{Namespace: "ns", CollectionID: "books", ID: "r1", Data: json.RawMessage(`{}`), HLCTimestampMs: 5000, HLCDeviceID: "server"}
	r2 := rowstore.Row{Namespace: "ns", CollectionID: "books", ID: "r2", Data: json.RawMessage(`{}`), HLCTimestampMs: 5001, HLCDeviceID: "server"}
	c1 := rowstore.Cursor{CommittedTimestampMs: 1, CollectionID: "books", ID: "r1"}
	c2 := rowstore.Cursor{CommittedTimestampMs: 2, CollectionID: "books", ID: "r2"}

	ft := newFakeTransport()
	ft.pushFunc = func(req transport.PushRequest) (transport.PushResponse, error) {
		ack := req.Operations[len(req.Operations)-1].Sequence
		return transport.PushResponse{AcknowledgedThroughSequence: &ack}, nil
	}
	pullCalls := 0
	ft.pullFunc = func(req transport.PullRequest) (transport.PullResponse, error) {
		pullCalls++
		switch pullCalls {
		case 1:
			return transport.PullResponse{Changes: []rowstore.Row{r1}, NextCursor: &c1, HasMore: true}, nil
		default:
			return transport.PullResponse{Changes: []rowstore.Row{r2}, NextCursor: &c2, HasMore: false}, nil
		}
	}

	connMgr, driver := newConnectedManager(t)
	loop, err := New(eng, ft, connMgr, Options{Namespace: "ns", CursorKey: "sync.cursor.v1", IntervalMs: 5000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(loop.Stop)

	driver.SetState(connection.StateConnected)

	waitUntil(t, 2*time.Second, func() bool {
		row, err := eng.Get(ctx, "books", "r2")
		return err == nil && row != nil
	})

	pending, err := eng.GetPending(ctx, 0)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected pending drained, got %+v err=%v", pending, err)
	}

	raw, ok, err := eng.GetKV(ctx, "sync.cursor.v1")
	if err != nil || !ok {
		t.Fatalf("GetKV cursor: ok=%v err=%v", ok, err)
	}
	var storedCursor rowstore.Cursor
	if err := json.Unmarshal(raw, &storedCursor); err != nil {
		t.Fatalf("unmarshal cursor: %v", err)
	}
	if storedCursor.Compare(c2) != 0 {
		t.Fatalf("expected cursor %+v, got %+v", c2, storedCursor)
	}
}

func TestSyncLoopNeedsAuthReportsErrorWithoutCrashing(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "deviceA", 1000)
	ft := newFakeTransport()
	connMgr, driver := newConnectedManager(t)

	var mu sync.Mutex
	var errs []error
	loop, err := New(eng, ft, connMgr, Options{
		Namespace:  "ns",
		CursorKey:  "sync.cursor.v1",
		IntervalMs: 5000,
		OnError: func(e error) {
			mu.Lock()
			errs = append(errs, e)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(loop.Stop)

	driver.SetState(connection.StateConnected)
	ft.emit(transport.TransportEvent{Kind: transport.EventNeedsAuth})

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range errs {
			if e == ErrAuthRequired {
				return true
			}
		}
		return false
	})
}

func TestSyncLoopAntiSpinStopsAfterOnePushWithNoAck(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "deviceA", 1000)
	if _, err := eng.Put(ctx, "books", "p1", json.RawMessage(`{}`), engine.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ft := newFakeTransport()
	ft.pushFunc = func(req transport.PushRequest) (transport.PushResponse, error) {
		return transport.PushResponse{}, nil // no ack, ever
	}
	ft.pullFunc = func(req transport.PullRequest) (transport.PullResponse, error) {
		return transport.PullResponse{HasMore: false}, nil
	}

	connMgr, driver := newConnectedManager(t)
	loop, err := New(eng, ft, connMgr, Options{Namespace: "ns", CursorKey: "sync.cursor.v1", IntervalMs: 5000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(loop.Stop)

	driver.SetState(connection.StateConnected)

	time.Sleep(100 * time.Millisecond)

	ft.mu.Lock()
	calls := ft.pushCalls
	ft.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 push call, got %d", calls)
	}

	pending, err := eng.GetPending(ctx, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending entry untouched, got %+v err=%v", pending, err)
	}
}

func TestSyncLoopPullsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, "deviceA", 1000)

	ft := newFakeTransport()
	ft.pullSleep = 30 * time.Millisecond
	ft.pullFunc = func(req transport.PullRequest) (transport.PullResponse, error) {
		return transport.PullResponse{HasMore: false}, nil
	}

	connMgr, driver := newConnectedManager(t)
	loop, err := New(eng, ft, connMgr, Options{Namespace: "ns", CursorKey: "sync.cursor.v1", IntervalMs: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	driver.SetState(connection.StateConnected)
	time.Sleep(150 * time.Millisecond)
	loop.Stop()

	if max := atomic.LoadInt32(&ft.maxConcurrent); max > 1 {
		t.Fatalf("expected at most 1 concurrent pull, observed %d", max)
	}
}
