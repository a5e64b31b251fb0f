package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHealthUnauthorized is the sentinel a HealthCheckFunc returns when the
// probe reached the server but was rejected for auth reasons (a 401/403 in
// the HTTP reference transport's own reachability probe), mapping to
// StateNeedsAuth rather than StateOffline.
var ErrHealthUnauthorized = errors.New("connection: health check unauthorized")

// HealthCheckFunc probes reachability. A nil error maps to StateConnected,
// an error satisfying errors.Is(err, ErrHealthUnauthorized) maps to
// StateNeedsAuth, and any other error maps to StateOffline.
type HealthCheckFunc func(ctx context.Context) error

// PollingDriver periodically calls a configurable health check and maps its
// outcome to a connection state.
type PollingDriver struct {
	mu       sync.Mutex
	state    ConnectionState
	hasState bool
	registry listenerRegistry

	check    HealthCheckFunc
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// NewPollingDriver creates a driver that calls check every interval once
// Start is called. interval <= 0 defaults to 15 seconds.
func NewPollingDriver(check HealthCheckFunc, interval time.Duration) *PollingDriver {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PollingDriver{
		state:    StateOffline,
		hasState: true,
		registry: newListenerRegistry(),
		check:    check,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (d *PollingDriver) Subscribe(listener func(ConnectionState)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.registry.add(listener)
	current := d.state
	d.mu.Unlock()

	listener(current)

	return func() {
		d.mu.Lock()
		d.registry.remove(id)
		d.mu.Unlock()
	}
}

// Start launches the background polling loop. Calling it more than once has
// no additional effect.
func (d *PollingDriver) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

// Stop halts the polling loop and waits for it to exit.
func (d *PollingDriver) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	<-d.stopped
}

func (d *PollingDriver) run(ctx context.Context) {
	defer close(d.stopped)

	d.pollOnce(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *PollingDriver) pollOnce(ctx context.Context) {
	err := d.check(ctx)
	var next ConnectionState
	switch {
	case err == nil:
		next = StateConnected
	case errors.Is(err, ErrHealthUnauthorized):
		next = StateNeedsAuth
	default:
		next = StateOffline
	}
	d.setState(next)
}

func (d *PollingDriver) setState(state ConnectionState) {
	d.mu.Lock()
	if d.hasState && d.state == state {
		d.mu.Unlock()
		return
	}
	d.state = state
	d.hasState = true
	listeners := d.registry.snapshot()
	d.mu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}
}
