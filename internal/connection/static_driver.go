package connection

import "sync"

// StaticDriver is a connection state held in memory and set directly by
// the test, with no background activity of its own.
type StaticDriver struct {
	mu       sync.Mutex
	state    ConnectionState
	registry listenerRegistry
}

// NewStaticDriver starts the driver in initial.
func NewStaticDriver(initial ConnectionState) *StaticDriver {
	if !initial.valid() {
		initial = StateOffline
	}
	return &StaticDriver{
		state:    initial,
		registry: newListenerRegistry(),
	}
}

func (d *StaticDriver) Subscribe(listener func(ConnectionState)) (unsubscribe func()) {
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

// SetState updates the driver's state and, if it actually changed, notifies
// every subscriber synchronously.
func (d *StaticDriver) SetState(state ConnectionState) {
	if !state.valid() {
		return
	}
	d.mu.Lock()
	if d.state == state {
		d.mu.Unlock()
		return
	}
	d.state = state
	listeners := d.registry.snapshot()
	d.mu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}
}
