package connection

import (
	"fmt"
	"sync"
)

// ManagerOptions configures a Manager beyond its required driver.
type ManagerOptions struct {
	// ErrorSink receives errors the manager cannot return to a caller,
	// chiefly a recovered listener panic. Defaults to a no-op.
	ErrorSink func(error)
}

// Manager holds the latest connection state reported by one Driver and
// forwards transitions to its own subscribers, deduplicating transitions
// that don't actually change the state.
type Manager struct {
	mu       sync.Mutex
	state    ConnectionState
	hasState bool
	registry listenerRegistry

	errorSink         func(error)
	unsubscribeDriver func()
}

// NewManager binds a Manager to driver. The driver's required synchronous
// initial push means State() is valid as soon as NewManager returns.
func NewManager(driver Driver, opts ManagerOptions) (*Manager, error) {
	if driver == nil {
		return nil, fmt.Errorf("connection: driver is required")
	}
	m := &Manager{
		registry:  newListenerRegistry(),
		errorSink: resolveErrorSink(opts.ErrorSink),
	}
	m.unsubscribeDriver = driver.Subscribe(m.handleDriverState)
	return m, nil
}

func (m *Manager) handleDriverState(state ConnectionState) {
	if !state.valid() {
		m.errorSink(fmt.Errorf("%w: %q", errInvalidState, state))
		return
	}

	m.mu.Lock()
	changed := !m.hasState || m.state != state
	m.state = state
	m.hasState = true
	m.mu.Unlock()

	if changed {
		m.notify(state)
	}
}

// State returns the most recently observed connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers listener and immediately pushes the current state to
// it, mirroring the Driver contract's own push-on-subscribe guarantee.
// Thereafter listener is invoked once per actual state change.
func (m *Manager) Subscribe(listener func(ConnectionState)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.registry.add(listener)
	state := m.state
	hasState := m.hasState
	m.mu.Unlock()

	if hasState {
		invokeRecovered(listener, state, m.errorSink)
	}

	return func() {
		m.mu.Lock()
		m.registry.remove(id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(state ConnectionState) {
	m.mu.Lock()
	listeners := m.registry.snapshot()
	m.mu.Unlock()

	for _, listener := range listeners {
		invokeRecovered(listener, state, m.errorSink)
	}
}

// Close unsubscribes from the underlying driver.
func (m *Manager) Close() {
	if m.unsubscribeDriver != nil {
		m.unsubscribeDriver()
	}
}
