package connection

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FSNotifyDriver is a development/simulation convenience, not a
// production driver: it watches a single local marker file and flips the
// reported state between StateOffline (file present) and StateConnected
// (file absent), letting a developer simulate connectivity loss without
// touching the network stack.
type FSNotifyDriver struct {
	mu       sync.Mutex
	state    ConnectionState
	registry listenerRegistry

	path    string
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewFSNotifyDriver watches path's parent directory for changes to path.
func NewFSNotifyDriver(path string) (*FSNotifyDriver, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	d := &FSNotifyDriver{
		registry: newListenerRegistry(),
		path:     path,
		watcher:  watcher,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	d.state = d.stateFromDisk()
	go d.run()
	return d, nil
}

func (d *FSNotifyDriver) stateFromDisk() ConnectionState {
	if _, err := os.Stat(d.path); err == nil {
		return StateOffline
	}
	return StateConnected
}

func (d *FSNotifyDriver) Subscribe(listener func(ConnectionState)) (unsubscribe func()) {
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

func (d *FSNotifyDriver) run() {
	defer close(d.stopped)
	target := filepath.Clean(d.path)
	for {
		select {
		case <-d.stop:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			d.setState(d.stateFromDisk())
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are not fatal to the simulation; the next
			// successful event still reflects the true file state.
		}
	}
}

func (d *FSNotifyDriver) setState(state ConnectionState) {
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

// Close stops the watcher and its background loop.
func (d *FSNotifyDriver) Close() error {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	err := d.watcher.Close()
	<-d.stopped
	return err
}
