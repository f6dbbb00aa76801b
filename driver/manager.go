package driver

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

// Manager registers a driver with a bus: it starts the bus HAL and feeds
// attach events to Probe and detach events to Remove, one at a time and in
// arrival order.
type Manager struct {
	hal    hal.BusHAL
	driver *Driver

	// State
	running bool
	mutex   sync.Mutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Event counters
	probed   int
	failed   int
	removed  int
	countsMu sync.Mutex
}

// NewManager creates a manager connecting d to the bus h.
func NewManager(h hal.BusHAL, d *Driver) *Manager {
	return &Manager{
		hal:    h,
		driver: d,
	}
}

// Driver returns the managed driver.
func (m *Manager) Driver() *Driver {
	return m.driver
}

// Register initializes and starts the bus and begins dispatching events.
func (m *Manager) Register(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return pkg.ErrAlreadyRunning
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.hal.Init(m.ctx); err != nil {
		m.cancel()
		return err
	}
	if err := m.hal.Start(); err != nil {
		m.cancel()
		m.hal.Close()
		return err
	}

	m.running = true

	m.wg.Add(1)
	go m.eventLoop()

	pkg.LogInfo(pkg.ComponentBus, "driver loaded", "driver", m.driver.Name())
	return nil
}

// Unregister stops event dispatch, removes every bound device, and closes
// the bus.
func (m *Manager) Unregister() error {
	m.mutex.Lock()
	if !m.running {
		m.mutex.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mutex.Unlock()

	stopErr := m.hal.Stop()
	m.wg.Wait()

	m.driver.RemoveAll()

	closeErr := m.hal.Close()

	pkg.LogInfo(pkg.ComponentBus, "driver unloaded", "driver", m.driver.Name())
	return errors.Join(stopErr, closeErr)
}

// IsRunning returns true if the manager is registered.
func (m *Manager) IsRunning() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

// Stats returns the number of successful probes, failed probes, and removes
// dispatched so far.
func (m *Manager) Stats() (probed, failed, removed int) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.probed, m.failed, m.removed
}

// eventLoop dispatches bus events until the context is cancelled.
func (m *Manager) eventLoop() {
	defer m.wg.Done()

	for {
		ev, err := m.hal.WaitForEvent(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, pkg.ErrNotRunning) || errors.Is(err, pkg.ErrCancelled) {
				return
			}
			pkg.LogWarn(pkg.ComponentBus, "error waiting for bus event", "error", err)
			continue
		}
		m.dispatch(ev)
	}
}

// dispatch handles one bus event.
func (m *Manager) dispatch(ev hal.Event) {
	switch ev.Kind {
	case hal.EventAttach:
		if ev.Device == nil || !m.driver.Match(ev.Device.Identity()) {
			pkg.LogDebug(pkg.ComponentBus, "ignoring unmatched device", "address", ev.Address)
			return
		}
		err := m.driver.Probe(ev.Device)

		m.countsMu.Lock()
		if err != nil {
			m.failed++
		} else {
			m.probed++
		}
		m.countsMu.Unlock()

	case hal.EventDetach:
		if m.driver.State(ev.Address) != StateBound {
			return
		}
		m.driver.Remove(ev.Address)

		m.countsMu.Lock()
		m.removed++
		m.countsMu.Unlock()

	default:
		pkg.LogWarn(pkg.ComponentBus, "unknown bus event", "kind", ev.Kind.String())
	}
}
