package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

var errInjected = errors.New("injected failure")

// mockDevice is a hal.Device backed by a plain byte slice that records
// every call made on it.
type mockDevice struct {
	addr string
	id   hal.Identity
	res  hal.Resource
	irq  int
	mem  []byte

	failEnable  bool
	failRequest bool
	failMap     bool
	shortMap    bool

	mu       sync.Mutex
	calls    []string
	enabled  int
	claimed  bool
	mappings int
}

func newMockDevice(addr string, size uint64) *mockDevice {
	return &mockDevice{
		addr: addr,
		id:   hal.Identity{Vendor: DefaultVendorID, Device: DefaultDeviceID},
		res:  hal.Resource{Start: 0xfe000000, Length: size, Flags: hal.ResourceMem},
		irq:  11,
		mem:  make([]byte, size),
	}
}

func (m *mockDevice) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockDevice) Address() string        { return m.addr }
func (m *mockDevice) Identity() hal.Identity { return m.id }
func (m *mockDevice) IRQ() int               { return m.irq }

func (m *mockDevice) Resource(bar int) (hal.Resource, error) {
	if bar != 0 {
		return hal.Resource{}, nil
	}
	return m.res, nil
}

func (m *mockDevice) Enable() error {
	m.record("enable")
	if m.failEnable {
		return errInjected
	}
	m.mu.Lock()
	m.enabled++
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) Disable() error {
	m.record("disable")
	m.mu.Lock()
	m.enabled--
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) RequestRegion(bar int, name string) error {
	m.record("request")
	if m.failRequest {
		return errInjected
	}
	m.mu.Lock()
	m.claimed = true
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) ReleaseRegion(bar int) error {
	m.record("release")
	m.mu.Lock()
	m.claimed = false
	m.mu.Unlock()
	return nil
}

func (m *mockDevice) MapRegion(bar int, length uint64) ([]byte, error) {
	m.record("map")
	if m.failMap {
		return nil, errInjected
	}
	if m.shortMap {
		length /= 2
	}
	m.mu.Lock()
	m.mappings++
	m.mu.Unlock()
	return m.mem[:length:length], nil
}

func (m *mockDevice) UnmapRegion(mem []byte) error {
	m.record("unmap")
	m.mu.Lock()
	m.mappings--
	m.mu.Unlock()
	return nil
}

// idle reports whether every acquire has been matched by a release.
func (m *mockDevice) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled == 0 && !m.claimed && m.mappings == 0
}

func (m *mockDevice) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// faultyChardevs wraps a registry and fails steps 4 or 5 on request.
type faultyChardevs struct {
	*chrdev.Registry
	failAlloc bool
	failAdd   bool
}

func (f *faultyChardevs) AllocRegion(name string, count int) (chrdev.Number, error) {
	if f.failAlloc {
		return chrdev.Number{}, pkg.ErrNumberAllocation
	}
	return f.Registry.AllocRegion(name, count)
}

func (f *faultyChardevs) Add(num chrdev.Number, name string, ops chrdev.Operations) error {
	if f.failAdd {
		return pkg.ErrRegistration
	}
	return f.Registry.Add(num, name, ops)
}

// recorder is an Observer logging "+step" on acquire and "-step" on release.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) OnAcquire(address string, step Step) {
	r.mu.Lock()
	r.events = append(r.events, "+"+step.String())
	r.mu.Unlock()
}

func (r *recorder) OnRelease(address string, step Step) {
	r.mu.Lock()
	r.events = append(r.events, "-"+step.String())
	r.mu.Unlock()
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// newTestDriver returns a default driver with a recording observer.
func newTestDriver(t *testing.T, chardevs CharDevices) (*Driver, *recorder) {
	t.Helper()
	if chardevs == nil {
		chardevs = chrdev.NewRegistry()
	}
	drv := New(DefaultConfig(), chardevs)
	rec := &recorder{}
	drv.Resources().SetObserver(rec)
	return drv, rec
}

// probeMock binds a fresh mock device with a region of size bytes.
func probeMock(t *testing.T, size uint64) (*Driver, *DeviceContext, *mockDevice) {
	t.Helper()
	drv, _ := newTestDriver(t, nil)
	dev := newMockDevice("0000:00:04.0", size)
	if err := drv.Probe(dev); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	dc, ok := drv.Lookup(dev.addr)
	if !ok {
		t.Fatal("Lookup() found no bound device after Probe")
	}
	return drv, dc, dev
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
