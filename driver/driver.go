package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

// Default driver identity.
const (
	DefaultName       = "my_pci_driver"
	DefaultRegionName = "my_pci_mem_region"
	DefaultVendorID   = 0x1234
	DefaultDeviceID   = 0x5678
)

// Config configures a Driver.
type Config struct {
	// Name is the driver name. It names the device-number region and
	// prefixes character device node names.
	Name string

	// RegionName is the owner name recorded when claiming the BAR.
	RegionName string

	// BAR is the index of the memory BAR to expose.
	BAR int

	// IDs is the table of identities the driver binds to.
	IDs []hal.Identity

	// MaxDevices bounds the number of devices probing or bound at once.
	// Zero means no limit.
	MaxDevices int
}

// DefaultConfig returns the configuration for the reference memory device.
func DefaultConfig() Config {
	return Config{
		Name:       DefaultName,
		RegionName: DefaultRegionName,
		BAR:        0,
		IDs:        []hal.Identity{{Vendor: DefaultVendorID, Device: DefaultDeviceID}},
	}
}

// State is the lifecycle state of one device instance.
type State uint8

// Instance states.
const (
	StateUnbound  State = iota // No device context exists
	StateProbing               // Acquiring resources
	StateBound                 // Operational
	StateRemoving              // Releasing resources
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateProbing:
		return "probing"
	case StateBound:
		return "bound"
	case StateRemoving:
		return "removing"
	default:
		return "unknown"
	}
}

// instance tracks one device address. mu serializes probe and remove.
type instance struct {
	mu    sync.Mutex
	state State
	dc    *DeviceContext
}

// Driver binds to matching devices: probe acquires every resource in order
// and binds the bridge; remove unbinds and releases in reverse.
type Driver struct {
	cfg    Config
	bridge *Bridge
	rm     *ResourceManager

	mu        sync.RWMutex
	instances map[string]*instance
	active    int

	onBind   func(*DeviceContext)
	onUnbind func(*DeviceContext)
}

// New creates a driver registering its character devices in chardevs.
func New(cfg Config, chardevs CharDevices) *Driver {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.RegionName == "" {
		cfg.RegionName = DefaultRegionName
	}
	bridge := NewBridge()
	return &Driver{
		cfg:       cfg,
		bridge:    bridge,
		rm:        NewResourceManager(chardevs, bridge, cfg.Name, cfg.RegionName),
		instances: make(map[string]*instance),
	}
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.cfg.Name }

// Bridge returns the bridge serving bound devices.
func (d *Driver) Bridge() *Bridge { return d.bridge }

// Resources returns the driver's resource manager.
func (d *Driver) Resources() *ResourceManager { return d.rm }

// SetOnBind sets the callback run after a device becomes bound.
func (d *Driver) SetOnBind(cb func(*DeviceContext)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBind = cb
}

// SetOnUnbind sets the callback run after a device has been removed.
func (d *Driver) SetOnUnbind(cb func(*DeviceContext)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUnbind = cb
}

// Match returns true if id is in the driver's ID table.
func (d *Driver) Match(id hal.Identity) bool {
	for _, want := range d.cfg.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Probe binds dev. It acquires steps 1 through 5 in order; if any step
// fails, every resource acquired so far is released in reverse order, the
// context is discarded, and that step's error is returned. No partial
// success is ever reported.
func (d *Driver) Probe(dev hal.Device) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", pkg.ErrNoDevice)
	}
	id := dev.Identity()
	if !d.Match(id) {
		return fmt.Errorf("%w: %s not in ID table", pkg.ErrNoDevice, id)
	}
	addr := dev.Address()

	inst := d.instance(addr)
	inst.mu.Lock()

	if inst.state != StateUnbound {
		state := inst.state
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", pkg.ErrBusy, addr, state)
	}
	if err := d.reserve(); err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.state = StateProbing

	pkg.LogInfo(pkg.ComponentDriver, "device plugged in",
		"address", addr,
		"vendor", fmt.Sprintf("%04x", id.Vendor),
		"device", fmt.Sprintf("%04x", id.Device))

	dc := newDeviceContext(dev, d.cfg.BAR)
	dc.irq = dev.IRQ()

	for _, step := range Steps {
		if err := d.rm.Acquire(step, dc); err != nil {
			d.rm.Release(dc)
			inst.state = StateUnbound
			d.unreserve()
			inst.mu.Unlock()

			pkg.LogError(pkg.ComponentDriver, "probe failed",
				"address", addr,
				"step", step.String(),
				"errno", pkg.ErrnoOf(err).String(),
				"error", err)
			return err
		}
	}

	d.bind(dc)
	inst.dc = dc
	inst.state = StateBound
	inst.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDriver, "device bound",
		"address", addr,
		"node", dc.NodeName(),
		"number", dc.Number().String(),
		"base", fmt.Sprintf("%#x", dc.RegionBase()),
		"length", dc.RegionLength())
	if dc.irq != 0 {
		pkg.LogDebug(pkg.ComponentDriver, "interrupt line captured, no handler installed",
			"address", addr,
			"irq", dc.irq)
	}

	d.mu.RLock()
	cb := d.onBind
	d.mu.RUnlock()
	if cb != nil {
		cb(dc)
	}
	return nil
}

// Remove unbinds the device at addr and releases all of its resources in
// reverse order. It waits for in-flight I/O to finish first. Removing an
// address that is not bound does nothing.
func (d *Driver) Remove(addr string) {
	d.mu.RLock()
	inst := d.instances[addr]
	d.mu.RUnlock()
	if inst == nil {
		pkg.LogDebug(pkg.ComponentDriver, "remove of unknown device ignored", "address", addr)
		return
	}

	inst.mu.Lock()
	if inst.state != StateBound {
		state := inst.state
		inst.mu.Unlock()
		pkg.LogDebug(pkg.ComponentDriver, "remove ignored", "address", addr, "state", state.String())
		return
	}
	inst.state = StateRemoving
	dc := inst.dc

	d.unbind(dc)
	d.rm.Release(dc)

	inst.dc = nil
	inst.state = StateUnbound
	d.unreserve()
	inst.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDriver, "device removed", "address", addr)

	d.mu.RLock()
	cb := d.onUnbind
	d.mu.RUnlock()
	if cb != nil {
		cb(dc)
	}
}

// RemoveAll removes every bound device.
func (d *Driver) RemoveAll() {
	for _, addr := range d.addresses() {
		d.Remove(addr)
	}
}

// Open starts a consumer session on the device bound at addr.
func (d *Driver) Open(addr string) (*Session, error) {
	dc, ok := d.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNoDevice, addr)
	}
	return d.bridge.Open(dc)
}

// Lookup returns the context of the device bound at addr.
func (d *Driver) Lookup(addr string) (*DeviceContext, bool) {
	d.mu.RLock()
	inst := d.instances[addr]
	d.mu.RUnlock()
	if inst == nil {
		return nil, false
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateBound {
		return nil, false
	}
	return inst.dc, true
}

// State returns the lifecycle state of the instance at addr.
func (d *Driver) State(addr string) State {
	d.mu.RLock()
	inst := d.instances[addr]
	d.mu.RUnlock()
	if inst == nil {
		return StateUnbound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Devices returns the contexts of all bound devices sorted by address.
func (d *Driver) Devices() []*DeviceContext {
	var result []*DeviceContext
	for _, addr := range d.addresses() {
		if dc, ok := d.Lookup(addr); ok {
			result = append(result, dc)
		}
	}
	return result
}

// instance returns the instance for addr, creating it if needed. Unbound
// instances keep their table slot.
func (d *Driver) instance(addr string) *instance {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[addr]
	if !ok {
		inst = &instance{}
		d.instances[addr] = inst
	}
	return inst
}

func (d *Driver) addresses() []string {
	d.mu.RLock()
	addrs := make([]string, 0, len(d.instances))
	for addr := range d.instances {
		addrs = append(addrs, addr)
	}
	d.mu.RUnlock()

	sort.Strings(addrs)
	return addrs
}

// reserve counts a new probing instance against MaxDevices.
func (d *Driver) reserve() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.MaxDevices > 0 && d.active >= d.cfg.MaxDevices {
		return fmt.Errorf("%w: device table full (%d)", pkg.ErrAllocation, d.cfg.MaxDevices)
	}
	d.active++
	return nil
}

func (d *Driver) unreserve() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active--
}

// bind attaches the bridge to a fully acquired context.
func (d *Driver) bind(dc *DeviceContext) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.binding = &charBinding{name: dc.nodeName, bridge: d.bridge}
	dc.stage = StageBound
}

// unbind detaches the bridge. It blocks until in-flight I/O holding the
// context's read lock has finished; later I/O sees an unbound context.
func (d *Driver) unbind(dc *DeviceContext) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.binding = nil
	if dc.stage == StageBound {
		dc.stage = StageRegistered
	}
}
