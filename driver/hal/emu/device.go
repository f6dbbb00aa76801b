package emu

import (
	"fmt"
	"sync"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

// Reference device parameters.
const (
	DefaultVendorID     = 0x1234
	DefaultDeviceID     = 0x5678
	DefaultRegionSize   = 0x100000
	DefaultClass        = 0xff0000 // PCI_CLASS_OTHERS
	DefaultInterruptPin = 1        // INTA
)

// Fault selects acquire operations that fail on an emulated device.
type Fault uint8

// Fault bits.
const (
	FaultEnable        Fault = 1 << iota // Enable fails
	FaultRequestRegion                   // RequestRegion fails
	FaultMapRegion                       // MapRegion fails
	FaultShortMap                        // MapRegion returns fewer bytes than asked
)

// DeviceConfig describes an emulated memory device. Zero fields take the
// reference defaults.
type DeviceConfig struct {
	Vendor       uint16
	Device       uint16
	Class        uint32
	RegionSize   uint64
	InterruptPin uint8
	NoInterrupt  bool // Declare no interrupt pin at all
	Fail         Fault
}

func (c *DeviceConfig) setDefaults() {
	if c.Vendor == 0 {
		c.Vendor = DefaultVendorID
	}
	if c.Device == 0 {
		c.Device = DefaultDeviceID
	}
	if c.Class == 0 {
		c.Class = DefaultClass
	}
	if c.RegionSize == 0 {
		c.RegionSize = DefaultRegionSize
	}
	if c.InterruptPin == 0 && !c.NoInterrupt {
		c.InterruptPin = DefaultInterruptPin
	}
	if c.NoInterrupt {
		c.InterruptPin = 0
	}
}

// Device is an emulated PCI memory device. It implements [hal.Device] for
// the driver side and offers direct memory access for the device side.
type Device struct {
	bus  *Bus
	addr string
	cfg  DeviceConfig
	irq  int
	res  hal.Resource

	mu       sync.Mutex
	mem      []byte
	enabled  int
	owner    string
	mappings int
	removed  bool
}

var _ hal.Device = (*Device)(nil)

// Address returns the device's bus address.
func (d *Device) Address() string { return d.addr }

// Identity returns the advertised vendor and device IDs.
func (d *Device) Identity() hal.Identity {
	return hal.Identity{Vendor: d.cfg.Vendor, Device: d.cfg.Device}
}

// Class returns the 24-bit class code.
func (d *Device) Class() uint32 { return d.cfg.Class }

// InterruptPin returns the declared interrupt pin (1 = INTA, 0 = none).
func (d *Device) InterruptPin() uint8 { return d.cfg.InterruptPin }

// IRQ returns the interrupt line routed to the pin, or 0.
func (d *Device) IRQ() int { return d.irq }

// Resource returns BAR bar. Only BAR 0 is populated.
func (d *Device) Resource(bar int) (hal.Resource, error) {
	if bar < 0 || bar >= hal.NumResources {
		return hal.Resource{}, fmt.Errorf("%w: BAR%d", pkg.ErrInvalidParameter, bar)
	}
	if bar != 0 {
		return hal.Resource{}, nil
	}
	return d.res, nil
}

// Enable enables the device. Enables nest; each needs a matching Disable.
func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return pkg.ErrNoDevice
	}
	if d.cfg.Fail&FaultEnable != 0 {
		return fmt.Errorf("%s: enable: %w", d.addr, pkg.ErrNotSupported)
	}
	d.enabled++
	return nil
}

// Disable drops one enable reference.
func (d *Device) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.enabled == 0 {
		return fmt.Errorf("%s: disable of disabled device: %w", d.addr, pkg.ErrInvalidState)
	}
	d.enabled--
	return nil
}

// RequestRegion claims BAR bar for name. A second claim fails with
// [pkg.ErrBusy] until the first is released.
func (d *Device) RequestRegion(bar int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return pkg.ErrNoDevice
	}
	if bar != 0 {
		return fmt.Errorf("%w: BAR%d not implemented", pkg.ErrInvalidParameter, bar)
	}
	if d.cfg.Fail&FaultRequestRegion != 0 {
		return fmt.Errorf("%s: request region: %w", d.addr, pkg.ErrBusy)
	}
	if d.owner != "" {
		return fmt.Errorf("%s: BAR0 owned by %q: %w", d.addr, d.owner, pkg.ErrBusy)
	}
	d.owner = name
	return nil
}

// ReleaseRegion releases a claim made by RequestRegion.
func (d *Device) ReleaseRegion(bar int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bar != 0 || d.owner == "" {
		return fmt.Errorf("%s: release of unclaimed BAR%d: %w", d.addr, bar, pkg.ErrInvalidState)
	}
	d.owner = ""
	return nil
}

// MapRegion returns a view of the first length bytes of BAR bar.
func (d *Device) MapRegion(bar int, length uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed || d.mem == nil {
		return nil, pkg.ErrNoDevice
	}
	if bar != 0 {
		return nil, fmt.Errorf("%w: BAR%d not implemented", pkg.ErrInvalidParameter, bar)
	}
	if d.cfg.Fail&FaultMapRegion != 0 {
		return nil, fmt.Errorf("%s: map region: %w", d.addr, pkg.ErrNoDevice)
	}
	if length == 0 || length > uint64(len(d.mem)) {
		return nil, fmt.Errorf("%w: map length %#x of %#x byte BAR", pkg.ErrInvalidParameter, length, len(d.mem))
	}
	if d.cfg.Fail&FaultShortMap != 0 {
		length /= 2
	}
	d.mappings++
	return d.mem[:length:length], nil
}

// UnmapRegion drops a mapping returned by MapRegion.
func (d *Device) UnmapRegion(mem []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mappings == 0 {
		return fmt.Errorf("%s: unmap without mapping: %w", d.addr, pkg.ErrInvalidState)
	}
	d.mappings--
	d.maybeFreeLocked()
	return nil
}

// ReadMemory copies device memory at off into p, as the device itself
// sees it. It returns the number of bytes copied.
func (d *Device) ReadMemory(p []byte, off int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem == nil || off < 0 || off >= len(d.mem) {
		return 0
	}
	return copy(p, d.mem[off:])
}

// WriteMemory copies p into device memory at off, as the device itself
// would. It returns the number of bytes copied.
func (d *Device) WriteMemory(p []byte, off int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem == nil || off < 0 || off >= len(d.mem) {
		return 0
	}
	return copy(d.mem[off:], p)
}

// Enabled returns the current enable count.
func (d *Device) Enabled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// RegionOwner returns the name BAR 0 is claimed under, or "".
func (d *Device) RegionOwner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

// Mappings returns the number of live driver mappings.
func (d *Device) Mappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mappings
}

// Removed returns true once the device has been detached.
func (d *Device) Removed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// markRemoved detaches the device from the bus.
func (d *Device) markRemoved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
	d.maybeFreeLocked()
}

// maybeFreeLocked returns region memory once nothing can reach it.
func (d *Device) maybeFreeLocked() {
	if !d.removed || d.mappings > 0 || d.mem == nil {
		return
	}
	if err := freeRegion(d.mem); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "emulated region free failed", "address", d.addr, "error", err)
	}
	d.mem = nil
}
