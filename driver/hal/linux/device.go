//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

// =============================================================================
// Device
// =============================================================================

// Device is a PCI function accessed through its sysfs directory.
//
// Enable and Disable write the "enable" attribute. RequestRegion opens the
// BAR's resourceN file and takes an exclusive advisory lock on it, so two
// processes using this package cannot claim the same BAR. MapRegion maps
// that file shared.
type Device struct {
	info pciDeviceInfo

	mu      sync.Mutex
	regions [hal.NumResources]*os.File // Claimed resourceN files
	maps    map[*byte]int              // Live mappings by first byte, to their BAR
	gone    bool
}

var _ hal.Device = (*Device)(nil)

func newDevice(info pciDeviceInfo) *Device {
	return &Device{
		info: info,
		maps: make(map[*byte]int),
	}
}

// Address returns the device's PCI address.
func (d *Device) Address() string { return d.info.address }

// Identity returns the advertised vendor and device IDs.
func (d *Device) Identity() hal.Identity { return d.info.identity() }

// Class returns the 24-bit class code.
func (d *Device) Class() uint32 { return d.info.class }

// IRQ returns the legacy interrupt line, or 0 if none is routed.
func (d *Device) IRQ() int { return d.info.irq }

// SysfsPath returns the device's sysfs directory.
func (d *Device) SysfsPath() string { return d.info.sysfsPath }

// Resource returns BAR bar as read when the device was discovered.
func (d *Device) Resource(bar int) (hal.Resource, error) {
	if bar < 0 || bar >= hal.NumResources {
		return hal.Resource{}, fmt.Errorf("%w: BAR%d", pkg.ErrInvalidParameter, bar)
	}
	return d.info.resources[bar], nil
}

// Enable enables the device for bus transactions.
func (d *Device) Enable() error {
	if d.isGone() {
		return pkg.ErrNoDevice
	}
	return d.writeEnable("1")
}

// Disable reverses Enable.
func (d *Device) Disable() error {
	return d.writeEnable("0")
}

func (d *Device) writeEnable(v string) error {
	err := writeSysfsString(filepath.Join(d.info.sysfsPath, attrEnable), v)
	if err != nil {
		return fmt.Errorf("%s: write %s=%s: %w", d.info.address, attrEnable, v, translateErrno(err))
	}
	return nil
}

// RequestRegion claims BAR bar. The claim is an exclusive flock on the
// resourceN file; a second claimant gets [pkg.ErrBusy].
func (d *Device) RequestRegion(bar int, name string) error {
	if bar < 0 || bar >= hal.NumResources {
		return fmt.Errorf("%w: BAR%d", pkg.ErrInvalidParameter, bar)
	}
	if !d.info.resources[bar].Flags.IsMem() {
		return fmt.Errorf("%w: BAR%d is not a memory BAR", pkg.ErrNotSupported, bar)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone {
		return pkg.ErrNoDevice
	}
	if d.regions[bar] != nil {
		return fmt.Errorf("%s: BAR%d already claimed: %w", d.info.address, bar, pkg.ErrBusy)
	}

	path := filepath.Join(d.info.sysfsPath, resourceFileName(bar))
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", d.info.address, translateErrno(err))
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s: BAR%d locked by another process: %w", d.info.address, bar, pkg.ErrBusy)
		}
		return fmt.Errorf("%s: flock: %w", d.info.address, err)
	}
	d.regions[bar] = f

	pkg.LogDebug(pkg.ComponentHAL, "region claimed",
		"address", d.info.address,
		"bar", bar,
		"owner", name)
	return nil
}

// ReleaseRegion reverses RequestRegion.
func (d *Device) ReleaseRegion(bar int) error {
	if bar < 0 || bar >= hal.NumResources {
		return fmt.Errorf("%w: BAR%d", pkg.ErrInvalidParameter, bar)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.regions[bar]
	if f == nil {
		return fmt.Errorf("%s: release of unclaimed BAR%d: %w", d.info.address, bar, pkg.ErrInvalidState)
	}
	d.regions[bar] = nil

	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}

// MapRegion maps length bytes of a claimed BAR.
func (d *Device) MapRegion(bar int, length uint64) ([]byte, error) {
	if bar < 0 || bar >= hal.NumResources {
		return nil, fmt.Errorf("%w: BAR%d", pkg.ErrInvalidParameter, bar)
	}
	if length == 0 || length > d.info.resources[bar].Length {
		return nil, fmt.Errorf("%w: map length %#x of BAR%d", pkg.ErrInvalidParameter, length, bar)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.regions[bar]
	if f == nil {
		return nil, fmt.Errorf("%s: BAR%d not claimed: %w", d.info.address, bar, pkg.ErrInvalidState)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap BAR%d: %w", d.info.address, bar, translateErrno(err))
	}
	d.maps[&mem[0]] = bar
	return mem, nil
}

// UnmapRegion reverses MapRegion.
func (d *Device) UnmapRegion(mem []byte) error {
	if len(mem) == 0 {
		return fmt.Errorf("%w: empty mapping", pkg.ErrInvalidParameter)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.maps[&mem[0]]; !ok {
		return fmt.Errorf("%s: unmap of unknown mapping: %w", d.info.address, pkg.ErrInvalidState)
	}
	delete(d.maps, &mem[0])
	return unix.Munmap(mem)
}

func (d *Device) isGone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gone
}

// markGone records that the device has left the bus. Held claims and
// mappings stay valid until the driver releases them.
func (d *Device) markGone() {
	d.mu.Lock()
	d.gone = true
	d.mu.Unlock()
}

// =============================================================================
// Error Helpers
// =============================================================================

// translateErrno maps OS errors to driver sentinel errors.
func translateErrno(err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: %w", pkg.ErrNoDevice, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %w", pkg.ErrBusy, err)
	case errors.Is(err, unix.ENOMEM):
		return fmt.Errorf("%w: %w", pkg.ErrAllocation, err)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
	default:
		return err
	}
}
