package hal

import (
	"context"
	"fmt"
)

// Identity is the (vendor, device) pair a PCI function advertises.
type Identity struct {
	Vendor uint16
	Device uint16
}

// String formats the identity as "vvvv:dddd".
func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// ResourceFlags describe a BAR.
type ResourceFlags uint32

// Resource flag bits (subset of the kernel's IORESOURCE_* values).
const (
	ResourceIO        ResourceFlags = 0x00000100
	ResourceMem       ResourceFlags = 0x00000200
	ResourcePrefetch  ResourceFlags = 0x00002000
	ResourceReadOnly  ResourceFlags = 0x00004000
	ResourceMem64     ResourceFlags = 0x00100000
	ResourceUnset     ResourceFlags = 0x20000000
	ResourceDisabled  ResourceFlags = 0x10000000
	ResourceTypeMask  ResourceFlags = ResourceIO | ResourceMem
	ResourceStateMask ResourceFlags = ResourceUnset | ResourceDisabled
)

// IsMem returns true if the resource is a memory BAR.
func (f ResourceFlags) IsMem() bool {
	return f&ResourceMem != 0
}

// Resource describes one BAR of a device.
type Resource struct {
	Start  uint64        // Bus address of the first byte
	Length uint64        // Size in bytes; zero if the BAR is absent
	Flags  ResourceFlags // Type and state flags
}

// End returns the last address covered by the resource.
func (r Resource) End() uint64 {
	if r.Length == 0 {
		return r.Start
	}
	return r.Start + r.Length - 1
}

// NumResources is the number of standard BARs on a PCI function.
const NumResources = 6

// Device is one PCI function on a bus, as seen by a driver.
//
// Each acquire method has a matching release method. Release methods are
// called at most once per successful acquire and in reverse order.
type Device interface {
	// Address returns the bus address, e.g. "0000:00:04.0".
	Address() string

	// Identity returns the advertised vendor and device IDs.
	Identity() Identity

	// Resource returns BAR number bar.
	Resource(bar int) (Resource, error)

	// IRQ returns the legacy interrupt line, or 0 if none is routed.
	IRQ() int

	// Enable enables the device for bus transactions.
	Enable() error

	// Disable reverses Enable.
	Disable() error

	// RequestRegion claims exclusive ownership of BAR bar under name.
	RequestRegion(bar int, name string) error

	// ReleaseRegion reverses RequestRegion.
	ReleaseRegion(bar int) error

	// MapRegion maps length bytes of BAR bar into the caller's address space.
	MapRegion(bar int, length uint64) ([]byte, error)

	// UnmapRegion reverses MapRegion. mem must be the slice MapRegion returned.
	UnmapRegion(mem []byte) error
}

// EventKind distinguishes bus events.
type EventKind uint8

// Bus event kinds.
const (
	EventAttach EventKind = iota + 1 // A device appeared
	EventDetach                      // A device disappeared
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	default:
		return "unknown"
	}
}

// Event is a bus attach or detach notification.
type Event struct {
	Kind    EventKind
	Address string
	Device  Device // Set for EventAttach only
}

// BusHAL defines the Hardware Abstraction Layer interface for a PCI bus.
//
// Platform implementations report attach and detach events in the order
// they happen; the driver consumes them from a single goroutine.
type BusHAL interface {
	// Init prepares the bus. The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// Start begins event delivery. Devices already present are reported as
	// attach events.
	Start() error

	// Stop ends event delivery.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// WaitForEvent blocks until a bus event arrives or ctx is cancelled.
	WaitForEvent(ctx context.Context) (Event, error)
}
