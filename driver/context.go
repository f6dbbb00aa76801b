package driver

import (
	"sync"

	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/driver/hal"
)

// Stage records how far resource acquisition has progressed for a device.
// Each successful acquisition step advances the stage by one.
type Stage uint8

// Acquisition stages, in order.
const (
	StageNone            Stage = iota // Nothing held
	StageEnabled                      // Device enabled for bus transactions
	StageRegionClaimed                // BAR claimed
	StageMapped                       // BAR mapped
	StageNumberAllocated              // Device-number range allocated
	StageRegistered                   // Character device registered
	StageBound                        // Bridge bound; device operational
)

// String returns a human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageEnabled:
		return "enabled"
	case StageRegionClaimed:
		return "region-claimed"
	case StageMapped:
		return "mapped"
	case StageNumberAllocated:
		return "number-allocated"
	case StageRegistered:
		return "registered"
	case StageBound:
		return "bound"
	default:
		return "unknown"
	}
}

// claim is one held resource and the function that gives it back.
type claim struct {
	step    Step
	release func() error
}

// charBinding ties a context to the bridge serving its character device.
type charBinding struct {
	name   string
	bridge *Bridge
}

// DeviceContext is the per-device state owned by the driver for one bound
// (or binding) device. Only the ResourceManager changes its claim fields and
// only the Driver changes its stage-to-bound transition and binding.
type DeviceContext struct {
	dev      hal.Device
	identity hal.Identity
	address  string
	bar      int
	irq      int

	// mu guards everything below. I/O holds the read lock while it touches
	// mapped; teardown holds the write lock.
	mu           sync.RWMutex
	regionBase   uint64
	regionLength uint64
	mapped       []byte
	number       chrdev.Number
	nodeName     string
	binding      *charBinding
	stage        Stage
	claims       []claim
}

func newDeviceContext(dev hal.Device, bar int) *DeviceContext {
	return &DeviceContext{
		dev:      dev,
		identity: dev.Identity(),
		address:  dev.Address(),
		bar:      bar,
	}
}

// Identity returns the device's vendor and device IDs.
func (dc *DeviceContext) Identity() hal.Identity { return dc.identity }

// Address returns the device's bus address.
func (dc *DeviceContext) Address() string { return dc.address }

// IRQ returns the interrupt line captured at probe time. No handler is
// installed for it.
func (dc *DeviceContext) IRQ() int { return dc.irq }

// Stage returns the current acquisition stage.
func (dc *DeviceContext) Stage() Stage {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.stage
}

// RegionBase returns the bus address of the mapped region.
func (dc *DeviceContext) RegionBase() uint64 {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.regionBase
}

// RegionLength returns the size of the mapped region in bytes.
func (dc *DeviceContext) RegionLength() uint64 {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.regionLength
}

// Number returns the character device number, or the zero Number if none
// is allocated.
func (dc *DeviceContext) Number() chrdev.Number {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.number
}

// NodeName returns the character device node name.
func (dc *DeviceContext) NodeName() string {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.nodeName
}

// Claims returns the number of resources currently held.
func (dc *DeviceContext) Claims() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.claims)
}

// isMapped reports whether the mapped region is present. Caller holds mu.
func (dc *DeviceContext) isMapped() bool {
	return dc.mapped != nil
}

// bound reports whether the context is serving I/O. Caller holds mu.
func (dc *DeviceContext) bound() bool {
	return dc.stage == StageBound && dc.binding != nil
}
