package emu

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

// Bus layout.
const (
	FirstSlot   = 4  // Slots 0-3 are taken by the emulated chipset
	MaxSlots    = 32 // Device numbers on one PCI bus
	MemoryBase  = 0xfe000000
	irqBase     = 10
	irqsPerPins = 4
)

// Bus is an emulated PCI bus implementing [hal.BusHAL].
type Bus struct {
	mu       sync.Mutex
	devices  map[string]*Device
	nextBase uint64

	// Pending events, drained by WaitForEvent
	queue  []hal.Event
	notify chan struct{}

	// Context for cancellation
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	closed  bool
}

var _ hal.BusHAL = (*Bus)(nil)

// NewBus creates an empty emulated bus.
func NewBus() *Bus {
	return &Bus{
		devices:  make(map[string]*Device),
		nextBase: MemoryBase,
		notify:   make(chan struct{}, 1),
	}
}

// Init prepares the bus.
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return pkg.ErrBusy
	}
	if b.closed {
		return fmt.Errorf("%w: bus closed", pkg.ErrInvalidState)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	pkg.LogDebug(pkg.ComponentHAL, "emulated bus initialized")
	return nil
}

// Start begins event delivery. Devices attached before Start are delivered
// first, in attach order.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return fmt.Errorf("%w: bus not initialized", pkg.ErrInvalidState)
	}
	if b.running {
		return pkg.ErrBusy
	}
	b.running = true
	b.signalLocked()

	pkg.LogDebug(pkg.ComponentHAL, "emulated bus started")
	return nil
}

// Stop ends event delivery. Queued events are kept.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}

	pkg.LogDebug(pkg.ComponentHAL, "emulated bus stopped")
	return nil
}

// Close stops the bus and detaches every device. A device's memory is
// freed now if it is unmapped, otherwise when its last mapping is released.
func (b *Bus) Close() error {
	b.Stop()

	b.mu.Lock()
	devices := make([]*Device, 0, len(b.devices))
	for _, dev := range b.devices {
		devices = append(devices, dev)
	}
	b.devices = make(map[string]*Device)
	b.queue = nil
	b.closed = true
	b.mu.Unlock()

	for _, dev := range devices {
		if n := dev.Mappings(); n > 0 {
			pkg.LogWarn(pkg.ComponentHAL, "closing bus with mapped region", "address", dev.addr, "mappings", n)
		}
		dev.markRemoved()
	}

	pkg.LogDebug(pkg.ComponentHAL, "emulated bus closed")
	return nil
}

// WaitForEvent blocks until an attach or detach event is available.
func (b *Bus) WaitForEvent(ctx context.Context) (hal.Event, error) {
	for {
		b.mu.Lock()
		if b.running && len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue = b.queue[1:]
			if len(b.queue) > 0 {
				b.signalLocked()
			}
			b.mu.Unlock()
			return ev, nil
		}
		busCtx := b.ctx
		b.mu.Unlock()

		if busCtx == nil {
			return hal.Event{}, pkg.ErrNotRunning
		}

		select {
		case <-ctx.Done():
			return hal.Event{}, ctx.Err()
		case <-busCtx.Done():
			return hal.Event{}, pkg.ErrCancelled
		case <-b.notify:
		}
	}
}

// Attach plugs a new emulated device into the next free slot and queues an
// attach event for it.
func (b *Bus) Attach(cfg DeviceConfig) (*Device, error) {
	cfg.setDefaults()
	if cfg.RegionSize > 1<<40 {
		return nil, fmt.Errorf("%w: region size %#x", pkg.ErrInvalidParameter, cfg.RegionSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: bus closed", pkg.ErrInvalidState)
	}

	slot, ok := b.freeSlotLocked()
	if !ok {
		return nil, fmt.Errorf("%w: no free slot on bus", pkg.ErrAllocation)
	}

	mem, err := allocRegion(int(cfg.RegionSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrAllocation, err)
	}

	start := alignUp(b.nextBase, cfg.RegionSize)
	b.nextBase = start + cfg.RegionSize

	dev := &Device{
		bus:  b,
		addr: fmt.Sprintf("0000:00:%02x.0", slot),
		cfg:  cfg,
		res: hal.Resource{
			Start:  start,
			Length: cfg.RegionSize,
			Flags:  hal.ResourceMem,
		},
		mem: mem,
	}
	if cfg.InterruptPin != 0 {
		dev.irq = irqBase + (slot+int(cfg.InterruptPin)-1)%irqsPerPins
	}

	b.devices[dev.addr] = dev
	b.queue = append(b.queue, hal.Event{Kind: hal.EventAttach, Address: dev.addr, Device: dev})
	b.signalLocked()

	pkg.LogInfo(pkg.ComponentHAL, "emulated device attached",
		"address", dev.addr,
		"id", dev.Identity().String(),
		"size", cfg.RegionSize)
	return dev, nil
}

// Detach unplugs the device at addr and queues a detach event for it.
func (b *Bus) Detach(addr string) error {
	b.mu.Lock()
	dev, ok := b.devices[addr]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", pkg.ErrNoDevice, addr)
	}
	delete(b.devices, addr)
	b.queue = append(b.queue, hal.Event{Kind: hal.EventDetach, Address: addr})
	b.signalLocked()
	b.mu.Unlock()

	dev.markRemoved()

	pkg.LogInfo(pkg.ComponentHAL, "emulated device detached", "address", addr)
	return nil
}

// Lookup returns the attached device at addr.
func (b *Bus) Lookup(addr string) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[addr]
	return dev, ok
}

// Devices returns the attached devices sorted by address.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	result := make([]*Device, 0, len(b.devices))
	for _, dev := range b.devices {
		result = append(result, dev)
	}
	b.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].addr < result[j].addr })
	return result
}

func (b *Bus) freeSlotLocked() (int, bool) {
	for slot := FirstSlot; slot < MaxSlots; slot++ {
		if _, used := b.devices[fmt.Sprintf("0000:00:%02x.0", slot)]; !used {
			return slot, true
		}
	}
	return 0, false
}

func (b *Bus) signalLocked() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// alignUp rounds v up to a multiple of the power-of-two-or-not size a.
func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}
