//go:build linux

package linux

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

// =============================================================================
// BusHAL Implementation
// =============================================================================

// Options configures a BusHAL.
type Options struct {
	// SysfsRoot is the directory holding one subdirectory per PCI function.
	// Defaults to SysfsPCIPath.
	SysfsRoot string

	// NoHotplug disables the netlink uevent monitor. Only devices present
	// at Start are reported.
	NoHotplug bool
}

// BusHAL implements the hal.BusHAL interface for Linux using sysfs.
type BusHAL struct {
	root      string
	noHotplug bool

	// Poller for the hotplug socket
	poller *poller

	// Hotplug monitor
	hotplug *hotplugMonitor

	// Devices currently present, by address
	devices map[string]*Device
	devMu   sync.Mutex

	// Bus events, in arrival order
	events chan hal.Event

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	running bool
	mu      sync.Mutex
}

// NewBusHAL creates a new Linux PCI bus HAL.
func NewBusHAL(opts Options) *BusHAL {
	root := opts.SysfsRoot
	if root == "" {
		root = SysfsPCIPath
	}
	return &BusHAL{
		root:      root,
		noHotplug: opts.NoHotplug,
		devices:   make(map[string]*Device),
		events:    make(chan hal.Event, eventQueueSize),
	}
}

// Root returns the sysfs directory being scanned.
func (h *BusHAL) Root() string {
	return h.root
}

// =============================================================================
// Lifecycle Methods
// =============================================================================

// Init opens the poller and, unless disabled, the hotplug monitor.
func (h *BusHAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return pkg.ErrBusy
	}

	var err error
	h.poller, err = newPoller()
	if err != nil {
		return err
	}

	if !h.noHotplug {
		h.hotplug, err = newHotplugMonitor()
		if err != nil {
			h.poller.close()
			h.poller = nil
			return fmt.Errorf("hotplug monitor: %w", err)
		}
		if err := h.poller.addFD(h.hotplug.socketFD(), h.onHotplugEvent); err != nil {
			h.hotplug.close()
			h.poller.close()
			h.hotplug, h.poller = nil, nil
			return err
		}
	}

	h.ctx, h.cancel = context.WithCancel(ctx)

	pkg.LogDebug(pkg.ComponentHAL, "Linux PCI HAL initialized", "root", h.root, "hotplug", !h.noHotplug)
	return nil
}

// Start begins event delivery. Devices already present are reported first.
func (h *BusHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx == nil {
		return fmt.Errorf("%w: HAL not initialized", pkg.ErrInvalidState)
	}
	if h.running {
		return pkg.ErrBusy
	}
	h.running = true

	// Scan for existing devices, then watch for changes
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.initialScan()
		if h.hotplug != nil {
			h.pollLoop()
		}
	}()

	pkg.LogDebug(pkg.ComponentHAL, "Linux PCI HAL started")
	return nil
}

// Stop ends event delivery.
func (h *BusHAL) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	// Signal cancellation
	if h.cancel != nil {
		h.cancel()
	}

	// Wake the poller
	if h.poller != nil {
		h.poller.wake()
	}

	// Wait for goroutines
	h.wg.Wait()

	pkg.LogDebug(pkg.ComponentHAL, "Linux PCI HAL stopped")
	return nil
}

// Close releases all resources associated with the HAL.
func (h *BusHAL) Close() error {
	h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}

	h.devMu.Lock()
	for addr, dev := range h.devices {
		dev.markGone()
		delete(h.devices, addr)
	}
	h.devMu.Unlock()

	// Close hotplug monitor
	if h.hotplug != nil {
		if h.poller != nil {
			if err := h.poller.delFD(h.hotplug.socketFD()); err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "removing hotplug socket from poller", "error", err)
			}
		}
		h.hotplug.close()
		h.hotplug = nil
	}

	// Close poller
	if h.poller != nil {
		h.poller.close()
		h.poller = nil
	}

	pkg.LogDebug(pkg.ComponentHAL, "Linux PCI HAL closed")
	return nil
}

// WaitForEvent blocks until a device is added or removed.
func (h *BusHAL) WaitForEvent(ctx context.Context) (hal.Event, error) {
	h.mu.Lock()
	halCtx := h.ctx
	h.mu.Unlock()

	if halCtx == nil {
		return hal.Event{}, pkg.ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return hal.Event{}, ctx.Err()
	case <-halCtx.Done():
		return hal.Event{}, pkg.ErrCancelled
	case ev := <-h.events:
		return ev, nil
	}
}

// Devices returns the devices currently present, sorted by address.
func (h *BusHAL) Devices() []*Device {
	h.devMu.Lock()
	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	h.devMu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Address() < result[j].Address() })
	return result
}

// Scan returns the PCI functions under root without starting a HAL.
func Scan(root string) ([]*Device, error) {
	if root == "" {
		root = SysfsPCIPath
	}
	infos, err := scanPCIDevices(root)
	if err != nil {
		return nil, err
	}
	devices := make([]*Device, len(infos))
	for i, info := range infos {
		devices[i] = newDevice(info)
	}
	return devices, nil
}

// =============================================================================
// Hotplug Event Processing
// =============================================================================

// pollLoop runs the poller until the HAL is stopped.
func (h *BusHAL) pollLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		if _, _, err := h.poller.pollOnce(-1); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "poll failed", "error", err)
			return
		}
	}
}

// initialScan reports devices present at startup.
func (h *BusHAL) initialScan() {
	devices, err := scanPCIDevices(h.root)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "initial scan failed", "root", h.root, "error", err)
		return
	}

	for _, info := range devices {
		h.handleDeviceAdd(info)
	}
}

// onHotplugEvent is called when the hotplug socket has data.
func (h *BusHAL) onHotplugEvent(events uint32) {
	// Process all available events
	for {
		evt, ok, err := h.hotplug.readEvent()
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "uevent read failed", "error", err)
			return
		}
		if !ok {
			return
		}
		h.handleUEvent(evt)
	}
}

// handleUEvent turns a PCI add or remove uevent into a bus event.
func (h *BusHAL) handleUEvent(evt uevent) {
	if evt.subsystem != "pci" {
		return
	}

	addr := evt.address()
	switch evt.action {
	case ueventAdd:
		info, err := parsePCIDevice(filepath.Join(h.root, addr))
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "failed to read new device", "address", addr, "error", err)
			return
		}
		h.handleDeviceAdd(info)

	case ueventRemove:
		h.handleDeviceRemove(addr)
	}
}

// handleDeviceAdd tracks a new device and reports it.
func (h *BusHAL) handleDeviceAdd(info pciDeviceInfo) {
	h.devMu.Lock()
	if _, ok := h.devices[info.address]; ok {
		h.devMu.Unlock()
		pkg.LogDebug(pkg.ComponentHAL, "device already tracked, skipping", "address", info.address)
		return
	}
	if len(h.devices) >= MaxDevices {
		h.devMu.Unlock()
		pkg.LogWarn(pkg.ComponentHAL, "device table full", "address", info.address)
		return
	}
	dev := newDevice(info)
	h.devices[info.address] = dev
	h.devMu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device added",
		"address", info.address,
		"id", info.identity().String(),
		"class", fmt.Sprintf("%06x", info.class))

	h.post(hal.Event{Kind: hal.EventAttach, Address: info.address, Device: dev})
}

// handleDeviceRemove forgets a device and reports its removal.
func (h *BusHAL) handleDeviceRemove(addr string) {
	h.devMu.Lock()
	dev, ok := h.devices[addr]
	if ok {
		delete(h.devices, addr)
	}
	h.devMu.Unlock()
	if !ok {
		return
	}

	dev.markGone()
	pkg.LogDebug(pkg.ComponentHAL, "device removed", "address", addr)

	h.post(hal.Event{Kind: hal.EventDetach, Address: addr})
}

// post queues ev, blocking until there is room or the HAL stops.
func (h *BusHAL) post(ev hal.Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

// =============================================================================
// Interface Compliance
// =============================================================================

// Ensure BusHAL implements hal.BusHAL.
var _ hal.BusHAL = (*BusHAL)(nil)
