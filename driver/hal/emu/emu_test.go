package emu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/pkg"
)

func newStartedBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus()
	if err := bus.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func waitEvent(t *testing.T, bus *Bus) hal.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := bus.WaitForEvent(ctx)
	if err != nil {
		t.Fatalf("WaitForEvent() error = %v", err)
	}
	return ev
}

func TestDeviceConfigDefaults(t *testing.T) {
	var cfg DeviceConfig
	cfg.setDefaults()

	if cfg.Vendor != DefaultVendorID || cfg.Device != DefaultDeviceID {
		t.Errorf("identity = %04x:%04x, want %04x:%04x", cfg.Vendor, cfg.Device, DefaultVendorID, DefaultDeviceID)
	}
	if cfg.RegionSize != DefaultRegionSize {
		t.Errorf("RegionSize = %#x, want %#x", cfg.RegionSize, DefaultRegionSize)
	}
	if cfg.InterruptPin != DefaultInterruptPin {
		t.Errorf("InterruptPin = %d, want %d", cfg.InterruptPin, DefaultInterruptPin)
	}

	cfg = DeviceConfig{NoInterrupt: true, InterruptPin: 2}
	cfg.setDefaults()
	if cfg.InterruptPin != 0 {
		t.Errorf("InterruptPin = %d with NoInterrupt, want 0", cfg.InterruptPin)
	}
}

func TestAttachAssignsSlotsAndResources(t *testing.T) {
	bus := newStartedBus(t)

	d1, err := bus.Attach(DeviceConfig{RegionSize: 0x1000})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	d2, err := bus.Attach(DeviceConfig{RegionSize: 0x2000, NoInterrupt: true})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if d1.Address() != "0000:00:04.0" || d2.Address() != "0000:00:05.0" {
		t.Errorf("addresses = %s, %s", d1.Address(), d2.Address())
	}

	r1, _ := d1.Resource(0)
	r2, _ := d2.Resource(0)
	if r1.Start != MemoryBase || r1.Length != 0x1000 || !r1.Flags.IsMem() {
		t.Errorf("BAR0 of first device = %+v", r1)
	}
	if r2.Start%0x2000 != 0 || r2.Start < r1.End() {
		t.Errorf("BAR0 of second device = %+v overlaps or is unaligned", r2)
	}

	if d1.IRQ() == 0 {
		t.Error("device with interrupt pin has no IRQ")
	}
	if d2.IRQ() != 0 {
		t.Errorf("device without interrupt pin has IRQ %d", d2.IRQ())
	}

	if r, err := d1.Resource(1); err != nil || r.Length != 0 {
		t.Errorf("Resource(1) = %+v, %v; want empty", r, err)
	}
	if _, err := d1.Resource(hal.NumResources); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Resource(%d) error = %v, want ErrInvalidParameter", hal.NumResources, err)
	}
}

func TestAttachExhaustsSlots(t *testing.T) {
	bus := newStartedBus(t)

	for i := FirstSlot; i < MaxSlots; i++ {
		if _, err := bus.Attach(DeviceConfig{RegionSize: 0x1000}); err != nil {
			t.Fatalf("Attach() #%d error = %v", i, err)
		}
	}
	if _, err := bus.Attach(DeviceConfig{RegionSize: 0x1000}); !errors.Is(err, pkg.ErrAllocation) {
		t.Errorf("Attach() on full bus error = %v, want ErrAllocation", err)
	}
	if n := len(bus.Devices()); n != MaxSlots-FirstSlot {
		t.Errorf("Devices() = %d, want %d", n, MaxSlots-FirstSlot)
	}
}

func TestEventOrder(t *testing.T) {
	bus := NewBus()
	if err := bus.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer bus.Close()

	dev, err := bus.Attach(DeviceConfig{RegionSize: 0x1000})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := bus.Detach(dev.Address()); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	// Events queued before Start are delivered after it.
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ev := waitEvent(t, bus)
	if ev.Kind != hal.EventAttach || ev.Address != dev.Address() || ev.Device == nil {
		t.Errorf("first event = %+v, want attach of %s", ev, dev.Address())
	}
	ev = waitEvent(t, bus)
	if ev.Kind != hal.EventDetach || ev.Address != dev.Address() {
		t.Errorf("second event = %+v, want detach of %s", ev, dev.Address())
	}
}

func TestWaitForEventCancel(t *testing.T) {
	bus := newStartedBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := bus.WaitForEvent(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForEvent() error = %v, want DeadlineExceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := bus.WaitForEvent(context.Background())
		done <- err
	}()
	bus.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, pkg.ErrCancelled) {
			t.Errorf("WaitForEvent() after Stop error = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForEvent() did not return after Stop")
	}
}

func TestWaitForEventUninitialized(t *testing.T) {
	bus := NewBus()
	if _, err := bus.WaitForEvent(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("WaitForEvent() error = %v, want ErrNotRunning", err)
	}
	if err := bus.Start(); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Start() before Init error = %v, want ErrInvalidState", err)
	}
}

func TestDetachUnknown(t *testing.T) {
	bus := newStartedBus(t)
	if err := bus.Detach("0000:00:1f.0"); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Detach() error = %v, want ErrNoDevice", err)
	}
}

func TestDeviceAcquireRelease(t *testing.T) {
	bus := newStartedBus(t)
	dev, err := bus.Attach(DeviceConfig{RegionSize: 0x1000})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if err := dev.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if err := dev.RequestRegion(0, "test"); err != nil {
		t.Fatalf("RequestRegion() error = %v", err)
	}
	if err := dev.RequestRegion(0, "other"); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second RequestRegion() error = %v, want ErrBusy", err)
	}
	if owner := dev.RegionOwner(); owner != "test" {
		t.Errorf("RegionOwner() = %q, want %q", owner, "test")
	}

	mem, err := dev.MapRegion(0, 0x1000)
	if err != nil {
		t.Fatalf("MapRegion() error = %v", err)
	}
	if len(mem) != 0x1000 || cap(mem) != 0x1000 {
		t.Errorf("mapping len/cap = %d/%d, want 0x1000", len(mem), cap(mem))
	}

	// The mapping and the device side share memory.
	copy(mem[0x10:], "abc")
	got := make([]byte, 3)
	if n := dev.ReadMemory(got, 0x10); n != 3 || string(got) != "abc" {
		t.Errorf("ReadMemory() = %d %q, want 3 %q", n, got, "abc")
	}
	dev.WriteMemory([]byte("xyz"), 0x20)
	if string(mem[0x20:0x23]) != "xyz" {
		t.Errorf("mapping sees %q, want %q", mem[0x20:0x23], "xyz")
	}

	if _, err := dev.MapRegion(0, 0x2000); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("oversized MapRegion() error = %v, want ErrInvalidParameter", err)
	}

	if err := dev.UnmapRegion(mem); err != nil {
		t.Errorf("UnmapRegion() error = %v", err)
	}
	if err := dev.UnmapRegion(mem); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second UnmapRegion() error = %v, want ErrInvalidState", err)
	}
	if err := dev.ReleaseRegion(0); err != nil {
		t.Errorf("ReleaseRegion() error = %v", err)
	}
	if err := dev.Disable(); err != nil {
		t.Errorf("Disable() error = %v", err)
	}
	if err := dev.Disable(); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second Disable() error = %v, want ErrInvalidState", err)
	}
	if dev.Enabled() != 0 || dev.Mappings() != 0 || dev.RegionOwner() != "" {
		t.Errorf("device not idle: enabled=%d mappings=%d owner=%q", dev.Enabled(), dev.Mappings(), dev.RegionOwner())
	}
}

func TestDeviceFaults(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
		op    func(*Device) error
		want  error
	}{
		{"enable", FaultEnable, func(d *Device) error { return d.Enable() }, pkg.ErrNotSupported},
		{"request", FaultRequestRegion, func(d *Device) error { return d.RequestRegion(0, "x") }, pkg.ErrBusy},
		{"map", FaultMapRegion, func(d *Device) error {
			_, err := d.MapRegion(0, 0x1000)
			return err
		}, pkg.ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newStartedBus(t)
			dev, err := bus.Attach(DeviceConfig{RegionSize: 0x1000, Fail: tt.fault})
			if err != nil {
				t.Fatalf("Attach() error = %v", err)
			}
			if err := tt.op(dev); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeviceShortMap(t *testing.T) {
	bus := newStartedBus(t)
	dev, _ := bus.Attach(DeviceConfig{RegionSize: 0x1000, Fail: FaultShortMap})

	mem, err := dev.MapRegion(0, 0x1000)
	if err != nil {
		t.Fatalf("MapRegion() error = %v", err)
	}
	if len(mem) != 0x800 {
		t.Errorf("short mapping length = %#x, want 0x800", len(mem))
	}
	dev.UnmapRegion(mem)
}

func TestDetachKeepsMappedMemory(t *testing.T) {
	bus := newStartedBus(t)
	dev, _ := bus.Attach(DeviceConfig{RegionSize: 0x1000})

	mem, err := dev.MapRegion(0, 0x1000)
	if err != nil {
		t.Fatalf("MapRegion() error = %v", err)
	}
	if err := bus.Detach(dev.Address()); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if !dev.Removed() {
		t.Error("Removed() = false after Detach")
	}

	// The driver still holds a mapping; it must stay usable until unmapped.
	mem[0] = 0x5a
	if err := dev.Enable(); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Enable() on removed device error = %v, want ErrNoDevice", err)
	}
	if err := dev.UnmapRegion(mem); err != nil {
		t.Errorf("UnmapRegion() error = %v", err)
	}
	if _, err := dev.MapRegion(0, 0x1000); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("MapRegion() after free error = %v, want ErrNoDevice", err)
	}
	if _, ok := bus.Lookup(dev.Address()); ok {
		t.Error("Lookup() found detached device")
	}
}

func TestCloseKeepsMappedMemory(t *testing.T) {
	bus := NewBus()
	if err := bus.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	mapped, _ := bus.Attach(DeviceConfig{RegionSize: 0x1000})
	idle, _ := bus.Attach(DeviceConfig{RegionSize: 0x1000})

	mem, err := mapped.MapRegion(0, 0x1000)
	if err != nil {
		t.Fatalf("MapRegion() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mem[0x10] = 0xa5
	if mem[0x10] != 0xa5 {
		t.Error("mapped region not usable after Close")
	}
	if mapped.mem == nil {
		t.Error("Close freed memory that is still mapped")
	}
	if idle.mem != nil {
		t.Error("Close did not free unmapped device memory")
	}

	if err := mapped.UnmapRegion(mem); err != nil {
		t.Errorf("UnmapRegion() error = %v", err)
	}
	if mapped.mem != nil {
		t.Error("memory not freed after last unmap")
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		v, a, want uint64
	}{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0xfe000000, 0x100000, 0xfe000000},
		{0xfe001000, 0x100000, 0xfe100000},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := alignUp(tt.v, tt.a); got != tt.want {
			t.Errorf("alignUp(%#x, %#x) = %#x, want %#x", tt.v, tt.a, got, tt.want)
		}
	}
}
