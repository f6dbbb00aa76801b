// Package emu provides an in-process emulated PCI bus and memory device.
//
// The emulated device advertises vendor 0x1234, device 0x5678, class
// "other" and interrupt pin INTA, and backs BAR 0 with 0x100000 bytes of
// RAM. It plays the part of the hypervisor-side device during development
// and in tests:
//
//	bus := emu.NewBus()
//	mgr := driver.NewManager(bus, drv)
//	mgr.Register(ctx)
//	dev, _ := bus.Attach(emu.DeviceConfig{})
//	...
//	bus.Detach(dev.Address())
//
// Region memory is an anonymous shared mapping. It is returned to the
// system once the device has been detached and every driver mapping of it
// has been unmapped.
//
// # Fault Injection
//
// [DeviceConfig.Fail] makes individual acquire operations fail, which lets
// callers exercise every rollback path of a driver's probe.
package emu
