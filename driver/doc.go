// Package driver implements a userspace PCI memory-device driver.
//
// The driver binds to devices whose vendor and device IDs appear in its
// table and exposes each bound device's memory BAR as a character device
// that consumers open, read, write, and close.
//
// # Architecture
//
// The package is organized into several layers:
//
//   - Manager registers a Driver with a bus HAL and dispatches attach and
//     detach events to it
//   - Driver runs probe and remove for each device instance
//   - ResourceManager acquires the ordered chain of resources backing a
//     device and releases it in reverse
//   - Bridge and Session translate consumer I/O into bounds-checked
//     accesses on the mapped region
//
// # Probe and Remove
//
// Probe acquires five resources in a fixed order:
//
//  1. Enable the device
//  2. Claim the memory BAR
//  3. Map the BAR
//  4. Allocate a device number
//  5. Register the character device
//
// and then binds the bridge. If any step fails, everything acquired so far
// is released in reverse order and the step's error is returned. Remove
// unbinds the bridge, waits for in-flight I/O, and releases all five
// resources in reverse. Each resource is released exactly once.
//
// # Consumer I/O
//
// A transfer of length bytes at offset moves
// max(0, min(length, region length - offset)) bytes. Reading or writing at
// or past the end of the region moves nothing and is not an error at the
// Bridge level; [Session] reports io.EOF and io.ErrShortWrite the way the
// io interfaces expect.
//
// # Example
//
//	bus := emu.NewBus()
//	drv := driver.New(driver.DefaultConfig(), chrdev.NewRegistry())
//	mgr := driver.NewManager(bus, drv)
//	if err := mgr.Register(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Unregister()
//
//	dev, _ := bus.Attach(emu.DeviceConfig{})
//	...
//	s, err := drv.Open(dev.Address())
package driver
