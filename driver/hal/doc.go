// Package hal defines the bus abstraction used by the softpci driver.
//
// A [BusHAL] delivers attach and detach events; each attached [Device]
// exposes its identity, its BARs, and the acquire/release pairs the driver
// walks through during probe and remove:
//
//	Enable          / Disable
//	RequestRegion   / ReleaseRegion
//	MapRegion       / UnmapRegion
//
// Two implementations ship with the module:
//
//   - [github.com/ardnew/softpci/driver/hal/emu]: an in-process emulated bus
//     with RAM-backed memory devices, used for development and tests.
//   - [github.com/ardnew/softpci/driver/hal/linux]: the Linux sysfs PCI bus,
//     using the enable attribute, resourceN files, and netlink uevents.
//
// Interrupts are not part of this interface. Devices report their IRQ line
// but no handler can be installed.
package hal
