// Package linux provides a PCI bus HAL implementation for Linux using sysfs.
//
// This HAL uses sysfs (/sys/bus/pci/devices/) for device discovery and
// resource access, and netlink for hotplug event monitoring. It is designed
// for pure Go with no cgo dependencies.
//
// # Requirements
//
// To bind a device, the user running the application must be able to write
// the device's "enable" attribute and open its resourceN files read/write.
// This typically requires either:
//   - Running as root
//   - Appropriate udev rules granting access to the user/group
//
// The device must also be unbound from any kernel driver.
//
// # Architecture
//
//   - BAR geometry is read from the "resource" attribute
//   - Region claims are exclusive flocks on resourceN
//   - Regions are mapped by mmap of resourceN
//   - Hotplug uses a NETLINK_KOBJECT_UEVENT socket polled with epoll
//
// The sysfs root is configurable, which lets tests run against a fake tree.
package linux
