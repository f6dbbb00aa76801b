package linux

// =============================================================================
// System Paths
// =============================================================================

// SysfsPCIPath is the base path for PCI devices in sysfs.
const SysfsPCIPath = "/sys/bus/pci/devices"

// =============================================================================
// Sysfs Attributes
// =============================================================================

// Attribute file names under a PCI device directory.
const (
	attrVendor   = "vendor"
	attrDevice   = "device"
	attrClass    = "class"
	attrIRQ      = "irq"
	attrEnable   = "enable"
	attrResource = "resource"
)

// resourceFileName returns the name of the file exposing BAR bar.
func resourceFileName(bar int) string {
	return attrResource + string(rune('0'+bar))
}

// =============================================================================
// Device Limits
// =============================================================================

// MaxDevices is the maximum number of PCI functions tracked at once.
const MaxDevices = 256

// =============================================================================
// Netlink Constants
// =============================================================================

// UEventBufferSize is the buffer size for netlink messages.
const UEventBufferSize = 4096

// ueventGroupKernel is the netlink multicast group the kernel broadcasts on.
const ueventGroupKernel = 1

// =============================================================================
// Polling Constants
// =============================================================================

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 8

// eventQueueSize is the capacity of the HAL's event channel.
const eventQueueSize = 64
