//go:build linux

package linux

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/sys/unix"
)

// =============================================================================
// UEvent Types
// =============================================================================

// ueventAction represents a udev action.
type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
	ueventChange
	ueventBind
	ueventUnbind
)

// uevent represents a parsed netlink uevent.
type uevent struct {
	action    ueventAction
	devpath   string // DEVPATH value
	subsystem string // SUBSYSTEM value

	// PCI-specific
	slotName string // PCI_SLOT_NAME, e.g. "0000:00:04.0"
	pciID    string // PCI_ID, e.g. "1234:5678"
	pciClass string // PCI_CLASS, e.g. "FF0000"
}

// address returns the PCI address the event refers to.
func (e *uevent) address() string {
	if e.slotName != "" {
		return e.slotName
	}
	if i := strings.LastIndexByte(e.devpath, '/'); i >= 0 {
		return e.devpath[i+1:]
	}
	return e.devpath
}

// =============================================================================
// Hotplug Monitor
// =============================================================================

// hotplugMonitor receives kernel uevents from a netlink socket.
type hotplugMonitor struct {
	fd  int                    // Netlink socket file descriptor
	buf [UEventBufferSize]byte // Buffer for receiving events
}

// newHotplugMonitor opens a netlink socket bound to the kernel uevent group.
func newHotplugMonitor() (*hotplugMonitor, error) {
	fd, err := unix.Socket(
		unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT,
	)
	if err != nil {
		return nil, err
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: ueventGroupKernel,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &hotplugMonitor{fd: fd}, nil
}

// close shuts down the hotplug monitor.
func (h *hotplugMonitor) close() error {
	return unix.Close(h.fd)
}

// socketFD returns the netlink socket file descriptor for polling.
func (h *hotplugMonitor) socketFD() int {
	return h.fd
}

// readEvent reads one uevent. ok is false when no data is available.
func (h *hotplugMonitor) readEvent() (evt uevent, ok bool, err error) {
	n, err := unix.Read(h.fd, h.buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return uevent{}, false, nil
		}
		return uevent{}, false, err
	}
	if n <= 0 {
		return uevent{}, false, nil
	}
	return parseUEvent(h.buf[:n]), true, nil
}

// =============================================================================
// UEvent Parsing
// =============================================================================

// parseUEvent parses a netlink uevent message.
func parseUEvent(data []byte) uevent {
	evt := uevent{}

	// Split into null-terminated strings
	lines := bytes.Split(data, []byte{0})

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}

		s := string(line)

		// Parse key=value pairs
		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			// The header line is action@devpath
			if action, devpath, found := strings.Cut(s, "@"); found {
				evt.action = parseAction(action)
				evt.devpath = devpath
			}
			continue
		}

		key := s[:idx]
		value := s[idx+1:]

		switch key {
		case "ACTION":
			evt.action = parseAction(value)
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "PCI_SLOT_NAME":
			evt.slotName = value
		case "PCI_ID":
			evt.pciID = value
		case "PCI_CLASS":
			evt.pciClass = value
		}
	}

	return evt
}

// parseAction converts a uevent action name.
func parseAction(s string) ueventAction {
	switch s {
	case "add":
		return ueventAdd
	case "remove":
		return ueventRemove
	case "change":
		return ueventChange
	case "bind":
		return ueventBind
	case "unbind":
		return ueventUnbind
	default:
		return ueventUnknown
	}
}
