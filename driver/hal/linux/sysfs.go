//go:build linux

package linux

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ardnew/softpci/driver/hal"
)

// =============================================================================
// PCI Device Information
// =============================================================================

// pciDeviceInfo holds information about a PCI function discovered via sysfs.
type pciDeviceInfo struct {
	sysfsPath string // Path in /sys/bus/pci/devices
	address   string // Domain:bus:device.function
	vendorID  uint16
	deviceID  uint16
	class     uint32
	irq       int
	resources [hal.NumResources]hal.Resource
}

// identity returns the device's vendor and device IDs.
func (d *pciDeviceInfo) identity() hal.Identity {
	return hal.Identity{Vendor: d.vendorID, Device: d.deviceID}
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// scanPCIDevices scans root for PCI functions, sorted by address.
func scanPCIDevices(root string) ([]pciDeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []pciDeviceInfo
	for _, entry := range entries {
		name := entry.Name()
		if !isPCIAddress(name) {
			continue
		}

		info, err := parsePCIDevice(filepath.Join(root, name))
		if err != nil {
			continue // Skip devices we can't parse
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].address < devices[j].address })
	return devices, nil
}

// parsePCIDevice parses PCI function information from sysfs.
func parsePCIDevice(sysfsPath string) (pciDeviceInfo, error) {
	info := pciDeviceInfo{
		sysfsPath: sysfsPath,
		address:   filepath.Base(sysfsPath),
	}

	vendorID, err := readSysfsHexUint16(filepath.Join(sysfsPath, attrVendor))
	if err != nil {
		return info, err
	}
	info.vendorID = vendorID

	deviceID, err := readSysfsHexUint16(filepath.Join(sysfsPath, attrDevice))
	if err != nil {
		return info, err
	}
	info.deviceID = deviceID

	// Optional attributes
	if class, err := readSysfsHex(filepath.Join(sysfsPath, attrClass), 32); err == nil {
		info.class = uint32(class)
	}
	if irq, err := readSysfsUint(filepath.Join(sysfsPath, attrIRQ), 31); err == nil {
		info.irq = int(irq)
	}

	data, err := os.ReadFile(filepath.Join(sysfsPath, attrResource))
	if err != nil {
		return info, err
	}
	info.resources, err = parseResources(data)
	if err != nil {
		return info, err
	}

	return info, nil
}

// parseResources parses the sysfs "resource" attribute. Each line holds the
// start, end, and flags of one resource as hex numbers; the first
// hal.NumResources lines are the standard BARs. Absent BARs read as zeros.
func parseResources(data []byte) ([hal.NumResources]hal.Resource, error) {
	var res [hal.NumResources]hal.Resource

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for bar := 0; bar < hal.NumResources && scanner.Scan(); bar++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return res, fmt.Errorf("resource line %d: %d fields", bar, len(fields))
		}

		var vals [3]uint64
		for i, f := range fields {
			v, err := strconv.ParseUint(strings.TrimPrefix(f, "0x"), 16, 64)
			if err != nil {
				return res, fmt.Errorf("resource line %d: %w", bar, err)
			}
			vals[i] = v
		}

		start, end, flags := vals[0], vals[1], vals[2]
		res[bar].Flags = hal.ResourceFlags(flags)
		if start == 0 && end == 0 {
			continue
		}
		if end < start {
			return res, fmt.Errorf("resource line %d: end %#x before start %#x", bar, end, start)
		}
		res[bar].Start = start
		res[bar].Length = end - start + 1
	}
	return res, scanner.Err()
}

// isPCIAddress reports whether name has the form "dddd:bb:dd.f".
func isPCIAddress(name string) bool {
	if len(name) != 12 || name[4] != ':' || name[7] != ':' || name[10] != '.' {
		return false
	}
	for i, c := range name {
		switch i {
		case 4, 7, 10:
			continue
		}
		if !isHexDigit(byte(c)) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint reads an unsigned decimal integer from a sysfs attribute file.
func readSysfsUint(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, bitSize)
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	// Remove any "0x" prefix
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, bitSize)
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// writeSysfsString writes s to a sysfs attribute file.
func writeSysfsString(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(s)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
