//go:build linux

package pciid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the PCI ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/pci.ids",
	"/usr/share/misc/pci.ids",
	"/usr/share/pci.ids",
	"/var/lib/pciutils/pci.ids",
}

// Database caches names from the PCI ID database.
type Database struct {
	vendors    map[uint16]string // vendor -> name
	devices    map[uint32]string // vendor<<16 | device -> name
	subsystems map[uint64]string // vendor<<48 | device<<32 | subvendor<<16 | subdevice -> name
	classes    map[uint8]string  // base class -> name
	subclasses map[uint16]string // class<<8 | subclass -> name
	loaded     bool
	mu         sync.RWMutex
	paths      []string
}

// New creates a database that searches the default paths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths creates a database that searches the specified paths.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors:    make(map[uint16]string),
		devices:    make(map[uint32]string),
		subsystems: make(map[uint64]string),
		classes:    make(map[uint8]string),
		subclasses: make(map[uint16]string),
		paths:      paths,
	}
}

// Load parses the first database file found on the search path. Subsequent
// calls do nothing.
//
// Returns true if the database was loaded (or already loaded), false if no
// database file could be found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return true
	}

	for _, path := range db.paths {
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		defer file.Close()
		db.parse(file)
		db.loaded = true
		return true
	}

	// Mark as loaded even if file not found to prevent repeated searches
	db.loaded = true
	return false
}

// LoadFrom parses database text from r, adding to whatever is already
// loaded, and marks the database loaded.
func (db *Database) LoadFrom(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.parse(r)
	db.loaded = true
	return err
}

// parse reads the pci.ids format:
//
//	vvvv  Vendor
//		dddd  Device
//			ssss tttt  Subsystem
//	C cc  Class
//		ss  Subclass
//			pp  Programming interface
func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)

	var (
		inClass   bool
		vendor    uint16
		device    uint16
		haveVen   bool
		haveDev   bool
		class     uint8
		haveClass bool
	)

	for scanner.Scan() {
		line := scanner.Text()

		if len(line) == 0 || line[0] == '#' {
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '\t' {
			depth++
		}
		body := line[depth:]

		switch {
		case depth == 0 && strings.HasPrefix(body, "C "):
			inClass, haveVen, haveDev = true, false, false
			id, name, ok := splitEntry(body[2:], 2)
			haveClass = ok
			if ok {
				class = uint8(id)
				db.classes[class] = name
			}

		case depth == 0:
			inClass, haveClass, haveDev = false, false, false
			id, name, ok := splitEntry(body, 4)
			haveVen = ok
			if ok {
				vendor = uint16(id)
				db.vendors[vendor] = name
			}

		case depth == 1 && inClass:
			if !haveClass {
				continue
			}
			if id, name, ok := splitEntry(body, 2); ok {
				db.subclasses[uint16(class)<<8|uint16(id)] = name
			}

		case depth == 1:
			haveDev = false
			if !haveVen {
				continue
			}
			id, name, ok := splitEntry(body, 4)
			haveDev = ok
			if ok {
				device = uint16(id)
				db.devices[uint32(vendor)<<16|uint32(device)] = name
			}

		case depth == 2 && !inClass:
			if !haveDev || len(body) < 10 || body[4] != ' ' {
				continue
			}
			subVendor, err := strconv.ParseUint(body[:4], 16, 16)
			if err != nil {
				continue
			}
			if subDevice, name, ok := splitEntry(body[5:], 4); ok {
				key := uint64(vendor)<<48 | uint64(device)<<32 |
					subVendor<<16 | subDevice
				db.subsystems[key] = name
			}
		}
	}

	return scanner.Err()
}

// splitEntry parses "<width hex digits>  name". ok is false if the id is
// malformed or no name follows it.
func splitEntry(s string, width int) (id uint64, name string, ok bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, width*4)
	if err != nil {
		return 0, "", false
	}
	name = strings.TrimLeft(s[width:], " ")
	if name == "" {
		return 0, "", false
	}
	return id, name, true
}

// LookupVendor returns the vendor name for the given vendor ID, or an empty
// string if it is unknown.
func (db *Database) LookupVendor(vendor uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vendor]
}

// LookupDevice returns the device name for the given vendor and device IDs.
func (db *Database) LookupDevice(vendor, device uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.devices[uint32(vendor)<<16|uint32(device)]
}

// LookupSubsystem returns the subsystem name for a device as seen through
// the given subsystem vendor and subsystem device IDs.
func (db *Database) LookupSubsystem(vendor, device, subVendor, subDevice uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	key := uint64(vendor)<<48 | uint64(device)<<32 |
		uint64(subVendor)<<16 | uint64(subDevice)
	return db.subsystems[key]
}

// LookupClass returns the most specific name known for a 24-bit class code
// (base class, subclass, programming interface). The subclass name is
// preferred; the base class name is returned otherwise.
func (db *Database) LookupClass(code uint32) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	base := uint8(code >> 16)
	sub := uint8(code >> 8)
	if name, ok := db.subclasses[uint16(base)<<8|uint16(sub)]; ok {
		return name
	}
	return db.classes[base]
}

// Describe returns "Vendor Device" for the given IDs, falling back to the
// hexadecimal form for any part that is unknown.
func (db *Database) Describe(vendor, device uint16) string {
	v := db.LookupVendor(vendor)
	if v == "" {
		v = "vendor " + hex4(vendor)
	}
	d := db.LookupDevice(vendor, device)
	if d == "" {
		d = "device " + hex4(device)
	}
	return v + " " + d
}

func hex4(v uint16) string {
	s := strconv.FormatUint(uint64(v), 16)
	return strings.Repeat("0", 4-len(s)) + s
}

// IsLoaded returns true if the database has been loaded (or load was attempted).
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// VendorCount returns the number of vendors in the database.
func (db *Database) VendorCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// DeviceCount returns the number of devices in the database.
func (db *Database) DeviceCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.devices)
}
