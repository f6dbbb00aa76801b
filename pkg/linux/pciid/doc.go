//go:build linux

// Package pciid provides access to the PCI ID database for looking up vendor,
// device, subsystem and class names.
//
// The PCI ID database (pci.ids) is maintained by the PCI ID Project and
// distributed with most Linux systems. It maps PCI vendor IDs, device IDs and
// class codes to human-readable names.
//
// # Usage
//
// Load the database once at startup:
//
//	db := pciid.New()
//	db.Load()
//
// Then look up names:
//
//	vendorName := db.LookupVendor(0x8086)
//	deviceName := db.LookupDevice(0x8086, 0x100e)
//	className := db.LookupClass(0x050000)
//
// # Database Locations
//
// The package searches for the PCI ID database in these locations:
//
//   - /usr/share/hwdata/pci.ids
//   - /usr/share/misc/pci.ids
//   - /usr/share/pci.ids
//   - /var/lib/pciutils/pci.ids
//
// If the database file is not found, lookup methods return empty strings.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package pciid
