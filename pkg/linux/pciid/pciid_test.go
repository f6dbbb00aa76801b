//go:build linux

package pciid

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleIDs = `# PCI ID database
#	Syntax:
#	vendor  vendor_name
#		device  device_name
#			subvendor subdevice  subsystem_name

1234  Test Vendor One
	11e8  Memory Device
		1234 0001  Memory Device Rev A
	5678  Test Device Two
abcd  Test Vendor Two
	def0  Test Device Three

# List of known device classes, subclasses and programming interfaces
C 05  Memory controller
	00  RAM memory
	01  FLASH memory
C 0c  Serial bus controller
	03  USB controller
		30  XHCI
`

func writeIDs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pci.ids")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func TestNew(t *testing.T) {
	db := New()
	if db == nil {
		t.Fatal("New() returned nil")
	}
	if len(db.paths) != len(DefaultPaths) {
		t.Errorf("Expected %d paths, got %d", len(DefaultPaths), len(db.paths))
	}
	if db.IsLoaded() {
		t.Error("IsLoaded() should be false before Load()")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	db := NewWithPaths([]string{"/nonexistent/path/pci.ids"})
	if db.Load() {
		t.Error("Load() should return false when file not found")
	}
	if !db.IsLoaded() {
		t.Error("IsLoaded() should return true after Load() attempt")
	}
	if got := db.LookupVendor(0x1234); got != "" {
		t.Errorf("LookupVendor() = %q, want empty string", got)
	}
}

func TestLoad_SearchOrder(t *testing.T) {
	path := writeIDs(t, sampleIDs)
	db := NewWithPaths([]string{"/nonexistent/pci.ids", path})
	if !db.Load() {
		t.Fatal("Load() failed")
	}
	if got := db.VendorCount(); got != 2 {
		t.Errorf("VendorCount() = %d, want 2", got)
	}
}

func TestLoad_Idempotent(t *testing.T) {
	path := writeIDs(t, sampleIDs)
	db := NewWithPaths([]string{path})
	if !db.Load() {
		t.Fatal("First Load() failed")
	}
	vendors, devices := db.VendorCount(), db.DeviceCount()

	if err := os.WriteFile(path, []byte("9999  Late Vendor\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !db.Load() {
		t.Error("Second Load() failed")
	}
	if db.VendorCount() != vendors || db.DeviceCount() != devices {
		t.Error("Second Load() modified the database")
	}
}

func TestLookup(t *testing.T) {
	db := New()
	if err := db.LoadFrom(strings.NewReader(sampleIDs)); err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	tests := []struct {
		name       string
		vendor     uint16
		device     uint16
		wantVendor string
		wantDevice string
	}{
		{"first vendor and device", 0x1234, 0x11e8, "Test Vendor One", "Memory Device"},
		{"second device of first vendor", 0x1234, 0x5678, "Test Vendor One", "Test Device Two"},
		{"second vendor", 0xabcd, 0xdef0, "Test Vendor Two", "Test Device Three"},
		{"unknown vendor", 0xffff, 0x0000, "", ""},
		{"known vendor, unknown device", 0x1234, 0xffff, "Test Vendor One", ""},
		{"device under wrong vendor", 0xabcd, 0x11e8, "Test Vendor Two", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := db.LookupVendor(tt.vendor); got != tt.wantVendor {
				t.Errorf("LookupVendor(0x%04x) = %q, want %q", tt.vendor, got, tt.wantVendor)
			}
			if got := db.LookupDevice(tt.vendor, tt.device); got != tt.wantDevice {
				t.Errorf("LookupDevice(0x%04x, 0x%04x) = %q, want %q",
					tt.vendor, tt.device, got, tt.wantDevice)
			}
		})
	}
}

func TestLookupSubsystem(t *testing.T) {
	db := New()
	if err := db.LoadFrom(strings.NewReader(sampleIDs)); err != nil {
		t.Fatal(err)
	}
	if got := db.LookupSubsystem(0x1234, 0x11e8, 0x1234, 0x0001); got != "Memory Device Rev A" {
		t.Errorf("LookupSubsystem() = %q, want %q", got, "Memory Device Rev A")
	}
	if got := db.LookupSubsystem(0x1234, 0x5678, 0x1234, 0x0001); got != "" {
		t.Errorf("LookupSubsystem() on other device = %q, want empty string", got)
	}
}

func TestLookupClass(t *testing.T) {
	db := New()
	if err := db.LoadFrom(strings.NewReader(sampleIDs)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		code uint32
		want string
	}{
		{0x050000, "RAM memory"},
		{0x050100, "FLASH memory"},
		{0x058000, "Memory controller"},
		{0x0c0330, "USB controller"},
		{0x0c0000, "Serial bus controller"},
		{0xff0000, ""},
	}
	for _, tt := range tests {
		if got := db.LookupClass(tt.code); got != tt.want {
			t.Errorf("LookupClass(0x%06x) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// Class sections must not leak entries into the last vendor.
func TestClassSectionResetsVendor(t *testing.T) {
	db := New()
	content := "abcd  Vendor\n\t0001  Device\nC 05  Memory controller\n\t00  RAM memory\n"
	if err := db.LoadFrom(strings.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	if got := db.LookupDevice(0xabcd, 0x0000); got != "" {
		t.Errorf("LookupDevice(0xabcd, 0x0000) = %q, want empty string", got)
	}
	if got := db.DeviceCount(); got != 1 {
		t.Errorf("DeviceCount() = %d, want 1", got)
	}
}

func TestDescribe(t *testing.T) {
	db := New()
	if err := db.LoadFrom(strings.NewReader(sampleIDs)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		vendor, device uint16
		want           string
	}{
		{0x1234, 0x11e8, "Test Vendor One Memory Device"},
		{0x1234, 0x00ff, "Test Vendor One device 00ff"},
		{0x0001, 0x0002, "vendor 0001 device 0002"},
	}
	for _, tt := range tests {
		if got := db.Describe(tt.vendor, tt.device); got != tt.want {
			t.Errorf("Describe(0x%04x, 0x%04x) = %q, want %q", tt.vendor, tt.device, got, tt.want)
		}
	}
}

func TestMalformedLines(t *testing.T) {
	content := `# Test malformed lines
1234  Valid Vendor
	5678  Valid Device
ZZZZ  Invalid vendor (non-hex)
	YYYY  Invalid device (non-hex)
12    Too short
	34    Too short
1234Valid Vendor No Space
	5678Valid Device No Space
9abc  Another Valid Vendor
	def0  Another Valid Device
		zz 0001  Bad subsystem
C zz  Bad class
	00  Orphan subclass
`
	db := NewWithPaths([]string{writeIDs(t, content)})
	if !db.Load() {
		t.Fatal("Load() failed")
	}

	if got := db.VendorCount(); got != 2 {
		t.Errorf("VendorCount() = %d, want 2", got)
	}
	if got := db.DeviceCount(); got != 2 {
		t.Errorf("DeviceCount() = %d, want 2", got)
	}
	if got := db.LookupDevice(0x9abc, 0xdef0); got != "Another Valid Device" {
		t.Errorf("LookupDevice(0x9abc, 0xdef0) = %q, want %q", got, "Another Valid Device")
	}
	if got := db.LookupClass(0x000000); got != "" {
		t.Errorf("LookupClass(0) = %q, want empty string", got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestLoadFromError(t *testing.T) {
	db := New()
	if err := db.LoadFrom(failingReader{}); err == nil {
		t.Error("LoadFrom() should report reader errors")
	}
	if !db.IsLoaded() {
		t.Error("IsLoaded() should be true after LoadFrom()")
	}
}
