// Package chrdev implements the host's character-device namespace: dynamic
// device-number allocation and the table of registered character devices
// consumers open by number or by name.
package chrdev

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ardnew/softpci/pkg"
)

// Dynamic major ranges, searched in order (highest first within each range).
const (
	DynamicMajorHigh   = 254
	DynamicMajorLow    = 234
	DynamicMajorExtEnd = 511
	DynamicMajorExtLow = 384
)

// MinorsPerMajor is the number of minors available under one major.
const MinorsPerMajor = 1 << 20

// Number is a character device number.
type Number struct {
	Major uint32
	Minor uint32
}

// String formats the number as "major:minor".
func (n Number) String() string {
	return fmt.Sprintf("%d:%d", n.Major, n.Minor)
}

// IsZero returns true for the unallocated number 0:0.
func (n Number) IsZero() bool {
	return n.Major == 0 && n.Minor == 0
}

// File is an open consumer session on a character device.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Operations is the file-operations table a driver registers for its devices.
type Operations interface {
	// Open starts a consumer session.
	Open() (File, error)

	// Size returns the addressable size of the device in bytes.
	Size() int64
}

// Entry describes a registered character device.
type Entry struct {
	Name   string
	Number Number
	Size   int64
}

// region is an allocated device-number range.
type region struct {
	name  string
	first Number
	count uint32
}

func (r *region) contains(n Number) bool {
	return n.Major == r.first.Major && n.Minor >= r.first.Minor && n.Minor < r.first.Minor+r.count
}

type cdev struct {
	name string
	num  Number
	ops  Operations
}

// Registry tracks allocated device-number regions and registered devices.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	regions map[uint32]*region // major -> region
	devices map[Number]*cdev
	names   map[string]Number

	// maxMajors bounds dynamic allocation; zero means no bound beyond the
	// dynamic ranges.
	maxMajors int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		regions: make(map[uint32]*region),
		devices: make(map[Number]*cdev),
		names:   make(map[string]Number),
	}
}

// SetMaxMajors limits how many dynamic majors may be allocated at once.
func (r *Registry) SetMaxMajors(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxMajors = n
}

// AllocRegion allocates count minors under a free dynamic major.
func (r *Registry) AllocRegion(name string, count int) (Number, error) {
	if count <= 0 || count > MinorsPerMajor {
		return Number{}, fmt.Errorf("%w: %w: minor count %d", pkg.ErrNumberAllocation, pkg.ErrInvalidParameter, count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxMajors > 0 && len(r.regions) >= r.maxMajors {
		return Number{}, fmt.Errorf("%w: major limit %d reached", pkg.ErrNumberAllocation, r.maxMajors)
	}

	major, ok := r.findFreeMajor()
	if !ok {
		return Number{}, fmt.Errorf("%w: no free dynamic major", pkg.ErrNumberAllocation)
	}

	first := Number{Major: major}
	r.regions[major] = &region{name: name, first: first, count: uint32(count)}

	pkg.LogDebug(pkg.ComponentChrdev, "region allocated",
		"name", name,
		"first", first.String(),
		"count", count)
	return first, nil
}

func (r *Registry) findFreeMajor() (uint32, bool) {
	for m := uint32(DynamicMajorHigh); m >= DynamicMajorLow; m-- {
		if _, used := r.regions[m]; !used {
			return m, true
		}
	}
	for m := uint32(DynamicMajorExtEnd); m >= DynamicMajorExtLow; m-- {
		if _, used := r.regions[m]; !used {
			return m, true
		}
	}
	return 0, false
}

// UnregisterRegion frees a region allocated by AllocRegion. Unknown regions
// are ignored. Devices still registered inside the region are removed.
func (r *Registry) UnregisterRegion(first Number, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regions[first.Major]
	if !ok || reg.first != first {
		pkg.LogDebug(pkg.ComponentChrdev, "unregister of unknown region ignored", "first", first.String())
		return
	}
	if uint32(count) != reg.count {
		pkg.LogWarn(pkg.ComponentChrdev, "region count mismatch on unregister",
			"first", first.String(),
			"allocated", reg.count,
			"released", count)
	}

	for num, dev := range r.devices {
		if reg.contains(num) {
			pkg.LogWarn(pkg.ComponentChrdev, "device still registered in freed region", "name", dev.name)
			delete(r.names, dev.name)
			delete(r.devices, num)
		}
	}
	delete(r.regions, first.Major)

	pkg.LogDebug(pkg.ComponentChrdev, "region released", "first", first.String())
}

// Add registers ops under num with the given node name. num must lie inside
// an allocated region and be free; name must be unique.
func (r *Registry) Add(num Number, name string, ops Operations) error {
	if ops == nil || name == "" {
		return fmt.Errorf("%w: %w", pkg.ErrRegistration, pkg.ErrInvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regions[num.Major]
	if !ok || !reg.contains(num) {
		return fmt.Errorf("%w: number %s not allocated", pkg.ErrRegistration, num)
	}
	if _, taken := r.devices[num]; taken {
		return fmt.Errorf("%w: number %s: %w", pkg.ErrRegistration, num, pkg.ErrBusy)
	}
	if _, taken := r.names[name]; taken {
		return fmt.Errorf("%w: name %q: %w", pkg.ErrRegistration, name, pkg.ErrBusy)
	}

	r.devices[num] = &cdev{name: name, num: num, ops: ops}
	r.names[name] = num

	pkg.LogDebug(pkg.ComponentChrdev, "device registered", "name", name, "number", num.String())
	return nil
}

// Del unregisters the device at num. Unknown numbers are ignored.
func (r *Registry) Del(num Number) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[num]
	if !ok {
		return
	}
	delete(r.names, dev.name)
	delete(r.devices, num)

	pkg.LogDebug(pkg.ComponentChrdev, "device unregistered", "name", dev.name, "number", num.String())
}

// Open starts a session on the device registered at num.
func (r *Registry) Open(num Number) (File, error) {
	r.mu.RLock()
	dev, ok := r.devices[num]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNoDevice, num)
	}
	return dev.ops.Open()
}

// OpenName starts a session on the device registered under name.
func (r *Registry) OpenName(name string) (File, error) {
	r.mu.RLock()
	num, ok := r.names[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkg.ErrNoDevice, name)
	}
	return r.Open(num)
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	num, ok := r.names[name]
	if !ok {
		return Entry{}, false
	}
	dev := r.devices[num]
	return Entry{Name: dev.name, Number: dev.num, Size: dev.ops.Size()}, true
}

// List returns all registered devices sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.devices))
	for _, dev := range r.devices {
		entries = append(entries, Entry{Name: dev.name, Number: dev.num, Size: dev.ops.Size()})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Regions returns the number of allocated regions.
func (r *Registry) Regions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}
