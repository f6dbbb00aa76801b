package driver

import (
	"errors"
	"fmt"

	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/pkg"
)

// Step is one resource acquisition step. Steps run in declaration order;
// completing step N leaves a context at Stage(N).
type Step uint8

// Acquisition steps.
const (
	StepEnable      Step = iota + 1 // Enable the device for bus transactions
	StepClaimRegion                 // Claim the BAR
	StepMapRegion                   // Map the BAR
	StepAllocNumber                 // Allocate a device-number range
	StepRegister                    // Register the character device
)

// NumSteps is the number of acquisition steps.
const NumSteps = int(StepRegister)

// Steps lists every acquisition step in order.
var Steps = [NumSteps]Step{StepEnable, StepClaimRegion, StepMapRegion, StepAllocNumber, StepRegister}

// String returns the step name.
func (s Step) String() string {
	switch s {
	case StepEnable:
		return "enable"
	case StepClaimRegion:
		return "claim-region"
	case StepMapRegion:
		return "map-region"
	case StepAllocNumber:
		return "alloc-number"
	case StepRegister:
		return "register"
	default:
		return "unknown"
	}
}

// failure returns the sentinel error reported when the step fails.
func (s Step) failure() error {
	switch s {
	case StepEnable:
		return pkg.ErrEnable
	case StepClaimRegion:
		return pkg.ErrRegionClaim
	case StepMapRegion:
		return pkg.ErrMapping
	case StepAllocNumber:
		return pkg.ErrNumberAllocation
	case StepRegister:
		return pkg.ErrRegistration
	default:
		return pkg.ErrInvalidParameter
	}
}

// CharDevices is the character-device namespace used for steps 4 and 5.
// [chrdev.Registry] implements it.
type CharDevices interface {
	AllocRegion(name string, count int) (chrdev.Number, error)
	UnregisterRegion(first chrdev.Number, count int)
	Add(num chrdev.Number, name string, ops chrdev.Operations) error
	Del(num chrdev.Number)
}

// Observer receives a callback for every acquired and released claim.
// Callbacks run with the device context locked and must not call back into it.
type Observer interface {
	OnAcquire(address string, step Step)
	OnRelease(address string, step Step)
}

// ResourceManager acquires and releases the ordered chain of resources
// backing one device context.
type ResourceManager struct {
	chardevs   CharDevices
	bridge     *Bridge
	driverName string
	regionName string
	observer   Observer
}

// NewResourceManager creates a resource manager that registers character
// devices in chardevs and serves them through bridge.
func NewResourceManager(chardevs CharDevices, bridge *Bridge, driverName, regionName string) *ResourceManager {
	return &ResourceManager{
		chardevs:   chardevs,
		bridge:     bridge,
		driverName: driverName,
		regionName: regionName,
	}
}

// SetObserver installs an observer. It must be set before any probe runs.
func (rm *ResourceManager) SetObserver(o Observer) {
	rm.observer = o
}

// Acquire performs step on dc. The step must be the next one after the
// context's current stage. On failure nothing is held for this step and the
// caller must Release dc before giving up.
func (rm *ResourceManager) Acquire(step Step, dc *DeviceContext) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if step < StepEnable || step > StepRegister || Stage(step) != dc.stage+1 {
		return fmt.Errorf("%w: step %s at stage %s", pkg.ErrInvalidState, step, dc.stage)
	}

	release, err := rm.acquire(step, dc)
	if err != nil {
		pkg.LogWarn(pkg.ComponentResource, "acquisition failed",
			"address", dc.address,
			"step", step.String(),
			"error", err)
		if errors.Is(err, step.failure()) {
			return err
		}
		return fmt.Errorf("%w: %w", step.failure(), err)
	}

	dc.claims = append(dc.claims, claim{step: step, release: release})
	dc.stage = Stage(step)

	if rm.observer != nil {
		rm.observer.OnAcquire(dc.address, step)
	}
	pkg.LogDebug(pkg.ComponentResource, "acquired",
		"address", dc.address,
		"step", step.String())
	return nil
}

// Release gives back every claim held by dc in reverse acquisition order.
// Each claim is released exactly once; release errors are logged and do not
// stop the unwind. Releasing a context with no claims does nothing.
func (rm *ResourceManager) Release(dc *DeviceContext) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.binding != nil {
		pkg.LogWarn(pkg.ComponentResource, "releasing a bound context", "address", dc.address)
		dc.binding = nil
	}

	for i := len(dc.claims) - 1; i >= 0; i-- {
		c := dc.claims[i]
		dc.claims = dc.claims[:i]
		dc.stage = Stage(c.step) - 1

		if err := c.release(); err != nil {
			pkg.LogWarn(pkg.ComponentResource, "release failed",
				"address", dc.address,
				"step", c.step.String(),
				"error", err)
		}
		if rm.observer != nil {
			rm.observer.OnRelease(dc.address, c.step)
		}
		pkg.LogDebug(pkg.ComponentResource, "released",
			"address", dc.address,
			"step", c.step.String())
	}
	dc.stage = StageNone
}

// acquire runs one step and returns the function that undoes it. Caller
// holds dc.mu.
func (rm *ResourceManager) acquire(step Step, dc *DeviceContext) (func() error, error) {
	switch step {
	case StepEnable:
		return rm.enable(dc)
	case StepClaimRegion:
		return rm.claimRegion(dc)
	case StepMapRegion:
		return rm.mapRegion(dc)
	case StepAllocNumber:
		return rm.allocNumber(dc)
	case StepRegister:
		return rm.register(dc)
	}
	return nil, pkg.ErrInvalidParameter
}

func (rm *ResourceManager) enable(dc *DeviceContext) (func() error, error) {
	if err := dc.dev.Enable(); err != nil {
		return nil, err
	}
	return dc.dev.Disable, nil
}

func (rm *ResourceManager) claimRegion(dc *DeviceContext) (func() error, error) {
	res, err := dc.dev.Resource(dc.bar)
	if err != nil {
		return nil, err
	}
	if err := dc.dev.RequestRegion(dc.bar, rm.regionName); err != nil {
		return nil, err
	}
	dc.regionBase = res.Start
	dc.regionLength = res.Length

	bar := dc.bar
	return func() error { return dc.dev.ReleaseRegion(bar) }, nil
}

func (rm *ResourceManager) mapRegion(dc *DeviceContext) (func() error, error) {
	if dc.regionLength == 0 {
		return nil, fmt.Errorf("BAR%d has no length: %w", dc.bar, pkg.ErrNoDevice)
	}
	if dc.regionLength > uint64(maxInt) {
		return nil, fmt.Errorf("BAR%d length %#x: %w", dc.bar, dc.regionLength, pkg.ErrNotSupported)
	}

	mem, err := dc.dev.MapRegion(dc.bar, dc.regionLength)
	if err != nil {
		return nil, err
	}
	if mem == nil || uint64(len(mem)) != dc.regionLength {
		if mem != nil {
			if uerr := dc.dev.UnmapRegion(mem); uerr != nil {
				pkg.LogWarn(pkg.ComponentResource, "unmap of short mapping failed",
					"address", dc.address,
					"error", uerr)
			}
		}
		return nil, fmt.Errorf("mapped %d bytes, want %d", len(mem), dc.regionLength)
	}
	dc.mapped = mem

	return func() error {
		m := dc.mapped
		dc.mapped = nil
		return dc.dev.UnmapRegion(m)
	}, nil
}

func (rm *ResourceManager) allocNumber(dc *DeviceContext) (func() error, error) {
	num, err := rm.chardevs.AllocRegion(rm.driverName, 1)
	if err != nil {
		return nil, err
	}
	dc.number = num

	return func() error {
		rm.chardevs.UnregisterRegion(num, 1)
		dc.number = chrdev.Number{}
		return nil
	}, nil
}

func (rm *ResourceManager) register(dc *DeviceContext) (func() error, error) {
	name := rm.nodeName(dc)
	ops := rm.bridge.operations(dc, int64(dc.regionLength))
	if err := rm.chardevs.Add(dc.number, name, ops); err != nil {
		return nil, err
	}
	dc.nodeName = name

	num := dc.number
	return func() error {
		rm.chardevs.Del(num)
		dc.nodeName = ""
		return nil
	}, nil
}

// nodeName returns the character device node name for dc.
func (rm *ResourceManager) nodeName(dc *DeviceContext) string {
	return rm.driverName + "-" + dc.address
}

const maxInt = int(^uint(0) >> 1)
