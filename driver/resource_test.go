package driver

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/pkg"
)

func TestStepString(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{StepEnable, "enable"},
		{StepClaimRegion, "claim-region"},
		{StepMapRegion, "map-region"},
		{StepAllocNumber, "alloc-number"},
		{StepRegister, "register"},
		{Step(0), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.step.String(); got != tt.want {
			t.Errorf("Step(%d).String() = %q, want %q", tt.step, got, tt.want)
		}
	}
}

func TestStageString(t *testing.T) {
	if got := StageBound.String(); got != "bound" {
		t.Errorf("StageBound.String() = %q", got)
	}
	if got := Stage(99).String(); got != "unknown" {
		t.Errorf("Stage(99).String() = %q", got)
	}
}

func TestAcquireAll(t *testing.T) {
	reg := chrdev.NewRegistry()
	rm := NewResourceManager(reg, NewBridge(), "drv", "region")
	dev := newMockDevice("0000:00:04.0", 4096)
	dc := newDeviceContext(dev, 0)

	for _, step := range Steps {
		if err := rm.Acquire(step, dc); err != nil {
			t.Fatalf("Acquire(%s) error = %v", step, err)
		}
		if dc.Stage() != Stage(step) {
			t.Errorf("after %s stage = %s, want %s", step, dc.Stage(), Stage(step))
		}
	}

	if dc.Claims() != NumSteps {
		t.Errorf("Claims() = %d, want %d", dc.Claims(), NumSteps)
	}
	if dc.RegionBase() != 0xfe000000 || dc.RegionLength() != 4096 {
		t.Errorf("region = %#x+%d", dc.RegionBase(), dc.RegionLength())
	}
	if dc.Number().Major != chrdev.DynamicMajorHigh {
		t.Errorf("Number() = %s, want major %d", dc.Number(), chrdev.DynamicMajorHigh)
	}
	if dc.NodeName() != "drv-0000:00:04.0" {
		t.Errorf("NodeName() = %q", dc.NodeName())
	}
	entry, ok := reg.Lookup("drv-0000:00:04.0")
	if !ok || entry.Size != 4096 {
		t.Errorf("registry entry = %+v, %v", entry, ok)
	}

	rm.Release(dc)

	want := []string{"enable", "request", "map", "unmap", "release", "disable"}
	if diff := cmp.Diff(want, dev.callLog()); diff != "" {
		t.Errorf("device calls mismatch (-want +got):\n%s", diff)
	}
	if dc.Claims() != 0 || dc.Stage() != StageNone {
		t.Errorf("after Release claims=%d stage=%s", dc.Claims(), dc.Stage())
	}
	if dc.Number() != (chrdev.Number{}) || dc.NodeName() != "" {
		t.Errorf("after Release number=%s node=%q", dc.Number(), dc.NodeName())
	}
	if len(reg.List()) != 0 || reg.Regions() != 0 {
		t.Errorf("registry not empty: %d devices, %d regions", len(reg.List()), reg.Regions())
	}
}

func TestAcquireOutOfOrder(t *testing.T) {
	rm := NewResourceManager(chrdev.NewRegistry(), NewBridge(), "drv", "region")
	dc := newDeviceContext(newMockDevice("0000:00:04.0", 4096), 0)

	if err := rm.Acquire(StepClaimRegion, dc); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Acquire(claim-region) at stage none error = %v, want ErrInvalidState", err)
	}
	if err := rm.Acquire(StepEnable, dc); err != nil {
		t.Fatalf("Acquire(enable) error = %v", err)
	}
	if err := rm.Acquire(StepEnable, dc); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("repeated Acquire(enable) error = %v, want ErrInvalidState", err)
	}
	if err := rm.Acquire(Step(0), dc); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Acquire(0) error = %v, want ErrInvalidState", err)
	}
	rm.Release(dc)
}

// Failing step k must release exactly the steps before it, newest first.
func TestAcquireRollback(t *testing.T) {
	tests := []struct {
		fail    Step
		setup   func(*mockDevice, *faultyChardevs)
		wantErr error
		want    []string
	}{
		{
			fail:    StepEnable,
			setup:   func(d *mockDevice, _ *faultyChardevs) { d.failEnable = true },
			wantErr: pkg.ErrEnable,
			want:    nil,
		},
		{
			fail:    StepClaimRegion,
			setup:   func(d *mockDevice, _ *faultyChardevs) { d.failRequest = true },
			wantErr: pkg.ErrRegionClaim,
			want:    []string{"+enable", "-enable"},
		},
		{
			fail:    StepMapRegion,
			setup:   func(d *mockDevice, _ *faultyChardevs) { d.failMap = true },
			wantErr: pkg.ErrMapping,
			want:    []string{"+enable", "+claim-region", "-claim-region", "-enable"},
		},
		{
			fail:    StepAllocNumber,
			setup:   func(_ *mockDevice, c *faultyChardevs) { c.failAlloc = true },
			wantErr: pkg.ErrNumberAllocation,
			want: []string{
				"+enable", "+claim-region", "+map-region",
				"-map-region", "-claim-region", "-enable",
			},
		},
		{
			fail:    StepRegister,
			setup:   func(_ *mockDevice, c *faultyChardevs) { c.failAdd = true },
			wantErr: pkg.ErrRegistration,
			want: []string{
				"+enable", "+claim-region", "+map-region", "+alloc-number",
				"-alloc-number", "-map-region", "-claim-region", "-enable",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.fail.String(), func(t *testing.T) {
			chardevs := &faultyChardevs{Registry: chrdev.NewRegistry()}
			dev := newMockDevice("0000:00:04.0", 4096)
			tt.setup(dev, chardevs)

			drv, rec := newTestDriver(t, chardevs)
			err := drv.Probe(dev)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Probe() error = %v, want %v", err, tt.wantErr)
			}

			if diff := cmp.Diff(tt.want, rec.log()); diff != "" {
				t.Errorf("acquire/release order mismatch (-want +got):\n%s", diff)
			}
			if !dev.idle() {
				t.Error("device still holds resources after failed probe")
			}
			if drv.State(dev.addr) != StateUnbound {
				t.Errorf("State() = %s, want unbound", drv.State(dev.addr))
			}
			if len(chardevs.List()) != 0 || chardevs.Regions() != 0 {
				t.Error("registry not empty after failed probe")
			}
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	rm := NewResourceManager(chrdev.NewRegistry(), NewBridge(), "drv", "region")
	rm.SetObserver(rec)
	dev := newMockDevice("0000:00:04.0", 4096)
	dc := newDeviceContext(dev, 0)

	rm.Release(dc)
	for _, step := range Steps[:2] {
		if err := rm.Acquire(step, dc); err != nil {
			t.Fatalf("Acquire(%s) error = %v", step, err)
		}
	}
	rm.Release(dc)
	rm.Release(dc)

	want := []string{"+enable", "+claim-region", "-claim-region", "-enable"}
	if diff := cmp.Diff(want, rec.log()); diff != "" {
		t.Errorf("release sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestMapRegionShort(t *testing.T) {
	dev := newMockDevice("0000:00:04.0", 4096)
	dev.shortMap = true
	drv, _ := newTestDriver(t, nil)

	if err := drv.Probe(dev); !errors.Is(err, pkg.ErrMapping) {
		t.Fatalf("Probe() error = %v, want ErrMapping", err)
	}
	if !dev.idle() {
		t.Error("short mapping was not unmapped")
	}
}

func TestMapRegionZeroLength(t *testing.T) {
	dev := newMockDevice("0000:00:04.0", 0)
	drv, rec := newTestDriver(t, nil)

	err := drv.Probe(dev)
	if !errors.Is(err, pkg.ErrMapping) {
		t.Fatalf("Probe() error = %v, want ErrMapping", err)
	}
	want := []string{"+enable", "+claim-region", "-claim-region", "-enable"}
	if diff := cmp.Diff(want, rec.log()); diff != "" {
		t.Errorf("acquire/release order mismatch (-want +got):\n%s", diff)
	}
}

func TestAcquireErrorWrappedOnce(t *testing.T) {
	registry := chrdev.NewRegistry()
	registry.SetMaxMajors(1)
	if _, err := registry.AllocRegion("other", 1); err != nil {
		t.Fatalf("AllocRegion() error = %v", err)
	}

	rm := NewResourceManager(registry, NewBridge(), "drv", "region")
	dc := newDeviceContext(newMockDevice("0000:00:04.0", 4096), 0)
	defer rm.Release(dc)

	var err error
	for _, step := range Steps {
		if err = rm.Acquire(step, dc); err != nil {
			break
		}
	}
	if !errors.Is(err, pkg.ErrNumberAllocation) {
		t.Fatalf("Acquire() error = %v, want ErrNumberAllocation", err)
	}
	if n := strings.Count(err.Error(), pkg.ErrNumberAllocation.Error()); n != 1 {
		t.Errorf("error %q names its cause %d times, want 1", err, n)
	}
}

func TestAcquireErrorWrapsPlatformCause(t *testing.T) {
	rm := NewResourceManager(chrdev.NewRegistry(), NewBridge(), "drv", "region")
	dev := newMockDevice("0000:00:04.0", 4096)
	dev.failEnable = true
	dc := newDeviceContext(dev, 0)

	err := rm.Acquire(StepEnable, dc)
	if !errors.Is(err, pkg.ErrEnable) || !errors.Is(err, errInjected) {
		t.Errorf("Acquire(enable) error = %v, want ErrEnable wrapping the device error", err)
	}
}
