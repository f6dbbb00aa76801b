//go:build linux

// softpci binds the memory device driver to a PCI bus and exposes each bound
// device's memory region as a file.
//
// Usage:
//
//	softpci [run] [flags]   bind devices and serve them until interrupted
//	softpci list [flags]    list the functions on the bus and exit
//
// With --hal=emu (the default) the bus is emulated in process and populated
// with --devices reference memory devices. With --hal=linux the sysfs PCI
// tree is scanned and netlink uevents are followed for hotplug.
//
// Bound devices are served through a FUSE filesystem when --mount is given:
//
//	softpci --mount /run/softpci &
//	dd if=/run/softpci/my_pci_driver-0000:00:04.0 bs=16 count=1 | xxd
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/ardnew/softpci/driver"
	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/driver/fusefs"
	"github.com/ardnew/softpci/driver/hal"
	"github.com/ardnew/softpci/driver/hal/emu"
	"github.com/ardnew/softpci/driver/hal/linux"
	"github.com/ardnew/softpci/pkg"
	"github.com/ardnew/softpci/pkg/config"
	"github.com/ardnew/softpci/pkg/linux/pciid"
)

// Component identifier for command logging.
const componentCLI pkg.Component = "softpci"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "softpci: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var o options
	fs := newFlagSet("softpci "+command, &o)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.help {
		fmt.Fprintf(stdout, "Usage: softpci [run|list] [flags]\n\n%s", fs.FlagUsages())
		return nil
	}

	cfg, err := o.config(fs)
	if err != nil {
		return err
	}
	configureLogging(cfg.Log)

	switch command {
	case "run":
		return serve(ctx, cfg)
	case "list":
		return list(cfg, o.pciIDs, stdout)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// configureLogging applies validated log settings to the shared logger.
func configureLogging(lc config.LogConfig) {
	level, _ := pkg.ParseLogLevel(lc.Level)
	format, _ := pkg.ParseLogFormat(lc.Format)
	pkg.SetLogFormat(format, os.Stderr)
	pkg.SetLogLevel(level)
}

// driverConfig converts the file's driver section.
func driverConfig(dc config.DriverConfig) driver.Config {
	ids := make([]hal.Identity, len(dc.IDs))
	for i, id := range dc.IDs {
		ids[i] = hal.Identity{Vendor: id.Vendor, Device: id.Device}
	}
	return driver.Config{
		Name:       dc.Name,
		RegionName: dc.RegionName,
		BAR:        dc.BAR,
		IDs:        ids,
		MaxDevices: dc.MaxDevices,
	}
}

func emuDeviceConfig(d config.EmuDevice) emu.DeviceConfig {
	return emu.DeviceConfig{
		Vendor:      d.Vendor,
		Device:      d.Device,
		RegionSize:  d.RegionSize,
		NoInterrupt: d.NoInterrupt,
	}
}

// serve registers the driver and serves bound devices until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	registry := chrdev.NewRegistry()
	drv := driver.New(driverConfig(cfg.Driver), registry)
	drv.SetOnBind(func(dc *driver.DeviceContext) {
		pkg.LogInfo(componentCLI, "device ready",
			"node", dc.NodeName(),
			"number", dc.Number().String(),
			"size", dc.RegionLength())
	})
	drv.SetOnUnbind(func(dc *driver.DeviceContext) {
		pkg.LogInfo(componentCLI, "device gone", "node", dc.NodeName())
	})

	var bus hal.BusHAL
	var emuBus *emu.Bus
	switch cfg.HAL {
	case config.HALLinux:
		bus = linux.NewBusHAL(linux.Options{
			SysfsRoot: cfg.Linux.SysfsRoot,
			NoHotplug: cfg.Linux.NoHotplug,
		})
	default:
		emuBus = emu.NewBus()
		bus = emuBus
	}

	mgr := driver.NewManager(bus, drv)
	if err := mgr.Register(ctx); err != nil {
		return fmt.Errorf("registering driver: %w", err)
	}
	defer func() {
		if err := mgr.Unregister(); err != nil {
			pkg.LogWarn(componentCLI, "unregister failed", "error", err)
		}
		probed, failed, removed := mgr.Stats()
		pkg.LogInfo(componentCLI, "exiting", "probed", probed, "failed", failed, "removed", removed)
	}()

	if emuBus != nil {
		for _, d := range cfg.Emu.Devices {
			if _, err := emuBus.Attach(emuDeviceConfig(d)); err != nil {
				return fmt.Errorf("attaching emulated device: %w", err)
			}
		}
	}

	if cfg.FUSE.Mountpoint != "" {
		server, err := fusefs.Mount(fusefs.Options{
			Mountpoint: cfg.FUSE.Mountpoint,
			Registry:   registry,
			AllowOther: cfg.FUSE.AllowOther,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := server.Unmount(); err != nil {
				pkg.LogWarn(componentCLI, "unmount failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	pkg.LogInfo(componentCLI, "shutting down")
	return nil
}

// listedDevice is what list prints for each function.
type listedDevice interface {
	Address() string
	Identity() hal.Identity
	Class() uint32
	IRQ() int
	Resource(bar int) (hal.Resource, error)
}

// list prints the functions on the configured bus.
func list(cfg *config.Config, pciIDsPath string, stdout io.Writer) error {
	var devices []listedDevice
	switch cfg.HAL {
	case config.HALLinux:
		found, err := linux.Scan(cfg.Linux.SysfsRoot)
		if err != nil {
			return err
		}
		for _, d := range found {
			devices = append(devices, d)
		}
	default:
		bus := emu.NewBus()
		defer bus.Close()
		for _, d := range cfg.Emu.Devices {
			dev, err := bus.Attach(emuDeviceConfig(d))
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
	}

	db := pciid.New()
	if pciIDsPath != "" {
		db = pciid.NewWithPaths([]string{pciIDsPath})
	}
	db.Load()

	drv := driver.New(driverConfig(cfg.Driver), chrdev.NewRegistry())
	return writeDeviceTable(stdout, devices, db, drv, cfg.Driver.BAR)
}

// writeDeviceTable prints one row per device.
func writeDeviceTable(w io.Writer, devices []listedDevice, db *pciid.Database, drv *driver.Driver, bar int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ADDRESS\tID\tMATCH\tIRQ\tBAR%d\tCLASS\tNAME\n", bar)
	for _, d := range devices {
		id := d.Identity()
		match := "-"
		if drv.Match(id) {
			match = "yes"
		}
		region := "-"
		if res, err := d.Resource(bar); err == nil && res.Length > 0 {
			region = fmt.Sprintf("%#x+%#x", res.Start, res.Length)
		}
		class := db.LookupClass(d.Class())
		if class == "" {
			class = fmt.Sprintf("%06x", d.Class())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.Address(), id, match, d.IRQ(), region, class, db.Describe(id.Vendor, id.Device))
	}
	return tw.Flush()
}
