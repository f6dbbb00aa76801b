//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ardnew/softpci/pkg/config"
)

// options holds the command-line flags. Flags that are set override the
// corresponding configuration file values.
type options struct {
	configPath string
	hal        string
	ids        []string
	maxDevices int
	emuDevices int
	regionSize uint64
	sysfsRoot  string
	noHotplug  bool
	mountpoint string
	allowOther bool
	pciIDs     string
	logLevel   string
	logFormat  string
	help       bool
}

func newFlagSet(name string, o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to YAML configuration file")
	fs.StringVar(&o.hal, "hal", config.HALEmu, "bus HAL: emu or linux")
	fs.StringSliceVar(&o.ids, "id", nil, "vendor:device ID to match, in hex (repeatable)")
	fs.IntVar(&o.maxDevices, "max-devices", 0, "maximum bound devices (0 = unlimited)")
	fs.IntVar(&o.emuDevices, "devices", 1, "number of emulated devices to plug in")
	fs.Uint64Var(&o.regionSize, "region-size", 0x100000, "emulated BAR 0 size in bytes")
	fs.StringVar(&o.sysfsRoot, "sysfs-root", "", "sysfs PCI devices directory")
	fs.BoolVar(&o.noHotplug, "no-hotplug", false, "do not monitor netlink uevents")
	fs.StringVarP(&o.mountpoint, "mount", "m", "", "mount the device filesystem here")
	fs.BoolVar(&o.allowOther, "allow-other", false, "let other users access the mount")
	fs.StringVar(&o.pciIDs, "pci-ids", "", "path to pci.ids (default: search standard locations)")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "text", "log format: text or json")
	fs.BoolVarP(&o.help, "help", "h", false, "show help")
	return fs
}

// config loads the configuration file, if any, and applies the flags that
// were set on the command line.
func (o *options) config(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if fs.Changed("hal") {
		cfg.HAL = o.hal
	}
	if fs.Changed("id") {
		cfg.Driver.IDs = cfg.Driver.IDs[:0]
		for _, s := range o.ids {
			id, err := config.ParseID(s)
			if err != nil {
				return nil, err
			}
			cfg.Driver.IDs = append(cfg.Driver.IDs, id)
		}
	}
	if fs.Changed("max-devices") {
		cfg.Driver.MaxDevices = o.maxDevices
	}
	if fs.Changed("devices") || fs.Changed("region-size") {
		n := len(cfg.Emu.Devices)
		if fs.Changed("devices") {
			if o.emuDevices < 0 {
				return nil, fmt.Errorf("--devices %d: must not be negative", o.emuDevices)
			}
			n = o.emuDevices
		}
		devices := make([]config.EmuDevice, n)
		for i := range devices {
			if i < len(cfg.Emu.Devices) {
				devices[i] = cfg.Emu.Devices[i]
			}
			if fs.Changed("region-size") || devices[i].RegionSize == 0 {
				devices[i].RegionSize = o.regionSize
			}
		}
		cfg.Emu.Devices = devices
	}
	if fs.Changed("sysfs-root") {
		cfg.Linux.SysfsRoot = o.sysfsRoot
	}
	if fs.Changed("no-hotplug") {
		cfg.Linux.NoHotplug = o.noHotplug
	}
	if fs.Changed("mount") {
		cfg.FUSE.Mountpoint = o.mountpoint
	}
	if fs.Changed("allow-other") {
		cfg.FUSE.AllowOther = o.allowOther
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
