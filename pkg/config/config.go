// Package config loads the softpci configuration file.
//
// The file is YAML. Every field is optional; missing fields keep the
// values from [Default], which describe the reference memory device
// driver running on an emulated bus:
//
//	driver:
//	  name: my_pci_driver
//	  region_name: my_pci_mem_region
//	  bar: 0
//	  ids:
//	    - vendor: 0x1234
//	      device: 0x5678
//	hal: emu
//	emu:
//	  devices:
//	    - region_size: 0x100000
//	linux:
//	  sysfs_root: /sys/bus/pci/devices
//	fuse:
//	  mountpoint: /run/softpci
//	log:
//	  level: info
//	  format: text
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softpci/pkg"
)

// HAL kinds.
const (
	HALEmu   = "emu"
	HALLinux = "linux"
)

// Config is the top-level configuration.
type Config struct {
	Driver DriverConfig `yaml:"driver"`
	HAL    string       `yaml:"hal"`
	Emu    EmuConfig    `yaml:"emu"`
	Linux  LinuxConfig  `yaml:"linux"`
	FUSE   FUSEConfig   `yaml:"fuse"`
	Log    LogConfig    `yaml:"log"`
}

// DriverConfig configures the driver identity.
type DriverConfig struct {
	Name       string `yaml:"name"`
	RegionName string `yaml:"region_name"`
	BAR        int    `yaml:"bar"`
	IDs        []ID   `yaml:"ids"`
	MaxDevices int    `yaml:"max_devices"`
}

// ID is one entry of the driver's ID table.
type ID struct {
	Vendor uint16 `yaml:"vendor"`
	Device uint16 `yaml:"device"`
}

// String formats the ID as "vvvv:dddd".
func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// ParseID parses "vvvv:dddd" with hexadecimal vendor and device IDs.
func ParseID(s string) (ID, error) {
	v, d, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ID{}, fmt.Errorf("%w: device ID %q is not vendor:device", pkg.ErrInvalidParameter, s)
	}
	vendor, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("%w: vendor in %q: %w", pkg.ErrInvalidParameter, s, err)
	}
	device, err := strconv.ParseUint(strings.TrimPrefix(d, "0x"), 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("%w: device in %q: %w", pkg.ErrInvalidParameter, s, err)
	}
	return ID{Vendor: uint16(vendor), Device: uint16(device)}, nil
}

// EmuConfig lists the devices plugged into the emulated bus at startup.
type EmuConfig struct {
	Devices []EmuDevice `yaml:"devices"`
}

// EmuDevice describes one emulated device. Zero fields take the emulator's
// defaults.
type EmuDevice struct {
	Vendor      uint16 `yaml:"vendor"`
	Device      uint16 `yaml:"device"`
	RegionSize  uint64 `yaml:"region_size"`
	NoInterrupt bool   `yaml:"no_interrupt"`
}

// LinuxConfig configures the sysfs bus HAL.
type LinuxConfig struct {
	SysfsRoot string `yaml:"sysfs_root"`
	NoHotplug bool   `yaml:"no_hotplug"`
}

// FUSEConfig configures the FUSE front end. An empty mountpoint disables it.
type FUSEConfig struct {
	Mountpoint string `yaml:"mountpoint"`
	AllowOther bool   `yaml:"allow_other"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Driver: DriverConfig{
			Name:       "my_pci_driver",
			RegionName: "my_pci_mem_region",
			BAR:        0,
			IDs:        []ID{{Vendor: 0x1234, Device: 0x5678}},
		},
		HAL: HALEmu,
		Emu: EmuConfig{
			Devices: []EmuDevice{{RegionSize: 0x100000}},
		},
		Linux: LinuxConfig{
			SysfsRoot: "/sys/bus/pci/devices",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse parses YAML configuration data over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", pkg.ErrInvalidParameter, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Driver.Name == "" {
		return fmt.Errorf("%w: driver name is empty", pkg.ErrInvalidParameter)
	}
	if c.Driver.RegionName == "" {
		return fmt.Errorf("%w: region name is empty", pkg.ErrInvalidParameter)
	}
	if c.Driver.BAR < 0 || c.Driver.BAR > 5 {
		return fmt.Errorf("%w: BAR %d out of range", pkg.ErrInvalidParameter, c.Driver.BAR)
	}
	if len(c.Driver.IDs) == 0 {
		return fmt.Errorf("%w: ID table is empty", pkg.ErrInvalidParameter)
	}
	if c.Driver.MaxDevices < 0 {
		return fmt.Errorf("%w: max devices %d", pkg.ErrInvalidParameter, c.Driver.MaxDevices)
	}

	switch c.HAL {
	case HALEmu:
		if c.Driver.BAR != 0 {
			return fmt.Errorf("%w: emulated devices only implement BAR 0", pkg.ErrInvalidParameter)
		}
	case HALLinux:
	default:
		return fmt.Errorf("%w: unknown HAL %q", pkg.ErrInvalidParameter, c.HAL)
	}

	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}
