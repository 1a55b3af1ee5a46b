// Package config holds the loader configuration and the description of the
// emulated machine used by the hosted firmware.
package config

import (
	"gopherboot/loader/mem"
	"gopherboot/loader/mmap"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultKernelPath is the location of the kernel on the boot volume.
const DefaultKernelPath = `\EFI\gopher\kernel.elf`

// Config is the loader configuration.
type Config struct {
	// KernelPath is the boot volume path of the kernel image.
	KernelPath string `toml:"kernel_path"`

	// StackPages is the size of the initial kernel stack in pages.
	StackPages uint64 `toml:"stack_pages"`

	// MapRetries bounds the number of memory map queries.
	MapRetries uint64 `toml:"map_retries"`

	// HugePages enables 2M and 1G pages for the direct map.
	HugePages bool `toml:"huge_pages"`

	// AllowHeadless lets the boot continue when the firmware provides no
	// linear framebuffer.
	AllowHeadless bool `toml:"allow_headless"`

	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`

	// Machine describes the emulated machine in hosted mode.
	Machine Machine `toml:"machine"`
}

// Machine describes the emulated machine.
type Machine struct {
	Vendor   string `toml:"vendor"`
	Revision uint32 `toml:"revision"`
	RSDP     uint64 `toml:"rsdp"`

	// DescriptorFormat selects the memory map encoding: "efi" or "e820".
	DescriptorFormat string `toml:"descriptor_format"`

	// DescriptorSize is the stride of EFI descriptors.
	DescriptorSize int `toml:"descriptor_size"`

	// MapChurn is the number of memory map queries that observe a
	// spontaneous map change.
	MapChurn int `toml:"map_churn"`

	// ExitChurn is the number of ExitBootServices calls that find the map
	// changed by a firmware event.
	ExitChurn int `toml:"exit_churn"`

	// Trampoline is the physical address of the loader code page that is
	// identity mapped across the page table switch.
	Trampoline uint64 `toml:"trampoline"`

	Regions     []Region     `toml:"region"`
	Framebuffer *Framebuffer `toml:"framebuffer"`

	// Headless machines report no linear framebuffer.
	Headless bool `toml:"headless"`

	// Files maps boot volume paths to host files.
	Files map[string]string `toml:"files"`
}

// Region is a firmware memory map entry.
type Region struct {
	Start uint64 `toml:"start"`
	Pages uint64 `toml:"pages"`

	// Type is an EFI memory type name, e.g. "conventional",
	// "boot_services_data", "acpi_reclaim" or "mmio".
	Type string `toml:"type"`
}

// Framebuffer describes the emulated framebuffer.
type Framebuffer struct {
	PhysAddr uint64 `toml:"phys_addr"`
	Width    uint32 `toml:"width"`
	Height   uint32 `toml:"height"`
	Stride   uint32 `toml:"stride"`
	Format   string `toml:"format"`
}

// Default returns the default configuration: a 128M machine with a firmware
// memory map shaped like the one OVMF reports under qemu.
func Default() *Config {
	return &Config{
		KernelPath: DefaultKernelPath,
		StackPages: mem.DefaultStackPages,
		MapRetries: mmap.DefaultMaxRetries,
		HugePages:  true,
		LogLevel:   logrus.InfoLevel.String(),
		Machine: Machine{
			Vendor:           "EDK II",
			Revision:         0x10000,
			RSDP:             0x7fb7e014,
			DescriptorFormat: "efi",
			DescriptorSize:   48,
			Trampoline:       0x7e60000,
			Regions: []Region{
				{Start: 0x0, Pages: 0xa0, Type: "conventional"},
				{Start: 0x100000, Pages: 0x700, Type: "conventional"},
				{Start: 0x800000, Pages: 0x8, Type: "acpi_nvs"},
				{Start: 0x808000, Pages: 0x7, Type: "conventional"},
				{Start: 0x810000, Pages: 0xf0, Type: "acpi_nvs"},
				{Start: 0x900000, Pages: 0x74e0, Type: "conventional"},
				{Start: 0x7de0000, Pages: 0x80, Type: "boot_services_data"},
				{Start: 0x7e60000, Pages: 0x20, Type: "loader_code"},
				{Start: 0x7e80000, Pages: 0xf0, Type: "boot_services_code"},
				{Start: 0x7f70000, Pages: 0x10, Type: "runtime_services_data"},
				{Start: 0x7f80000, Pages: 0x7e, Type: "acpi_reclaim"},
				{Start: 0x7ffe000, Pages: 0x2, Type: "reserved"},
				{Start: 0xffc00000, Pages: 0x400, Type: "mmio"},
			},
			Framebuffer: &Framebuffer{
				PhysAddr: 0x80000000,
				Width:    1280,
				Height:   800,
				Stride:   1280,
				Format:   "bgr",
			},
			Files: map[string]string{},
		},
	}
}

// Load reads the TOML file at path on top of the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	// An explicit region list replaces the default machine layout; decoding
	// into the default slice would merge the entries field by field.
	defaultRegions := cfg.Machine.Regions
	cfg.Machine.Regions = nil

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %q", path)
	}

	if !md.IsDefined("machine", "region") {
		cfg.Machine.Regions = defaultRegions
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, errors.Errorf("config %q: unknown key %q", path, undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// Validate checks the configuration for values the loader cannot work with.
func (c *Config) Validate() error {
	if c.KernelPath == "" {
		return errors.New("kernel_path must not be empty")
	}
	if c.StackPages == 0 {
		return errors.New("stack_pages must be positive")
	}
	if c.MapRetries < 2 {
		return errors.New("map_retries must be at least 2")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if c.Machine.Trampoline == 0 {
		return errors.New("machine.trampoline must not be zero")
	}
	if c.Machine.Trampoline&uint64(mem.PageSize-1) != 0 {
		return errors.Errorf("machine.trampoline 0x%x is not page aligned", c.Machine.Trampoline)
	}
	switch c.Machine.DescriptorFormat {
	case "efi":
		if c.Machine.DescriptorSize < 40 {
			return errors.Errorf("machine.descriptor_size %d is smaller than an EFI descriptor", c.Machine.DescriptorSize)
		}
	case "e820":
	default:
		return errors.Errorf("machine.descriptor_format %q is not one of efi, e820", c.Machine.DescriptorFormat)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
