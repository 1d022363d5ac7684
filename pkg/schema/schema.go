package schema

import (
	"fmt"
	"os"

	"github.com/deniswernert/go-fstab"
	"gopkg.in/yaml.v3"
)

// NoFraction is passed to a ProgressFunc when a step has no meaningful completion estimate.
const NoFraction = -1.0

// ProgressFunc receives progress messages. fraction is in [0,1] or NoFraction.
type ProgressFunc func(message string, fraction float64)

// Report calls p if it is set.
func Report(p ProgressFunc, message string, fraction float64) {
	if p != nil {
		p(message, fraction)
	}
}

type Filesystem string

const (
	Ext4  Filesystem = "ext4"
	Btrfs Filesystem = "btrfs"
	XFS   Filesystem = "xfs"
	VFAT  Filesystem = "vfat"
)

// Valid reports whether fs can be used for the root partition.
func (fs Filesystem) Valid() bool {
	switch fs {
	case Ext4, Btrfs, XFS:
		return true
	}
	return false
}

type Strategy string

const (
	StrategyPackages Strategy = "packages"
	StrategyLiveCopy Strategy = "live-copy"
)

// InstallConfig is the validated configuration handed over by the caller (wizard or yaml file).
type InstallConfig struct {
	TargetRoot string        `yaml:"target_root"`
	Disk       DiskConfig    `yaml:"disk"`
	Payload    PayloadConfig `yaml:"payload"`
	System     SystemConfig  `yaml:"system"`
	User       UserConfig    `yaml:"user"`
}

type DiskConfig struct {
	Device       string     `yaml:"device"`
	Filesystem   Filesystem `yaml:"filesystem"`
	DualBoot     bool       `yaml:"dual_boot"`
	PreserveEFI  bool       `yaml:"preserve_efi"`
	EFIPartition string     `yaml:"efi_partition"`
	EFISizeMiB   int        `yaml:"efi_size_mib"`
	// SkipPartitioning means the caller already formatted and mounted the target root.
	SkipPartitioning bool `yaml:"skip_partitioning"`
}

type PayloadConfig struct {
	Strategy Strategy   `yaml:"strategy"`
	Job      PackageJob `yaml:",inline"`
}

// PackageJob describes what the package manager strategy installs into the target.
type PackageJob struct {
	Packages        []string     `yaml:"packages"`
	Repositories    []Repository `yaml:"repositories"`
	FlatpakEnabled  bool         `yaml:"flatpak_enabled"`
	FlatpakPackages []string     `yaml:"flatpak_packages"`
	Minimal         bool         `yaml:"minimal"`
	KeepCache       bool         `yaml:"keep_cache"`
}

type Repository struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type SystemConfig struct {
	Timezone string `yaml:"timezone"`
	Locale   string `yaml:"locale"`
	Keymap   string `yaml:"keymap"`
	Hostname string `yaml:"hostname"`
}

type UserConfig struct {
	Username string `yaml:"username"`
	RealName string `yaml:"real_name"`
	Password string `yaml:"password"`
	Admin    bool   `yaml:"admin"`
}

type FsTabs []*fstab.Mount

// LsblkOutput is the json output of lsblk -J.
type LsblkOutput struct {
	Blockdevices []BlockDevice `json:"blockdevices,omitempty"`
}

type BlockDevice struct {
	Name     string        `json:"name,omitempty"`
	Path     string        `json:"path,omitempty"`
	FSType   string        `json:"fstype,omitempty"`
	Parttype string        `json:"parttype,omitempty"`
	Size     string        `json:"size,omitempty"`
	Children []BlockDevice `json:"children,omitempty"`
}

// Partition is one entry of a partition plan.
type Partition struct {
	Device     string     `yaml:"device"`
	MountPoint string     `yaml:"mountpoint"`
	Filesystem Filesystem `yaml:"fstype"`
	// Reused partitions are mounted but never formatted.
	Reused bool `yaml:"reused,omitempty"`
}

// Verification is what the bootloader installer reports once done.
type Verification struct {
	UEFI         bool   `yaml:"uefi"`
	BootloaderID string `yaml:"bootloader_id"`
	PrimaryDisk  string `yaml:"primary_disk"`
	EFIPartition string `yaml:"efi_partition"`
	SecureBoot   bool   `yaml:"secure_boot"`
}

// DefaultPackages is the package set installed when the job does not name any.
func DefaultPackages() []string {
	return []string{
		"@core", "kernel",
		"grub2-efi-x64", "grub2-efi-x64-modules", "grub2-pc", "efibootmgr",
		"grub2-common", "grub2-tools", "shim-x64", "shim",
		"linux-firmware", "NetworkManager", "systemd-resolved",
		"bash-completion", "dnf-utils",
	}
}

// MinimalPackages is the package set for a minimal install.
func MinimalPackages() []string {
	return []string{"@core", "kernel", "grub2-efi-x64", "grub2-pc", "NetworkManager"}
}

// Resolve returns the package list the job should install.
func (j PackageJob) Resolve() []string {
	switch {
	case len(j.Packages) > 0:
		return append([]string{}, j.Packages...)
	case j.Minimal:
		return MinimalPackages()
	default:
		return DefaultPackages()
	}
}

// LoadConfig reads an InstallConfig from a yaml file and fills the defaults.
func LoadConfig(path string) (*InstallConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &InstallConfig{Payload: PayloadConfig{Job: PackageJob{KeepCache: true}}}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	c.setDefaults()
	return c, c.Validate()
}

func (c *InstallConfig) setDefaults() {
	if c.TargetRoot == "" {
		c.TargetRoot = "/mnt/target"
	}
	if c.Disk.Filesystem == "" {
		c.Disk.Filesystem = Btrfs
	}
	if c.Disk.EFISizeMiB == 0 {
		c.Disk.EFISizeMiB = 512
	}
	if c.Payload.Strategy == "" {
		c.Payload.Strategy = StrategyPackages
	}
}

// Validate checks the fields the install pipeline cannot recover from.
func (c *InstallConfig) Validate() error {
	if c.TargetRoot == "" || c.TargetRoot[0] != '/' {
		return fmt.Errorf("target_root must be an absolute path, got %q", c.TargetRoot)
	}
	if !c.Disk.SkipPartitioning && c.Disk.Device == "" {
		return fmt.Errorf("disk.device is required unless skip_partitioning is set")
	}
	if !c.Disk.Filesystem.Valid() {
		return fmt.Errorf("unsupported filesystem %q, use ext4, btrfs or xfs", c.Disk.Filesystem)
	}
	if c.Disk.DualBoot && !c.Disk.SkipPartitioning && !c.Disk.PreserveEFI {
		return fmt.Errorf("disk.dual_boot keeps the other system only with preserve_efi set, without it the disk would be wiped")
	}
	if c.Disk.DualBoot && c.Disk.PreserveEFI && c.Disk.EFIPartition == "" {
		return fmt.Errorf("disk.efi_partition is required when preserving the EFI partition")
	}
	switch c.Payload.Strategy {
	case StrategyPackages, StrategyLiveCopy:
	default:
		return fmt.Errorf("unknown payload strategy %q", c.Payload.Strategy)
	}
	return nil
}
