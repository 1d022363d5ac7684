package disk

import (
	"fmt"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/schema"
)

const planDescription = "Plan partitions"

// Options drive Build. FreeRegion and NewPartition are only read for a UEFI dual boot that
// preserves the existing ESP, the caller resolves them with FreeRegion and NextPartition.
type Options struct {
	Filesystem   schema.Filesystem
	UEFI         bool
	DualBoot     bool
	PreserveEFI  bool
	EFIPartition string
	EFISizeMiB   int
	FreeRegion   *Region
	NewPartition string
}

// Plan is an ordered list of destructive commands and the partitions they produce.
type Plan struct {
	Disk       string             `yaml:"disk"`
	UEFI       bool               `yaml:"uefi"`
	Commands   []executor.Command `yaml:"-"`
	Partitions []schema.Partition `yaml:"partitions"`
}

// Root returns the "/" partition.
func (p *Plan) Root() schema.Partition {
	return p.byMountPoint("/")
}

// EFI returns the "/boot/efi" partition, empty on BIOS installs.
func (p *Plan) EFI() schema.Partition {
	return p.byMountPoint("/boot/efi")
}

func (p *Plan) byMountPoint(mp string) schema.Partition {
	for _, part := range p.Partitions {
		if part.MountPoint == mp {
			return part
		}
	}
	return schema.Partition{}
}

// CommandLines returns every command as a space joined line, used for dry runs.
func (p *Plan) CommandLines() []string {
	var out []string
	for _, c := range p.Commands {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

// Build computes the GPT layout for disk. It executes nothing.
func Build(disk string, opts Options) (*Plan, error) {
	if disk == "" {
		return nil, fault.New(fault.PlanningFailure, planDescription, "no disk selected")
	}
	if !opts.Filesystem.Valid() {
		return nil, fault.New(fault.PlanningFailure, planDescription, "Unsupported filesystem: %s. Use ext4, btrfs, or xfs.", opts.Filesystem)
	}
	// the only dual boot layout is a new root next to the other system, never a wiped disk
	if opts.DualBoot && (!opts.UEFI || !opts.PreserveEFI) {
		return nil, fault.New(fault.PlanningFailure, planDescription, "Dual boot on %s needs UEFI and the existing EFI partition preserved, refusing to wipe the disk.", disk)
	}
	efiSize := opts.EFISizeMiB
	if efiSize <= 0 {
		efiSize = constants.DefaultEFISizeMiB
	}

	p := &Plan{Disk: disk, UEFI: opts.UEFI}
	fs := string(opts.Filesystem)

	switch {
	case !opts.UEFI:
		// BIOS on GPT needs a bios_grub partition to embed core.img
		root := PartitionDevice(disk, 2)
		p.add(wipe(disk)...)
		p.add(
			parted(disk, "Create GPT label", "mklabel", "gpt"),
			parted(disk, "Create BIOS boot partition", "mkpart", "BIOS boot", "1MiB", "3MiB"),
			parted(disk, "Flag BIOS boot partition", "set", "1", "bios_grub", "on"),
			parted(disk, "Create root partition", "mkpart", "Linux filesystem", fs, "4MiB", "100%"),
			mkfs(opts.Filesystem, root),
		)
		p.Partitions = []schema.Partition{{Device: root, MountPoint: "/", Filesystem: opts.Filesystem}}
	case opts.DualBoot && opts.PreserveEFI:
		if opts.FreeRegion == nil {
			return nil, fault.New(fault.PlanningFailure, planDescription, "Dual boot requires free space but none found on %s.", disk)
		}
		if opts.NewPartition == "" {
			return nil, fault.New(fault.PlanningFailure, planDescription, "Could not determine new partition device for dual boot on %s.", disk)
		}
		if opts.EFIPartition == "" {
			return nil, fault.New(fault.PlanningFailure, planDescription, "Dual boot with a preserved EFI partition requires selecting that partition.")
		}
		p.add(
			parted(disk, "Create root partition", "mkpart", "Linux filesystem", fs, opts.FreeRegion.Start, opts.FreeRegion.End),
			mkfs(opts.Filesystem, opts.NewPartition),
		)
		p.Partitions = []schema.Partition{
			{Device: opts.EFIPartition, MountPoint: "/boot/efi", Filesystem: schema.VFAT, Reused: true},
			{Device: opts.NewPartition, MountPoint: "/", Filesystem: opts.Filesystem},
		}
	default:
		efi := PartitionDevice(disk, 1)
		root := PartitionDevice(disk, 2)
		efiEnd := fmt.Sprintf("%dMiB", efiSize+1)
		p.add(wipe(disk)...)
		p.add(
			parted(disk, "Create GPT label", "mklabel", "gpt"),
			parted(disk, "Create EFI system partition", "mkpart", "EFI System Partition", "fat32", "1MiB", efiEnd),
			parted(disk, "Flag EFI partition bootable", "set", "1", "boot", "on"),
			parted(disk, "Flag EFI partition as ESP", "set", "1", "esp", "on"),
			parted(disk, "Create root partition", "mkpart", "Linux filesystem", fs, efiEnd, "100%"),
			mkfs(schema.VFAT, efi),
			mkfs(opts.Filesystem, root),
		)
		p.Partitions = []schema.Partition{
			{Device: efi, MountPoint: "/boot/efi", Filesystem: schema.VFAT},
			{Device: root, MountPoint: "/", Filesystem: opts.Filesystem},
		}
	}
	return p, nil
}

func (p *Plan) add(cmds ...executor.Command) {
	p.Commands = append(p.Commands, cmds...)
}

func wipe(disk string) []executor.Command {
	return []executor.Command{{
		Args:        []string{"wipefs", "-a", disk},
		Description: fmt.Sprintf("Wipe signatures on %s", disk),
		Timeout:     constants.TimeoutPartitioning,
	}}
}

func parted(disk, desc string, args ...string) executor.Command {
	return executor.Command{
		Args:        append([]string{"parted", "-s", disk}, args...),
		Description: desc,
		Timeout:     constants.TimeoutPartitioning,
	}
}

// MkfsArgs returns the format command for a filesystem, nil if unsupported.
func MkfsArgs(fs schema.Filesystem, device string) []string {
	switch fs {
	case schema.VFAT:
		return []string{"mkfs.vfat", "-F32", device}
	case schema.Ext4:
		return []string{"mkfs.ext4", "-F", device}
	case schema.Btrfs:
		return []string{"mkfs.btrfs", "-f", device}
	case schema.XFS:
		return []string{"mkfs.xfs", "-f", device}
	}
	return nil
}

func mkfs(fs schema.Filesystem, device string) executor.Command {
	return executor.Command{
		Args:        MkfsArgs(fs, device),
		Description: fmt.Sprintf("Format %s as %s", device, fs),
		Timeout:     constants.TimeoutMkfs,
	}
}
