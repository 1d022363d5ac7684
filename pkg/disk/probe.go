package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/hashicorp/go-multierror"
)

// EFIPartition is an existing ESP that can be reused for a dual boot.
type EFIPartition struct {
	Path   string `yaml:"path"`
	Size   string `yaml:"size,omitempty"`
	FSType string `yaml:"fstype"`
}

// FreeRegion queries parted for the largest unallocated region on disk. Nil means none was found.
func FreeRegion(ctx context.Context, runner executor.Runner, disk string) *Region {
	out, err := runner.Run(ctx, executor.Command{
		Args:        []string{"parted", "-s", disk, "unit", "MiB", "print", "free"},
		Description: fmt.Sprintf("Query free space on %s", disk),
		Timeout:     constants.TimeoutQuery,
	})
	if err != nil {
		internalUtils.Log.Warn().Err(err).Str("disk", disk).Msg("Could not query free space")
		return nil
	}
	return ParseFreeRegion(out)
}

// NextPartition returns the node the next created partition of disk will get.
func NextPartition(ctx context.Context, runner executor.Runner, disk string) (string, error) {
	out, err := runner.Run(ctx, executor.Command{
		Args:        []string{"lsblk", "-n", "-o", "NAME", "-l", disk},
		Description: fmt.Sprintf("List partitions of %s", disk),
		Timeout:     constants.TimeoutQuery,
	})
	if err != nil {
		return "", err
	}
	return NextPartitionDevice(disk, out), nil
}

// DetectEFIPartitions lists vfat partitions flagged as ESP, plus whatever is mounted at the host /boot/efi.
func DetectEFIPartitions(ctx context.Context, runner executor.Runner) []EFIPartition {
	var found []EFIPartition
	seen := map[string]bool{}

	if out, err := runner.Run(ctx, executor.Command{
		Args:        []string{"findmnt", "-n", "-o", "SOURCE", "/boot/efi"},
		Description: "Find EFI mount",
		Timeout:     constants.TimeoutQuery,
	}); err == nil {
		if src := strings.TrimSpace(out); src != "" {
			seen[src] = true
			found = append(found, EFIPartition{Path: src, FSType: string(schema.VFAT)})
		}
	}

	out, err := runner.Run(ctx, executor.Command{
		Args:        []string{"lsblk", "-J", "-o", "PATH,FSTYPE,PARTTYPE,SIZE"},
		Description: "List block devices for EFI",
		Timeout:     constants.TimeoutQuery,
	})
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Failed to detect EFI partitions")
		return found
	}
	lsblk := &schema.LsblkOutput{}
	if err := json.Unmarshal([]byte(out), lsblk); err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Failed to parse lsblk output")
		return found
	}

	var scan func(d schema.BlockDevice)
	scan = func(d schema.BlockDevice) {
		if d.Path != "" && !seen[d.Path] && isESP(d) {
			seen[d.Path] = true
			found = append(found, EFIPartition{Path: d.Path, Size: d.Size, FSType: d.FSType})
		}
		for _, c := range d.Children {
			scan(c)
		}
	}
	for _, d := range lsblk.Blockdevices {
		scan(d)
	}
	return found
}

func isESP(d schema.BlockDevice) bool {
	if d.FSType != string(schema.VFAT) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(d.Parttype), constants.EFIPartTypeGUID) || strings.Contains(strings.ToLower(d.Path), "efi")
}

// TeardownLVM deactivates the volume groups backed by disk or its partitions and removes the
// leftover device-mapper nodes of their logical volumes, so the disk can be repartitioned.
// Errors are aggregated, none of them stops the remaining cleanup.
func TeardownLVM(ctx context.Context, runner executor.Runner, disk string, progress schema.ProgressFunc) error {
	schema.Report(progress, fmt.Sprintf("Checking LVM on %s...", disk), schema.NoFraction)
	log := internalUtils.Log.With().Str("what", "lvm").Str("disk", disk).Logger()

	devices := []string{disk}
	if out, err := runner.Run(ctx, executor.Command{
		Args:        []string{"lsblk", "-n", "-o", "PATH", "--raw", disk},
		Description: fmt.Sprintf("List partitions of %s", disk),
		Timeout:     constants.TimeoutQuery,
	}); err == nil {
		devices = append(devices, internalUtils.NonEmptyLines(out)...)
	} else {
		log.Warn().Err(err).Msg("lsblk failed, checking only the disk itself")
	}
	devices = internalUtils.UniqueSlice(devices)

	var result error
	var groups []string
	for _, dev := range devices {
		out, err := runner.Run(ctx, executor.Command{
			Args:        []string{"pvs", "--noheadings", "-o", "vg_name", "--select", "pv_name=" + dev},
			Description: fmt.Sprintf("Check PV on %s", dev),
			Timeout:     constants.TimeoutQuery,
		})
		if err != nil {
			if !strings.Contains(err.Error(), "No physical volume found") {
				result = multierror.Append(result, err)
			}
			continue
		}
		groups = append(groups, internalUtils.NonEmptyLines(out)...)
	}
	groups = internalUtils.UniqueSlice(groups)
	if len(groups) == 0 {
		log.Debug().Msg("No volume groups found")
		return result
	}

	for _, vg := range groups {
		var lvs []string
		if out, err := runner.Run(ctx, executor.Command{
			Args:        []string{"lvs", "--noheadings", "-o", "lv_path", vg},
			Description: fmt.Sprintf("List LVs of %s", vg),
			Timeout:     constants.TimeoutQuery,
		}); err == nil {
			lvs = internalUtils.NonEmptyLines(out)
		} else {
			result = multierror.Append(result, err)
		}

		if _, err := runner.Run(ctx, executor.Command{
			Args:        []string{"vgchange", "-an", vg},
			Description: fmt.Sprintf("Deactivate VG %s", vg),
			Timeout:     constants.TimeoutLVM,
		}); err != nil {
			log.Warn().Err(err).Str("vg", vg).Msg("Failed to deactivate volume group")
			result = multierror.Append(result, err)
		}

		for _, lv := range lvs {
			if err := removeMapping(ctx, runner, lv); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	status := "Deactivation complete."
	if result != nil {
		status = "Deactivation attempted, some errors occurred."
	}
	schema.Report(progress, fmt.Sprintf("LVM Check on %s: %s", disk, status), schema.NoFraction)
	return result
}

// removeMapping tries the mapper basename first, then the full LV path. A node that is already
// gone is not an error.
func removeMapping(ctx context.Context, runner executor.Runner, lv string) error {
	var err error
	for _, name := range []string{filepath.Base(lv), lv} {
		_, err = runner.Run(ctx, executor.Command{
			Args:        []string{"dmsetup", "remove", name},
			Description: fmt.Sprintf("Remove DM mapping %s", name),
			Timeout:     constants.TimeoutLVM,
		})
		if err == nil || strings.Contains(err.Error(), "No such device or address") {
			return nil
		}
	}
	return err
}
