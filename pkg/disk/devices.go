package disk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
)

var (
	nvmePartition   = regexp.MustCompile(`^(/dev/nvme\d+n\d+)p(\d+)$`)
	mmcblkPartition = regexp.MustCompile(`^(/dev/mmcblk\d+)p(\d+)$`)
	loopPartition   = regexp.MustCompile(`^(/dev/loop\d+)p(\d+)$`)
	sdPartition     = regexp.MustCompile(`^(/dev/[a-z]+)(\d+)$`)
	nvmeDisk        = regexp.MustCompile(`^/dev/nvme\d+n\d+$`)
	mmcblkDisk      = regexp.MustCompile(`^/dev/mmcblk\d+$`)
	loopDisk        = regexp.MustCompile(`^/dev/loop\d+$`)
)

// Region is a span of unallocated space as printed by parted in MiB units.
type Region struct {
	Start   string  `yaml:"start"`
	End     string  `yaml:"end"`
	SizeMiB float64 `yaml:"size_mib"`
}

func usesPartitionInfix(disk string) bool {
	return strings.Contains(disk, "nvme") || strings.Contains(disk, "mmcblk") || strings.Contains(disk, "loop")
}

// PartitionDevice returns the device node of partition n on disk.
func PartitionDevice(disk string, n int) string {
	if usesPartitionInfix(disk) {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}

func isWholeDisk(device string) bool {
	return nvmeDisk.MatchString(device) || mmcblkDisk.MatchString(device) || loopDisk.MatchString(device)
}

// SplitPartition parses a partition device into its disk and partition number.
// nvme, mmcblk and loop disks carry their partition number after a p, without it the device is a whole disk.
func SplitPartition(device string) (string, int, bool) {
	if isWholeDisk(device) {
		return "", 0, false
	}
	for _, re := range []*regexp.Regexp{nvmePartition, mmcblkPartition, loopPartition, sdPartition} {
		if m := re.FindStringSubmatch(device); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				return "", 0, false
			}
			return m[1], n, true
		}
	}
	return "", 0, false
}

// ParentDisk strips the partition suffix. Whole disk paths are returned unchanged.
func ParentDisk(device string) string {
	if d, _, ok := SplitPartition(device); ok {
		return d
	}
	return device
}

// ParseFreeRegion picks the largest "Free Space" row of `parted -s <disk> unit MiB print free`
// that is bigger than the minimum root size.
func ParseFreeRegion(out string) *Region {
	var best *Region
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Free Space") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		size, ok := toMiB(fields[2])
		if !ok || size <= constants.MinFreeRegionMiB {
			continue
		}
		if best == nil || size > best.SizeMiB {
			best = &Region{Start: fields[0], End: fields[1], SizeMiB: size}
		}
	}
	return best
}

func toMiB(s string) (float64, bool) {
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "GiB"):
		mult = 1024
		s = strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		s = strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		mult = 1.0 / 1024
		s = strings.TrimSuffix(s, "KiB")
	default:
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v * mult, true
}

// NextPartitionDevice computes the node of the partition parted will create next, given the
// output of `lsblk -n -o NAME -l <disk>`.
func NextPartitionDevice(disk, lsblkNames string) string {
	base := disk[strings.LastIndex(disk, "/")+1:]
	highest := 0
	for _, name := range strings.Split(lsblkNames, "\n") {
		name = strings.TrimSpace(name)
		if name == "" || name == base || !strings.HasPrefix(name, base) {
			continue
		}
		suffix := strings.TrimPrefix(strings.TrimPrefix(name, base), "p")
		if n, err := strconv.Atoi(suffix); err == nil && n > highest {
			highest = n
		}
	}
	return PartitionDevice(disk, highest+1)
}
