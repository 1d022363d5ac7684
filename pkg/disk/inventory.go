package disk

import (
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"
)

// Candidate is a disk the installer may target.
type Candidate struct {
	Device     string          `yaml:"device"`
	Model      string          `yaml:"model,omitempty"`
	SizeBytes  uint64          `yaml:"size_bytes"`
	Removable  bool            `yaml:"removable"`
	Partitions []PartitionInfo `yaml:"partitions,omitempty"`
}

type PartitionInfo struct {
	Device     string `yaml:"device"`
	Label      string `yaml:"label,omitempty"`
	FSType     string `yaml:"fstype,omitempty"`
	MountPoint string `yaml:"mountpoint,omitempty"`
	UUID       string `yaml:"uuid,omitempty"`
	SizeBytes  uint64 `yaml:"size_bytes"`
}

var skippedPrefixes = []string{"loop", "ram", "zram", "sr", "fd", "dm-", "md"}

// Inventory lists the block devices that can hold an installation.
func Inventory() ([]Candidate, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, err
	}
	return Candidates(info.Disks), nil
}

// Candidates filters out virtual and optical devices and converts the rest.
func Candidates(disks []*block.Disk) []Candidate {
	var out []Candidate
	for _, d := range disks {
		if d == nil || d.SizeBytes == 0 || skipped(d.Name) {
			continue
		}
		c := Candidate{
			Device:    "/dev/" + d.Name,
			Model:     strings.TrimSpace(d.Model),
			SizeBytes: d.SizeBytes,
			Removable: d.IsRemovable,
		}
		for _, p := range d.Partitions {
			c.Partitions = append(c.Partitions, PartitionInfo{
				Device:     "/dev/" + p.Name,
				Label:      p.Label,
				FSType:     p.Type,
				MountPoint: p.MountPoint,
				UUID:       p.UUID,
				SizeBytes:  p.SizeBytes,
			})
		}
		out = append(out, c)
	}
	return out
}

func skipped(name string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
