package payload

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/deniswernert/go-fstab"
	"github.com/twpayne/go-vfs/v4"
)

var pseudoFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "devpts": true, "tmpfs": true, "efivarfs": true,
}

const vfatOptions = "rw,relatime,fmask=0077,dmask=0077,codepage=437,iocharset=iso8859-1,shortname=mixed,errors=remount-ro"

// FstabEntries builds the fstab of root from the filesystems currently mounted below it.
// The root entry comes first.
func (i *Installer) FstabEntries(ctx context.Context, root string) (schema.FsTabs, error) {
	root = filepath.Clean(root)
	infos, err := i.mounts(root)
	if err != nil {
		return nil, fault.Wrap(fault.ExecutionFailure, "Enumerate target mounts", err)
	}

	var entries schema.FsTabs
	for _, m := range infos {
		if pseudoFilesystems[m.FSType] {
			continue
		}
		if m.Mountpoint != root && !strings.HasPrefix(m.Mountpoint, root+"/") {
			continue
		}
		rel := strings.TrimPrefix(m.Mountpoint, root)
		if rel == "" {
			rel = "/"
		}

		spec := m.Source
		if strings.HasPrefix(m.Source, "/dev/") {
			if uuid := BlockUUID(ctx, i.runner, m.Source); uuid != "" {
				spec = "UUID=" + uuid
			}
		}

		entry := &fstab.Mount{Spec: spec, File: rel, VfsType: m.FSType, Freq: 0, PassNo: 2}
		if m.FSType == string(schema.VFAT) {
			entry.MntOps = parseOptions(vfatOptions)
		} else {
			entry.MntOps = parseOptions("rw,relatime")
			if rel == "/" {
				entry.PassNo = 1
			}
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].File == "/" && entries[b].File != "/"
	})
	return entries, nil
}

// GenerateFstab writes etc/fstab in root and returns its content.
func (i *Installer) GenerateFstab(ctx context.Context, root string) (string, error) {
	entries, err := i.FstabEntries(ctx, root)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fault.New(fault.ExecutionFailure, "Generate fstab", "No eligible mounts found to generate fstab")
	}

	var b strings.Builder
	b.WriteString(constants.FstabHeader + "\n")
	for _, e := range entries {
		internalUtils.Log.Debug().Str("what", FormatMount(e)).Msg("Adding line to fstab")
		b.WriteString(FormatMount(e) + "\n")
	}

	path := filepath.Join(root, "etc", "fstab")
	if err := vfs.MkdirAll(i.fs, filepath.Dir(path), 0o755); err != nil {
		return "", fault.Wrap(fault.ExecutionFailure, "Generate fstab", err)
	}
	if err := i.fs.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fault.Wrap(fault.ExecutionFailure, "Generate fstab", err)
	}
	internalUtils.Log.Info().Int("entries", len(entries)).Str("file", path).Msg("fstab generated")
	return b.String(), nil
}

// BlockUUID asks blkid for the filesystem UUID of device, empty when unknown.
func BlockUUID(ctx context.Context, runner executor.Runner, device string) string {
	out, err := runner.Run(ctx, executor.Command{
		Args:        []string{"blkid", "-o", "value", "-s", "UUID", device},
		Description: fmt.Sprintf("Resolve UUID of %s", device),
		Timeout:     constants.TimeoutQuery,
	})
	if err != nil {
		internalUtils.Log.Warn().Err(err).Str("device", device).Msg("blkid failed")
		return ""
	}
	return strings.TrimSpace(out)
}

// FormatMount renders an fstab line. Options keep a fixed order with rw and relatime first.
func FormatMount(m *fstab.Mount) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%d %d", m.Spec, m.File, m.VfsType, formatOptions(m.MntOps), m.Freq, m.PassNo)
}

var optionOrder = []string{"rw", "ro", "relatime", "fmask", "dmask", "codepage", "iocharset", "shortname", "errors"}

func formatOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return "defaults"
	}
	var keys []string
	seen := map[string]bool{}
	for _, k := range optionOrder {
		if _, ok := opts[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range opts {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := opts[k]; v != "" {
			parts = append(parts, k+"="+v)
		} else {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, ",")
}

func parseOptions(s string) map[string]string {
	opts := map[string]string{}
	for _, o := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(o, "=")
		opts[k] = v
	}
	return opts
}
