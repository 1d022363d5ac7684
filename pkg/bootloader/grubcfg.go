package bootloader

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/twpayne/go-vfs/v4"
)

// hostSpecificArgs are kernel arguments that only make sense on the live system.
var hostSpecificArgs = []string{"resume=", "rd.lvm.lv=", "rootflags="}

// GenerateConfig writes /boot/grub2/grub.cfg in root with grub2-mkconfig. When that fails or
// leaves a file too small to be real, the live system configuration is adapted instead. That
// fallback assumes host and target boot alike and is best effort.
func (i *Installer) GenerateConfig(ctx context.Context, root string) error {
	cfg := filepath.Join(root, constants.TargetGrubCfg)
	if err := vfs.MkdirAll(i.fs, filepath.Dir(cfg), 0o755); err != nil {
		return fault.Wrap(fault.ExecutionFailure, "grub2-mkconfig", err)
	}

	// os-prober scans every block device and hangs inside the chroot.
	_, err := i.inChroot(ctx, root, executor.Command{
		Args:        []string{"env", "GRUB_DISABLE_OS_PROBER=true", "grub2-mkconfig", "-o", constants.TargetGrubCfg},
		Description: "grub2-mkconfig",
		Timeout:     constants.TimeoutGrubMkconfig,
	})
	if err == nil {
		st, statErr := i.fs.Stat(cfg)
		if statErr == nil && st.Size() >= constants.MinGrubCfgSize {
			return nil
		}
		err = fault.New(fault.ExecutionFailure, "grub2-mkconfig", "GRUB config missing or too small.")
	}

	internalUtils.Log.Warn().Err(err).Msg("grub2-mkconfig did not produce a usable config, adapting the live system one")
	host, readErr := i.fs.ReadFile(constants.HostGrubCfg)
	if readErr != nil || len(host) < constants.MinGrubCfgSize {
		f := fault.New(fault.ExecutionFailure, "grub2-mkconfig", "%s (no usable host grub.cfg to fall back to)", err.Error())
		f.Output = fault.OutputOf(err)
		f.Err = err
		return f
	}

	patched := PatchHostConfig(string(host), i.RootUUID(ctx, "/"), i.RootUUID(ctx, root))
	if err := i.fs.WriteFile(cfg, []byte(patched), 0o644); err != nil {
		return fault.Wrap(fault.ExecutionFailure, "Write fallback grub.cfg", err)
	}
	return nil
}

// PatchHostConfig rewrites a live system grub.cfg for the target: the host root UUID becomes the
// target one, host specific kernel arguments are dropped and quiet splash are made present.
func PatchHostConfig(cfg, hostUUID, targetUUID string) string {
	if hostUUID != "" && targetUUID != "" {
		cfg = strings.ReplaceAll(cfg, hostUUID, targetUUID)
	}
	lines := strings.Split(cfg, "\n")
	for n, line := range lines {
		if isKernelLine(line) {
			lines[n] = normalizeKernelArgs(line)
		}
	}
	return strings.Join(lines, "\n")
}

func isKernelLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "linux", "linuxefi", "linux16":
		return true
	}
	return fields[0] == "set" && len(fields) > 1 && strings.HasPrefix(fields[1], "kernelopts=")
}

func normalizeKernelArgs(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]

	if strings.HasPrefix(trimmed, "set ") {
		_, value, _ := strings.Cut(trimmed, "kernelopts=")
		quote := ""
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			quote = value[:1]
			value = value[1 : len(value)-1]
		}
		return indent + "set kernelopts=" + quote + strings.Join(filterArgs(strings.Fields(value)), " ") + quote
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return line
	}
	return indent + strings.Join(append(fields[:2:2], filterArgs(fields[2:])...), " ")
}

// filterArgs drops host specific arguments and makes sure quiet and splash are present.
func filterArgs(args []string) []string {
	var out []string
	quiet, splash := false, false
	for _, a := range args {
		if hasAnyPrefix(a, hostSpecificArgs) {
			continue
		}
		quiet = quiet || a == "quiet"
		splash = splash || a == "splash"
		out = append(out, a)
	}
	if !quiet {
		out = append(out, "quiet")
	}
	if !splash {
		out = append(out, "splash")
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
