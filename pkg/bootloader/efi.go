package bootloader

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/payload"
	"github.com/gofrs/uuid"
	"github.com/twpayne/go-vfs/v4"
)

// knownVendors are EFI directories of distributions shipping signed shim.
var knownVendors = []string{"fedora", "centos", "rhel", "rocky", "almalinux", "centrio"}

// Assets are the signed binaries staged on the target ESP.
type Assets struct {
	Shim string
	Grub string
	// ShimVendor is the host EFI directory shim was found in, empty for EFI/BOOT.
	ShimVendor string
	// ID is the EFI directory the binaries are staged into.
	ID string
}

func (i *Installer) installUEFI(ctx context.Context, root, efiDevice string) (string, string, error) {
	esp := filepath.Join(root, "boot", "efi")
	if efiDevice == "" && i.isMounted(esp) {
		efiDevice = i.source(esp)
	}
	i.report("Mounting EFI partition...", 0.05)
	if err := disk.EnsureMounted(ctx, i.runner, efiDevice, esp, i.diskOptions()...); err != nil {
		return "", "", err
	}

	i.report("Verifying GRUB packages...", 0.1)
	if err := i.VerifyPackages(ctx, root); err != nil {
		return "", "", err
	}

	i.report("Locating signed shim and GRUB...", 0.2)
	assets, err := i.LocateAssets(root)
	if err != nil {
		return "", "", err
	}

	i.report(fmt.Sprintf("Staging EFI binaries into EFI/%s...", assets.ID), 0.3)
	if err := i.stage(root, assets); err != nil {
		return "", "", err
	}

	i.registerBootEntry(ctx, efiDevice, assets.ID)
	return assets.ID, efiDevice, nil
}

// LocateAssets finds the signed shim of the live system and the signed grub, looked up in the
// target first and the ESPs afterwards.
func (i *Installer) LocateAssets(root string) (Assets, error) {
	info := i.host.Arch.Info()
	a := Assets{}
	a.Shim, a.ShimVendor = i.findShim()
	if a.Shim == "" {
		return a, fault.New(fault.BootloaderAssetMissing, "Locate shim",
			"Could not find shim (%s/%s) on live system; required for UEFI/Secure Boot.", info.Shim, info.RemovableBoot)
	}

	candidates := []string{
		filepath.Join(root, "usr/lib/grub", info.GrubEFIPlatform, info.Grub),
		filepath.Join(root, "usr/lib/grub2", info.GrubEFIPlatform, info.Grub),
		filepath.Join(root, "usr/share/grub", info.GrubEFIPlatform, info.Grub),
	}
	for _, base := range []string{filepath.Join(root, "boot", "efi", "EFI"), i.hostESP} {
		if p := i.firstInSubdirs(base, info.Grub); p != "" {
			candidates = append(candidates, p)
		}
	}
	for _, p := range candidates {
		if i.nonEmpty(p) {
			a.Grub = p
			break
		}
	}
	if a.Grub == "" {
		return a, fault.New(fault.BootloaderAssetMissing, "Locate grub",
			"Signed GRUB (%s) not found. Checked: target usr/lib/grub*, usr/share/grub*, target and host boot/efi/EFI/*/. Install %s or ensure live ESP has %s.",
			info.Grub, info.GrubEFIPackage, info.Grub)
	}

	a.ID = i.defaultID
	if _, after, ok := strings.Cut(a.Grub, "/EFI/"); ok {
		if vendor := strings.Split(after, "/")[0]; vendor != "BOOT" {
			a.ID = vendor
		} else if a.ShimVendor != "" {
			a.ID = a.ShimVendor
		}
	} else if a.ShimVendor != "" {
		a.ID = a.ShimVendor
	}
	internalUtils.Log.Info().Str("shim", a.Shim).Str("grub", a.Grub).Str("id", a.ID).Msg("EFI binaries located")
	return a, nil
}

// findShim prefers a known vendor directory of the host ESP, then any other vendor directory,
// then EFI/BOOT and finally /boot.
func (i *Installer) findShim() (string, string) {
	info := i.host.Arch.Info()
	names := []string{info.Shim, info.RemovableBoot}
	for _, vendor := range knownVendors {
		p := filepath.Join(i.hostESP, vendor, info.Shim)
		if i.nonEmpty(p) {
			return p, vendor
		}
	}
	for _, vendor := range i.subdirs(i.hostESP) {
		if vendor == "BOOT" {
			continue
		}
		for _, n := range names {
			if p := filepath.Join(i.hostESP, vendor, n); i.nonEmpty(p) {
				return p, vendor
			}
		}
	}
	for _, p := range []string{
		filepath.Join(i.hostESP, "BOOT", info.RemovableBoot),
		filepath.Join(i.hostESP, "BOOT", info.Shim),
		filepath.Join("/boot", info.Shim),
		filepath.Join("/boot", info.RemovableBoot),
	} {
		if i.nonEmpty(p) {
			return p, ""
		}
	}
	return "", ""
}

// stage copies the host vendor directory, shim and grub into EFI/<id> and shim into the
// removable media path.
func (i *Installer) stage(root string, a Assets) error {
	info := i.host.Arch.Info()
	efi := filepath.Join(root, "boot", "efi", "EFI")
	idDir := filepath.Join(efi, a.ID)
	bootDir := filepath.Join(efi, "BOOT")
	for _, d := range []string{idDir, bootDir} {
		if err := vfs.MkdirAll(i.fs, d, 0o755); err != nil {
			return fault.Wrap(fault.ExecutionFailure, "Failed to create EFI dirs", err)
		}
	}

	if a.ShimVendor != "" {
		if err := i.copyTree(filepath.Join(i.hostESP, a.ShimVendor), idDir); err != nil {
			internalUtils.Log.Warn().Err(err).Str("vendor", a.ShimVendor).Msg("Could not copy the full vendor directory, staging shim and grub only")
		}
	}

	copies := [][2]string{
		{a.Shim, filepath.Join(idDir, info.Shim)},
		{a.Shim, filepath.Join(idDir, info.RemovableBoot)},
		{a.Shim, filepath.Join(bootDir, info.RemovableBoot)},
		{a.Grub, filepath.Join(idDir, info.Grub)},
	}
	for _, c := range copies {
		if filepath.Clean(c[0]) == filepath.Clean(c[1]) {
			continue
		}
		if err := i.copyFile(c[0], c[1]); err != nil {
			return fault.Wrap(fault.ExecutionFailure, "Failed to copy shim/grub", err)
		}
	}
	return nil
}

// registerBootEntry adds the NVRAM entry for the staged shim. It is skipped when the ESP device
// name cannot be split into disk and partition number, and failures are only logged.
func (i *Installer) registerBootEntry(ctx context.Context, efiDevice, id string) {
	d, n, ok := disk.SplitPartition(efiDevice)
	if !ok {
		internalUtils.Log.Warn().Str("device", efiDevice).Msg("Cannot derive disk and partition of the ESP, skipping NVRAM entry")
		return
	}
	loader := `\EFI\` + id + `\` + i.host.Arch.Info().RemovableBoot
	i.report("Registering UEFI boot entry...", 0.5)
	if _, err := i.runner.Run(ctx, executor.Command{
		Args:        []string{"efibootmgr", "-c", "-d", d, "-p", strconv.Itoa(n), "-L", id, "-l", loader},
		Description: "Register UEFI boot entry",
		Timeout:     constants.TimeoutEfibootmgr,
	}); err != nil {
		internalUtils.Log.Warn().Err(err).Msg("efibootmgr failed, the removable media path is still in place")
	}
}

// StubConfig is the ESP grub.cfg that hands over to the configuration on the root filesystem.
func StubConfig(rootUUID string) string {
	return fmt.Sprintf("search.fs_uuid %s root\nset prefix=($root)/boot/grub2\nconfigfile $prefix/grub.cfg\n", rootUUID)
}

// writeESPConfig writes the stub grub.cfg next to grub on the ESP. Without a root UUID the full
// configuration is copied instead. Failures are only logged.
func (i *Installer) writeESPConfig(ctx context.Context, root, id string) {
	dir := filepath.Join(root, "boot", "efi", "EFI", id)
	if _, err := i.fs.Stat(dir); err != nil {
		internalUtils.Log.Warn().Err(err).Msg("EFI directory missing, not writing ESP grub.cfg")
		return
	}
	cfg := filepath.Join(dir, "grub.cfg")
	if u := i.RootUUID(ctx, root); u != "" {
		if err := i.fs.WriteFile(cfg, []byte(StubConfig(u)), 0o644); err != nil {
			internalUtils.Log.Warn().Err(err).Msg("Could not write stub grub.cfg to EFI")
		}
		return
	}
	internalUtils.Log.Warn().Msg("Could not get root UUID for stub, copying full grub.cfg to ESP")
	if err := i.copyFile(filepath.Join(root, constants.TargetGrubCfg), cfg); err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Could not copy grub.cfg to EFI")
	}
}

var fatSerial = regexp.MustCompile(`^[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}$`)

// RootUUID returns the filesystem UUID of the mount holding path, empty when unknown.
func (i *Installer) RootUUID(ctx context.Context, path string) string {
	out, err := i.runner.Run(ctx, executor.Command{
		Args:        []string{"findmnt", "-n", "-o", "UUID", "--target", path},
		Description: fmt.Sprintf("Resolve UUID of %s", path),
		Timeout:     constants.TimeoutQuery,
	})
	if u := validUUID(out); err == nil && u != "" {
		return u
	}
	src, err := i.runner.Run(ctx, executor.Command{
		Args:        []string{"findmnt", "-n", "-o", "SOURCE", "--target", path},
		Description: fmt.Sprintf("Resolve source of %s", path),
		Timeout:     constants.TimeoutQuery,
	})
	if err != nil || !strings.HasPrefix(strings.TrimSpace(src), "/dev/") {
		return ""
	}
	return validUUID(payload.BlockUUID(ctx, i.runner, strings.TrimSpace(src)))
}

// validUUID accepts RFC 4122 UUIDs, normalized to lower case, and FAT volume serials.
func validUUID(out string) string {
	lines := internalUtils.NonEmptyLines(out)
	if len(lines) == 0 {
		return ""
	}
	s := lines[0]
	if u, err := uuid.FromString(s); err == nil {
		return u.String()
	}
	if fatSerial.MatchString(s) {
		return s
	}
	internalUtils.Log.Debug().Str("value", s).Msg("Ignoring malformed filesystem UUID")
	return ""
}

func (i *Installer) nonEmpty(path string) bool {
	st, err := i.fs.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

func (i *Installer) subdirs(dir string) []string {
	entries, err := i.fs.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (i *Installer) firstInSubdirs(dir, name string) string {
	for _, sub := range i.subdirs(dir) {
		if p := filepath.Join(dir, sub, name); i.nonEmpty(p) {
			return p
		}
	}
	return ""
}

func (i *Installer) copyFile(src, dst string) error {
	data, err := i.fs.ReadFile(src)
	if err != nil {
		return err
	}
	if err := vfs.MkdirAll(i.fs, filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return i.fs.WriteFile(dst, data, 0o644)
}

// copyTree copies the regular files below src into dst. The vendor grub.cfg is skipped, the
// installer writes its own.
func (i *Installer) copyTree(src, dst string) error {
	entries, err := i.fs.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		switch {
		case e.IsDir():
			if err := i.copyTree(from, to); err != nil {
				return err
			}
		case e.Type().IsRegular() && e.Name() != "grub.cfg":
			if err := i.copyFile(from, to); err != nil {
				return err
			}
		}
	}
	return nil
}
