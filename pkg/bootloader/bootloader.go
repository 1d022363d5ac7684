// Package bootloader makes an installed target root bootable with GRUB, through signed shim and
// grub binaries on UEFI hosts and grub2-install on legacy BIOS hosts.
package bootloader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/platform"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

type Installer struct {
	runner    executor.Runner
	host      platform.Host
	fs        vfs.FS
	progress  schema.ProgressFunc
	isMounted func(string) bool
	source    func(string) string
	// hostESP is the EFI directory of the running live system.
	hostESP   string
	defaultID string
}

type Option func(*Installer)

func WithFS(fs vfs.FS) Option {
	return func(i *Installer) { i.fs = fs }
}

func WithProgress(p schema.ProgressFunc) Option {
	return func(i *Installer) { i.progress = p }
}

// WithMountTable overrides the mount point and mount source lookups used for the ESP.
func WithMountTable(isMounted func(string) bool, source func(string) string) Option {
	return func(i *Installer) {
		i.isMounted = isMounted
		i.source = source
	}
}

// WithHostESP sets where the signed binaries of the live system are looked up.
func WithHostESP(dir string) Option {
	return func(i *Installer) { i.hostESP = dir }
}

// WithDefaultID sets the EFI directory name used when no vendor directory is found.
func WithDefaultID(id string) Option {
	return func(i *Installer) { i.defaultID = id }
}

func NewInstaller(runner executor.Runner, host platform.Host, opts ...Option) *Installer {
	i := &Installer{
		runner:    runner,
		host:      host,
		fs:        vfs.OSFS,
		isMounted: internalUtils.IsMounted,
		source:    internalUtils.MountSource,
		hostESP:   constants.HostESPEFIDir,
		defaultID: constants.DefaultBootloaderID,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Installer) report(msg string, fraction float64) {
	schema.Report(i.progress, msg, fraction)
}

func (i *Installer) chrootOptions() []chroot.Option {
	return []chroot.Option{chroot.WithFS(i.fs), chroot.WithMountCheck(i.isMounted)}
}

func (i *Installer) diskOptions() []disk.HostOption {
	return []disk.HostOption{disk.WithFS(i.fs), disk.WithMountTable(i.isMounted, i.source)}
}

func (i *Installer) inChroot(ctx context.Context, root string, cmd executor.Command) (string, error) {
	return chroot.RunInChroot(ctx, i.runner, root, cmd, i.chrootOptions()...)
}

// Install makes root bootable from primaryDisk. efiDevice is the ESP to use on UEFI hosts, when
// empty whatever is mounted at <root>/boot/efi is used.
// The ESP is left mounted, chroot.CleanupEFIMount releases it.
func (i *Installer) Install(ctx context.Context, root, primaryDisk, efiDevice string) (schema.Verification, error) {
	v := schema.Verification{UEFI: i.host.UEFI, PrimaryDisk: primaryDisk, BootloaderID: i.defaultID, SecureBoot: i.host.SecureBoot}
	if primaryDisk == "" {
		return v, fault.New(fault.ConfigurationFailure, "Install bootloader", "No primary disk specified.")
	}

	mode := "BIOS"
	if i.host.UEFI {
		mode = "UEFI"
	}
	l := internalUtils.Log.With().Str("mode", mode).Str("disk", primaryDisk).Str("root", root).Logger()
	l.Info().Msg("Installing bootloader")
	i.report(fmt.Sprintf("Installing bootloader (%s)...", mode), 0)

	if i.host.UEFI {
		id, device, err := i.installUEFI(ctx, root, efiDevice)
		if err != nil {
			return v, err
		}
		v.BootloaderID = id
		v.EFIPartition = device
	} else if err := i.installBIOS(ctx, root, primaryDisk); err != nil {
		return v, err
	}

	i.report("Generating GRUB configuration...", 0.6)
	if err := i.GenerateConfig(ctx, root); err != nil {
		return v, err
	}

	if i.host.UEFI {
		i.writeESPConfig(ctx, root, v.BootloaderID)
	}

	i.report("Regenerating initramfs...", 0.8)
	i.regenerateInitramfs(ctx, root)

	i.report("Bootloader installed.", 1)
	l.Info().Str("id", v.BootloaderID).Str("efi", v.EFIPartition).Msg("Bootloader installed")
	return v, nil
}

func (i *Installer) installBIOS(ctx context.Context, root, primaryDisk string) error {
	if !i.host.Arch.Info().HasBIOS {
		return fault.New(fault.ExecutionFailure, "Install bootloader", "Legacy BIOS boot is not supported on %s.", i.host.Arch)
	}
	if err := i.ensurePackages(ctx, root, i.targetFamily(root).BIOSPackages()); err != nil {
		return err
	}

	i.report("Running grub2-install...", 0.3)
	target := disk.ParentDisk(primaryDisk)
	if _, err := i.runner.Run(ctx, executor.Command{
		Args:        []string{"grub2-install", "--target=i386-pc", "--force", "--recheck", "--boot-directory", filepath.Join(root, "boot"), target},
		Description: "grub2-install (BIOS)",
		Timeout:     constants.TimeoutGrubInstall,
	}); err != nil {
		return fault.Wrap(fault.KindOf(err), "grub2-install (BIOS) failed", err)
	}
	return nil
}

// targetFamily classifies the target by its own os-release, the host family is used when it has none.
func (i *Installer) targetFamily(root string) platform.Family {
	release := internalUtils.ReadOSReleaseFS(i.fs, root)
	if release.ID == "" {
		return i.host.Family
	}
	return platform.FamilyOf(release)
}

// requiredPackages is the family package table with the EFI package names of the host architecture.
func (i *Installer) requiredPackages(family platform.Family) []string {
	info := i.host.Arch.Info()
	pkgs := family.GrubPackages()
	for n, p := range pkgs {
		switch p {
		case "grub2-efi-x64":
			pkgs[n] = info.GrubEFIPackage
		case "grub2-efi-x64-modules":
			pkgs[n] = info.GrubEFIModules
		case "grub2-pc":
			if !info.HasBIOS {
				pkgs[n] = ""
			}
		}
	}
	var out []string
	for _, p := range pkgs {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// VerifyPackages checks the GRUB packages of the target distribution and installs the missing ones.
func (i *Installer) VerifyPackages(ctx context.Context, root string) error {
	return i.ensurePackages(ctx, root, i.requiredPackages(i.targetFamily(root)))
}

func (i *Installer) ensurePackages(ctx context.Context, root string, pkgs []string) error {
	tool := i.targetFamily(root).Tool()
	var missing []string
	for _, pkg := range pkgs {
		args := append(append([]string{}, tool.Query...), pkg, "--root="+root)
		if _, err := i.runner.Run(ctx, executor.Command{
			Args:        args,
			Description: fmt.Sprintf("Check %s", pkg),
			Timeout:     constants.TimeoutQuery,
		}); err != nil {
			missing = append(missing, pkg)
			continue
		}
		internalUtils.Log.Debug().Str("package", pkg).Msg("Verified package installed")
	}
	if len(missing) == 0 {
		return nil
	}

	internalUtils.Log.Warn().Strs("packages", missing).Msg("Missing GRUB packages, installing")
	i.report(fmt.Sprintf("Installing missing GRUB packages: %s...", strings.Join(missing, ", ")), 0.1)
	if _, err := i.inChroot(ctx, root, executor.Command{
		Args:        append(append([]string{}, tool.Install...), missing...),
		Description: "Install missing GRUB packages",
		Timeout:     constants.TimeoutPkgInstall,
	}); err != nil {
		f := fault.New(fault.PackageManagerFailure, "Install missing GRUB packages", "Missing required GRUB packages: %s. Error: %s", strings.Join(missing, ", "), err)
		f.Output = fault.OutputOf(err)
		f.Err = err
		return f
	}
	return nil
}

// regenerateInitramfs rebuilds the initramfs of every installed kernel, newest first. Failures are only logged.
func (i *Installer) regenerateInitramfs(ctx context.Context, root string) {
	entries, err := i.fs.ReadDir(filepath.Join(root, "boot"))
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Cannot list kernels for initramfs regeneration")
		return
	}
	var kernels []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "vmlinuz-") && !strings.Contains(name, "rescue") {
			kernels = append(kernels, strings.TrimPrefix(name, "vmlinuz-"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(kernels)))
	for _, kver := range kernels {
		if _, err := i.inChroot(ctx, root, executor.Command{
			Args:        []string{"dracut", "--force", "--kver", kver},
			Description: fmt.Sprintf("dracut %s", kver),
			Timeout:     constants.TimeoutDracut,
		}); err != nil {
			internalUtils.Log.Warn().Err(err).Str("kver", kver).Msg("initramfs regeneration failed")
		}
	}
}
