package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	cnst "github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/bootloader"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/configure"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/payload"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/spectrocloud-labs/herd"
)

func (s *State) chrootOptions() []chroot.Option {
	return append([]chroot.Option{chroot.WithFS(s.FS)}, s.ChrootOptions...)
}

func (s *State) diskOptions(progress schema.ProgressFunc) []disk.HostOption {
	return append([]disk.HostOption{disk.WithFS(s.FS), disk.WithProgress(progress)}, s.DiskOptions...)
}

func (s *State) payloadInstaller(progress schema.ProgressFunc) *payload.Installer {
	opts := []payload.Option{payload.WithFS(s.FS), payload.WithProgress(progress), payload.WithChrootOptions(s.chrootOptions()...)}
	return payload.NewInstaller(s.Runner, s.Host, append(opts, s.PayloadOptions...)...)
}

func (s *State) configurator(progress schema.ProgressFunc) *configure.Configurator {
	opts := []configure.Option{configure.WithFS(s.FS), configure.WithProgress(progress), configure.WithChrootOptions(s.chrootOptions()...)}
	return configure.NewConfigurator(s.Runner, append(opts, s.ConfigureOptions...)...)
}

// BuildPlan computes the partition plan of the configured disk. Nothing destructive runs here,
// on dual boot the free space and next partition number are probed first.
func (s *State) BuildPlan(ctx context.Context) (*disk.Plan, error) {
	d := s.Config.Disk
	o := disk.Options{
		Filesystem:   d.Filesystem,
		UEFI:         s.Host.UEFI,
		DualBoot:     d.DualBoot,
		PreserveEFI:  d.PreserveEFI,
		EFIPartition: d.EFIPartition,
		EFISizeMiB:   d.EFISizeMiB,
	}
	if s.Host.UEFI && d.DualBoot && d.PreserveEFI {
		o.FreeRegion = disk.FreeRegion(ctx, s.Runner, d.Device)
		next, err := disk.NextPartition(ctx, s.Runner, d.Device)
		s.LogIfError(err, "next partition")
		o.NewPartition = next
	}
	return disk.Build(d.Device, o)
}

func (s *State) PlanDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPlan, append(opts, herd.WithCallback(func(ctx context.Context) error {
		progress := s.span(0, 0.02)
		schema.Report(progress, fmt.Sprintf("Planning partitions on %s...", s.Config.Disk.Device), 0)
		plan, err := s.BuildPlan(ctx)
		if err != nil {
			return s.LogIfErrorAndReturn(err, "plan partitions")
		}
		s.Plan = plan
		internalUtils.Log.Info().Str("disk", plan.Disk).Int("commands", len(plan.Commands)).Msg("Partition plan ready")
		schema.Report(progress, "Partition plan ready.", 1)
		return nil
	}))...)
}

// TeardownLVMDagStep releases volume groups living on the target disk. Failures are warnings,
// partitioning reports the real problem if the disk is still busy.
func (s *State) TeardownLVMDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpTeardownLVM, append(opts, herd.WithCallback(func(ctx context.Context) error {
		if err := disk.TeardownLVM(ctx, s.Runner, s.Config.Disk.Device, s.span(0.02, 0.04)); err != nil {
			s.warn(fmt.Sprintf("LVM teardown on %s: %s", s.Config.Disk.Device, err))
		}
		return nil
	}))...)
}

func (s *State) PartitionDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPartition, append(opts, herd.WithCallback(func(ctx context.Context) error {
		return s.LogIfErrorAndReturn(s.Plan.Apply(ctx, s.Runner, s.diskOptions(s.span(0.04, 0.10))...), "partition")
	}))...)
}

// MountTargetDagStep mounts the planned partitions at the target root. Without a plan the caller
// prepared the disk, whatever is mounted there is used and a configured ESP is mounted on top.
func (s *State) MountTargetDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMountTarget, append(opts, herd.WithCallback(func(ctx context.Context) error {
		root := s.Config.TargetRoot
		progress := s.span(0.10, 0.12)
		schema.Report(progress, fmt.Sprintf("Mounting target at %s...", root), 0)
		if s.Plan != nil {
			return s.LogIfErrorAndReturn(s.Plan.Mount(ctx, s.Runner, root, s.diskOptions(progress)...), "mount target")
		}
		if err := disk.EnsureMounted(ctx, s.Runner, "", root, s.diskOptions(progress)...); err != nil {
			return s.LogIfErrorAndReturn(err, "mount target")
		}
		if s.Host.UEFI && s.Config.Disk.EFIPartition != "" {
			return s.LogIfErrorAndReturn(disk.EnsureMounted(ctx, s.Runner, s.Config.Disk.EFIPartition, s.path("boot", "efi"), s.diskOptions(progress)...), "mount ESP")
		}
		return nil
	}))...)
}

func (s *State) InstallPackagesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpInstallPkgs, append(opts, herd.WithCallback(func(ctx context.Context) error {
		i := s.payloadInstaller(s.span(0.12, 0.70))
		return s.LogIfErrorAndReturn(i.Install(ctx, s.Config.TargetRoot, s.Config.Payload.Job), "install packages")
	}))...)
}

func (s *State) LiveCopyDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpLiveCopy, append(opts, herd.WithCallback(func(ctx context.Context) error {
		i := s.payloadInstaller(s.span(0.12, 0.60))
		return s.LogIfErrorAndReturn(i.CopyLiveEnvironment(ctx, s.Config.TargetRoot), "copy live environment")
	}))...)
}

func (s *State) PostCopyDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPostCopy, append(opts, herd.WithCallback(func(ctx context.Context) error {
		// FinalizeLiveCopy reports from 0.9 of its own scale
		i := s.payloadInstaller(s.span(0.51, 0.65))
		return s.LogIfErrorAndReturn(i.FinalizeLiveCopy(ctx, s.Config.TargetRoot), "finalize live copy")
	}))...)
}

// LiveCopyPackagesDagStep installs what the job adds on top of the copied system. The copy
// already boots, so a failure is a warning.
func (s *State) LiveCopyPackagesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpLiveCopyPkgs, append(opts, herd.WithCallback(func(ctx context.Context) error {
		i := s.payloadInstaller(s.span(0.65, 0.70))
		if err := i.InstallOnLiveCopy(ctx, s.Config.TargetRoot, s.Config.Payload.Job); err != nil {
			s.warn(fmt.Sprintf("Additional packages failed: %s", err))
		}
		return nil
	}))...)
}

func (s *State) WriteFstabDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteFstab, append(opts, herd.WithCallback(func(ctx context.Context) error {
		progress := s.span(0.70, 0.72)
		schema.Report(progress, "Generating fstab...", 0)
		_, err := s.payloadInstaller(progress).GenerateFstab(ctx, s.Config.TargetRoot)
		return s.LogIfErrorAndReturn(err, "write fstab")
	}))...)
}

// ConfigureDagStep applies timezone, locale, keymap and hostname. Every failed field is kept as a warning.
func (s *State) ConfigureDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpConfigure, append(opts, herd.WithCallback(func(_ context.Context) error {
		progress := s.span(0.72, 0.76)
		if err := s.configurator(progress).Configure(s.Config.TargetRoot, s.Config.System); err != nil {
			for _, line := range internalUtils.NonEmptyLines(err.Error()) {
				s.warn(line)
			}
		}
		schema.Report(progress, "System configured.", 1)
		return nil
	}))...)
}

func (s *State) CreateUserDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCreateUser, append(opts, herd.WithCallback(func(ctx context.Context) error {
		progress := s.span(0.76, 0.80)
		schema.Report(progress, fmt.Sprintf("Creating user %s...", s.Config.User.Username), 0)
		if err := s.configurator(progress).CreateUser(ctx, s.Config.TargetRoot, s.Config.User); err != nil {
			s.warn(fmt.Sprintf("User creation failed: %s", err))
		}
		return nil
	}))...)
}

func (s *State) EnableNetworkDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpEnableNetwork, append(opts, herd.WithCallback(func(ctx context.Context) error {
		// EnableNetworkManager reports fixed fractions of a whole install, pin them to this step
		progress := func(msg string, _ float64) { schema.Report(s.Progress, msg, 0.81) }
		if w := s.configurator(progress).EnableNetworkManager(ctx, s.Config.TargetRoot); w != "" {
			s.warn(w)
		}
		return nil
	}))...)
}

// BootloaderDagStep installs GRUB and records the verification result. The primary disk is the
// configured one or, when the caller prepared the disk, the parent of the device mounted at the root.
func (s *State) BootloaderDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBootloader, append(opts, herd.WithCallback(func(ctx context.Context) error {
		root := s.Config.TargetRoot
		primary := s.Config.Disk.Device
		if primary == "" {
			if src := s.RootSource(filepath.Clean(root)); strings.HasPrefix(src, "/dev/") {
				primary = disk.ParentDisk(src)
			}
		}
		efi := s.Config.Disk.EFIPartition
		if s.Plan != nil && s.Plan.EFI().Device != "" {
			efi = s.Plan.EFI().Device
		}

		bopts := []bootloader.Option{bootloader.WithFS(s.FS), bootloader.WithProgress(s.span(0.82, 0.97))}
		i := bootloader.NewInstaller(s.Runner, s.Host, append(bopts, s.BootloaderOptions...)...)
		v, err := i.Install(ctx, root, primary, efi)
		s.Verification = v
		return s.LogIfErrorAndReturn(err, "install bootloader")
	}))...)
}

// CleanupEFIDagStep releases the ESP kept mounted by the bootloader step. It runs whatever happened before.
func (s *State) CleanupEFIDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCleanupEFI, append(opts, herd.WithCallback(func(ctx context.Context) error {
		chroot.CleanupEFIMount(ctx, s.Runner, s.Config.TargetRoot, s.chrootOptions()...)
		schema.Report(s.span(0.97, 0.98), "EFI partition released.", 1)
		return nil
	}))...)
}

func (s *State) WriteReceiptDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteReceipt, append(opts, herd.WithCallback(func(_ context.Context) error {
		s.Finished = s.now()
		if err := s.WriteReceipt(); err != nil {
			// the system is installed at this point
			s.warn(fmt.Sprintf("Could not write install receipt: %s", err))
		}
		schema.Report(s.Progress, "Installation complete.", 1)
		return nil
	}))...)
}
