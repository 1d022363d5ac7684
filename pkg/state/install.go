package state

import (
	"context"
	"fmt"

	cnst "github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/hashicorp/go-multierror"
	"github.com/spectrocloud-labs/herd"
)

// Register adds the install steps to g. Fatal steps use hard deps so a failure stops everything
// depending on them, steps that only produce warnings are reached through weak deps.
func (s *State) Register(g *herd.Graph) error {
	if s.Config == nil {
		return fmt.Errorf("no install configuration")
	}
	cfg := s.Config
	var mountDeps []herd.OpOption

	if !cfg.Disk.SkipPartitioning {
		s.LogIfError(s.PlanDagStep(g), "plan")
		partitionOpts := []herd.OpOption{herd.WithDeps(cnst.OpPlan)}
		// the other system may live on LVM of the same disk
		if !cfg.Disk.DualBoot {
			s.LogIfError(s.TeardownLVMDagStep(g, herd.WithDeps(cnst.OpPlan)), "teardown lvm")
			partitionOpts = append(partitionOpts, herd.WithWeakDeps(cnst.OpTeardownLVM))
		}
		s.LogIfError(s.PartitionDagStep(g, partitionOpts...), "partition")
		mountDeps = append(mountDeps, herd.WithDeps(cnst.OpPartition))
	}
	s.LogIfError(s.MountTargetDagStep(g, mountDeps...), "mount target")

	fstabOpts := []herd.OpOption{}
	switch cfg.Payload.Strategy {
	case schema.StrategyLiveCopy:
		s.LogIfError(s.LiveCopyDagStep(g, herd.WithDeps(cnst.OpMountTarget)), "live copy")
		s.LogIfError(s.PostCopyDagStep(g, herd.WithDeps(cnst.OpLiveCopy)), "post copy")
		fstabOpts = append(fstabOpts, herd.WithDeps(cnst.OpPostCopy))
		job := cfg.Payload.Job
		if len(job.Packages) > 0 || len(job.Repositories) > 0 || job.FlatpakEnabled {
			s.LogIfError(s.LiveCopyPackagesDagStep(g, herd.WithDeps(cnst.OpPostCopy)), "live copy packages")
			fstabOpts = append(fstabOpts, herd.WithWeakDeps(cnst.OpLiveCopyPkgs))
		}
	default:
		s.LogIfError(s.InstallPackagesDagStep(g, herd.WithDeps(cnst.OpMountTarget)), "install packages")
		fstabOpts = append(fstabOpts, herd.WithDeps(cnst.OpInstallPkgs))
	}
	s.LogIfError(s.WriteFstabDagStep(g, fstabOpts...), "write fstab")

	s.LogIfError(s.ConfigureDagStep(g, herd.WithDeps(cnst.OpWriteFstab)), "configure")
	configured := []string{cnst.OpConfigure}
	if cfg.User.Username != "" {
		s.LogIfError(s.CreateUserDagStep(g, herd.WithDeps(cnst.OpWriteFstab), herd.WithWeakDeps(cnst.OpConfigure)), "create user")
		configured = append(configured, cnst.OpCreateUser)
	}
	s.LogIfError(s.EnableNetworkDagStep(g, herd.WithDeps(cnst.OpWriteFstab), herd.WithWeakDeps(configured...)), "enable network")
	configured = append(configured, cnst.OpEnableNetwork)

	s.LogIfError(s.BootloaderDagStep(g, herd.WithDeps(cnst.OpWriteFstab), herd.WithWeakDeps(configured...)), "bootloader")
	s.LogIfError(s.CleanupEFIDagStep(g, herd.WeakDeps, herd.WithWeakDeps(cnst.OpBootloader)), "cleanup efi")
	s.LogIfError(s.WriteReceiptDagStep(g, herd.WithDeps(cnst.OpBootloader), herd.WithWeakDeps(cnst.OpCleanupEFI)), "receipt")
	return nil
}

// Run executes g and returns the failures of the steps that ran, one per step.
func (s *State) Run(ctx context.Context, g *herd.Graph) error {
	s.Started = s.now()
	l := internalUtils.Log.With().Str("run", s.RunID.String()).Str("where", s.Config.TargetRoot).Logger()
	l.Info().Msg("Starting installation")

	runErr := g.Run(ctx)
	l.Info().Msg("\n" + s.WriteDAG(g))

	var result *multierror.Error
	for _, layer := range g.Analyze() {
		for _, op := range layer {
			if op.Error != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", op.Name, op.Error))
			}
		}
	}
	if result == nil && runErr != nil {
		return runErr
	}
	if err := result.ErrorOrNil(); err != nil {
		l.Error().Err(err).Msg("Installation failed")
		return err
	}
	l.Info().Int("warnings", len(s.Warnings)).Msg("Installation finished")
	return nil
}
