package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/internal/version"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/payload"
	"github.com/centrio-installer/centrio-core/pkg/platform"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/centrio-installer/centrio-core/pkg/state"
	"github.com/gookit/color"
	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "install configuration `FILE`",
	EnvVars:  []string{"CENTRIO_CONFIG"},
	Required: true,
}

var rootFlag = &cli.StringFlag{
	Name:  "root",
	Usage: "target root `DIR`",
	Value: "/mnt/target",
}

var Commands = []*cli.Command{
	{
		Name:  "install",
		Usage: "install the system described by the configuration file",
		Description: `
Partitions the disk, installs the payload, configures the target and makes it bootable.
With --dry-run only the install steps and the partition commands are printed.
`,
		Flags: []cli.Flag{
			configFlag,
			&cli.BoolFlag{
				Name:    "dry-run",
				EnvVars: []string{"CENTRIO_DRY_RUN"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := schema.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			host := platform.Detect()
			progress := NewProgress()
			runner := executor.NewExecutor(executor.WithProgress(progress))

			s := state.New(cfg, host, runner)
			s.Progress = progress
			g := herd.DAG(herd.EnableInit)
			if err := s.Register(g); err != nil {
				return err
			}
			utils.Log.Info().Msg(s.WriteDAG(g))

			if c.Bool("dry-run") {
				if cfg.Disk.SkipPartitioning {
					return nil
				}
				plan, err := s.BuildPlan(c.Context)
				if err != nil {
					return err
				}
				printPlan(plan)
				return nil
			}

			err = s.Run(c.Context, g)
			for _, w := range s.Warnings {
				color.Warn.Println("warning: " + w)
			}
			if err != nil {
				color.Danger.Println("Installation failed")
				return err
			}
			color.Success.Printf("Installed to %s (bootloader %s)\n", cfg.TargetRoot, s.Verification.BootloaderID)
			return nil
		},
	},
	{
		Name:  "plan",
		Usage: "print the partition plan without running it",
		Flags: []cli.Flag{configFlag},
		Action: func(c *cli.Context) error {
			cfg, err := schema.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			s := state.New(cfg, platform.Detect(), executor.NewExecutor())
			plan, err := s.BuildPlan(c.Context)
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		},
	},
	{
		Name:  "fstab",
		Usage: "write etc/fstab of a mounted target from its current mounts",
		Flags: []cli.Flag{rootFlag},
		Action: func(c *cli.Context) error {
			i := payload.NewInstaller(executor.NewExecutor(), platform.Detect())
			out, err := i.GenerateFstab(c.Context, c.String("root"))
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	},
	{
		Name:  "cleanup-efi",
		Usage: "release the EFI partition left mounted under the target",
		Flags: []cli.Flag{rootFlag},
		Action: func(c *cli.Context) error {
			chroot.CleanupEFIMount(c.Context, executor.NewExecutor(), c.String("root"))
			return nil
		},
	},
	{
		Name:  "disks",
		Usage: "list the disks an installation can target",
		Action: func(c *cli.Context) error {
			candidates, err := disk.Inventory()
			if err != nil {
				return err
			}
			return yaml.NewEncoder(os.Stdout).Encode(struct {
				Disks         []disk.Candidate    `yaml:"disks"`
				EFIPartitions []disk.EFIPartition `yaml:"efi_partitions,omitempty"`
			}{candidates, disk.DetectEFIPartitions(c.Context, executor.NewExecutor())})
		},
	},
	{
		Name:  "version",
		Usage: "print the version and build information",
		Action: func(c *cli.Context) error {
			fmt.Println(version.Get().String())
			return nil
		},
	},
}

func printPlan(plan *disk.Plan) {
	color.Info.Printf("Partition plan for %s (uefi: %t)\n", plan.Disk, plan.UEFI)
	for _, line := range plan.CommandLines() {
		fmt.Println("  " + line)
	}
	for _, p := range plan.Partitions {
		reused := ""
		if p.Reused {
			reused = " (reused)"
		}
		fmt.Printf("  %s -> %s [%s]%s\n", p.Device, p.MountPoint, strings.ToLower(string(p.Filesystem)), reused)
	}
}
