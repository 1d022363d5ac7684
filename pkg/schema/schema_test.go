package schema_test

import (
	"os"
	"path/filepath"

	"github.com/centrio-installer/centrio-core/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeConfig(content string) string {
	path := filepath.Join(GinkgoT().TempDir(), "install.yaml")
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
	return path
}

var _ = Describe("InstallConfig", func() {
	Context("LoadConfig", func() {
		It("fills the defaults", func() {
			cfg, err := schema.LoadConfig(writeConfig("disk:\n  device: /dev/sda\n"))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.TargetRoot).To(Equal("/mnt/target"))
			Expect(cfg.Disk.Filesystem).To(Equal(schema.Btrfs))
			Expect(cfg.Disk.EFISizeMiB).To(Equal(512))
			Expect(cfg.Payload.Strategy).To(Equal(schema.StrategyPackages))
			Expect(cfg.Payload.Job.KeepCache).To(BeTrue())
		})

		It("reads the job inline in the payload", func() {
			cfg, err := schema.LoadConfig(writeConfig(`
target_root: /target
disk:
  device: /dev/nvme0n1
  filesystem: xfs
payload:
  strategy: live-copy
  packages: [htop]
  flatpak_enabled: true
  repositories:
    - id: extra
      url: https://example.org/repo
user:
  username: alice
  admin: true
`))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.TargetRoot).To(Equal("/target"))
			Expect(cfg.Disk.Filesystem).To(Equal(schema.XFS))
			Expect(cfg.Payload.Strategy).To(Equal(schema.StrategyLiveCopy))
			Expect(cfg.Payload.Job.Packages).To(Equal([]string{"htop"}))
			Expect(cfg.Payload.Job.FlatpakEnabled).To(BeTrue())
			Expect(cfg.Payload.Job.Repositories).To(HaveLen(1))
			Expect(cfg.Payload.Job.Repositories[0].ID).To(Equal("extra"))
			Expect(cfg.User.Admin).To(BeTrue())
		})

		It("fails on a missing file", func() {
			_, err := schema.LoadConfig(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
			Expect(err).To(HaveOccurred())
		})

		It("fails on broken yaml", func() {
			_, err := schema.LoadConfig(writeConfig("disk: [\n"))
			Expect(err).To(MatchError(ContainSubstring("parsing")))
		})
	})

	Context("Validate", func() {
		var cfg *schema.InstallConfig

		BeforeEach(func() {
			cfg = &schema.InstallConfig{
				TargetRoot: "/mnt/target",
				Disk:       schema.DiskConfig{Device: "/dev/sda", Filesystem: schema.Ext4},
				Payload:    schema.PayloadConfig{Strategy: schema.StrategyPackages},
			}
		})

		It("accepts a complete configuration", func() {
			Expect(cfg.Validate()).To(Succeed())
		})

		It("rejects a relative target root", func() {
			cfg.TargetRoot = "mnt"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("absolute")))
		})

		It("requires a disk unless partitioning is skipped", func() {
			cfg.Disk.Device = ""
			Expect(cfg.Validate()).ToNot(Succeed())
			cfg.Disk.SkipPartitioning = true
			Expect(cfg.Validate()).To(Succeed())
		})

		It("rejects vfat and unknown filesystems for the root", func() {
			cfg.Disk.Filesystem = schema.VFAT
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("unsupported filesystem")))
			cfg.Disk.Filesystem = "zfs"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("unsupported filesystem")))
		})

		It("requires the EFI partition when preserving it", func() {
			cfg.Disk.DualBoot = true
			cfg.Disk.PreserveEFI = true
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("efi_partition")))
			cfg.Disk.EFIPartition = "/dev/sda1"
			Expect(cfg.Validate()).To(Succeed())
		})

		It("rejects dual boot that would wipe the disk", func() {
			cfg.Disk.DualBoot = true
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("preserve_efi")))
			cfg.Disk.PreserveEFI = true
			cfg.Disk.EFIPartition = "/dev/sda1"
			Expect(cfg.Validate()).To(Succeed())
		})

		It("rejects an unknown strategy", func() {
			cfg.Payload.Strategy = "image"
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("unknown payload strategy")))
		})
	})
})

var _ = Describe("PackageJob", func() {
	It("prefers the explicit packages", func() {
		job := schema.PackageJob{Packages: []string{"@core", "kernel"}, Minimal: true}
		Expect(job.Resolve()).To(Equal([]string{"@core", "kernel"}))
	})

	It("uses the minimal set", func() {
		Expect(schema.PackageJob{Minimal: true}.Resolve()).To(Equal(schema.MinimalPackages()))
	})

	It("falls back to the default set", func() {
		Expect(schema.PackageJob{}.Resolve()).To(Equal(schema.DefaultPackages()))
	})

	It("hands out fresh slices", func() {
		job := schema.PackageJob{Packages: []string{"vim"}}
		resolved := job.Resolve()
		resolved[0] = "emacs"
		Expect(job.Packages).To(Equal([]string{"vim"}))

		defaults := schema.DefaultPackages()
		defaults[0] = "changed"
		Expect(schema.DefaultPackages()[0]).To(Equal("@core"))
	})
})

var _ = Describe("Report", func() {
	It("ignores a nil ProgressFunc", func() {
		Expect(func() { schema.Report(nil, "msg", 0.5) }).ToNot(Panic())
	})

	It("forwards message and fraction", func() {
		var got []float64
		schema.Report(func(_ string, f float64) { got = append(got, f) }, "msg", schema.NoFraction)
		Expect(got).To(Equal([]float64{schema.NoFraction}))
	})
})
