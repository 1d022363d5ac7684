package state_test

import (
	"context"
	"sort"
	"strings"

	cnst "github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/bootloader"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/payload"
	"github.com/centrio-installer/centrio-core/pkg/platform"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/centrio-installer/centrio-core/pkg/state"
	"github.com/centrio-installer/centrio-core/tests/mocks"
	"github.com/moby/sys/mountinfo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
	"gopkg.in/yaml.v3"
)

const root = "/mnt/target"

func baseConfig() *schema.InstallConfig {
	return &schema.InstallConfig{
		TargetRoot: root,
		Disk:       schema.DiskConfig{Device: "/dev/sda", Filesystem: schema.Btrfs, EFISizeMiB: 512},
		Payload:    schema.PayloadConfig{Strategy: schema.StrategyPackages, Job: schema.PackageJob{Packages: []string{"@core", "kernel"}}},
		System:     schema.SystemConfig{Hostname: "workstation", Locale: "en_US.UTF-8"},
		User:       schema.UserConfig{Username: "alex", Password: "secret", Admin: true},
	}
}

func layerNames(dag [][]herd.GraphEntry) [][]string {
	var out [][]string
	for _, layer := range dag {
		var names []string
		for _, op := range layer {
			names = append(names, op.Name)
		}
		sort.Strings(names)
		out = append(out, names)
	}
	return out
}

func single(names ...string) [][]string {
	out := [][]string{{"init"}}
	for _, n := range names {
		out = append(out, []string{n})
	}
	return out
}

var _ = Describe("install DAG", func() {
	var g *herd.Graph
	host := platform.Host{UEFI: true, Arch: platform.ArchX86_64, Family: platform.FamilyFedora}

	BeforeEach(func() {
		g = herd.DAG(herd.EnableInit)
		Expect(g).ToNot(BeNil())
	})

	Context("registration", func() {
		It("chains a package install", func() {
			s := state.New(baseConfig(), host, mocks.NewFakeRunner())
			Expect(s.Register(g)).To(Succeed())
			Expect(layerNames(g.Analyze())).To(Equal(single(
				cnst.OpPlan, cnst.OpTeardownLVM, cnst.OpPartition, cnst.OpMountTarget, cnst.OpInstallPkgs,
				cnst.OpWriteFstab, cnst.OpConfigure, cnst.OpCreateUser, cnst.OpEnableNetwork,
				cnst.OpBootloader, cnst.OpCleanupEFI, cnst.OpWriteReceipt,
			)), s.WriteDAG(g))
		})

		It("chains a live copy with extra packages", func() {
			cfg := baseConfig()
			cfg.Payload.Strategy = schema.StrategyLiveCopy
			s := state.New(cfg, host, mocks.NewFakeRunner())
			Expect(s.Register(g)).To(Succeed())
			Expect(layerNames(g.Analyze())).To(Equal(single(
				cnst.OpPlan, cnst.OpTeardownLVM, cnst.OpPartition, cnst.OpMountTarget,
				cnst.OpLiveCopy, cnst.OpPostCopy, cnst.OpLiveCopyPkgs,
				cnst.OpWriteFstab, cnst.OpConfigure, cnst.OpCreateUser, cnst.OpEnableNetwork,
				cnst.OpBootloader, cnst.OpCleanupEFI, cnst.OpWriteReceipt,
			)), s.WriteDAG(g))
		})

		It("leaves out steps that have nothing to do", func() {
			cfg := baseConfig()
			cfg.Disk.SkipPartitioning = true
			cfg.Payload.Strategy = schema.StrategyLiveCopy
			cfg.Payload.Job = schema.PackageJob{}
			cfg.User = schema.UserConfig{}
			s := state.New(cfg, host, mocks.NewFakeRunner())
			Expect(s.Register(g)).To(Succeed())
			Expect(layerNames(g.Analyze())).To(Equal(single(
				cnst.OpMountTarget, cnst.OpLiveCopy, cnst.OpPostCopy,
				cnst.OpWriteFstab, cnst.OpConfigure, cnst.OpEnableNetwork,
				cnst.OpBootloader, cnst.OpCleanupEFI, cnst.OpWriteReceipt,
			)), s.WriteDAG(g))
		})

		It("does not touch LVM on dual boot", func() {
			cfg := baseConfig()
			cfg.Disk.DualBoot = true
			cfg.Disk.PreserveEFI = true
			cfg.Disk.EFIPartition = "/dev/sda1"
			s := state.New(cfg, host, mocks.NewFakeRunner())
			Expect(s.Register(g)).To(Succeed())
			Expect(s.WriteDAG(g)).ToNot(ContainSubstring(cnst.OpTeardownLVM))
		})

		It("renders every layer", func() {
			s := state.New(baseConfig(), host, mocks.NewFakeRunner())
			Expect(s.Register(g)).To(Succeed())
			out := s.WriteDAG(g)
			Expect(out).To(HavePrefix("1.\n <init> (background: false)"))
			Expect(out).To(ContainSubstring("13.\n <write-receipt>"))
		})

		It("requires a configuration", func() {
			s := state.New(nil, host, mocks.NewFakeRunner())
			Expect(s.Register(g)).ToNot(Succeed())
		})
	})

	Context("running", func() {
		var fs vfs.FS
		var cleanup func()
		var runner *mocks.FakeRunner
		var mounted map[string]string
		var s *state.State
		var messages []string
		var fractions []float64
		ctx := context.Background()
		fsTypes := map[string]string{"/dev/sda1": "vfat", "/dev/sda2": "btrfs"}

		isMounted := func(p string) bool { _, ok := mounted[p]; return ok }
		source := func(p string) string { return mounted[p] }
		mounts := func(prefix string) ([]*mountinfo.Info, error) {
			var out []*mountinfo.Info
			for target, dev := range mounted {
				if strings.HasPrefix(target, prefix) {
					out = append(out, &mountinfo.Info{Source: dev, Mountpoint: target, FSType: fsTypes[dev]})
				}
			}
			sort.Slice(out, func(a, b int) bool { return out[a].Mountpoint < out[b].Mountpoint })
			return out, nil
		}

		newState := func(cfg *schema.InstallConfig) *state.State {
			st := state.New(cfg, host, runner)
			st.FS = fs
			st.RootSource = source
			st.Progress = func(msg string, f float64) {
				messages = append(messages, msg)
				fractions = append(fractions, f)
			}
			st.DiskOptions = []disk.HostOption{
				disk.WithMountTable(isMounted, source),
				disk.WithDeviceCheck(func(string) bool { return true }, 1, 0),
			}
			st.PayloadOptions = []payload.Option{payload.WithRoot(true), payload.WithMountTable(isMounted, mounts)}
			st.BootloaderOptions = []bootloader.Option{bootloader.WithMountTable(isMounted, source)}
			st.ChrootOptions = []chroot.Option{chroot.WithMountCheck(isMounted)}
			return st
		}

		BeforeEach(func() {
			var err error
			fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
				"/boot/efi/EFI/fedora/shimx64.efi": "signed shim",
				"/boot/efi/EFI/fedora/grubx64.efi": "signed grub",
				"/mnt/target/etc/os-release":       "ID=fedora\nVERSION_ID=40\n",
				"/mnt/target/boot/vmlinuz-6.9.1":   "kernel",
			})
			Expect(err).ToNot(HaveOccurred())
			mounted = map[string]string{}
			messages, fractions = nil, nil

			runner = mocks.NewFakeRunner()
			runner.On("findmnt -n -o UUID --target /mnt/target", "1234-5678\n", nil)
			runner.On("blkid -o value -s UUID /dev/sda1", "ABCD-1234\n", nil)
			runner.On("blkid -o value -s UUID /dev/sda2", "0b5f3c6e-1d2a-4c8e-9f00-2b7d1e6a9c11\n", nil)
			runner.Handler = func(cmd executor.Command) (string, bool, error) {
				args := cmd.Args
				switch {
				case len(args) == 3 && args[0] == "mount" && strings.HasPrefix(args[1], "/dev/"):
					mounted[args[2]] = args[1]
				case len(args) == 2 && args[0] == "umount":
					delete(mounted, args[1])
				case strings.Contains(strings.Join(args, " "), "grub2-mkconfig"):
					Expect(fs.WriteFile("/mnt/target/boot/grub2/grub.cfg", []byte(strings.Repeat("menuentry 'Centrio' {}\n", 10)), 0o644)).To(Succeed())
				}
				return "", false, nil
			}
			s = newState(baseConfig())
		})

		AfterEach(func() {
			cleanup()
		})

		It("installs a UEFI system end to end", func() {
			Expect(s.Register(g)).To(Succeed())
			Expect(s.Run(ctx, g)).To(Succeed())

			lines := runner.Lines()
			Expect(lines).To(ContainElements(
				"wipefs -a /dev/sda",
				"mkfs.vfat -F32 /dev/sda1",
				"mkfs.btrfs -f /dev/sda2",
				"mount /dev/sda2 /mnt/target",
				"mount /dev/sda1 /mnt/target/boot/efi",
			))
			dnf := runner.Matching("dnf install")
			Expect(dnf).To(HaveLen(1))
			Expect(dnf[0].Args).To(ContainElements("--installroot=/mnt/target", "--releasever=40", "@core", "kernel"))

			// the ESP survives every chroot session until the cleanup step
			Expect(runner.Matching("umount /mnt/target/boot/efi")).To(HaveLen(1))
			Expect(runner.Matching("efibootmgr")).To(HaveLen(1))
			Expect(runner.Matching("chroot /mnt/target useradd")).To(HaveLen(1))

			Expect(s.Plan).ToNot(BeNil())
			Expect(s.Verification).To(Equal(schema.Verification{
				UEFI: true, BootloaderID: "fedora", PrimaryDisk: "/dev/sda", EFIPartition: "/dev/sda1",
			}))

			fstab, err := fs.ReadFile("/mnt/target/etc/fstab")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(fstab)).To(ContainSubstring("UUID=0b5f3c6e-1d2a-4c8e-9f00-2b7d1e6a9c11\t/\tbtrfs"))

			stub, err := fs.ReadFile("/mnt/target/boot/efi/EFI/fedora/grub.cfg")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(stub)).To(HavePrefix("search.fs_uuid 1234-5678 root\n"))

			data, err := fs.ReadFile("/mnt/target" + cnst.ReceiptPath)
			Expect(err).ToNot(HaveOccurred())
			var receipt state.Receipt
			Expect(yaml.Unmarshal(data, &receipt)).To(Succeed())
			Expect(receipt.RunID).To(Equal(s.RunID.String()))
			Expect(receipt.Verification.BootloaderID).To(Equal("fedora"))
			Expect(receipt.Plan.Partitions).To(HaveLen(2))
			Expect(receipt.Username).To(Equal("alex"))
			Expect(string(data)).ToNot(ContainSubstring("secret"))
			Expect(receipt.Finished.Before(receipt.Started)).To(BeFalse())

			Expect(messages[len(messages)-1]).To(Equal("Installation complete."))
			for n := 1; n < len(fractions); n++ {
				if fractions[n] == schema.NoFraction {
					continue
				}
				Expect(fractions[n]).To(BeNumerically("<=", 1))
			}
		})

		It("keeps going on configuration warnings", func() {
			runner.On("chroot /mnt/target systemctl enable NetworkManager.service", "", fault.New(fault.ExecutionFailure, "systemctl", "unit not found"))
			runner.On("chroot /mnt/target useradd", "", fault.New(fault.ExecutionFailure, "useradd", "useradd failed"))
			Expect(s.Register(g)).To(Succeed())
			Expect(s.Run(ctx, g)).To(Succeed())

			Expect(s.Warnings).To(HaveLen(2))
			Expect(s.Warnings[0]).To(ContainSubstring("User creation failed"))
			Expect(s.Warnings[1]).To(ContainSubstring("Failed to enable NetworkManager"))
			Expect(runner.Matching("efibootmgr")).To(HaveLen(1))
		})

		It("stops at a failed partitioning and never formats", func() {
			runner.On("parted -s /dev/sda mklabel", "", fault.New(fault.ExecutionFailure, "Create GPT label", "device busy"))
			Expect(s.Register(g)).To(Succeed())
			err := s.Run(ctx, g)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("device busy"))

			Expect(runner.Matching("mkfs")).To(BeEmpty())
			Expect(runner.Matching("dnf")).To(BeEmpty())
			Expect(runner.Matching("grub2")).To(BeEmpty())
		})

		It("releases the ESP when the bootloader fails", func() {
			Expect(fs.RemoveAll("/boot/efi/EFI")).To(Succeed())
			Expect(s.Register(g)).To(Succeed())
			err := s.Run(ctx, g)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("Could not find shim"))

			Expect(runner.Matching("umount /mnt/target/boot/efi")).To(HaveLen(1))
			_, statErr := fs.Stat("/mnt/target" + cnst.ReceiptPath)
			Expect(statErr).To(HaveOccurred())
		})

		It("installs on a disk prepared by the caller", func() {
			mounted[root] = "/dev/nvme0n1p2"
			fsTypes["/dev/nvme0n1p2"] = "ext4"
			cfg := baseConfig()
			cfg.Disk = schema.DiskConfig{SkipPartitioning: true, Filesystem: schema.Ext4, EFIPartition: "/dev/nvme0n1p1"}
			s = newState(cfg)

			Expect(s.Register(g)).To(Succeed())
			Expect(s.Run(ctx, g)).To(Succeed())

			Expect(runner.Matching("wipefs")).To(BeEmpty())
			Expect(runner.Matching("parted")).To(BeEmpty())
			Expect(runner.Lines()).To(ContainElement("mount /dev/nvme0n1p1 /mnt/target/boot/efi"))
			Expect(s.Verification.PrimaryDisk).To(Equal("/dev/nvme0n1"))
			Expect(s.Verification.EFIPartition).To(Equal("/dev/nvme0n1p1"))
			Expect(runner.Lines()).To(ContainElement(`efibootmgr -c -d /dev/nvme0n1 -p 1 -L fedora -l \EFI\fedora\BOOTX64.EFI`))
		})
	})
})

var _ = Describe("receipt", func() {
	It("describes the host", func() {
		host := platform.Host{UEFI: true, SecureBoot: true, Arch: platform.ArchAarch64, Family: platform.FamilyFedora,
			Release: internalUtils.OSRelease{Name: "Fedora Linux", VersionID: "41"}}
		s := state.New(baseConfig(), host, mocks.NewFakeRunner())
		r := s.Receipt()
		Expect(r.Host).To(Equal(state.HostFacts{UEFI: true, SecureBoot: true, Arch: "aarch64", Family: platform.FamilyFedora.String(), OS: "Fedora Linux", VersionID: "41"}))
		Expect(r.Strategy).To(Equal(schema.StrategyPackages))
		Expect(r.Version.Version).ToNot(BeEmpty())
	})
})
