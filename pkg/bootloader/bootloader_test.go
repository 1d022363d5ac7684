package bootloader_test

import (
	"context"
	"errors"
	"strings"

	"github.com/centrio-installer/centrio-core/pkg/bootloader"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/platform"
	"github.com/centrio-installer/centrio-core/tests/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

const (
	root    = "/mnt/target"
	esp     = "/mnt/target/boot/efi"
	rootCfg = "/mnt/target/boot/grub2/grub.cfg"
)

var generatedCfg = "### BEGIN /etc/grub.d/10_linux ###\n" + strings.Repeat("# generated by grub2-mkconfig\n", 8)

func hostFixture() map[string]interface{} {
	return map[string]interface{}{
		"/boot/efi/EFI/fedora/shimx64.efi":  "signed shim",
		"/boot/efi/EFI/fedora/grubx64.efi":  "signed grub",
		"/boot/efi/EFI/fedora/mmx64.efi":    "mok manager",
		"/boot/efi/EFI/fedora/grub.cfg":     "live stub",
		"/boot/efi/EFI/BOOT/BOOTX64.EFI":    "signed shim",
		"/mnt/target/etc/os-release":        "ID=fedora\nVERSION_ID=40\n",
		"/mnt/target/boot/vmlinuz-6.8.0":    "kernel",
		"/mnt/target/boot/vmlinuz-6.9.1":    "kernel",
		"/mnt/target/boot/vmlinuz-0-rescue": "kernel",
		"/mnt/target/boot/efi":              &vfst.Dir{Perm: 0o755},
	}
}

var _ = Describe("Bootloader installer", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *mocks.FakeRunner
	var host platform.Host
	var mounted map[string]string
	ctx := context.Background()

	newInstaller := func() *bootloader.Installer {
		return bootloader.NewInstaller(runner, host,
			bootloader.WithFS(fs),
			bootloader.WithMountTable(
				func(p string) bool { _, ok := mounted[p]; return ok },
				func(p string) string { return mounted[p] },
			),
		)
	}

	useFS := func(files map[string]interface{}) {
		if cleanup != nil {
			cleanup()
		}
		var err error
		fs, cleanup, err = vfst.NewTestFS(files)
		Expect(err).ToNot(HaveOccurred())
	}

	mkconfigWrites := func(content string) {
		runner.Handler = func(cmd executor.Command) (string, bool, error) {
			if strings.Contains(strings.Join(cmd.Args, " "), "grub2-mkconfig") {
				Expect(fs.WriteFile(rootCfg, []byte(content), 0o644)).To(Succeed())
			}
			return "", false, nil
		}
	}

	BeforeEach(func() {
		cleanup = nil
		useFS(hostFixture())
		runner = mocks.NewFakeRunner()
		host = platform.Host{UEFI: true, Arch: platform.ArchX86_64, Family: platform.FamilyFedora}
		mounted = map[string]string{esp: "/dev/sda1"}
		runner.On("findmnt -n -o UUID --target /mnt/target", "1234-5678\n", nil)
		mkconfigWrites(generatedCfg)
	})

	AfterEach(func() {
		cleanup()
	})

	Context("on UEFI", func() {
		It("stages shim and grub under the vendor directory and registers one boot entry", func() {
			v, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.UEFI).To(BeTrue())
			Expect(v.BootloaderID).To(Equal("fedora"))
			Expect(v.PrimaryDisk).To(Equal("/dev/sda"))
			Expect(v.EFIPartition).To(Equal("/dev/sda1"))

			for file, content := range map[string]string{
				"/mnt/target/boot/efi/EFI/fedora/shimx64.efi": "signed shim",
				"/mnt/target/boot/efi/EFI/fedora/BOOTX64.EFI": "signed shim",
				"/mnt/target/boot/efi/EFI/fedora/grubx64.efi": "signed grub",
				"/mnt/target/boot/efi/EFI/fedora/mmx64.efi":   "mok manager",
				"/mnt/target/boot/efi/EFI/BOOT/BOOTX64.EFI":   "signed shim",
			} {
				data, err := fs.ReadFile(file)
				Expect(err).ToNot(HaveOccurred(), file)
				Expect(string(data)).To(Equal(content), file)
			}

			stub, err := fs.ReadFile("/mnt/target/boot/efi/EFI/fedora/grub.cfg")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(stub)).To(Equal("search.fs_uuid 1234-5678 root\nset prefix=($root)/boot/grub2\nconfigfile $prefix/grub.cfg\n"))

			entries := runner.Matching("efibootmgr")
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Args).To(Equal([]string{"efibootmgr", "-c", "-d", "/dev/sda", "-p", "1", "-L", "fedora", "-l", `\EFI\fedora\BOOTX64.EFI`}))

			// the ESP was already the requested device
			Expect(runner.Matching("mount /dev/sda1")).To(BeEmpty())
			Expect(runner.Matching("umount /mnt/target/boot/efi")).To(BeEmpty())
		})

		It("disables os-prober and regenerates every non rescue initramfs newest first", func() {
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())

			mk := runner.Matching("chroot /mnt/target env GRUB_DISABLE_OS_PROBER=true grub2-mkconfig")
			Expect(mk).To(HaveLen(1))
			Expect(mk[0].Args[len(mk[0].Args)-2:]).To(Equal([]string{"-o", "/boot/grub2/grub.cfg"}))

			dracut := runner.Matching("chroot /mnt/target dracut")
			Expect(dracut).To(HaveLen(2))
			Expect(dracut[0].Args).To(Equal([]string{"chroot", root, "dracut", "--force", "--kver", "6.9.1"}))
			Expect(dracut[1].Args).To(Equal([]string{"chroot", root, "dracut", "--force", "--kver", "6.8.0"}))
		})

		It("keeps the ESP mounted across chroot sessions", func() {
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Matching("mount --bind /mnt/target/boot/efi")).ToNot(BeEmpty())
			Expect(runner.Matching("umount /mnt/target/boot/efi")).To(BeEmpty())
			Expect(runner.Matching("umount -l /mnt/target/boot/efi")).To(BeEmpty())
		})

		It("remounts the ESP when another device is mounted there", func() {
			mounted[esp] = "/dev/sdb1"
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			lines := runner.Lines()
			Expect(lines[0]).To(Equal("umount /mnt/target/boot/efi"))
			Expect(lines[1]).To(Equal("mount /dev/sda1 /mnt/target/boot/efi"))
		})

		It("uses the mounted ESP when no device is given", func() {
			v, err := newInstaller().Install(ctx, root, "/dev/nvme0n1", "")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.EFIPartition).To(Equal("/dev/sda1"))
		})

		It("fails when no ESP is mounted and none is given", func() {
			delete(mounted, esp)
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "")
			Expect(fault.Is(err, fault.MountFailure)).To(BeTrue())
		})

		It("skips the boot entry when the ESP name cannot be parsed", func() {
			mounted[esp] = "/dev/mapper/esp"
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/mapper/esp")
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Matching("efibootmgr")).To(BeEmpty())
		})

		It("does not fail because of efibootmgr", func() {
			runner.On("efibootmgr", "", errors.New("EFI variables are not supported"))
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
		})

		It("installs missing GRUB packages inside the target", func() {
			runner.On("rpm -q grub2-tools-efi", "", errors.New("package grub2-tools-efi is not installed"))
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Matching("rpm -q")).To(HaveLen(7))
			Expect(runner.Matching("rpm -q grub2-efi-x64 --root=/mnt/target")).To(HaveLen(1))
			Expect(runner.Matching("chroot /mnt/target dnf install -y grub2-tools-efi")).To(HaveLen(1))
		})

		It("fails with a package manager failure when missing packages cannot be installed", func() {
			runner.On("rpm -q grub2-tools-efi", "", errors.New("not installed"))
			runner.On("chroot /mnt/target dnf install", "", errors.New("no match for argument"))
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(fault.Is(err, fault.PackageManagerFailure)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("Missing required GRUB packages: grub2-tools-efi"))
			Expect(runner.Matching("efibootmgr")).To(BeEmpty())
		})

		It("checks Debian targets with dpkg", func() {
			Expect(fs.WriteFile("/mnt/target/etc/os-release", []byte("ID=ubuntu\nID_LIKE=debian\n"), 0o644)).To(Succeed())
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			Expect(runner.Matching("dpkg -s grub-efi-amd64 --root=/mnt/target")).To(HaveLen(1))
			Expect(runner.Matching("rpm -q")).To(BeEmpty())
		})

		It("fails when shim is missing from the live system", func() {
			useFS(map[string]interface{}{"/mnt/target/boot/efi": &vfst.Dir{Perm: 0o755}})
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(fault.Is(err, fault.BootloaderAssetMissing)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("shimx64.efi"))
			Expect(runner.Matching("efibootmgr")).To(BeEmpty())
			Expect(runner.Matching("chroot")).To(BeEmpty())
		})

		It("copies the full configuration to the ESP when the root UUID is unknown", func() {
			runner.On("findmnt -n -o UUID --target /mnt/target", "", nil)
			runner.On("findmnt -n -o SOURCE --target /mnt/target", "", errors.New("not found"))
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			data, err := fs.ReadFile("/mnt/target/boot/efi/EFI/fedora/grub.cfg")
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal(generatedCfg))
		})

		It("records the secure boot state", func() {
			host.SecureBoot = true
			v, err := newInstaller().Install(ctx, root, "/dev/sda", "/dev/sda1")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.SecureBoot).To(BeTrue())
		})
	})

	Context("locating EFI binaries", func() {
		It("uses the default identity when only EFI/BOOT is available", func() {
			useFS(map[string]interface{}{
				"/boot/efi/EFI/BOOT/BOOTX64.EFI": "shim",
				"/boot/efi/EFI/BOOT/grubx64.efi": "grub",
			})
			a, err := newInstaller().LocateAssets(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.Shim).To(Equal("/boot/efi/EFI/BOOT/BOOTX64.EFI"))
			Expect(a.Grub).To(Equal("/boot/efi/EFI/BOOT/grubx64.efi"))
			Expect(a.ID).To(Equal("Centrio"))
		})

		It("prefers grub shipped in the target and takes the identity from the shim vendor", func() {
			useFS(map[string]interface{}{
				"/boot/efi/EFI/rocky/shimx64.efi":                  "shim",
				"/boot/efi/EFI/rocky/grubx64.efi":                  "host grub",
				"/mnt/target/usr/lib/grub2/x86_64-efi/grubx64.efi": "target grub",
				"/mnt/target/usr/lib/grub/x86_64-efi/grubx64.efi":  "",
			})
			a, err := newInstaller().LocateAssets(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.Grub).To(Equal("/mnt/target/usr/lib/grub2/x86_64-efi/grubx64.efi"))
			Expect(a.ShimVendor).To(Equal("rocky"))
			Expect(a.ID).To(Equal("rocky"))
		})

		It("finds shim in an unknown vendor directory", func() {
			useFS(map[string]interface{}{
				"/boot/efi/EFI/opensuse/shimx64.efi": "shim",
				"/boot/efi/EFI/opensuse/grubx64.efi": "grub",
			})
			a, err := newInstaller().LocateAssets(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.ID).To(Equal("opensuse"))
		})

		It("uses the aarch64 names", func() {
			host.Arch = platform.ArchAarch64
			useFS(map[string]interface{}{
				"/boot/efi/EFI/fedora/shimaa64.efi": "shim",
				"/boot/efi/EFI/fedora/grubaa64.efi": "grub",
			})
			a, err := newInstaller().LocateAssets(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.Shim).To(HaveSuffix("shimaa64.efi"))
			Expect(a.Grub).To(HaveSuffix("grubaa64.efi"))
		})

		It("reports a missing signed grub", func() {
			useFS(map[string]interface{}{"/boot/efi/EFI/fedora/shimx64.efi": "shim"})
			_, err := newInstaller().LocateAssets(root)
			Expect(fault.Is(err, fault.BootloaderAssetMissing)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("Signed GRUB (grubx64.efi) not found"))
		})
	})

	Context("on BIOS", func() {
		BeforeEach(func() {
			host.UEFI = false
			mounted = map[string]string{}
		})

		It("embeds grub in the whole disk", func() {
			v, err := newInstaller().Install(ctx, root, "/dev/sda2", "")
			Expect(err).ToNot(HaveOccurred())
			Expect(v.UEFI).To(BeFalse())
			Expect(v.EFIPartition).To(BeEmpty())
			Expect(v.BootloaderID).To(Equal("Centrio"))

			install := runner.Matching("grub2-install")
			Expect(install).To(HaveLen(1))
			Expect(install[0].Args).To(Equal([]string{"grub2-install", "--target=i386-pc", "--force", "--recheck", "--boot-directory", "/mnt/target/boot", "/dev/sda"}))
			Expect(runner.Matching("rpm -q grub2-pc --root=/mnt/target")).To(HaveLen(1))
			Expect(runner.Matching("efibootmgr")).To(BeEmpty())
			_, err = fs.Stat("/mnt/target/boot/efi/EFI")
			Expect(err).To(HaveOccurred())
		})

		It("refuses architectures without legacy BIOS", func() {
			host.Arch = platform.ArchAarch64
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("not supported on aarch64"))
			Expect(runner.Commands).To(BeEmpty())
		})

		It("fails when grub2-install fails", func() {
			runner.On("grub2-install", "", fault.New(fault.ExecutionFailure, "grub2-install (BIOS)", "embedding is not possible"))
			_, err := newInstaller().Install(ctx, root, "/dev/sda", "")
			Expect(fault.Is(err, fault.ExecutionFailure)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("embedding is not possible"))
			Expect(runner.Matching("chroot /mnt/target env")).To(BeEmpty())
		})
	})

	It("requires a primary disk", func() {
		_, err := newInstaller().Install(ctx, root, "", "/dev/sda1")
		Expect(fault.Is(err, fault.ConfigurationFailure)).To(BeTrue())
	})

	Context("GRUB configuration", func() {
		hostCfg := "menuentry 'Live' {\n" +
			"\tlinux /vmlinuz root=UUID=aaaaaaaa-1111-2222-3333-444444444444 ro resume=/dev/sda3 rd.lvm.lv=live/root rhgb\n" +
			"\tinitrd /initramfs.img\n}\n" +
			"set kernelopts=\"root=UUID=aaaaaaaa-1111-2222-3333-444444444444 ro rootflags=subvol=root quiet\"\n"

		BeforeEach(func() {
			Expect(vfs.MkdirAll(fs, "/boot/grub2", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/boot/grub2/grub.cfg", []byte(hostCfg), 0o644)).To(Succeed())
		})

		It("keeps a usable generated configuration", func() {
			Expect(newInstaller().GenerateConfig(ctx, root)).To(Succeed())
			data, _ := fs.ReadFile(rootCfg)
			Expect(string(data)).To(Equal(generatedCfg))
		})

		It("falls back to the live configuration when grub2-mkconfig fails", func() {
			runner.Handler = nil
			runner.On("chroot /mnt/target env GRUB_DISABLE_OS_PROBER=true grub2-mkconfig", "", errors.New("no kernels found"))
			runner.On("findmnt -n -o UUID --target /", "AAAAAAAA-1111-2222-3333-444444444444\n", nil)
			runner.On("findmnt -n -o UUID --target /mnt/target", "bbbbbbbb-5555-6666-7777-888888888888\n", nil)

			Expect(newInstaller().GenerateConfig(ctx, root)).To(Succeed())
			data, err := fs.ReadFile(rootCfg)
			Expect(err).ToNot(HaveOccurred())
			cfg := string(data)
			Expect(cfg).ToNot(ContainSubstring("aaaaaaaa-1111"))
			Expect(cfg).To(ContainSubstring("\tlinux /vmlinuz root=UUID=bbbbbbbb-5555-6666-7777-888888888888 ro rhgb quiet splash\n"))
			Expect(cfg).To(ContainSubstring("set kernelopts=\"root=UUID=bbbbbbbb-5555-6666-7777-888888888888 ro quiet splash\"\n"))
			Expect(cfg).To(ContainSubstring("\tinitrd /initramfs.img\n"))
		})

		It("falls back when the generated file is too small", func() {
			mkconfigWrites("# empty\n")
			Expect(newInstaller().GenerateConfig(ctx, root)).To(Succeed())
			data, _ := fs.ReadFile(rootCfg)
			Expect(string(data)).To(ContainSubstring("menuentry 'Live'"))
		})

		It("fails when there is nothing to fall back to", func() {
			Expect(fs.Remove("/boot/grub2/grub.cfg")).To(Succeed())
			runner.Handler = nil
			runner.On("chroot /mnt/target env", "", errors.New("no kernels found"))
			err := newInstaller().GenerateConfig(ctx, root)
			Expect(fault.Is(err, fault.ExecutionFailure)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("no usable host grub.cfg"))
		})
	})

	Context("root UUID", func() {
		It("normalizes RFC 4122 UUIDs", func() {
			runner.On("findmnt -n -o UUID --target /mnt/target", "0B5F7F0E-8A3C-4A52-9E7E-3C1F0E8D9B11\n", nil)
			Expect(newInstaller().RootUUID(ctx, root)).To(Equal("0b5f7f0e-8a3c-4a52-9e7e-3c1f0e8d9b11"))
		})
		It("asks blkid when findmnt has no UUID", func() {
			runner.On("findmnt -n -o UUID --target /mnt/target", "\n", nil)
			runner.On("findmnt -n -o SOURCE --target /mnt/target", "/dev/sda2\n", nil)
			runner.On("blkid -o value -s UUID /dev/sda2", "0b5f7f0e-8a3c-4a52-9e7e-3c1f0e8d9b11\n", nil)
			Expect(newInstaller().RootUUID(ctx, root)).To(Equal("0b5f7f0e-8a3c-4a52-9e7e-3c1f0e8d9b11"))
		})
		It("ignores malformed values", func() {
			runner.On("findmnt -n -o UUID --target /mnt/target", "not-a-uuid\n", nil)
			runner.On("findmnt -n -o SOURCE --target /mnt/target", "overlay\n", nil)
			Expect(newInstaller().RootUUID(ctx, root)).To(BeEmpty())
		})
	})

	It("renders the ESP stub", func() {
		Expect(bootloader.StubConfig("1234-5678")).To(Equal("search.fs_uuid 1234-5678 root\nset prefix=($root)/boot/grub2\nconfigfile $prefix/grub.cfg\n"))
	})
})
