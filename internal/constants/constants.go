package constants

import (
	"errors"
	"time"
)

var ErrAlreadyMounted = errors.New("already mounted")

// DefaultBootloaderID is the EFI vendor directory used when no vendor can be derived from the host ESP.
const DefaultBootloaderID = "Centrio"

// EFIPartTypeGUID is the GPT partition type of an EFI System Partition.
const EFIPartTypeGUID = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

const (
	OpPlan          = "plan-partitions"
	OpTeardownLVM   = "teardown-lvm"
	OpPartition     = "partition-disk"
	OpMountTarget   = "mount-target"
	OpInstallPkgs   = "install-packages"
	OpLiveCopy      = "copy-live-environment"
	OpPostCopy      = "finalize-live-copy"
	OpLiveCopyPkgs  = "install-live-copy-packages"
	OpWriteFstab    = "write-fstab"
	OpConfigure     = "configure-target"
	OpCreateUser    = "create-user"
	OpEnableNetwork = "enable-network"
	OpBootloader    = "install-bootloader"
	OpCleanupEFI    = "cleanup-efi-mount"
	OpWriteReceipt  = "write-receipt"
)

const (
	LogDir      = "/var/log/centrio"
	LogFile     = "centrio-core.log"
	ReceiptPath = "/var/log/centrio-install.yaml"
	FstabHeader = "# Generated by centrio-core"

	HostEFIDir       = "/sys/firmware/efi"
	HostEFIVarsDir   = "/sys/firmware/efi/efivars"
	HostDBusSocket   = "/run/dbus/system_bus_socket"
	HostResolvConf   = "/etc/resolv.conf"
	HostESPEFIDir    = "/boot/efi/EFI"
	HostGrubCfg      = "/boot/grub2/grub.cfg"
	TargetGrubCfg    = "/boot/grub2/grub.cfg"
	FlathubRemoteURL = "https://dl.flathub.org/repo/flathub.flatpakrepo"

	// ElevationWrapper is prepended to commands when not running as root.
	ElevationWrapper = "pkexec"

	// FallbackReleaseVer is used for --releasever when the host os-release has no VERSION_ID.
	FallbackReleaseVer = "40"

	// MinGrubCfgSize below which a generated grub.cfg is considered broken.
	MinGrubCfgSize = 100

	// MinFreeRegionMiB is the smallest unallocated region accepted for a dual-boot root partition.
	MinFreeRegionMiB = 100

	DefaultEFISizeMiB = 512
	KernelLogLines    = 50
)

const (
	TimeoutMount         = 15 * time.Second
	TimeoutUmount        = 30 * time.Second
	TimeoutLazyUmount    = 15 * time.Second
	TimeoutQuery         = 10 * time.Second
	TimeoutUseradd       = 30 * time.Second
	TimeoutChpasswd      = 15 * time.Second
	TimeoutRepo          = 120 * time.Second
	TimeoutPkgInstall    = 300 * time.Second
	TimeoutFlatpakRemote = 60 * time.Second
	TimeoutFlatpakApp    = 300 * time.Second
	TimeoutCopy          = 1800 * time.Second
	TimeoutGrubInstall   = 180 * time.Second
	TimeoutGrubMkconfig  = 120 * time.Second
	TimeoutEfibootmgr    = 60 * time.Second
	TimeoutDracut        = 300 * time.Second
	TimeoutStreamWait    = 60 * time.Second
	TimeoutPartitioning  = 60 * time.Second
	TimeoutMkfs          = 300 * time.Second
	TimeoutSystemctl     = 30 * time.Second
	TimeoutLVM           = 30 * time.Second
)
