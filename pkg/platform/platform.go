// Package platform resolves the host facts that drive package and bootloader choices once,
// so the installers get plain tables instead of re-reading os-release.
package platform

import (
	"runtime"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/foxboron/go-uefi/efi"
)

type Family int

const (
	FamilyGeneric Family = iota
	FamilyFedora
	FamilyRHEL
	FamilyDebian
	FamilyArch
)

func (f Family) String() string {
	switch f {
	case FamilyFedora:
		return "fedora"
	case FamilyRHEL:
		return "rhel"
	case FamilyDebian:
		return "debian"
	case FamilyArch:
		return "arch"
	default:
		return "generic"
	}
}

type Arch int

const (
	ArchX86_64 Arch = iota
	ArchAarch64
)

func (a Arch) String() string {
	if a == ArchAarch64 {
		return "aarch64"
	}
	return "x86_64"
}

// ArchInfo names the EFI binaries and packages of an architecture.
type ArchInfo struct {
	Shim            string
	Grub            string
	RemovableBoot   string
	GrubEFIPackage  string
	GrubEFIModules  string
	ShimPackage     string
	GrubEFIPlatform string
	HasBIOS         bool
}

var archTable = map[Arch]ArchInfo{
	ArchX86_64: {
		Shim:            "shimx64.efi",
		Grub:            "grubx64.efi",
		RemovableBoot:   "BOOTX64.EFI",
		GrubEFIPackage:  "grub2-efi-x64",
		GrubEFIModules:  "grub2-efi-x64-modules",
		ShimPackage:     "shim-x64",
		GrubEFIPlatform: "x86_64-efi",
		HasBIOS:         true,
	},
	ArchAarch64: {
		Shim:            "shimaa64.efi",
		Grub:            "grubaa64.efi",
		RemovableBoot:   "BOOTAA64.EFI",
		GrubEFIPackage:  "grub2-efi-aa64",
		GrubEFIModules:  "grub2-efi-aa64-modules",
		ShimPackage:     "shim-aa64",
		GrubEFIPlatform: "arm64-efi",
		HasBIOS:         false,
	},
}

// PackageTool is how a family checks and installs packages.
type PackageTool struct {
	// Query is the argv prefix checking a single package, the package name is appended.
	Query []string
	// Install is the argv prefix installing packages inside the target.
	Install []string
}

var grubPackages = map[Family][]string{
	FamilyFedora:  {"grub2-efi-x64", "grub2-efi-x64-modules", "grub2-pc", "grub2-common", "grub2-tools", "grub2-tools-efi", "grub2-tools-minimal"},
	FamilyRHEL:    {"grub2-efi-x64", "grub2-efi-x64-modules", "grub2-pc", "grub2-common", "grub2-tools", "grub2-tools-efi", "grub2-tools-minimal"},
	FamilyDebian:  {"grub-efi-amd64", "grub-efi-amd64-bin", "grub-common", "grub2-common", "grub-pc-bin"},
	FamilyArch:    {"grub", "efibootmgr"},
	FamilyGeneric: {"grub2-efi-x64", "grub2-tools", "grub2-common"},
}

// Info returns the table entry of the architecture.
func (a Arch) Info() ArchInfo {
	return archTable[a]
}

// GrubPackages returns the bootloader packages required on a family.
func (f Family) GrubPackages() []string {
	return append([]string{}, grubPackages[f]...)
}

// BIOSPackages returns the packages grub needs for legacy BIOS boot on a family.
func (f Family) BIOSPackages() []string {
	switch f {
	case FamilyDebian:
		return []string{"grub-pc-bin", "grub-common", "grub2-common"}
	case FamilyArch:
		return []string{"grub"}
	}
	return []string{"grub2-pc", "grub2-common", "grub2-tools"}
}

// Tool returns the package query and install commands for the family.
func (f Family) Tool() PackageTool {
	if f == FamilyDebian {
		return PackageTool{Query: []string{"dpkg", "-s"}, Install: []string{"apt-get", "install", "-y"}}
	}
	return PackageTool{Query: []string{"rpm", "-q"}, Install: []string{"dnf", "install", "-y"}}
}

// Host holds the facts resolved once at start.
type Host struct {
	UEFI       bool
	SecureBoot bool
	Arch       Arch
	Family     Family
	Release    internalUtils.OSRelease
}

// ReleaseVer returns the VERSION_ID used to pin the package manager, with a fixed fallback.
func (h Host) ReleaseVer() string {
	if h.Release.VersionID != "" {
		return h.Release.VersionID
	}
	internalUtils.Log.Warn().Str("fallback", constants.FallbackReleaseVer).Msg("Could not detect OS VERSION_ID")
	return constants.FallbackReleaseVer
}

// Detect resolves the running host.
func Detect() Host {
	uefi := internalUtils.Exists(constants.HostEFIDir)
	h := Host{
		UEFI:    uefi,
		Arch:    ParseArch(runtime.GOARCH),
		Release: internalUtils.ReadOSRelease("/"),
	}
	h.Family = FamilyOf(h.Release)
	if uefi {
		h.SecureBoot = efi.GetSecureBoot()
	}
	internalUtils.Log.Info().Bool("uefi", h.UEFI).Bool("secureboot", h.SecureBoot).Str("arch", h.Arch.String()).Str("family", h.Family.String()).Str("os", h.Release.Name).Str("version_id", h.Release.VersionID).Msg("Host detected")
	return h
}

// ParseArch maps a machine or GOARCH name to the table key. Unknown names use x86_64.
func ParseArch(machine string) Arch {
	switch strings.ToLower(machine) {
	case "aarch64", "arm64":
		return ArchAarch64
	case "x86_64", "amd64":
		return ArchX86_64
	}
	internalUtils.Log.Warn().Str("arch", machine).Msg("Unsupported architecture, defaulting to x86_64 names")
	return ArchX86_64
}

// FamilyOf classifies an os-release by ID and ID_LIKE.
func FamilyOf(r internalUtils.OSRelease) Family {
	id := strings.ToLower(r.ID)
	like := strings.ToLower(r.IDLike)
	has := func(s, sub string) bool { return strings.Contains(s, sub) }
	switch {
	case has(id, "fedora") || has(like, "fedora"):
		return FamilyFedora
	case has(id, "centos") || has(id, "rhel") || has(like, "rhel") || has(like, "rocky") || has(like, "almalinux"):
		return FamilyRHEL
	case has(id, "ubuntu") || has(id, "debian") || has(like, "debian"):
		return FamilyDebian
	case has(id, "arch") || has(like, "archlinux"):
		return FamilyArch
	}
	return FamilyGeneric
}
