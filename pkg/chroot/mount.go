package chroot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/containerd/containerd/mount"
)

// MountSpec is one entry of the chroot mount table.
type MountSpec struct {
	Name string
	mount.Mount
	Target string
	Bind   bool
	// FileTarget marks binds whose target is a file (sockets), an empty file is created for them.
	FileTarget bool
	// SurvivesTeardown keeps the mount in place when the session ends. Bootloader
	// installation runs several chroot sessions and needs the ESP across all of them.
	SurvivesTeardown bool
}

// Args renders the mount invocation.
func (m MountSpec) Args() []string {
	args := []string{"mount"}
	if m.Bind {
		return append(args, "--bind", m.Source, m.Target)
	}
	if m.Type != "" {
		args = append(args, "-t", m.Type)
	}
	if len(m.Options) > 0 {
		args = append(args, "-o", strings.Join(m.Options, ","))
	}
	return append(args, m.Source, m.Target)
}

// Capabilities lists the optional mounts that apply for a host and target root.
type Capabilities struct {
	DBus    bool
	EFIVars bool
	Boot    bool
	// BootEFI is only set when <root>/boot/efi exists and is a mount point.
	BootEFI bool
}

// MountTable returns the mounts for root in the order they are established.
func MountTable(root string, caps Capabilities) []MountSpec {
	in := func(p string) string {
		return filepath.Join(root, p)
	}
	table := []MountSpec{
		{Name: "proc", Mount: mount.Mount{Type: "proc", Source: "proc", Options: []string{"nodev", "noexec", "nosuid"}}, Target: in("proc")},
		{Name: "sysfs", Mount: mount.Mount{Type: "sysfs", Source: "sys", Options: []string{"nodev", "noexec", "nosuid"}}, Target: in("sys")},
		{Name: "dev", Mount: mount.Mount{Type: "devtmpfs", Source: "udev", Options: []string{"mode=0755", "nosuid"}}, Target: in("dev")},
		{Name: "devpts", Mount: mount.Mount{Type: "devpts", Source: "devpts", Options: []string{"mode=0620", "gid=5", "nosuid", "noexec"}}, Target: in("dev/pts")},
	}
	if caps.DBus {
		table = append(table, MountSpec{Name: "dbus", Mount: mount.Mount{Source: constants.HostDBusSocket}, Target: in(constants.HostDBusSocket), Bind: true, FileTarget: true})
	}
	if caps.EFIVars {
		table = append(table, MountSpec{Name: "efivars", Mount: mount.Mount{Type: "efivarfs", Source: "efivarfs", Options: []string{"nosuid", "noexec", "nodev"}}, Target: in(constants.HostEFIVarsDir)})
	}
	if caps.Boot {
		table = append(table, MountSpec{Name: "boot", Mount: mount.Mount{Source: in("boot")}, Target: in("boot"), Bind: true})
	}
	if caps.BootEFI {
		table = append(table, MountSpec{Name: "boot_efi", Mount: mount.Mount{Source: in("boot/efi")}, Target: in("boot/efi"), Bind: true, SurvivesTeardown: true})
	}
	return table
}

// CleanupEFIMount unmounts <root>/boot/efi once the bootloader work is over. It never fails the caller.
func CleanupEFIMount(ctx context.Context, runner executor.Runner, root string, opts ...Option) {
	s := NewSession(root, runner, opts...)
	efi := filepath.Join(root, "boot", "efi")
	l := internalUtils.Log.With().Str("where", efi).Logger()
	if !s.isMounted(efi) {
		l.Debug().Msg("EFI partition not mounted, no cleanup needed")
		return
	}

	_, _ = runner.Run(ctx, executor.Command{Args: []string{"sync"}, Description: "Sync filesystems", Timeout: 5 * time.Second})
	err := retry.Do(
		func() error {
			_, err := runner.Run(ctx, executor.Command{
				Args:        []string{"umount", efi},
				Description: fmt.Sprintf("Unmount %s", efi),
				Timeout:     constants.TimeoutUmount,
			})
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err == nil {
		l.Info().Msg("EFI partition unmounted")
		return
	}
	l.Warn().Err(err).Msg("Failed to unmount EFI partition, trying lazy unmount")
	if _, err := runner.Run(ctx, executor.Command{
		Args:        []string{"umount", "-l", efi},
		Description: fmt.Sprintf("Lazy unmount %s", efi),
		Timeout:     constants.TimeoutLazyUmount,
	}); err != nil {
		l.Warn().Err(err).Msg("Lazy unmount also failed for EFI partition")
	}
}
