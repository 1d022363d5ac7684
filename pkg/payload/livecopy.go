package payload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/twpayne/go-vfs/v4"
)

// LiveCopyDirs are the top level directories copied from the live system.
// /dev /proc /run /sys /tmp /mnt and /media are never copied.
func LiveCopyDirs() []string {
	return []string{"/bin", "/boot", "/etc", "/home", "/lib", "/lib64", "/opt", "/root", "/sbin", "/srv", "/usr", "/var"}
}

// RegeneratedFiles are removed from a live copy, they are recreated on first boot or by the installer.
func RegeneratedFiles() []string {
	return []string{
		"etc/machine-id", "var/lib/dbus/machine-id", "var/lib/systemd/random-seed",
		"etc/fstab", "etc/mtab", "etc/hostname", "etc/adjtime",
	}
}

// ClearedDirs have their contents removed after a live copy.
func ClearedDirs() []string {
	return []string{"var/log", "var/cache", "var/tmp", "tmp"}
}

// MountPointDirs must exist empty in the target for the pseudo filesystems.
func MountPointDirs() []string {
	return []string{"proc", "sys", "dev", "run", "tmp"}
}

const writeProbe = ".copy_write_test"

// CopyLiveEnvironment copies the running system into root, one top level directory at a time,
// without crossing filesystem boundaries.
func (i *Installer) CopyLiveEnvironment(ctx context.Context, root string) error {
	if err := i.requireRoot("Live environment copy"); err != nil {
		return err
	}
	l := internalUtils.Log.With().Str("what", "livecopy").Str("where", root).Logger()
	i.report("Preparing to copy live environment...", 0)

	if err := vfs.MkdirAll(i.fs, root, 0o755); err != nil {
		return fault.New(fault.ExecutionFailure, "Live environment copy", "Target root not writable at %s: %s", root, err)
	}
	if !i.isMounted(root) {
		l.Warn().Msg("Target root is not a mount point, the copy will land on the live filesystem")
	}
	probe := filepath.Join(root, writeProbe)
	if err := i.fs.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		msg := fmt.Sprintf("Target root not writable at %s: %s", root, err)
		i.report(msg, 0)
		return fault.New(fault.ExecutionFailure, "Live environment copy", "%s", msg)
	}
	_ = i.fs.Remove(probe)

	i.report("Copying live environment to target disk...", 0.1)
	dirs := LiveCopyDirs()
	_, rsyncErr := i.lookPath("rsync")
	for n, dir := range dirs {
		fraction := 0.1 + float64(n+1)/float64(len(dirs))*0.8
		dest := filepath.Join(root, strings.TrimPrefix(dir, "/"))

		if target, ok := i.replicateSymlink(dir, dest); ok {
			i.report(fmt.Sprintf("Linked %s -> %s (%d/%d)", dir, target, n+1, len(dirs)), fraction)
			continue
		}

		if _, err := i.fs.Stat(dir); err != nil {
			l.Debug().Str("dir", dir).Msg("Not present on the live system, skipping")
			continue
		}
		if err := vfs.MkdirAll(i.fs, dest, 0o755); err != nil {
			return fault.New(fault.ExecutionFailure, fmt.Sprintf("Copy %s", dir), "Failed to create %s: %s", dest, err)
		}

		var args []string
		if rsyncErr == nil {
			args = []string{"rsync", "-aHAXS", "--one-file-system", internalUtils.AppendSlash(dir), dest}
		} else {
			args = []string{"find", dir, "-mindepth", "1", "-maxdepth", "1", "-xdev", "-exec", "cp", "-a", "--preserve=all", "{}", dest, ";"}
		}
		if _, err := i.runner.Run(ctx, executor.Command{
			Args:        args,
			Description: fmt.Sprintf("Copy %s", dir),
			Timeout:     constants.TimeoutCopy,
		}); err != nil {
			msg := fmt.Sprintf("Failed to copy %s: %s", dir, err)
			i.report(msg, fraction)
			return fault.Wrap(fault.KindOf(err), fmt.Sprintf("Copy %s", dir), err)
		}
		i.report(fmt.Sprintf("Copied %s (%d/%d)", dir, n+1, len(dirs)), fraction)
	}

	i.report("Live environment copy completed successfully.", 0.9)
	l.Info().Msg("Live environment copy completed")
	return nil
}

// replicateSymlink recreates a top level symlink such as /bin -> usr/bin. It returns false when
// dir is not a link or the target filesystem refused the link, the caller copies contents then.
func (i *Installer) replicateSymlink(dir, dest string) (string, bool) {
	info, err := i.fs.Lstat(dir)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return "", false
	}
	target, err := i.fs.Readlink(dir)
	if err != nil {
		return "", false
	}
	if err := vfs.MkdirAll(i.fs, filepath.Dir(dest), 0o755); err != nil {
		return "", false
	}
	if _, err := i.fs.Lstat(dest); err == nil {
		_ = i.fs.RemoveAll(dest)
	}
	if err := i.fs.Symlink(target, dest); err != nil {
		internalUtils.Log.Warn().Err(err).Str("dir", dir).Msg("Could not create symlink, copying contents instead")
		return "", false
	}
	return target, true
}

// FinalizeLiveCopy strips machine identity from a copied system and prepares it to boot.
// Every step is best effort.
func (i *Installer) FinalizeLiveCopy(_ context.Context, root string) error {
	l := internalUtils.Log.With().Str("what", "livecopy").Str("where", root).Logger()
	i.report("Setting up target system...", 0.9)

	for _, f := range RegeneratedFiles() {
		p := filepath.Join(root, f)
		if err := i.fs.Remove(p); err != nil && !isNotExist(err) {
			l.Warn().Err(err).Str("file", p).Msg("Could not remove")
		}
	}

	for _, d := range ClearedDirs() {
		dir := filepath.Join(root, d)
		entries, err := i.fs.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if err := i.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				l.Warn().Err(err).Str("file", filepath.Join(dir, e.Name())).Msg("Could not remove")
			}
		}
		l.Debug().Str("dir", dir).Msg("Cleared")
	}

	if data, err := i.fs.ReadFile(constants.HostResolvConf); err == nil {
		if err := vfs.MkdirAll(i.fs, filepath.Join(root, "etc"), 0o755); err == nil {
			dest := filepath.Join(root, "etc", "resolv.conf")
			_ = i.fs.Remove(dest)
			if err := i.fs.WriteFile(dest, data, 0o644); err != nil {
				l.Warn().Err(err).Msg("Could not copy resolv.conf")
			}
		}
	}

	for _, d := range MountPointDirs() {
		if err := vfs.MkdirAll(i.fs, filepath.Join(root, d), 0o755); err != nil {
			l.Warn().Err(err).Str("dir", d).Msg("Could not create mount point")
		}
	}

	i.report("Live environment setup complete.", 1)
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
