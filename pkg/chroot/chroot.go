/*
Copyright © 2022 SUSE LLC
Copyright © 2023 Kairos authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package chroot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

// Session represents a set of pseudo filesystem and bind mounts that make a target root usable with chroot.
// Only one session per target root should be active at a time, mounts on the same paths race otherwise.
type Session struct {
	root      string
	runner    executor.Runner
	fs        vfs.FS
	isMounted func(string) bool
	active    []MountSpec
}

type Option func(*Session)

// WithFS sets the filesystem used for capability checks and mount target creation.
func WithFS(fs vfs.FS) Option {
	return func(s *Session) { s.fs = fs }
}

// WithMountCheck overrides how the ESP is detected as a mount point.
func WithMountCheck(f func(string) bool) Option {
	return func(s *Session) { s.isMounted = f }
}

func NewSession(root string, runner executor.Runner, opts ...Option) *Session {
	s := &Session{
		root:      root,
		runner:    runner,
		fs:        vfs.OSFS,
		isMounted: internalUtils.IsMounted,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunInChroot runs cmd inside root within a freshly prepared session that is torn down afterwards.
func RunInChroot(ctx context.Context, runner executor.Runner, root string, cmd executor.Command, opts ...Option) (string, error) {
	return NewSession(root, runner, opts...).Run(ctx, cmd)
}

// Capabilities detects which optional mounts the host and target support.
func (s *Session) Capabilities() Capabilities {
	exists := func(p string) bool {
		_, err := s.fs.Stat(p)
		return err == nil
	}
	bootEFI := filepath.Join(s.root, "boot", "efi")
	return Capabilities{
		DBus:    exists(constants.HostDBusSocket),
		EFIVars: exists(constants.HostEFIVarsDir),
		Boot:    exists(filepath.Join(s.root, "boot")),
		BootEFI: exists(bootEFI) && s.isMounted(bootEFI),
	}
}

// Active returns the mounts established by Setup that are still held.
func (s *Session) Active() []MountSpec {
	return append([]MountSpec{}, s.active...)
}

// Setup mounts the table in order. On failure the mounts done so far are released.
func (s *Session) Setup(ctx context.Context) (err error) {
	if len(s.active) > 0 {
		return errors.New("there are already active mountpoints for this session")
	}

	defer func() {
		if err != nil {
			s.Teardown(ctx)
		}
	}()

	s.copyResolvConf()

	for _, m := range MountTable(s.root, s.Capabilities()) {
		l := internalUtils.Log.With().Str("name", m.Name).Str("what", m.Source).Str("where", m.Target).Logger()
		if err = s.prepareTarget(m); err != nil {
			l.Err(err).Msg("Creating mount target")
			return fault.Wrap(fault.MountFailure, fmt.Sprintf("Prepare %s mount", m.Name), err)
		}

		_, err = s.runner.Run(ctx, executor.Command{
			Args:        m.Args(),
			Description: fmt.Sprintf("Mount %s", m.Name),
			Timeout:     constants.TimeoutMount,
		})
		if err != nil {
			if alreadyMounted(err) {
				l.Warn().Err(err).Msg("Mount possibly already exists, continuing")
				s.active = append(s.active, m)
				err = nil
				continue
			}
			l.Err(err).Msg("Mounting")
			f := fault.New(fault.MountFailure, fmt.Sprintf("Mount %s", m.Name), "Failed to mount %s to %s: %s", m.Source, m.Target, err.Error())
			f.Err = err
			return f
		}
		l.Debug().Msg("mount done")
		s.active = append(s.active, m)
	}
	return nil
}

// Teardown releases the active mounts in reverse order. Mounts flagged SurvivesTeardown are left in place
// and forgotten, CleanupEFIMount releases them later. Failures are only logged.
func (s *Session) Teardown(ctx context.Context) {
	var failures *multierror.Error
	for len(s.active) > 0 {
		curr := s.active[len(s.active)-1]
		s.active = s.active[:len(s.active)-1]
		l := internalUtils.Log.With().Str("name", curr.Name).Str("where", curr.Target).Logger()
		if curr.SurvivesTeardown {
			l.Debug().Msg("Preserving mount for later steps")
			continue
		}
		if err := unmount(ctx, s.runner, curr.Target); err != nil {
			l.Warn().Err(err).Msg("Error unmounting")
			failures = multierror.Append(failures, err)
		}
	}
	if failures.ErrorOrNil() != nil {
		internalUtils.Log.Warn().Err(failures).Str("root", s.root).Msg("Chroot teardown finished with errors")
	}
}

// Run prepares the session, runs cmd with chroot and tears the session down on every exit path.
func (s *Session) Run(ctx context.Context, cmd executor.Command) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Teardown(ctx)
			panic(r)
		}
	}()
	if err = s.Setup(ctx); err != nil {
		return "", err
	}
	defer s.Teardown(ctx)

	chrooted := cmd
	chrooted.Args = append([]string{"chroot", s.root}, cmd.Args...)
	return s.runner.Run(ctx, chrooted)
}

func (s *Session) prepareTarget(m MountSpec) error {
	if m.FileTarget {
		if err := vfs.MkdirAll(s.fs, filepath.Dir(m.Target), 0o755); err != nil {
			return err
		}
		if _, err := s.fs.Stat(m.Target); err == nil {
			return nil
		}
		return s.fs.WriteFile(m.Target, []byte{}, 0o644)
	}
	return vfs.MkdirAll(s.fs, m.Target, 0o755)
}

// copyResolvConf gives the target working name resolution when it has none of its own.
func (s *Session) copyResolvConf() {
	target := filepath.Join(s.root, constants.HostResolvConf)
	if _, err := s.fs.Lstat(target); err == nil {
		return
	}
	data, err := s.fs.ReadFile(constants.HostResolvConf)
	if err != nil {
		return
	}
	if err := vfs.MkdirAll(s.fs, filepath.Dir(target), 0o755); err != nil {
		return
	}
	if err := s.fs.WriteFile(target, data, 0o644); err != nil {
		internalUtils.Log.Debug().Err(err).Msg("copying resolv.conf into target")
	}
}

func alreadyMounted(err error) bool {
	var f *fault.Error
	if !errors.As(err, &f) || f.ExitCode != 32 {
		return false
	}
	msg := f.Message
	return strings.Contains(msg, "already mounted") ||
		strings.Contains(msg, "mount point does not exist") ||
		strings.Contains(msg, "Not a directory")
}

// unmount tries a regular unmount and falls back to a lazy one.
func unmount(ctx context.Context, runner executor.Runner, target string) error {
	_, err := runner.Run(ctx, executor.Command{
		Args:        []string{"umount", target},
		Description: fmt.Sprintf("Unmount %s", target),
		Timeout:     constants.TimeoutUmount,
	})
	if err == nil {
		return nil
	}
	internalUtils.Log.Debug().Err(err).Str("where", target).Msg("Unmount failed, trying lazy unmount")
	_, lazyErr := runner.Run(ctx, executor.Command{
		Args:        []string{"umount", "-l", target},
		Description: fmt.Sprintf("Lazy unmount %s", target),
		Timeout:     constants.TimeoutLazyUmount,
	})
	return lazyErr
}
