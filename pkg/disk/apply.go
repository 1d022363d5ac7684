package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// Host abstracts the checks Apply and Mount make against the running system.
type Host struct {
	FS        vfs.FS
	Exists    func(path string) bool
	IsMounted func(path string) bool
	Source    func(path string) string
	// DeviceWait is the delay between checks for a partition node, DeviceAttempts how many checks.
	DeviceWait     time.Duration
	DeviceAttempts uint
	Progress       schema.ProgressFunc
}

type HostOption func(*Host)

func WithFS(fs vfs.FS) HostOption {
	return func(h *Host) { h.FS = fs }
}

// WithMountTable overrides the mount point and mount source lookups.
func WithMountTable(isMounted func(string) bool, source func(string) string) HostOption {
	return func(h *Host) {
		h.IsMounted = isMounted
		h.Source = source
	}
}

// WithDeviceCheck overrides how partition nodes are detected and how long to wait for them.
func WithDeviceCheck(exists func(string) bool, attempts uint, wait time.Duration) HostOption {
	return func(h *Host) {
		h.Exists = exists
		h.DeviceAttempts = attempts
		h.DeviceWait = wait
	}
}

func WithProgress(p schema.ProgressFunc) HostOption {
	return func(h *Host) { h.Progress = p }
}

func newHost(opts ...HostOption) *Host {
	h := &Host{
		FS:             vfs.OSFS,
		Exists:         internalUtils.Exists,
		IsMounted:      internalUtils.IsMounted,
		Source:         internalUtils.MountSource,
		DeviceWait:     500 * time.Millisecond,
		DeviceAttempts: 20,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Apply runs the plan commands in order. Format commands wait for their partition node to
// show up first, udev creates them asynchronously after parted returns.
func (p *Plan) Apply(ctx context.Context, runner executor.Runner, opts ...HostOption) error {
	h := newHost(opts...)
	total := len(p.Commands)
	for i, cmd := range p.Commands {
		schema.Report(h.Progress, cmd.Description, float64(i)/float64(total))
		if len(cmd.Args) == 0 {
			return fault.New(fault.CommandNotFound, cmd.Description, "Command not found: no command given for %s.", cmd.Description)
		}
		if strings.HasPrefix(cmd.Args[0], "mkfs.") {
			device := cmd.Args[len(cmd.Args)-1]
			if err := h.waitFor(ctx, device); err != nil {
				return fault.New(fault.ExecutionFailure, cmd.Description, "Partition %s did not appear: %s", device, err)
			}
		}
		if _, err := runner.Run(ctx, cmd); err != nil {
			internalUtils.Log.Err(err).Strs("cmd", cmd.Args).Msg("Partitioning command failed")
			return err
		}
	}
	schema.Report(h.Progress, fmt.Sprintf("Partitioned %s", p.Disk), 1)
	return nil
}

func (h *Host) waitFor(ctx context.Context, device string) error {
	return retry.Do(
		func() error {
			if !h.Exists(device) {
				return fmt.Errorf("%s does not exist", device)
			}
			return nil
		},
		retry.Attempts(h.DeviceAttempts),
		retry.Delay(h.DeviceWait),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// Mount mounts the plan partitions under root, shallowest mount point first.
func (p *Plan) Mount(ctx context.Context, runner executor.Runner, root string, opts ...HostOption) error {
	parts := append([]schema.Partition{}, p.Partitions...)
	sort.SliceStable(parts, func(i, j int) bool {
		return len(parts[i].MountPoint) < len(parts[j].MountPoint)
	})
	for _, part := range parts {
		if err := EnsureMounted(ctx, runner, part.Device, filepath.Join(root, part.MountPoint), opts...); err != nil {
			return err
		}
	}
	return nil
}

// EnsureMounted makes sure device is mounted at target. When something else is mounted there
// it is unmounted first, an explicit device is never silently replaced by the current mount.
// An empty device accepts whatever is mounted.
func EnsureMounted(ctx context.Context, runner executor.Runner, device, target string, opts ...HostOption) error {
	h := newHost(opts...)
	desc := fmt.Sprintf("Mount %s at %s", device, target)
	l := internalUtils.Log.With().Str("what", device).Str("where", target).Logger()

	if err := vfs.MkdirAll(h.FS, target, 0o755); err != nil {
		return fault.New(fault.MountFailure, desc, "Failed to create mount point %s: %s", target, err)
	}

	if h.IsMounted(target) {
		current := h.Source(target)
		if device == "" || sameDevice(current, device) {
			l.Debug().Str("source", current).Msg("Already mounted")
			return nil
		}
		l.Info().Str("source", current).Msg("Different device mounted, remounting")
		if _, err := runner.Run(ctx, executor.Command{
			Args:        []string{"umount", target},
			Description: fmt.Sprintf("Unmount %s", target),
			Timeout:     constants.TimeoutUmount,
		}); err != nil {
			return fault.Wrap(fault.MountFailure, desc, err)
		}
	} else if device == "" {
		return fault.New(fault.MountFailure, desc, "Nothing mounted at %s and no device provided.", target)
	}

	if _, err := runner.Run(ctx, executor.Command{
		Args:        []string{"mount", device, target},
		Description: desc,
		Timeout:     constants.TimeoutMount,
	}); err != nil {
		return fault.Wrap(fault.MountFailure, desc, err)
	}
	l.Info().Msg("Mounted")
	return nil
}

func sameDevice(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
