// Package configure applies the system settings and the first user account to an installed target.
package configure

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

type Configurator struct {
	runner     executor.Runner
	fs         vfs.FS
	progress   schema.ProgressFunc
	chrootOpts []chroot.Option
}

type Option func(*Configurator)

func WithFS(fs vfs.FS) Option {
	return func(c *Configurator) { c.fs = fs }
}

func WithProgress(p schema.ProgressFunc) Option {
	return func(c *Configurator) { c.progress = p }
}

func WithChrootOptions(opts ...chroot.Option) Option {
	return func(c *Configurator) { c.chrootOpts = opts }
}

func NewConfigurator(runner executor.Runner, opts ...Option) *Configurator {
	c := &Configurator{runner: runner, fs: vfs.OSFS}
	for _, o := range opts {
		o(c)
	}
	return c
}

func joinLines(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// Configure writes timezone, locale, keymap and hostname into root. Every field is applied even
// when another one fails, the returned ConfigurationFailure lists all failures one per line.
// Empty fields are skipped.
func (c *Configurator) Configure(root string, cfg schema.SystemConfig) error {
	var result *multierror.Error
	etc := filepath.Join(root, "etc")
	if err := vfs.MkdirAll(c.fs, etc, 0o755); err != nil {
		return fault.Wrap(fault.ConfigurationFailure, "Configure target", err)
	}

	if cfg.Timezone != "" {
		schema.Report(c.progress, fmt.Sprintf("Configuring timezone %s...", cfg.Timezone), schema.NoFraction)
		if err := c.timezone(root, cfg.Timezone); err != nil {
			result = multierror.Append(result, fmt.Errorf("Failed to configure timezone %s: %w", cfg.Timezone, err))
		}
	}
	if cfg.Locale != "" {
		schema.Report(c.progress, fmt.Sprintf("Configuring locale %s...", cfg.Locale), schema.NoFraction)
		if err := c.fs.WriteFile(filepath.Join(etc, "locale.conf"), []byte("LANG="+cfg.Locale+"\n"), 0o644); err != nil {
			result = multierror.Append(result, fmt.Errorf("Failed to configure locale %s: %w", cfg.Locale, err))
		}
	}
	if cfg.Keymap != "" {
		schema.Report(c.progress, fmt.Sprintf("Configuring keymap %s...", cfg.Keymap), schema.NoFraction)
		if err := c.fs.WriteFile(filepath.Join(etc, "vconsole.conf"), []byte("KEYMAP="+cfg.Keymap+"\n"), 0o644); err != nil {
			result = multierror.Append(result, fmt.Errorf("Failed to configure keymap %s: %w", cfg.Keymap, err))
		}
	}
	if cfg.Hostname != "" {
		schema.Report(c.progress, fmt.Sprintf("Configuring hostname %s...", cfg.Hostname), schema.NoFraction)
		if err := c.fs.WriteFile(filepath.Join(etc, "hostname"), []byte(cfg.Hostname+"\n"), 0o644); err != nil {
			result = multierror.Append(result, fmt.Errorf("Failed to configure hostname %s: %w", cfg.Hostname, err))
		}
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = joinLines
	internalUtils.Log.Error().Err(result).Msg("Target configuration finished with errors")
	f := fault.New(fault.ConfigurationFailure, "Configure target", "%s", result.Error())
	f.Err = result
	return f
}

// timezone writes etc/timezone and points etc/localtime at the zoneinfo file when the target has it.
func (c *Configurator) timezone(root, tz string) error {
	if err := c.fs.WriteFile(filepath.Join(root, "etc", "timezone"), []byte(tz+"\n"), 0o644); err != nil {
		return err
	}
	zone := filepath.Join("/usr/share/zoneinfo", tz)
	if _, err := c.fs.Stat(filepath.Join(root, zone)); err != nil {
		internalUtils.Log.Warn().Str("zone", zone).Msg("Zoneinfo file not found in target, not linking /etc/localtime")
		return nil
	}
	localtime := filepath.Join(root, "etc", "localtime")
	if _, err := c.fs.Lstat(localtime); err == nil {
		if err := c.fs.Remove(localtime); err != nil {
			return err
		}
	}
	return c.fs.Symlink(zone, localtime)
}

// CreateUser adds the account with a home directory and a private group, admins join wheel.
// The password is set only when one was given, a failure to set it is logged and ignored.
func (c *Configurator) CreateUser(ctx context.Context, root string, user schema.UserConfig) error {
	if user.Username == "" {
		return fault.New(fault.ConfigurationFailure, "Create user", "Username not provided in user configuration.")
	}
	l := internalUtils.Log.With().Str("user", user.Username).Logger()

	args := []string{"useradd", "-m", "-s", "/bin/bash", "-U"}
	if user.RealName != "" {
		args = append(args, "-c", user.RealName)
	}
	if user.Admin {
		args = append(args, "-G", "wheel")
	}
	args = append(args, user.Username)

	schema.Report(c.progress, fmt.Sprintf("Creating user %s...", user.Username), schema.NoFraction)
	if _, err := chroot.RunInChroot(ctx, c.runner, root, executor.Command{
		Args:        args,
		Description: fmt.Sprintf("Create User %s", user.Username),
		Timeout:     constants.TimeoutUseradd,
	}, c.chrootOpts...); err != nil {
		return err
	}

	if user.Password == "" {
		l.Warn().Msg("No password provided, account created without password set")
		return nil
	}
	if _, err := chroot.RunInChroot(ctx, c.runner, root, executor.Command{
		Args:        []string{"chpasswd"},
		Description: fmt.Sprintf("Set Password for %s", user.Username),
		Timeout:     constants.TimeoutChpasswd,
		Stdin:       user.Username + ":" + user.Password,
	}, c.chrootOpts...); err != nil {
		l.Warn().Err(err).Msg("Failed to set password after user creation")
	}
	l.Info().Bool("admin", user.Admin).Msg("User created")
	return nil
}

// EnableNetworkManager enables NetworkManager in the target. Failures are only logged, the
// returned string carries the warning for the caller to show.
func (c *Configurator) EnableNetworkManager(ctx context.Context, root string) string {
	schema.Report(c.progress, "Enabling NetworkManager service...", 0.96)
	if _, err := chroot.RunInChroot(ctx, c.runner, root, executor.Command{
		Args:        []string{"systemctl", "enable", "NetworkManager.service"},
		Description: "Enable NetworkManager Service",
		Timeout:     constants.TimeoutSystemctl,
	}, c.chrootOpts...); err != nil {
		warning := fmt.Sprintf("Warning: Failed to enable NetworkManager service: %s", err)
		internalUtils.Log.Warn().Err(err).Msg("Failed to enable NetworkManager service")
		schema.Report(c.progress, warning, 0.97)
		return warning
	}
	schema.Report(c.progress, "NetworkManager service enabled.", 0.97)
	return ""
}
