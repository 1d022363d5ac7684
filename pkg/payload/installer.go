package payload

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/platform"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/moby/sys/mountinfo"
	"github.com/twpayne/go-vfs/v4"
	"golang.org/x/sys/unix"
)

// Installer populates a target root, either through the package manager or by copying the live system.
type Installer struct {
	runner     executor.Runner
	host       platform.Host
	fs         vfs.FS
	progress   schema.ProgressFunc
	isRoot     func() bool
	isMounted  func(string) bool
	lookPath   func(string) (string, error)
	mounts     func(root string) ([]*mountinfo.Info, error)
	newParser  func() ProgressParser
	chrootOpts []chroot.Option
}

type Option func(*Installer)

func WithFS(fs vfs.FS) Option {
	return func(i *Installer) { i.fs = fs }
}

func WithProgress(p schema.ProgressFunc) Option {
	return func(i *Installer) { i.progress = p }
}

// WithRoot overrides the effective user check.
func WithRoot(isRoot bool) Option {
	return func(i *Installer) { i.isRoot = func() bool { return isRoot } }
}

// WithMountTable overrides the mount point check and the listing of mounts below a root.
func WithMountTable(isMounted func(string) bool, mounts func(string) ([]*mountinfo.Info, error)) Option {
	return func(i *Installer) {
		i.isMounted = isMounted
		i.mounts = mounts
	}
}

// WithLookPath overrides how optional tools such as rsync are found.
func WithLookPath(f func(string) (string, error)) Option {
	return func(i *Installer) { i.lookPath = f }
}

// WithParser sets the progress parser used for package manager output.
func WithParser(f func() ProgressParser) Option {
	return func(i *Installer) { i.newParser = f }
}

// WithChrootOptions is passed to every chroot session the installer opens.
func WithChrootOptions(opts ...chroot.Option) Option {
	return func(i *Installer) { i.chrootOpts = opts }
}

func NewInstaller(runner executor.Runner, host platform.Host, opts ...Option) *Installer {
	i := &Installer{
		runner:    runner,
		host:      host,
		fs:        vfs.OSFS,
		isRoot:    func() bool { return unix.Geteuid() == 0 },
		isMounted: internalUtils.IsMounted,
		lookPath:  exec.LookPath,
		mounts: func(root string) ([]*mountinfo.Info, error) {
			return mountinfo.GetMounts(mountinfo.PrefixFilter(root))
		},
		newParser: func() ProgressParser { return NewDNFParser() },
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Installer) report(msg string, fraction float64) {
	schema.Report(i.progress, msg, fraction)
}

func (i *Installer) requireRoot(what string) error {
	if i.isRoot() {
		return nil
	}
	return fault.New(fault.AuthorizationFailure, what, "%s must be run as root.", what)
}

func (i *Installer) inChroot(ctx context.Context, root string, cmd executor.Command) (string, error) {
	return chroot.RunInChroot(ctx, i.runner, root, cmd, i.chrootOpts...)
}

// Install runs the package manager strategy: repositories, packages, then Flatpak.
// Only the package installation itself is fatal.
func (i *Installer) Install(ctx context.Context, root string, job schema.PackageJob) error {
	if err := i.requireRoot("Package installation"); err != nil {
		return err
	}
	l := internalUtils.Log.With().Str("what", "payload").Str("where", root).Logger()
	packages := job.Resolve()
	l.Info().Int("packages", len(packages)).Int("repositories", len(job.Repositories)).
		Bool("flatpak", job.FlatpakEnabled).Bool("minimal", job.Minimal).Msg("Starting package installation")

	if len(job.Repositories) > 0 {
		i.report("Setting up additional repositories...", 0.1)
		if err := i.SetupRepositories(ctx, root, job.Repositories); err != nil {
			l.Warn().Err(err).Msg("Some repositories failed to setup")
		}
	}

	i.report("Installing packages...", 0.2)
	if err := i.InstallPackages(ctx, root, packages, job.KeepCache); err != nil {
		return err
	}

	i.flatpakStage(ctx, root, job)
	i.report("Package installation complete.", 1)
	return nil
}

// InstallOnLiveCopy installs only what the job explicitly lists on top of a copied live system.
func (i *Installer) InstallOnLiveCopy(ctx context.Context, root string, job schema.PackageJob) error {
	if err := i.requireRoot("Live copy package installation"); err != nil {
		return err
	}
	l := internalUtils.Log.With().Str("what", "payload").Str("where", root).Logger()

	if len(job.Repositories) > 0 {
		i.report("Setting up additional repositories...", 0.1)
		if err := i.SetupRepositories(ctx, root, job.Repositories); err != nil {
			l.Warn().Err(err).Msg("Some repositories failed to setup")
		}
	}
	if len(job.Packages) > 0 {
		i.report("Installing additional packages...", 0.2)
		if err := i.InstallPackages(ctx, root, job.Packages, true); err != nil {
			return err
		}
	}
	i.flatpakStage(ctx, root, job)
	i.report("Additional package installation complete.", 1)
	return nil
}

func (i *Installer) flatpakStage(ctx context.Context, root string, job schema.PackageJob) {
	if !job.FlatpakEnabled {
		return
	}
	l := internalUtils.Log.With().Str("what", "flatpak").Str("where", root).Logger()
	i.report("Setting up Flatpak...", 0.85)
	if err := i.SetupFlatpak(ctx, root); err != nil {
		l.Warn().Err(err).Msg("Flatpak setup failed")
	}
	if len(job.FlatpakPackages) > 0 {
		i.report("Installing Flatpak applications...", 0.9)
		if err := i.InstallFlatpaks(ctx, root, job.FlatpakPackages); err != nil {
			l.Warn().Err(err).Msg("Some Flatpak packages failed to install")
		}
	}
}

// DeniedPrefixes lists package name prefixes that conflict with the installed distribution branding.
func DeniedPrefixes() []string {
	return []string{"almalinux-"}
}

// DNFExcludes is passed as --exclude to every package installation.
func DNFExcludes() []string {
	return []string{
		"firefox", "redhat-flatpak-repo", "almalinux-*", "steam", "lutris",
		"wine", "libreoffice*", "oreon-*",
	}
}

// FilterPackages drops denied packages.
func FilterPackages(packages []string) []string {
	var out []string
	for _, p := range packages {
		denied := false
		for _, prefix := range DeniedPrefixes() {
			if strings.HasPrefix(p, prefix) {
				internalUtils.Log.Info().Str("package", p).Msg("Filtering out conflicting package")
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, p)
		}
	}
	return out
}

// DNFInstallArgs builds the dnf invocation installing packages into root.
func DNFInstallArgs(root, releasever string, packages []string, keepCache bool) []string {
	args := []string{
		"dnf", "install", "-y", "--nogpgcheck",
		"--installroot=" + root,
		"--releasever=" + releasever,
		"--setopt=install_weak_deps=False",
	}
	for _, e := range DNFExcludes() {
		args = append(args, "--exclude="+e)
	}
	args = append(args, "--setopt=tsflags=noscripts", "--setopt=installonly_limit=0")
	if keepCache {
		args = append(args, "--setopt=keepcache=1")
	} else {
		args = append(args, "--setopt=keepcache=0")
	}
	return append(args, packages...)
}

// InstallPackages streams a dnf install into root, turning its output into progress.
func (i *Installer) InstallPackages(ctx context.Context, root string, packages []string, keepCache bool) error {
	if err := i.requireRoot("Package installation"); err != nil {
		return err
	}
	packages = FilterPackages(packages)
	releasever := i.host.ReleaseVer()
	cmd := executor.Command{
		Args:        DNFInstallArgs(root, releasever, packages, keepCache),
		Description: "DNF package installation",
	}
	internalUtils.Log.Info().Str("releasever", releasever).Int("packages", len(packages)).Strs("cmd", cmd.Args[:7]).Msg("Executing DNF installation")
	i.report("Starting DNF package installation...", 0)

	parser := i.newParser()
	stderr, err := i.runner.Stream(ctx, cmd, func(line string) {
		if msg, fraction, ok := parser.Feed(line); ok {
			i.report(msg, fraction)
		}
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Kind == fault.ExecutionFailure {
			classified := ClassifyDNFFailure(stderr, fe.ExitCode)
			classified.Diagnostics = fe.Diagnostics
			i.report(classified.Message, parser.Fraction())
			return classified
		}
		i.report(err.Error(), parser.Fraction())
		return err
	}
	i.report("DNF package installation completed successfully.", 0.8)
	return nil
}

// ClassifyDNFFailure maps dnf stderr to an actionable message.
func ClassifyDNFFailure(stderr string, exitCode int) *fault.Error {
	text := strings.TrimSpace(stderr)
	lower := strings.ToLower(text)
	var msg string
	switch {
	case strings.Contains(lower, "no match for group package"):
		msg = fmt.Sprintf("DNF installation failed: Group package not found. This may be due to missing repositories or package groups. Error: %s", text)
	case strings.Contains(lower, "prein scriptlet"):
		msg = fmt.Sprintf("DNF installation failed: PREIN scriptlet error. This may be due to package conflicts. Error: %s", text)
	case strings.Contains(lower, "conflicts"):
		msg = fmt.Sprintf("DNF installation failed: Package conflicts detected. Error: %s", text)
	default:
		msg = fmt.Sprintf("DNF installation failed (rc=%d). Stderr:\n%s", exitCode, text)
	}
	e := fault.New(fault.PackageManagerFailure, "DNF package installation", "%s", msg)
	e.Output = text
	e.ExitCode = exitCode
	return e
}
