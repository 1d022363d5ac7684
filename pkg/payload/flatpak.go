package payload

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

// FlatpakPackages are the distribution packages Flatpak needs in the target.
func FlatpakPackages() []string {
	return []string{"flatpak", "xdg-desktop-portal", "xdg-desktop-portal-gtk"}
}

// SetupFlatpak makes sure Flatpak is installed in root and the Flathub remote is configured.
func (i *Installer) SetupFlatpak(ctx context.Context, root string) error {
	i.report("Installing Flatpak...", 0)
	for _, pkg := range FlatpakPackages() {
		if _, err := i.runner.Run(ctx, executor.Command{
			Args:        []string{"rpm", "-q", pkg, "--root=" + root},
			Description: fmt.Sprintf("Check %s", pkg),
			Timeout:     constants.TimeoutQuery,
		}); err == nil {
			continue
		}
		internalUtils.Log.Info().Str("package", pkg).Msg("Package not found, installing")
		if _, err := i.runner.Run(ctx, executor.Command{
			Args:        []string{"dnf", "install", "-y", pkg, "--installroot=" + root},
			Description: fmt.Sprintf("Install %s", pkg),
			Timeout:     constants.TimeoutPkgInstall,
		}); err != nil {
			return fault.Wrap(fault.PackageManagerFailure, fmt.Sprintf("Failed to install %s", pkg), err)
		}
	}

	i.report("Adding Flathub repository...", 0.5)
	if _, err := i.inChroot(ctx, root, executor.Command{
		Args:        []string{"flatpak", "remote-add", "--if-not-exists", "flathub", constants.FlathubRemoteURL},
		Description: "Add Flathub repository",
		Timeout:     constants.TimeoutFlatpakRemote,
	}); err != nil {
		return fault.Wrap(fault.ExecutionFailure, "Failed to add Flathub repository", err)
	}

	i.report("Configuring Flatpak...", 0.8)
	if err := vfs.MkdirAll(i.fs, filepath.Join(root, "etc", "systemd", "user", "default.target.wants"), 0o755); err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Failed to create systemd user directory")
	}
	return nil
}

// InstallFlatpaks installs every app system wide from Flathub. A failing app does not stop the others.
func (i *Installer) InstallFlatpaks(ctx context.Context, root string, apps []string) error {
	var result error
	for n, app := range apps {
		i.report(fmt.Sprintf("Installing Flatpak package: %s...", app), float64(n)/float64(len(apps)))
		if _, err := i.inChroot(ctx, root, executor.Command{
			Args:        []string{"flatpak", "install", "-y", "--system", "flathub", app},
			Description: fmt.Sprintf("Install Flatpak %s", app),
			Timeout:     constants.TimeoutFlatpakApp,
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to install Flatpak package %s: %w", app, err))
			continue
		}
		internalUtils.Log.Info().Str("app", app).Msg("Installed Flatpak package")
	}
	return result
}
