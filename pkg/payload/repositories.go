package payload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

// RepoFile renders a yum repository definition.
func RepoFile(r schema.Repository) string {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return fmt.Sprintf("[%s]\nname=%s\nbaseurl=%s\nenabled=1\ngpgcheck=0\n", r.ID, name, r.URL)
}

// SetupRepositories registers extra repositories in root. .repo and .rpm URLs go through dnf,
// anything else is written as a repo file. Every failure is collected, none stops the loop.
func (i *Installer) SetupRepositories(ctx context.Context, root string, repos []schema.Repository) error {
	var result error
	for _, r := range repos {
		name := r.Name
		if name == "" {
			name = r.ID
		}
		if r.URL == "" {
			result = multierror.Append(result, fault.New(fault.ConfigurationFailure, "Setup repository", "Repository %s has no URL configured", r.ID))
			continue
		}
		// flathub is added by the Flatpak setup
		if r.ID == "flathub" {
			continue
		}
		i.report(fmt.Sprintf("Setting up repository: %s...", name), schema.NoFraction)

		var args []string
		switch {
		case strings.HasSuffix(r.URL, ".repo"):
			args = []string{"dnf", "config-manager", "--add-repo", r.URL, "--installroot=" + root}
		case strings.HasSuffix(r.URL, ".rpm"):
			args = []string{"dnf", "install", "-y", r.URL, "--installroot=" + root}
		default:
			path := filepath.Join(root, "etc", "yum.repos.d", r.ID+".repo")
			if err := vfs.MkdirAll(i.fs, filepath.Dir(path), 0o755); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to create repository file for %s: %w", r.ID, err))
				continue
			}
			if err := i.fs.WriteFile(path, []byte(RepoFile(r)), 0o644); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to create repository file for %s: %w", r.ID, err))
				continue
			}
			internalUtils.Log.Info().Str("file", path).Msg("Created repository file")
			continue
		}

		if _, err := i.runner.Run(ctx, executor.Command{
			Args:        args,
			Description: fmt.Sprintf("Setup repository %s", name),
			Timeout:     constants.TimeoutRepo,
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to setup repository %s: %w", name, err))
			continue
		}
		internalUtils.Log.Info().Str("repository", name).Msg("Repository set up")
	}
	return result
}
