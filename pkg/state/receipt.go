package state

import (
	"path/filepath"
	"time"

	cnst "github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/internal/version"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

// Receipt is left in the installed system for support. It never carries the user password.
type Receipt struct {
	RunID        string              `yaml:"run_id"`
	Version      version.BuildInfo   `yaml:"version"`
	Started      time.Time           `yaml:"started"`
	Finished     time.Time           `yaml:"finished"`
	TargetRoot   string              `yaml:"target_root"`
	Strategy     schema.Strategy     `yaml:"strategy"`
	Host         HostFacts           `yaml:"host"`
	Plan         *disk.Plan          `yaml:"plan,omitempty"`
	Verification schema.Verification `yaml:"verification"`
	System       schema.SystemConfig `yaml:"system"`
	Username     string              `yaml:"username,omitempty"`
	Warnings     []string            `yaml:"warnings,omitempty"`
}

type HostFacts struct {
	UEFI       bool   `yaml:"uefi"`
	SecureBoot bool   `yaml:"secure_boot"`
	Arch       string `yaml:"arch"`
	Family     string `yaml:"family"`
	OS         string `yaml:"os,omitempty"`
	VersionID  string `yaml:"version_id,omitempty"`
}

func (s *State) Receipt() Receipt {
	s.mu.Lock()
	warnings := append([]string{}, s.Warnings...)
	s.mu.Unlock()
	return Receipt{
		RunID:      s.RunID.String(),
		Version:    version.Get(),
		Started:    s.Started,
		Finished:   s.Finished,
		TargetRoot: s.Config.TargetRoot,
		Strategy:   s.Config.Payload.Strategy,
		Host: HostFacts{
			UEFI:       s.Host.UEFI,
			SecureBoot: s.Host.SecureBoot,
			Arch:       s.Host.Arch.String(),
			Family:     s.Host.Family.String(),
			OS:         s.Host.Release.Name,
			VersionID:  s.Host.Release.VersionID,
		},
		Plan:         s.Plan,
		Verification: s.Verification,
		System:       s.Config.System,
		Username:     s.Config.User.Username,
		Warnings:     warnings,
	}
}

// WriteReceipt writes the receipt as yaml into the target.
func (s *State) WriteReceipt() error {
	data, err := yaml.Marshal(s.Receipt())
	if err != nil {
		return err
	}
	path := s.path(cnst.ReceiptPath)
	if err := vfs.MkdirAll(s.FS, filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := s.FS.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	internalUtils.Log.Info().Str("file", path).Msg("Install receipt written")
	return nil
}
