package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/bootloader"
	"github.com/centrio-installer/centrio-core/pkg/chroot"
	"github.com/centrio-installer/centrio-core/pkg/configure"
	"github.com/centrio-installer/centrio-core/pkg/disk"
	"github.com/centrio-installer/centrio-core/pkg/executor"
	"github.com/centrio-installer/centrio-core/pkg/payload"
	"github.com/centrio-installer/centrio-core/pkg/platform"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/gofrs/uuid"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// State carries one installation run through the install DAG.
type State struct {
	Config *schema.InstallConfig
	Host   platform.Host
	Runner executor.Runner
	FS     vfs.FS
	// Progress receives the overall progress of the run, every step reports into its own span.
	Progress schema.ProgressFunc

	// Options handed to the components, tests use them to swap the filesystem and mount table.
	DiskOptions       []disk.HostOption
	PayloadOptions    []payload.Option
	BootloaderOptions []bootloader.Option
	ConfigureOptions  []configure.Option
	ChrootOptions     []chroot.Option
	// RootSource resolves the device mounted at the target root when the disk was prepared by the caller.
	RootSource func(string) string

	RunID        uuid.UUID
	Plan         *disk.Plan
	Verification schema.Verification
	Warnings     []string
	Started      time.Time
	Finished     time.Time

	mu  sync.Mutex
	now func() time.Time
}

// New prepares a run for cfg on host. A random run ID is assigned.
func New(cfg *schema.InstallConfig, host platform.Host, runner executor.Runner) *State {
	id, err := uuid.NewV4()
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Could not generate run ID")
	}
	return &State{
		Config:     cfg,
		Host:       host,
		Runner:     runner,
		FS:         vfs.OSFS,
		RootSource: internalUtils.MountSource,
		RunID:      id,
		now:        time.Now,
	}
}

func (s *State) path(p ...string) string {
	return filepath.Join(append([]string{s.Config.TargetRoot}, p...)...)
}

// span maps the [0,1] progress of a step into [from,to] of the whole run.
func (s *State) span(from, to float64) schema.ProgressFunc {
	return func(msg string, fraction float64) {
		if fraction == schema.NoFraction {
			schema.Report(s.Progress, msg, schema.NoFraction)
			return
		}
		schema.Report(s.Progress, msg, from+fraction*(to-from))
	}
}

func (s *State) warn(msg string) {
	internalUtils.Log.Warn().Msg(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, msg)
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
	return e
}
