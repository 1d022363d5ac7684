package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/centrio-installer/centrio-core/internal/constants"
	internalUtils "github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/fault"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"golang.org/x/sys/unix"
)

const (
	methodRoot    = "directly as root"
	methodElevate = "via pkexec"
)

// Command is a single process invocation.
type Command struct {
	Args        []string
	Description string
	// Timeout of zero means no limit.
	Timeout time.Duration
	// Stdin is fed to the process when not empty.
	Stdin string
}

// Runner runs commands on behalf of the installer. The real implementation is Executor,
// tests use a scripted fake.
type Runner interface {
	// Run executes the command capturing its output, elevating privileges if needed.
	Run(ctx context.Context, cmd Command) (string, error)
	// Stream executes the command without elevation, handing every stdout line to onLine.
	// Captured stderr is returned alongside any error.
	Stream(ctx context.Context, cmd Command, onLine func(string)) (string, error)
}

// Executor is the Runner backed by real processes.
type Executor struct {
	Progress schema.ProgressFunc
	// Wrapper is prepended when the effective user is not root.
	Wrapper string
	// StreamWait bounds how long Stream waits for the process after stdout closes.
	StreamWait time.Duration
	isRoot     func() bool
	kernelLog  func() string
}

type Option func(*Executor)

func WithProgress(p schema.ProgressFunc) Option {
	return func(e *Executor) { e.Progress = p }
}

// WithRoot overrides the effective user check.
func WithRoot(isRoot bool) Option {
	return func(e *Executor) { e.isRoot = func() bool { return isRoot } }
}

// WithKernelLog overrides how the kernel log tail is collected on failures.
func WithKernelLog(f func() string) Option {
	return func(e *Executor) { e.kernelLog = f }
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		Wrapper:    constants.ElevationWrapper,
		StreamWait: constants.TimeoutStreamWait,
		isRoot:     func() bool { return unix.Geteuid() == 0 },
		kernelLog:  KernelLogTail,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// IsRoot reports whether commands run without elevation.
func (e *Executor) IsRoot() bool {
	return e.isRoot()
}

func (e *Executor) Run(ctx context.Context, c Command) (string, error) {
	if len(c.Args) == 0 {
		return "", emptyCommand(c)
	}
	argv := c.Args
	method := methodRoot
	elevated := !e.isRoot()
	if elevated {
		argv = append([]string{e.Wrapper}, c.Args...)
		method = methodElevate
		schema.Report(e.Progress, fmt.Sprintf("Requesting privileges for: %s...", c.Description), schema.NoFraction)
	}

	l := internalUtils.Log.With().Str("desc", c.Description).Str("method", method).Strs("cmd", argv).Logger()
	l.Debug().Msg("Executing")

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := newCommand(ctx, argv)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := stderr.String()
	if elevated {
		errOut = filterWrapperNoise(errOut)
	}
	errOut = strings.TrimSpace(errOut)
	if errOut != "" {
		l.Debug().Str("stderr", errOut).Send()
	}

	if err == nil {
		l.Debug().Msg("Completed")
		return out, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f := fault.New(fault.Timeout, c.Description, "Timeout expired after %ds for %s (%s).", int(c.Timeout.Seconds()), c.Description, method)
		f.Output = out
		f.Diagnostics = e.kernelLog()
		l.Error().Msg(f.Message)
		return out, f
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			f := fault.New(fault.CommandNotFound, c.Description, "Command not found: %s. Ensure it's installed and in the PATH.", argv[0])
			if elevated {
				f.Message = fmt.Sprintf("Command not found: %s. Cannot run privileged commands.", e.Wrapper)
			}
			f.Err = err
			f.Diagnostics = e.kernelLog()
			l.Error().Msg(f.Message)
			return "", f
		}
		detail := errOut
		if detail == "" {
			detail = err.Error()
		}
		f := fault.New(fault.ExecutionFailure, c.Description, "Unexpected error during %s (%s): %s", c.Description, method, detail)
		f.Output = out
		f.Err = err
		l.Error().Msg(f.Message)
		return out, f
	}

	f := classifyExit(c, method, elevated, exitErr.ExitCode(), errOut)
	f.Output = out
	f.Diagnostics = e.kernelLog()
	l.Error().Int("rc", f.ExitCode).Msg(f.Message)
	return out, f
}

func classifyExit(c Command, method string, elevated bool, rc int, errOut string) *fault.Error {
	detail := errOut
	if detail == "" {
		detail = fmt.Sprintf("Exited with code %d", rc)
	}
	f := fault.New(fault.ExecutionFailure, c.Description, "%s failed (%s): %s", c.Description, method, detail)
	f.ExitCode = rc
	if !elevated {
		return f
	}
	switch {
	case strings.Contains(strings.ToLower(detail), "authentication failed"):
		f.Kind = fault.AuthorizationFailure
		f.Message = fmt.Sprintf("Authorization failed for %s. Check PolicyKit rules or password.", c.Description)
	case strings.Contains(strings.ToLower(detail), "cannot run program") || rc == 126 || rc == 127:
		f.Kind = fault.CommandNotFound
		prog := ""
		if len(c.Args) > 0 {
			prog = c.Args[0]
		}
		f.Message = fmt.Sprintf("Command not found or not permitted by PolicyKit for %s: %s", c.Description, prog)
	}
	return f
}

func (e *Executor) Stream(ctx context.Context, c Command, onLine func(string)) (string, error) {
	if len(c.Args) == 0 {
		return "", emptyCommand(c)
	}
	l := internalUtils.Log.With().Str("desc", c.Description).Strs("cmd", c.Args).Logger()
	l.Debug().Msg("Streaming")

	var stderr bytes.Buffer
	cmd := newCommand(ctx, c.Args)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fault.Wrap(fault.ExecutionFailure, c.Description, err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			f := fault.New(fault.CommandNotFound, c.Description, "Command not found: %s.", c.Args[0])
			f.Err = err
			f.Diagnostics = e.kernelLog()
			return "", f
		}
		return "", fault.Wrap(fault.ExecutionFailure, c.Description, err)
	}

	readLines(stdout, onLine)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err = <-done:
	case <-time.After(e.StreamWait):
		_ = killGroup(cmd)
		<-done
		f := fault.New(fault.Timeout, c.Description, "Timeout expired during %s.", c.Description)
		f.Output = stderr.String()
		f.Diagnostics = e.kernelLog()
		return stderr.String(), f
	}

	errOut := strings.TrimSpace(stderr.String())
	if err == nil {
		return errOut, nil
	}
	if ctx.Err() != nil {
		f := fault.New(fault.Timeout, c.Description, "%s interrupted: %s", c.Description, ctx.Err())
		f.Output = errOut
		f.Diagnostics = e.kernelLog()
		return errOut, f
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f := fault.New(fault.ExecutionFailure, c.Description, "%s failed (rc=%d)", c.Description, exitErr.ExitCode())
		f.ExitCode = exitErr.ExitCode()
		f.Output = errOut
		f.Diagnostics = e.kernelLog()
		return errOut, f
	}
	return errOut, fault.Wrap(fault.ExecutionFailure, c.Description, err)
}

func readLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || onLine == nil {
			continue
		}
		onLine(line)
	}
	// drain whatever is left so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func emptyCommand(c Command) *fault.Error {
	return fault.New(fault.CommandNotFound, c.Description, "Command not found: no command given for %s.", c.Description)
}

// newCommand starts argv in its own process group so a timeout kills the whole tree.
func newCommand(ctx context.Context, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

func filterWrapperNoise(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(line, "using backend") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// KernelLogTail returns the last lines of the kernel ring buffer, or "" if it cannot be read.
func KernelLogTail() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "dmesg", "-T").Output()
	if err != nil || len(out) == 0 {
		internalUtils.Log.Debug().Err(err).Msg("Could not capture dmesg output")
		return ""
	}
	return TailLines(string(out), constants.KernelLogLines)
}

// TailLines returns the last n lines of s.
func TailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
