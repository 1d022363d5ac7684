package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/centrio-installer/centrio-core/pkg/executor"
)

type response struct {
	prefix string
	out    string
	lines  []string
	err    error
}

// FakeRunner is a scripted executor.Runner. Every command is recorded; the reply is taken from
// the registered response with the longest prefix matching the space joined argv, the latest
// registration wins between equal prefixes.
type FakeRunner struct {
	mu        sync.Mutex
	Commands  []executor.Command
	responses []response
	streams   []response
	// Handler, when set, is consulted before the scripted responses.
	Handler func(cmd executor.Command) (out string, handled bool, err error)
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On scripts the reply for every command starting with prefix.
func (f *FakeRunner) On(prefix, out string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{prefix: prefix, out: out, err: err})
	return f
}

// OnStream scripts the stdout lines and result of a streamed command.
func (f *FakeRunner) OnStream(prefix string, lines []string, stderr string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, response{prefix: prefix, lines: lines, out: stderr, err: err})
	return f
}

func (f *FakeRunner) Run(_ context.Context, cmd executor.Command) (string, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	handler := f.Handler
	r, ok := match(f.responses, cmd.Args)
	f.mu.Unlock()

	if handler != nil {
		if out, handled, err := handler(cmd); handled {
			return out, err
		}
	}
	if ok {
		return r.out, r.err
	}
	return "", nil
}

func (f *FakeRunner) Stream(_ context.Context, cmd executor.Command, onLine func(string)) (string, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	r, ok := match(f.streams, cmd.Args)
	f.mu.Unlock()

	if !ok {
		return "", nil
	}
	for _, l := range r.lines {
		if onLine != nil {
			onLine(l)
		}
	}
	return r.out, r.err
}

// Lines returns every recorded command as a space joined string.
func (f *FakeRunner) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Commands {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

// Matching returns the recorded commands starting with prefix.
func (f *FakeRunner) Matching(prefix string) []executor.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []executor.Command
	for _, c := range f.Commands {
		if strings.HasPrefix(strings.Join(c.Args, " "), prefix) {
			out = append(out, c)
		}
	}
	return out
}

func match(responses []response, args []string) (response, bool) {
	joined := strings.Join(args, " ")
	best := -1
	for i, r := range responses {
		if strings.HasPrefix(joined, r.prefix) && (best == -1 || len(r.prefix) >= len(responses[best].prefix)) {
			best = i
		}
	}
	if best == -1 {
		return response{}, false
	}
	return responses[best], true
}
