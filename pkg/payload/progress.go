package payload

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseDownloading  Phase = "Downloading"
	PhaseChecking     Phase = "Checking Transaction"
	PhaseTesting      Phase = "Testing Transaction"
	PhaseRunning      Phase = "Running Transaction"
	PhaseInstalling   Phase = "Installing"
	PhaseScriptlets   Phase = "Running Scriptlets"
	PhaseVerifying    Phase = "Verifying"
	PhaseFinalizing   Phase = "Finalizing Installation"
	PhaseComplete     Phase = "Complete"
)

// MaxStreamFraction caps the fraction reported while the package manager is still running.
const MaxStreamFraction = 0.99

// ProgressParser turns package manager output into progress updates.
type ProgressParser interface {
	// Feed consumes one output line. ok is false for lines that carry nothing to report.
	Feed(line string) (message string, fraction float64, ok bool)
	Phase() Phase
	Fraction() float64
}

// DNFParser understands `dnf install` output.
//
// Phases advance on these substrings, first match wins:
//
//	"Downloading Packages"       Downloading
//	"Running transaction check"  Checking Transaction
//	"Running transaction test"   Testing Transaction
//	"Running transaction"        Running Transaction
//	"Installing" / "Updating"    Installing (line prefix)
//	"Running scriptlet"          Running Scriptlets (line prefix)
//	"Verifying"                  Verifying (line prefix)
//	"Installed:"                 Finalizing Installation (line prefix)
//	"Complete!"                  Complete (line prefix)
//
// A "[NN%]" marker on a download line maps to [0, 0.30]. A transaction counter
// "<Op> : <pkg> N/M" maps to [0.30, 0.90] for Installing/Updating/Upgrading,
// [0.90, 0.95] for Verifying and [0.95, 1.0] for Cleanup. The fraction never goes
// back and is clamped to [0, MaxStreamFraction].
type DNFParser struct {
	phase    Phase
	total    int
	fraction float64
}

var (
	dnfDownload = regexp.MustCompile(`^Downloading Packages:.*?\[\s*(\d+)%\]`)
	dnfCounter  = regexp.MustCompile(`^(Installing|Updating|Upgrading|Cleanup|Verifying)\s*:.*?\s+(\d+)/(\d+)\s*$`)
	dnfTotal    = regexp.MustCompile(`Package count: (\d+)`)
)

func NewDNFParser() *DNFParser {
	return &DNFParser{phase: PhaseInitializing}
}

func (p *DNFParser) Phase() Phase {
	return p.phase
}

func (p *DNFParser) Fraction() float64 {
	return p.fraction
}

func (p *DNFParser) Feed(line string) (string, float64, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", p.fraction, false
	}
	p.detectPhase(line)

	fraction := p.fraction
	message := fmt.Sprintf("DNF: %s...", p.phase)

	if m := dnfTotal.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.total = n
		}
	}

	if m := dnfDownload.FindStringSubmatch(line); m != nil {
		pct, _ := strconv.Atoi(m[1])
		fraction = float64(pct) / 100 * 0.30
		message = fmt.Sprintf("DNF: Downloading (%d%%)...", pct)
	}

	if m := dnfCounter.FindStringSubmatch(line); m != nil {
		op := m[1]
		done, _ := strconv.Atoi(m[2])
		total, _ := strconv.Atoi(m[3])
		if total > p.total {
			p.total = total
		}
		if p.total > 0 {
			share := float64(done) / float64(p.total)
			switch op {
			case "Installing", "Updating", "Upgrading":
				fraction = 0.30 + share*0.60
			case "Verifying":
				fraction = 0.90 + share*0.05
			case "Cleanup":
				fraction = 0.95 + share*0.05
			}
			message = fmt.Sprintf("DNF: %s (%d/%d)...", op, done, p.total)
		} else {
			fraction = 0.30
			message = fmt.Sprintf("DNF: %s (package %d)...", op, done)
		}
	}

	if fraction < p.fraction {
		fraction = p.fraction
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > MaxStreamFraction {
		fraction = MaxStreamFraction
	}
	p.fraction = fraction
	return message, fraction, true
}

func (p *DNFParser) detectPhase(line string) {
	switch {
	case strings.Contains(line, "Downloading Packages"):
		p.phase = PhaseDownloading
	case strings.Contains(line, "Running transaction check"):
		p.phase = PhaseChecking
	case strings.Contains(line, "Running transaction test"):
		p.phase = PhaseTesting
	case strings.Contains(line, "Running transaction"):
		p.phase = PhaseRunning
	case strings.HasPrefix(line, "Installing"), strings.HasPrefix(line, "Updating"), strings.HasPrefix(line, "Upgrading"):
		p.phase = PhaseInstalling
	case strings.HasPrefix(line, "Running scriptlet"):
		p.phase = PhaseScriptlets
	case strings.HasPrefix(line, "Verifying"):
		p.phase = PhaseVerifying
	case strings.HasPrefix(line, "Installed:"):
		p.phase = PhaseFinalizing
	case strings.HasPrefix(line, "Complete!"):
		p.phase = PhaseComplete
	}
}
