package cmd

import (
	"os"

	"github.com/centrio-installer/centrio-core/internal/utils"
	"github.com/centrio-installer/centrio-core/pkg/schema"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// NewProgress returns a progress callback drawing a bar on a terminal and logging otherwise.
// The bar never moves backwards.
func NewProgress() schema.ProgressFunc {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return func(msg string, fraction float64) {
			e := utils.Log.Info()
			if fraction != schema.NoFraction {
				e = e.Float64("progress", fraction)
			}
			e.Msg(msg)
		}
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionSetDescription("Preparing installation..."),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
	)
	last := 0
	return func(msg string, fraction float64) {
		bar.Describe(msg)
		if fraction == schema.NoFraction {
			return
		}
		if n := int(fraction * 100); n > last {
			last = n
			_ = bar.Set(n)
		}
	}
}
