// Package commandline provides terminal UI helpers for training runs.
package commandline

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/ali-vilab/alitok/train"
)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version. Consider
// progressbar.ThemeUnicode for a prettier version, if the graphical symbols
// are supported.
var ProgressbarStyle = progressbar.ThemeASCII

const progressBarName = "alitok.train.commandline.progressBar"

// progressBar holds a progressbar being displayed.
type progressBar struct {
	bar              *progressbar.ProgressBar
	lastStepReported int64
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.GlobalStep
	numSteps := loop.Plan.MaxTrainSteps - loop.GlobalStep
	pBar.bar = progressbar.NewOptions64(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.GlobalStep - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	pBar.bar.Describe(fmt.Sprintf("step %s of %s | loss=%.4f | %s/step ",
		humanize.Comma(loop.GlobalStep),
		humanize.Comma(loop.Plan.MaxTrainSteps),
		loss,
		loop.MedianTrainStepDuration().Round(time.Microsecond)))
	_ = pBar.bar.Add64(amount)
	pBar.lastStepReported = loop.GlobalStep
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop) error {
	_ = pBar.bar.Finish()
	fmt.Println()
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to
// the Loop: every time the Loop runs, it displays progression and the
// current loss.
//
// Only the primary process draws; on other processes this is a no-op, so it
// is safe to call unconditionally in SPMD programs.
func AttachProgressBar(loop *train.Loop) {
	if !loop.Dist.IsMainProcess() {
		return
	}
	pBar := &progressBar{}
	loop.OnStart(progressBarName, 0, pBar.onStart)
	train.NTimesDuringLoop(loop, 1000, progressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, progressBarName, 0, pBar.onStep)
	loop.OnEnd(progressBarName, 0, pBar.onEnd)
}
