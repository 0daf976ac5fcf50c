// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn returns a name and value to display along the progress bar, e.g. the learning rate.
// It is called at every refresh of the display.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between refreshes of the display.
var RefreshPeriod = time.Second * 3

// ProgressBarName is the name of the hooks registered in the train.Loop.
const ProgressBarName = "imagenet.commandline.progressBar"

// maxUpdateFrequency is the minimum time between two refreshes.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = lipgloss.Color("#507090")
)

// progressUpdate is a snapshot of the loop state, rendered asynchronously.
type progressUpdate struct {
	steps     int
	loopStep  int
	endStep   int
	epoch     int
	rows      [][2]string
	stepTime  time.Duration
	lastFrame bool
}

type progressBar struct {
	out           io.Writer
	term          *termenv.Output
	bar           *progressbar.ProgressBar
	table         *lgtable.Table
	extraMetrics  []ExtraMetricFn
	lastReported  int
	linesPrinted  int
	updates       chan progressUpdate
	renderingDone sync.WaitGroup
}

// AttachProgressBar attaches to the loop a command-line progress bar, followed by a table with the
// current global step, epoch, median step time, the train metrics and the given extra metrics.
//
// Rendering happens asynchronously, so a slow terminal doesn't slow down training.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:          os.Stdout,
		term:         termenv.NewOutput(os.Stdout),
		extraMetrics: extraMetrics,
		table: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(tableBorderColor)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *train.Loop, ds train.Dataset) error {
	pBar.lastReported = loop.LoopStep
	pBar.linesPrinted = 0
	numSteps := -1 // Unknown: the bar is displayed as a spinner.
	if loop.EndStep >= 0 {
		numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%-10s", ds.Name())),
		progressbar.OptionSetWriter(pBar.out),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	pBar.updates = make(chan progressUpdate, 100)
	pBar.renderingDone.Add(1)
	go pBar.render()
	return nil
}

func (pBar *progressBar) snapshot(loop *train.Loop, metrics []*tensors.Tensor) progressUpdate {
	update := progressUpdate{
		steps:    loop.LoopStep + 1 - pBar.lastReported,
		loopStep: loop.LoopStep,
		endStep:  loop.EndStep,
		epoch:    loop.Epoch,
		stepTime: loop.MedianTrainStepDuration(),
	}
	for ii, metric := range loop.Trainer.TrainMetrics() {
		if ii < len(metrics) {
			update.rows = append(update.rows, [2]string{metric.Name(), metric.PrettyPrint(metrics[ii])})
		}
	}
	for _, fn := range pBar.extraMetrics {
		name, value := fn()
		update.rows = append(update.rows, [2]string{name, value})
	}
	return update
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if loop.LoopStep+1 <= pBar.lastReported {
		return nil
	}
	update := pBar.snapshot(loop, metrics)
	pBar.lastReported = loop.LoopStep + 1
	pBar.updates <- update
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop, metrics []*tensors.Tensor) error {
	if len(metrics) > 0 {
		update := pBar.snapshot(loop, metrics)
		update.steps = max(loop.LoopStep-pBar.lastReported, 0) // LoopStep is already one past the last step.
		update.lastFrame = true
		pBar.updates <- update
	}
	close(pBar.updates)
	pBar.renderingDone.Wait()
	pBar.term.ShowCursor()
	return nil
}

// render consumes the updates, merging those that arrive faster than the terminal refresh.
func (pBar *progressBar) render() {
	defer pBar.renderingDone.Done()
	for update := range pBar.updates {
		steps := update.steps
	merge:
		for {
			select {
			case next, ok := <-pBar.updates:
				if !ok {
					break merge
				}
				steps += next.steps
				update = next
			default:
				break merge
			}
		}
		update.steps = steps
		pBar.draw(update)
		if !update.lastFrame {
			time.Sleep(maxUpdateFrequency)
		}
	}
}

func (pBar *progressBar) draw(update progressUpdate) {
	pBar.table.Data(lgtable.NewStringData())
	stepStr := humanize.Comma(int64(update.loopStep))
	if update.endStep >= 0 {
		stepStr = fmt.Sprintf("%s of %s", stepStr, humanize.Comma(int64(update.endStep)))
	}
	pBar.table.Row("Global step", stepStr)
	pBar.table.Row("Epoch", fmt.Sprintf("%d", update.epoch+1))
	pBar.table.Row("Median step time", FormatDuration(update.stepTime))
	for _, row := range update.rows {
		pBar.table.Row(row[0], row[1])
	}

	pBar.term.HideCursor()
	if pBar.linesPrinted > 0 {
		pBar.term.CursorPrevLine(pBar.linesPrinted)
	}
	rendered := lipgloss.NewStyle().PaddingLeft(4).Render(pBar.table.String())
	_, _ = fmt.Fprintln(pBar.out, rendered)
	if update.steps > 0 {
		_ = pBar.bar.Add(update.steps)
	}
	_, _ = fmt.Fprintln(pBar.out)
	pBar.linesPrinted = lipgloss.Height(rendered) + 1
	pBar.term.ShowCursor()
}
