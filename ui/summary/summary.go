// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary records scalar metrics collected during training and evaluation, and renders them as
// tables, charts and image grids.
//
// Points are appended as JSON lines to FileName in the model directory, so several runs (each with its own
// run id) can share the same file.
package summary

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileName within the model directory where the summary points are stored.
const FileName = "summaries.jsonl"

// DirPermMode used when creating the model directory.
const DirPermMode = os.FileMode(0770)

// Point is one scalar measurement of a metric at a global step.
type Point struct {
	// Run id that generated the point.
	Run string `json:",omitempty"`

	// MetricName of this point, e.g.: "cross_entropy".
	MetricName string

	// Short name, used in tables and progress bars.
	Short string

	// MetricType typically will be "loss", "accuracy" or "learning_rate".
	// Charts aggregate metrics of the same type.
	MetricType string

	// Step is the global step this metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// Writer appends points to a summaries file asynchronously.
type Writer struct {
	run       string
	filePath  string
	points    chan<- Point
	errReport <-chan error
	closed    bool
}

// NewWriter creates a Writer for a new run (with a random run id) that appends to FileName in dir.
// The directory is created if it doesn't exist.
func NewWriter(dir string) (*Writer, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create summaries directory %q", dir)
	}
	w := &Writer{
		run:      uuid.NewString(),
		filePath: filepath.Join(dir, FileName),
	}
	w.points, w.errReport = CreatePointsWriter(w.filePath)
	klog.V(1).Infof("summaries for run %s written to %q", w.run, w.filePath)
	return w, nil
}

// Run returns the run id of the points written.
func (w *Writer) Run() string { return w.run }

// Path of the summaries file.
func (w *Writer) Path() string { return w.filePath }

// Add a point. Non-finite values are skipped with a warning.
func (w *Writer) Add(metricName, short, metricType string, step int64, value float64) {
	if w.closed {
		klog.Warningf("summary.Writer closed, dropping point %q=%g", metricName, value)
		return
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		klog.Warningf("summary %q at step %d is not finite (%g), skipping", metricName, step, value)
		return
	}
	w.points <- Point{
		Run:        w.run,
		MetricName: metricName,
		Short:      short,
		MetricType: metricType,
		Step:       float64(step),
		Value:      value,
	}
}

// Close flushes the pending points and returns the first error that happened while writing, if any.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.points)
	return <-w.errReport
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open summaries file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue // Drain the channel.
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// LoadPoints parses all points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read summaries file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding summaries file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// LoadPointsFromDir loads the points saved in FileName in the model directory.
func LoadPointsFromDir(modelDir string) ([]Point, error) {
	modelDir, err := fsutil.ReplaceTildeInDir(modelDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(filepath.Join(modelDir, FileName))
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints organizes rawPoints by step.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, sorted.
func (points Points) Steps() []float64 {
	return slices.Sorted(maps.Keys(points))
}

// Filter only keeps those points for which fn returns true.
func (points Points) Filter(fn func(p Point) bool) {
	for _, step := range points.Steps() {
		kept := slices.DeleteFunc(points[step], func(p Point) bool { return !fn(p) })
		if len(kept) == 0 {
			delete(points, step)
		} else {
			points[step] = kept
		}
	}
}

// Runs returns the run ids present, in order of first appearance by step.
func (points Points) Runs() []string {
	var runs []string
	for _, step := range points.Steps() {
		for _, p := range points[step] {
			if !slices.Contains(runs, p.Run) {
				runs = append(runs, p.Run)
			}
		}
	}
	return runs
}

// MetricsNames returns the metrics names in the collection, sorted by their type and then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			nameToType[p.MetricName] = p.MetricType
		}
	}
	names := slices.Sorted(maps.Keys(nameToType))
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Series returns the (step, value) pairs of one metric, sorted by step.
// If a step has more than one value for the metric (e.g. multiple runs), the last one is used.
func (points Points) Series(metricName string) (steps, values []float64) {
	for _, step := range points.Steps() {
		found := false
		var value float64
		for _, p := range points[step] {
			if p.MetricName == metricName {
				value, found = p.Value, true
			}
		}
		if found {
			steps = append(steps, step)
			values = append(values, value)
		}
	}
	return
}

// Last returns the last value recorded for each metric.
func (points Points) Last() map[string]float64 {
	last := make(map[string]float64)
	for _, step := range points.Steps() {
		for _, p := range points[step] {
			last[p.MetricName] = p.Value
		}
	}
	return last
}

// TableForMetrics returns a table with the first column being the step followed
// by the columns given by the metrics names.
// If metrics is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		hasValue := false
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.6g", pt.Value)
				hasValue = true
			}
		}
		if hasValue {
			table.Row(row...)
		}
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
