// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default size of the charts created by PlotPNG.
var (
	PlotWidth  = 12 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// PlotPNG saves a line chart with one line per metric to path (the format is taken from the extension,
// usually ".png"). If metricNames is empty, all metrics of the first metric type are plotted.
func PlotPNG(points Points, path string, metricNames ...string) error {
	if len(metricNames) == 0 {
		metricNames = defaultPlotMetrics(points)
	}
	if len(metricNames) == 0 {
		return errors.Errorf("no metrics to plot to %q", path)
	}
	p := plot.New()
	p.Title.Text = "Training"
	p.X.Label.Text = "global step"
	p.Legend.Top = true
	for ii, name := range metricNames {
		steps, values := points.Series(name)
		if len(steps) == 0 {
			return errors.Errorf("metric %q has no points to plot", name)
		}
		xys := make(plotter.XYs, len(steps))
		for jj := range steps {
			xys[jj].X = steps[jj]
			xys[jj].Y = values[jj]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to create line for metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := os.MkdirAll(filepath.Dir(path), DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	if err := p.Save(PlotWidth, PlotHeight, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}

// defaultPlotMetrics returns the metrics sharing the type of the first metric.
func defaultPlotMetrics(points Points) []string {
	names := points.MetricsNames()
	if len(names) == 0 {
		return nil
	}
	types := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			types[p.MetricName] = p.MetricType
		}
	}
	firstType := types[names[0]]
	var selected []string
	for _, name := range names {
		if types[name] == firstType {
			selected = append(selected, name)
		}
	}
	return selected
}
