// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/tfrecord"
	"github.com/gomlx/imagenet-predict/ui/summary"
	"github.com/pkg/errors"
)

// splitList splits a comma-separated list, ignoring empty elements.
func splitList(list string) []string {
	var parts []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// loadMetrics loads the summaries of the model directory, keeping only the points of the given metrics
// (by name or short name) or metric types. If both are empty, all points are kept.
func loadMetrics(modelDir string, names, types []string) (summary.Points, error) {
	rawPoints, err := summary.LoadPointsFromDir(modelDir)
	if err != nil {
		return nil, err
	}
	points := summary.NewPoints(rawPoints)
	if len(names) == 0 && len(types) == 0 {
		return points, nil
	}
	namesSet, typesSet := sets.MakeWith(names...), sets.MakeWith(types...)
	points.Filter(func(p summary.Point) bool {
		return namesSet.Has(p.MetricName) || namesSet.Has(p.Short) || typesSet.Has(p.MetricType)
	})
	return points, nil
}

// reportMetrics prints the table of the metrics of one model directory, one row per step.
func reportMetrics(w io.Writer, points summary.Points, name string) error {
	if len(points) == 0 {
		return errors.Errorf("no metrics for %s", name)
	}
	fmt.Fprintln(w, titleStyle.Render("Metrics of "+name))
	fmt.Fprintln(w, points.TableForMetrics())
	fmt.Fprintf(w, "%d runs\n", len(points.Runs()))
	return nil
}

// reportRecords prints the number of records of each split found in dataDir.
func reportRecords(w io.Writer, dataDir string) error {
	fmt.Fprintln(w, titleStyle.Render("Records in "+dataDir))
	t := newTable()
	t.Headers("Split", "# shards", "# records")
	found := false
	for _, mode := range []dataset.Mode{dataset.Train, dataset.Eval, dataset.Test} {
		files, err := dataset.DiscoverShards(dataDir, mode.Prefix())
		if err != nil {
			t.AddRow(true, mode.Prefix(), "0", "-")
			continue
		}
		found = true
		var total int
		for _, filePath := range files {
			count, err := tfrecord.Count(filePath)
			if err != nil {
				return err
			}
			total += count
		}
		t.AddRow(false, mode.Prefix(), humanize.Comma(int64(len(files))), humanize.Comma(int64(total)))
	}
	fmt.Fprintln(w, t.Render())
	if !found {
		return errors.Errorf("no shards found in %q", dataDir)
	}
	return nil
}
