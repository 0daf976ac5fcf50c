// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command-line UI of training: a progress bar attached to the train.Loop
// and tables with evaluation results.
package commandline

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// EvalTable renders the evaluation results (metric name to value) of a dataset as a table,
// with metrics sorted by name.
func EvalTable(dsName string, results map[string]float64) string {
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(tableBorderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return rightAlignedStyle
			default:
				return normalStyle
			}
		}).
		Headers("Results on "+dsName, "")
	for _, name := range slices.Sorted(maps.Keys(results)) {
		table.Row(name, fmt.Sprintf("%.6g", results[name]))
	}
	return table.String()
}

// ReportEval prints EvalTable to w.
func ReportEval(w io.Writer, dsName string, results map[string]float64) error {
	_, err := fmt.Fprintln(w, EvalTable(dsName, results))
	return err
}

// FormatDuration pretty prints duration with at most 2 decimal places.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	case d >= time.Microsecond:
		return d.Round(10 * time.Nanosecond).String()
	default:
		return d.String()
	}
}
