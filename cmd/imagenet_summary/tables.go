// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyles = [2]lipgloss.Style{
		lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1),
		lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1),
	}
	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).PaddingLeft(1).PaddingRight(1)
)

// table wraps a lipgloss table, with alternating row styles and optionally highlighted rows.
type table struct {
	*lgtable.Table
	numRows     int
	highlighted map[int]bool
}

// newTable creates a table with the given column alignments: the last alignment is used for the
// remaining columns.
func newTable(alignments ...lipgloss.Position) *table {
	t := &table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			s := rowStyles[row%2]
			if t.highlighted[row] {
				s = highlightStyle
			}
			if len(alignments) > 0 {
				s = s.Align(alignments[min(col, len(alignments)-1)])
			}
			return s
		})
	return t
}

// AddRow appends a row, highlighting it if requested.
func (t *table) AddRow(highlight bool, row ...string) {
	if highlight {
		t.highlighted[t.numRows] = true
	}
	t.Table.Row(row...)
	t.numRows++
}

// allEqual returns whether all the values in s are the same.
func allEqual[E comparable](s []E) bool {
	for _, v := range s[min(1, len(s)):] {
		if v != s[0] {
			return false
		}
	}
	return true
}
