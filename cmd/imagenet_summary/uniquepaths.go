// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// shortNames returns for each model directory the shortest name that tells it apart from the others:
// the path element where they differ or, if they differ in more than one, the first and last such
// elements joined by "...".
func shortNames(dirs ...string) []string {
	if len(dirs) <= 1 {
		names := make([]string, len(dirs))
		for ii, dir := range dirs {
			names[ii] = filepath.Base(filepath.Clean(dir))
		}
		return names
	}
	parts := make([][]string, len(dirs))
	for ii, dir := range dirs {
		parts[ii] = strings.Split(filepath.Clean(dir), string(filepath.Separator))
	}
	names := make([]string, len(dirs))
	for ii, elems := range parts {
		var diffs []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for kk := range min(len(elems), len(other)) {
				if elems[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			names[ii] = elems[len(elems)-1]
		case 1:
			names[ii] = elems[diffs[0]]
		default:
			names[ii] = elems[diffs[0]] + "..." + elems[diffs[len(diffs)-1]]
		}
	}
	return names
}
