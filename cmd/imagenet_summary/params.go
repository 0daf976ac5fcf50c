// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

type paramKey struct{ Scope, Name string }

// reportParams prints the hyperparameters of the models side by side. Rows where the models differ are
// highlighted.
func reportParams(w io.Writer, ctxs []*context.Context, names []string) {
	fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	t := newTable()
	headers := []string{"Scope", "Name", "Type"}
	if len(names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	t.Headers(headers...)

	keysSet := sets.Make[paramKey]()
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			keysSet.Insert(paramKey{Scope: scope, Name: key})
		})
	}
	keys := slices.SortedFunc(maps.Keys(keysSet), func(a, b paramKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Name, b.Name))
	})
	for _, key := range keys {
		row := make([]string, 3+len(ctxs))
		row[0], row[1] = key.Scope, key.Name
		for ii, ctx := range ctxs {
			value, found := ctx.InAbsPath(key.Scope).GetParam(key.Name)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		t.AddRow(!allEqual(row[3:]), row...)
	}
	fmt.Fprintln(w, t.Render())
}
