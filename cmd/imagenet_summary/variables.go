// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"
)

// scopeTotals are the number of variables, their total number of elements and bytes.
type scopeTotals struct {
	NumVariables, NumParameters int
	Bytes                       uint64
}

func totalsInScope(ctx *context.Context) (totals scopeTotals) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.IsValid() {
			return
		}
		totals.NumVariables++
		totals.NumParameters += v.Shape().Size()
		totals.Bytes += uint64(v.Shape().Memory())
	})
	return
}

// globalStep returns the global step stored in ctx scope, if any.
func globalStep(ctx *context.Context) (int64, bool) {
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), optimizers.GlobalStepVariableName)
	if v == nil {
		return 0, false
	}
	value, err := v.Value()
	if err != nil {
		return 0, false
	}
	step, ok := value.Value().(int64)
	return step, ok
}

// reportSummary prints the global step and the size of the models, side by side.
func reportSummary(w io.Writer, scopedCtxs []*context.Context, names []string) {
	fmt.Fprintln(w, titleStyle.Render("Summary"))
	t := newTable(lipgloss.Right, lipgloss.Left)
	t.AddRow(false, append([]string{"model"}, names...)...)
	newRow := func(title string) []string {
		row := make([]string, 1+len(names))
		row[0] = title
		return row
	}
	stepRow, varsRow, paramsRow, bytesRow := newRow("global_step"), newRow("# variables"),
		newRow("# parameters"), newRow("# bytes")
	for ii, ctx := range scopedCtxs {
		if step, found := globalStep(ctx); found {
			stepRow[ii+1] = humanize.Comma(step)
		}
		totals := totalsInScope(ctx)
		varsRow[ii+1] = humanize.Comma(int64(totals.NumVariables))
		paramsRow[ii+1] = humanize.Comma(int64(totals.NumParameters))
		bytesRow[ii+1] = humanize.Bytes(totals.Bytes)
	}
	for _, row := range [][]string{stepRow, varsRow, paramsRow, bytesRow} {
		t.AddRow(false, row...)
	}
	fmt.Fprintln(w, t.Render())
}

// valueStats returns the mean absolute value, the root-mean-square and the max absolute value of values.
func valueStats[T constraints.Float](values []T) (mav, rms, maxAV float64) {
	if len(values) == 0 {
		return
	}
	for _, v := range values {
		abs := math.Abs(float64(v))
		mav += abs
		rms += abs * abs
		maxAV = max(maxAV, abs)
	}
	n := float64(len(values))
	return mav / n, math.Sqrt(rms / n), maxAV
}

// variableStats formats the value of scalar variables, or the statistics of float variables.
func variableStats(t *tensors.Tensor) (mav, rms, maxAV string) {
	if t.Shape().Size() == 1 {
		return fmt.Sprintf("%v", t.Value()), "", ""
	}
	var m, r, x float64
	switch t.DType() {
	case dtypes.Float32:
		m, r, x = valueStats(tensors.MustCopyFlatData[float32](t))
	case dtypes.Float64:
		m, r, x = valueStats(tensors.MustCopyFlatData[float64](t))
	default:
		return
	}
	return fmt.Sprintf("%.3g", m), fmt.Sprintf("%.3g", r), fmt.Sprintf("%.3g", x)
}

// reportVariables lists the variables under the scope of ctx, with their shapes, sizes and value statistics.
func reportVariables(w io.Writer, ctx *context.Context, name string) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables of %s in scope %q", name, ctx.Scope())))
	t := newTable()
	t.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			return
		}
		shape := v.Shape()
		var mav, rms, maxAV string
		if value, err := v.Value(); err == nil {
			mav, rms, maxAV = variableStats(value)
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(cmp.Compare(a[0], b[0]), cmp.Compare(a[1], b[1]))
	})
	for _, row := range rows {
		t.AddRow(false, row...)
	}
	fmt.Fprintln(w, t.Render())
}
