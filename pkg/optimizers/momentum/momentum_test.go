// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package momentum

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectedTrajectory simulates numSteps of momentum on loss=x²/2 (so gradient=x).
func expectedTrajectory(x0, lr, momentum float64, nesterov bool, numSteps int) float64 {
	x, accum := x0, 0.0
	for range numSteps {
		grad := x
		accum = momentum*accum + grad
		if nesterov {
			x -= lr * (grad + momentum*accum)
		} else {
			x -= lr * accum
		}
	}
	return x
}

func TestMomentumQuadratic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numSteps = 5
	for _, nesterov := range []bool{false, true} {
		name := "classic"
		if nesterov {
			name = "nesterov"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParams(map[string]any{
				optimizers.ParamLearningRate: 0.1,
				ParamMomentum:                0.9,
				ParamNesterov:                nesterov,
			})
			opt := optimizers.ByName(ctx, Name)
			xVar := ctx.In("model").VariableWithValue("x", []float32{1, -2})
			exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				ctx.SetTraining(g, true)
				x := xVar.ValueGraph(g)
				loss := MulScalar(ReduceAllSum(Square(x)), 0.5)
				opt.UpdateGraph(ctx, g, loss)
				return loss
			})
			require.NoError(t, err)
			for range numSteps {
				_, err = exec.Exec1()
				require.NoError(t, err)
			}
			got := xVar.MustValue().Value().([]float32)
			assert.InDelta(t, expectedTrajectory(1, 0.1, 0.9, nesterov, numSteps), got[0], 1e-5)
			assert.InDelta(t, expectedTrajectory(-2, 0.1, 0.9, nesterov, numSteps), got[1], 1e-5)
			assert.Equal(t, int64(numSteps), optimizers.GetGlobalStep(ctx))

			// Accumulator for x: sum of momentum-weighted gradients.
			accumVar := ctx.GetVariableByScopeAndName("/momentum/model", "x_momentum")
			require.NotNil(t, accumVar)
			assert.False(t, accumVar.Trainable)

			require.NoError(t, opt.Clear(ctx))
			assert.Nil(t, ctx.GetVariableByScopeAndName("/momentum/model", "x_momentum"))
		})
	}
}

func TestRegistered(t *testing.T) {
	_, found := optimizers.KnownOptimizers[Name]
	assert.True(t, found)

	ctx := context.New()
	ctx.SetParam(optimizers.ParamOptimizer, Name)
	ctx.SetParam(ParamMomentum, 0.5)
	opt := optimizers.FromContext(ctx)
	require.NotNil(t, opt)
	assert.InDelta(t, 0.5, opt.(*optimizer).config.momentum, 1e-9)

	require.Panics(t, func() { New().Momentum(-1).Done() })
}
