// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package piecewise

import (
	"fmt"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue(t *testing.T) {
	boundaries := []int64{10, 20, 30}
	values := []float64{1, 0.5, 0.25, 0.125}
	require.NoError(t, Check(boundaries, values))
	for step, want := range map[int64]float64{
		0: 1, 9: 1, 10: 1, 11: 0.5, 20: 0.5, 21: 0.25, 30: 0.25, 31: 0.125, 1_000_000: 0.125,
	} {
		assert.Equal(t, want, Value(step, boundaries, values), "step=%d", step)
	}

	// No boundaries: constant.
	assert.Equal(t, 3.0, Value(100, nil, []float64{3}))

	require.Error(t, Check([]int64{10, 20}, []float64{1, 2}))
	require.Error(t, Check([]int64{20, 10}, []float64{1, 2, 3}))
	require.Error(t, Check([]int64{10, 10}, []float64{1, 2, 3}))
}

func TestResNetSchedule(t *testing.T) {
	boundaries, values := ResNetSchedule(32, 2569)
	// 2569/32 = 80.28125 batches per epoch.
	assert.Equal(t, []int64{2408, 4816, 6422, 7225}, boundaries)
	require.Len(t, values, 5)
	wantValues := []float64{0.0125, 0.00125, 0.000125, 1.25e-5, 1.25e-6}
	for ii, want := range wantValues {
		assert.InDelta(t, want, values[ii], 1e-12)
	}
	assert.InDelta(t, 0.1, InitialLearningRate(256), 1e-12)
}

func TestScheduleGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	boundaries := []int64{10, 20}
	values := []float64{1, 0.5, 0.25}
	for _, step := range []int64{0, 10, 11, 20, 21, 500} {
		t.Run(fmt.Sprintf("step=%d", step), func(t *testing.T) {
			ctx := context.New()
			ctx.Checked(false).VariableWithValue(optimizers.GlobalStepVariableName, step)
			lr := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				ctx.SetTraining(g, true)
				New(ctx, g, dtypes.Float32).Boundaries(boundaries...).Values(values...).Done()
				return optimizers.LearningRateVar(ctx, dtypes.Float32, 0).ValueGraph(g)
			})
			assert.InDelta(t, Value(step, boundaries, values), tensors.ToScalar[float32](lr), 1e-6)
		})
	}

	// Not training: the learning rate is not changed.
	ctx := context.New()
	lr := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		New(ctx, g, dtypes.Float32).Boundaries(boundaries...).Values(values...).Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 7).ValueGraph(g)
	})
	assert.InDelta(t, 7.0, tensors.ToScalar[float32](lr), 1e-6)
}

func TestFromContext(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBatchSize:        64,
		ParamNumTrainImages:   640, // 10 steps per epoch.
		ParamBoundariesEpochs: []float64{1, 2},
		ParamDecays:           []float64{1, 0.1, 0.01},
	})
	ctx.Checked(false).VariableWithValue(optimizers.GlobalStepVariableName, int64(15))
	lr := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		New(ctx, g, dtypes.Float32).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0).ValueGraph(g)
	})
	// Initial learning rate 0.1*64/256 = 0.025, decayed by 0.1 after step 10.
	assert.InDelta(t, 0.0025, tensors.ToScalar[float32](lr), 1e-7)
}
