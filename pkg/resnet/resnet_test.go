// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidSizes(t *testing.T) {
	assert.Equal(t, []int{18, 34, 50, 101, 152, 200}, Sizes())
	require.NoError(t, CheckSize(50))
	require.Error(t, CheckSize(42))
	assert.Equal(t, Bottleneck, ValidSizes[101].Block)
	assert.Equal(t, [4]int{3, 24, 36, 3}, ValidSizes[200].Layers)

	format, err := ParseDataFormat(ChannelsFirst)
	require.NoError(t, err)
	assert.Equal(t, images.ChannelsFirst, format)
	_, err = ParseDataFormat("NCHW")
	require.Error(t, err)
}

func TestModelShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, dataFormat := range []string{ChannelsLast, ChannelsFirst} {
		t.Run(dataFormat, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParams(map[string]any{
				ParamSize:       18,
				ParamDataFormat: dataFormat,
				ParamNumClasses: 6,
			})
			logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 64, 64, 3))
				x = MulScalar(x, 1.0/(2*64*64*3))
				return ModelGraph(ctx, nil, []*Node{x})[0]
			})
			require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 6))
		})
	}

	// Bottleneck blocks, with the builder directly.
	ctx := context.New()
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 1, 32, 32, 3))
		return New(ctx.In("model"), x, 50).NumClasses(3).Done()
	})
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 1, 3))
	// Bottleneck projection in stage 0 goes from 64 to 256 channels.
	v := ctx.GetVariableByScopeAndName("/model/stage_0/block_00/projection/conv", "weights")
	require.NotNil(t, v)
	assert.Equal(t, 256, v.Shape().Dimensions[3])
}

func TestFixedPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ones := [][][][]float32{{{{1}, {1}}, {{1}, {1}}}} // [1, 2, 2, 1]
	padded := MustExecOnce(backend, func(x *Node) *Node {
		return fixedPadding(x, 4, images.ChannelsLast)
	}, ones)
	assert.Equal(t, []int{1, 5, 5, 1}, padded.Shape().Dimensions)
	got := padded.Value().([][][][]float32)
	var sum float32
	for _, row := range got[0] {
		for _, pixel := range row {
			sum += pixel[0]
		}
	}
	assert.Equal(t, float32(4), sum)
	// 1 zero before, 2 after.
	assert.Equal(t, float32(0), got[0][0][0][0])
	assert.Equal(t, float32(1), got[0][1][1][0])
	assert.Equal(t, float32(1), got[0][2][2][0])
	assert.Equal(t, float32(0), got[0][3][3][0])

	// Channels-first pads the last two axes; kernel 1 doesn't pad.
	padded = MustExecOnce(backend, func(x *Node) *Node {
		return fixedPadding(x, 3, images.ChannelsFirst)
	}, ones)
	assert.Equal(t, []int{1, 2, 4, 3}, padded.Shape().Dimensions)
	padded = MustExecOnce(backend, func(x *Node) *Node {
		return fixedPadding(x, 1, images.ChannelsLast)
	}, ones)
	assert.Equal(t, []int{1, 2, 2, 1}, padded.Shape().Dimensions)
}

func TestAddWeightDecay(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.VariableWithValue("w", []float32{1, 2})
	ctx.In("norm").VariableWithValue("scale", []float32{3})
	loss := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		for v := range ctx.IterVariables() {
			_ = v.ValueGraph(g)
		}
		AddWeightDecay(ctx, g, 0.1)
		return train.GetLosses(ctx, g)
	})
	// 0.1 * (1 + 4 + 9) / 2
	assert.InDelta(t, 0.7, tensors.ToScalar[float32](loss), 1e-5)
}
