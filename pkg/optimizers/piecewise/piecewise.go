// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package piecewise implements a piecewise-constant learning rate schedule: the learning rate takes a
// fixed value between consecutive step boundaries.
//
// With boundaries [b0, b1, ..., bn-1] and values [v0, v1, ..., vn], the learning rate is v0 while
// step <= b0, v1 while b0 < step <= b1, and so on, and vn for step > bn-1.
//
// ResNetSchedule creates the usual ResNet schedule: decay the learning rate by 10x at epochs 30, 60, 80
// and 90, starting from 0.1 scaled by batch_size/256.
package piecewise

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// ParamBoundariesEpochs is the context hyperparameter with the epochs ([]float64) at which the learning
	// rate changes. Converted to steps using ParamBatchSize and ParamNumTrainImages.
	ParamBoundariesEpochs = "piecewise_boundaries_epochs"

	// ParamDecays is the context hyperparameter with the multipliers ([]float64) of the initial learning rate for
	// each interval. It must have one more element than ParamBoundariesEpochs.
	ParamDecays = "piecewise_decays"

	// ParamBatchSize is the context hyperparameter with the training batch size.
	ParamBatchSize = "batch_size"

	// ParamNumTrainImages is the context hyperparameter with the number of training examples per epoch.
	ParamNumTrainImages = "num_train_images"

	// BaseLearningRate is the learning rate for a batch size of BaseBatchSize: the initial learning rate
	// is scaled linearly with the batch size.
	BaseLearningRate = 0.1
	BaseBatchSize    = 256
)

var (
	// DefaultBoundariesEpochs are the epochs where the ResNet schedule decays the learning rate.
	DefaultBoundariesEpochs = []float64{30, 60, 80, 90}

	// DefaultDecays are the multipliers of the initial learning rate of the ResNet schedule.
	DefaultDecays = []float64{1, 0.1, 0.01, 1e-3, 1e-4}
)

// Value returns the learning rate at the given step.
// It assumes boundaries and values are valid, see Check.
func Value(step int64, boundaries []int64, values []float64) float64 {
	for ii, boundary := range boundaries {
		if step <= boundary {
			return values[ii]
		}
	}
	return values[len(values)-1]
}

// Check returns an error if values doesn't have one more element than boundaries, or if boundaries are not
// strictly increasing.
func Check(boundaries []int64, values []float64) error {
	if len(values) != len(boundaries)+1 {
		return errors.Errorf("piecewise schedule requires len(values)=len(boundaries)+1, got %d values and %d boundaries",
			len(values), len(boundaries))
	}
	for ii := 1; ii < len(boundaries); ii++ {
		if boundaries[ii] <= boundaries[ii-1] {
			return errors.Errorf("piecewise schedule boundaries must be strictly increasing, got %v", boundaries)
		}
	}
	return nil
}

// InitialLearningRate returns BaseLearningRate scaled linearly by batchSize/BaseBatchSize.
func InitialLearningRate(batchSize int) float64 {
	return BaseLearningRate * float64(batchSize) / BaseBatchSize
}

// Schedule converts boundaries given in epochs and decays to steps and learning rate values.
// Boundaries are truncated to integer steps.
func Schedule(initialLearningRate float64, batchSize, numTrainImages int, boundariesEpochs, decays []float64) (
	boundaries []int64, values []float64) {
	batchesPerEpoch := float64(numTrainImages) / float64(batchSize)
	boundaries = make([]int64, len(boundariesEpochs))
	for ii, epoch := range boundariesEpochs {
		boundaries[ii] = int64(batchesPerEpoch * epoch)
	}
	values = make([]float64, len(decays))
	for ii, decay := range decays {
		values[ii] = initialLearningRate * decay
	}
	return
}

// ResNetSchedule returns the boundaries (in steps) and values of the ResNet learning rate schedule.
func ResNetSchedule(batchSize, numTrainImages int) (boundaries []int64, values []float64) {
	return Schedule(InitialLearningRate(batchSize), batchSize, numTrainImages, DefaultBoundariesEpochs, DefaultDecays)
}

// Config of the piecewise-constant schedule. Create it with New and call Done to build it into the graph.
type Config struct {
	ctx        *context.Context
	graph      *Graph
	dtype      dtypes.DType
	boundaries []int64
	values     []float64
}

// New creates a piecewise-constant schedule configuration for the learning rate of the optimizer.
//
// Call it at the start of the model function, before the optimizer builds its update:
//
//	func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		piecewise.New(ctx, g, dtypes.Float32).FromContext().Done()
//		...
//	}
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{ctx: ctx, graph: graph, dtype: dtype}
}

// Boundaries sets the steps where the learning rate changes.
func (c *Config) Boundaries(boundaries ...int64) *Config {
	c.boundaries = slices.Clone(boundaries)
	return c
}

// Values sets the learning rate values for each interval.
func (c *Config) Values(values ...float64) *Config {
	c.values = slices.Clone(values)
	return c
}

// FromContext configures the schedule from the context hyperparameters ParamBoundariesEpochs, ParamDecays,
// ParamBatchSize and ParamNumTrainImages.
//
// The initial learning rate is read from optimizers.ParamLearningRate: if it is not set (or 0) it is
// InitialLearningRate(batch_size).
func (c *Config) FromContext() *Config {
	batchSize := context.GetParamOr(c.ctx, ParamBatchSize, 32)
	numTrainImages := context.GetParamOr(c.ctx, ParamNumTrainImages, 0)
	if batchSize <= 0 || numTrainImages <= 0 {
		exceptions.Panicf("piecewise schedule requires positive %q and %q, got %d and %d",
			ParamBatchSize, ParamNumTrainImages, batchSize, numTrainImages)
	}
	lr := context.GetParamOr(c.ctx, optimizers.ParamLearningRate, 0.0)
	if lr <= 0 {
		lr = InitialLearningRate(batchSize)
	}
	epochs := context.GetParamOr(c.ctx, ParamBoundariesEpochs, DefaultBoundariesEpochs)
	decays := context.GetParamOr(c.ctx, ParamDecays, DefaultDecays)
	c.boundaries, c.values = Schedule(lr, batchSize, numTrainImages, epochs, decays)
	return c
}

// Done builds the schedule: during training, it sets the optimizer learning rate variable
// (optimizers.LearningRateVar) from the current global step, before the optimizer increments it.
//
// It's a no-op if not training or if no values were configured.
func (c *Config) Done() {
	if !c.ctx.IsTraining(c.graph) || len(c.values) == 0 {
		return
	}
	if err := Check(c.boundaries, c.values); err != nil {
		panic(err)
	}
	g := c.graph
	step := optimizers.GetGlobalStepVar(c.ctx).ValueGraph(g)
	lr := Scalar(g, c.dtype, c.values[0])
	for ii, boundary := range c.boundaries {
		lr = Where(GreaterThan(step, Const(g, boundary)), Scalar(g, c.dtype, c.values[ii+1]), lr)
	}
	lrVar := optimizers.LearningRateVarWithValue(c.ctx, c.dtype, c.values[0])
	lrVar.SetValueGraph(lr)
}
