// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/optimizers/momentum"
	"github.com/gomlx/imagenet-predict/pkg/optimizers/piecewise"
	"github.com/gomlx/imagenet-predict/pkg/resnet"
)

const (
	// ParamBatchSize is the batch size used for training, evaluation and prediction.
	ParamBatchSize = piecewise.ParamBatchSize

	// ParamUpdateBatchNormAverages triggers recomputing the batch normalization averages over the validation
	// dataset at the end of each training cycle, before saving the checkpoint.
	ParamUpdateBatchNormAverages = "batchnorm_update_averages"

	// ParamNumParallelCalls is the number of records decoded concurrently by the input pipeline.
	ParamNumParallelCalls = "num_parallel_calls"

	// DefaultWeightDecay applied to all trainable variables.
	DefaultWeightDecay = 1e-4
)

// ParamsExcludedFromSaving are the hyperparameters that are not loaded from the checkpoints: they are
// local to a run, and can be changed when training continues from a checkpoint.
var ParamsExcludedFromSaving = []string{
	ParamBatchSize, ParamUpdateBatchNormAverages, ParamNumParallelCalls,
	piecewise.ParamNumTrainImages,
}

// CreateDefaultContext returns a context with the default hyperparameters of the image classifier:
// ResNet-50 trained with momentum 0.9 and the piecewise ResNet learning rate schedule.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model.
		resnet.ParamSize:        50,
		resnet.ParamDataFormat:  "", // Selected from the backend.
		resnet.ParamNumClasses:  dataset.NumClasses,
		resnet.ParamWeightDecay: DefaultWeightDecay,

		// Input pipeline.
		ParamBatchSize:        32,
		ParamNumParallelCalls: dataset.DefaultNumParallelCalls,

		// Optimizer and learning rate schedule. A learning rate of 0 means 0.1 * batch_size / 256.
		optimizers.ParamOptimizer:       momentum.Name,
		optimizers.ParamLearningRate:    0.0,
		momentum.ParamMomentum:          momentum.DefaultMomentum,
		momentum.ParamNesterov:          false,
		piecewise.ParamNumTrainImages:   dataset.NumImages[dataset.Train.Prefix()],
		piecewise.ParamBoundariesEpochs: piecewise.DefaultBoundariesEpochs,
		piecewise.ParamDecays:           piecewise.DefaultDecays,

		ParamUpdateBatchNormAverages: false,
	})
	return ctx
}
