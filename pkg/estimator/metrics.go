// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// Names of the metrics, as they are logged and written to the summaries.
const (
	MetricCrossEntropy  = "cross_entropy"
	MetricTrainAccuracy = "train_accuracy"
	MetricAccuracy      = "accuracy"
	MetricLearningRate  = "learning_rate"
	MetricGlobalStep    = "global_step"
)

// CrossEntropyLoss is the mean softmax cross entropy of the logits with the one-hot labels.
func CrossEntropyLoss(labels, logits []*Node) *Node {
	return ReduceAllMean(losses.CategoricalCrossEntropyLogits(labels[:1], logits[:1]))
}

// OneHotAccuracyGraph returns the fraction of examples where argmax(logits) is argmax(labels), for
// one-hot encoded labels.
func OneHotAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	predicted := ArgMax(logits[0], -1, dtypes.Int32)
	expected := ArgMax(labels[0], -1, dtypes.Int32)
	return ReduceAllMean(ConvertDType(Equal(predicted, expected), logits[0].DType()))
}

func crossEntropyGraph(_ *context.Context, labels, logits []*Node) *Node {
	return CrossEntropyLoss(labels, logits)
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", 100*shapes.ConvertTo[float64](value.Value()))
}

// trainMetrics: cross entropy of the last batch, and the running accuracy since the start of the cycle.
func trainMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewBaseMetric(MetricCrossEntropy, "xent", metrics.LossMetricType, crossEntropyGraph, nil),
		metrics.NewMeanMetric(MetricTrainAccuracy, "acc", metrics.AccuracyMetricType, OneHotAccuracyGraph,
			accuracyPPrint),
	}
}

// evalMetrics: means over the evaluation dataset.
func evalMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewMeanMetric(MetricAccuracy, "acc", metrics.AccuracyMetricType, OneHotAccuracyGraph,
			accuracyPPrint),
		metrics.NewMeanMetric(MetricCrossEntropy, "xent", metrics.LossMetricType, crossEntropyGraph, nil),
	}
}
