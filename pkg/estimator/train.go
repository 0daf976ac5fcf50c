// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	stdcontext "context"
	"fmt"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/ui/commandline"
	"github.com/gomlx/imagenet-predict/ui/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SummaryImagesFileName is the image grid of training inputs saved in the model directory.
const SummaryImagesFileName = "images.png"

// LearningRate returns the current value of the learning rate variable, or 0 if it was not created yet.
func (e *Estimator) LearningRate() float64 {
	v := e.modelCtx.GetVariableByScopeAndName(e.modelCtx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate)
	if v == nil {
		return 0
	}
	value, err := v.Value()
	if err != nil {
		return 0
	}
	return shapes.ConvertTo[float64](value.Value())
}

// trainMetricsValues maps the train metrics names to their values.
func (e *Estimator) trainMetricsValues(metrics []*tensors.Tensor) map[string]float64 {
	values := make(map[string]float64, len(metrics))
	for ii, metric := range e.trainer.TrainMetrics() {
		if ii < len(metrics) {
			values[metric.Name()] = shapes.ConvertTo[float64](metrics[ii].Value())
		}
	}
	return values
}

// newLoop creates a train.Loop with the logging, summaries and cancellation hooks.
func (e *Estimator) newLoop(ctx stdcontext.Context) *train.Loop {
	loop := train.NewLoop(e.trainer)
	if e.cfg.ProgressBar {
		commandline.AttachProgressBar(loop, func() (string, string) {
			return MetricLearningRate, fmt.Sprintf("%.3g", e.LearningRate())
		})
	}

	// Cancellation is checked between steps.
	loop.OnStep("cancellation", -1, func(_ *train.Loop, _ []*tensors.Tensor) error {
		return checkCancelled(ctx)
	})

	train.EveryNSteps(loop, e.cfg.LogEveryNSteps, "logging", 0,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			values := e.trainMetricsValues(metrics)
			klog.Infof("step %d: %s=%.4g, %s=%.4f, %s=%.4f", e.GlobalStep(),
				MetricLearningRate, e.LearningRate(),
				MetricCrossEntropy, values[MetricCrossEntropy],
				MetricTrainAccuracy, values[MetricTrainAccuracy])
			return nil
		})

	if e.summaries != nil {
		train.EveryNSteps(loop, e.cfg.SummaryEveryNSteps, "summaries", 0,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				step := e.GlobalStep()
				for ii, metric := range e.trainer.TrainMetrics() {
					if ii < len(metrics) {
						e.summaries.Add(metric.Name(), metric.ShortName(), metric.MetricType(), step,
							shapes.ConvertTo[float64](metrics[ii].Value()))
					}
				}
				e.summaries.Add(MetricLearningRate, "lr", MetricLearningRate, step, e.LearningRate())
				return nil
			})
	}
	return loop
}

// saveSummaryImages saves a grid with the first training images, once per Estimator.
func (e *Estimator) saveSummaryImages(ds *dataset.Dataset) {
	if e.imagesSaved || e.cfg.ModelDir == "" || e.cfg.MaxSummaryImages <= 0 {
		return
	}
	e.imagesSaved = true
	images, err := ds.Sample(e.cfg.MaxSummaryImages)
	if err == nil {
		err = summary.ImageGrid(images, e.cfg.MaxSummaryImages, e.cfg.MaxSummaryImages,
			filepath.Join(e.cfg.ModelDir, SummaryImagesFileName))
	}
	if err != nil {
		klog.Warningf("failed to save summary images: %+v", err)
	}
}

// Train the model for the given number of epochs over the training dataset, and then save a checkpoint.
//
// If the hyperparameter ParamUpdateBatchNormAverages is set, the batch normalization averages are
// recomputed over the validation dataset before saving.
func (e *Estimator) Train(ctx stdcontext.Context, epochs int) error {
	if epochs <= 0 {
		return nil
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	ds, err := e.Dataset(dataset.Train)
	if err != nil {
		return err
	}
	e.saveSummaryImages(ds)
	loop := e.newLoop(ctx)
	startStep := e.GlobalStep()
	metrics, err := loop.RunEpochs(ds, epochs)
	if err != nil {
		// Save what was trained so far, unless nothing was.
		if e.GlobalStep() > startStep {
			if saveErr := e.saveCheckpoint(); saveErr != nil {
				klog.Errorf("failed to save checkpoint after error: %+v", saveErr)
			}
		}
		return errors.WithMessagef(err, "training %d epochs from global step %d", epochs, startStep)
	}
	if len(metrics) > 0 {
		values := e.trainMetricsValues(metrics)
		klog.Infof("trained %d epochs to global step %d (median step time %s): %s=%.4f, %s=%.4f",
			epochs, e.GlobalStep(), commandline.FormatDuration(loop.MedianTrainStepDuration()),
			MetricCrossEntropy, values[MetricCrossEntropy], MetricTrainAccuracy, values[MetricTrainAccuracy])
	}

	if context.GetParamOr(e.ctx, ParamUpdateBatchNormAverages, false) {
		evalDS, err := e.Dataset(dataset.Eval)
		if err != nil {
			return err
		}
		e.ctx.SetParam(batchnorm.AveragesUpdatesTriggerParam, true)
		updated, err := batchnorm.UpdateAverages(e.trainer, evalDS)
		evalDS.Reset()
		if err != nil {
			return errors.WithMessage(err, "updating batch normalization averages")
		}
		if updated {
			klog.V(1).Infof("updated batch normalization averages")
		}
	}
	return e.saveCheckpoint()
}
