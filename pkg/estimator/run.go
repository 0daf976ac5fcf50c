// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	stdcontext "context"
	"fmt"

	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/predictions"
	"github.com/gomlx/imagenet-predict/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run executes the configured Mode:
//
//   - ModeAll: Config.Cycles() cycles of training Config.EpochsPerEval epochs followed by an evaluation,
//     and then the predictions (see PredictAndExport). With Config.PredictEveryCycle, predictions are done
//     after every cycle instead.
//   - ModeTrain: the training cycles only.
//   - ModeEvaluate: one evaluation.
//   - ModePredict: one evaluation followed by the predictions.
//
// ModeEvaluate and ModePredict require a trained model: they fail if no checkpoint with a global step
// above 0 was loaded. It stops between training steps if ctx is cancelled.
func (e *Estimator) Run(ctx stdcontext.Context) error {
	switch e.cfg.Mode {
	case ModeEvaluate:
		if err := e.checkTrained(); err != nil {
			return err
		}
		return e.evaluateAndReport(ctx)
	case ModePredict:
		if err := e.checkTrained(); err != nil {
			return err
		}
		if err := e.evaluateAndReport(ctx); err != nil {
			return err
		}
		return e.PredictAndExport(ctx)
	}

	cycles := e.cfg.Cycles()
	for cycle := range cycles {
		klog.Infof("cycle %d of %d: training %d epochs", cycle+1, cycles, e.cfg.EpochsPerEval)
		if err := e.Train(ctx, e.cfg.EpochsPerEval); err != nil {
			return errors.WithMessagef(err, "cycle %d", cycle+1)
		}
		if e.cfg.Mode == ModeTrain {
			continue
		}
		if err := e.evaluateAndReport(ctx); err != nil {
			return errors.WithMessagef(err, "cycle %d", cycle+1)
		}
		if e.cfg.PredictEveryCycle {
			if err := e.PredictAndExport(ctx); err != nil {
				return errors.WithMessagef(err, "cycle %d", cycle+1)
			}
		}
	}
	if e.cfg.Mode == ModeAll && !e.cfg.PredictEveryCycle {
		return e.PredictAndExport(ctx)
	}
	return nil
}

// checkTrained returns an error if there is no trained model to evaluate or predict with.
func (e *Estimator) checkTrained() error {
	if e.checkpoint == nil || e.GlobalStep() == 0 {
		return errors.Errorf("could not find a trained model in model directory %q, train it first with --mode=%s",
			e.cfg.ModelDir, ModeAll)
	}
	return nil
}

func (e *Estimator) evaluateAndReport(ctx stdcontext.Context) error {
	results, err := e.Evaluate(ctx)
	if err != nil {
		return err
	}
	return commandline.ReportEval(e.cfg.Output, "validation", results)
}

// PredictAndExport predicts the validation dataset, printing one "Evaluation labels <i>: <class>" line per
// example, and the test dataset, printing "Test Data Prediction <i>: <label>" lines and writing the labels
// (class + Config.TestLabelOffset) to Config.PredictionsPath, one per line. Examples are numbered from 1.
func (e *Estimator) PredictAndExport(ctx stdcontext.Context) error {
	evalDS, err := e.Dataset(dataset.Eval)
	if err != nil {
		return err
	}
	evalPredictions, err := e.Predict(ctx, evalDS)
	if err != nil {
		return err
	}
	for ii, p := range evalPredictions {
		if _, err := fmt.Fprintf(e.cfg.Output, "Evaluation labels %d: %d\n", ii+1, p.Class); err != nil {
			return errors.Wrap(err, "writing predictions report")
		}
	}

	testDS, err := e.Dataset(dataset.Test)
	if err != nil {
		return err
	}
	testPredictions, err := e.Predict(ctx, testDS)
	if err != nil {
		return err
	}
	offset := e.cfg.TestLabelOffset
	for ii, p := range testPredictions {
		if _, err := fmt.Fprintf(e.cfg.Output, "Test Data Prediction %d: %d\n", ii+1, p.Class+offset); err != nil {
			return errors.Wrap(err, "writing predictions report")
		}
	}
	if err := predictions.WriteFile(e.cfg.PredictionsPath, Classes(testPredictions), offset); err != nil {
		return err
	}
	klog.Infof("%d test predictions written to %q", len(testPredictions), e.cfg.PredictionsPath)
	return nil
}
