// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	stdcontext "context"
	"io"
	"maps"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/resnet"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Prediction for one example.
type Prediction struct {
	// Class is the argmax of the logits.
	Class int

	// Probabilities are the softmax of the logits.
	Probabilities []float32

	// Filename of the image, as stored in the record (may be empty).
	Filename string
}

// Evaluate the model over one pass of the validation dataset. The results include MetricAccuracy,
// MetricCrossEntropy and MetricGlobalStep.
func (e *Estimator) Evaluate(ctx stdcontext.Context) (map[string]float64, error) {
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	ds, err := e.Dataset(dataset.Eval)
	if err != nil {
		return nil, err
	}
	ds.Reset()
	values, err := e.trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating")
	}
	results := make(map[string]float64, len(values)+1)
	for ii, metric := range e.trainer.EvalMetrics() {
		if ii < len(values) {
			results[metric.Name()] = shapes.ConvertTo[float64](values[ii].Value())
		}
	}
	step := e.GlobalStep()
	results[MetricGlobalStep] = float64(step)
	klog.Infof("evaluation at step %d: %s=%.4f, %s=%.4f", step,
		MetricAccuracy, results[MetricAccuracy], MetricCrossEntropy, results[MetricCrossEntropy])
	if e.summaries != nil {
		for _, name := range slices.Sorted(maps.Keys(results)) {
			if name == MetricGlobalStep {
				continue
			}
			e.summaries.Add("eval/"+name, "eval/"+name, metricType(name), step, results[name])
		}
	}
	return results, nil
}

func metricType(name string) string {
	if name == MetricAccuracy {
		return "accuracy"
	}
	return "loss"
}

// buildPredictExec compiles (lazily, on first use) the inference graph: classes and probabilities.
func (e *Estimator) buildPredictExec() (*context.Exec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.predictExec != nil {
		return e.predictExec, nil
	}
	exec, err := context.NewExec(e.backend, e.modelCtx.Reuse(),
		func(ctx *context.Context, images *Node) (*Node, *Node) {
			logits := resnet.ModelGraph(ctx, nil, []*Node{images})[0]
			return ArgMax(logits, -1, dtypes.Int32), ConvertDType(Softmax(logits), dtypes.Float32)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "creating prediction graph")
	}
	e.predictExec = exec
	return exec, nil
}

// Predict the classes of all the examples of ds, in order. The dataset is reset before and after.
func (e *Estimator) Predict(ctx stdcontext.Context, ds *dataset.Dataset) ([]Prediction, error) {
	exec, err := e.buildPredictExec()
	if err != nil {
		return nil, err
	}
	ds.Reset()
	defer ds.Reset()
	var bar *progressbar.ProgressBar
	if e.cfg.ProgressBar {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("predicting "+ds.Name()),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionClearOnFinish())
	}
	var results []Prediction
	for {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		batch, err := ds.YieldBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "predicting %s", ds.Name())
		}
		classesT, probsT, err := exec.Exec2(batch.Images)
		if err != nil {
			return nil, errors.WithMessagef(err, "predicting %s", ds.Name())
		}
		batchSize := classesT.Shape().Dimensions[0]
		classes := tensors.MustCopyFlatData[int32](classesT)
		probs := tensors.MustCopyFlatData[float32](probsT)
		numClasses := len(probs) / batchSize
		for ii := range batchSize {
			results = append(results, Prediction{
				Class:         int(classes[ii]),
				Probabilities: probs[ii*numClasses : (ii+1)*numClasses],
				Filename:      batch.Info.Filenames[ii],
			})
		}
		for _, t := range []*tensors.Tensor{batch.Images, batch.Labels, classesT, probsT} {
			t.MustFinalizeAll()
		}
		if bar != nil {
			_ = bar.Add(batchSize)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	klog.V(1).Infof("predicted %d examples of %s", len(results), ds.Name())
	return results, nil
}

// Classes extracts the predicted classes.
func Classes(predictions []Prediction) []int {
	classes := make([]int, len(predictions))
	for ii, p := range predictions {
		classes[ii] = p.Class
	}
	return classes
}
