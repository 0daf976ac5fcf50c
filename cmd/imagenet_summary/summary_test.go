// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/tfrecord"
	"github.com/gomlx/imagenet-predict/ui/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortNames(t *testing.T) {
	assert.Equal(t, []string{"resnet"}, shortNames("/tmp/work/resnet/"))
	assert.Equal(t, []string{"r18", "r50"}, shortNames("/tmp/r18/model", "/tmp/r50/model"))
	assert.Equal(t, []string{"a...x", "b...y"}, shortNames("/a/m/x", "/b/m/y"))
	assert.Empty(t, shortNames())
}

func TestAllEqual(t *testing.T) {
	assert.True(t, allEqual([]string{}))
	assert.True(t, allEqual([]string{"a"}))
	assert.True(t, allEqual([]string{"a", "a", "a"}))
	assert.False(t, allEqual([]string{"a", "a", "b"}))
}

func TestValueStats(t *testing.T) {
	mav, rms, maxAV := valueStats([]float32{3, -4})
	assert.InDelta(t, 3.5, mav, 1e-6)
	assert.InDelta(t, 3.5355339, rms, 1e-6)
	assert.InDelta(t, 4.0, maxAV, 1e-6)
	mav, rms, maxAV = valueStats([]float64{})
	assert.Zero(t, mav+rms+maxAV)
}

// saveModel saves a checkpoint with a few variables, a hyperparameter and a global step.
func saveModel(t *testing.T, modelDir string, batchSize int, step int64) {
	ctx := context.New()
	ctx.SetParam("batch_size", batchSize)
	modelCtx := ctx.In("model")
	modelCtx.In("dense").VariableWithValue("weights", [][]float32{{1, -1}, {2, -2}})
	modelCtx.In("dense").VariableWithValue("bias", []float32{0.5, 0.5})
	optimizers.GetGlobalStepVar(modelCtx).SetValue(tensors.FromValue(step))
	checkpoint, err := checkpoints.Build(ctx).Dir(modelDir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())
}

func TestReportModels(t *testing.T) {
	base := t.TempDir()
	dirs := []string{filepath.Join(base, "small"), filepath.Join(base, "large")}
	saveModel(t, dirs[0], 8, 10)
	saveModel(t, dirs[1], 32, 20)

	ctxs := make([]*context.Context, len(dirs))
	for ii, dir := range dirs {
		var err error
		ctxs[ii], err = loadModel(dir)
		require.NoError(t, err)
	}
	_, err := loadModel(filepath.Join(base, "missing"))
	require.Error(t, err)

	var buf bytes.Buffer
	names := shortNames(dirs...)
	assert.Equal(t, []string{"small", "large"}, names)
	reportParams(&buf, ctxs, names)
	out := buf.String()
	assert.Contains(t, out, "batch_size")
	assert.Contains(t, out, "32")

	buf.Reset()
	scoped := []*context.Context{ctxs[0].InAbsPath("/model"), ctxs[1].InAbsPath("/model")}
	reportSummary(&buf, scoped, names)
	out = buf.String()
	assert.Contains(t, out, "# parameters")
	assert.Contains(t, out, "20")
	step, found := globalStep(scoped[0])
	assert.True(t, found)
	assert.Equal(t, int64(10), step)

	buf.Reset()
	reportVariables(&buf, scoped[0], names[0])
	out = buf.String()
	assert.Contains(t, out, "weights")
	assert.Contains(t, out, "bias")
	assert.Contains(t, out, "1.5") // MAV of the weights.
}

func TestMetricsAndPlot(t *testing.T) {
	modelDir := t.TempDir()
	writer, err := summary.NewWriter(modelDir)
	require.NoError(t, err)
	for step := int64(1); step <= 3; step++ {
		writer.Add("cross_entropy", "loss", "loss", step, 1/float64(step))
		writer.Add("train_accuracy", "acc", "accuracy", step, 0.25*float64(step))
	}
	require.NoError(t, writer.Close())

	points, err := loadMetrics(modelDir, nil, nil)
	require.NoError(t, err)
	assert.Len(t, points.Steps(), 3)
	points, err = loadMetrics(modelDir, nil, []string{"accuracy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"train_accuracy"}, points.MetricsNames())
	points, err = loadMetrics(modelDir, []string{"loss"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cross_entropy"}, points.MetricsNames())

	var buf bytes.Buffer
	require.NoError(t, reportMetrics(&buf, points, "model"))
	assert.Contains(t, buf.String(), "cross_entropy")
	require.Error(t, reportMetrics(&buf, summary.Points{}, "empty"))

	plotPath := filepath.Join(t.TempDir(), "loss.png")
	require.NoError(t, summary.PlotPNG(points, plotPath))
	_, err = os.Stat(plotPath)
	require.NoError(t, err)
}

func TestReportRecords(t *testing.T) {
	dataDir := t.TempDir()
	var buf bytes.Buffer
	require.Error(t, reportRecords(&buf, dataDir))

	for ii, filePath := range dataset.Filenames(dataDir, dataset.Train, 2) {
		require.NoError(t, tfrecord.WriteFile(filePath, make([][]byte, ii+1)))
	}
	buf.Reset()
	require.NoError(t, reportRecords(&buf, dataDir))
	out := buf.String()
	assert.Contains(t, out, "train")
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "validation")
}
