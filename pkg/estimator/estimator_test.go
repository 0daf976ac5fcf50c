// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"bytes"
	stdcontext "context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/optimizers/piecewise"
	"github.com/gomlx/imagenet-predict/pkg/predictions"
	"github.com/gomlx/imagenet-predict/pkg/resnet"
	"github.com/gomlx/imagenet-predict/pkg/tfexample"
	"github.com/gomlx/imagenet-predict/pkg/tfrecord"
	"github.com/gomlx/imagenet-predict/ui/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "data directory is required")
	cfg.DataDir = "/data"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Cycles())
	cfg.TrainEpochs, cfg.EpochsPerEval = 10, 3
	assert.Equal(t, 3, cfg.Cycles())

	for name, modify := range map[string]func(c *Config){
		"epochs_per_eval": func(c *Config) { c.EpochsPerEval = 0 },
		"train_epochs":    func(c *Config) { c.TrainEpochs = -1 },
		"num_shards":      func(c *Config) { c.NumShards = -2 },
		"mode":            func(c *Config) { c.Mode = "fit" },
		"log_every":       func(c *Config) { c.LogEveryNSteps = 0 },
	} {
		bad := cfg
		modify(&bad)
		require.Error(t, bad.Validate(), name)
	}
}

// writeSplit writes a single shard of the split, one solid image per label.
func writeSplit(t *testing.T, dataDir string, mode dataset.Mode, labels ...int64) {
	payloads := make([][]byte, len(labels))
	for ii, label := range labels {
		img := imaging.New(220, 200, color.NRGBA{R: uint8(40 * label), G: uint8(20 * ii), B: 128, A: 255})
		var buf bytes.Buffer
		require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
		rec := tfexample.NewImageRecord()
		rec.Encoded = buf.Bytes()
		rec.Format = "png"
		rec.Filename = fmt.Sprintf("%s_%d.png", mode, ii)
		rec.Label = label
		payloads[ii] = rec.Encode()
	}
	filePath := dataset.Filenames(dataDir, mode, 1)[0]
	require.NoError(t, tfrecord.WriteFile(filePath, payloads))
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training test in short mode.")
	}
	dataDir := t.TempDir()
	modelDir := filepath.Join(t.TempDir(), "model")
	writeSplit(t, dataDir, dataset.Train, 0, 1, 2, 3)
	writeSplit(t, dataDir, dataset.Eval, 4, 5, 0)
	writeSplit(t, dataDir, dataset.Test, -1, -1, -1)

	backend := graphtest.BuildTestBackend()
	newContext := func() *context.Context {
		ctx := CreateDefaultContext()
		ctx.SetParams(map[string]any{
			resnet.ParamSize:              18,
			resnet.ParamDataFormat:        resnet.ChannelsLast,
			ParamBatchSize:                2,
			piecewise.ParamNumTrainImages: 4,
		})
		return ctx
	}
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.ModelDir = modelDir
	cfg.TrainEpochs, cfg.EpochsPerEval = 1, 1
	cfg.LogEveryNSteps, cfg.SummaryEveryNSteps = 1, 1
	cfg.Seed = 42
	var output bytes.Buffer
	cfg.Output = &output

	e, err := New(backend, newContext(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Run(stdcontext.Background()))
	require.NoError(t, e.Close())
	assert.Equal(t, int64(2), e.GlobalStep())
	// Learning rate of the first interval: 0.1 * 2 / 256.
	assert.InDelta(t, 0.1*2/256, e.LearningRate(), 1e-7)

	out := output.String()
	for ii := 1; ii <= 3; ii++ {
		assert.Contains(t, out, fmt.Sprintf("Evaluation labels %d: ", ii))
		assert.Contains(t, out, fmt.Sprintf("Test Data Prediction %d: ", ii))
	}
	assert.False(t, strings.Contains(out, "Evaluation labels 4:"))

	labels, err := predictions.ReadFile(filepath.Join(modelDir, "predictions.txt"))
	require.NoError(t, err)
	require.Len(t, labels, 3)
	for _, label := range labels {
		assert.True(t, label >= -1 && label < dataset.NumClasses-1, "label %d out of range", label)
	}

	points, err := summary.LoadPointsFromDir(modelDir)
	require.NoError(t, err)
	last := summary.NewPoints(points).Last()
	assert.Contains(t, last, "eval/"+MetricAccuracy)
	assert.Contains(t, last, MetricLearningRate)
	_, err = os.Stat(filepath.Join(modelDir, SummaryImagesFileName))
	require.NoError(t, err)

	// A new Estimator in predict mode continues from the checkpoint.
	cfg.Mode = ModePredict
	cfg.PredictionsPath = filepath.Join(modelDir, "again", "predictions.txt")
	output.Reset()
	e2, err := New(backend, newContext(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e2.GlobalStep())
	require.NoError(t, e2.Run(stdcontext.Background()))
	require.NoError(t, e2.Close())
	labels2, err := predictions.ReadFile(cfg.PredictionsPath)
	require.NoError(t, err)
	assert.Equal(t, labels, labels2)
	assert.Equal(t, int64(2), e2.GlobalStep())
}

func TestCancelled(t *testing.T) {
	dataDir := t.TempDir()
	writeSplit(t, dataDir, dataset.Train, 0, 1)
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.ModelDir = ""
	ctx := CreateDefaultContext()
	ctx.SetParam(resnet.ParamDataFormat, resnet.ChannelsLast)
	e, err := New(graphtest.BuildTestBackend(), ctx, cfg)
	require.NoError(t, err)
	cancelled, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	err = e.Train(cancelled, 1)
	require.ErrorIs(t, err, stdcontext.Canceled)
	assert.Equal(t, int64(0), e.GlobalStep())
}

func TestUntrainedModel(t *testing.T) {
	dataDir := t.TempDir()
	writeSplit(t, dataDir, dataset.Eval, 0, 1)
	writeSplit(t, dataDir, dataset.Test, -1)
	modelDir := filepath.Join(t.TempDir(), "model")
	for _, mode := range []Mode{ModeEvaluate, ModePredict} {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		cfg.ModelDir = modelDir
		cfg.Mode = mode
		cfg.Output = &bytes.Buffer{}
		ctx := CreateDefaultContext()
		ctx.SetParam(resnet.ParamDataFormat, resnet.ChannelsLast)
		e, err := New(graphtest.BuildTestBackend(), ctx, cfg)
		require.NoError(t, err)
		err = e.Run(stdcontext.Background())
		require.ErrorContains(t, err, "could not find a trained model", "mode %s", mode)
		require.NoError(t, e.Close())
		_, err = os.Stat(e.Config().PredictionsPath)
		require.True(t, os.IsNotExist(err), "no predictions should be written in mode %s", mode)
	}

	// Without a model directory there is never a trained model.
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.ModelDir = ""
	cfg.Mode = ModePredict
	e, err := New(graphtest.BuildTestBackend(), CreateDefaultContext(), cfg)
	require.NoError(t, err)
	require.ErrorContains(t, e.Run(stdcontext.Background()), "could not find a trained model")
}

func TestTrainDataError(t *testing.T) {
	dataDir := t.TempDir()
	rec := tfexample.NewImageRecord()
	rec.Encoded = []byte("not an image")
	filePath := dataset.Filenames(dataDir, dataset.Train, 1)[0]
	require.NoError(t, tfrecord.WriteFile(filePath, [][]byte{rec.Encode(), rec.Encode()}))

	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.ModelDir = ""
	ctx := CreateDefaultContext()
	ctx.SetParam(resnet.ParamDataFormat, resnet.ChannelsLast)
	ctx.SetParam(ParamBatchSize, 2)
	e, err := New(graphtest.BuildTestBackend(), ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()
	err = e.Train(stdcontext.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), filePath)
	assert.Contains(t, err.Error(), "record #0")
	assert.Equal(t, int64(0), e.GlobalStep())
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ModelDir = ""

	ctx := CreateDefaultContext()
	ctx.SetParam(resnet.ParamSize, 42)
	_, err := New(backend, ctx, cfg)
	require.ErrorContains(t, err, "invalid ResNet size")

	ctx = CreateDefaultContext()
	ctx.SetParam(resnet.ParamDataFormat, "NHWC")
	_, err = New(backend, ctx, cfg)
	require.Error(t, err)

	ctx = CreateDefaultContext()
	ctx.SetParam(ParamBatchSize, 0)
	_, err = New(backend, ctx, cfg)
	require.Error(t, err)

	// Missing shards are reported when the dataset is first used.
	e, err := New(backend, CreateDefaultContext(), cfg)
	require.NoError(t, err)
	_, err = e.Dataset(dataset.Eval)
	require.Error(t, err)
}
