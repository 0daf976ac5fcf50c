// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imagenet_predict trains, evaluates and predicts with a ResNet image classifier over sharded TFRecord
// files ("train-00000-of-00001", "validation-...", "test-...") of tf.Example image records.
//
// After the training cycles it prints the predicted classes of the validation images and writes the
// predicted labels of the test images to --predictions, one integer per line.
//
// Example:
//
//	imagenet_predict --data_dir=~/data/flowers --model_dir=~/work/resnet --resnet_size=18 \
//		--train_epochs=10 -set="batch_size=16;momentum=0.9"
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/estimator"
	"github.com/gomlx/imagenet-predict/pkg/resnet"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	defaults = estimator.DefaultConfig()

	flagDataDir  = flag.String("data_dir", "", "The directory where the TFRecord shards are stored.")
	flagModelDir = flag.String("model_dir", defaults.ModelDir,
		"The directory where the model checkpoints and summaries are stored. If empty, nothing is saved.")
	flagResNetSize = flag.Int("resnet_size", 50,
		fmt.Sprintf("The size of the ResNet model to use, one of %v.", resnet.Sizes()))
	flagTrainEpochs   = flag.Int("train_epochs", defaults.TrainEpochs, "The number of epochs to train.")
	flagEpochsPerEval = flag.Int("epochs_per_eval", defaults.EpochsPerEval,
		"The number of training epochs to run between evaluations.")
	flagBatchSize  = flag.Int("batch_size", 32, "Batch size for training and evaluation.")
	flagDataFormat = flag.String("data_format", "",
		fmt.Sprintf("A flag to override the data format used in the model: %q or %q. "+
			"If empty, it is selected based on the backend.", resnet.ChannelsFirst, resnet.ChannelsLast))

	flagPredictions = flag.String("predictions", "",
		"File where to write the test predictions, one label per line. Defaults to predictions.txt in --model_dir.")
	flagTestLabelOffset = flag.Int("test_label_offset", defaults.TestLabelOffset,
		"Value added to the predicted classes of the test dataset before writing them.")
	flagMode = flag.String("mode", string(defaults.Mode),
		fmt.Sprintf("What to run, one of %v.", estimator.Modes))
	flagNumShards = flag.Int("num_shards", dataset.DefaultNumShards,
		"Number of shards of each split. If 0, the shards are discovered in --data_dir.")
	flagPredictEveryCycle = flag.Bool("predict_every_cycle", false,
		"Predict (and write --predictions) after every training cycle, instead of only at the end.")
	flagNumCheckpoints = flag.Int("num_checkpoints", defaults.NumCheckpoints, "Number of checkpoints to keep.")
	flagLogEvery       = flag.Int("log_every_n_steps", defaults.LogEveryNSteps,
		"Log the learning rate, cross entropy and train accuracy every n steps.")
	flagSummaryEvery = flag.Int("summary_every_n_steps", defaults.SummaryEveryNSteps,
		"Save the training metrics to the summaries every n steps.")
	flagSeed      = flag.Int64("seed", 0, "Seed of the training input pipeline. If 0, a time based one is used.")
	flagVerbosity = flag.Int("verbosity", 1,
		"Level of verbosity: 0 prints only the results, 1 adds a progress bar, 2 prints the hyperparameters.")
)

func main() {
	ctx := estimator.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(ctx, *settings); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// setFlagParams copies the model flags that were explicitly given to the context hyperparameters, and
// returns their names, so they are not overridden by the values saved in the checkpoint.
func setFlagParams(ctx *context.Context) (paramsSet []string) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "resnet_size":
			ctx.SetParam(resnet.ParamSize, *flagResNetSize)
		case "batch_size":
			ctx.SetParam(estimator.ParamBatchSize, *flagBatchSize)
		case "data_format":
			ctx.SetParam(resnet.ParamDataFormat, *flagDataFormat)
		default:
			return
		}
		paramsSet = append(paramsSet, map[string]string{
			"resnet_size": resnet.ParamSize,
			"batch_size":  estimator.ParamBatchSize,
			"data_format": resnet.ParamDataFormat,
		}[f.Name])
	})
	return
}

func run(ctx *context.Context, settings string) error {
	if *flagDataDir == "" {
		return errors.New("--data_dir is required")
	}
	if !slices.Contains(estimator.Modes, estimator.Mode(*flagMode)) {
		return errors.Errorf("invalid --mode=%q, valid values are %v", *flagMode, estimator.Modes)
	}
	paramsSet := setFlagParams(ctx)
	settingsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return errors.WithMessage(err, "parsing -set")
	}
	paramsSet = append(paramsSet, settingsSet...)
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	cfg := estimator.DefaultConfig()
	cfg.DataDir = fsutil.MustReplaceTildeInDir(*flagDataDir)
	cfg.ModelDir = *flagModelDir
	cfg.NumShards = *flagNumShards
	cfg.TrainEpochs = *flagTrainEpochs
	cfg.EpochsPerEval = *flagEpochsPerEval
	cfg.PredictionsPath = *flagPredictions
	if cfg.PredictionsPath != "" {
		cfg.PredictionsPath = fsutil.MustReplaceTildeInDir(cfg.PredictionsPath)
	}
	cfg.TestLabelOffset = *flagTestLabelOffset
	cfg.NumCheckpoints = *flagNumCheckpoints
	cfg.Mode = estimator.Mode(*flagMode)
	cfg.PredictEveryCycle = *flagPredictEveryCycle
	cfg.LogEveryNSteps = *flagLogEvery
	cfg.SummaryEveryNSteps = *flagSummaryEvery
	cfg.Seed = *flagSeed
	cfg.ProgressBar = *flagVerbosity >= 1
	cfg.ParamsSet = paramsSet

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	e, err := estimator.New(backend, ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { must.M(e.Close()) }()

	// Ctrl+C stops at the next training step: the progress so far is saved in a checkpoint.
	runCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.Run(runCtx)
}
