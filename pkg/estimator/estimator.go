// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator drives the training, evaluation and prediction of the ResNet image classifier.
//
// An Estimator owns the model context (hyperparameters and variables), the train.Trainer, the checkpoints
// in the model directory and the summaries. Run alternates training cycles and evaluations, and finally
// predicts the labels of the validation and test datasets, writing the test predictions to a file.
package estimator

import (
	stdcontext "context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/optimizers/piecewise"
	"github.com/gomlx/imagenet-predict/pkg/resnet"
	"github.com/gomlx/imagenet-predict/ui/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode selects what Run does.
type Mode string

const (
	// ModeAll trains and evaluates for the configured cycles, and then predicts.
	ModeAll Mode = "all"

	// ModeTrain only trains (and saves checkpoints).
	ModeTrain Mode = "train"

	// ModeEvaluate only evaluates the model in the model directory.
	ModeEvaluate Mode = "evaluate"

	// ModePredict evaluates and predicts using the model in the model directory, without training.
	ModePredict Mode = "predict"
)

// Modes lists the valid values of Mode.
var Modes = []Mode{ModeAll, ModeTrain, ModeEvaluate, ModePredict}

// Config of the Estimator.
type Config struct {
	// DataDir holds the TFRecord shards "train-XXXXX-of-YYYYY", "validation-..." and "test-...".
	DataDir string

	// ModelDir holds the checkpoints and summaries. If empty, nothing is saved.
	ModelDir string

	// NumShards per split. If 0, the shards are discovered in DataDir.
	NumShards int

	// TrainEpochs is the total number of epochs to train, in cycles of EpochsPerEval epochs.
	TrainEpochs, EpochsPerEval int

	// PredictionsPath is the file where the test predictions are written, one label per line.
	// It defaults to "predictions.txt" in ModelDir.
	PredictionsPath string

	// TestLabelOffset is added to the predicted classes written to PredictionsPath.
	TestLabelOffset int

	// NumCheckpoints to keep in ModelDir.
	NumCheckpoints int

	// Mode of Run.
	Mode Mode

	// PredictEveryCycle makes Run predict (and write the predictions file) after every cycle.
	PredictEveryCycle bool

	// LogEveryNSteps and SummaryEveryNSteps set the frequency of the training logs and summaries.
	LogEveryNSteps, SummaryEveryNSteps int

	// MaxSummaryImages is the number of training input images saved in ModelDir, as an image grid.
	MaxSummaryImages int

	// Seed of the training input pipeline. If 0, a time-based seed is used.
	Seed int64

	// ProgressBar displays a progress bar in the terminal while training.
	ProgressBar bool

	// ParamsSet are hyperparameters set by the user for this run: the values saved in the checkpoint are not
	// loaded for them, so they take precedence. They are still saved with the next checkpoint.
	ParamsSet []string

	// Output receives the predictions report. Defaults to os.Stdout.
	Output io.Writer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ModelDir:           "/tmp/resnet_model",
		TrainEpochs:        100,
		EpochsPerEval:      1,
		TestLabelOffset:    -1,
		NumCheckpoints:     3,
		Mode:               ModeAll,
		LogEveryNSteps:     100,
		SummaryEveryNSteps: 100,
		MaxSummaryImages:   summary.MaxImages,
	}
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("a data directory is required")
	}
	if c.TrainEpochs < 0 || c.EpochsPerEval <= 0 {
		return errors.Errorf("invalid epochs configuration: train_epochs=%d must be >= 0 and epochs_per_eval=%d > 0",
			c.TrainEpochs, c.EpochsPerEval)
	}
	if c.NumShards < 0 {
		return errors.Errorf("invalid number of shards %d", c.NumShards)
	}
	if !slices.Contains(Modes, c.Mode) {
		return errors.Errorf("invalid mode %q, valid values are %v", c.Mode, Modes)
	}
	if c.LogEveryNSteps <= 0 || c.SummaryEveryNSteps <= 0 {
		return errors.Errorf("log_every_n_steps (%d) and summary_every_n_steps (%d) must be > 0",
			c.LogEveryNSteps, c.SummaryEveryNSteps)
	}
	return nil
}

// Cycles returns the number of train+evaluate cycles: TrainEpochs / EpochsPerEval.
func (c *Config) Cycles() int {
	return c.TrainEpochs / c.EpochsPerEval
}

// Estimator trains, evaluates and predicts with the ResNet classifier.
type Estimator struct {
	cfg      Config
	backend  backends.Backend
	ctx      *context.Context // Root context: hyperparameters.
	modelCtx *context.Context // Scope of the model variables.

	trainer    *train.Trainer
	checkpoint *checkpoints.Handler
	summaries  *summary.Writer

	mu          sync.Mutex
	datasets    map[dataset.Mode]*dataset.Dataset
	predictExec *context.Exec
	imagesSaved bool
}

// New creates an Estimator for the model with the hyperparameters in ctx (see CreateDefaultContext).
//
// If there are checkpoints in cfg.ModelDir, the latest one is loaded.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var err error
	if cfg.DataDir, err = fsutil.ReplaceTildeInDir(cfg.DataDir); err != nil {
		return nil, err
	}
	if cfg.ModelDir != "" {
		if cfg.ModelDir, err = fsutil.ReplaceTildeInDir(cfg.ModelDir); err != nil {
			return nil, err
		}
	}
	if cfg.PredictionsPath == "" {
		dir := cfg.ModelDir
		if dir == "" {
			dir = "."
		}
		cfg.PredictionsPath = filepath.Join(dir, "predictions.txt")
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	e := &Estimator{
		cfg:      cfg,
		backend:  backend,
		ctx:      ctx,
		datasets: make(map[dataset.Mode]*dataset.Dataset),
	}

	if cfg.ModelDir != "" {
		e.checkpoint, err = checkpoints.Build(ctx).
			Dir(cfg.ModelDir).
			Keep(cfg.NumCheckpoints).
			ExcludeParams(append(slices.Clone(cfg.ParamsSet), ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "loading checkpoints from %q", cfg.ModelDir)
		}
		klog.V(1).Infof("checkpoints in %q", e.checkpoint.Dir())
	}

	// Hyperparameters are read after the checkpoint is loaded: saved values take precedence.
	if format := context.GetParamOr(ctx, resnet.ParamDataFormat, ""); format == "" {
		format = resnet.AutoDataFormat(backend)
		ctx.SetParam(resnet.ParamDataFormat, format)
		klog.V(1).Infof("%s=%q selected for backend %q", resnet.ParamDataFormat, format, backend.Name())
	}
	if _, err = resnet.ParseDataFormat(context.GetParamOr(ctx, resnet.ParamDataFormat, "")); err != nil {
		return nil, err
	}
	size := context.GetParamOr(ctx, resnet.ParamSize, 0)
	if err = resnet.CheckSize(size); err != nil {
		return nil, err
	}
	if e.batchSize() <= 0 {
		return nil, errors.Errorf("invalid %s=%d, it must be > 0", ParamBatchSize, e.batchSize())
	}
	klog.Infof("model: %s, %s=%s", resnet.Describe(size), resnet.ParamDataFormat,
		context.GetParamOr(ctx, resnet.ParamDataFormat, ""))

	if cfg.ModelDir != "" {
		if e.summaries, err = summary.NewWriter(cfg.ModelDir); err != nil {
			return nil, err
		}
	}

	e.modelCtx = ctx.In("model")
	err = exceptions.TryCatch[error](func() {
		e.trainer = train.NewTrainer(backend, e.modelCtx, e.modelGraph, CrossEntropyLoss,
			optimizers.FromContext(e.modelCtx),
			trainMetrics(), evalMetrics())
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating trainer")
	}
	if step := e.GlobalStep(); step > 0 {
		klog.Infof("continuing from global step %d", step)
		e.trainer.SetContext(e.modelCtx.Reuse())
	}
	return e, nil
}

// Close flushes the summaries.
func (e *Estimator) Close() error {
	e.mu.Lock()
	for _, ds := range e.datasets {
		ds.Close()
	}
	e.mu.Unlock()
	if e.summaries == nil {
		return nil
	}
	return e.summaries.Close()
}

// Context returns the root context, with the hyperparameters and model variables.
func (e *Estimator) Context() *context.Context { return e.ctx }

// Trainer used by the Estimator.
func (e *Estimator) Trainer() *train.Trainer { return e.trainer }

// Config returns the configuration, with the defaults filled in.
func (e *Estimator) Config() Config { return e.cfg }

// GlobalStep is the number of training steps so far, including those of the loaded checkpoint.
func (e *Estimator) GlobalStep() int64 {
	return optimizers.GetGlobalStep(e.modelCtx)
}

func (e *Estimator) batchSize() int {
	return context.GetParamOr(e.ctx, ParamBatchSize, 0)
}

// modelGraph implements train.ModelFn: the ResNet logits, with the learning rate schedule and the weight
// decay added during training.
func (e *Estimator) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	piecewise.New(ctx, g, inputs[0].DType()).FromContext().Done()
	logits := resnet.ModelGraph(ctx, spec, inputs)
	resnet.AddWeightDecay(ctx, g, context.GetParamOr(ctx, resnet.ParamWeightDecay, DefaultWeightDecay))
	return logits
}

// Dataset returns the dataset of the given split, creating it on first use.
func (e *Estimator) Dataset(mode dataset.Mode) (*dataset.Dataset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, found := e.datasets[mode]; found {
		return ds, nil
	}
	var files []string
	var err error
	if e.cfg.NumShards > 0 {
		files = dataset.Filenames(e.cfg.DataDir, mode, e.cfg.NumShards)
	} else {
		files, err = dataset.DiscoverShards(e.cfg.DataDir, mode.Prefix())
		if err != nil {
			return nil, err
		}
	}
	builder := dataset.New(mode.String(), files, mode).
		BatchSize(e.batchSize()).
		NumParallelCalls(context.GetParamOr(e.ctx, ParamNumParallelCalls, dataset.DefaultNumParallelCalls))
	if e.cfg.Seed != 0 {
		builder = builder.Seed(e.cfg.Seed)
	}
	ds, err := builder.Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s dataset", mode)
	}
	e.datasets[mode] = ds
	return ds, nil
}

// saveCheckpoint is a no-op if there is no model directory.
func (e *Estimator) saveCheckpoint() error {
	if e.checkpoint == nil {
		return nil
	}
	if err := e.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint at global step %d", e.GlobalStep())
	}
	klog.V(1).Infof("checkpoint saved at global step %d", e.GlobalStep())
	return nil
}

// checkCancelled returns the context error, if it is done.
func checkCancelled(ctx stdcontext.Context) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "estimator interrupted")
	default:
		return nil
	}
}
