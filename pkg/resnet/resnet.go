// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet builds ResNet v2 (pre-activation) image classification models, as described in
// "Identity Mappings in Deep Residual Networks", https://arxiv.org/abs/1603.05027.
//
// Use New to build the logits for a batch of images, or ModelGraph as a train.ModelFn configured with the
// context hyperparameters.
package resnet

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
)

const (
	// ParamSize is the context hyperparameter with the ResNet size (number of layers), one of ValidSizes.
	ParamSize = "resnet_size"

	// ParamDataFormat is the context hyperparameter with the data format used internally by the model:
	// "channels_first" or "channels_last". Inputs are always given channels-last.
	ParamDataFormat = "data_format"

	// ParamNumClasses is the context hyperparameter with the number of output classes.
	ParamNumClasses = "num_classes"

	// ParamWeightDecay is the context hyperparameter with the weight decay (L2) applied to all trainable variables.
	ParamWeightDecay = "weight_decay"
)

const (
	ChannelsFirst = "channels_first"
	ChannelsLast  = "channels_last"

	BatchNormMomentum = 0.997
	BatchNormEpsilon  = 1e-5
	DefaultNumClasses = 1001
)

// BlockKind is the type of residual block used by a ResNet.
type BlockKind int

const (
	// Building blocks have two 3x3 convolutions.
	Building BlockKind = iota

	// Bottleneck blocks have 1x1, 3x3, 1x1 convolutions, the last one with 4x the number of filters.
	Bottleneck
)

// Config of a ResNet: block kind and number of blocks in each of the 4 stages.
type Config struct {
	Block  BlockKind
	Layers [4]int
}

// ValidSizes maps the supported ResNet sizes to their configuration.
var ValidSizes = map[int]Config{
	18:  {Building, [4]int{2, 2, 2, 2}},
	34:  {Building, [4]int{3, 4, 6, 3}},
	50:  {Bottleneck, [4]int{3, 4, 6, 3}},
	101: {Bottleneck, [4]int{3, 4, 23, 3}},
	152: {Bottleneck, [4]int{3, 8, 36, 3}},
	200: {Bottleneck, [4]int{3, 24, 36, 3}},
}

// Sizes returns the valid sizes, sorted.
func Sizes() []int {
	return slices.Sorted(maps.Keys(ValidSizes))
}

// CheckSize returns an error if size is not one of ValidSizes.
func CheckSize(size int) error {
	if _, found := ValidSizes[size]; !found {
		return errors.Errorf("invalid ResNet size %d, valid sizes are %v", size, Sizes())
	}
	return nil
}

// ParseDataFormat converts "channels_first" or "channels_last" to the corresponding images.ChannelsAxisConfig.
func ParseDataFormat(dataFormat string) (images.ChannelsAxisConfig, error) {
	switch dataFormat {
	case ChannelsFirst:
		return images.ChannelsFirst, nil
	case ChannelsLast:
		return images.ChannelsLast, nil
	}
	return images.ChannelsLast, errors.Errorf("invalid data format %q, valid values are %q or %q",
		dataFormat, ChannelsFirst, ChannelsLast)
}

// AutoDataFormat returns the data format best suited for the backend: channels-first for GPUs and
// channels-last otherwise.
func AutoDataFormat(backend backends.Backend) string {
	desc := strings.ToLower(backend.Name() + " " + backend.Description())
	for _, accelerator := range []string{"cuda", "gpu", "rocm"} {
		if strings.Contains(desc, accelerator) {
			return ChannelsFirst
		}
	}
	return ChannelsLast
}

// Builder of a ResNet model. Create it with New, configure it and call Done.
type Builder struct {
	ctx        *context.Context
	x          *Node
	size       int
	numClasses int
	format     images.ChannelsAxisConfig

	bnMomentum, bnEpsilon float64
}

// New creates a ResNet v2 builder of the given size (one of ValidSizes) for the images x, shaped
// [batch_size, height, width, channels] (channels-last).
//
// Variables are created in ctx. Call Builder.Done to get the logits.
func New(ctx *context.Context, x *Node, size int) *Builder {
	return &Builder{
		ctx:        ctx,
		x:          x,
		size:       size,
		numClasses: DefaultNumClasses,
		format:     images.ChannelsLast,
		bnMomentum: BatchNormMomentum,
		bnEpsilon:  BatchNormEpsilon,
	}
}

// NumClasses sets the number of output logits. Default is DefaultNumClasses.
func (b *Builder) NumClasses(numClasses int) *Builder {
	b.numClasses = numClasses
	return b
}

// DataFormat sets the layout used internally by the model. If ChannelsFirst, the images are transposed
// at the start of the model. Default is images.ChannelsLast.
func (b *Builder) DataFormat(format images.ChannelsAxisConfig) *Builder {
	b.format = format
	return b
}

// BatchNorm configures the momentum and epsilon of the batch normalization layers.
// Defaults are BatchNormMomentum and BatchNormEpsilon.
func (b *Builder) BatchNorm(momentum, epsilon float64) *Builder {
	b.bnMomentum = momentum
	b.bnEpsilon = epsilon
	return b
}

// Done builds the model and returns the logits, shaped [batch_size, numClasses].
func (b *Builder) Done() *Node {
	cfg, found := ValidSizes[b.size]
	if !found {
		exceptions.Panicf("invalid ResNet size %d, valid sizes are %v", b.size, Sizes())
	}
	if b.x.Rank() != 4 {
		exceptions.Panicf("ResNet images must be shaped [batch_size, height, width, channels], got %s", b.x.Shape())
	}
	ctx := b.ctx
	batchSize := b.x.Shape().Dimensions[0]
	x := b.x
	if b.format == images.ChannelsFirst {
		x = TransposeAllDims(x, 0, 3, 1, 2)
	}

	x = b.convFixedPadding(ctx.In("initial_conv"), x, 64, 7, 2)
	x = MaxPool(x).ChannelsAxis(b.format).Window(3).Strides(2).PadSame().Done()

	filters := 64
	for stage, numBlocks := range cfg.Layers {
		strides := 2
		if stage == 0 {
			strides = 1
		}
		stageCtx := ctx.Inf("stage_%d", stage)
		for blockIdx := range numBlocks {
			blockCtx := stageCtx.Inf("block_%02d", blockIdx)
			projection := blockIdx == 0
			blockStrides := 1
			if blockIdx == 0 {
				blockStrides = strides
			}
			if cfg.Block == Building {
				x = b.buildingBlock(blockCtx, x, filters, blockStrides, projection)
			} else {
				x = b.bottleneckBlock(blockCtx, x, filters, blockStrides, projection)
			}
		}
		filters *= 2
	}

	x = b.batchNormRelu(ctx.In("final_norm"), x)
	x = ReduceMean(x, images.GetSpatialAxes(x, b.format)...)
	logits := layers.Dense(ctx.In("logits"), x, true, b.numClasses)
	logits.AssertDims(batchSize, b.numClasses)
	return logits
}

func (b *Builder) batchNormRelu(ctx *context.Context, x *Node) *Node {
	x = batchnorm.New(ctx, x, images.GetChannelsAxis(x, b.format)).
		Momentum(b.bnMomentum).
		Epsilon(b.bnEpsilon).
		Done()
	return activations.Relu(x)
}

// convFixedPadding convolves x without bias. Strided convolutions pad the input explicitly, independently
// of its size, so the output dimensions only depend on the strides.
func (b *Builder) convFixedPadding(ctx *context.Context, x *Node, filters, kernelSize, strides int) *Node {
	if strides > 1 {
		x = fixedPadding(x, kernelSize, b.format)
	}
	conv := layers.Convolution(ctx, x).
		Channels(filters).
		KernelSize(kernelSize).
		Strides(strides).
		UseBias(false).
		ChannelsAxis(b.format)
	if strides > 1 {
		return conv.NoPadding().Done()
	}
	return conv.PadSame().Done()
}

// fixedPadding pads the spatial axes of x with zeros, kernelSize-1 in total, split as evenly as possible
// between the start and the end.
//
// It concatenates zeros instead of using Pad, so it runs on backends without Pad (SimpleGo).
func fixedPadding(x *Node, kernelSize int, format images.ChannelsAxisConfig) *Node {
	padTotal := kernelSize - 1
	padStart := padTotal / 2
	padEnd := padTotal - padStart
	g := x.Graph()
	zeros := func(axis, size int) *Node {
		dims := slices.Clone(x.Shape().Dimensions)
		dims[axis] = size
		return Zeros(g, shapes.Make(x.DType(), dims...))
	}
	for _, axis := range images.GetSpatialAxes(x, format) {
		parts := make([]*Node, 0, 3)
		if padStart > 0 {
			parts = append(parts, zeros(axis, padStart))
		}
		parts = append(parts, x)
		if padEnd > 0 {
			parts = append(parts, zeros(axis, padEnd))
		}
		if len(parts) > 1 {
			x = Concatenate(parts, axis)
		}
	}
	return x
}

// buildingBlock: BN → ReLU → conv3x3 → BN → ReLU → conv3x3, plus shortcut.
func (b *Builder) buildingBlock(ctx *context.Context, x *Node, filters, strides int, projection bool) *Node {
	preActivated := b.batchNormRelu(ctx.In("norm_0"), x)
	shortcut := x
	if projection {
		shortcut = b.convFixedPadding(ctx.In("projection"), preActivated, filters, 1, strides)
	}
	x = b.convFixedPadding(ctx.In("conv_0"), preActivated, filters, 3, strides)
	x = b.batchNormRelu(ctx.In("norm_1"), x)
	x = b.convFixedPadding(ctx.In("conv_1"), x, filters, 3, 1)
	return Add(x, shortcut)
}

// bottleneckBlock: BN → ReLU → conv1x1 → BN → ReLU → conv3x3 → BN → ReLU → conv1x1 (4*filters), plus shortcut.
func (b *Builder) bottleneckBlock(ctx *context.Context, x *Node, filters, strides int, projection bool) *Node {
	preActivated := b.batchNormRelu(ctx.In("norm_0"), x)
	shortcut := x
	if projection {
		shortcut = b.convFixedPadding(ctx.In("projection"), preActivated, 4*filters, 1, strides)
	}
	x = b.convFixedPadding(ctx.In("conv_0"), preActivated, filters, 1, 1)
	x = b.batchNormRelu(ctx.In("norm_1"), x)
	x = b.convFixedPadding(ctx.In("conv_1"), x, filters, 3, strides)
	x = b.batchNormRelu(ctx.In("norm_2"), x)
	x = b.convFixedPadding(ctx.In("conv_2"), x, 4*filters, 1, 1)
	return Add(x, shortcut)
}

// ModelGraph implements train.ModelFn: it returns the logits of a ResNet for inputs[0], a batch of images
// shaped [batch_size, height, width, channels].
//
// It is configured by the context hyperparameters ParamSize, ParamDataFormat and ParamNumClasses.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	size := context.GetParamOr(ctx, ParamSize, 50)
	format, err := ParseDataFormat(context.GetParamOr(ctx, ParamDataFormat, ChannelsLast))
	if err != nil {
		panic(err)
	}
	numClasses := context.GetParamOr(ctx, ParamNumClasses, DefaultNumClasses)
	logits := New(ctx, inputs[0], size).NumClasses(numClasses).DataFormat(format).Done()
	return []*Node{logits}
}

// AddWeightDecay adds amount * Σ sum(v²)/2 to the training loss, over all trainable variables of ctx used
// by the graph g, including the batch normalization scale and offset.
//
// It's a no-op if amount is 0 or if not training.
func AddWeightDecay(ctx *context.Context, g *Graph, amount float64) {
	if amount == 0 || !ctx.IsTraining(g) {
		return
	}
	var weights []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			weights = append(weights, v)
		}
	}
	if len(weights) == 0 {
		return
	}
	regularizers.L2(amount/2)(ctx, g, weights...)
}

// Describe returns a one-line description of the ResNet of the given size.
func Describe(size int) string {
	cfg, found := ValidSizes[size]
	if !found {
		return fmt.Sprintf("ResNet-%d (invalid)", size)
	}
	kind := "building"
	if cfg.Block == Bottleneck {
		kind = "bottleneck"
	}
	return fmt.Sprintf("ResNet-%d v2 (%s blocks, %v per stage)", size, kind, cfg.Layers)
}
