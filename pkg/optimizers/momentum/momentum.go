// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements the SGD with momentum optimizer:
//
//	accumulator = momentum * accumulator + gradient
//	variable   -= learning_rate * accumulator
//
// Or, with Nesterov momentum:
//
//	variable   -= learning_rate * (gradient + momentum * accumulator)
//
// The learning rate is read from optimizers.LearningRateVar, so schedules (e.g. piecewise) can change it.
//
// Importing this package registers the optimizer as "momentum" in optimizers.KnownOptimizers.
package momentum

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ParamMomentum is the context hyperparameter with the momentum value. Default is DefaultMomentum.
	ParamMomentum = "momentum"

	// ParamNesterov is the context hyperparameter that enables Nesterov momentum. Default is false.
	ParamNesterov = "momentum_nesterov"

	// DefaultMomentum used if not configured.
	DefaultMomentum = 0.9

	// DefaultLearningRate used if the learning rate is not configured nor set by a schedule.
	DefaultLearningRate = 0.1

	// Scope where the accumulators are stored.
	Scope = "momentum"

	// Name registered in optimizers.KnownOptimizers.
	Name = "momentum"
)

func init() {
	optimizers.KnownOptimizers[Name] = func(ctx *context.Context) optimizers.Interface {
		return New().FromContext(ctx).Done()
	}
}

// Config of the momentum optimizer. Create it with New and finalize it with Done.
type Config struct {
	momentum     float64
	nesterov     bool
	learningRate float64
	scopeName    string
}

// New creates a momentum optimizer configuration with the defaults.
func New() *Config {
	return &Config{
		momentum:     DefaultMomentum,
		learningRate: -1, // Read from context.
		scopeName:    Scope,
	}
}

// FromContext reads ParamMomentum and ParamNesterov from the context.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.nesterov = context.GetParamOr(ctx, ParamNesterov, c.nesterov)
	return c
}

// Momentum sets the momentum value, usually in [0, 1).
func (c *Config) Momentum(momentum float64) *Config {
	c.momentum = momentum
	return c
}

// Nesterov enables Nesterov momentum.
func (c *Config) Nesterov(nesterov bool) *Config {
	c.nesterov = nesterov
	return c
}

// LearningRate sets the initial value of the learning rate variable. If not set it's read from the
// optimizers.ParamLearningRate hyperparameter, defaulting to DefaultLearningRate.
func (c *Config) LearningRate(learningRate float64) *Config {
	c.learningRate = learningRate
	return c
}

// Done returns the optimizer.
func (c *Config) Done() optimizers.Interface {
	if c.momentum < 0 {
		exceptions.Panicf("momentum must be >= 0, got %g", c.momentum)
	}
	return &optimizer{config: c}
}

type optimizer struct {
	config *Config
}

var _ optimizers.Interface = (*optimizer)(nil)

// UpdateGraph implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies the given gradients, one per trainable variable in use by the graph,
// in the order of ctx.IterVariables.
func (o *optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		exceptions.Panicf("no gradients to apply, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
		if lrValue <= 0 {
			lrValue = DefaultLearningRate
		}
	}
	learningRate := optimizers.LearningRateVar(ctx, lossDType, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, lossDType)

	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < len(grads) {
			o.applyGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	}
	if varIdx != len(grads) {
		exceptions.Panicf("got gradients for %d variables, but the momentum optimizer sees %d trainable variables -- "+
			"were new variables created in between ?", len(grads), varIdx)
	}
}

func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)
	accumVar := o.accumulatorVar(ctx, v)
	accum := accumVar.ValueGraph(g)
	if grad.DType() != accum.DType() {
		grad = ConvertDType(grad, accum.DType())
	}
	accum = Add(MulScalar(accum, o.config.momentum), grad)
	accumVar.SetValueGraph(accum)

	direction := accum
	if o.config.nesterov {
		direction = Add(grad, MulScalar(accum, o.config.momentum))
	}
	if learningRate.DType() != direction.DType() {
		learningRate = ConvertDType(learningRate, direction.DType())
	}
	step := optimizers.ClipStepByValue(ctx, Mul(learningRate, direction))
	value := v.ValueGraph(g)
	updated := optimizers.ClipNaNsInUpdates(ctx, value, Sub(value, step))
	v.SetValueGraph(updated)
}

// accumulatorVar returns the accumulator of the trainable variable, creating it with zeros if needed.
func (o *optimizer) accumulatorVar(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_momentum", trainable.Shape()).
		SetTrainable(false)
}

// Clear deletes the accumulators. It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
