// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imagenet_summary inspects the model directories created by imagenet_predict: hyperparameters, variables
// and the training metrics saved in the summaries. Given more than one model directory, it compares them.
//
// Example:
//
//	imagenet_summary -params -metrics -plot=/tmp/loss.png ~/work/resnet18 ~/work/resnet50
//	imagenet_summary -html=/tmp/metrics.html ~/work/resnet18 ~/work/resnet50
//	imagenet_summary -records=~/data/flowers_records
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/imagenet-predict/ui/summary"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model",
		"Scope of the model variables considered by -summary and -vars.")
	flagSummary = flag.Bool("summary", false, "Display the global step and the sizes of the models.")
	flagParams  = flag.Bool("params", false, "List the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "List the variables under -scope.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("List the metrics saved in %q.", summary.FileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metrics names to include in -metrics and -plot.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separated list of metrics types to include in -metrics and -plot.")
	flagPlot         = flag.String("plot", "",
		"Save a chart of the metrics to the given PNG file. With more than one model, the model name is appended to the file name.")
	flagHTML = flag.String("html", "",
		"Save interactive charts (Plotly) of the metrics of all the models, one per metric type, to the given HTML file.")
	flagRecords = flag.String("records", "", "Count the records of each split in the given data directory.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRecords != "" {
		must.M(reportRecords(os.Stdout, fsutil.MustReplaceTildeInDir(*flagRecords)))
	}
	modelDirs := flag.Args()
	if len(modelDirs) == 0 {
		if *flagRecords == "" {
			klog.Errorf("Missing model directory, see 'imagenet_summary -help'")
			os.Exit(1)
		}
		return
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagMetrics && *flagPlot == "" && *flagHTML == "" {
		*flagSummary, *flagMetrics = true, true
	}
	for ii, dir := range modelDirs {
		modelDirs[ii] = fsutil.MustReplaceTildeInDir(dir)
	}
	if err := report(os.Stdout, modelDirs); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// loadModel reads the latest checkpoint of the model directory into a new context.
func loadModel(modelDir string) (*context.Context, error) {
	exists, err := fsutil.FileExists(modelDir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("model directory %q doesn't exist", modelDir)
	}
	ctx := context.New()
	if _, err = checkpoints.Build(ctx).Dir(modelDir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", modelDir)
	}
	return ctx, nil
}

func report(w io.Writer, modelDirs []string) error {
	names := shortNames(modelDirs...)
	if *flagSummary || *flagParams || *flagVars {
		ctxs := make([]*context.Context, len(modelDirs))
		scopedCtxs := make([]*context.Context, len(modelDirs))
		for ii, dir := range modelDirs {
			ctx, err := loadModel(dir)
			if err != nil {
				return err
			}
			ctxs[ii] = ctx
			scopedCtxs[ii] = ctx
			if *flagScope != "" {
				scopedCtxs[ii] = ctx.InAbsPath(*flagScope)
			}
		}
		if *flagSummary {
			reportSummary(w, scopedCtxs, names)
		}
		if *flagParams {
			reportParams(w, ctxs, names)
		}
		if *flagVars {
			for ii, ctx := range scopedCtxs {
				reportVariables(w, ctx, names[ii])
			}
		}
	}

	if !*flagMetrics && *flagPlot == "" && *flagHTML == "" {
		return nil
	}
	metricsNames, metricsTypes := splitList(*flagMetricsNames), splitList(*flagMetricsTypes)
	models := make([]summary.Points, len(modelDirs))
	for ii, dir := range modelDirs {
		points, err := loadMetrics(dir, metricsNames, metricsTypes)
		if err != nil {
			return err
		}
		models[ii] = points
		if *flagMetrics {
			if err = reportMetrics(w, points, names[ii]); err != nil {
				return err
			}
		}
		if *flagPlot != "" {
			plotPath := fsutil.MustReplaceTildeInDir(*flagPlot)
			if len(modelDirs) > 1 {
				ext := filepath.Ext(plotPath)
				plotPath = plotPath[:len(plotPath)-len(ext)] + "_" + names[ii] + ext
			}
			var plotMetrics []string
			if len(metricsNames) > 0 || len(metricsTypes) > 0 {
				plotMetrics = points.MetricsNames()
			}
			if err = summary.PlotPNG(points, plotPath, plotMetrics...); err != nil {
				return err
			}
			fmt.Fprintf(w, "Metrics of %s plotted to %q\n", names[ii], plotPath)
		}
	}
	if *flagHTML != "" {
		htmlPath := fsutil.MustReplaceTildeInDir(*flagHTML)
		if err := summary.WriteHTMLFile(htmlPath, names, models); err != nil {
			return err
		}
		fmt.Fprintf(w, "Charts written to %q\n", htmlPath)
	}
	return nil
}
