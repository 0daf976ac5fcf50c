// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// build_records converts a directory of images into the sharded TFRecord files read by imagenet_predict.
//
// For the labeled splits ("train" and "validation") the input directory has one sub-directory per class:
// the label of each image is the index of its class sub-directory (in sorted order) plus --label_offset.
// With --unlabeled (typically for the "test" split) the images are taken directly from the input directory,
// with label -1.
//
// Example:
//
//	build_records --input=~/data/flowers/train --output=~/data/flowers_records --prefix=train --num_shards=4
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagInput       = flag.String("input", "", "Directory with the images: one sub-directory per class, unless --unlabeled.")
	flagOutput      = flag.String("output", "", "Directory where to write the shards.")
	flagPrefix      = flag.String("prefix", "train", "Prefix of the shards: train, validation or test.")
	flagNumShards   = flag.Int("num_shards", dataset.DefaultNumShards, "Number of shards to write.")
	flagUnlabeled   = flag.Bool("unlabeled", false, "Images are directly under --input and have no label.")
	flagLabelOffset = flag.Int64("label_offset", 1,
		"Value added to the class index to form the label. The default 1 reserves label 0 for the background class.")
	flagSeed    = flag.Int64("seed", 0, "If not 0, the images are shuffled with this seed before being written.")
	flagMaxSide = flag.Int("max_side", 0,
		"If > 0, images with a larger side are resized to fit it and re-encoded as JPEG.")
	flagProgressBar = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagInput == "" || *flagOutput == "" {
		klog.Errorf("--input and --output are required, see 'build_records -help'")
		os.Exit(1)
	}

	cfg := buildConfig{
		InputDir:    fsutil.MustReplaceTildeInDir(*flagInput),
		OutputDir:   fsutil.MustReplaceTildeInDir(*flagOutput),
		Prefix:      *flagPrefix,
		NumShards:   *flagNumShards,
		Unlabeled:   *flagUnlabeled,
		LabelOffset: *flagLabelOffset,
		Seed:        *flagSeed,
		MaxSide:     *flagMaxSide,
		ProgressBar: *flagProgressBar,
	}
	numRecords, classes := must.M2(buildShards(cfg))
	fmt.Printf("%s records written to %d %q shards in %q\n",
		humanize.Comma(int64(numRecords)), cfg.NumShards, cfg.Prefix, cfg.OutputDir)
	for idx, className := range classes {
		fmt.Printf("\t%4d: %s\n", int64(idx)+cfg.LabelOffset, className)
	}
}
