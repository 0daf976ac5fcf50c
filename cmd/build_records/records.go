// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/imagenet-predict/pkg/dataset"
	"github.com/gomlx/imagenet-predict/pkg/tfexample"
	"github.com/gomlx/imagenet-predict/pkg/tfrecord"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// imageFormats maps the supported file extensions to the format stored in the records.
var imageFormats = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".gif":  "gif",
	".bmp":  "bmp",
	".tif":  "tiff",
	".tiff": "tiff",
}

// imageFile to be converted to a record.
type imageFile struct {
	Path, ClassName string
	Label           int64
}

// buildConfig of one split.
type buildConfig struct {
	InputDir, OutputDir, Prefix string
	NumShards                   int

	// Unlabeled takes all the images directly under InputDir, with label -1.
	Unlabeled bool

	// LabelOffset is added to the class index (the position of the class sub-directory in sorted order).
	LabelOffset int64

	// Shuffle the images with the given seed, if not 0.
	Seed int64

	// MaxSide, if > 0, resizes the images whose largest side is bigger, re-encoding them as JPEG.
	MaxSide int

	ProgressBar bool
}

// listImages returns the image files of the split, sorted by class and then path.
// Classes are the sub-directories of inputDir.
func listImages(inputDir string, unlabeled bool, labelOffset int64) (files []imageFile, classes []string, err error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading input directory %q", inputDir)
	}
	addImages := func(dir, className string, label int64) error {
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "reading class directory %q", dir)
		}
		for _, entry := range dirEntries {
			if entry.IsDir() {
				continue
			}
			if _, found := imageFormats[strings.ToLower(filepath.Ext(entry.Name()))]; !found {
				klog.V(2).Infof("skipping non-image file %q", entry.Name())
				continue
			}
			files = append(files, imageFile{Path: filepath.Join(dir, entry.Name()), ClassName: className, Label: label})
		}
		return nil
	}
	if unlabeled {
		err = addImages(inputDir, "", tfexample.DefaultLabel)
		return files, nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			classes = append(classes, entry.Name())
		}
	}
	slices.Sort(classes)
	if len(classes) == 0 {
		return nil, nil, errors.Errorf("no class sub-directories found in %q", inputDir)
	}
	if warning := labelsRangeWarning(len(classes), labelOffset); warning != "" {
		klog.Warning(warning)
	}
	for idx, className := range classes {
		if err = addImages(filepath.Join(inputDir, className), className, int64(idx)+labelOffset); err != nil {
			return nil, nil, err
		}
	}
	return files, classes, nil
}

// labelsRangeWarning returns a warning if some of the labels given to numClasses classes fall outside
// [0, dataset.NumClasses): training turns those into all-zeros one-hot vectors. It returns "" otherwise.
func labelsRangeWarning(numClasses int, labelOffset int64) string {
	minLabel, maxLabel := labelOffset, int64(numClasses-1)+labelOffset
	if minLabel >= 0 && maxLabel < dataset.NumClasses {
		return ""
	}
	return fmt.Sprintf("%d classes with --label_offset=%d get labels %d to %d, but the model classifies %d "+
		"classes (labels 0 to %d): the labels out of range train as all-zeros one-hot vectors",
		numClasses, labelOffset, minLabel, maxLabel, dataset.NumClasses, dataset.NumClasses-1)
}

// encodeRecord reads the image file and serializes its record.
func encodeRecord(file imageFile, maxSide int) ([]byte, error) {
	encoded, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, errors.Wrap(err, "reading image")
	}
	format := imageFormats[strings.ToLower(filepath.Ext(file.Path))]
	img, err := imaging.Decode(bytes.NewReader(encoded), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", file.Path)
	}
	if size := img.Bounds().Size(); maxSide > 0 && max(size.X, size.Y) > maxSide {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
		var buf bytes.Buffer
		if err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
			return nil, errors.Wrapf(err, "encoding resized image %q", file.Path)
		}
		encoded, format = buf.Bytes(), "jpeg"
	}
	rec := tfexample.NewImageRecord()
	rec.Encoded = encoded
	rec.Format = format
	rec.Filename = filepath.Base(file.Path)
	rec.Label = file.Label
	rec.Text = file.ClassName
	return rec.Encode(), nil
}

// buildShards writes the records of the images in cfg.InputDir into cfg.NumShards shards, distributing
// the images in contiguous ranges. It returns the number of records written and the class names.
func buildShards(cfg buildConfig) (numRecords int, classes []string, err error) {
	if cfg.NumShards <= 0 {
		return 0, nil, errors.Errorf("invalid number of shards %d", cfg.NumShards)
	}
	files, classes, err := listImages(cfg.InputDir, cfg.Unlabeled, cfg.LabelOffset)
	if err != nil {
		return 0, nil, err
	}
	if len(files) == 0 {
		return 0, nil, errors.Errorf("no images found in %q", cfg.InputDir)
	}
	if cfg.Seed != 0 {
		rng := rand.New(rand.NewSource(cfg.Seed))
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
	}
	if err = os.MkdirAll(cfg.OutputDir, 0770); err != nil {
		return 0, nil, errors.Wrapf(err, "creating output directory %q", cfg.OutputDir)
	}

	var bar *progressbar.ProgressBar
	if cfg.ProgressBar {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription(cfg.Prefix),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowIts())
	}
	shardPaths := dataset.ShardFilenames(cfg.OutputDir, cfg.Prefix, cfg.NumShards)
	for shardIdx, shardPath := range shardPaths {
		start := shardIdx * len(files) / cfg.NumShards
		end := (shardIdx + 1) * len(files) / cfg.NumShards
		payloads := make([][]byte, 0, end-start)
		for _, file := range files[start:end] {
			payload, err := encodeRecord(file, cfg.MaxSide)
			if err != nil {
				return numRecords, nil, errors.WithMessagef(err, "building %q", shardPath)
			}
			payloads = append(payloads, payload)
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if err = tfrecord.WriteFile(shardPath, payloads); err != nil {
			return numRecords, nil, err
		}
		numRecords += len(payloads)
		klog.V(1).Infof("%q: %d records", shardPath, len(payloads))
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return numRecords, classes, nil
}
