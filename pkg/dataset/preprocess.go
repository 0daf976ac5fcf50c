// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bytes"
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/gomlx/imagenet-predict/pkg/tfexample"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	// ImageSize is the height and width of the images fed to the model.
	ImageSize = 196

	// NumChannels of the images fed to the model: RGB.
	NumChannels = 3

	// NumClasses is the number of label classes.
	NumClasses = 6

	// ResizeSideMin and ResizeSideMax define the range of the smallest side of the image after the random
	// resize during training. Evaluation resizes the smallest side to ResizeSideMin.
	ResizeSideMin = 256
	ResizeSideMax = 512

	// RecordShuffleBuffer is the size of the records shuffle buffer used in training. The files order is
	// shuffled in full at every epoch.
	RecordShuffleBuffer = 500

	// DefaultNumParallelCalls is the number of records decoded concurrently.
	DefaultNumParallelCalls = 5

	// DefaultPrefetch is the number of batches read ahead.
	DefaultPrefetch = 2
)

// NumImages holds the number of images in each split.
var NumImages = map[string]int{
	"train":      2569,
	"validation": 550,
}

// ChannelMeans are the per-channel (RGB) means subtracted from images, the values used by VGG, scaled to
// the [0, 1] range the images are converted to.
var ChannelMeans = [NumChannels]float64{123.68 / 255.0, 116.78 / 255.0, 103.94 / 255.0}

// Example is a decoded and preprocessed record.
type Example struct {
	// Image is the preprocessed ImageSize x ImageSize image, before mean subtraction.
	Image *image.NRGBA

	// Label is the raw label of the record (-1 if missing).
	Label int64

	Filename string
}

// DecodeExample parses the tf.Example in payload, decodes its image and applies the VGG preprocessing.
//
// If rng is not nil the training augmentation is applied (random resize, random crop and random
// left-right flip), otherwise the deterministic evaluation preprocessing (resize and central crop).
func DecodeExample(payload []byte, rng *rand.Rand) (*Example, error) {
	rec, err := tfexample.Decode(payload)
	if err != nil {
		return nil, err
	}
	if len(rec.Encoded) == 0 {
		return nil, errors.Errorf("record %q has no encoded image", rec.Filename)
	}
	img, err := imaging.Decode(bytes.NewReader(rec.Encoded), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s image %q", rec.Format, rec.Filename)
	}
	return &Example{
		Image:    Preprocess(img, rng),
		Label:    rec.Label,
		Filename: rec.Filename,
	}, nil
}

// Preprocess applies the VGG preprocessing to img. See DecodeExample.
func Preprocess(img image.Image, rng *rand.Rand) *image.NRGBA {
	if rng == nil {
		img = AspectPreservingResize(img, ResizeSideMin)
		return imaging.CropCenter(img, ImageSize, ImageSize)
	}
	side := ResizeSideMin + rng.Intn(ResizeSideMax-ResizeSideMin+1)
	img = AspectPreservingResize(img, side)
	size := img.Bounds().Size()
	x0 := rng.Intn(size.X - ImageSize + 1)
	y0 := rng.Intn(size.Y - ImageSize + 1)
	cropped := imaging.Crop(img, image.Rect(x0, y0, x0+ImageSize, y0+ImageSize).Add(img.Bounds().Min))
	if rng.Intn(2) == 1 {
		cropped = imaging.FlipH(cropped)
	}
	return cropped
}

// AspectPreservingResize resizes img so its smallest side becomes smallestSide, using bilinear
// interpolation.
func AspectPreservingResize(img image.Image, smallestSide int) *image.NRGBA {
	size := img.Bounds().Size()
	scale := float64(smallestSide) / float64(min(size.X, size.Y))
	width := max(smallestSide, int(math.Round(float64(size.X)*scale)))
	height := max(smallestSide, int(math.Round(float64(size.Y)*scale)))
	return imaging.Resize(img, width, height, imaging.Linear)
}

// imageToFlat writes the RGB values of img (shaped ImageSize x ImageSize), scaled to [0, 1] and with
// ChannelMeans subtracted, to dst in "HWC" (channels-last) order.
func imageToFlat[T constraints.Float](img *image.NRGBA, dst []T) {
	idx := 0
	for y := range ImageSize {
		row := img.Pix[y*img.Stride : y*img.Stride+4*ImageSize]
		for x := range ImageSize {
			for c := range NumChannels {
				dst[idx] = T(float64(row[4*x+c])/255.0 - ChannelMeans[c])
				idx++
			}
		}
	}
}

// oneHot writes the one-hot encoding of label to dst. Labels out of range (including the default -1)
// are encoded as all zeros.
func oneHot[T constraints.Float](label int64, dst []T) {
	for ii := range dst {
		dst[ii] = 0
	}
	if label >= 0 && label < int64(len(dst)) {
		dst[label] = 1
	}
}

// FlatToImage reverts the normalization done for the model: it converts one image in "HWC" order back to RGB,
// adding back ChannelMeans and clipping to [0, 255]. Used to save samples of the model input.
func FlatToImage[T constraints.Float](flat []T, height, width int) (*image.NRGBA, error) {
	if len(flat) != height*width*NumChannels {
		return nil, errors.Errorf("flat image has %d values, expected %dx%dx%d", len(flat), height, width, NumChannels)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	idx := 0
	for y := range height {
		row := img.Pix[y*img.Stride : y*img.Stride+4*width]
		for x := range width {
			for c := range NumChannels {
				v := math.Round((float64(flat[idx]) + ChannelMeans[c]) * 255.0)
				row[4*x+c] = uint8(min(max(v, 0), 255))
				idx++
			}
			row[4*x+3] = 255
		}
	}
	return img, nil
}
