// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagenet-predict/pkg/tfexample"
	"github.com/gomlx/imagenet-predict/pkg/tfrecord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardFilenames(t *testing.T) {
	files := ShardFilenames("/data", "train", 3)
	assert.Equal(t, []string{
		"/data/train-00000-of-00003",
		"/data/train-00001-of-00003",
		"/data/train-00002-of-00003",
	}, files)
	assert.Equal(t, []string{"/data/validation-00000-of-00001"}, Filenames("/data", Eval, 1))
	assert.Equal(t, []string{"/data/test-00000-of-00001"}, Filenames("/data", Test, DefaultNumShards))
	assert.Len(t, ShardFilenames("", "train", 12), 12)
	assert.Equal(t, "train-00011-of-00012", ShardFilenames("", "train", 12)[11])
}

func TestDiscoverShards(t *testing.T) {
	dir := t.TempDir()
	_, err := DiscoverShards(dir, "train")
	require.Error(t, err)

	want := ShardFilenames(dir, "train", 3)
	for _, f := range want {
		require.NoError(t, os.WriteFile(f, nil, 0644))
	}
	require.NoError(t, os.WriteFile(path.Join(dir, "validation-00000-of-00001"), nil, 0644))
	got, err := DiscoverShards(dir, "train")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, os.Remove(want[1]))
	_, err = DiscoverShards(dir, "train")
	require.Error(t, err)
}

// encodeImage returns a PNG encoded solid image.
func encodeImage(t *testing.T, width, height int, c color.Color) []byte {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(width, height, c), imaging.PNG))
	return buf.Bytes()
}

// writeShard writes one record per label, with solid red images.
func writeShard(t *testing.T, filePath string, labels ...int64) {
	encoded := encodeImage(t, 240, 200, color.NRGBA{R: 255, A: 255})
	payloads := make([][]byte, len(labels))
	for ii, label := range labels {
		rec := tfexample.NewImageRecord()
		rec.Encoded = encoded
		rec.Format = "png"
		rec.Filename = fmt.Sprintf("%s#%d", path.Base(filePath), ii)
		rec.Label = label
		payloads[ii] = rec.Encode()
	}
	require.NoError(t, tfrecord.WriteFile(filePath, payloads))
}

func TestPreprocess(t *testing.T) {
	img := imaging.New(300, 200, color.White)
	resized := AspectPreservingResize(img, 256)
	assert.Equal(t, 384, resized.Bounds().Dx())
	assert.Equal(t, 256, resized.Bounds().Dy())

	out := Preprocess(img, nil)
	assert.Equal(t, ImageSize, out.Bounds().Dx())
	assert.Equal(t, ImageSize, out.Bounds().Dy())

	rng := rand.New(rand.NewSource(42))
	for range 5 {
		out = Preprocess(img, rng)
		assert.Equal(t, ImageSize, out.Bounds().Dx())
		assert.Equal(t, ImageSize, out.Bounds().Dy())
	}

	// Images smaller than the crop are upscaled.
	out = Preprocess(imaging.New(50, 80, color.Black), rng)
	assert.Equal(t, ImageSize, out.Bounds().Dx())
}

func TestOneHot(t *testing.T) {
	dst := make([]float32, NumClasses)
	oneHot(2, dst)
	assert.Equal(t, []float32{0, 0, 1, 0, 0, 0}, dst)
	oneHot(-1, dst)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, dst)
	oneHot(NumClasses, dst)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, dst)
}

func TestFlatToImage(t *testing.T) {
	img := imaging.New(ImageSize, ImageSize, color.NRGBA{R: 200, G: 10, B: 90, A: 255})
	flat := make([]float64, ImageSize*ImageSize*NumChannels)
	imageToFlat(img, flat)
	back, err := FlatToImage(flat, ImageSize, ImageSize)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 200, G: 10, B: 90, A: 255}, back.NRGBAAt(17, 33))

	_, err = FlatToImage(flat[:10], ImageSize, ImageSize)
	require.Error(t, err)
}

func yieldAll(t *testing.T, ds *Dataset) (batches []*Batch) {
	for {
		batch, err := ds.YieldBatch()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		batches = append(batches, batch)
	}
}

func TestEvalDataset(t *testing.T) {
	dir := t.TempDir()
	files := ShardFilenames(dir, "validation", 2)
	writeShard(t, files[0], 0, 1, 2, 3, 4)
	writeShard(t, files[1], -1, 5)

	ds, err := New("Validation", files, Eval).BatchSize(3).NumParallelCalls(2).Done()
	require.NoError(t, err)
	assert.Equal(t, "Val", ds.ShortName())

	for epoch := range 2 {
		batches := yieldAll(t, ds)
		require.Len(t, batches, 3, "epoch %d", epoch)
		var labels []int64
		var sizes []int
		for _, b := range batches {
			labels = append(labels, b.Info.Labels...)
			sizes = append(sizes, b.Images.Shape().Dimensions[0])
			assert.Equal(t, []int{b.Images.Shape().Dimensions[0], ImageSize, ImageSize, NumChannels},
				b.Images.Shape().Dimensions)
			assert.Equal(t, dtypes.Float32, b.Images.DType())
		}
		// Order is preserved in evaluation.
		assert.Equal(t, []int64{0, 1, 2, 3, 4, -1, 5}, labels)
		assert.Equal(t, []int{3, 3, 1}, sizes)
		assert.Equal(t, []int{3, 4, 0}, batches[1].Info.RecordIndices)
		assert.Equal(t, []string{files[0], files[0], files[1]}, batches[1].Info.Files)
		assert.Equal(t, "validation-00001-of-00002#1", batches[2].Info.Filenames[0])

		// One-hot labels: label -1 is all zeros.
		oneHots := batches[1].Labels.Value().([][]float32)
		assert.Equal(t, [][]float32{{0, 0, 0, 1, 0, 0}, {0, 0, 0, 0, 1, 0}, {0, 0, 0, 0, 0, 0}}, oneHots)

		// Solid red image, with means subtracted.
		tensors.MustConstFlatData[float32](batches[0].Images, func(flat []float32) {
			assert.InDelta(t, 1.0-ChannelMeans[0], flat[0], 1e-2)
			assert.InDelta(t, -ChannelMeans[1], flat[1], 1e-2)
			assert.InDelta(t, -ChannelMeans[2], flat[2], 1e-2)
		})
		ds.Reset()
	}

	// Yield interface.
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, ds, spec)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{3, NumClasses}, labels[0].Shape().Dimensions)

	// Dropping the incomplete batch.
	ds, err = New("Validation", files, Eval).BatchSize(3).DropIncompleteBatch(true).DType(dtypes.Float64).Done()
	require.NoError(t, err)
	batches := yieldAll(t, ds)
	require.Len(t, batches, 2)
	assert.Equal(t, dtypes.Float64, batches[0].Labels.DType())
}

func TestTrainDataset(t *testing.T) {
	dir := t.TempDir()
	files := ShardFilenames(dir, "train", 2)
	writeShard(t, files[0], 0, 1, 2, 3)
	writeShard(t, files[1], 4, 5, 0, 1)

	ds, err := New("Train", files, Train).BatchSize(4).Seed(7).ShuffleBuffer(3).Done()
	require.NoError(t, err)
	var orders [][]int64
	for range 3 {
		var labels []int64
		for _, b := range yieldAll(t, ds) {
			labels = append(labels, b.Info.Labels...)
		}
		orders = append(orders, slices.Clone(labels))
		slices.Sort(labels)
		// Every record once per epoch.
		assert.Equal(t, []int64{0, 0, 1, 1, 2, 3, 4, 5}, labels)
		ds.Reset()
	}
	assert.False(t, slices.Equal(orders[0], orders[1]) && slices.Equal(orders[1], orders[2]),
		"shuffling should change the order across epochs")

	// Same seed, same order.
	ds2, err := New("Train", files, Train).BatchSize(4).Seed(7).ShuffleBuffer(3).Done()
	require.NoError(t, err)
	var labels []int64
	for _, b := range yieldAll(t, ds2) {
		labels = append(labels, b.Info.Labels...)
	}
	assert.Equal(t, orders[0], labels)
}

func TestReadAheadEpochs(t *testing.T) {
	dir := t.TempDir()
	files := ShardFilenames(dir, "train", 1)
	writeShard(t, files[0], 0, 1, 2, 3, 4, 5, 0, 1)

	for _, prefetch := range []int{0, 1, DefaultPrefetch} {
		ds, err := New("Train", files, Train).BatchSize(2).Seed(3).Prefetch(prefetch).Done()
		require.NoError(t, err)

		// Epochs started after the previous one was read to the end.
		for epoch := range 3 {
			var labels []int64
			batches := yieldAll(t, ds)
			for _, b := range batches {
				labels = append(labels, b.Info.Labels...)
			}
			assert.Len(t, batches, 4, "prefetch=%d, epoch %d", prefetch, epoch)
			slices.Sort(labels)
			assert.Equal(t, []int64{0, 0, 1, 1, 2, 3, 4, 5}, labels, "prefetch=%d, epoch %d", prefetch, epoch)

			// After the end of the epoch, it keeps returning io.EOF until Reset.
			_, err = ds.YieldBatch()
			require.ErrorIs(t, err, io.EOF)
			ds.Reset()
		}

		// Epoch interrupted after one batch: the next one still has all the batches.
		_, err = ds.YieldBatch()
		require.NoError(t, err)
		ds.Reset()
		assert.Len(t, yieldAll(t, ds), 4, "prefetch=%d, after interrupted epoch", prefetch)
		ds.Close()
	}
}

func TestReadAheadError(t *testing.T) {
	dir := t.TempDir()
	filePath := ShardFilenames(dir, "train", 1)[0]
	good := tfexample.NewImageRecord()
	good.Encoded = encodeImage(t, 240, 200, color.White)
	good.Format = "png"
	good.Label = 1
	bad := tfexample.NewImageRecord()
	bad.Encoded = []byte("not an image")
	bad.Filename = "bad.jpg"
	require.NoError(t, tfrecord.WriteFile(filePath, [][]byte{good.Encode(), good.Encode(), bad.Encode()}))

	ds, err := New("Train", []string{filePath}, Train).BatchSize(2).ShuffleBuffer(0).Seed(1).Done()
	require.NoError(t, err)
	defer ds.Close()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	_, _, _, err = ds.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), filePath)
	assert.Contains(t, err.Error(), "record #2")
}

func TestDatasetErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := New("Missing", []string{path.Join(dir, "train-00000-of-00001")}, Eval).Done()
	require.Error(t, err)
	_, err = New("Empty", nil, Eval).Done()
	require.Error(t, err)

	// Record with an undecodable image.
	filePath := path.Join(dir, "test-00000-of-00001")
	rec := tfexample.NewImageRecord()
	rec.Encoded = []byte("not an image")
	require.NoError(t, tfrecord.WriteFile(filePath, [][]byte{rec.Encode()}))
	ds, err := New("Test", []string{filePath}, Test).Done()
	require.NoError(t, err)
	_, err = ds.YieldBatch()
	require.Error(t, err)
	assert.Contains(t, err.Error(), filePath)

	// Truncated file.
	writeShard(t, filePath, 1, 2)
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filePath, data[:len(data)-3], 0644))
	ds, err = New("Test", []string{filePath}, Test).BatchSize(2).Done()
	require.NoError(t, err)
	_, err = ds.YieldBatch()
	require.ErrorIs(t, err, tfrecord.ErrTruncated)
}

func TestSample(t *testing.T) {
	dir := t.TempDir()
	files := ShardFilenames(dir, "train", 2)
	writeShard(t, files[0], 0)
	writeShard(t, files[1], 1, 2)
	ds, err := New("Train", files, Train).Seed(1).Done()
	require.NoError(t, err)
	images, err := ds.Sample(2)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, ImageSize, images[1].Bounds().Dx())

	images, err = ds.Sample(10)
	require.NoError(t, err)
	assert.Len(t, images, 3)
}
