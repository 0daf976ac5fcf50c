// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset implements the input pipeline of the image classifier: it reads sharded TFRecord files
// of tf.Example records, decodes and preprocesses the images (with augmentation for training) and yields
// batches of images and one-hot labels as a train.Dataset.
//
// The pipeline is equivalent to:
//
//	files → (train: shuffle files) → records → (train: shuffle buffer) → parallel decode → batch → read-ahead
//
// Images are always yielded channels-last, shaped [batch_size, ImageSize, ImageSize, NumChannels].
package dataset

import (
	"image"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagenet-predict/pkg/tfrecord"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset yields batches of preprocessed images and one-hot labels read from TFRecord shards.
// It implements train.Dataset.
//
// Create it with New, configure it and call Done.
type Dataset struct {
	name, shortName string
	files           []string
	mode            Mode

	batchSize, numParallelCalls, shuffleBuffer int
	seed                                       int64
	dtype                                      dtypes.DType
	dropIncompleteBatch                        bool
	prefetch                                   int

	// mu protects the reading state below.
	mu        sync.Mutex
	rng       *rand.Rand
	fileOrder []int
	fileIdx   int
	file      *os.File
	reader    *tfrecord.Reader
	buffer    []rawRecord
	epoch     int

	// raMu protects ra, the batches being read ahead in the background, if prefetch > 0.
	raMu sync.Mutex
	ra   *readAhead
}

var (
	_ train.Dataset      = (*Dataset)(nil)
	_ train.HasShortName = (*Dataset)(nil)
)

// rawRecord is a record payload not yet decoded, and where it came from.
type rawRecord struct {
	file    string
	index   int
	payload []byte
}

// BatchInfo describes the records of a batch, in the batch order.
type BatchInfo struct {
	// Files and RecordIndices locate each example: file path and index of the record within the file.
	Files         []string
	RecordIndices []int

	// Labels are the raw labels of the records (-1 if missing), and Filenames the "image/filename" features.
	Labels    []int64
	Filenames []string
}

// Batch is the result of YieldBatch.
type Batch struct {
	// Images shaped [batch_size, ImageSize, ImageSize, NumChannels].
	Images *tensors.Tensor

	// Labels one-hot encoded, shaped [batch_size, NumClasses].
	Labels *tensors.Tensor

	Info *BatchInfo
}

// New creates a Dataset builder reading the given files. Use the configuration methods and then Done.
//
// The mode selects augmentation and shuffling (Train) or deterministic preprocessing in file order
// (Eval and Test).
func New(name string, files []string, mode Mode) *Dataset {
	ds := &Dataset{
		name:             name,
		files:            files,
		mode:             mode,
		batchSize:        32,
		numParallelCalls: DefaultNumParallelCalls,
		seed:             time.Now().UnixNano(),
		dtype:            dtypes.Float32,
		prefetch:         DefaultPrefetch,
	}
	if mode == Train {
		ds.shuffleBuffer = RecordShuffleBuffer
	}
	return ds
}

// BatchSize sets the number of examples per batch. Default is 32.
func (ds *Dataset) BatchSize(batchSize int) *Dataset {
	ds.batchSize = batchSize
	return ds
}

// NumParallelCalls sets the number of goroutines decoding records. Default is DefaultNumParallelCalls.
func (ds *Dataset) NumParallelCalls(n int) *Dataset {
	ds.numParallelCalls = n
	return ds
}

// ShuffleBuffer sets the size of the records shuffle buffer. Default is RecordShuffleBuffer for Train and 0
// (no shuffling) for the other modes.
func (ds *Dataset) ShuffleBuffer(n int) *Dataset {
	ds.shuffleBuffer = n
	return ds
}

// Seed sets the seed of the random number generator used for shuffling and augmentation.
// The default is based on the current time.
func (ds *Dataset) Seed(seed int64) *Dataset {
	ds.seed = seed
	return ds
}

// DType of the images and labels. Only Float32 and Float64 are supported. Default is Float32.
func (ds *Dataset) DType(dtype dtypes.DType) *Dataset {
	ds.dtype = dtype
	return ds
}

// DropIncompleteBatch sets whether the last batch of an epoch is dropped if it is smaller than the batch
// size. Default is false: the last partial batch is yielded.
func (ds *Dataset) DropIncompleteBatch(drop bool) *Dataset {
	ds.dropIncompleteBatch = drop
	return ds
}

// Prefetch sets how many batches are read ahead in a background goroutine, while the previous ones are
// consumed. Default is DefaultPrefetch. Set to 0 to read each batch only when it is requested.
func (ds *Dataset) Prefetch(n int) *Dataset {
	ds.prefetch = n
	return ds
}

// WithShortName sets the short name used for metric names. Default is the first 3 letters of the name.
func (ds *Dataset) WithShortName(shortName string) *Dataset {
	ds.shortName = shortName
	return ds
}

// Done validates the configuration and prepares the dataset for reading.
func (ds *Dataset) Done() (*Dataset, error) {
	if len(ds.files) == 0 {
		return nil, errors.Errorf("dataset %q has no files", ds.name)
	}
	for _, f := range ds.files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.Wrapf(err, "dataset %q", ds.name)
		}
	}
	if ds.batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", ds.name, ds.batchSize)
	}
	if ds.prefetch < 0 {
		ds.prefetch = 0
	}
	if ds.numParallelCalls <= 0 {
		ds.numParallelCalls = 1
	}
	if ds.dtype != dtypes.Float32 && ds.dtype != dtypes.Float64 {
		return nil, errors.Errorf("dataset %q: dtype %s not supported, only Float32 or Float64", ds.name, ds.dtype)
	}
	ds.rng = rand.New(rand.NewSource(ds.seed))
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string {
	if ds.shortName != "" {
		return ds.shortName
	}
	if len(ds.name) > 3 {
		return ds.name[:3]
	}
	return ds.name
}

// Mode returns the mode the dataset was created with.
func (ds *Dataset) Mode() Mode { return ds.mode }

// Files returns the files read by the dataset.
func (ds *Dataset) Files() []string { return ds.files }

// Reset implements train.Dataset. It restarts the dataset from the first file, reshuffling the files in
// training mode. Each Reset starts a new epoch, and discards the batches read ahead.
func (ds *Dataset) Reset() {
	ds.stopReadAhead()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.closeFile()
	ds.buffer = ds.buffer[:0]
	ds.fileIdx = 0
	ds.fileOrder = make([]int, len(ds.files))
	for ii := range ds.fileOrder {
		ds.fileOrder[ii] = ii
	}
	if ds.mode == Train {
		ds.rng.Shuffle(len(ds.fileOrder), func(i, j int) {
			ds.fileOrder[i], ds.fileOrder[j] = ds.fileOrder[j], ds.fileOrder[i]
		})
	}
	ds.epoch++
	klog.V(2).Infof("dataset %q: starting epoch %d", ds.name, ds.epoch)
}

// Close stops the background reading and closes the current file. The dataset can still be used after a
// Reset.
func (ds *Dataset) Close() {
	ds.stopReadAhead()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.closeFile()
}

func (ds *Dataset) closeFile() {
	if ds.file != nil {
		_ = ds.file.Close()
		ds.file = nil
		ds.reader = nil
	}
}

// readNext reads the next record from the sequence of files. It returns io.EOF when all files are read.
func (ds *Dataset) readNext() (rawRecord, error) {
	for {
		if ds.reader == nil {
			if ds.fileIdx >= len(ds.fileOrder) {
				return rawRecord{}, io.EOF
			}
			filePath := ds.files[ds.fileOrder[ds.fileIdx]]
			f, err := os.Open(filePath)
			if err != nil {
				return rawRecord{}, errors.Wrapf(err, "dataset %q", ds.name)
			}
			ds.file = f
			ds.reader = tfrecord.NewReader(f)
		}
		payload, err := ds.reader.Next()
		if err == nil {
			return rawRecord{file: ds.file.Name(), index: ds.reader.Count() - 1, payload: payload}, nil
		}
		filePath := ds.file.Name()
		idx := ds.reader.Count()
		ds.closeFile()
		if err != io.EOF {
			return rawRecord{}, errors.WithMessagef(err, "dataset %q reading record #%d of %q", ds.name, idx, filePath)
		}
		ds.fileIdx++
	}
}

// nextRecord returns the next record, taken randomly from the shuffle buffer if one is configured.
func (ds *Dataset) nextRecord() (rawRecord, error) {
	if ds.shuffleBuffer <= 1 {
		return ds.readNext()
	}
	for len(ds.buffer) < ds.shuffleBuffer {
		rec, err := ds.readNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rawRecord{}, err
		}
		ds.buffer = append(ds.buffer, rec)
	}
	if len(ds.buffer) == 0 {
		return rawRecord{}, io.EOF
	}
	idx := ds.rng.Intn(len(ds.buffer))
	last := len(ds.buffer) - 1
	rec := ds.buffer[idx]
	ds.buffer[idx] = ds.buffer[last]
	ds.buffer[last] = rawRecord{}
	ds.buffer = ds.buffer[:last]
	return rec, nil
}

// Yield implements train.Dataset. The spec returned is the Dataset itself, so it remains constant across
// batches: see YieldBatch for the information about the records in the batch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var batch *Batch
	batch, err = ds.YieldBatch()
	if err != nil {
		return
	}
	spec = ds
	inputs = []*tensors.Tensor{batch.Images}
	labels = []*tensors.Tensor{batch.Labels}
	return
}

// YieldBatch returns the next batch of records, decoded. It returns io.EOF at the end of the epoch.
//
// With Prefetch > 0, the batches are read in a background goroutine started by the first call of the epoch.
// Errors are returned in the same order they happen: the batches read before them are yielded first.
func (ds *Dataset) YieldBatch() (*Batch, error) {
	if ds.prefetch <= 0 {
		return ds.readBatch()
	}
	ds.raMu.Lock()
	defer ds.raMu.Unlock()
	if ds.ra == nil {
		ds.ra = ds.startReadAhead()
	}
	result, ok := <-ds.ra.results
	if !ok {
		return nil, io.EOF
	}
	return result.batch, result.err
}

// batchResult is a batch read ahead, or the error that stopped the reading.
type batchResult struct {
	batch *Batch
	err   error
}

// readAhead is the state of the background goroutine reading batches. results is closed when the
// goroutine exits: at the end of the epoch, after an error or when stop is closed.
type readAhead struct {
	results    chan batchResult
	stop, done chan struct{}
}

func (ds *Dataset) startReadAhead() *readAhead {
	ra := &readAhead{
		results: make(chan batchResult, ds.prefetch),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(ra.done)
		defer close(ra.results)
		for {
			batch, err := ds.readBatch()
			if err == io.EOF {
				return
			}
			select {
			case ra.results <- batchResult{batch: batch, err: err}:
			case <-ra.stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ra
}

// stopReadAhead stops the background reading, if any, and waits for it to finish.
func (ds *Dataset) stopReadAhead() {
	ds.raMu.Lock()
	defer ds.raMu.Unlock()
	if ds.ra == nil {
		return
	}
	close(ds.ra.stop)
	<-ds.ra.done
	ds.ra = nil
}

// readBatch reads, decodes and batches the next batch of records.
func (ds *Dataset) readBatch() (*Batch, error) {
	ds.mu.Lock()
	records := make([]rawRecord, 0, ds.batchSize)
	var seeds []int64
	for len(records) < ds.batchSize {
		rec, err := ds.nextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			ds.mu.Unlock()
			return nil, err
		}
		records = append(records, rec)
		if ds.mode == Train {
			seeds = append(seeds, ds.rng.Int63())
		}
	}
	ds.mu.Unlock()

	if len(records) == 0 || (ds.dropIncompleteBatch && len(records) < ds.batchSize) {
		return nil, io.EOF
	}
	examples, err := ds.decodeAll(records, seeds)
	if err != nil {
		return nil, err
	}
	return ds.makeBatch(records, examples), nil
}

// decodeAll decodes the records using numParallelCalls goroutines. The results are in the same order
// as records.
func (ds *Dataset) decodeAll(records []rawRecord, seeds []int64) ([]*Example, error) {
	examples := make([]*Example, len(records))
	errs := make([]error, len(records))
	indices := make(chan int, len(records))
	for ii := range records {
		indices <- ii
	}
	close(indices)

	var wg sync.WaitGroup
	for range min(ds.numParallelCalls, len(records)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range indices {
				var rng *rand.Rand
				if seeds != nil {
					rng = rand.New(rand.NewSource(seeds[ii]))
				}
				examples[ii], errs[ii] = DecodeExample(records[ii].payload, rng)
			}
		}()
	}
	wg.Wait()
	for ii, err := range errs {
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q, record #%d of %q", ds.name, records[ii].index, records[ii].file)
		}
	}
	return examples, nil
}

// makeBatch converts the examples to tensors.
func (ds *Dataset) makeBatch(records []rawRecord, examples []*Example) *Batch {
	batchSize := len(examples)
	info := &BatchInfo{
		Files:         make([]string, batchSize),
		RecordIndices: make([]int, batchSize),
		Labels:        make([]int64, batchSize),
		Filenames:     make([]string, batchSize),
	}
	for ii, ex := range examples {
		info.Files[ii] = records[ii].file
		info.RecordIndices[ii] = records[ii].index
		info.Labels[ii] = ex.Label
		info.Filenames[ii] = ex.Filename
	}
	batch := &Batch{
		Images: tensors.FromShape(shapes.Make(ds.dtype, batchSize, ImageSize, ImageSize, NumChannels)),
		Labels: tensors.FromShape(shapes.Make(ds.dtype, batchSize, NumClasses)),
		Info:   info,
	}
	if ds.dtype == dtypes.Float64 {
		fillBatch[float64](batch, examples)
	} else {
		fillBatch[float32](batch, examples)
	}
	return batch
}

func fillBatch[T float32 | float64](batch *Batch, examples []*Example) {
	const imageLen = ImageSize * ImageSize * NumChannels
	tensors.MustMutableFlatData[T](batch.Images, func(flat []T) {
		for ii, ex := range examples {
			imageToFlat(ex.Image, flat[ii*imageLen:(ii+1)*imageLen])
		}
	})
	tensors.MustMutableFlatData[T](batch.Labels, func(flat []T) {
		for ii, ex := range examples {
			oneHot(ex.Label, flat[ii*NumClasses:(ii+1)*NumClasses])
		}
	})
}

// Sample returns the first n preprocessed images of the dataset files, in file order, without changing the
// state of the dataset. Augmentation is applied in Train mode, using a generator seeded from the dataset
// seed. Used for image summaries.
func (ds *Dataset) Sample(n int) ([]image.Image, error) {
	var rng *rand.Rand
	if ds.mode == Train {
		rng = rand.New(rand.NewSource(ds.seed))
	}
	images := make([]image.Image, 0, n)
	errStop := errors.New("stop")
	for _, filePath := range ds.files {
		if len(images) >= n {
			break
		}
		err := tfrecord.ReadFile(filePath, func(idx int, payload []byte) error {
			ex, err := DecodeExample(payload, rng)
			if err != nil {
				return errors.WithMessagef(err, "record #%d of %q", idx, filePath)
			}
			images = append(images, ex.Image)
			if len(images) >= n {
				return errStop
			}
			return nil
		})
		if err != nil && err != errStop {
			return nil, err
		}
	}
	return images, nil
}
