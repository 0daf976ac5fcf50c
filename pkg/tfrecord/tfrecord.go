// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tfrecord reads and writes the TFRecord container format: a sequence of length-prefixed
// records, each protected by masked CRC-32C checksums.
//
// Each record is laid out as:
//
//	uint64 length           (little-endian)
//	uint32 masked_crc(length bytes)
//	byte   data[length]
//	uint32 masked_crc(data)
//
// The payload is typically a serialized tf.Example, see package tfexample.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	// headerSize is the length field plus its checksum.
	headerSize = 8 + 4

	// footerSize is the checksum of the payload.
	footerSize = 4

	// maskDelta is added to the rotated CRC, to make it harder to confuse checksums with data.
	maskDelta = 0xa282ead8

	// MaxRecordSize is a sanity limit on the length read from a header: anything larger is
	// considered corruption rather than an attempt to allocate that much memory.
	MaxRecordSize = 1 << 30
)

var (
	// ErrCorrupted is returned (wrapped) when a checksum doesn't match or the length is absurd.
	ErrCorrupted = errors.New("tfrecord: corrupted record")

	// ErrTruncated is returned (wrapped) when the file ends in the middle of a record.
	ErrTruncated = errors.New("tfrecord: truncated record")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MaskedCRC returns the masked CRC-32C of data, as stored in TFRecord files.
func MaskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Reader reads records sequentially from an io.Reader.
type Reader struct {
	r             *bufio.Reader
	header        [headerSize]byte
	footer        [footerSize]byte
	count         int
	skipChecksums bool
}

// NewReader creates a Reader of TFRecords from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<16)}
}

// SkipChecksums disables the verification of the CRCs. Useful to salvage partially broken files.
//
// It returns the Reader, so calls can be cascaded.
func (r *Reader) SkipChecksums(skip bool) *Reader {
	r.skipChecksums = skip
	return r
}

// Count returns the number of records read so far.
func (r *Reader) Count() int {
	return r.count
}

// Next returns the payload of the next record.
//
// It returns io.EOF at a clean end of the stream. Errors wrapping ErrTruncated or ErrCorrupted are
// returned if the record is incomplete or fails its checksums.
func (r *Reader) Next() ([]byte, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrTruncated, "record #%d header has only %d bytes", r.count, n)
		}
		return nil, errors.Wrapf(err, "reading header of record #%d", r.count)
	}
	lengthBytes := r.header[:8]
	length := binary.LittleEndian.Uint64(lengthBytes)
	if !r.skipChecksums {
		want := binary.LittleEndian.Uint32(r.header[8:])
		if got := MaskedCRC(lengthBytes); got != want {
			return nil, errors.Wrapf(ErrCorrupted, "record #%d: length checksum 0x%08x != 0x%08x", r.count, got, want)
		}
	}
	if length > MaxRecordSize {
		return nil, errors.Wrapf(ErrCorrupted, "record #%d: length %d larger than the maximum %d",
			r.count, length, MaxRecordSize)
	}

	data := make([]byte, length)
	if _, err = io.ReadFull(r.r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrTruncated, "record #%d: payload of %d bytes", r.count, length)
		}
		return nil, errors.Wrapf(err, "reading payload of record #%d", r.count)
	}
	if _, err = io.ReadFull(r.r, r.footer[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrTruncated, "record #%d: missing payload checksum", r.count)
		}
		return nil, errors.Wrapf(err, "reading payload checksum of record #%d", r.count)
	}
	if !r.skipChecksums {
		want := binary.LittleEndian.Uint32(r.footer[:])
		if got := MaskedCRC(data); got != want {
			return nil, errors.Wrapf(ErrCorrupted, "record #%d: payload checksum 0x%08x != 0x%08x", r.count, got, want)
		}
	}
	r.count++
	return data, nil
}

// Writer writes records to an io.Writer. Call Flush when done.
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter creates a Writer of TFRecords to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 1<<16)}
}

// Write one record with the given payload.
func (w *Writer) Write(payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:], MaskedCRC(header[:8]))
	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[:], MaskedCRC(payload))
	for _, part := range [][]byte{header[:], payload, footer[:]} {
		if _, err := w.w.Write(part); err != nil {
			return errors.Wrapf(err, "writing record #%d", w.count)
		}
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	return w.count
}

// Flush any buffered data to the underlying io.Writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "flushing tfrecord writer")
}

// ReadFile calls fn for each record of the file in filePath, in order.
// It stops at the first error returned by fn, and returns it.
func ReadFile(filePath string, fn func(idx int, payload []byte) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening tfrecord file")
	}
	defer func() { _ = f.Close() }()
	r := NewReader(f)
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "in file %q", filePath)
		}
		if err = fn(r.Count()-1, payload); err != nil {
			return err
		}
	}
}

// Count returns the number of records in the file. It verifies the checksums along the way.
func Count(filePath string) (int, error) {
	var n int
	err := ReadFile(filePath, func(_ int, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// WriteFile creates (or truncates) filePath with the given payloads as records.
func WriteFile(filePath string, payloads [][]byte) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating tfrecord file")
	}
	w := NewWriter(f)
	for _, payload := range payloads {
		if err = w.Write(payload); err != nil {
			_ = f.Close()
			return errors.WithMessagef(err, "in file %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "in file %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}
