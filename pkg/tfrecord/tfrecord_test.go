// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tfrecord

import (
	"bytes"
	"io"
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedCRC(t *testing.T) {
	assert.Equal(t, uint32(0xa282ead8), MaskedCRC(nil))
	// CRC-32C("123456789") = 0xe3069283, the standard check value.
	assert.Equal(t, uint32(0xc78ab0e5), MaskedCRC([]byte("123456789")))
}

func writeRecords(t *testing.T, payloads ...[]byte) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, p := range payloads {
		require.NoError(t, w.Write(p))
	}
	require.NoError(t, w.Flush())
	require.Equal(t, len(payloads), w.Count())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xfe}, 100_000), []byte("last")}
	data := writeRecords(t, payloads...)
	wantSize := 0
	for _, p := range payloads {
		wantSize += headerSize + len(p) + footerSize
	}
	require.Len(t, data, wantSize)

	r := NewReader(bytes.NewReader(data))
	for ii, want := range payloads {
		got, err := r.Next()
		require.NoErrorf(t, err, "record #%d", ii)
		assert.Equalf(t, want, got, "record #%d", ii)
	}
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, len(payloads), r.Count())
}

func TestCorruption(t *testing.T) {
	data := writeRecords(t, []byte("hello"), []byte("world"))

	t.Run("payload", func(t *testing.T) {
		corrupted := bytes.Clone(data)
		corrupted[headerSize+1] ^= 0x04 // "e" -> "a"
		r := NewReader(bytes.NewReader(corrupted))
		_, err := r.Next()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCorrupted), "got %v", err)

		// With checksums disabled the (wrong) payload is returned.
		r = NewReader(bytes.NewReader(corrupted)).SkipChecksums(true)
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "hallo", string(got))
	})

	t.Run("length", func(t *testing.T) {
		corrupted := bytes.Clone(data)
		corrupted[0] ^= 0x10
		_, err := NewReader(bytes.NewReader(corrupted)).Next()
		assert.True(t, errors.Is(err, ErrCorrupted), "got %v", err)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, size := range []int{3, headerSize + 2, headerSize + 5 + 1} {
			r := NewReader(bytes.NewReader(data[:size]))
			_, err := r.Next()
			assert.Truef(t, errors.Is(err, ErrTruncated), "size=%d: got %v", size, err)
		}
		// The second record is truncated: the first is still read fine.
		r := NewReader(bytes.NewReader(data[:len(data)-1]))
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
		_, err = r.Next()
		assert.True(t, errors.Is(err, ErrTruncated), "got %v", err)
	})
}

func TestFiles(t *testing.T) {
	filePath := path.Join(t.TempDir(), "train-00000-of-00001")
	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	require.NoError(t, WriteFile(filePath, payloads))

	n, err := Count(filePath)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got [][]byte
	var indices []int
	require.NoError(t, ReadFile(filePath, func(idx int, payload []byte) error {
		indices = append(indices, idx)
		got = append(got, payload)
		return nil
	}))
	assert.Equal(t, payloads, got)
	assert.Equal(t, []int{0, 1, 2}, indices)

	stop := errors.New("stop")
	err = ReadFile(filePath, func(idx int, _ []byte) error {
		if idx == 1 {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)

	_, err = Count(path.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
