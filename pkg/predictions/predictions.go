// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package predictions reads and writes the flat predictions file: one decimal class label per line.
package predictions

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is used when creating the parent directories of the predictions file.
const DirPermMode = os.FileMode(0770)

// Write one `class + offset` per line to w.
func Write(w io.Writer, classes []int, offset int) error {
	bw := bufio.NewWriter(w)
	for _, class := range classes {
		if _, err := bw.WriteString(strconv.Itoa(class + offset)); err != nil {
			return errors.Wrap(err, "failed to write prediction")
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "failed to write prediction")
		}
	}
	return errors.Wrap(bw.Flush(), "failed to flush predictions")
}

// WriteFile writes the predictions to path, creating the parent directories if needed.
//
// The file is first written to a temporary file in the same directory and then renamed, so readers never
// see a partially written file.
func WriteFile(path string, classes []int, offset int) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %q for predictions", dir)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for predictions in %q", dir)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err = Write(f, classes, offset); err != nil {
		return errors.WithMessagef(err, "writing predictions to %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move predictions to %q", path)
	}
	klog.V(1).Infof("wrote %d predictions to %q", len(classes), path)
	return nil
}

// Read parses one integer per line. Empty lines are ignored.
func Read(r io.Reader) ([]int, error) {
	var labels []int
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		label, err := strconv.Atoi(line)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid prediction in line %d", lineNum)
		}
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read predictions")
	}
	return labels, nil
}

// ReadFile reads the predictions file written by WriteFile.
func ReadFile(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open predictions file")
	}
	defer func() { _ = f.Close() }()
	labels, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", path)
	}
	return labels, nil
}
