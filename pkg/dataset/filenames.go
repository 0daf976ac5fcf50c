// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
)

// Mode of a dataset: it selects the shards prefix and whether augmentation and shuffling are applied.
type Mode int

const (
	Train Mode = iota
	Eval
	Test
)

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	case Test:
		return "test"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Prefix returns the shards file prefix for the mode.
func (m Mode) Prefix() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "validation"
	default:
		return "test"
	}
}

// DefaultNumShards is the number of shards of each split, if not otherwise configured.
const DefaultNumShards = 1

// ShardFilename returns the name of shard idx out of numShards, following TensorFlow's
// "<prefix>-00000-of-00010" convention.
func ShardFilename(prefix string, idx, numShards int) string {
	return fmt.Sprintf("%s-%05d-of-%05d", prefix, idx, numShards)
}

// ShardFilenames returns the paths of all numShards shards with the given prefix, in order.
func ShardFilenames(dataDir, prefix string, numShards int) []string {
	files := make([]string, numShards)
	for ii := range files {
		files[ii] = path.Join(dataDir, ShardFilename(prefix, ii, numShards))
	}
	return files
}

// Filenames returns the shard paths of the split selected by mode.
func Filenames(dataDir string, mode Mode, numShards int) []string {
	return ShardFilenames(dataDir, mode.Prefix(), numShards)
}

// DiscoverShards finds the shards with the given prefix in dataDir. It returns an error if none is found,
// or if the set is incomplete or mixes different shard counts.
func DiscoverShards(dataDir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(path.Join(dataDir, prefix+"-[0-9][0-9][0-9][0-9][0-9]-of-[0-9][0-9][0-9][0-9][0-9]"))
	if err != nil {
		return nil, errors.Wrapf(err, "listing shards %q in %q", prefix, dataDir)
	}
	if len(matches) == 0 {
		return nil, errors.Errorf("no shards with prefix %q found in %q", prefix, dataDir)
	}
	var idx, numShards int
	if _, err = fmt.Sscanf(path.Base(matches[0]), prefix+"-%05d-of-%05d", &idx, &numShards); err != nil {
		return nil, errors.Wrapf(err, "parsing shard name %q", matches[0])
	}
	if numShards <= 0 {
		return nil, errors.Errorf("invalid shard name %q", matches[0])
	}
	want := ShardFilenames(dataDir, prefix, numShards)
	slices.Sort(matches)
	if !slices.Equal(matches, want) {
		return nil, errors.Errorf("incomplete or inconsistent shards for %q in %q: found %d files, expected %d (%s ... %s)",
			prefix, dataDir, len(matches), numShards, path.Base(want[0]), path.Base(want[numShards-1]))
	}
	return matches, nil
}
