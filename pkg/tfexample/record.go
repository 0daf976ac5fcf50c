// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tfexample

import (
	"github.com/pkg/errors"
)

// Feature keys of the image records.
const (
	KeyEncoded      = "image/encoded"
	KeyFormat       = "image/format"
	KeyFilename     = "image/filename"
	KeyLabel        = "image/class/label"
	KeyText         = "image/class/text"
	KeyBBoxXMin     = "image/object/bbox/xmin"
	KeyBBoxYMin     = "image/object/bbox/ymin"
	KeyBBoxXMax     = "image/object/bbox/xmax"
	KeyBBoxYMax     = "image/object/bbox/ymax"
	KeyObjectLabels = "image/object/class/label"
)

// Default values used for fixed-length features missing from a record.
const (
	DefaultFormat   = "jpeg"
	DefaultFilename = "dummy filename"
	DefaultLabel    = int64(-1)
)

// ErrSchema is returned (wrapped) when a record doesn't conform to the image schema.
var ErrSchema = errors.New("tf.Example doesn't match image schema")

// ImageRecord is the content of one image record.
//
// The first five fields are fixed-length (exactly one value, or the default if missing),
// the remaining are variable-length lists, empty if missing.
type ImageRecord struct {
	Encoded  []byte
	Format   string
	Filename string
	Label    int64
	Text     string

	BBoxXMin, BBoxYMin, BBoxXMax, BBoxYMax []float32
	ObjectLabels                           []int64
}

// NewImageRecord returns a record with the default values of the schema.
func NewImageRecord() *ImageRecord {
	return &ImageRecord{
		Encoded:  []byte{},
		Format:   DefaultFormat,
		Filename: DefaultFilename,
		Label:    DefaultLabel,
	}
}

// Decode parses a serialized tf.Example into an ImageRecord, applying the defaults for missing
// features. Unknown features are ignored.
func Decode(payload []byte) (*ImageRecord, error) {
	features, err := ParseFeatures(payload)
	if err != nil {
		return nil, err
	}
	return FromFeatures(features)
}

// FromFeatures maps parsed features to the image schema.
func FromFeatures(features Features) (*ImageRecord, error) {
	rec := NewImageRecord()
	if v, found, err := fixedBytes(features, KeyEncoded); err != nil {
		return nil, err
	} else if found {
		rec.Encoded = v
	}
	for key, dst := range map[string]*string{KeyFormat: &rec.Format, KeyFilename: &rec.Filename, KeyText: &rec.Text} {
		if err := fixedString(features, key, dst); err != nil {
			return nil, err
		}
	}
	f, err := lookup(features, KeyLabel, KindInt64, true)
	if err != nil {
		return nil, err
	}
	if f != nil {
		rec.Label = f.Int64s[0]
	}

	for key, dst := range map[string]*[]float32{
		KeyBBoxXMin: &rec.BBoxXMin,
		KeyBBoxYMin: &rec.BBoxYMin,
		KeyBBoxXMax: &rec.BBoxXMax,
		KeyBBoxYMax: &rec.BBoxYMax,
	} {
		f, err := lookup(features, key, KindFloat, false)
		if err != nil {
			return nil, err
		}
		if f != nil {
			*dst = f.Floats
		}
	}
	if f, err = lookup(features, KeyObjectLabels, KindInt64, false); err != nil {
		return nil, err
	}
	if f != nil {
		rec.ObjectLabels = f.Int64s
	}
	return rec, nil
}

// lookup returns the feature for the key, or nil if it is missing. A feature with no kind set
// counts as missing.
func lookup(features Features, key string, kind Kind, fixed bool) (*Feature, error) {
	f, found := features[key]
	if !found || f == nil || f.Kind == KindNone {
		return nil, nil
	}
	if f.Kind != kind {
		return nil, errors.Wrapf(ErrSchema, "feature %q has kind %s, expected %s", key, f.Kind, kind)
	}
	if fixed && f.Len() != 1 {
		return nil, errors.Wrapf(ErrSchema, "feature %q must have exactly 1 value, got %d", key, f.Len())
	}
	return f, nil
}

func fixedBytes(features Features, key string) ([]byte, bool, error) {
	f, err := lookup(features, key, KindBytes, true)
	if err != nil || f == nil {
		return nil, false, err
	}
	return f.Bytes[0], true, nil
}

func fixedString(features Features, key string, dst *string) error {
	v, found, err := fixedBytes(features, key)
	if found {
		*dst = string(v)
	}
	return err
}

// Features converts the record back to tf.Example features.
// Variable-length lists are only included if not empty.
func (rec *ImageRecord) Features() Features {
	features := Features{
		KeyEncoded:  BytesFeature(rec.Encoded),
		KeyFormat:   StringFeature(rec.Format),
		KeyFilename: StringFeature(rec.Filename),
		KeyLabel:    Int64Feature(rec.Label),
		KeyText:     StringFeature(rec.Text),
	}
	for key, values := range map[string][]float32{
		KeyBBoxXMin: rec.BBoxXMin,
		KeyBBoxYMin: rec.BBoxYMin,
		KeyBBoxXMax: rec.BBoxXMax,
		KeyBBoxYMax: rec.BBoxYMax,
	} {
		if len(values) > 0 {
			features[key] = FloatFeature(values...)
		}
	}
	if len(rec.ObjectLabels) > 0 {
		features[KeyObjectLabels] = Int64Feature(rec.ObjectLabels...)
	}
	return features
}

// Encode serializes the record as a tf.Example.
func (rec *ImageRecord) Encode() []byte {
	return rec.Features().Marshal()
}
