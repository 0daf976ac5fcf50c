// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tfexample parses and serializes tf.Example protocol buffers, the payload of the
// TFRecord files holding the image dataset, and maps them to the fixed ImageRecord schema.
//
// It works directly on the protobuf wire format (google.golang.org/protobuf/encoding/protowire),
// so no generated code is needed for the three small messages involved:
//
//	message Example  { Features features = 1; }
//	message Features { map<string, Feature> feature = 1; }
//	message Feature  { oneof kind { BytesList bytes_list = 1; FloatList float_list = 2; Int64List int64_list = 3; } }
package tfexample

import (
	"maps"
	"math"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind of values held by a Feature.
type Kind int

const (
	KindNone Kind = iota
	KindBytes
	KindFloat
	KindInt64
)

// String returns the name of the kind, as used in error messages.
func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindFloat:
		return "float"
	case KindInt64:
		return "int64"
	default:
		return "none"
	}
}

// Feature is one entry of the tf.Example features map. Only the slice matching Kind is used.
type Feature struct {
	Kind   Kind
	Bytes  [][]byte
	Floats []float32
	Int64s []int64
}

// Len returns the number of values in the feature.
func (f *Feature) Len() int {
	switch f.Kind {
	case KindBytes:
		return len(f.Bytes)
	case KindFloat:
		return len(f.Floats)
	case KindInt64:
		return len(f.Int64s)
	}
	return 0
}

// BytesFeature creates a feature with the given byte strings.
func BytesFeature(values ...[]byte) *Feature { return &Feature{Kind: KindBytes, Bytes: values} }

// StringFeature creates a bytes feature with the given strings.
func StringFeature(values ...string) *Feature {
	f := &Feature{Kind: KindBytes, Bytes: make([][]byte, len(values))}
	for ii, v := range values {
		f.Bytes[ii] = []byte(v)
	}
	return f
}

// FloatFeature creates a feature with the given float values.
func FloatFeature(values ...float32) *Feature { return &Feature{Kind: KindFloat, Floats: values} }

// Int64Feature creates a feature with the given integer values.
func Int64Feature(values ...int64) *Feature { return &Feature{Kind: KindInt64, Int64s: values} }

// Features is the map of features of one tf.Example.
type Features map[string]*Feature

// Field numbers of the messages involved.
const (
	exampleFeaturesField protowire.Number = 1
	featuresMapField     protowire.Number = 1
	mapKeyField          protowire.Number = 1
	mapValueField        protowire.Number = 2
	bytesListField       protowire.Number = 1
	floatListField       protowire.Number = 2
	int64ListField       protowire.Number = 3
	listValueField       protowire.Number = 1
)

// ErrMalformed is returned (wrapped) when the payload is not a valid tf.Example encoding.
var ErrMalformed = errors.New("malformed tf.Example")

// forEachField iterates over the fields of a message, calling fn with the field number, wire type
// and the raw value (already length-delimited for BytesType).
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "invalid tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		var value []byte
		if typ == protowire.BytesType {
			value, n = protowire.ConsumeBytes(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				value = b[:n]
			}
		}
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "invalid value for field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, value); err != nil {
			return err
		}
	}
	return nil
}

// ParseFeatures parses a serialized tf.Example into its features.
// Unknown fields are skipped. Repeated map keys follow protobuf semantics: the last one wins.
func ParseFeatures(payload []byte) (Features, error) {
	features := make(Features)
	err := forEachField(payload, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != exampleFeaturesField || typ != protowire.BytesType {
			return nil
		}
		return forEachField(value, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresMapField || typ != protowire.BytesType {
				return nil
			}
			key, feature, err := parseMapEntry(entry)
			if err != nil {
				return err
			}
			features[key] = feature
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return features, nil
}

func parseMapEntry(entry []byte) (key string, feature *Feature, err error) {
	feature = &Feature{}
	err = forEachField(entry, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case mapKeyField:
			key = string(value)
		case mapValueField:
			feature, err = parseFeature(value)
			return err
		}
		return nil
	})
	if err != nil {
		return "", nil, errors.WithMessagef(err, "feature %q", key)
	}
	return
}

func parseFeature(b []byte) (*Feature, error) {
	feature := &Feature{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, list []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		// A oneof: the last kind present wins.
		switch num {
		case bytesListField:
			*feature = Feature{Kind: KindBytes, Bytes: [][]byte{}}
			return forEachField(list, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num == listValueField && typ == protowire.BytesType {
					feature.Bytes = append(feature.Bytes, slices.Clone(value))
				}
				return nil
			})
		case floatListField:
			*feature = Feature{Kind: KindFloat, Floats: []float32{}}
			return forEachField(list, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num != listValueField {
					return nil
				}
				switch typ {
				case protowire.Fixed32Type:
					v, _ := protowire.ConsumeFixed32(value)
					feature.Floats = append(feature.Floats, math.Float32frombits(v))
				case protowire.BytesType: // Packed.
					for len(value) > 0 {
						v, n := protowire.ConsumeFixed32(value)
						if n < 0 {
							return errors.Wrapf(ErrMalformed, "packed float list: %v", protowire.ParseError(n))
						}
						feature.Floats = append(feature.Floats, math.Float32frombits(v))
						value = value[n:]
					}
				}
				return nil
			})
		case int64ListField:
			*feature = Feature{Kind: KindInt64, Int64s: []int64{}}
			return forEachField(list, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num != listValueField {
					return nil
				}
				switch typ {
				case protowire.VarintType:
					v, _ := protowire.ConsumeVarint(value)
					feature.Int64s = append(feature.Int64s, int64(v))
				case protowire.BytesType: // Packed.
					for len(value) > 0 {
						v, n := protowire.ConsumeVarint(value)
						if n < 0 {
							return errors.Wrapf(ErrMalformed, "packed int64 list: %v", protowire.ParseError(n))
						}
						feature.Int64s = append(feature.Int64s, int64(v))
						value = value[n:]
					}
				}
				return nil
			})
		}
		return nil
	})
	return feature, err
}

// Marshal serializes the features as a tf.Example. Keys are written in sorted order, so the
// output is deterministic. Numeric lists are packed, as TensorFlow writes them.
func (features Features) Marshal() []byte {
	keys := slices.Sorted(maps.Keys(features))
	var featuresMsg []byte
	for _, key := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, mapKeyField, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, mapValueField, protowire.BytesType)
		entry = protowire.AppendBytes(entry, features[key].marshal())

		featuresMsg = protowire.AppendTag(featuresMsg, featuresMapField, protowire.BytesType)
		featuresMsg = protowire.AppendBytes(featuresMsg, entry)
	}
	var example []byte
	example = protowire.AppendTag(example, exampleFeaturesField, protowire.BytesType)
	example = protowire.AppendBytes(example, featuresMsg)
	return example
}

func (f *Feature) marshal() []byte {
	var list []byte
	var listField protowire.Number
	switch f.Kind {
	case KindBytes:
		listField = bytesListField
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, listValueField, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	case KindFloat:
		listField = floatListField
		if len(f.Floats) > 0 {
			packed := make([]byte, 0, 4*len(f.Floats))
			for _, v := range f.Floats {
				packed = protowire.AppendFixed32(packed, math.Float32bits(v))
			}
			list = protowire.AppendTag(list, listValueField, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	case KindInt64:
		listField = int64ListField
		if len(f.Int64s) > 0 {
			var packed []byte
			for _, v := range f.Int64s {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			list = protowire.AppendTag(list, listValueField, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	default:
		return nil
	}
	var msg []byte
	msg = protowire.AppendTag(msg, listField, protowire.BytesType)
	msg = protowire.AppendBytes(msg, list)
	return msg
}
