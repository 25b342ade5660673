// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package series implements the typed column values exchanged with a
// wart worker: single-typed sequences (a closed set of six element types)
// and named tables built from them.
//
// A Series is a sealed interface. The concrete Go type is the variant tag,
// so an empty Int32s{} is distinguishable from an absent (nil) Series.
package series

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrTypeMismatch is returned when values of different element types are
// combined, either while encoding a heterogeneous sequence or while merging
// into an entry of another type.
var ErrTypeMismatch = errors.New("type mismatch")

// Type identifies the element type of a Series.
type Type int8

const (
	// TypeNone is the type of a nil Series.
	TypeNone Type = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	default:
		return "none"
	}
}

// Series is a single-typed sequence of values. The implementations are
// Bools, Int32s, Int64s, Float32s, Float64s and Strings.
type Series interface {
	Type() Type
	Len() int
	sealed()
}

type (
	Bools    []bool
	Int32s   []int32
	Int64s   []int64
	Float32s []float32
	Float64s []float64
	Strings  []string
)

func (Bools) Type() Type    { return TypeBool }
func (Int32s) Type() Type   { return TypeInt32 }
func (Int64s) Type() Type   { return TypeInt64 }
func (Float32s) Type() Type { return TypeFloat32 }
func (Float64s) Type() Type { return TypeFloat64 }
func (Strings) Type() Type  { return TypeString }

func (s Bools) Len() int    { return len(s) }
func (s Int32s) Len() int   { return len(s) }
func (s Int64s) Len() int   { return len(s) }
func (s Float32s) Len() int { return len(s) }
func (s Float64s) Len() int { return len(s) }
func (s Strings) Len() int  { return len(s) }

func (Bools) sealed()    {}
func (Int32s) sealed()   {}
func (Int64s) sealed()   {}
func (Float32s) sealed() {}
func (Float64s) sealed() {}
func (Strings) sealed()  {}

// TypeOf returns the element type of s, or TypeNone when s is nil.
func TypeOf(s Series) Type {
	if s == nil {
		return TypeNone
	}
	return s.Type()
}

// Len returns the number of elements in s; a nil Series has none.
func Len(s Series) int {
	if s == nil {
		return 0
	}
	return s.Len()
}

// Encode builds a Series from a Go slice. Typed slices map directly onto
// their variant; []int becomes Int64s. A []any must be homogeneous, and an
// empty []any yields a nil Series because it carries no element type.
func Encode(values any) (Series, error) {
	switch v := values.(type) {
	case nil:
		return nil, nil
	case Series:
		return v, nil
	case []bool:
		return Bools(v), nil
	case []int32:
		return Int32s(v), nil
	case []int64:
		return Int64s(v), nil
	case []int:
		out := make(Int64s, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []float32:
		return Float32s(v), nil
	case []float64:
		return Float64s(v), nil
	case []string:
		return Strings(v), nil
	case []any:
		return encodeAny(v)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrTypeMismatch, values)
	}
}

func encodeAny(values []any) (Series, error) {
	if len(values) == 0 {
		return nil, nil
	}
	want := elementType(values[0])
	if want == TypeNone {
		return nil, fmt.Errorf("%w: unsupported element %T", ErrTypeMismatch, values[0])
	}
	for i, v := range values[1:] {
		if got := elementType(v); got != want {
			return nil, fmt.Errorf("%w: element %d is %T, want %s", ErrTypeMismatch, i+1, v, want)
		}
	}
	switch want {
	case TypeBool:
		out := make(Bools, len(values))
		for i, v := range values {
			out[i] = v.(bool)
		}
		return out, nil
	case TypeInt32:
		out := make(Int32s, len(values))
		for i, v := range values {
			out[i] = v.(int32)
		}
		return out, nil
	case TypeInt64:
		out := make(Int64s, len(values))
		for i, v := range values {
			switch x := v.(type) {
			case int:
				out[i] = int64(x)
			case int64:
				out[i] = x
			}
		}
		return out, nil
	case TypeFloat32:
		out := make(Float32s, len(values))
		for i, v := range values {
			out[i] = v.(float32)
		}
		return out, nil
	case TypeFloat64:
		out := make(Float64s, len(values))
		for i, v := range values {
			out[i] = v.(float64)
		}
		return out, nil
	default:
		out := make(Strings, len(values))
		for i, v := range values {
			out[i] = v.(string)
		}
		return out, nil
	}
}

func elementType(v any) Type {
	switch v.(type) {
	case bool:
		return TypeBool
	case int32:
		return TypeInt32
	case int, int64:
		return TypeInt64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	case string:
		return TypeString
	default:
		return TypeNone
	}
}

// Decode returns the variant tag of s and its underlying Go slice.
func Decode(s Series) (Type, any) {
	switch v := s.(type) {
	case Bools:
		return TypeBool, []bool(v)
	case Int32s:
		return TypeInt32, []int32(v)
	case Int64s:
		return TypeInt64, []int64(v)
	case Float32s:
		return TypeFloat32, []float32(v)
	case Float64s:
		return TypeFloat64, []float64(v)
	case Strings:
		return TypeString, []string(v)
	default:
		return TypeNone, nil
	}
}

// At returns element i of s as a Go scalar.
func At(s Series, i int) any {
	switch v := s.(type) {
	case Bools:
		return v[i]
	case Int32s:
		return v[i]
	case Int64s:
		return v[i]
	case Float32s:
		return v[i]
	case Float64s:
		return v[i]
	case Strings:
		return v[i]
	default:
		panic(fmt.Sprintf("series: At on %T", s))
	}
}

// Slice returns elements [lo, hi) of s, sharing its storage.
func Slice(s Series, lo, hi int) Series {
	switch v := s.(type) {
	case Bools:
		return v[lo:hi]
	case Int32s:
		return v[lo:hi]
	case Int64s:
		return v[lo:hi]
	case Float32s:
		return v[lo:hi]
	case Float64s:
		return v[lo:hi]
	case Strings:
		return v[lo:hi]
	default:
		return nil
	}
}

// Clone returns a copy of s that shares no storage with it.
func Clone(s Series) Series {
	switch v := s.(type) {
	case Bools:
		return slices.Clone(v)
	case Int32s:
		return slices.Clone(v)
	case Int64s:
		return slices.Clone(v)
	case Float32s:
		return slices.Clone(v)
	case Float64s:
		return slices.Clone(v)
	case Strings:
		return slices.Clone(v)
	default:
		return nil
	}
}

// Add combines a and b element-wise: numbers are summed, booleans are
// or-ed and strings are concatenated. Both operands must share type and
// length.
func Add(a, b Series) (Series, error) {
	if TypeOf(a) != TypeOf(b) {
		return nil, fmt.Errorf("%w: cannot add %s to %s", ErrTypeMismatch, TypeOf(b), TypeOf(a))
	}
	if Len(a) != Len(b) {
		return nil, fmt.Errorf("series: cannot add %d elements to %d", Len(b), Len(a))
	}
	switch x := a.(type) {
	case Bools:
		y := b.(Bools)
		out := make(Bools, len(x))
		for i := range x {
			out[i] = x[i] || y[i]
		}
		return out, nil
	case Int32s:
		return addNumbers(x, b.(Int32s)), nil
	case Int64s:
		return addNumbers(x, b.(Int64s)), nil
	case Float32s:
		return addNumbers(x, b.(Float32s)), nil
	case Float64s:
		return addNumbers(x, b.(Float64s)), nil
	case Strings:
		y := b.(Strings)
		out := make(Strings, len(x))
		for i := range x {
			out[i] = x[i] + y[i]
		}
		return out, nil
	default:
		return nil, nil
	}
}

func addNumbers[S ~[]E, E int32 | int64 | float32 | float64](x, y S) S {
	out := make(S, len(x))
	for i := range x {
		out[i] = x[i] + y[i]
	}
	return out
}

// Slots is the one-field-per-type record shape older clients send, where
// the populated field is inferred from which slot holds data.
type Slots struct {
	BoolValues    []bool
	Int32Values   []int32
	Int64Values   []int64
	Float32Values []float32
	Float64Values []float64
	StringValues  []string
}

// FromSlots picks the single non-empty slot. All slots empty yields a nil
// Series: an explicitly empty column cannot be told apart from an unset
// one in this shape.
func FromSlots(sl Slots) (Series, error) {
	var found []Series
	if len(sl.BoolValues) > 0 {
		found = append(found, Bools(sl.BoolValues))
	}
	if len(sl.Int32Values) > 0 {
		found = append(found, Int32s(sl.Int32Values))
	}
	if len(sl.Int64Values) > 0 {
		found = append(found, Int64s(sl.Int64Values))
	}
	if len(sl.Float32Values) > 0 {
		found = append(found, Float32s(sl.Float32Values))
	}
	if len(sl.Float64Values) > 0 {
		found = append(found, Float64s(sl.Float64Values))
	}
	if len(sl.StringValues) > 0 {
		found = append(found, Strings(sl.StringValues))
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, s := range found {
			names[i] = s.Type().String()
		}
		return nil, fmt.Errorf("%w: %d slots populated (%s)", ErrTypeMismatch, len(found), strings.Join(names, ", "))
	}
}

// ToSlots spreads s into the slot shape.
func ToSlots(s Series) Slots {
	var sl Slots
	switch v := s.(type) {
	case Bools:
		sl.BoolValues = v
	case Int32s:
		sl.Int32Values = v
	case Int64s:
		sl.Int64Values = v
	case Float32s:
		sl.Float32Values = v
	case Float64s:
		sl.Float64Values = v
	case Strings:
		sl.StringValues = v
	}
	return sl
}
