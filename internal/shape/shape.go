// Package shape implements the shaped-array codec: a compact binary
// representation of an N-dimensional numeric array with dtype, shape and an
// optional validity mask, embedded inside stored tile records.
package shape

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType identifies the element type of an Array.
type DType uint8

const (
	UnknownDType DType = 0
	Float32      DType = 1
	Float64      DType = 2
	Int16        DType = 3
	Int32        DType = 4
	Int64        DType = 5
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Int16:
		return 2
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

func (d DType) valid() bool { return d.Size() > 0 }

// IsFloat reports whether the dtype is a floating-point type.
func (d DType) IsFloat() bool { return d == Float32 || d == Float64 }

// CodecError reports malformed array bytes. It is never retried.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return "shape codec: " + e.Reason
}

func codecErrf(format string, args ...interface{}) error {
	return &CodecError{Reason: fmt.Sprintf(format, args...)}
}

// Array is an N-dimensional numeric array in row-major order with an optional
// boolean mask. A mask entry of true marks a cell with no valid observation.
type Array struct {
	dtype DType
	shape []int
	data  []byte // little-endian element storage, Len()*dtype.Size() bytes
	mask  []bool // nil when the array carries no mask
}

// New returns a zero-filled unmasked array.
func New(dtype DType, dims ...int) *Array {
	n := product(dims)
	return &Array{
		dtype: dtype,
		shape: append([]int(nil), dims...),
		data:  make([]byte, n*dtype.Size()),
	}
}

// MaskedAll returns a zero-filled array with every cell masked.
func MaskedAll(dtype DType, dims ...int) *Array {
	a := New(dtype, dims...)
	a.mask = make([]bool, a.Len())
	for i := range a.mask {
		a.mask[i] = true
	}
	return a
}

// FromFloat64s builds an array of the given dtype and shape from float64
// values. The value count must match the shape.
func FromFloat64s(dtype DType, dims []int, values []float64) (*Array, error) {
	if !dtype.valid() {
		return nil, codecErrf("unsupported dtype %s", dtype)
	}
	if len(values) != product(dims) {
		return nil, codecErrf("value count %d does not match shape %v", len(values), dims)
	}
	a := New(dtype, dims...)
	for i, v := range values {
		a.SetFloat64(i, v)
	}
	return a, nil
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// DType returns the element type.
func (a *Array) DType() DType { return a.dtype }

// Shape returns a copy of the dimension sizes.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// NDim returns the number of dimensions.
func (a *Array) NDim() int { return len(a.shape) }

// Len returns the total element count (1 for a 0-dimensional array).
func (a *Array) Len() int { return product(a.shape) }

// Dim returns the size of dimension i.
func (a *Array) Dim(i int) int { return a.shape[i] }

// HasMask reports whether the array carries a mask.
func (a *Array) HasMask() bool { return a.mask != nil }

// Offset converts a multi-dimensional index to a flat row-major offset.
func (a *Array) Offset(idx ...int) int {
	off := 0
	for i, ix := range idx {
		off = off*a.shape[i] + ix
	}
	return off
}

// Float64 reads element i as a float64.
func (a *Array) Float64(i int) float64 {
	switch a.dtype {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(a.data[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(a.data[i*8:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(a.data[i*2:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(a.data[i*4:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(a.data[i*8:])))
	}
	return math.NaN()
}

// Int64 reads element i as an int64, truncating floats.
func (a *Array) Int64(i int) int64 {
	switch a.dtype {
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(a.data[i*2:])))
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(a.data[i*4:])))
	case Int64:
		return int64(binary.LittleEndian.Uint64(a.data[i*8:]))
	}
	return int64(a.Float64(i))
}

// SetFloat64 stores v at element i, converting to the array dtype.
func (a *Array) SetFloat64(i int, v float64) {
	switch a.dtype {
	case Float32:
		binary.LittleEndian.PutUint32(a.data[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(a.data[i*8:], math.Float64bits(v))
	case Int16:
		binary.LittleEndian.PutUint16(a.data[i*2:], uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(a.data[i*4:], uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(a.data[i*8:], uint64(int64(v)))
	}
}

// SetInt64 stores v at element i.
func (a *Array) SetInt64(i int, v int64) {
	switch a.dtype {
	case Int16:
		binary.LittleEndian.PutUint16(a.data[i*2:], uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(a.data[i*4:], uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(a.data[i*8:], uint64(v))
	default:
		a.SetFloat64(i, float64(v))
	}
}

// Masked reports whether element i is masked.
func (a *Array) Masked(i int) bool {
	return a.mask != nil && a.mask[i]
}

// SetMasked marks element i masked or unmasked, allocating the mask on first
// use.
func (a *Array) SetMasked(i int, m bool) {
	if a.mask == nil {
		if !m {
			return
		}
		a.mask = make([]bool, a.Len())
	}
	a.mask[i] = m
}

// MaskInvalid masks every NaN or infinite cell of a floating-point array.
// Integer arrays are returned unchanged.
func (a *Array) MaskInvalid() *Array {
	if !a.dtype.IsFloat() {
		return a
	}
	for i, n := 0, a.Len(); i < n; i++ {
		v := a.Float64(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			a.SetMasked(i, true)
		}
	}
	return a
}

// Reshape reinterprets the array with new dimensions. The element count must
// be unchanged.
func (a *Array) Reshape(dims ...int) error {
	if product(dims) != a.Len() {
		return codecErrf("cannot reshape %v to %v", a.shape, dims)
	}
	a.shape = append([]int(nil), dims...)
	return nil
}

// CountUnmasked returns the number of valid cells.
func (a *Array) CountUnmasked() int {
	if a.mask == nil {
		return a.Len()
	}
	n := 0
	for _, m := range a.mask {
		if !m {
			n++
		}
	}
	return n
}

// Float64s returns all elements converted to float64, masked cells included.
func (a *Array) Float64s() []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.Float64(i)
	}
	return out
}
