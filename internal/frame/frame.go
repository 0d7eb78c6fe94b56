// Package frame defines the unit of data a producer pushes into storage:
// one fixed-shape, fixed-dtype array stored as little-endian bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrUnknownDType = errors.New("unknown dtype")
	ErrBadShape     = errors.New("invalid shape")
	ErrBadLength    = errors.New("data length does not match shape")
)

// DType is an element type. Names follow the Zarr v3 data type names.
type DType string

const (
	Bool    DType = "bool"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

var itemSizes = map[DType]int{
	Bool: 1, Int8: 1, Uint8: 1,
	Int16: 2, Uint16: 2,
	Int32: 4, Uint32: 4, Float32: 4,
	Int64: 8, Uint64: 8, Float64: 8,
}

// numpy-style codes: kind letter plus item size, optionally with a byte-order prefix.
var dtypeCodes = map[string]DType{
	"?": Bool, "b1": Bool,
	"i1": Int8, "i2": Int16, "i4": Int32, "i8": Int64,
	"u1": Uint8, "u2": Uint16, "u4": Uint32, "u8": Uint64,
	"f4": Float32, "f8": Float64,
}

// ParseDType accepts canonical names ("uint16") and numpy codes ("<u2", "u2", "|u1").
// Big-endian codes are rejected since frames are always little-endian.
func ParseDType(s string) (DType, error) {
	s = strings.TrimSpace(s)
	if _, ok := itemSizes[DType(strings.ToLower(s))]; ok {
		return DType(strings.ToLower(s)), nil
	}
	code := s
	if len(code) > 0 {
		switch code[0] {
		case '<', '|', '=':
			code = code[1:]
		case '>':
			return "", fmt.Errorf("%w: %q is big-endian", ErrUnknownDType, s)
		}
	}
	if d, ok := dtypeCodes[code]; ok {
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDType, s)
}

// ItemSize returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) ItemSize() int {
	return itemSizes[d]
}

// Valid reports whether d is a known dtype.
func (d DType) Valid() bool {
	_, ok := itemSizes[d]
	return ok
}

// Shape is the per-frame dimensions, excluding the growing axis.
type Shape []int

// Size returns the element count. A rank-0 shape holds one element.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

// Validate rejects negative dimensions.
func (s Shape) Validate() error {
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrBadShape, i, d)
		}
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Frame is one array appended to a source's growing axis.
type Frame struct {
	DType DType  `json:"dtype" msgpack:"dtype"`
	Shape Shape  `json:"shape" msgpack:"shape"`
	Data  []byte `json:"data" msgpack:"data"`
}

// New builds a frame and validates the data length against shape and dtype.
func New(dtype DType, shape Shape, data []byte) (Frame, error) {
	f := Frame{DType: dtype, Shape: slices.Clone(shape), Data: data}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Zeros returns a zero-filled frame.
func Zeros(dtype DType, shape Shape) Frame {
	return Frame{
		DType: dtype,
		Shape: slices.Clone(shape),
		Data:  make([]byte, shape.Size()*dtype.ItemSize()),
	}
}

// ByteLen returns the number of bytes a frame of this dtype and shape occupies.
func ByteLen(dtype DType, shape Shape) int {
	return shape.Size() * dtype.ItemSize()
}

// Validate checks dtype, shape and data length.
func (f Frame) Validate() error {
	if !f.DType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDType, f.DType)
	}
	if err := f.Shape.Validate(); err != nil {
		return err
	}
	if want := ByteLen(f.DType, f.Shape); len(f.Data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %s %s", ErrBadLength, len(f.Data), want, f.DType, f.Shape)
	}
	return nil
}

// Element is the set of Go types that map onto a numeric DType.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// DTypeOf returns the DType matching T.
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return ""
}

// FromSlice encodes vals as a little-endian frame of the given shape.
func FromSlice[T Element](shape Shape, vals []T) (Frame, error) {
	dtype := DTypeOf[T]()
	if !dtype.Valid() {
		return Frame{}, fmt.Errorf("%w: unsupported element type %T", ErrUnknownDType, *new(T))
	}
	if err := shape.Validate(); err != nil {
		return Frame{}, err
	}
	if len(vals) != shape.Size() {
		return Frame{}, fmt.Errorf("%w: got %d values, want %d for %s", ErrBadLength, len(vals), shape.Size(), shape)
	}
	size := dtype.ItemSize()
	buf := make([]byte, len(vals)*size)
	for i, v := range vals {
		putElement(buf[i*size:], dtype, v)
	}
	return Frame{DType: dtype, Shape: slices.Clone(shape), Data: buf}, nil
}

// Values decodes a frame into a slice of T. T must match the frame dtype.
func Values[T Element](f Frame) ([]T, error) {
	dtype := DTypeOf[T]()
	if dtype != f.DType {
		return nil, fmt.Errorf("%w: frame is %s, requested %s", ErrUnknownDType, f.DType, dtype)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	size := dtype.ItemSize()
	out := make([]T, len(f.Data)/size)
	for i := range out {
		out[i] = element[T](f.Data[i*size:], dtype)
	}
	return out, nil
}

func putElement[T Element](b []byte, dtype DType, v T) {
	le := binary.LittleEndian
	switch dtype {
	case Int8, Uint8:
		b[0] = byte(v)
	case Int16, Uint16:
		le.PutUint16(b, uint16(v))
	case Int32, Uint32:
		le.PutUint32(b, uint32(v))
	case Int64, Uint64:
		le.PutUint64(b, uint64(v))
	case Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		le.PutUint64(b, math.Float64bits(float64(v)))
	}
}

func element[T Element](b []byte, dtype DType) T {
	le := binary.LittleEndian
	switch dtype {
	case Int8:
		return T(int8(b[0]))
	case Uint8:
		return T(b[0])
	case Int16:
		return T(int16(le.Uint16(b)))
	case Uint16:
		return T(le.Uint16(b))
	case Int32:
		return T(int32(le.Uint32(b)))
	case Uint32:
		return T(le.Uint32(b))
	case Int64:
		return T(int64(le.Uint64(b)))
	case Uint64:
		return T(le.Uint64(b))
	case Float32:
		return T(math.Float32frombits(le.Uint32(b)))
	case Float64:
		return T(math.Float64frombits(le.Uint64(b)))
	}
	return 0
}
