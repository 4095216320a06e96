package tensor

import (
	"bytes"
	"fmt"
	"unsafe"
)

// DataType identifies the element type of a tensor payload.
type DataType int

const (
	Float32 DataType = iota
	Float16
	Float64
)

// Size returns the width of one element in bytes, or 0 for an unknown type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	case Float64:
		return 8
	}
	return 0
}

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("DataType(%d)", int(dt))
}

// ParseDataType maps the short names used by flags and wire payloads.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "fp32", "float32":
		return Float32, nil
	case "fp16", "float16":
		return Float16, nil
	case "fp64", "float64":
		return Float64, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Tensor is a dense n-dimensional array over a flat byte buffer. Elements
// are stored contiguously in row-major order over Dims.
type Tensor struct {
	dtype DataType
	dims  []int
	buf   []byte
}

// New allocates a tensor with the given element type and shape.
func New(dt DataType, dims []int) *Tensor {
	t := &Tensor{}
	t.Resize(dt, dims)
	return t
}

// FromFloat32 builds a float32 tensor holding a copy of data.
func FromFloat32(dims []int, data []float32) *Tensor {
	t := New(Float32, dims)
	if len(data) != t.NumElems() {
		panic("tensor: data length does not match dimensions")
	}
	copy(t.AsFloat32(), data)
	return t
}

// FromFloat16 builds a float16 tensor from raw binary16 bit patterns.
func FromFloat16(dims []int, bits []uint16) *Tensor {
	t := New(Float16, dims)
	if len(bits) != t.NumElems() {
		panic("tensor: data length does not match dimensions")
	}
	copy(t.AsFloat16(), bits)
	return t
}

func (t *Tensor) DType() DataType { return t.dtype }

// Dims returns the shape. The slice is owned by the tensor and must not
// be modified by the caller.
func (t *Tensor) Dims() []int { return t.dims }

// NumElems returns the number of elements implied by the shape.
func (t *Tensor) NumElems() int {
	if len(t.dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// SizeBytes returns the payload size in bytes.
func (t *Tensor) SizeBytes() int {
	return t.NumElems() * t.dtype.Size()
}

// Resize changes the element type and shape, reusing the existing buffer
// when its capacity suffices. The contents are unspecified afterwards.
func (t *Tensor) Resize(dt DataType, dims []int) {
	t.dtype = dt
	t.dims = append(t.dims[:0], dims...)
	need := t.SizeBytes()
	if cap(t.buf) < need {
		t.buf = make([]byte, need)
	} else {
		t.buf = t.buf[:need]
	}
}

// Bytes returns the raw backing store in native element encoding.
func (t *Tensor) Bytes() []byte { return t.buf }

// AsFloat32 views the payload as float32 elements.
func (t *Tensor) AsFloat32() []float32 {
	if t.dtype != Float32 {
		panic("tensor: AsFloat32 on " + t.dtype.String() + " tensor")
	}
	if len(t.buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.buf[0])), t.NumElems())
}

// AsFloat16 views the payload as raw binary16 bit patterns.
func (t *Tensor) AsFloat16() []uint16 {
	if t.dtype != Float16 {
		panic("tensor: AsFloat16 on " + t.dtype.String() + " tensor")
	}
	if len(t.buf) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&t.buf[0])), t.NumElems())
}

// AsFloat64 views the payload as float64 elements.
func (t *Tensor) AsFloat64() []float64 {
	if t.dtype != Float64 {
		panic("tensor: AsFloat64 on " + t.dtype.String() + " tensor")
	}
	if len(t.buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&t.buf[0])), t.NumElems())
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.dtype, t.dims)
	copy(c.buf, t.buf)
	return c
}

// Equal reports whether type, shape and payload all match.
func (t *Tensor) Equal(o *Tensor) bool {
	if t.dtype != o.dtype || len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	return bytes.Equal(t.buf, o.buf)
}
