package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
)

// Array is a host-resident shaped, typed block of data used to pass values
// in and out of a computation. The data is little-endian encoded.
type Array struct {
	info Info
	data []byte
}

// FromBytes wraps already encoded data; the length must match the shape and dtype.
func FromBytes(dtype DType, shape Shape, data []byte) (Array, error) {
	info := Info{Shape: shape.Clone(), DType: dtype}
	if err := info.Validate(); err != nil {
		return Array{}, err
	}
	if len(data) != info.ByteSize() {
		return Array{}, fmt.Errorf("array %s needs %d bytes, got %d", info, info.ByteSize(), len(data))
	}
	return Array{info: info, data: data}, nil
}

func FromFloat32(shape Shape, values []float32) (Array, error) {
	if err := checkCount(shape, len(values)); err != nil {
		return Array{}, err
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Array{info: Info{Shape: shape.Clone(), DType: Float32}, data: data}, nil
}

func FromFloat64(shape Shape, values []float64) (Array, error) {
	if err := checkCount(shape, len(values)); err != nil {
		return Array{}, err
	}
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return Array{info: Info{Shape: shape.Clone(), DType: Float64}, data: data}, nil
}

func FromInt32(shape Shape, values []int32) (Array, error) {
	if err := checkCount(shape, len(values)); err != nil {
		return Array{}, err
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return Array{info: Info{Shape: shape.Clone(), DType: Int32}, data: data}, nil
}

func FromInt64(shape Shape, values []int64) (Array, error) {
	if err := checkCount(shape, len(values)); err != nil {
		return Array{}, err
	}
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return Array{info: Info{Shape: shape.Clone(), DType: Int64}, data: data}, nil
}

// Full returns a float32 array with every element set to value.
func Full(shape Shape, value float32) Array {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = value
	}
	a, _ := FromFloat32(shape, values)
	return a
}

func Ones(shape Shape) Array {
	return Full(shape, 1)
}

func Zeros(shape Shape) Array {
	return Full(shape, 0)
}

func checkCount(shape Shape, n int) error {
	if shape.NumElements() != n {
		return fmt.Errorf("shape %s holds %d elements, got %d values", shape, shape.NumElements(), n)
	}
	return nil
}

func (a Array) Info() Info {
	return a.info
}

func (a Array) Shape() Shape {
	return a.info.Shape.Clone()
}

func (a Array) DType() DType {
	return a.info.DType
}

// Bytes returns the encoded data. Callers must not modify it.
func (a Array) Bytes() []byte {
	return a.data
}

func (a Array) NumElements() int {
	return a.info.Shape.NumElements()
}

func (a Array) mismatch(want DType) error {
	return &errdefs.DTypeMismatchError{Tensor: "array", Want: want.String(), Got: a.info.DType.String()}
}

// Float32s returns the elements of a float32 array. Other dtypes must be converted first.
func (a Array) Float32s() ([]float32, error) {
	if a.info.DType != Float32 {
		return nil, a.mismatch(Float32)
	}
	out := make([]float32, a.NumElements())
	if err := DecodeFloat32(Float32, a.data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a Array) Float64s() ([]float64, error) {
	if a.info.DType != Float64 {
		return nil, a.mismatch(Float64)
	}
	out := make([]float64, a.NumElements())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.data[i*8:]))
	}
	return out, nil
}

func (a Array) Int32s() ([]int32, error) {
	if a.info.DType != Int32 {
		return nil, a.mismatch(Int32)
	}
	out := make([]int32, a.NumElements())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(a.data[i*4:]))
	}
	return out, nil
}

func (a Array) Int64s() ([]int64, error) {
	if a.info.DType != Int64 {
		return nil, a.mismatch(Int64)
	}
	out := make([]int64, a.NumElements())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.data[i*8:]))
	}
	return out, nil
}

// AsFloat64 widens any numeric array to float64 for comparison and display.
// Unlike Convert this never fails: every supported dtype fits in a float64
// up to integer precision beyond 2^53.
func (a Array) AsFloat64() []float64 {
	out := make([]float64, a.NumElements())
	for i := range out {
		if a.info.DType.IsFloat() {
			out[i] = readFloat(a.info.DType, a.data, i)
		} else {
			out[i] = float64(readInt(a.info.DType, a.data, i))
		}
	}
	return out
}

// Convert returns a copy of the array with a different dtype; see the package level Convert.
func (a Array) Convert(to DType) (Array, error) {
	dst := make([]byte, a.NumElements()*to.Size())
	if err := Convert(a.data, a.info.DType, dst, to); err != nil {
		return Array{}, err
	}
	return Array{info: Info{Shape: a.info.Shape.Clone(), DType: to}, data: dst}, nil
}

// Reshape returns a view of the same data with a new shape holding the same number of elements.
func (a Array) Reshape(shape Shape) (Array, error) {
	if shape.NumElements() != a.NumElements() {
		return Array{}, &errdefs.ShapeMismatchError{Tensor: "array", Want: a.info.Shape, Got: shape}
	}
	return Array{info: Info{Shape: shape.Clone(), DType: a.info.DType}, data: a.data}, nil
}

func (a Array) String() string {
	return fmt.Sprintf("Array(%s)", a.info)
}
