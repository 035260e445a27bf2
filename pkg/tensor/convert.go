package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodeFloat32 widens (or narrows, for float64) encoded float elements into dst.
// Kernels compute in float32 regardless of the storage type.
func DecodeFloat32(dtype DType, src []byte, dst []float32) error {
	n := len(dst)
	if len(src) != n*dtype.Size() {
		return fmt.Errorf("decoding %s: have %d bytes for %d elements", dtype, len(src), n)
	}
	switch dtype {
	case Float32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case Float64:
		for i := range dst {
			dst[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:])))
		}
	case Float16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case BFloat16:
		copy(dst, bfloat16.DecodeFloat32(src))
	default:
		return fmt.Errorf("cannot decode %s as floating point", dtype)
	}
	return nil
}

// EncodeFloat32 stores float32 values as elements of a float dtype.
func EncodeFloat32(dtype DType, src []float32, dst []byte) error {
	if len(dst) != len(src)*dtype.Size() {
		return fmt.Errorf("encoding %s: have %d bytes for %d elements", dtype, len(dst), len(src))
	}
	switch dtype {
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case Float64:
		for i, v := range src {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(float64(v)))
		}
	case Float16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		copy(dst, bfloat16.EncodeFloat32(src))
	default:
		return fmt.Errorf("cannot encode %s as floating point", dtype)
	}
	return nil
}

// Convert converts every element of src (dtype from) into dst (dtype to).
//
// The conversion is checked: a value that cannot be represented in the
// destination type (NaN or a fraction into an integer, an out-of-range
// integer, a finite float that overflows to infinity) fails the whole
// conversion. Rounding of a representable float magnitude is accepted.
func Convert(src []byte, from DType, dst []byte, to DType) error {
	if from.Size() == 0 || to.Size() == 0 {
		return fmt.Errorf("cannot convert %s to %s", from, to)
	}
	n := len(src) / from.Size()
	if len(src) != n*from.Size() || len(dst) != n*to.Size() {
		return fmt.Errorf("converting %s to %s: mismatched buffer sizes %d and %d", from, to, len(src), len(dst))
	}
	if from == to {
		copy(dst, src)
		return nil
	}

	if !from.IsFloat() {
		values := make([]int64, n)
		for i := range values {
			values[i] = readInt(from, src, i)
		}
		if to.IsFloat() {
			floats := make([]float64, n)
			for i, v := range values {
				floats[i] = float64(v)
			}
			return writeFloats(to, floats, dst)
		}
		return writeInts(to, values, dst)
	}

	floats := make([]float64, n)
	for i := range floats {
		floats[i] = readFloat(from, src, i)
	}
	if to.IsFloat() {
		return writeFloats(to, floats, dst)
	}
	values := make([]int64, n)
	for i, f := range floats {
		if math.IsNaN(f) {
			return fmt.Errorf("element %d: cannot convert NaN to %s", i, to)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("element %d: %v is not an integer, cannot convert to %s", i, f, to)
		}
		if f < -(1<<63) || f >= 1<<63 {
			return fmt.Errorf("element %d: %v is out of range for %s", i, f, to)
		}
		values[i] = int64(f)
	}
	return writeInts(to, values, dst)
}

func readInt(dtype DType, b []byte, i int) int64 {
	switch dtype {
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(b[i*4:])))
	case Int64:
		return int64(binary.LittleEndian.Uint64(b[i*8:]))
	case Uint8:
		return int64(b[i])
	case Bool:
		if b[i] != 0 {
			return 1
		}
		return 0
	}
	panic(fmt.Sprintf("readInt on %s", dtype))
}

func readFloat(dtype DType, b []byte, i int) float64 {
	switch dtype {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32())
	case BFloat16:
		return float64(bfloat16.DecodeFloat32(b[i*2 : i*2+2])[0])
	}
	panic(fmt.Sprintf("readFloat on %s", dtype))
}

func intRange(dtype DType) (int64, int64) {
	switch dtype {
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Uint8:
		return 0, math.MaxUint8
	case Bool:
		return 0, 1
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func writeInts(dtype DType, values []int64, dst []byte) error {
	lo, hi := intRange(dtype)
	for i, v := range values {
		if v < lo || v > hi {
			return fmt.Errorf("element %d: %d is out of range for %s", i, v, dtype)
		}
		switch dtype {
		case Int32:
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(v)))
		case Int64:
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(v))
		case Uint8, Bool:
			dst[i] = byte(v)
		}
	}
	return nil
}

func writeFloats(dtype DType, values []float64, dst []byte) error {
	if dtype == Float64 {
		for i, v := range values {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
		return nil
	}

	narrowed := make([]float32, len(values))
	for i, v := range values {
		f := float32(v)
		if math.IsInf(float64(f), 0) && !math.IsInf(v, 0) {
			return fmt.Errorf("element %d: %v overflows %s", i, v, dtype)
		}
		narrowed[i] = f
	}
	if err := EncodeFloat32(dtype, narrowed, dst); err != nil {
		return err
	}
	if dtype == Float32 {
		return nil
	}

	// half precision types overflow well before float32 does
	check := make([]float32, len(narrowed))
	if err := DecodeFloat32(dtype, dst, check); err != nil {
		return err
	}
	for i, f := range check {
		if math.IsInf(float64(f), 0) && !math.IsInf(float64(narrowed[i]), 0) {
			return fmt.Errorf("element %d: %v overflows %s", i, values[i], dtype)
		}
	}
	return nil
}
