// Package tensor holds the host-side tensor types: element types, shapes,
// host arrays used for interchange and the named buffers a computation owns.
package tensor

import (
	"fmt"
	"strings"
)

// DType is the element type of a tensor.
type DType int

const (
	Invalid DType = iota
	Float32
	Float64
	Float16
	BFloat16
	Int32
	Int64
	Uint8
	Bool
)

var dtypeNames = map[DType]string{
	Float32:  "float32",
	Float64:  "float64",
	Float16:  "float16",
	BFloat16: "bfloat16",
	Int32:    "int32",
	Int64:    "int64",
	Uint8:    "uint8",
	Bool:     "bool",
}

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16, BFloat16:
		return 2
	case Uint8, Bool:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether the type is a floating point type.
func (d DType) IsFloat() bool {
	switch d {
	case Float32, Float64, Float16, BFloat16:
		return true
	}
	return false
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDType parses the text name of a dtype.
func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "fp32", "float":
		return Float32, nil
	case "fp16", "half":
		return Float16, nil
	case "bf16":
		return BFloat16, nil
	case "fp64", "double":
		return Float64, nil
	}
	for dtype, name := range dtypeNames {
		if name == s {
			return dtype, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

func (d DType) MarshalText() ([]byte, error) {
	if _, ok := dtypeNames[d]; !ok {
		return nil, fmt.Errorf("cannot marshal invalid dtype %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
