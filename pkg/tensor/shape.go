package tensor

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Shape is an ordered list of dimensions.
type Shape []int

// NumElements returns the product of the dimensions. A rank-0 shape holds one element.
// The product is only meaningful for a shape that passed Validate.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

// Validate checks that every dimension is positive and that the element
// count fits in an int.
func (s Shape) Validate() error {
	n := 1
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("dimension %d of shape %v is %d, must be positive", i, s, d)
		}
		if n > math.MaxInt/d {
			return fmt.Errorf("shape %v has too many elements", s)
		}
		n *= d
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseShape parses a comma separated list of dimensions, e.g. "1,3,224,224".
func ParseShape(s string) (Shape, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return Shape{}, nil
	}
	var shape Shape
	for _, token := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			return nil, fmt.Errorf("parsing dimension %q: %w", token, err)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

// Info is the layout of a tensor: its shape and element type.
type Info struct {
	Shape Shape `json:"shape"`
	DType DType `json:"dtype"`
}

// Validate checks the dtype and shape, and that the byte size fits in an int.
func (i Info) Validate() error {
	size := i.DType.Size()
	if size == 0 {
		return fmt.Errorf("invalid dtype %s", i.DType)
	}
	if err := i.Shape.Validate(); err != nil {
		return err
	}
	if i.Shape.NumElements() > math.MaxInt/size {
		return fmt.Errorf("tensor %s is too large to address", i)
	}
	return nil
}

// ByteSize is the number of bytes needed to hold the tensor.
func (i Info) ByteSize() int {
	return i.Shape.NumElements() * i.DType.Size()
}

func (i Info) String() string {
	return fmt.Sprintf("%s%s", i.DType, i.Shape)
}
