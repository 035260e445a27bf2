package tensor

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
)

// Buffer is a named tensor that owns its data.
// len(data) == Info.ByteSize() holds for the lifetime of the buffer.
type Buffer struct {
	name string
	info Info
	data []byte
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(name string, info Info) (*Buffer, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	return &Buffer{
		name: name,
		info: Info{Shape: info.Shape.Clone(), DType: info.DType},
		data: make([]byte, info.ByteSize()),
	}, nil
}

// BufferFromArray creates a buffer holding a copy of the array.
func BufferFromArray(name string, a Array) (*Buffer, error) {
	b, err := NewBuffer(name, a.Info())
	if err != nil {
		return nil, err
	}
	copy(b.data, a.data)
	return b, nil
}

func (b *Buffer) Name() string {
	return b.name
}

func (b *Buffer) Info() Info {
	return b.info
}

func (b *Buffer) Shape() Shape {
	return b.info.Shape.Clone()
}

func (b *Buffer) DType() DType {
	return b.info.DType
}

// Bytes exposes the underlying storage.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// CheckLayout verifies that an array matches this buffer's shape and dtype.
func (b *Buffer) CheckLayout(a Array) error {
	return CheckLayout(b.name, b.info, a)
}

// CheckLayout verifies that an array matches a declared tensor layout.
// No dtype coercion happens here: callers convert explicitly first.
func CheckLayout(name string, info Info, a Array) error {
	if !info.Shape.Equal(a.info.Shape) {
		return &errdefs.ShapeMismatchError{Tensor: name, Want: info.Shape, Got: a.info.Shape}
	}
	if info.DType != a.info.DType {
		return &errdefs.DTypeMismatchError{Tensor: name, Want: info.DType.String(), Got: a.info.DType.String()}
	}
	return nil
}

// CopyFrom overwrites the buffer with the array's data.
func (b *Buffer) CopyFrom(a Array) error {
	if err := b.CheckLayout(a); err != nil {
		return err
	}
	copy(b.data, a.data)
	return nil
}

// Array returns a host copy of the buffer's contents.
func (b *Buffer) Array() Array {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return Array{info: Info{Shape: b.info.Shape.Clone(), DType: b.info.DType}, data: data}
}
