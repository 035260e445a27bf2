package ops

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// copyBytes moves the encoded input unchanged; identity and reshape share it.
type copyBytes struct{}

func (copyBytes) Run(in [][]byte, out []byte) error {
	if len(in[0]) != len(out) {
		return fmt.Errorf("copy of %d bytes into %d", len(in[0]), len(out))
	}
	copy(out, in[0])
	return nil
}

// castBytes converts between dtypes; values that do not fit fail the run.
type castBytes struct {
	from, to tensor.DType
}

func (k castBytes) Run(in [][]byte, out []byte) error {
	return tensor.Convert(in[0], k.from, out, k.to)
}

// reshapeTo resolves a target shape: 0 copies the input dimension at the
// same position and a single -1 is inferred from the element count.
func reshapeTo(in tensor.Shape, target []int) (tensor.Shape, error) {
	out := make(tensor.Shape, len(target))
	inferred := -1
	known := 1
	for i, d := range target {
		switch {
		case d == 0:
			if i >= len(in) {
				return nil, fmt.Errorf("reshape dimension %d copies a dimension %s does not have", i, in)
			}
			out[i] = in[i]
		case d == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("reshape target %v has more than one -1", target)
			}
			inferred = i
			continue
		case d < 0:
			return nil, fmt.Errorf("invalid reshape dimension %d", d)
		default:
			out[i] = d
		}
		known *= out[i]
	}
	total := in.NumElements()
	if inferred >= 0 {
		if known == 0 || total%known != 0 {
			return nil, &errdefs.ShapeMismatchError{Tensor: "reshape", Want: in, Got: target}
		}
		out[inferred] = total / known
	}
	if out.NumElements() != total {
		return nil, &errdefs.ShapeMismatchError{Tensor: "reshape", Want: in, Got: target}
	}
	return out, nil
}

func init() {
	Register(&Definition{
		Kind:      Identity,
		MinInputs: 1,
		MaxInputs: 1,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			return tensor.Info{Shape: in[0].Shape.Clone(), DType: in[0].DType}, nil
		},
		Bytes: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (ByteKernel, error) {
			return copyBytes{}, nil
		},
	})

	Register(&Definition{
		Kind:      Reshape,
		MinInputs: 1,
		MaxInputs: 1,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			target, err := attrs.Ints("shape", nil)
			if err != nil {
				return tensor.Info{}, err
			}
			if target == nil {
				return tensor.Info{}, fmt.Errorf("reshape needs a shape attribute")
			}
			shape, err := reshapeTo(in[0].Shape, target)
			if err != nil {
				return tensor.Info{}, err
			}
			return tensor.Info{Shape: shape, DType: in[0].DType}, nil
		},
		Bytes: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (ByteKernel, error) {
			return copyBytes{}, nil
		},
	})

	Register(&Definition{
		Kind:      Cast,
		MinInputs: 1,
		MaxInputs: 1,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			name, err := attrs.String("dtype", "")
			if err != nil {
				return tensor.Info{}, err
			}
			dtype, err := tensor.ParseDType(name)
			if err != nil {
				return tensor.Info{}, fmt.Errorf("cast: %w", err)
			}
			return tensor.Info{Shape: in[0].Shape.Clone(), DType: dtype}, nil
		},
		Bytes: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (ByteKernel, error) {
			return castBytes{from: in[0].DType, to: out.DType}, nil
		},
	})
}
