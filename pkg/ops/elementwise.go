package ops

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// broadcast describes Y broadcast against X: X is viewed as [pre, n, post]
// and Y as [n], where Y's dimensions match X's starting at axis.
type broadcast struct {
	pre, n, post int
}

func broadcastOf(x, y tensor.Shape, axis int) (broadcast, error) {
	if x.Equal(y) {
		return broadcast{pre: 1, n: x.NumElements(), post: 1}, nil
	}

	// trailing 1s in Y do not change the layout
	for len(y) > 1 && y[len(y)-1] == 1 {
		y = y[:len(y)-1]
	}
	if axis == -1 {
		axis = len(x) - len(y)
	}
	if axis < 0 || axis+len(y) > len(x) {
		return broadcast{}, fmt.Errorf("cannot broadcast %s against %s at axis %d", y, x, axis)
	}
	for i, d := range y {
		if x[axis+i] != d {
			return broadcast{}, fmt.Errorf("cannot broadcast %s against %s at axis %d", y, x, axis)
		}
	}
	b := broadcast{pre: 1, n: 1, post: 1}
	for i, d := range x {
		switch {
		case i < axis:
			b.pre *= d
		case i < axis+len(y):
			b.n *= d
		default:
			b.post *= d
		}
	}
	return b, nil
}

type binary struct {
	bc broadcast
	f  func(a, b float32) float32
}

func (k *binary) Items() int { return k.bc.pre * k.bc.n * k.bc.post }

func (k *binary) Run(in [][]float32, out []float32, lo, hi int) error {
	x, y := in[0], in[1]
	for i := lo; i < hi; i++ {
		j := (i / k.bc.post) % k.bc.n
		out[i] = k.f(x[i], y[j])
	}
	return nil
}

func registerBinary(kind Kind, f func(a, b float32) float32) {
	Register(&Definition{
		Kind:      kind,
		MinInputs: 2,
		MaxInputs: 2,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			axis, err := attrs.Int("axis", -1)
			if err != nil {
				return tensor.Info{}, err
			}
			if _, err := broadcastOf(in[0].Shape, in[1].Shape, axis); err != nil {
				return tensor.Info{}, &errdefs.ShapeMismatchError{Tensor: in[1].Name, Want: in[0].Shape, Got: in[1].Shape}
			}
			return tensor.Info{Shape: in[0].Shape.Clone(), DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			axis, err := attrs.Int("axis", -1)
			if err != nil {
				return nil, err
			}
			bc, err := broadcastOf(in[0].Shape, in[1].Shape, axis)
			if err != nil {
				return nil, err
			}
			return &binary{bc: bc, f: f}, nil
		},
	})
}

func init() {
	registerBinary(ElementwiseAdd, func(a, b float32) float32 { return a + b })
	registerBinary(ElementwiseMul, func(a, b float32) float32 { return a * b })
}
