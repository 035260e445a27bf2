package ops

import (
	"math"

	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// unary is a Pointwise kernel defined by a scalar function.
type unary struct {
	n int
	f func(float32) float32
}

func (u *unary) Items() int { return u.n }

func (u *unary) Apply(x float32) float32 { return u.f(x) }

func (u *unary) Run(in [][]float32, out []float32, lo, hi int) error {
	src := in[0]
	for i := lo; i < hi; i++ {
		out[i] = u.f(src[i])
	}
	return nil
}

// Fuse composes pointwise kernels over the same number of elements into one,
// applied left to right.
func Fuse(kernels ...Pointwise) Pointwise {
	if len(kernels) == 1 {
		return kernels[0]
	}
	chain := append([]Pointwise(nil), kernels...)
	return &unary{
		n: chain[0].Items(),
		f: func(x float32) float32 {
			for _, k := range chain {
				x = k.Apply(x)
			}
			return x
		},
	}
}

func inferSameAsInput(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
	if err := requireFloat(in); err != nil {
		return tensor.Info{}, err
	}
	return tensor.Info{Shape: in[0].Shape.Clone(), DType: in[0].DType}, nil
}

func registerUnary(kind Kind, build func(attrs graph.Attributes) (func(float32) float32, error)) {
	Register(&Definition{
		Kind:      kind,
		MinInputs: 1,
		MaxInputs: 1,
		Pointwise: true,
		Infer:     inferSameAsInput,
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			f, err := build(attrs)
			if err != nil {
				return nil, err
			}
			return &unary{n: out.Shape.NumElements(), f: f}, nil
		},
	})
}

func init() {
	registerUnary(Relu, func(graph.Attributes) (func(float32) float32, error) {
		return func(x float32) float32 {
			if x > 0 {
				return x
			}
			return 0
		}, nil
	})

	registerUnary(Relu6, func(attrs graph.Attributes) (func(float32) float32, error) {
		threshold, err := attrs.Float("threshold", 6)
		if err != nil {
			return nil, err
		}
		return func(x float32) float32 {
			return min(max(x, 0), threshold)
		}, nil
	})

	registerUnary(Sigmoid, func(graph.Attributes) (func(float32) float32, error) {
		return func(x float32) float32 {
			return float32(1 / (1 + math.Exp(-float64(x))))
		}, nil
	})

	registerUnary(Tanh, func(graph.Attributes) (func(float32) float32, error) {
		return func(x float32) float32 {
			return float32(math.Tanh(float64(x)))
		}, nil
	})

	registerUnary(Scale, func(attrs graph.Attributes) (func(float32) float32, error) {
		scale, err := attrs.Float("scale", 1)
		if err != nil {
			return nil, err
		}
		bias, err := attrs.Float("bias", 0)
		if err != nil {
			return nil, err
		}
		biasAfterScale, err := attrs.Bool("bias_after_scale", true)
		if err != nil {
			return nil, err
		}
		if biasAfterScale {
			return func(x float32) float32 { return scale*x + bias }, nil
		}
		return func(x float32) float32 { return scale * (x + bias) }, nil
	})
}
