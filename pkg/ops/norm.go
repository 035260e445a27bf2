package ops

import (
	"math"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// softmax normalizes along one axis; the tensor is viewed as [outer, axis, inner].
type softmax struct {
	outer, dim, inner int
}

func softmaxOf(attrs graph.Attributes, x tensor.Shape) (*softmax, error) {
	axis, err := attrs.Int("axis", -1)
	if err != nil {
		return nil, err
	}
	if axis, err = normalizeAxis(axis, len(x)); err != nil {
		return nil, err
	}
	k := &softmax{outer: 1, dim: x[axis], inner: 1}
	for _, d := range x[:axis] {
		k.outer *= d
	}
	for _, d := range x[axis+1:] {
		k.inner *= d
	}
	return k, nil
}

func (k *softmax) Items() int { return k.outer * k.inner }

func (k *softmax) Run(in [][]float32, out []float32, lo, hi int) error {
	x := in[0]
	for item := lo; item < hi; item++ {
		o, i := item/k.inner, item%k.inner
		base := o*k.dim*k.inner + i

		maxValue := float32(math.Inf(-1))
		for a := 0; a < k.dim; a++ {
			maxValue = max(maxValue, x[base+a*k.inner])
		}
		var sum float64
		for a := 0; a < k.dim; a++ {
			e := math.Exp(float64(x[base+a*k.inner] - maxValue))
			out[base+a*k.inner] = float32(e)
			sum += e
		}
		for a := 0; a < k.dim; a++ {
			out[base+a*k.inner] = float32(float64(out[base+a*k.inner]) / sum)
		}
	}
	return nil
}

// rmsNorm normalizes each row of the last axis by its root mean square.
type rmsNorm struct {
	rows, width int
	epsilon     float32
	weighted    bool
}

func (k *rmsNorm) Items() int { return k.rows }

func (k *rmsNorm) Run(in [][]float32, out []float32, lo, hi int) error {
	x := in[0]
	for r := lo; r < hi; r++ {
		row := x[r*k.width : (r+1)*k.width]
		var sumX2 float32
		for _, v := range row {
			sumX2 += v * v
		}
		mean := sumX2 / float32(k.width)
		rms := float32(1.0 / math.Sqrt(float64(mean)+float64(k.epsilon)))

		dst := out[r*k.width : (r+1)*k.width]
		for j, v := range row {
			dst[j] = v * rms
			if k.weighted {
				dst[j] *= in[1][j]
			}
		}
	}
	return nil
}

// batchNorm applies inference-mode batch normalization over channel planes of [N, C, ...].
type batchNorm struct {
	n, c, plane int
	epsilon     float32
}

func (k *batchNorm) Items() int { return k.n * k.c }

func (k *batchNorm) Run(in [][]float32, out []float32, lo, hi int) error {
	x, scale, bias, mean, variance := in[0], in[1], in[2], in[3], in[4]
	for item := lo; item < hi; item++ {
		c := item % k.c
		inv := float32(1 / math.Sqrt(float64(variance[c])+float64(k.epsilon)))
		a := scale[c] * inv
		b := bias[c] - mean[c]*a
		base := item * k.plane
		for i := base; i < base+k.plane; i++ {
			out[i] = x[i]*a + b
		}
	}
	return nil
}

func init() {
	Register(&Definition{
		Kind:      Softmax,
		MinInputs: 1,
		MaxInputs: 1,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			if _, err := softmaxOf(attrs, in[0].Shape); err != nil {
				return tensor.Info{}, err
			}
			return tensor.Info{Shape: in[0].Shape.Clone(), DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			k, err := softmaxOf(attrs, in[0].Shape)
			if err != nil {
				return nil, err
			}
			return k, nil
		},
	})

	Register(&Definition{
		Kind:      RMSNorm,
		MinInputs: 1,
		MaxInputs: 2,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			x := in[0].Shape
			if len(x) == 0 {
				return tensor.Info{}, &errdefs.ShapeMismatchError{Tensor: in[0].Name, Want: []int{1}, Got: x}
			}
			if len(in) == 2 {
				want := []int{x[len(x)-1]}
				if !in[1].Shape.Equal(want) {
					return tensor.Info{}, &errdefs.ShapeMismatchError{Tensor: in[1].Name, Want: want, Got: in[1].Shape}
				}
			}
			return tensor.Info{Shape: x.Clone(), DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			epsilon, err := attrs.Float("epsilon", 1e-5)
			if err != nil {
				return nil, err
			}
			x := in[0].Shape
			width := x[len(x)-1]
			return &rmsNorm{
				rows:     x.NumElements() / width,
				width:    width,
				epsilon:  epsilon,
				weighted: len(in) == 2,
			}, nil
		},
	})

	Register(&Definition{
		Kind:      BatchNorm,
		MinInputs: 5,
		MaxInputs: 5,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			x := in[0].Shape
			if len(x) < 2 {
				return tensor.Info{}, &errdefs.ShapeMismatchError{Tensor: in[0].Name, Want: []int{-1, -1}, Got: x}
			}
			want := []int{x[1]}
			for _, param := range in[1:] {
				if !param.Shape.Equal(want) {
					return tensor.Info{}, &errdefs.ShapeMismatchError{Tensor: param.Name, Want: want, Got: param.Shape}
				}
			}
			return tensor.Info{Shape: x.Clone(), DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			epsilon, err := attrs.Float("epsilon", 1e-5)
			if err != nil {
				return nil, err
			}
			x := in[0].Shape
			return &batchNorm{
				n:       x[0],
				c:       x[1],
				plane:   x.NumElements() / (x[0] * x[1]),
				epsilon: epsilon,
			}, nil
		},
	})
}
