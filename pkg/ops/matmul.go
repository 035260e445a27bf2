package ops

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// matmulDims is the problem size of a (possibly batched) matrix product.
// X is [batch..., M, K] (or [K, M] transposed), Y is [K, N] or [batch..., K, N].
type matmulDims struct {
	batch, m, k, n int
	transposeX     bool
	transposeY     bool
	batchedY       bool
}

func matmulDimsOf(x, y tensor.Shape, transposeX, transposeY bool) (matmulDims, tensor.Shape, error) {
	if len(x) < 2 || len(y) < 2 {
		return matmulDims{}, nil, fmt.Errorf("matmul needs rank >= 2 operands, got %s and %s", x, y)
	}
	d := matmulDims{transposeX: transposeX, transposeY: transposeY, batch: 1}

	xr, xc := x[len(x)-2], x[len(x)-1]
	if transposeX {
		xr, xc = xc, xr
	}
	yr, yc := y[len(y)-2], y[len(y)-1]
	if transposeY {
		yr, yc = yc, yr
	}
	if xc != yr {
		return matmulDims{}, nil, fmt.Errorf("matmul inner dimensions differ: %s and %s", x, y)
	}
	d.m, d.k, d.n = xr, xc, yc

	batchDims := x[:len(x)-2]
	for _, b := range batchDims {
		d.batch *= b
	}
	if len(y) > 2 {
		if !tensor.Shape(y[:len(y)-2]).Equal(batchDims) {
			return matmulDims{}, nil, fmt.Errorf("matmul batch dimensions differ: %s and %s", x, y)
		}
		d.batchedY = true
	}

	out := append(batchDims.Clone(), d.m, d.n)
	return d, out, nil
}

type matmul struct {
	d matmulDims
}

// Items is one output row per item.
func (k *matmul) Items() int { return k.d.batch * k.d.m }

func (k *matmul) Run(in [][]float32, out []float32, lo, hi int) error {
	x, y := in[0], in[1]
	d := k.d
	for item := lo; item < hi; item++ {
		b, i := item/d.m, item%d.m
		xBase := b * d.m * d.k
		yBase := 0
		if d.batchedY {
			yBase = b * d.k * d.n
		}
		row := out[item*d.n : (item+1)*d.n]
		for j := range row {
			var sum float32
			for p := 0; p < d.k; p++ {
				var xv, yv float32
				if d.transposeX {
					xv = x[xBase+p*d.m+i]
				} else {
					xv = x[xBase+i*d.k+p]
				}
				if d.transposeY {
					yv = y[yBase+j*d.k+p]
				} else {
					yv = y[yBase+p*d.n+j]
				}
				sum += xv * yv
			}
			row[j] = sum
		}
	}
	return nil
}

func init() {
	Register(&Definition{
		Kind:      MatMul,
		MinInputs: 2,
		MaxInputs: 2,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			tx, err := attrs.Bool("transpose_x", false)
			if err != nil {
				return tensor.Info{}, err
			}
			ty, err := attrs.Bool("transpose_y", false)
			if err != nil {
				return tensor.Info{}, err
			}
			_, out, err := matmulDimsOf(in[0].Shape, in[1].Shape, tx, ty)
			if err != nil {
				return tensor.Info{}, &errdefs.ShapeMismatchError{Tensor: in[1].Name, Want: in[0].Shape, Got: in[1].Shape}
			}
			return tensor.Info{Shape: out, DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			tx, err := attrs.Bool("transpose_x", false)
			if err != nil {
				return nil, err
			}
			ty, err := attrs.Bool("transpose_y", false)
			if err != nil {
				return nil, err
			}
			d, _, err := matmulDimsOf(in[0].Shape, in[1].Shape, tx, ty)
			if err != nil {
				return nil, err
			}
			return &matmul{d: d}, nil
		},
	})
}
