package ops

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

type pool2d struct {
	w         window
	n, c      int
	average   bool
	exclusive bool
}

func pool2dOf(attrs graph.Attributes, x tensor.Shape) (*pool2d, error) {
	if len(x) != 4 {
		return nil, fmt.Errorf("pool2d expects NCHW input, got %s", x)
	}
	poolingType, err := attrs.String("pooling_type", "max")
	if err != nil {
		return nil, err
	}
	k := &pool2d{n: x[0], c: x[1]}
	switch poolingType {
	case "max":
	case "avg":
		k.average = true
	default:
		return nil, fmt.Errorf("unknown pooling_type %q", poolingType)
	}
	if k.exclusive, err = attrs.Bool("exclusive", true); err != nil {
		return nil, err
	}

	k.w.inH, k.w.inW = x[2], x[3]
	global, err := attrs.Bool("global_pooling", false)
	if err != nil {
		return nil, err
	}
	if global {
		k.w.kh, k.w.kw = x[2], x[3]
		k.w.strides = [2]int{1, 1}
		k.w.dilations = [2]int{1, 1}
	} else {
		ksize, err := attrs.Ints("ksize", nil)
		if err != nil {
			return nil, err
		}
		size, err := pair(ksize, "ksize")
		if err != nil {
			return nil, err
		}
		k.w.kh, k.w.kw = size[0], size[1]
		if err := windowAttrs(attrs, &k.w, false); err != nil {
			return nil, err
		}
	}
	if err := k.w.outputSize(); err != nil {
		return nil, err
	}
	return k, nil
}

// Items is one output row (n, c, y) per item.
func (k *pool2d) Items() int { return k.n * k.c * k.w.outH }

func (k *pool2d) Run(in [][]float32, out []float32, lo, hi int) error {
	x := in[0]
	w := &k.w
	plane := w.inH * w.inW

	for item := lo; item < hi; item++ {
		oy := item % w.outH
		nc := item / w.outH
		src := x[nc*plane : (nc+1)*plane]

		row := out[item*w.outW : (item+1)*w.outW]
		for ox := range row {
			acc := float32(math.Inf(-1))
			if k.average {
				acc = 0
			}
			count := 0
			for ky := 0; ky < w.kh; ky++ {
				iy := oy*w.strides[0] - w.paddings[0] + ky
				for kx := 0; kx < w.kw; kx++ {
					ix := ox*w.strides[1] - w.paddings[1] + kx
					if iy < 0 || iy >= w.inH || ix < 0 || ix >= w.inW {
						continue
					}
					v := src[iy*w.inW+ix]
					if k.average {
						acc += v
					} else if v > acc {
						acc = v
					}
					count++
				}
			}
			if k.average {
				if !k.exclusive {
					count = w.kh * w.kw
				}
				if count > 0 {
					acc /= float32(count)
				}
			}
			row[ox] = acc
		}
	}
	return nil
}

func init() {
	Register(&Definition{
		Kind:      Pool2D,
		MinInputs: 1,
		MaxInputs: 1,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			k, err := pool2dOf(attrs, in[0].Shape)
			if err != nil {
				return tensor.Info{}, err
			}
			return tensor.Info{Shape: tensor.Shape{k.n, k.c, k.w.outH, k.w.outW}, DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			k, err := pool2dOf(attrs, in[0].Shape)
			if err != nil {
				return nil, err
			}
			return k, nil
		},
	})
}
