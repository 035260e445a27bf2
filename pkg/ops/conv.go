package ops

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// window holds the spatial parameters shared by conv2d and pool2d.
type window struct {
	kh, kw     int
	strides    [2]int
	paddings   [2]int
	dilations  [2]int
	inH, inW   int
	outH, outW int
}

func (w *window) outputSize() error {
	effH := w.dilations[0]*(w.kh-1) + 1
	effW := w.dilations[1]*(w.kw-1) + 1
	w.outH = (w.inH+2*w.paddings[0]-effH)/w.strides[0] + 1
	w.outW = (w.inW+2*w.paddings[1]-effW)/w.strides[1] + 1
	if w.outH <= 0 || w.outW <= 0 {
		return fmt.Errorf("window %dx%d does not fit input %dx%d", w.kh, w.kw, w.inH, w.inW)
	}
	return nil
}

func windowAttrs(attrs graph.Attributes, w *window, withDilation bool) error {
	strides, err := attrs.Ints("strides", []int{1, 1})
	if err != nil {
		return err
	}
	if w.strides, err = pair(strides, "strides"); err != nil {
		return err
	}
	paddings, err := attrs.Ints("paddings", []int{0, 0})
	if err != nil {
		return err
	}
	// four-value paddings must be symmetric
	if len(paddings) == 4 {
		if paddings[0] != paddings[1] || paddings[2] != paddings[3] {
			return fmt.Errorf("asymmetric paddings %v are not supported", paddings)
		}
		paddings = []int{paddings[0], paddings[2]}
	}
	if w.paddings, err = pair(paddings, "paddings"); err != nil {
		return err
	}
	w.dilations = [2]int{1, 1}
	if withDilation {
		dilations, err := attrs.Ints("dilations", []int{1, 1})
		if err != nil {
			return err
		}
		if w.dilations, err = pair(dilations, "dilations"); err != nil {
			return err
		}
	}
	if w.strides[0] <= 0 || w.strides[1] <= 0 || w.dilations[0] <= 0 || w.dilations[1] <= 0 {
		return fmt.Errorf("strides and dilations must be positive")
	}
	return nil
}

type conv2d struct {
	w       window
	n, c, o int
	groups  int
}

func conv2dOf(attrs graph.Attributes, x, filter tensor.Shape) (*conv2d, error) {
	if len(x) != 4 || len(filter) != 4 {
		return nil, fmt.Errorf("conv2d expects NCHW input and OIHW filter, got %s and %s", x, filter)
	}
	groups, err := attrs.Int("groups", 1)
	if err != nil {
		return nil, err
	}
	if groups <= 0 || x[1]%groups != 0 || filter[0]%groups != 0 {
		return nil, fmt.Errorf("groups %d does not divide channels of %s and %s", groups, x, filter)
	}
	if filter[1] != x[1]/groups {
		return nil, &errdefs.ShapeMismatchError{Tensor: "filter", Want: []int{filter[0], x[1] / groups, filter[2], filter[3]}, Got: filter}
	}
	k := &conv2d{n: x[0], c: x[1], o: filter[0], groups: groups}
	k.w.kh, k.w.kw = filter[2], filter[3]
	k.w.inH, k.w.inW = x[2], x[3]
	if err := windowAttrs(attrs, &k.w, true); err != nil {
		return nil, err
	}
	if err := k.w.outputSize(); err != nil {
		return nil, err
	}
	return k, nil
}

// Items is one output row (n, o, y) per item.
func (k *conv2d) Items() int { return k.n * k.o * k.w.outH }

func (k *conv2d) Run(in [][]float32, out []float32, lo, hi int) error {
	x, filter := in[0], in[1]
	w := &k.w
	cPerGroup := k.c / k.groups
	oPerGroup := k.o / k.groups

	for item := lo; item < hi; item++ {
		oy := item % w.outH
		o := (item / w.outH) % k.o
		n := item / (w.outH * k.o)
		g := o / oPerGroup

		row := out[item*w.outW : (item+1)*w.outW]
		for ox := range row {
			var sum float32
			for ci := 0; ci < cPerGroup; ci++ {
				c := g*cPerGroup + ci
				for ky := 0; ky < w.kh; ky++ {
					iy := oy*w.strides[0] - w.paddings[0] + ky*w.dilations[0]
					if iy < 0 || iy >= w.inH {
						continue
					}
					for kx := 0; kx < w.kw; kx++ {
						ix := ox*w.strides[1] - w.paddings[1] + kx*w.dilations[1]
						if ix < 0 || ix >= w.inW {
							continue
						}
						xv := x[((n*k.c+c)*w.inH+iy)*w.inW+ix]
						fv := filter[((o*cPerGroup+ci)*w.kh+ky)*w.kw+kx]
						sum += xv * fv
					}
				}
			}
			row[ox] = sum
		}
	}
	return nil
}

func init() {
	Register(&Definition{
		Kind:      Conv2D,
		MinInputs: 2,
		MaxInputs: 2,
		Infer: func(attrs graph.Attributes, in []Operand) (tensor.Info, error) {
			if err := requireFloat(in); err != nil {
				return tensor.Info{}, err
			}
			k, err := conv2dOf(attrs, in[0].Shape, in[1].Shape)
			if err != nil {
				return tensor.Info{}, err
			}
			return tensor.Info{Shape: tensor.Shape{k.n, k.o, k.w.outH, k.w.outW}, DType: in[0].DType}, nil
		},
		Kernel: func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error) {
			k, err := conv2dOf(attrs, in[0].Shape, in[1].Shape)
			if err != nil {
				return nil, err
			}
			return k, nil
		},
	})
}
