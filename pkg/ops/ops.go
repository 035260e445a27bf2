// Package ops is the closed set of operators the engine can execute.
//
// Every operator kind has one Definition in a registration table. The
// compiler uses the definition to check arity, infer the output layout and
// build the kernel that backends run. A kind without a definition is
// rejected with an UnsupportedOpError.
package ops

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Kind names an operator.
type Kind string

const (
	Identity       Kind = "identity"
	Reshape        Kind = "reshape"
	Cast           Kind = "cast"
	Relu           Kind = "relu"
	Relu6          Kind = "relu6"
	Sigmoid        Kind = "sigmoid"
	Tanh           Kind = "tanh"
	Scale          Kind = "scale"
	ElementwiseAdd Kind = "elementwise_add"
	ElementwiseMul Kind = "elementwise_mul"
	MatMul         Kind = "matmul"
	Conv2D         Kind = "conv2d"
	Pool2D         Kind = "pool2d"
	Softmax        Kind = "softmax"
	RMSNorm        Kind = "rms_norm"
	BatchNorm      Kind = "batch_norm"
)

// Operand is an input of a node as seen by inference: its tensor name and layout.
type Operand struct {
	Name string
	tensor.Info
}

// Kernel computes a float operator over decoded float32 data.
//
// The work is split into Items() independent items; Run computes items
// [lo, hi) and writes only the part of out those items own, so disjoint
// ranges may run concurrently.
type Kernel interface {
	Items() int
	Run(in [][]float32, out []float32, lo, hi int) error
}

// Pointwise is a unary kernel where each output element depends only on the
// matching input element. Chains of pointwise kernels can be fused.
type Pointwise interface {
	Kernel
	Apply(x float32) float32
}

// ByteKernel works on encoded data, for operators that move or convert
// elements rather than compute on them.
type ByteKernel interface {
	Run(in [][]byte, out []byte) error
}

// Definition describes one operator kind.
type Definition struct {
	Kind      Kind
	MinInputs int
	MaxInputs int

	// Pointwise kinds build Pointwise kernels and may be fused.
	Pointwise bool

	// Infer returns the layout of the single output.
	Infer func(attrs graph.Attributes, in []Operand) (tensor.Info, error)

	// Kernel builds the float kernel. Nil for byte operators.
	Kernel func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (Kernel, error)

	// Bytes builds the byte kernel. Nil for float operators.
	Bytes func(attrs graph.Attributes, in []tensor.Info, out tensor.Info) (ByteKernel, error)
}

// CheckArity verifies the number of inputs a node supplies.
func (d *Definition) CheckArity(node string, n int) error {
	if n < d.MinInputs || n > d.MaxInputs {
		if d.MinInputs == d.MaxInputs {
			return fmt.Errorf("node %q: %s takes %d inputs, got %d", node, d.Kind, d.MinInputs, n)
		}
		return fmt.Errorf("node %q: %s takes %d to %d inputs, got %d", node, d.Kind, d.MinInputs, d.MaxInputs, n)
	}
	return nil
}

var (
	registryMutex sync.RWMutex
	registry      = make(map[Kind]*Definition)
)

// Register adds a definition to the table. Registering a kind twice panics.
func Register(def *Definition) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if def.Kind == "" {
		panic("ops: Register called with an empty kind")
	}
	if _, dup := registry[def.Kind]; dup {
		panic(fmt.Sprintf("ops: Register called twice for %q", def.Kind))
	}
	if (def.Kernel == nil) == (def.Bytes == nil) {
		panic(fmt.Sprintf("ops: %q must define exactly one of Kernel and Bytes", def.Kind))
	}
	registry[def.Kind] = def
}

// Lookup returns the definition of an operator kind.
func Lookup(kind string) (*Definition, error) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	def, found := registry[Kind(kind)]
	if !found {
		return nil, &errdefs.UnsupportedOpError{Op: kind}
	}
	return def, nil
}

// Kinds lists the registered operator kinds in sorted order.
func Kinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// requireFloat checks that every operand is floating point and that they share one dtype.
func requireFloat(in []Operand) error {
	for _, op := range in {
		if !op.DType.IsFloat() {
			return &errdefs.DTypeMismatchError{Tensor: op.Name, Want: "floating point", Got: op.DType.String()}
		}
		if op.DType != in[0].DType {
			return &errdefs.DTypeMismatchError{Tensor: op.Name, Want: in[0].DType.String(), Got: op.DType.String()}
		}
	}
	return nil
}

// normalizeAxis maps a possibly negative axis into [0, rank).
func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// pair expands a one or two element attribute to two values.
func pair(values []int, name string) ([2]int, error) {
	switch len(values) {
	case 1:
		return [2]int{values[0], values[0]}, nil
	case 2:
		return [2]int{values[0], values[1]}, nil
	default:
		return [2]int{}, fmt.Errorf("attribute %q must have 1 or 2 values, got %v", name, values)
	}
}
