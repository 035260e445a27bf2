package graph

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Builder assembles a Graph in code. Each operator gets a generated node
// name (<op>_<n>) and a single output tensor (<op>_<n>.tmp_0).
type Builder struct {
	g       *Graph
	counter map[string]int
	err     error
}

func NewBuilder(name string) *Builder {
	return &Builder{
		g: &Graph{
			Name:   name,
			Params: make(map[string]*tensor.Buffer),
		},
		counter: make(map[string]int),
	}
}

// Input declares a feed tensor. Dimensions may be -1 to be bound at load time.
func (b *Builder) Input(name string, dtype tensor.DType, shape ...int) string {
	b.g.Vars = append(b.g.Vars, &Var{Name: name, Shape: shape, DType: dtype})
	b.g.Inputs = append(b.g.Inputs, name)
	return name
}

// Param declares a persistable tensor holding the array's values.
func (b *Builder) Param(name string, value tensor.Array) string {
	buf, err := tensor.BufferFromArray(name, value)
	if err != nil {
		b.setErr(fmt.Errorf("param %q: %w", name, err))
		return name
	}
	b.g.Vars = append(b.g.Vars, &Var{Name: name, Shape: value.Shape(), DType: value.DType(), Persistable: true})
	b.g.Params[name] = buf
	return name
}

// Op appends a node and returns the name of its output tensor.
func (b *Builder) Op(op string, attrs Attributes, inputs ...string) string {
	n := b.counter[op]
	b.counter[op] = n + 1

	name := fmt.Sprintf("%s_%d", op, n)
	out := name + ".tmp_0"
	b.g.Nodes = append(b.g.Nodes, &Node{
		Name:    name,
		Op:      op,
		Inputs:  inputs,
		Outputs: []string{out},
		Attrs:   attrs,
	})
	return out
}

// Output marks tensors as graph results, in order.
func (b *Builder) Output(names ...string) {
	b.g.Outputs = append(b.g.Outputs, names...)
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}
