package compiler

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/ops"
	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Role is how a tensor is used by a plan.
type Role int

const (
	RoleInput Role = iota
	RoleParam
	RoleIntermediate
	RoleOutput
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleParam:
		return "param"
	case RoleIntermediate:
		return "intermediate"
	case RoleOutput:
		return "output"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// TensorDecl is a tensor the plan needs a buffer for.
type TensorDecl struct {
	Name string
	Info tensor.Info
	Role Role

	// Param is the value of a RoleParam tensor.
	Param *tensor.Buffer
}

// Instruction is one kernel launch. Fused instructions cover a chain of nodes.
type Instruction struct {
	Index  int
	Nodes  []*graph.Node
	Ops    []ops.Kind
	Inputs []string
	Output string

	// Exactly one of Kernel and Bytes is set.
	Kernel ops.Kernel
	Bytes  ops.ByteKernel
}

// OpName names the instruction's operator, e.g. "conv2d" or "fused(scale,relu)".
func (i *Instruction) OpName() string {
	if len(i.Ops) == 1 {
		return string(i.Ops[0])
	}
	names := make([]string, len(i.Ops))
	for j, op := range i.Ops {
		names[j] = string(op)
	}
	return "fused(" + strings.Join(names, ",") + ")"
}

// NodeName names the graph node(s) the instruction came from.
func (i *Instruction) NodeName() string {
	names := make([]string, len(i.Nodes))
	for j, node := range i.Nodes {
		names[j] = node.Name
	}
	return strings.Join(names, "+")
}

// Plan is a graph compiled for one target.
type Plan struct {
	Target       target.Target
	Tensors      *orderedmap.OrderedMap[string, *TensorDecl]
	Instructions []*Instruction
	Inputs       []string
	Outputs      []string

	fetchable map[string]bool
}

// Tensor returns the declaration of a tensor.
func (p *Plan) Tensor(name string) (*TensorDecl, bool) {
	return p.Tensors.Get(name)
}

// IsFetchable reports whether callers may read or bind the named tensor.
func (p *Plan) IsFetchable(name string) bool {
	return p.fetchable[name]
}

// Fetchable lists the tensors callers may access, in declaration order.
func (p *Plan) Fetchable() []string {
	var names []string
	for pair := p.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		if p.fetchable[pair.Key] {
			names = append(names, pair.Key)
		}
	}
	return names
}

// IsInput reports whether name is a feed tensor of the plan.
func (p *Plan) IsInput(name string) bool {
	decl, found := p.Tensors.Get(name)
	return found && decl.Role == RoleInput
}

// DeviceBytes is the memory needed to hold every declared tensor.
func (p *Plan) DeviceBytes() int64 {
	var total int64
	for pair := p.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		total += int64(pair.Value.Info.ByteSize())
	}
	return total
}
