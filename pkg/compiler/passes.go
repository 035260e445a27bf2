package compiler

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/ops"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// verifyOps resolves every node's operator and checks its arity.
func verifyOps(ctx context.Context, c *Compilation) error {
	for _, node := range c.Graph.Nodes {
		def, err := ops.Lookup(node.Op)
		if err != nil {
			var unsupported *errdefs.UnsupportedOpError
			if errors.As(err, &unsupported) {
				return &errdefs.UnsupportedOpError{Op: node.Op, Node: node.Name}
			}
			return err
		}
		if err := def.CheckArity(node.Name, len(node.Inputs)); err != nil {
			return err
		}
		if len(node.Outputs) != 1 {
			return fmt.Errorf("node %q: %s has one output, got %d", node.Name, node.Op, len(node.Outputs))
		}
		c.Defs[node.Name] = def
	}
	return nil
}

func schedule(ctx context.Context, c *Compilation) error {
	order, err := c.Graph.TopologicalOrder()
	if err != nil {
		return err
	}
	c.Order = order
	return nil
}

// prune drops nodes whose results reach neither a graph output nor a fetched tensor.
func prune(ctx context.Context, c *Compilation) error {
	log := klog.FromContext(ctx)

	needed := make(map[string]bool)
	for name := range c.Fetchable {
		needed[name] = true
	}

	keep := make([]bool, len(c.Order))
	for i := len(c.Order) - 1; i >= 0; i-- {
		node := c.Order[i]
		for _, out := range node.Outputs {
			if needed[out] {
				keep[i] = true
				break
			}
		}
		if keep[i] {
			for _, in := range node.Inputs {
				needed[in] = true
			}
		}
	}

	kept := make([]*graph.Node, 0, len(c.Order))
	for i, node := range c.Order {
		if keep[i] {
			kept = append(kept, node)
		} else {
			log.V(2).Info("pruned node", "node", node.Name, "op", node.Op)
		}
	}
	c.Order = kept
	return nil
}

// infer declares every tensor the plan touches with its shape, dtype and role.
func infer(ctx context.Context, c *Compilation) error {
	g := c.Graph
	outputs := make(map[string]bool, len(g.Outputs))
	for _, name := range g.Outputs {
		outputs[name] = true
	}

	for _, name := range g.Inputs {
		v, found := g.Var(name)
		if !found {
			return &errdefs.UnknownTensorError{Name: name}
		}
		if !v.IsBound() {
			return fmt.Errorf("input %q has unbound shape %v", name, v.Shape)
		}
		info := tensor.Info{Shape: tensor.Shape(v.Shape).Clone(), DType: v.DType}
		if err := info.Validate(); err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}
		c.Tensors.Set(name, &TensorDecl{Name: name, Info: info, Role: RoleInput})
	}

	for _, node := range c.Order {
		operands := make([]ops.Operand, len(node.Inputs))
		for i, in := range node.Inputs {
			decl, err := c.declareSource(in)
			if err != nil {
				return fmt.Errorf("node %q: %w", node.Name, err)
			}
			operands[i] = ops.Operand{Name: in, Info: decl.Info}
		}

		def := c.Defs[node.Name]
		info, err := def.Infer(node.Attrs, operands)
		if err != nil {
			return fmt.Errorf("node %q (%s): %w", node.Name, node.Op, err)
		}
		if err := info.Validate(); err != nil {
			return fmt.Errorf("node %q (%s): %w", node.Name, node.Op, err)
		}

		out := node.Outputs[0]
		if v, found := g.Var(out); found {
			if err := checkDeclared(v, info); err != nil {
				return err
			}
		}
		role := RoleIntermediate
		if outputs[out] {
			role = RoleOutput
		}
		c.Tensors.Set(out, &TensorDecl{Name: out, Info: info, Role: role})
	}

	for _, name := range g.Outputs {
		if _, found := c.Tensors.Get(name); !found {
			if _, err := c.declareSource(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// declareSource returns the declaration of a tensor that is already known or is a parameter.
func (c *Compilation) declareSource(name string) (*TensorDecl, error) {
	if decl, found := c.Tensors.Get(name); found {
		return decl, nil
	}
	param, found := c.Graph.Params[name]
	if !found {
		if v, declared := c.Graph.Var(name); declared && v.Persistable {
			return nil, fmt.Errorf("param %q has no value", name)
		}
		return nil, &errdefs.UnknownTensorError{Name: name}
	}
	if v, declared := c.Graph.Var(name); declared {
		if err := checkDeclared(v, param.Info()); err != nil {
			return nil, err
		}
	}
	decl := &TensorDecl{Name: name, Info: param.Info(), Role: RoleParam, Param: param}
	c.Tensors.Set(name, decl)
	return decl, nil
}

// checkDeclared compares an inferred layout with a var declaration. A -1
// dimension matches any size.
func checkDeclared(v *graph.Var, info tensor.Info) error {
	if len(v.Shape) != len(info.Shape) {
		return &errdefs.ShapeMismatchError{Tensor: v.Name, Want: v.Shape, Got: info.Shape}
	}
	for i, d := range v.Shape {
		if d >= 0 && d != info.Shape[i] {
			return &errdefs.ShapeMismatchError{Tensor: v.Name, Want: v.Shape, Got: info.Shape}
		}
	}
	if v.DType != info.DType {
		return &errdefs.DTypeMismatchError{Tensor: v.Name, Want: v.DType.String(), Got: info.DType.String()}
	}
	return nil
}

// fuse merges chains of pointwise nodes. A node joins the chain that
// produced its input when that input has no other reader and is not fetchable.
func fuse(ctx context.Context, c *Compilation) error {
	log := klog.FromContext(ctx)

	readers := make(map[string]int)
	for _, node := range c.Order {
		for _, in := range node.Inputs {
			readers[in]++
		}
	}

	// tail maps the output of a chain's last node to the chain's index
	tail := make(map[string]int)
	var groups [][]*graph.Node
	for _, node := range c.Order {
		if c.Defs[node.Name].Pointwise && len(node.Inputs) == 1 {
			in := node.Inputs[0]
			if i, found := tail[in]; found && readers[in] == 1 && !c.Fetchable[in] {
				delete(tail, in)
				groups[i] = append(groups[i], node)
				tail[node.Outputs[0]] = i
				c.Tensors.Delete(in)
				continue
			}
		}
		groups = append(groups, []*graph.Node{node})
		if c.Defs[node.Name].Pointwise {
			tail[node.Outputs[0]] = len(groups) - 1
		}
	}

	for _, group := range groups {
		if len(group) > 1 {
			names := make([]string, len(group))
			for i, node := range group {
				names[i] = node.Name
			}
			log.V(2).Info("fused pointwise chain", "nodes", names)
		}
	}
	c.Groups = groups
	return nil
}

// lower builds the kernel of every instruction.
func lower(ctx context.Context, c *Compilation) error {
	log := klog.FromContext(ctx)

	groups := c.Groups
	if groups == nil {
		for _, node := range c.Order {
			groups = append(groups, []*graph.Node{node})
		}
	}

	for index, group := range groups {
		head, last := group[0], group[len(group)-1]

		inInfos := make([]tensor.Info, len(head.Inputs))
		for i, in := range head.Inputs {
			decl, found := c.Tensors.Get(in)
			if !found {
				return &errdefs.UnknownTensorError{Name: in}
			}
			inInfos[i] = decl.Info
		}
		outDecl, found := c.Tensors.Get(last.Outputs[0])
		if !found {
			return &errdefs.UnknownTensorError{Name: last.Outputs[0]}
		}

		inst := &Instruction{
			Index:  index,
			Nodes:  group,
			Inputs: head.Inputs,
			Output: last.Outputs[0],
		}
		for _, node := range group {
			inst.Ops = append(inst.Ops, c.Defs[node.Name].Kind)
		}

		if len(group) == 1 {
			def := c.Defs[head.Name]
			var err error
			if def.Kernel != nil {
				inst.Kernel, err = def.Kernel(head.Attrs, inInfos, outDecl.Info)
			} else {
				inst.Bytes, err = def.Bytes(head.Attrs, inInfos, outDecl.Info)
			}
			if err != nil {
				return fmt.Errorf("lowering node %q (%s): %w", head.Name, head.Op, err)
			}
		} else {
			// every link of a pointwise chain has the head's layout
			chain := make([]ops.Pointwise, len(group))
			for i, node := range group {
				k, err := c.Defs[node.Name].Kernel(node.Attrs, inInfos, outDecl.Info)
				if err != nil {
					return fmt.Errorf("lowering node %q (%s): %w", node.Name, node.Op, err)
				}
				pointwise, ok := k.(ops.Pointwise)
				if !ok {
					return fmt.Errorf("lowering node %q: %s kernel is not pointwise", node.Name, node.Op)
				}
				chain[i] = pointwise
			}
			inst.Kernel = ops.Fuse(chain...)
		}

		log.V(2).Info("lowered instruction", "index", index, "op", inst.OpName(), "node", inst.NodeName(), "output", inst.Output)
		c.Instructions = append(c.Instructions, inst)
	}
	return nil
}
