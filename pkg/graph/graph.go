// Package graph is the in-memory representation of a model: operator nodes
// connected through named tensors, plus the declared metadata of each tensor.
package graph

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Node is a single operator application.
type Node struct {
	Name    string     `json:"name"`
	Op      string     `json:"op"`
	Inputs  []string   `json:"inputs"`
	Outputs []string   `json:"outputs"`
	Attrs   Attributes `json:"attrs,omitempty"`
}

// Var declares a tensor. A -1 dimension is bound when the model is loaded.
type Var struct {
	Name        string       `json:"name"`
	Shape       []int        `json:"shape"`
	DType       tensor.DType `json:"dtype"`
	Persistable bool         `json:"persistable,omitempty"`
}

// IsBound reports whether every dimension is known.
func (v *Var) IsBound() bool {
	for _, d := range v.Shape {
		if d < 0 {
			return false
		}
	}
	return true
}

// Graph is a model ready for compilation.
type Graph struct {
	Name    string
	Vars    []*Var
	Nodes   []*Node
	Inputs  []string
	Outputs []string

	// Params holds the values of persistable vars.
	Params map[string]*tensor.Buffer
}

// Var looks up a declared tensor by name.
func (g *Graph) Var(name string) (*Var, bool) {
	for _, v := range g.Vars {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// IsInput reports whether name is one of the graph's feed tensors.
func (g *Graph) IsInput(name string) bool {
	for _, in := range g.Inputs {
		if in == name {
			return true
		}
	}
	return false
}

// Validate checks the structural rules of the graph: unique names, every
// consumed tensor has a source, no tensor is produced twice and the nodes
// form a DAG.
func (g *Graph) Validate() error {
	vars := make(map[string]*Var, len(g.Vars))
	for _, v := range g.Vars {
		if _, found := vars[v.Name]; found {
			return fmt.Errorf("var %q declared more than once", v.Name)
		}
		vars[v.Name] = v
	}

	nodeNames := make(map[string]bool, len(g.Nodes))
	for _, node := range g.Nodes {
		if node.Name == "" {
			return fmt.Errorf("node with op %q has no name", node.Op)
		}
		if nodeNames[node.Name] {
			return fmt.Errorf("node %q declared more than once", node.Name)
		}
		nodeNames[node.Name] = true
	}

	for _, name := range g.Inputs {
		if _, found := vars[name]; !found {
			return &errdefs.UnknownTensorError{Name: name}
		}
	}
	for name := range g.Params {
		v, found := vars[name]
		if !found {
			return &errdefs.UnknownTensorError{Name: name}
		}
		if !v.Persistable {
			return fmt.Errorf("param %q is not declared persistable", name)
		}
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}

	for _, name := range g.Outputs {
		if !g.IsInput(name) && g.Params[name] == nil && g.Producer(name) == nil {
			return fmt.Errorf("output %q is never produced", name)
		}
	}
	return nil
}

// Producer returns the node that writes the named tensor, or nil.
func (g *Graph) Producer(tensorName string) *Node {
	for _, node := range g.Nodes {
		for _, out := range node.Outputs {
			if out == tensorName {
				return node
			}
		}
	}
	return nil
}

// Consumers returns the nodes that read the named tensor, in graph order.
func (g *Graph) Consumers(tensorName string) []*Node {
	var consumers []*Node
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			if in == tensorName {
				consumers = append(consumers, node)
				break
			}
		}
	}
	return consumers
}
