// Package compiler lowers a graph into an executable plan for a target.
//
// Compilation is a pipeline of named passes: verify-ops, schedule, prune,
// infer, fuse (targets that support it) and lower. The same graph and target
// always produce the same tensor declarations and instruction order.
package compiler

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/ops"
	"k8s.io/examples/AI/modelexec/pkg/target"
)

type options struct {
	fetch         []string
	disableFusion bool
}

// Option configures Compile.
type Option func(*options)

// WithFetch keeps the named intermediate tensors readable after execution.
// They are never pruned or fused away.
func WithFetch(names ...string) Option {
	return func(o *options) { o.fetch = append(o.fetch, names...) }
}

// WithoutFusion disables pointwise fusion even on targets that support it.
func WithoutFusion() Option {
	return func(o *options) { o.disableFusion = true }
}

// Compilation is the state passes work on.
type Compilation struct {
	Graph  *graph.Graph
	Target target.Target

	// Order is the scheduled node order, once the schedule pass has run.
	Order []*graph.Node

	// Groups are the nodes of each future instruction, in order.
	Groups [][]*graph.Node

	Defs      map[string]*ops.Definition
	Tensors   *orderedmap.OrderedMap[string, *TensorDecl]
	Fetchable map[string]bool

	Instructions []*Instruction
}

// Compile lowers g for t.
func Compile(ctx context.Context, g *graph.Graph, t target.Target, opts ...Option) (*Plan, error) {
	log := klog.FromContext(ctx)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Compilation{
		Graph:     g,
		Target:    t,
		Defs:      make(map[string]*ops.Definition),
		Tensors:   orderedmap.New[string, *TensorDecl](),
		Fetchable: make(map[string]bool),
	}
	for _, name := range g.Inputs {
		c.Fetchable[name] = true
	}
	for _, name := range g.Outputs {
		c.Fetchable[name] = true
	}
	for _, name := range o.fetch {
		if _, found := g.Var(name); !found && g.Producer(name) == nil {
			return nil, &errdefs.UnknownTensorError{Name: name}
		}
		c.Fetchable[name] = true
	}

	pipeline, err := defaultPipeline(t, o)
	if err != nil {
		return nil, err
	}
	if err := pipeline.Run(ctx, c); err != nil {
		return nil, err
	}

	plan := &Plan{
		Target:       t,
		Tensors:      c.Tensors,
		Instructions: c.Instructions,
		Inputs:       append([]string(nil), g.Inputs...),
		Outputs:      append([]string(nil), g.Outputs...),
		fetchable:    c.Fetchable,
	}
	log.Info("compiled model", "graph", g.Name, "target", t.String(), "instructions", len(plan.Instructions), "tensors", plan.Tensors.Len(), "deviceBytes", plan.DeviceBytes())
	return plan, nil
}

func defaultPipeline(t target.Target, o options) (*Pipeline, error) {
	type step struct {
		name string
		run  PassFunc
	}
	steps := []step{
		{"verify-ops", verifyOps},
		{"schedule", schedule},
		{"prune", prune},
		{"infer", infer},
	}
	if t.SupportsFusion() && !o.disableFusion {
		steps = append(steps, step{"fuse", fuse})
	}
	steps = append(steps, step{"lower", lower})

	p := NewPipeline("default")
	for _, s := range steps {
		if err := p.AddPass(s.name, s.run); err != nil {
			return nil, err
		}
	}
	return p, nil
}
