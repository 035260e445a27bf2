// Package frontend is the entry point for running a model: it loads or
// takes a graph, compiles it for a target and binds the plan to a backend.
package frontend

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/model"
	"k8s.io/examples/AI/modelexec/pkg/target"

	// backends register themselves
	_ "k8s.io/examples/AI/modelexec/pkg/engine/accel"
	_ "k8s.io/examples/AI/modelexec/pkg/engine/fallback"
)

// CompileModel loads the model directory dir and compiles it for t.
func CompileModel(ctx context.Context, t target.Target, dir string, inputNames []string, inputShapes [][]int, paramsCombined bool, opts ...compiler.Option) (*engine.Computation, error) {
	g, err := model.Load(ctx, dir, inputNames, inputShapes, paramsCombined)
	if err != nil {
		return nil, err
	}
	return Compile(ctx, t, g, opts...)
}

// Compile compiles g for t.
func Compile(ctx context.Context, t target.Target, g *graph.Graph, opts ...compiler.Option) (*engine.Computation, error) {
	plan, err := compiler.Compile(ctx, g, t, opts...)
	if err != nil {
		return nil, err
	}
	c, err := engine.New(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("binding plan to %v: %w", t, err)
	}
	return c, nil
}
