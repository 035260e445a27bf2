package compiler

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// PassFunc transforms a compilation in place.
type PassFunc func(ctx context.Context, c *Compilation) error

type pass struct {
	name string
	run  PassFunc
}

// Pipeline is an ordered list of named passes. It runs once.
type Pipeline struct {
	name   string
	passes []pass
	ran    bool
}

func NewPipeline(name string) *Pipeline {
	return &Pipeline{name: name}
}

// AddPass appends a pass. Passes cannot be added after the pipeline has run.
func (p *Pipeline) AddPass(name string, run PassFunc) error {
	if p.ran {
		return fmt.Errorf("pipeline %q: cannot add pass %q after run", p.name, name)
	}
	for _, existing := range p.passes {
		if existing.name == name {
			return fmt.Errorf("pipeline %q: pass %q added twice", p.name, name)
		}
	}
	p.passes = append(p.passes, pass{name: name, run: run})
	return nil
}

// PassNames lists the passes in the order they run.
func (p *Pipeline) PassNames() []string {
	names := make([]string, len(p.passes))
	for i, pass := range p.passes {
		names[i] = pass.name
	}
	return names
}

// Run applies every pass in order and stops at the first failure.
func (p *Pipeline) Run(ctx context.Context, c *Compilation) error {
	log := klog.FromContext(ctx)

	if p.ran {
		return fmt.Errorf("pipeline %q has already run", p.name)
	}
	p.ran = true

	for _, pass := range p.passes {
		if err := ctx.Err(); err != nil {
			return err
		}
		startedAt := time.Now()
		if err := pass.run(ctx, c); err != nil {
			return err
		}
		log.V(2).Info("ran compiler pass", "pipeline", p.name, "pass", pass.name, "nodes", len(c.Order), "duration", time.Since(startedAt))
	}
	return nil
}
