package engine

import (
	"context"
	"sort"

	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Run sets the given inputs, executes the computation and returns the
// requested tensors. With no names it returns the plan's outputs.
func Run(ctx context.Context, c *Computation, inputs map[string]tensor.Array, outputs []string) (map[string]tensor.Array, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.SetInput(name, inputs[name]); err != nil {
			return nil, err
		}
	}

	if err := c.Execute(ctx); err != nil {
		return nil, err
	}

	if len(outputs) == 0 {
		outputs = c.plan.Outputs
	}
	results := make(map[string]tensor.Array, len(outputs))
	for _, name := range outputs {
		a, err := c.GetOutput(name)
		if err != nil {
			return nil, err
		}
		results[name] = a
	}
	return results, nil
}
