package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// targetOptions are the flags that select and configure a target.
type targetOptions struct {
	Target        string
	DeviceID      int
	NumThreads    int
	MemoryLimit   int64
	CheckNumerics bool
}

func (o *targetOptions) AddFlags(cmd *cobra.Command) {
	o.Target = os.Getenv("MODELRUN_TARGET")
	if o.Target == "" {
		o.Target = "host"
	}
	cmd.Flags().StringVar(&o.Target, "target", o.Target, "target to run on (host or accelerator); defaults to $MODELRUN_TARGET")
	cmd.Flags().IntVar(&o.DeviceID, "device-id", o.DeviceID, "accelerator device id")
	cmd.Flags().IntVar(&o.NumThreads, "threads", o.NumThreads, "worker threads (0 for GOMAXPROCS)")
	cmd.Flags().Int64Var(&o.MemoryLimit, "memory-limit", o.MemoryLimit, "accelerator memory limit in bytes (0 for the default)")
	cmd.Flags().BoolVar(&o.CheckNumerics, "check-numerics", o.CheckNumerics, "fail on NaN or Inf results")
}

func (o *targetOptions) Build() (target.Target, error) {
	kind, err := target.ParseKind(o.Target)
	if err != nil {
		return target.Target{}, err
	}
	opts := []target.Option{target.WithDeviceID(o.DeviceID), target.WithNumericChecks(o.CheckNumerics)}
	if o.NumThreads != 0 {
		opts = append(opts, target.WithNumThreads(o.NumThreads))
	}
	if o.MemoryLimit != 0 {
		opts = append(opts, target.WithMemoryLimit(o.MemoryLimit))
	}
	return target.New(kind, opts...)
}

// modelOptions locate a model directory and bind its inputs.
type modelOptions struct {
	ModelDir       string
	ParamsCombined bool
	Inputs         []string
}

func (o *modelOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.ModelDir, "model-dir", o.ModelDir, "model directory")
	cmd.Flags().BoolVar(&o.ParamsCombined, "params-combined", o.ParamsCombined, "parameters are stored in a single params file")
	cmd.Flags().StringArrayVar(&o.Inputs, "input", o.Inputs, "input binding as name=d0,d1,...; may be repeated")
}

func (o *modelOptions) InputBindings() ([]string, [][]int, error) {
	var names []string
	var shapes [][]int
	for _, s := range o.Inputs {
		name, shape, err := parseInput(s)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		shapes = append(shapes, shape)
	}
	return names, shapes, nil
}

// parseInput parses name=1,3,224,224.
func parseInput(s string) (string, tensor.Shape, error) {
	name, dims, found := strings.Cut(s, "=")
	if !found || name == "" {
		return "", nil, fmt.Errorf("invalid input %q, expected name=d0,d1,...", s)
	}
	shape, err := tensor.ParseShape(dims)
	if err != nil {
		return "", nil, fmt.Errorf("invalid input %q: %w", s, err)
	}
	return name, shape, nil
}
