package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/compare"
	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/frontend"
	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

type runOptions struct {
	targetOptions
	modelOptions

	Fetch         []string
	Fill          string
	Seed          int64
	Verify        bool
	DisableFusion bool
}

func newRunCmd() *cobra.Command {
	var opt runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a model on generated inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModel(cmd, &opt)
		},
	}
	opt.targetOptions.AddFlags(cmd)
	opt.modelOptions.AddFlags(cmd)
	cmd.Flags().StringArrayVar(&opt.Fetch, "fetch", nil, "intermediate tensor to return as well; may be repeated")
	cmd.Flags().StringVar(&opt.Fill, "fill", "random", "input values: ones, zeros or random")
	cmd.Flags().Int64Var(&opt.Seed, "seed", 1, "seed for random inputs")
	cmd.Flags().BoolVar(&opt.Verify, "verify", false, "also run on the host and compare results (atol=rtol=1e-3)")
	cmd.Flags().BoolVar(&opt.DisableFusion, "no-fusion", false, "disable pointwise fusion")
	return cmd
}

func runModel(cmd *cobra.Command, opt *runOptions) error {
	ctx := cmd.Context()
	log := klog.FromContext(ctx)

	t, err := opt.targetOptions.Build()
	if err != nil {
		return err
	}
	names, shapes, err := opt.InputBindings()
	if err != nil {
		return err
	}
	var compileOpts []compiler.Option
	if len(opt.Fetch) != 0 {
		compileOpts = append(compileOpts, compiler.WithFetch(opt.Fetch...))
	}
	if opt.DisableFusion {
		compileOpts = append(compileOpts, compiler.WithoutFusion())
	}

	c, err := frontend.CompileModel(ctx, t, opt.ModelDir, names, shapes, opt.ParamsCombined, compileOpts...)
	if err != nil {
		return fmt.Errorf("compiling model: %w", err)
	}
	defer c.Close()

	rng := rand.New(rand.NewSource(opt.Seed))
	inputs := make(map[string]tensor.Array)
	for _, name := range c.Plan().Inputs {
		decl, _ := c.Plan().Tensor(name)
		a, err := fill(decl.Info, opt.Fill, rng)
		if err != nil {
			return fmt.Errorf("filling input %q: %w", name, err)
		}
		inputs[name] = a
	}

	outputs := append(append([]string{}, c.Plan().Outputs...), opt.Fetch...)
	results, err := engine.Run(ctx, c, inputs, outputs)
	if err != nil {
		return err
	}
	log.Info("ran model", "computation", c.ID(), "target", t.String())

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"TENSOR", "DTYPE", "SHAPE", "MIN", "MAX", "MEAN"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, name := range outputs {
		a := results[name]
		values := a.AsFloat64()
		row := []string{name, a.DType().String(), a.Shape().String(), "-", "-", "-"}
		if len(values) != 0 {
			row[3] = fmt.Sprintf("%.6g", floats.Min(values))
			row[4] = fmt.Sprintf("%.6g", floats.Max(values))
			row[5] = fmt.Sprintf("%.6g", floats.Sum(values)/float64(len(values)))
		}
		table.Append(row)
	}
	table.Render()

	if !opt.Verify {
		return nil
	}

	host, err := frontend.CompileModel(ctx, target.DefaultHostTarget(), opt.ModelDir, names, shapes, opt.ParamsCombined, compileOpts...)
	if err != nil {
		return fmt.Errorf("compiling reference model: %w", err)
	}
	defer host.Close()
	want, err := engine.Run(ctx, host, inputs, outputs)
	if err != nil {
		return fmt.Errorf("running reference model: %w", err)
	}

	failed := 0
	for _, name := range outputs {
		report, err := compare.AllClose(results[name], want[name], 1e-3, 1e-3)
		if err != nil {
			return fmt.Errorf("comparing %q: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", name, report)
		if !report.Equal() {
			failed++
		}
	}
	if failed != 0 {
		return fmt.Errorf("%d of %d outputs differ from the host", failed, len(outputs))
	}
	return nil
}

// fill makes an input array. Random values are integers for integer types.
func fill(info tensor.Info, mode string, rng *rand.Rand) (tensor.Array, error) {
	values := make([]float64, info.Shape.NumElements())
	switch mode {
	case "zeros":
	case "ones":
		for i := range values {
			values[i] = 1
		}
	case "random":
		for i := range values {
			switch {
			case info.DType == tensor.Bool:
				values[i] = float64(rng.Intn(2))
			case info.DType.IsFloat():
				values[i] = rng.Float64()*2 - 1
			default:
				values[i] = math.Floor(rng.Float64() * 100)
			}
		}
	default:
		return tensor.Array{}, fmt.Errorf("unknown fill %q", mode)
	}

	a, err := tensor.FromFloat64(info.Shape, values)
	if err != nil {
		return tensor.Array{}, err
	}
	return a.Convert(info.DType)
}
