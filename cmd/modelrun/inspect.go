package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/model"
)

type inspectOptions struct {
	targetOptions
	modelOptions

	DisableFusion bool
}

func newInspectCmd() *cobra.Command {
	var opt inspectOptions

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the tensors and instructions a model compiles to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectModel(cmd, &opt)
		},
	}
	opt.targetOptions.AddFlags(cmd)
	opt.modelOptions.AddFlags(cmd)
	cmd.Flags().BoolVar(&opt.DisableFusion, "no-fusion", false, "disable pointwise fusion")
	return cmd
}

func inspectModel(cmd *cobra.Command, opt *inspectOptions) error {
	ctx := cmd.Context()

	t, err := opt.targetOptions.Build()
	if err != nil {
		return err
	}
	names, shapes, err := opt.InputBindings()
	if err != nil {
		return err
	}
	g, err := model.Load(ctx, opt.ModelDir, names, shapes, opt.ParamsCombined)
	if err != nil {
		return err
	}
	var compileOpts []compiler.Option
	if opt.DisableFusion {
		compileOpts = append(compileOpts, compiler.WithoutFusion())
	}
	plan, err := compiler.Compile(ctx, g, t, compileOpts...)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "model %q for %v: %d instructions, %d device bytes\n\n", g.Name, t, len(plan.Instructions), plan.DeviceBytes())

	tensors := tablewriter.NewWriter(cmd.OutOrStdout())
	tensors.SetHeader([]string{"TENSOR", "ROLE", "DTYPE", "SHAPE", "BYTES"})
	tensors.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tensors.SetAlignment(tablewriter.ALIGN_LEFT)
	tensors.SetBorder(false)
	for pair := plan.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		decl := pair.Value
		tensors.Append([]string{decl.Name, decl.Role.String(), decl.Info.DType.String(), decl.Info.Shape.String(), strconv.Itoa(decl.Info.ByteSize())})
	}
	tensors.Render()
	fmt.Fprintln(cmd.OutOrStdout())

	instructions := tablewriter.NewWriter(cmd.OutOrStdout())
	instructions.SetHeader([]string{"#", "OP", "NODE", "OUTPUT"})
	instructions.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	instructions.SetAlignment(tablewriter.ALIGN_LEFT)
	instructions.SetBorder(false)
	for _, inst := range plan.Instructions {
		instructions.Append([]string{strconv.Itoa(inst.Index), inst.OpName(), inst.NodeName(), inst.Output})
	}
	instructions.Render()
	return nil
}
