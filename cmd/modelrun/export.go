package main

import (
	"github.com/spf13/cobra"

	"k8s.io/examples/AI/modelexec/pkg/model"
)

func newExportSampleCmd() *cobra.Command {
	cfg := model.DefaultSampleConfig()
	var dir string
	var paramsCombined bool

	cmd := &cobra.Command{
		Use:   "export-sample",
		Short: "Write the sample model to a model directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := model.Sample(cfg)
			if err != nil {
				return err
			}
			return model.Save(cmd.Context(), dir, g, paramsCombined)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./resnet_model", "directory to write")
	cmd.Flags().BoolVar(&paramsCombined, "params-combined", false, "write a single params file")
	cmd.Flags().IntVar(&cfg.Batch, "batch", cfg.Batch, "batch size, -1 to bind at load time")
	cmd.Flags().IntVar(&cfg.Channels, "channels", cfg.Channels, "input channels")
	cmd.Flags().IntVar(&cfg.Hidden, "hidden", cfg.Hidden, "hidden channels")
	cmd.Flags().IntVar(&cfg.Height, "height", cfg.Height, "input height")
	cmd.Flags().IntVar(&cfg.Width, "width", cfg.Width, "input width")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "weight seed")
	return cmd
}
