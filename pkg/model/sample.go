package model

import (
	"fmt"
	"math/rand"

	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/ops"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// SampleInput is the feed tensor of the sample model.
const SampleInput = "resnet_input"

// SampleConfig sizes the sample model.
type SampleConfig struct {
	// Batch may be -1, leaving the batch size to be bound at load time.
	Batch    int
	Channels int
	Hidden   int
	Height   int
	Width    int
	Seed     int64
}

// DefaultSampleConfig matches the sizes of the bottleneck block the sample is taken from.
func DefaultSampleConfig() SampleConfig {
	return SampleConfig{Batch: 1, Channels: 160, Hidden: 960, Height: 7, Width: 7, Seed: 1}
}

// Sample builds relu6, three 1x1 convolutions, two scales and a relu, with
// pseudo-random weights drawn from cfg.Seed.
func Sample(cfg SampleConfig) (*graph.Graph, error) {
	if cfg.Channels <= 0 || cfg.Hidden <= 0 || cfg.Height <= 0 || cfg.Width <= 0 || (cfg.Batch <= 0 && cfg.Batch != -1) {
		return nil, fmt.Errorf("invalid sample config %+v", cfg)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	filter := func(out, in int) tensor.Array {
		values := make([]float32, out*in)
		// keep activations in a modest range through three layers
		bound := 1 / float32(in)
		for i := range values {
			values[i] = (rng.Float32()*2 - 1) * bound
		}
		a, _ := tensor.FromFloat32(tensor.Shape{out, in, 1, 1}, values)
		return a
	}

	b := graph.NewBuilder("resnet_model")
	x := b.Input(SampleInput, tensor.Float32, cfg.Batch, cfg.Channels, cfg.Height, cfg.Width)

	d := b.Op(string(ops.Relu6), nil, x)
	conv := graph.Attributes{"strides": []int{1, 1}, "paddings": []int{0, 0}, "dilations": []int{1, 1}}
	f := b.Op(string(ops.Conv2D), conv, d, b.Param("conv2d_0.w_0", filter(cfg.Hidden, cfg.Channels)))
	g := b.Op(string(ops.Conv2D), conv, f, b.Param("conv2d_1.w_0", filter(cfg.Channels, cfg.Hidden)))
	i := b.Op(string(ops.Conv2D), conv, g, b.Param("conv2d_2.w_0", filter(cfg.Hidden, cfg.Channels)))
	scale := graph.Attributes{"scale": 2.0, "bias": 0.5}
	j1 := b.Op(string(ops.Scale), scale, i)
	j := b.Op(string(ops.Scale), scale, j1)
	out := b.Op(string(ops.Relu), nil, j)
	b.Output(out)

	return b.Build()
}

// SampleInputArray returns deterministic input data for the sample model.
func SampleInputArray(shape tensor.Shape, seed int64) tensor.Array {
	rng := rand.New(rand.NewSource(seed))
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = rng.Float32()*8 - 1
	}
	a, _ := tensor.FromFloat32(shape, values)
	return a
}
