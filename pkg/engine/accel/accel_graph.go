package accel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/ops"
)

// chunksPerWorker splits each kernel finer than the worker count so uneven
// items still spread across workers.
const chunksPerWorker = 4

// Graph is an ordered list of instructions queued for one launch.
type Graph struct {
	ctx        *DeviceContext
	nodes      []*compiler.Instruction
	numThreads int
}

func (c *DeviceContext) NewGraph(numThreads int) (*Graph, error) {
	if numThreads <= 0 {
		return nil, fmt.Errorf("graph needs at least one thread, got %d", numThreads)
	}
	return &Graph{ctx: c, numThreads: numThreads}, nil
}

// BuildForwardExpand appends an instruction. Order matters: instructions run in the order added.
func (g *Graph) BuildForwardExpand(inst *compiler.Instruction) {
	g.nodes = append(g.nodes, inst)
}

// chunkSize is fixed by the item count and the thread count, so a plan on a
// given target always splits work the same way.
func (g *Graph) chunkSize(items int) int {
	chunks := g.numThreads * chunksPerWorker
	size := (items + chunks - 1) / chunks
	return max(size, 1)
}

// launch runs a kernel's items as chunks on a bounded worker group.
func (g *Graph) launch(ctx context.Context, k ops.Kernel, in [][]float32, out []float32) error {
	items := k.Items()
	if items == 0 {
		return nil
	}
	size := g.chunkSize(items)
	if size >= items {
		return k.Run(in, out, 0, items)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.numThreads)
	for lo := 0; lo < items; lo += size {
		lo := lo // per-iteration copy (go 1.21 loop semantics)
		hi := min(lo+size, items)
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return k.Run(in, out, lo, hi)
		})
	}
	return group.Wait()
}

// ComputeWithCtx runs every queued instruction against the given buffers.
func (g *Graph) ComputeWithCtx(ctx context.Context, buffers map[string]engine.DeviceBuffer, checkNumerics bool) error {
	log := klog.FromContext(ctx)

	runner := &engine.InstructionRunner{
		Launch:        g.launch,
		Reserve:       g.ctx.Reserve,
		CheckNumerics: checkNumerics,
	}

	for _, inst := range g.nodes {
		if err := ctx.Err(); err != nil {
			return engine.InstructionError(inst, err)
		}

		in, out, err := engine.Views(inst, buffers, (*DeviceTensor).view)
		if err != nil {
			return engine.InstructionError(inst, err)
		}
		if err := runner.Run(ctx, inst, in, out); err != nil {
			return engine.InstructionError(inst, err)
		}
		log.V(4).Info("launched instruction", "index", inst.Index, "op", inst.OpName(), "node", inst.NodeName(), "deviceBytes", g.ctx.Used())
	}
	return nil
}
