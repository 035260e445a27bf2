// Package accel is the accelerator backend. Device memory is a separate
// arena with a byte limit that is reached only through explicit host copies,
// and kernels are launched as chunks of work items on a bounded worker group.
package accel

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

func init() {
	engine.RegisterBackend(target.Accelerator, func(t target.Target) (engine.Backend, error) {
		return NewBackend(t)
	})
}

type Backend struct {
	target target.Target

	deviceContext *DeviceContext
}

var _ engine.Backend = (*Backend)(nil)

func NewBackend(t target.Target) (*Backend, error) {
	if t.Kind() != target.Accelerator {
		return nil, fmt.Errorf("accel backend cannot run %v targets", t.Kind())
	}
	return &Backend{
		target:        t,
		deviceContext: NewDeviceContext(t.DeviceID(), t.MemoryLimit()),
	}, nil
}

func (b *Backend) Target() target.Target {
	return b.target
}

// DeviceContext exposes the arena, for memory accounting.
func (b *Backend) DeviceContext() *DeviceContext {
	return b.deviceContext
}

func (b *Backend) Close() error {
	return b.deviceContext.Free()
}

func (b *Backend) Allocate(name string, info tensor.Info) (engine.DeviceBuffer, error) {
	return b.deviceContext.NewTensor(name, info)
}

func (b *Backend) Execute(ctx context.Context, plan *compiler.Plan, buffers map[string]engine.DeviceBuffer) error {
	log := klog.FromContext(ctx)

	graph, err := b.deviceContext.NewGraph(b.target.NumThreads())
	if err != nil {
		return fmt.Errorf("failed to create graph: %w", err)
	}

	for _, inst := range plan.Instructions {
		graph.BuildForwardExpand(inst)
	}

	if err := graph.ComputeWithCtx(ctx, buffers, b.target.CheckNumerics()); err != nil {
		return err
	}

	log.V(2).Info("computed graph", "device", b.target.DeviceID(), "instructions", len(plan.Instructions), "peakBytes", b.deviceContext.Peak())
	return nil
}
