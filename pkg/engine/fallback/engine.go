// Package fallback is the host CPU backend: device memory is host memory
// and instructions run in plan order on the calling goroutine.
package fallback

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
	engine.RegisterBackend(target.Host, func(t target.Target) (engine.Backend, error) {
		return NewBackend(t)
	})
}

type Backend struct {
	target target.Target
}

var _ engine.Backend = (*Backend)(nil)

func NewBackend(t target.Target) (*Backend, error) {
	if t.Kind() != target.Host {
		return nil, fmt.Errorf("fallback backend cannot run %v targets", t.Kind())
	}
	return &Backend{target: t}, nil
}

func (b *Backend) Target() target.Target {
	return b.target
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) Allocate(name string, info tensor.Info) (engine.DeviceBuffer, error) {
	buf, err := tensor.NewBuffer(name, info)
	if err != nil {
		return nil, err
	}
	return &hostTensor{info: buf.Info(), buf: buf}, nil
}

func (b *Backend) Execute(ctx context.Context, plan *compiler.Plan, buffers map[string]engine.DeviceBuffer) error {
	log := klog.FromContext(ctx)

	runner := &engine.InstructionRunner{
		Launch:        engine.SequentialLaunch,
		CheckNumerics: b.target.CheckNumerics(),
	}

	for _, inst := range plan.Instructions {
		if err := ctx.Err(); err != nil {
			return engine.InstructionError(inst, err)
		}

		in, out, err := engine.Views(inst, buffers, (*hostTensor).view)
		if err != nil {
			return engine.InstructionError(inst, err)
		}
		if err := runner.Run(ctx, inst, in, out); err != nil {
			return engine.InstructionError(inst, err)
		}
		log.V(4).Info("ran instruction", "index", inst.Index, "op", inst.OpName(), "node", inst.NodeName())
	}

	return nil
}
