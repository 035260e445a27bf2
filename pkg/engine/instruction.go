package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/ops"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// View is host-addressable tensor data as a backend exposes it to kernels.
type View struct {
	Info tensor.Info
	Data []byte
}

// InstructionRunner runs one instruction: it decodes the operands into
// float32 staging memory, launches the kernel and encodes the result.
type InstructionRunner struct {
	// Launch computes every item of a kernel.
	Launch func(ctx context.Context, k ops.Kernel, in [][]float32, out []float32) error

	// Reserve accounts for staging memory; the returned func releases it.
	// Nil means staging is free.
	Reserve func(bytes int64) (func(), error)

	CheckNumerics bool
}

// SequentialLaunch runs all items of a kernel on the calling goroutine.
func SequentialLaunch(ctx context.Context, k ops.Kernel, in [][]float32, out []float32) error {
	return k.Run(in, out, 0, k.Items())
}

// Run executes inst, reading in and writing out.
func (r *InstructionRunner) Run(ctx context.Context, inst *compiler.Instruction, in []View, out View) error {
	if inst.Bytes != nil {
		raw := make([][]byte, len(in))
		for i, v := range in {
			raw[i] = v.Data
		}
		return inst.Bytes.Run(raw, out.Data)
	}

	staged := 0
	for _, v := range in {
		staged += v.Info.Shape.NumElements()
	}
	staged += out.Info.Shape.NumElements()
	if r.Reserve != nil {
		release, err := r.Reserve(int64(staged) * 4)
		if err != nil {
			return fmt.Errorf("staging operands: %w", err)
		}
		defer release()
	}

	floats := make([][]float32, len(in))
	for i, v := range in {
		floats[i] = make([]float32, v.Info.Shape.NumElements())
		if err := tensor.DecodeFloat32(v.Info.DType, v.Data, floats[i]); err != nil {
			return err
		}
	}
	result := make([]float32, out.Info.Shape.NumElements())

	launch := r.Launch
	if launch == nil {
		launch = SequentialLaunch
	}
	if err := launch(ctx, inst.Kernel, floats, result); err != nil {
		return err
	}

	if err := tensor.EncodeFloat32(out.Info.DType, result, out.Data); err != nil {
		return err
	}

	if r.CheckNumerics {
		// decode again so overflow in a narrow storage type is caught too
		if err := tensor.DecodeFloat32(out.Info.DType, out.Data, result); err != nil {
			return err
		}
		for i, v := range result {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("non-finite value %v at element %d of %q", v, i, inst.Output)
			}
		}
	}
	return nil
}

// InstructionError attributes err to the instruction that raised it.
func InstructionError(inst *compiler.Instruction, err error) error {
	var execErr *errdefs.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return &errdefs.ExecutionError{Op: inst.OpName(), Node: inst.NodeName(), Err: err}
}

// Views collects the operands of an instruction from a backend's buffers.
func Views[B any](inst *compiler.Instruction, buffers map[string]DeviceBuffer, view func(B) View) ([]View, View, error) {
	lookup := func(name string) (View, error) {
		buf, found := buffers[name]
		if !found {
			return View{}, &errdefs.UnknownTensorError{Name: name}
		}
		typed, ok := buf.(B)
		if !ok {
			return View{}, fmt.Errorf("tensor %q is held by a different backend (%T)", name, buf)
		}
		return view(typed), nil
	}

	in := make([]View, len(inst.Inputs))
	for i, name := range inst.Inputs {
		v, err := lookup(name)
		if err != nil {
			return nil, View{}, err
		}
		in[i] = v
	}
	out, err := lookup(inst.Output)
	if err != nil {
		return nil, View{}, err
	}
	return in, out, nil
}
