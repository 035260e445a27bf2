package accel

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// DeviceTensor is a tensor in device memory.
type DeviceTensor struct {
	ctx  *DeviceContext
	name string
	info tensor.Info
	data []byte
}

var _ engine.DeviceBuffer = (*DeviceTensor)(nil)

func (t *DeviceTensor) Info() tensor.Info {
	return t.info
}

func (t *DeviceTensor) CopyFromHost(a tensor.Array) error {
	if t.data == nil {
		return fmt.Errorf("copy into freed tensor %q", t.name)
	}
	if err := tensor.CheckLayout(t.name, t.info, a); err != nil {
		return err
	}
	copy(t.data, a.Bytes())
	return nil
}

func (t *DeviceTensor) CopyToHost() (tensor.Array, error) {
	if t.data == nil {
		return tensor.Array{}, fmt.Errorf("copy from freed tensor %q", t.name)
	}
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return tensor.FromBytes(t.info.DType, t.info.Shape, data)
}

// Free returns the tensor's memory to its device context. Freeing twice is a no-op.
func (t *DeviceTensor) Free() error {
	if t.data == nil {
		return nil
	}
	t.ctx.release(int64(len(t.data)))
	t.data = nil
	return nil
}

func (t *DeviceTensor) view() engine.View {
	return engine.View{Info: t.info, Data: t.data}
}
