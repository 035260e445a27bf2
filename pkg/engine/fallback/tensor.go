package fallback

import (
	"fmt"

	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// hostTensor is a device buffer that lives in host memory.
type hostTensor struct {
	info tensor.Info
	buf  *tensor.Buffer
}

var _ engine.DeviceBuffer = (*hostTensor)(nil)

func (t *hostTensor) Info() tensor.Info {
	return t.info
}

func (t *hostTensor) CopyFromHost(a tensor.Array) error {
	if t.buf == nil {
		return fmt.Errorf("copy into freed tensor")
	}
	return t.buf.CopyFrom(a)
}

func (t *hostTensor) CopyToHost() (tensor.Array, error) {
	if t.buf == nil {
		return tensor.Array{}, fmt.Errorf("copy from freed tensor")
	}
	return t.buf.Array(), nil
}

func (t *hostTensor) Free() error {
	t.buf = nil
	return nil
}

func (t *hostTensor) view() engine.View {
	return engine.View{Info: t.info, Data: t.buf.Bytes()}
}
