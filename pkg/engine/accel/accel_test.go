package accel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

func TestDeviceContextAccounting(t *testing.T) {
	c := NewDeviceContext(0, 64)

	a, err := c.NewTensor("a", tensor.Info{Shape: tensor.Shape{8}, DType: tensor.Float32})
	require.NoError(t, err)
	require.EqualValues(t, 32, c.Used())

	_, err = c.NewTensor("b", tensor.Info{Shape: tensor.Shape{9}, DType: tensor.Float32})
	require.ErrorIs(t, err, errdefs.ErrOutOfMemory)

	release, err := c.Reserve(32)
	require.NoError(t, err)
	require.EqualValues(t, 64, c.Peak())
	release()
	release()
	require.EqualValues(t, 32, c.Used())

	require.NoError(t, a.Free())
	require.NoError(t, a.Free())
	require.EqualValues(t, 0, c.Used())

	_, err = a.CopyToHost()
	require.Error(t, err)

	require.NoError(t, c.Free())
	_, err = c.NewTensor("c", tensor.Info{Shape: tensor.Shape{1}, DType: tensor.Float32})
	require.Error(t, err)
}

func TestDeviceContextReportsLeaks(t *testing.T) {
	c := NewDeviceContext(1, 0)
	_, err := c.NewTensor("a", tensor.Info{Shape: tensor.Shape{2}, DType: tensor.Int64})
	require.NoError(t, err)
	require.Error(t, c.Free())
}

func TestDeviceTensorCopies(t *testing.T) {
	c := NewDeviceContext(0, 0)
	d, err := c.NewTensor("x", tensor.Info{Shape: tensor.Shape{2}, DType: tensor.Float32})
	require.NoError(t, err)

	src, err := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 2})
	require.NoError(t, err)
	require.NoError(t, d.CopyFromHost(src))

	got, err := d.CopyToHost()
	require.NoError(t, err)
	values, err := got.Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2}, values)

	var shapeErr *errdefs.ShapeMismatchError
	require.ErrorAs(t, d.CopyFromHost(tensor.Ones(tensor.Shape{3})), &shapeErr)
}

type countingKernel struct {
	items int
	calls atomic.Int32
	fail  bool
}

func (k *countingKernel) Items() int { return k.items }

func (k *countingKernel) Run(in [][]float32, out []float32, lo, hi int) error {
	k.calls.Add(1)
	if k.fail {
		return errors.New("kernel fault")
	}
	for i := lo; i < hi; i++ {
		out[i] = in[0][i] * 2
	}
	return nil
}

func TestLaunchCoversEveryItem(t *testing.T) {
	g, err := NewDeviceContext(0, 0).NewGraph(3)
	require.NoError(t, err)

	k := &countingKernel{items: 100}
	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i)
	}
	out := make([]float32, 100)
	require.NoError(t, g.launch(context.Background(), k, [][]float32{in}, out))
	for i := range out {
		require.Equal(t, float32(2*i), out[i])
	}
	require.EqualValues(t, 12, k.calls.Load())

	k = &countingKernel{items: 100, fail: true}
	require.Error(t, g.launch(context.Background(), k, [][]float32{in}, out))

	_, err = NewDeviceContext(0, 0).NewGraph(0)
	require.Error(t, err)
}
