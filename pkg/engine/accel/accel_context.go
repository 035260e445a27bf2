package accel

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// DeviceContext is the memory arena of one simulated device. Every tensor
// and every staging buffer is accounted against the limit.
type DeviceContext struct {
	deviceID int
	limit    int64

	mutex sync.Mutex
	used  int64
	peak  int64
	freed bool
}

// NewDeviceContext creates an arena. A zero limit means unlimited.
func NewDeviceContext(deviceID int, limit int64) *DeviceContext {
	return &DeviceContext{deviceID: deviceID, limit: limit}
}

func (c *DeviceContext) reserve(n int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.freed {
		return errors.New("device context has been freed")
	}
	if c.limit > 0 && c.used+n > c.limit {
		return fmt.Errorf("device %d: need %d bytes with %d of %d in use: %w", c.deviceID, n, c.used, c.limit, errdefs.ErrOutOfMemory)
	}
	c.used += n
	c.peak = max(c.peak, c.used)
	return nil
}

func (c *DeviceContext) release(n int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.used -= n
}

// Reserve accounts for temporary memory; call the returned func to give it back.
func (c *DeviceContext) Reserve(n int64) (func(), error) {
	if err := c.reserve(n); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { c.release(n) }) }, nil
}

// NewTensor allocates device memory for a tensor.
func (c *DeviceContext) NewTensor(name string, info tensor.Info) (*DeviceTensor, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	size := int64(info.ByteSize())
	if err := c.reserve(size); err != nil {
		return nil, fmt.Errorf("allocating tensor %q: %w", name, err)
	}
	return &DeviceTensor{
		ctx:  c,
		name: name,
		info: tensor.Info{Shape: info.Shape.Clone(), DType: info.DType},
		data: make([]byte, size),
	}, nil
}

// Used is the number of bytes currently allocated.
func (c *DeviceContext) Used() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.used
}

// Peak is the high-water mark of allocated bytes.
func (c *DeviceContext) Peak() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.peak
}

// Free releases the arena. Tensors still allocated from it are leaked and reported.
func (c *DeviceContext) Free() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.freed {
		return nil
	}
	c.freed = true
	if c.used != 0 {
		return fmt.Errorf("device %d freed with %d bytes still allocated", c.deviceID, c.used)
	}
	return nil
}
