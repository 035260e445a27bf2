package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Computation binds a compiled plan to a backend and the device buffers of
// every tensor the plan declares. It owns both: Close frees every buffer
// and then the backend.
//
// A Computation is not reentrant. Execute fails with errdefs.ErrBusy while
// another Execute is in progress, and so do SetInput, GetOutput and Close.
type Computation struct {
	id      string
	plan    *compiler.Plan
	backend Backend
	buffers map[string]DeviceBuffer
	tensors *orderedmap.OrderedMap[string, *Tensor]

	mutex   sync.Mutex
	running bool
	closed  bool
}

// New creates a backend for the plan's target and binds the plan to it.
func New(ctx context.Context, plan *compiler.Plan) (*Computation, error) {
	backend, err := NewBackend(plan.Target)
	if err != nil {
		return nil, err
	}
	return NewComputation(ctx, plan, backend)
}

// NewComputation allocates a device buffer for every declared tensor and
// uploads the parameters. It takes ownership of backend, which is closed
// if construction fails.
func NewComputation(ctx context.Context, plan *compiler.Plan, backend Backend) (*Computation, error) {
	log := klog.FromContext(ctx)

	c := &Computation{
		id:      uuid.NewString(),
		plan:    plan,
		backend: backend,
		buffers: make(map[string]DeviceBuffer, plan.Tensors.Len()),
		tensors: orderedmap.New[string, *Tensor](),
	}

	shouldFree := true
	defer func() {
		if shouldFree {
			if err := c.free(); err != nil {
				log.Error(err, "freeing partially constructed computation", "id", c.id)
			}
		}
	}()

	for pair := plan.Tensors.Oldest(); pair != nil; pair = pair.Next() {
		decl := pair.Value
		buf, err := backend.Allocate(decl.Name, decl.Info)
		if err != nil {
			return nil, fmt.Errorf("allocating tensor %q: %w", decl.Name, err)
		}
		c.buffers[decl.Name] = buf

		if decl.Role == compiler.RoleParam {
			if err := buf.CopyFromHost(decl.Param.Array()); err != nil {
				return nil, fmt.Errorf("uploading param %q: %w", decl.Name, err)
			}
		}
		if plan.IsFetchable(decl.Name) {
			c.tensors.Set(decl.Name, &Tensor{c: c, decl: decl})
		}
	}
	shouldFree = false

	log.Info("created computation", "id", c.id, "target", plan.Target.String(), "tensors", len(c.buffers))
	return c, nil
}

// ID identifies the computation in logs and remote calls.
func (c *Computation) ID() string {
	return c.id
}

func (c *Computation) Plan() *compiler.Plan {
	return c.plan
}

// GetTensor returns the handle of an input, output or fetched tensor.
func (c *Computation) GetTensor(name string) (*Tensor, error) {
	t, found := c.tensors.Get(name)
	if !found {
		return nil, &errdefs.UnknownTensorError{Name: name}
	}
	return t, nil
}

// Tensors lists the accessible tensors in declaration order.
func (c *Computation) Tensors() []*Tensor {
	out := make([]*Tensor, 0, c.tensors.Len())
	for pair := c.tensors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// acquire marks the computation as in use; release must be called after.
func (c *Computation) acquire() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return errdefs.ErrClosed
	}
	if c.running {
		return errdefs.ErrBusy
	}
	c.running = true
	return nil
}

func (c *Computation) release() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.running = false
}

// SetInput copies host data into an input tensor. The array must have the
// declared shape and dtype; convert it first if it does not.
func (c *Computation) SetInput(name string, a tensor.Array) error {
	if !c.plan.IsInput(name) {
		return &errdefs.UnknownTensorError{Name: name}
	}
	return c.copyFromHost(name, a)
}

// copyFromHost overwrites any tensor the computation holds a buffer for.
func (c *Computation) copyFromHost(name string, a tensor.Array) error {
	handle, found := c.tensors.Get(name)
	if !found {
		return &errdefs.UnknownTensorError{Name: name}
	}
	if err := tensor.CheckLayout(name, handle.decl.Info, a); err != nil {
		return err
	}

	if err := c.acquire(); err != nil {
		return fmt.Errorf("writing %q: %w", name, err)
	}
	defer c.release()

	if err := c.buffers[name].CopyFromHost(a); err != nil {
		return fmt.Errorf("copying %q to device: %w", name, err)
	}
	return nil
}

// Execute runs the plan to completion. Output contents are unspecified after a failure.
func (c *Computation) Execute(ctx context.Context) error {
	log := klog.FromContext(ctx)

	if err := c.acquire(); err != nil {
		return fmt.Errorf("executing computation %s: %w", c.id, err)
	}
	defer c.release()

	startedAt := time.Now()
	if err := c.backend.Execute(ctx, c.plan, c.buffers); err != nil {
		var execErr *errdefs.ExecutionError
		if !errors.As(err, &execErr) {
			err = &errdefs.ExecutionError{Err: err}
		}
		return err
	}
	log.V(2).Info("executed computation", "id", c.id, "instructions", len(c.plan.Instructions), "duration", time.Since(startedAt))
	return nil
}

// GetOutput copies a tensor back to the host.
func (c *Computation) GetOutput(name string) (tensor.Array, error) {
	if _, found := c.tensors.Get(name); !found {
		return tensor.Array{}, &errdefs.UnknownTensorError{Name: name}
	}
	if err := c.acquire(); err != nil {
		return tensor.Array{}, fmt.Errorf("reading %q: %w", name, err)
	}
	defer c.release()

	a, err := c.buffers[name].CopyToHost()
	if err != nil {
		return tensor.Array{}, fmt.Errorf("copying %q to host: %w", name, err)
	}
	return a, nil
}

// Close frees every device buffer and the backend.
func (c *Computation) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return errdefs.ErrClosed
	}
	if c.running {
		c.mutex.Unlock()
		return errdefs.ErrBusy
	}
	c.closed = true
	c.mutex.Unlock()

	return c.free()
}

func (c *Computation) free() error {
	var errs []error
	for name, buf := range c.buffers {
		if err := buf.Free(); err != nil {
			errs = append(errs, fmt.Errorf("freeing %q: %w", name, err))
		}
	}
	c.buffers = nil
	if err := c.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing backend: %w", err))
	}
	return errors.Join(errs...)
}
