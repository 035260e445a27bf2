package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Backend runs plans on one device. A Computation owns exactly one backend.
type Backend interface {
	io.Closer

	Target() target.Target

	// Allocate reserves device memory for a tensor.
	Allocate(name string, info tensor.Info) (DeviceBuffer, error)

	// Execute runs every instruction of the plan against the given buffers.
	// Failures are reported as *errdefs.ExecutionError.
	Execute(ctx context.Context, plan *compiler.Plan, buffers map[string]DeviceBuffer) error
}

// DeviceBuffer is device memory holding one tensor. Data moves only through
// the explicit host copies.
type DeviceBuffer interface {
	Info() tensor.Info
	CopyFromHost(a tensor.Array) error
	CopyToHost() (tensor.Array, error)
	Free() error
}

// BackendFactory creates a backend for a target.
type BackendFactory func(t target.Target) (Backend, error)

var (
	backendsMutex sync.RWMutex
	backends      = make(map[target.Kind]BackendFactory)
)

// RegisterBackend makes a backend available for a target kind. Backends
// register themselves from init; registering a kind twice panics.
func RegisterBackend(kind target.Kind, factory BackendFactory) {
	backendsMutex.Lock()
	defer backendsMutex.Unlock()

	if _, dup := backends[kind]; dup {
		panic(fmt.Sprintf("engine: backend for %v registered twice", kind))
	}
	backends[kind] = factory
}

// NewBackend creates a backend for the target's kind.
func NewBackend(t target.Target) (Backend, error) {
	backendsMutex.RLock()
	factory, found := backends[t.Kind()]
	backendsMutex.RUnlock()

	if !found {
		return nil, fmt.Errorf("no backend registered for target %v", t.Kind())
	}
	return factory(t)
}
