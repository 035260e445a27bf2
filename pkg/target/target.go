// Package target describes the device a model is compiled for.
package target

import (
	"fmt"
	"runtime"
	"strings"
)

// Kind is the class of compute backend.
type Kind int

const (
	Host Kind = iota
	Accelerator
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names used on command lines and in environment variables.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", "cpu", "x86":
		return Host, nil
	case "accelerator", "accel", "gpu", "nvgpu", "cuda":
		return Accelerator, nil
	default:
		return 0, fmt.Errorf("unknown target %q (want host or accelerator)", s)
	}
}

// DefaultAcceleratorMemory is the device memory limit when none is configured.
const DefaultAcceleratorMemory = 1024 * 1024 * 1024

// Target is an immutable description of a compute backend.
type Target struct {
	kind          Kind
	deviceID      int
	numThreads    int
	memoryLimit   int64
	checkNumerics bool
}

type Option func(*Target)

func WithDeviceID(id int) Option {
	return func(t *Target) { t.deviceID = id }
}

// WithNumThreads bounds the number of concurrent workers a backend may use.
func WithNumThreads(n int) Option {
	return func(t *Target) { t.numThreads = n }
}

// WithMemoryLimit bounds device memory in bytes. Zero means no limit.
func WithMemoryLimit(bytes int64) Option {
	return func(t *Target) { t.memoryLimit = bytes }
}

// WithNumericChecks makes execution fail when an operator produces NaN or Inf.
func WithNumericChecks(enabled bool) Option {
	return func(t *Target) { t.checkNumerics = enabled }
}

func New(kind Kind, opts ...Option) (Target, error) {
	t := Target{
		kind:       kind,
		numThreads: runtime.GOMAXPROCS(0),
	}
	if kind == Accelerator {
		t.memoryLimit = DefaultAcceleratorMemory
	}
	for _, opt := range opts {
		opt(&t)
	}

	if kind != Host && kind != Accelerator {
		return Target{}, fmt.Errorf("unknown target kind %v", kind)
	}
	if t.numThreads <= 0 {
		return Target{}, fmt.Errorf("number of threads must be positive, got %d", t.numThreads)
	}
	if t.deviceID < 0 {
		return Target{}, fmt.Errorf("device id must not be negative, got %d", t.deviceID)
	}
	if t.memoryLimit < 0 {
		return Target{}, fmt.Errorf("memory limit must not be negative, got %d", t.memoryLimit)
	}
	return t, nil
}

// DefaultHostTarget is the host CPU with default settings.
func DefaultHostTarget() Target {
	t, _ := New(Host)
	return t
}

// DefaultAcceleratorTarget is accelerator 0 with default settings.
func DefaultAcceleratorTarget() Target {
	t, _ := New(Accelerator)
	return t
}

func (t Target) Kind() Kind          { return t.kind }
func (t Target) DeviceID() int       { return t.deviceID }
func (t Target) NumThreads() int     { return t.numThreads }
func (t Target) MemoryLimit() int64  { return t.memoryLimit }
func (t Target) CheckNumerics() bool { return t.checkNumerics }

// SupportsFusion reports whether the compiler should fuse pointwise chains.
// Fusion saves device memory traffic, which the host does not have.
func (t Target) SupportsFusion() bool {
	return t.kind == Accelerator
}

func (t Target) String() string {
	s := fmt.Sprintf("%s:%d(threads=%d", t.kind, t.deviceID, t.numThreads)
	if t.memoryLimit > 0 {
		s += fmt.Sprintf(",memory=%d", t.memoryLimit)
	}
	if t.checkNumerics {
		s += ",check-numerics"
	}
	return s + ")"
}
