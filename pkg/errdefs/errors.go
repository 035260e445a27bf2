// Package errdefs defines the errors surfaced by model loading, compilation
// and execution. Callers match them with errors.As / errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutOfMemory is wrapped by device allocations that exceed the target's memory limit.
	ErrOutOfMemory = errors.New("device out of memory")

	// ErrBusy is returned when Execute is called on a computation that is already executing.
	ErrBusy = errors.New("computation is already executing")

	// ErrClosed is returned by operations on a computation after Close.
	ErrClosed = errors.New("computation is closed")
)

// ParseError reports a model directory that could not be read or decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ShapeMismatchError reports a tensor whose shape differs from the expected one.
type ShapeMismatchError struct {
	Tensor string
	Want   []int
	Got    []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor %q: shape mismatch: want %s, got %s", e.Tensor, formatDims(e.Want), formatDims(e.Got))
}

// DTypeMismatchError reports a tensor whose element type differs from the expected one.
type DTypeMismatchError struct {
	Tensor string
	Want   string
	Got    string
}

func (e *DTypeMismatchError) Error() string {
	return fmt.Sprintf("tensor %q: dtype mismatch: want %s, got %s", e.Tensor, e.Want, e.Got)
}

// CyclicGraphError reports the nodes that form a cycle.
type CyclicGraphError struct {
	Nodes []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("graph contains a cycle through nodes [%s]", strings.Join(e.Nodes, " -> "))
}

// UnsupportedOpError reports an operator kind with no registered definition.
type UnsupportedOpError struct {
	Op   string
	Node string
}

func (e *UnsupportedOpError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("unsupported operation %q", e.Op)
	}
	return fmt.Sprintf("unsupported operation %q (node %q)", e.Op, e.Node)
}

// UnknownTensorError reports a tensor name that is not registered.
type UnknownTensorError struct {
	Name string
}

func (e *UnknownTensorError) Error() string {
	return fmt.Sprintf("unknown tensor %q", e.Name)
}

// ExecutionError reports a runtime fault, carrying the failing operation.
type ExecutionError struct {
	Op   string
	Node string
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Op == "" && e.Node == "" {
		return fmt.Sprintf("execution failed: %v", e.Err)
	}
	return fmt.Sprintf("executing %s (node %q): %v", e.Op, e.Node, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func formatDims(dims []int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, d := range dims {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d", d)
	}
	sb.WriteString("]")
	return sb.String()
}
