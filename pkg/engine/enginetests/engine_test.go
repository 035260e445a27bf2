package enginetests

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"k8s.io/examples/AI/modelexec/pkg/compare"
	"k8s.io/examples/AI/modelexec/pkg/compiler"
	"k8s.io/examples/AI/modelexec/pkg/engine"
	"k8s.io/examples/AI/modelexec/pkg/engine/fallback"
	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/frontend"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/model"
	"k8s.io/examples/AI/modelexec/pkg/target"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

func targets(t *testing.T) map[string]target.Target {
	accel, err := target.New(target.Accelerator, target.WithNumThreads(4))
	if err != nil {
		t.Fatalf("failed to create accelerator target: %v", err)
	}
	return map[string]target.Target{
		"host":        target.DefaultHostTarget(),
		"accelerator": accel,
	}
}

func unaryGraph(t *testing.T, op string, attrs graph.Attributes, dtype tensor.DType, shape ...int) *graph.Graph {
	b := graph.NewBuilder(op)
	x := b.Input("x", dtype, shape...)
	b.Output(b.Op(op, attrs, x))
	g, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return g
}

func compile(t *testing.T, tgt target.Target, g *graph.Graph, opts ...compiler.Option) *engine.Computation {
	c, err := frontend.Compile(context.Background(), tgt, g, opts...)
	if err != nil {
		t.Fatalf("failed to compile for %v: %v", tgt, err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil && !errors.Is(err, errdefs.ErrClosed) {
			t.Errorf("failed to close computation: %v", err)
		}
	})
	return c
}

func TestIdentity(t *testing.T) {
	for name, tgt := range targets(t) {
		tgt := tgt // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := compile(t, tgt, unaryGraph(t, "identity", nil, tensor.Float32, 1, 3, 4, 4))

			if err := c.SetInput("x", tensor.Ones(tensor.Shape{1, 3, 4, 4})); err != nil {
				t.Fatalf("failed to set input: %v", err)
			}
			if err := c.Execute(ctx); err != nil {
				t.Fatalf("failed to execute: %v", err)
			}

			out, err := c.GetOutput(c.Plan().Outputs[0])
			if err != nil {
				t.Fatalf("failed to get output: %v", err)
			}
			values, err := out.Float32s()
			if err != nil {
				t.Fatalf("failed to read output: %v", err)
			}
			if len(values) != 48 {
				t.Fatalf("expected 48 values, got %d", len(values))
			}
			for i, v := range values {
				if v != 1 {
					t.Fatalf("expected 1 at %d, got %v", i, v)
				}
			}
		})
	}
}

func TestRMSNorm(t *testing.T) {
	for name, tgt := range targets(t) {
		tgt := tgt // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			c := compile(t, tgt, unaryGraph(t, "rms_norm", nil, tensor.Float32, 3))

			input, _ := tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2, 3})
			results, err := engine.Run(context.Background(), c, map[string]tensor.Array{"x": input}, nil)
			if err != nil {
				t.Fatalf("failed to evaluate: %v", err)
			}

			t.Logf("results: %v", results)

			if len(results) != 1 {
				t.Fatalf("expected 1 result, got %d", len(results))
			}
			values, err := results[c.Plan().Outputs[0]].Float32s()
			if err != nil {
				t.Fatalf("failed to read result: %v", err)
			}
			if len(values) != 3 {
				t.Fatalf("expected 3 values, got %d", len(values))
			}
			expected := []float32{0.46290955, 0.9258191, 1.3887286}
			if !FloatingPointEqual(values, expected) {
				t.Errorf("expected %+v, got %+v", expected, values)
			}
		})
	}
}

func sampleModel(t *testing.T) (*graph.Graph, tensor.Array) {
	cfg := model.DefaultSampleConfig()
	g, err := model.Sample(cfg)
	if err != nil {
		t.Fatalf("failed to build sample model: %v", err)
	}
	input := model.SampleInputArray(tensor.Shape{cfg.Batch, cfg.Channels, cfg.Height, cfg.Width}, 42)
	return g, input
}

func runSample(t *testing.T, c *engine.Computation, input tensor.Array) tensor.Array {
	results, err := engine.Run(context.Background(), c, map[string]tensor.Array{model.SampleInput: input}, nil)
	if err != nil {
		t.Fatalf("failed to run sample model: %v", err)
	}
	return results[c.Plan().Outputs[0]]
}

func TestDeterminism(t *testing.T) {
	g, input := sampleModel(t)
	for name, tgt := range targets(t) {
		tgt := tgt // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			c := compile(t, tgt, g)

			first := runSample(t, c, input)
			second := runSample(t, c, input)
			if !bytes.Equal(first.Bytes(), second.Bytes()) {
				t.Errorf("outputs of two runs differ")
			}
		})
	}
}

func TestHostMatchesAccelerator(t *testing.T) {
	g, input := sampleModel(t)
	all := targets(t)

	host := runSample(t, compile(t, all["host"], g), input)
	accel := runSample(t, compile(t, all["accelerator"], g), input)

	report, err := compare.AllClose(accel, host, 1e-3, 1e-3)
	if err != nil {
		t.Fatalf("failed to compare: %v", err)
	}
	if !report.Equal() {
		t.Errorf("host and accelerator disagree: %v", report)
	}
}

func TestModelDirectory(t *testing.T) {
	ctx := context.Background()
	g, input := sampleModel(t)

	dir := t.TempDir()
	if err := model.Save(ctx, dir, g, true); err != nil {
		t.Fatalf("failed to save model: %v", err)
	}

	c, err := frontend.CompileModel(ctx, target.DefaultHostTarget(), dir, []string{model.SampleInput}, [][]int{{1, 160, 7, 7}}, true)
	if err != nil {
		t.Fatalf("failed to compile model: %v", err)
	}
	defer c.Close()

	want := runSample(t, compile(t, target.DefaultHostTarget(), g), input)
	got := runSample(t, c, input)
	if !bytes.Equal(want.Bytes(), got.Bytes()) {
		t.Errorf("saved model computes a different result")
	}

	c, err = frontend.CompileModel(ctx, target.DefaultHostTarget(), filepath.Join(dir, "missing"), nil, nil, true)
	if c != nil {
		t.Fatalf("expected no computation")
	}
	var parseErr *errdefs.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestTensorLayout(t *testing.T) {
	c := compile(t, target.DefaultHostTarget(), unaryGraph(t, "relu", nil, tensor.Float32, 2, 3))

	x, err := c.GetTensor("x")
	if err != nil {
		t.Fatalf("failed to get tensor: %v", err)
	}
	if !x.Shape().Equal(tensor.Shape{2, 3}) || x.DType() != tensor.Float32 {
		t.Fatalf("unexpected tensor %v %v", x.DType(), x.Shape())
	}

	var shapeErr *errdefs.ShapeMismatchError
	if err := x.FromHost(tensor.Ones(tensor.Shape{3, 2})); !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}

	ints, _ := tensor.FromInt32(tensor.Shape{2, 3}, make([]int32, 6))
	var dtypeErr *errdefs.DTypeMismatchError
	if err := x.FromHost(ints); !errors.As(err, &dtypeErr) {
		t.Fatalf("expected DTypeMismatchError, got %v", err)
	}

	var unknownErr *errdefs.UnknownTensorError
	if _, err := c.GetTensor("nope"); !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownTensorError, got %v", err)
	}
	if err := c.SetInput(c.Plan().Outputs[0], tensor.Ones(tensor.Shape{2, 3})); !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownTensorError writing an output, got %v", err)
	}
}

func TestPopulateOutputBeforeExecute(t *testing.T) {
	g, input := sampleModel(t)
	for name, tgt := range targets(t) {
		tgt := tgt // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			want := runSample(t, compile(t, tgt, g), input)

			c := compile(t, tgt, g)
			in, err := c.GetTensor(model.SampleInput)
			if err != nil {
				t.Fatalf("failed to get input: %v", err)
			}
			if err := in.FromHost(input); err != nil {
				t.Fatalf("failed to populate input: %v", err)
			}

			out, err := c.GetTensor(c.Plan().Outputs[0])
			if err != nil {
				t.Fatalf("failed to get output: %v", err)
			}
			if err := out.FromHost(tensor.Zeros(out.Shape())); err != nil {
				t.Fatalf("failed to zero output: %v", err)
			}
			var shapeErr *errdefs.ShapeMismatchError
			if err := out.FromHost(tensor.Zeros(tensor.Shape{1})); !errors.As(err, &shapeErr) {
				t.Fatalf("expected ShapeMismatchError, got %v", err)
			}

			if err := c.Execute(context.Background()); err != nil {
				t.Fatalf("failed to execute: %v", err)
			}
			got, err := out.ToHost()
			if err != nil {
				t.Fatalf("failed to read output: %v", err)
			}
			if !bytes.Equal(want.Bytes(), got.Bytes()) {
				t.Errorf("execute did not overwrite the zeroed output")
			}
		})
	}
}

func TestFetchIntermediate(t *testing.T) {
	b := graph.NewBuilder("chain")
	x := b.Input("x", tensor.Float32, 4)
	scaled := b.Op("scale", graph.Attributes{"scale": 2.0}, x)
	b.Output(b.Op("relu", nil, scaled))
	g, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	accel := targets(t)["accelerator"]

	c := compile(t, accel, g)
	var unknownErr *errdefs.UnknownTensorError
	if _, err := c.GetTensor(scaled); !errors.As(err, &unknownErr) {
		t.Fatalf("expected fused intermediate to be unreadable, got %v", err)
	}

	c = compile(t, accel, g, compiler.WithFetch(scaled))
	input, _ := tensor.FromFloat32(tensor.Shape{4}, []float32{-1, 0, 1, 2})
	results, err := engine.Run(context.Background(), c, map[string]tensor.Array{"x": input}, []string{scaled})
	if err != nil {
		t.Fatalf("failed to run: %v", err)
	}
	values, _ := results[scaled].Float32s()
	if !FloatingPointEqual(values, []float32{-2, 0, 2, 4}) {
		t.Errorf("unexpected intermediate %v", values)
	}
}

func TestOverflowingShape(t *testing.T) {
	g := unaryGraph(t, "softmax", nil, tensor.Float32, 4, 1<<62)
	for name, tgt := range targets(t) {
		tgt := tgt // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			c, err := frontend.Compile(context.Background(), tgt, g)
			if err == nil {
				c.Close()
				t.Fatalf("expected compile to reject shape [4,%d]", 1<<62)
			}
		})
	}
}

func TestCastFailure(t *testing.T) {
	for name, tgt := range targets(t) {
		tgt := tgt // per-iteration copy (go 1.21 loop semantics)
		t.Run(name, func(t *testing.T) {
			c := compile(t, tgt, unaryGraph(t, "cast", graph.Attributes{"dtype": "int32"}, tensor.Float32, 3))

			input, _ := tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2.5, 3})
			_, err := engine.Run(context.Background(), c, map[string]tensor.Array{"x": input}, nil)
			var execErr *errdefs.ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("expected ExecutionError, got %v", err)
			}
			if execErr.Op != "cast" {
				t.Errorf("expected failure in cast, got %q", execErr.Op)
			}

			input, _ = tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2, 3})
			results, err := engine.Run(context.Background(), c, map[string]tensor.Array{"x": input}, nil)
			if err != nil {
				t.Fatalf("failed to run: %v", err)
			}
			values, err := results[c.Plan().Outputs[0]].Int32s()
			if err != nil {
				t.Fatalf("expected int32 output: %v", err)
			}
			if values[0] != 1 || values[1] != 2 || values[2] != 3 {
				t.Errorf("unexpected cast result %v", values)
			}
		})
	}
}

func TestNumericChecks(t *testing.T) {
	tgt, err := target.New(target.Host, target.WithNumericChecks(true))
	if err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	c := compile(t, tgt, unaryGraph(t, "scale", graph.Attributes{"scale": 1e30}, tensor.Float32, 2))

	input, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 1e20})
	_, err = engine.Run(context.Background(), c, map[string]tensor.Array{"x": input}, nil)
	var execErr *errdefs.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
}

func TestAcceleratorOutOfMemory(t *testing.T) {
	g := unaryGraph(t, "relu", nil, tensor.Float32, 1, 3, 4, 4)

	// room for both buffers (384 bytes) but not for the staging copies
	tgt, err := target.New(target.Accelerator, target.WithMemoryLimit(500))
	if err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	c := compile(t, tgt, g)
	_, err = engine.Run(context.Background(), c, map[string]tensor.Array{"x": tensor.Ones(tensor.Shape{1, 3, 4, 4})}, nil)
	var execErr *errdefs.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !errors.Is(err, errdefs.ErrOutOfMemory) {
		t.Fatalf("expected out of memory, got %v", err)
	}

	tgt, err = target.New(target.Accelerator, target.WithMemoryLimit(100))
	if err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	if _, err := frontend.Compile(context.Background(), tgt, g); !errors.Is(err, errdefs.ErrOutOfMemory) {
		t.Fatalf("expected allocation to run out of memory, got %v", err)
	}
}

// blockingBackend holds Execute until released.
type blockingBackend struct {
	*fallback.Backend
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Execute(ctx context.Context, plan *compiler.Plan, buffers map[string]engine.DeviceBuffer) error {
	close(b.started)
	<-b.release
	return b.Backend.Execute(ctx, plan, buffers)
}

func TestNotReentrant(t *testing.T) {
	ctx := context.Background()
	tgt := target.DefaultHostTarget()
	plan, err := compiler.Compile(ctx, unaryGraph(t, "relu", nil, tensor.Float32, 4), tgt)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	host, err := fallback.NewBackend(tgt)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	backend := &blockingBackend{Backend: host, started: make(chan struct{}), release: make(chan struct{})}
	c, err := engine.NewComputation(ctx, plan, backend)
	if err != nil {
		t.Fatalf("failed to create computation: %v", err)
	}

	done := make(chan error)
	go func() { done <- c.Execute(ctx) }()
	<-backend.started

	if err := c.Execute(ctx); !errors.Is(err, errdefs.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := c.Close(); !errors.Is(err, errdefs.ErrBusy) {
		t.Errorf("expected ErrBusy closing a running computation, got %v", err)
	}

	close(backend.release)
	if err := <-done; err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := c.Close(); !errors.Is(err, errdefs.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Execute(ctx); !errors.Is(err, errdefs.ErrClosed) {
		t.Errorf("expected ErrClosed executing a closed computation, got %v", err)
	}
}

func TestCancellation(t *testing.T) {
	g, input := sampleModel(t)
	c := compile(t, target.DefaultHostTarget(), g)
	if err := c.SetInput(model.SampleInput, input); err != nil {
		t.Fatalf("failed to set input: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var execErr *errdefs.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
}

func FloatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(float64(value-b[i])) > 0.00001 {
			return false
		}
	}
	return true
}
