package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Load reads the model directory dir. inputShapes[i] binds the shape of the
// graph input inputNames[i]; -1 dimensions in the declared shape accept any
// positive size. Nothing under dir is modified.
func Load(ctx context.Context, dir string, inputNames []string, inputShapes [][]int, paramsCombined bool) (*graph.Graph, error) {
	log := klog.FromContext(ctx)

	if len(inputNames) != len(inputShapes) {
		return nil, fmt.Errorf("got %d input names but %d input shapes", len(inputNames), len(inputShapes))
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &errdefs.ParseError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &errdefs.ParseError{Path: dir, Err: errors.New("not a directory")}
	}

	g, err := readGraph(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, err
	}

	for i, name := range inputNames {
		if err := bindInput(g, name, inputShapes[i]); err != nil {
			return nil, err
		}
	}

	if paramsCombined {
		err = readCombinedParams(g, filepath.Join(dir, CombinedParamsFile))
	} else {
		err = readSplitParams(ctx, g, dir)
	}
	if err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	log.Info("loaded model", "dir", dir, "name", g.Name, "nodes", len(g.Nodes), "params", len(g.Params))
	return g, nil
}

func readGraph(p string) (*graph.Graph, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, &errdefs.ParseError{Path: p, Err: err}
	}

	doc := &document{}
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, &errdefs.ParseError{Path: p, Err: err}
	}
	if doc.Version != formatVersion {
		return nil, &errdefs.ParseError{Path: p, Err: fmt.Errorf("unsupported format version %d", doc.Version)}
	}
	for _, v := range doc.Vars {
		if v.DType == tensor.Invalid {
			return nil, &errdefs.ParseError{Path: p, Err: fmt.Errorf("var %q has no dtype", v.Name)}
		}
		if err := checkDeclaredShape(v); err != nil {
			return nil, &errdefs.ParseError{Path: p, Err: fmt.Errorf("var %q: %w", v.Name, err)}
		}
	}
	for i, node := range doc.Nodes {
		if node == nil {
			return nil, &errdefs.ParseError{Path: p, Err: fmt.Errorf("node %d is null", i)}
		}
	}

	return &graph.Graph{
		Name:    doc.Name,
		Vars:    doc.Vars,
		Nodes:   doc.Nodes,
		Inputs:  doc.Inputs,
		Outputs: doc.Outputs,
		Params:  make(map[string]*tensor.Buffer),
	}, nil
}

// checkDeclaredShape accepts -1 dimensions and checks that the known
// dimensions alone describe an addressable tensor.
func checkDeclaredShape(v *graph.Var) error {
	known := make(tensor.Shape, len(v.Shape))
	for i, d := range v.Shape {
		switch {
		case d == -1:
			known[i] = 1
		case d <= 0:
			return fmt.Errorf("invalid shape %v", v.Shape)
		default:
			known[i] = d
		}
	}
	return tensor.Info{Shape: known, DType: v.DType}.Validate()
}

func bindInput(g *graph.Graph, name string, shape []int) error {
	v, found := g.Var(name)
	if !found || !g.IsInput(name) {
		return &errdefs.UnknownTensorError{Name: name}
	}

	mismatch := &errdefs.ShapeMismatchError{Tensor: name, Want: v.Shape, Got: shape}
	if len(shape) != len(v.Shape) {
		return mismatch
	}
	for i, d := range shape {
		if d <= 0 {
			return mismatch
		}
		if v.Shape[i] != -1 && v.Shape[i] != d {
			return mismatch
		}
	}
	if err := (tensor.Info{Shape: shape, DType: v.DType}).Validate(); err != nil {
		return mismatch
	}
	v.Shape = append([]int(nil), shape...)
	return nil
}

func readCombinedParams(g *graph.Graph, p string) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return &errdefs.ParseError{Path: p, Err: err}
	}
	records, err := decodeParams(b)
	if err != nil {
		return &errdefs.ParseError{Path: p, Err: err}
	}

	byName := make(map[string]*record, len(records))
	for _, r := range records {
		if _, dup := byName[r.name]; dup {
			return &errdefs.ParseError{Path: p, Err: fmt.Errorf("duplicate record %q", r.name)}
		}
		v, found := g.Var(r.name)
		if !found || !v.Persistable {
			return &errdefs.ParseError{Path: p, Err: fmt.Errorf("record %q does not match a persistable var", r.name)}
		}
		byName[r.name] = r
	}

	for _, v := range g.Vars {
		if !v.Persistable {
			continue
		}
		r, found := byName[v.Name]
		if !found {
			return &errdefs.ParseError{Path: p, Err: fmt.Errorf("no data for persistable var %q", v.Name)}
		}
		buf, err := bindParam(v, r)
		if err != nil {
			return &errdefs.ParseError{Path: p, Err: err}
		}
		g.Params[v.Name] = buf
	}
	return nil
}

func readSplitParams(ctx context.Context, g *graph.Graph, dir string) error {
	log := klog.FromContext(ctx)

	var mutex sync.Mutex
	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))

	for _, v := range g.Vars {
		v := v // per-iteration copy (go 1.21 loop semantics)
		if !v.Persistable {
			continue
		}
		group.Go(func() error {
			if err := checkFileName(v.Name); err != nil {
				return &errdefs.ParseError{Path: dir, Err: err}
			}
			p := filepath.Join(dir, v.Name)
			buf, err := readParamFile(p, v)
			if err != nil {
				return err
			}
			log.V(2).Info("read param", "name", v.Name, "info", buf.Info())

			mutex.Lock()
			defer mutex.Unlock()
			g.Params[v.Name] = buf
			return nil
		})
	}
	return group.Wait()
}

func readParamFile(p string, v *graph.Var) (*tensor.Buffer, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, &errdefs.ParseError{Path: p, Err: err}
	}
	records, err := decodeParams(b)
	if err != nil {
		return nil, &errdefs.ParseError{Path: p, Err: err}
	}
	if len(records) != 1 || records[0].name != v.Name {
		return nil, &errdefs.ParseError{Path: p, Err: fmt.Errorf("expected a single record for %q", v.Name)}
	}
	buf, err := bindParam(v, records[0])
	if err != nil {
		return nil, &errdefs.ParseError{Path: p, Err: err}
	}
	return buf, nil
}

// bindParam checks a record against its declared var.
func bindParam(v *graph.Var, r *record) (*tensor.Buffer, error) {
	if r.dtype != v.DType {
		return nil, &errdefs.DTypeMismatchError{Tensor: v.Name, Want: v.DType.String(), Got: r.dtype.String()}
	}
	if len(r.shape) != len(v.Shape) {
		return nil, &errdefs.ShapeMismatchError{Tensor: v.Name, Want: v.Shape, Got: r.shape}
	}
	for i, d := range v.Shape {
		if d != -1 && d != r.shape[i] {
			return nil, &errdefs.ShapeMismatchError{Tensor: v.Name, Want: v.Shape, Got: r.shape}
		}
	}
	a, err := r.array()
	if err != nil {
		return nil, err
	}
	v.Shape = r.shape.Clone()
	return tensor.BufferFromArray(v.Name, a)
}
