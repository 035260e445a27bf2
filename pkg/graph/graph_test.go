package graph

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

func names(nodes []*Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestTopologicalOrderIsStable(t *testing.T) {
	g := &Graph{
		Vars:   []*Var{{Name: "x", Shape: []int{1}, DType: tensor.Float32}},
		Inputs: []string{"x"},
		Nodes: []*Node{
			{Name: "c", Op: "relu", Inputs: []string{"b.out"}, Outputs: []string{"c.out"}},
			{Name: "a", Op: "relu", Inputs: []string{"x"}, Outputs: []string{"a.out"}},
			{Name: "b", Op: "relu", Inputs: []string{"a.out"}, Outputs: []string{"b.out"}},
			{Name: "d", Op: "relu", Inputs: []string{"x"}, Outputs: []string{"d.out"}},
		},
	}

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a", "b", "d", "c"}, names(order)); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	again, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, names(order), names(again))
}

func TestCycleIsRejected(t *testing.T) {
	g := &Graph{
		Vars:   []*Var{{Name: "x", Shape: []int{1}, DType: tensor.Float32}},
		Inputs: []string{"x"},
		Nodes: []*Node{
			{Name: "head", Op: "relu", Inputs: []string{"x"}, Outputs: []string{"h"}},
			{Name: "a", Op: "elementwise_add", Inputs: []string{"h", "c.out"}, Outputs: []string{"a.out"}},
			{Name: "b", Op: "relu", Inputs: []string{"a.out"}, Outputs: []string{"b.out"}},
			{Name: "c", Op: "relu", Inputs: []string{"b.out"}, Outputs: []string{"c.out"}},
		},
		Outputs: []string{"c.out"},
	}

	_, err := g.TopologicalOrder()
	var cycleErr *errdefs.CyclicGraphError
	require.True(t, errors.As(err, &cycleErr), "got %v", err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Nodes)

	require.ErrorAs(t, g.Validate(), &cycleErr)
}

func TestProducedTwice(t *testing.T) {
	g := &Graph{
		Vars:   []*Var{{Name: "x", Shape: []int{1}, DType: tensor.Float32}},
		Inputs: []string{"x"},
		Nodes: []*Node{
			{Name: "a", Op: "relu", Inputs: []string{"x"}, Outputs: []string{"y"}},
			{Name: "b", Op: "relu", Inputs: []string{"x"}, Outputs: []string{"y"}},
		},
	}
	_, err := g.TopologicalOrder()
	require.ErrorContains(t, err, "produced by both")
}

func TestNeverProduced(t *testing.T) {
	g := &Graph{
		Nodes: []*Node{
			{Name: "a", Op: "relu", Inputs: []string{"missing"}, Outputs: []string{"y"}},
		},
	}
	_, err := g.TopologicalOrder()
	require.ErrorContains(t, err, "never produced")
}

func TestBuilder(t *testing.T) {
	b := NewBuilder("tiny")
	x := b.Input("x", tensor.Float32, 1, 4)
	w := b.Param("w", tensor.Ones(tensor.Shape{4}))
	y := b.Op("elementwise_mul", Attributes{"axis": -1}, x, w)
	z := b.Op("relu", nil, y)
	b.Output(z)

	g, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, "relu_0.tmp_0", z)
	require.Equal(t, []string{"relu_0.tmp_0"}, g.Outputs)
	require.NotNil(t, g.Params["w"])
	require.Equal(t, "elementwise_mul_0", g.Producer(y).Name)
	require.Len(t, g.Consumers(y), 1)

	v, found := g.Var("w")
	require.True(t, found)
	require.True(t, v.Persistable)
}

func TestAttributesFromJSON(t *testing.T) {
	var attrs Attributes
	require.NoError(t, json.Unmarshal([]byte(`{"strides":[2,2],"scale":0.5,"groups":1,"global_pooling":true,"pooling_type":"avg"}`), &attrs))

	strides, err := attrs.Ints("strides", nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, strides)

	scale, err := attrs.Float("scale", 1)
	require.NoError(t, err)
	require.Equal(t, float32(0.5), scale)

	groups, err := attrs.Int("groups", 0)
	require.NoError(t, err)
	require.Equal(t, 1, groups)

	global, err := attrs.Bool("global_pooling", false)
	require.NoError(t, err)
	require.True(t, global)

	poolingType, err := attrs.String("pooling_type", "max")
	require.NoError(t, err)
	require.Equal(t, "avg", poolingType)

	dilations, err := attrs.Ints("dilations", []int{1, 1})
	require.NoError(t, err)
	require.Equal(t, []int{1, 1}, dilations)

	_, err = attrs.Int("scale", 0)
	require.Error(t, err)
	_, err = attrs.Bool("groups", false)
	require.Error(t, err)

	require.Equal(t, []string{"global_pooling", "groups", "pooling_type", "scale", "strides"}, attrs.Keys())
}
