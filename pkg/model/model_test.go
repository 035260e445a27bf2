package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
	"k8s.io/examples/AI/modelexec/pkg/errdefs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

func smallSample(t *testing.T, batch int) *graph.Graph {
	t.Helper()
	g, err := Sample(SampleConfig{Batch: batch, Channels: 4, Hidden: 8, Height: 3, Width: 3, Seed: 7})
	require.NoError(t, err)
	return g
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, combined := range []bool{true, false} {
		combined := combined // per-iteration copy (go 1.21 loop semantics)
		t.Run(map[bool]string{true: "combined", false: "split"}[combined], func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			want := smallSample(t, 1)
			require.NoError(t, Save(ctx, dir, want, combined))

			got, err := Load(ctx, dir, nil, nil, combined)
			require.NoError(t, err)

			if diff := cmp.Diff(want.Vars, got.Vars); diff != "" {
				t.Errorf("vars differ (-want +got):\n%s", diff)
			}
			require.Equal(t, want.Inputs, got.Inputs)
			require.Equal(t, want.Outputs, got.Outputs)
			require.Len(t, got.Nodes, len(want.Nodes))
			for i := range want.Nodes {
				require.Equal(t, want.Nodes[i].Op, got.Nodes[i].Op)
				require.Equal(t, want.Nodes[i].Inputs, got.Nodes[i].Inputs)
			}
			require.Len(t, got.Params, 3)
			for name, buf := range want.Params {
				require.Equal(t, buf.Bytes(), got.Params[name].Bytes(), name)
				require.Equal(t, buf.Info(), got.Params[name].Info(), name)
			}

			files, err := os.ReadDir(dir)
			require.NoError(t, err)
			if combined {
				require.Len(t, files, 2)
			} else {
				require.Len(t, files, 4)
			}
		})
	}
}

func TestLoadMissingFiles(t *testing.T) {
	ctx := context.Background()

	g, err := Load(ctx, filepath.Join(t.TempDir(), "nope"), nil, nil, true)
	require.Nil(t, g)
	var parseErr *errdefs.ParseError
	require.ErrorAs(t, err, &parseErr)

	dir := t.TempDir()
	require.NoError(t, Save(ctx, dir, smallSample(t, 1), true))
	require.NoError(t, os.Remove(filepath.Join(dir, CombinedParamsFile)))
	g, err = Load(ctx, dir, nil, nil, true)
	require.Nil(t, g)
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, filepath.Join(dir, CombinedParamsFile), parseErr.Path)
	require.ErrorIs(t, err, os.ErrNotExist)

	dir = t.TempDir()
	require.NoError(t, Save(ctx, dir, smallSample(t, 1), false))
	require.NoError(t, os.Remove(filepath.Join(dir, "conv2d_1.w_0")))
	g, err = Load(ctx, dir, nil, nil, false)
	require.Nil(t, g)
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, filepath.Join(dir, "conv2d_1.w_0"), parseErr.Path)

	// split files are not read as combined
	g, err = Load(ctx, dir, nil, nil, true)
	require.Nil(t, g)
	require.ErrorAs(t, err, &parseErr)
}

func TestLoadBindsInputShapes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, Save(ctx, dir, smallSample(t, -1), true))

	g, err := Load(ctx, dir, []string{SampleInput}, [][]int{{2, 4, 3, 3}}, true)
	require.NoError(t, err)
	v, _ := g.Var(SampleInput)
	require.Equal(t, []int{2, 4, 3, 3}, v.Shape)

	_, err = Load(ctx, dir, []string{SampleInput}, [][]int{{2, 5, 3, 3}}, true)
	var shapeErr *errdefs.ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
	require.Equal(t, SampleInput, shapeErr.Tensor)

	_, err = Load(ctx, dir, []string{SampleInput}, [][]int{{2, 4, 3}}, true)
	require.ErrorAs(t, err, &shapeErr)

	_, err = Load(ctx, dir, []string{"conv2d_0.w_0"}, [][]int{{8, 4, 1, 1}}, true)
	var unknownErr *errdefs.UnknownTensorError
	require.ErrorAs(t, err, &unknownErr)

	_, err = Load(ctx, dir, []string{SampleInput}, nil, true)
	require.Error(t, err)
}

func TestLoadRejectsMismatchedRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, Save(ctx, dir, smallSample(t, 1), false))

	wrong, err := tensor.FromFloat64(tensor.Shape{8, 4, 1, 1}, make([]float64, 32))
	require.NoError(t, err)
	buf, err := tensor.BufferFromArray("conv2d_0.w_0", wrong)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv2d_0.w_0"), encodeParams([]*tensor.Buffer{buf}), 0644))

	_, err = Load(ctx, dir, nil, nil, false)
	var parseErr *errdefs.ParseError
	require.ErrorAs(t, err, &parseErr)
	var dtypeErr *errdefs.DTypeMismatchError
	require.ErrorAs(t, err, &dtypeErr)
}

func TestLoadRejectsOverflowingShapes(t *testing.T) {
	ctx := context.Background()
	huge := 1 << 62

	t.Run("record", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Save(ctx, dir, smallSample(t, 1), false))

		var rec []byte
		rec = protowire.AppendTag(rec, recordNameField, protowire.BytesType)
		rec = protowire.AppendString(rec, "conv2d_0.w_0")
		rec = protowire.AppendTag(rec, recordDTypeField, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(tensor.Float32))
		rec = protowire.AppendTag(rec, recordDimsField, protowire.BytesType)
		var dims []byte
		for _, d := range []int{4, huge} {
			dims = protowire.AppendVarint(dims, uint64(d))
		}
		rec = protowire.AppendBytes(rec, dims)
		rec = protowire.AppendTag(rec, recordDataField, protowire.BytesType)
		rec = protowire.AppendBytes(rec, nil)

		var b []byte
		b = protowire.AppendTag(b, fileVersionField, protowire.VarintType)
		b = protowire.AppendVarint(b, formatVersion)
		b = protowire.AppendTag(b, fileTensorField, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "conv2d_0.w_0"), b, 0644))

		_, err := Load(ctx, dir, nil, nil, false)
		var parseErr *errdefs.ParseError
		require.ErrorAs(t, err, &parseErr)
		require.Equal(t, filepath.Join(dir, "conv2d_0.w_0"), parseErr.Path)
		require.ErrorContains(t, err, "too many elements")
	})

	t.Run("var", func(t *testing.T) {
		dir := t.TempDir()
		doc := fmt.Sprintf(`{"version":1,"inputs":["x"],"outputs":["y"],
  "vars":[{"name":"x","shape":[4,%d],"dtype":"float32"}],
  "nodes":[{"name":"n0","op":"softmax","inputs":["x"],"outputs":["y"]}]}`, huge)
		require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFile), []byte(doc), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, CombinedParamsFile), encodeParams(nil), 0644))

		_, err := Load(ctx, dir, nil, nil, true)
		var parseErr *errdefs.ParseError
		require.ErrorAs(t, err, &parseErr)
	})

	t.Run("input", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Save(ctx, dir, smallSample(t, -1), true))

		_, err := Load(ctx, dir, []string{SampleInput}, [][]int{{huge, 4, 3, 3}}, true)
		var shapeErr *errdefs.ShapeMismatchError
		require.ErrorAs(t, err, &shapeErr)
		require.Equal(t, SampleInput, shapeErr.Tensor)
	})
}

func TestLoadRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	doc := `{
  "version": 1,
  "inputs": ["x"],
  "outputs": ["b"],
  "vars": [{"name": "x", "shape": [2], "dtype": "float32"}],
  "nodes": [
    {"name": "n0", "op": "elementwise_add", "inputs": ["x", "b"], "outputs": ["a"]},
    {"name": "n1", "op": "relu", "inputs": ["a"], "outputs": ["b"]}
  ]
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFile), []byte(doc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CombinedParamsFile), encodeParams(nil), 0644))

	g, err := Load(context.Background(), dir, nil, nil, true)
	require.Nil(t, g)
	var cycleErr *errdefs.CyclicGraphError
	require.ErrorAs(t, err, &cycleErr)
}

func TestLoadRejectsMalformedGraph(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFile), []byte(`{"version":1,"vars":[{"name":"x","dtype":"complex64"}]}`), 0644))

	_, err := Load(context.Background(), dir, nil, nil, true)
	var parseErr *errdefs.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, filepath.Join(dir, GraphFile), parseErr.Path)
}

func TestDecodeParamsSkipsUnknownFields(t *testing.T) {
	a, err := tensor.FromInt32(tensor.Shape{2}, []int32{3, -4})
	require.NoError(t, err)
	buf, err := tensor.BufferFromArray("w", a)
	require.NoError(t, err)

	b := encodeParams([]*tensor.Buffer{buf})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, 100, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 1)

	records, err := decodeParams(b)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "w", records[0].name)
	require.Equal(t, tensor.Int32, records[0].dtype)
	require.Equal(t, tensor.Shape{2}, records[0].shape)
	require.Equal(t, buf.Bytes(), records[0].data)

	_, err = decodeParams(b[:len(b)-3])
	require.Error(t, err)
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	store := &blobs.LocalDir{BaseDir: t.TempDir()}
	require.NoError(t, Save(ctx, filepath.Join(store.BaseDir, "models", "resnet"), smallSample(t, 1), false))

	dest := t.TempDir()
	require.NoError(t, Fetch(ctx, store, "models/resnet", dest, false))

	g, err := Load(ctx, dest, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, g.Params, 3)

	err = Fetch(ctx, store, "models/resnet", t.TempDir(), true)
	require.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}
