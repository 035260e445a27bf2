package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
	"k8s.io/examples/AI/modelexec/pkg/compare"
	"k8s.io/examples/AI/modelexec/pkg/model"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

var sampleConfig = model.SampleConfig{Batch: -1, Channels: 4, Hidden: 8, Height: 3, Width: 3, Seed: 3}

func startServer(t *testing.T, srv *Server) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	RegisterExecutorServer(grpcServer, srv)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			t.Logf("serving: %v", err)
		}
	}()
	t.Cleanup(func() {
		grpcServer.Stop()
		require.NoError(t, srv.Close())
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func saveSample(t *testing.T, dir string) {
	t.Helper()
	g, err := model.Sample(sampleConfig)
	require.NoError(t, err)
	require.NoError(t, model.Save(context.Background(), dir, g, true))
}

func compileSample(t *testing.T, client *Client, kind string) *CompileResponse {
	t.Helper()
	resp, err := client.Compile(context.Background(), &CompileRequest{
		Model:          "resnet",
		ParamsCombined: true,
		Inputs:         []InputBinding{{Name: model.SampleInput, Shape: []int{2, 4, 3, 3}}},
		Target:         TargetSpec{Kind: kind},
	})
	require.NoError(t, err)
	return resp
}

func TestCompileExecuteRelease(t *testing.T) {
	root := t.TempDir()
	saveSample(t, filepath.Join(root, "resnet"))
	client := startServer(t, NewServer(root, nil, 2))
	ctx := context.Background()

	input := model.SampleInputArray(tensor.Shape{2, 4, 3, 3}, 9)

	var results []tensor.Array
	for _, kind := range []string{"host", "accelerator"} {
		compiled := compileSample(t, client, kind)
		require.Len(t, compiled.Inputs, 1)
		require.Equal(t, []int{2, 4, 3, 3}, compiled.Inputs[0].Shape)
		require.Len(t, compiled.Outputs, 1)

		resp, err := client.Execute(ctx, &ExecuteRequest{
			ComputationID: compiled.ComputationID,
			Inputs:        []*TensorData{NewTensorData(model.SampleInput, input)},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		out, err := resp.Results[0].Array()
		require.NoError(t, err)
		require.Equal(t, tensor.Shape{2, 8, 3, 3}, out.Shape())
		results = append(results, out)

		_, err = client.Release(ctx, &ReleaseRequest{ComputationID: compiled.ComputationID})
		require.NoError(t, err)

		_, err = client.Execute(ctx, &ExecuteRequest{ComputationID: compiled.ComputationID})
		require.Equal(t, codes.NotFound, status.Code(err))
	}
	report, err := compare.AllClose(results[1], results[0], 1e-3, 1e-3)
	require.NoError(t, err)
	require.True(t, report.Equal(), report.String())
}

func TestErrorCodes(t *testing.T) {
	root := t.TempDir()
	saveSample(t, filepath.Join(root, "resnet"))
	client := startServer(t, NewServer(root, nil, 1))
	ctx := context.Background()

	_, err := client.Compile(ctx, &CompileRequest{Model: "missing", ParamsCombined: true, Target: TargetSpec{Kind: "host"}})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Compile(ctx, &CompileRequest{Model: "../escape", Target: TargetSpec{Kind: "host"}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Compile(ctx, &CompileRequest{Model: "resnet", Target: TargetSpec{Kind: "tpu"}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Compile(ctx, &CompileRequest{
		Model:          "resnet",
		ParamsCombined: true,
		Inputs:         []InputBinding{{Name: model.SampleInput, Shape: []int{2, 5, 3, 3}}},
		Target:         TargetSpec{Kind: "host"},
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Compile(ctx, &CompileRequest{
		Model:          "resnet",
		ParamsCombined: true,
		Inputs:         []InputBinding{{Name: model.SampleInput, Shape: []int{1 << 62, 4, 3, 3}}},
		Target:         TargetSpec{Kind: "host"},
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	compiled := compileSample(t, client, "host")
	_, err = client.Execute(ctx, &ExecuteRequest{
		ComputationID: compiled.ComputationID,
		Inputs:        []*TensorData{NewTensorData(model.SampleInput, tensor.Ones(tensor.Shape{1, 4, 3, 3}))},
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Compile(ctx, &CompileRequest{
		Model:          "resnet",
		ParamsCombined: true,
		Inputs:         []InputBinding{{Name: model.SampleInput, Shape: []int{2, 4, 3, 3}}},
		Target:         TargetSpec{Kind: "accelerator", MemoryLimit: 64},
	})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestFetchesMissingModels(t *testing.T) {
	upstream := &blobs.LocalDir{BaseDir: t.TempDir()}
	saveSample(t, filepath.Join(upstream.BaseDir, "resnet"))

	srv := NewServer(t.TempDir(), upstream, 1)
	client := startServer(t, srv)
	compiled := compileSample(t, client, "host")
	require.NotEmpty(t, compiled.ComputationID)

	// a second compile uses the local copy
	compiled = compileSample(t, client, "host")
	require.NotEmpty(t, compiled.ComputationID)

	srv.mutex.Lock()
	defer srv.mutex.Unlock()
	require.Empty(t, srv.fetches)
}
