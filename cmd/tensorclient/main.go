package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/model"
	"k8s.io/examples/AI/modelexec/pkg/rpc"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := "127.0.0.1:9876"
	modelName := "resnet_model"
	targetKind := os.Getenv("MODELRUN_TARGET")
	if targetKind == "" {
		targetKind = "host"
	}
	paramsCombined := false

	flag.StringVar(&serverAddr, "server", serverAddr, "tensorserver address")
	flag.StringVar(&modelName, "model", modelName, "model directory name on the server")
	flag.StringVar(&targetKind, "target", targetKind, "target to run on (host or accelerator)")
	flag.BoolVar(&paramsCombined, "params-combined", paramsCombined, "parameters are stored in a single params file")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverAddr, err)
	}
	defer conn.Close()
	client := rpc.NewClient(conn)

	log.Info("Starting tensorclient", "server", serverAddr)

	compiled, err := client.Compile(ctx, &rpc.CompileRequest{
		Model:          modelName,
		ParamsCombined: paramsCombined,
		Target:         rpc.TargetSpec{Kind: targetKind},
	})
	if err != nil {
		return fmt.Errorf("failed to compile: %w", err)
	}
	defer func() {
		if _, err := client.Release(ctx, &rpc.ReleaseRequest{ComputationID: compiled.ComputationID}); err != nil {
			log.Error(err, "releasing computation", "computation", compiled.ComputationID)
		}
	}()
	log.Info("Compiled", "computation", compiled.ComputationID, "target", compiled.Target)

	request := &rpc.ExecuteRequest{ComputationID: compiled.ComputationID}
	for i, in := range compiled.Inputs {
		a := model.SampleInputArray(in.Shape, int64(i))
		a, err = a.Convert(in.DType)
		if err != nil {
			return fmt.Errorf("preparing input %q: %w", in.Name, err)
		}
		request.Inputs = append(request.Inputs, rpc.NewTensorData(in.Name, a))
	}

	response, err := client.Execute(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to execute: %w", err)
	}
	for _, result := range response.Results {
		a, err := result.Array()
		if err != nil {
			return fmt.Errorf("decoding result %q: %w", result.Name, err)
		}
		log.Info("Result", "tensor", result.Name, "info", a.Info().String())
	}

	return nil
}
