package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
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
	listen := os.Getenv("TENSORSERVER_LISTEN")
	if listen == "" {
		listen = ":9876"
	}
	modelRoot := os.Getenv("MODEL_ROOT")
	if modelRoot == "" {
		modelRoot = "./models"
	}
	upstream := os.Getenv("BLOBSERVER")
	maxExecutions := int64(4)

	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&modelRoot, "model-root", modelRoot, "directory holding model directories")
	flag.StringVar(&upstream, "upstream", upstream, "model server url or gs://<bucket> to fetch missing models from")
	flag.Int64Var(&maxExecutions, "max-executions", maxExecutions, "maximum concurrent executions")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if err := os.MkdirAll(modelRoot, 0755); err != nil {
		return fmt.Errorf("creating model root %q: %w", modelRoot, err)
	}

	var reader blobs.BlobReader
	if bucket, found := strings.CutPrefix(upstream, "gs://"); found {
		reader = &blobs.GCSBlobstore{Bucket: bucket}
	} else if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			return fmt.Errorf("parsing upstream url %q: %w", upstream, err)
		}
		reader = &blobs.ModelServer{BlobserverURL: u}
	}
	if reader != nil {
		reader = &blobs.Retrying{Reader: reader, MaxAttempts: 5, Delay: 5 * time.Second}
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}
	grpcServer := grpc.NewServer()

	executor := rpc.NewServer(modelRoot, reader, maxExecutions)
	defer func() {
		if err := executor.Close(); err != nil {
			log.Error(err, "releasing computations")
		}
	}()
	rpc.RegisterExecutorServer(grpcServer, executor)

	log.Info("Starting tensorserver", "listen", listen, "modelRoot", modelRoot, "upstream", upstream)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving GRPC: %w", err)
	}

	return nil
}
