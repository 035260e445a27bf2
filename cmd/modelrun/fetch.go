package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
	"k8s.io/examples/AI/modelexec/pkg/model"
)

type fetchOptions struct {
	Source         string
	Prefix         string
	Dir            string
	ParamsCombined bool
	MaxAttempts    int
}

func newFetchCmd() *cobra.Command {
	var opt fetchOptions

	opt.Source = os.Getenv("BLOBSERVER")
	if opt.Source == "" {
		opt.Source = "http://blobserver"
	}
	opt.MaxAttempts = 5

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a model directory from a model server or GCS bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := blobReader(opt.Source)
			if err != nil {
				return err
			}
			retrying := &blobs.Retrying{Reader: reader, MaxAttempts: opt.MaxAttempts, Delay: 5 * time.Second}
			return model.Fetch(cmd.Context(), retrying, opt.Prefix, opt.Dir, opt.ParamsCombined)
		},
	}
	cmd.Flags().StringVar(&opt.Source, "source", opt.Source, "model server url or gs://<bucket>; defaults to $BLOBSERVER")
	cmd.Flags().StringVar(&opt.Prefix, "prefix", opt.Prefix, "key prefix of the model")
	cmd.Flags().StringVar(&opt.Dir, "dir", opt.Dir, "local directory to write")
	cmd.Flags().BoolVar(&opt.ParamsCombined, "params-combined", false, "parameters are stored in a single params file")
	cmd.Flags().IntVar(&opt.MaxAttempts, "max-attempts", opt.MaxAttempts, "download attempts per file")
	return cmd
}

func blobReader(source string) (blobs.BlobReader, error) {
	if bucket, found := strings.CutPrefix(source, "gs://"); found {
		return &blobs.GCSBlobstore{Bucket: bucket}, nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing source url %q: %w", source, err)
	}
	return &blobs.ModelServer{BlobserverURL: u}, nil
}
