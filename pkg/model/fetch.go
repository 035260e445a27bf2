package model

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
)

// Fetch downloads the model stored under prefix into destDir. The graph file
// comes first since it names the parameter files to fetch.
func Fetch(ctx context.Context, reader blobs.BlobReader, prefix string, destDir string, paramsCombined bool) error {
	log := klog.FromContext(ctx)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating directory %q: %w", destDir, err)
	}

	download := func(name string) error {
		info := blobs.BlobInfo{Key: path.Join(prefix, name)}
		if err := reader.Download(ctx, info, filepath.Join(destDir, name)); err != nil {
			return fmt.Errorf("fetching %q: %w", info.Key, err)
		}
		return nil
	}

	if err := download(GraphFile); err != nil {
		return err
	}
	g, err := readGraph(filepath.Join(destDir, GraphFile))
	if err != nil {
		return err
	}

	files := ParamFiles(g, paramsCombined)
	for _, name := range files {
		if !paramsCombined {
			if err := checkFileName(name); err != nil {
				return err
			}
		}
		if err := download(name); err != nil {
			return err
		}
	}

	log.Info("fetched model", "prefix", prefix, "dir", destDir, "files", len(files)+1)
	return nil
}
