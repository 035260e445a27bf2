package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
	"k8s.io/examples/AI/modelexec/pkg/graph"
	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Save writes g to dir in the format Load reads. Each file is replaced atomically.
func Save(ctx context.Context, dir string, g *graph.Graph, paramsCombined bool) error {
	log := klog.FromContext(ctx)

	if err := g.Validate(); err != nil {
		return fmt.Errorf("validating graph: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating model directory %q: %w", dir, err)
	}

	var params []*tensor.Buffer
	for _, v := range g.Vars {
		if !v.Persistable {
			continue
		}
		buf := g.Params[v.Name]
		if buf == nil {
			return fmt.Errorf("persistable var %q has no value", v.Name)
		}
		params = append(params, buf)
	}

	doc, err := json.MarshalIndent(newDocument(g), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}
	if err := blobs.WriteFile(ctx, filepath.Join(dir, GraphFile), doc); err != nil {
		return fmt.Errorf("writing %s: %w", GraphFile, err)
	}

	if paramsCombined {
		if err := blobs.WriteFile(ctx, filepath.Join(dir, CombinedParamsFile), encodeParams(params)); err != nil {
			return fmt.Errorf("writing %s: %w", CombinedParamsFile, err)
		}
	} else {
		for _, buf := range params {
			if err := checkFileName(buf.Name()); err != nil {
				return err
			}
			if err := blobs.WriteFile(ctx, filepath.Join(dir, buf.Name()), encodeParams([]*tensor.Buffer{buf})); err != nil {
				return fmt.Errorf("writing param %q: %w", buf.Name(), err)
			}
		}
	}

	log.Info("saved model", "dir", dir, "name", g.Name, "params", len(params), "combined", paramsCombined)
	return nil
}
