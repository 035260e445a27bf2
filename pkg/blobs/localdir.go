package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// LocalDir is a blobstore backed by a directory tree; keys map to relative paths.
type LocalDir struct {
	BaseDir string
}

var _ Blobstore = (*LocalDir)(nil)

// Path returns where the blob for key lives, rejecting keys that escape BaseDir.
func (d *LocalDir) Path(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || clean != key || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(d.BaseDir, filepath.FromSlash(clean)), nil
}

func (d *LocalDir) Download(ctx context.Context, info BlobInfo, destPath string) error {
	p, err := d.Path(info.Key)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening blob %q: %w", info.Key, err)
	}
	defer f.Close()

	if _, err := writeToFile(ctx, f, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Key, err)
	}
	return nil
}

func (d *LocalDir) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	p, err := d.Path(info.Key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		log.V(2).Info("blob already exists", "key", info.Key)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking blob %q: %w", info.Key, err)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("creating directory for blob %q: %w", info.Key, err)
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, p); err != nil {
		return fmt.Errorf("storing blob %q: %w", info.Key, err)
	}
	return nil
}
