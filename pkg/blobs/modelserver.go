package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer reads blobs over HTTP from a model-store.
type ModelServer struct {
	// BlobserverURL is the base URL to the blobserver, typically http://blobserver
	BlobserverURL *url.URL

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	u := l.BlobserverURL.JoinPath(info.Key)
	if err := l.downloadToFile(ctx, u.String(), destPath); err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}
	return nil
}

func (l *ModelServer) downloadToFile(ctx context.Context, url string, destPath string) error {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := l.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("blob not found: %w", os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath)
	if err != nil {
		return err
	}

	log.Info("downloaded blob", "url", url, "bytes", n, "duration", time.Since(startedAt))

	return nil
}
