package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
)

func TestServeFillsCacheFromBlobstore(t *testing.T) {
	upstream := &blobs.LocalDir{BaseDir: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(upstream.BaseDir, "resnet"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(upstream.BaseDir, "resnet", "params"), []byte("weights"), 0644))

	cacheDir := t.TempDir()
	cache := newBlobCache(cacheDir, upstream)
	srv := httptest.NewServer(&httpServer{blobCache: cache})
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/resnet/params")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "weights", body)

	cached, err := os.ReadFile(filepath.Join(cacheDir, "resnet", "params"))
	require.NoError(t, err)
	require.Equal(t, "weights", string(cached))

	// served from the cache once upstream is gone
	require.NoError(t, os.RemoveAll(upstream.BaseDir))
	code, body = get("/resnet/params")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "weights", body)

	code, _ = get("/resnet/missing")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = get("/")
	require.Equal(t, http.StatusNotFound, code)

	// a cached model directory is not a blob
	code, body = get("/resnet")
	require.Equal(t, http.StatusNotFound, code)
	require.NotContains(t, body, "params")

	resp, err := http.Post(srv.URL+"/resnet/params", "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	require.Empty(t, cache.inflight)
}

func TestConcurrentFillsShareOneDownload(t *testing.T) {
	upstream := &countingReader{LocalDir: blobs.LocalDir{BaseDir: t.TempDir()}}
	require.NoError(t, os.MkdirAll(filepath.Join(upstream.BaseDir, "resnet"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(upstream.BaseDir, "resnet", "__model__"), []byte("{}"), 0644))

	cache := newBlobCache(t.TempDir(), upstream)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := cache.GetBlob(context.Background(), "resnet/__model__")
			if err != nil {
				t.Errorf("getting blob: %v", err)
				return
			}
			f.Close()
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, upstream.downloads.Load())
	require.Empty(t, cache.inflight)
}

type countingReader struct {
	blobs.LocalDir
	downloads atomic.Int32
}

func (r *countingReader) Download(ctx context.Context, info blobs.BlobInfo, destinationPath string) error {
	r.downloads.Add(1)
	return r.LocalDir.Download(ctx, info, destinationPath)
}

func TestServeRejectsBadKeys(t *testing.T) {
	c := newBlobCache(t.TempDir(), &blobs.LocalDir{BaseDir: t.TempDir()})
	rec := httptest.NewRecorder()
	(&httpServer{blobCache: c}).serveGETBlob(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "a/../../etc/passwd")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
