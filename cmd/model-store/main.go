package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexec/pkg/blobs"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/model-store/blobs"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}

	var blobstore blobs.Blobstore

	if strings.HasPrefix(cacheBucket, "gs://") {
		cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
		log.Info("using GCS cache", "bucket", cacheBucket)

		blobstore = &blobs.GCSBlobstore{
			Bucket: cacheBucket,
		}
	} else {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}

	s := &httpServer{
		blobCache: newBlobCache(cacheDir, blobstore),
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
}

// ServeHTTP serves GET /<key>, where keys look like <model>/<file>.
func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	if key == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.serveGETBlob(w, r, key)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	f, err := s.blobCache.GetBlob(ctx, key)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			http.Error(w, "not found", http.StatusNotFound)
		case codes.InvalidArgument:
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			log.Error(err, "error getting blob", "key", key)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()
	p := f.Name()

	log.V(2).Info("serving blob", "key", key, "path", p)
	http.ServeFile(w, r, p)
}

// blobCache keeps blobs on local disk and fills misses from the blobstore.
type blobCache struct {
	local     *blobs.LocalDir
	blobstore blobs.BlobReader

	mutex    sync.Mutex
	inflight map[string]*fill
}

// fill serializes downloads of one key; it is dropped once nobody waits on it.
type fill struct {
	mutex   sync.Mutex
	waiters int
}

func newBlobCache(baseDir string, blobstore blobs.BlobReader) *blobCache {
	return &blobCache{
		local:     &blobs.LocalDir{BaseDir: baseDir},
		blobstore: blobstore,
		inflight:  make(map[string]*fill),
	}
}

func (c *blobCache) lockKey(key string) func() {
	c.mutex.Lock()
	f := c.inflight[key]
	if f == nil {
		f = &fill{}
		c.inflight[key] = f
	}
	f.waiters++
	c.mutex.Unlock()

	f.mutex.Lock()
	return func() {
		f.mutex.Unlock()

		c.mutex.Lock()
		defer c.mutex.Unlock()
		f.waiters--
		if f.waiters == 0 {
			delete(c.inflight, key)
		}
	}
}

// openCached opens a cached blob. A directory is never a blob.
func openCached(key, p string) (*os.File, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat of blob %q: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, status.Errorf(codes.NotFound, "%q is not a blob", key)
	}
	return f, nil
}

func (c *blobCache) GetBlob(ctx context.Context, key string) (*os.File, error) {
	log := klog.FromContext(ctx)

	localPath, err := c.local.Path(key)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	f, err := openCached(key, localPath)
	if err == nil {
		return f, nil
	} else if status.Code(err) == codes.NotFound {
		return nil, err
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", key, err)
	}

	unlock := c.lockKey(key)
	defer unlock()

	// another request may have filled it while we waited
	if f, err := openCached(key, localPath); err == nil {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory for %q: %w", key, err)
	}
	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Key: key}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", key)
		}
		return nil, fmt.Errorf("filling cache for %q: %w", key, err)
	}
	log.Info("cached blob", "key", key)

	return openCached(key, localPath)
}
