package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestObjectError(t *testing.T) {
	err := objectError("gs://models/resnet/params", "opening", fmt.Errorf("reading: %w", storage.ErrObjectNotExist))
	require.ErrorIs(t, err, os.ErrNotExist)

	err = objectError("gs://models/resnet/params", "opening", fmt.Errorf("permission denied"))
	require.NotErrorIs(t, err, os.ErrNotExist)
	require.ErrorContains(t, err, "gs://models/resnet/params")
}

// fakeGCS answers the XML read path and the JSON metadata path for one object.
func fakeGCS(t *testing.T, bucket, key, contents string) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + bucket + "/" + key:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte(contents))
		case "/storage/v1/b/" + bucket + "/o/" + key:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"bucket":%q,"name":%q,"size":"%d"}`, bucket, key, len(contents))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	t.Setenv("STORAGE_EMULATOR_HOST", u.Host)
}

func TestGCSBlobstore(t *testing.T) {
	fakeGCS(t, "models", "resnet/__model__", `{"version":1}`)
	ctx := context.Background()
	store := &GCSBlobstore{Bucket: "models"}
	dir := t.TempDir()

	dest := filepath.Join(dir, "__model__")
	require.NoError(t, store.Download(ctx, BlobInfo{Key: "resnet/__model__"}, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, `{"version":1}`, string(got))

	err = store.Download(ctx, BlobInfo{Key: "resnet/params"}, filepath.Join(dir, "params"))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "params"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// an existing object is left alone
	require.NoError(t, store.Upload(ctx, dest, BlobInfo{Key: "resnet/__model__"}))
}
