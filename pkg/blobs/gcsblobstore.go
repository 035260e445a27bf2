package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"k8s.io/klog/v2"
)

// GCSBlobstore stores blobs as objects in a GCS bucket, keyed by BlobInfo.Key.
// The client honours STORAGE_EMULATOR_HOST.
type GCSBlobstore struct {
	Bucket string

	// ClientOptions are passed to every storage client, e.g. credentials.
	ClientOptions []option.ClientOption
}

var _ Blobstore = (*GCSBlobstore)(nil)

func (j *GCSBlobstore) url(key string) string {
	return "gs://" + j.Bucket + "/" + key
}

// withObject runs fn against the object for key with a short-lived client.
func (j *GCSBlobstore) withObject(ctx context.Context, key string, fn func(obj *storage.ObjectHandle) error) error {
	client, err := storage.NewClient(ctx, j.ClientOptions...)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	return fn(client.Bucket(j.Bucket).Object(key))
}

// objectError makes a missing object satisfy errors.Is(err, os.ErrNotExist).
func objectError(gcsURL, action string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("object %q not found: %w", gcsURL, os.ErrNotExist)
	}
	return fmt.Errorf("%s %q: %w", action, gcsURL, err)
}

func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	gcsURL := j.url(info.Key)
	return j.withObject(ctx, info.Key, func(obj *storage.ObjectHandle) error {
		if _, err := obj.Attrs(ctx); err == nil {
			log.Info("object already exists in GCS", "url", gcsURL)
			return nil
		} else if err := objectError(gcsURL, "getting object attributes for", err); !errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Info("uploading blob to GCS", "source", sourcePath, "destination", gcsURL)
		startedAt := time.Now()

		// only create; a concurrent upload of the same key wins
		w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		n, err := io.Copy(w, src)
		if err != nil {
			w.Close()
			return fmt.Errorf("uploading to GCS: %w", err)
		}
		if err := w.Close(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
				log.Info("object was created concurrently", "url", gcsURL)
				return nil
			}
			return fmt.Errorf("closing GCS writer: %w", err)
		}

		log.Info("uploaded blob to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
		return nil
	})
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	gcsURL := j.url(info.Key)
	return j.withObject(ctx, info.Key, func(obj *storage.ObjectHandle) error {
		log.Info("downloading blob from GCS", "source", gcsURL, "destination", destinationPath)
		startedAt := time.Now()

		r, err := obj.NewReader(ctx)
		if err != nil {
			return objectError(gcsURL, "opening object from GCS", err)
		}
		defer r.Close()

		n, err := writeToFile(ctx, r, destinationPath)
		if err != nil {
			return fmt.Errorf("downloading from GCS: %w", err)
		}

		log.Info("downloaded blob from GCS", "source", gcsURL, "destination", destinationPath, "bytes", n, "duration", time.Since(startedAt))
		return nil
	})
}
