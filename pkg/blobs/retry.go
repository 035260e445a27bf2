package blobs

import (
	"context"
	"errors"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// Retrying retries failed downloads. A missing blob is not retried.
type Retrying struct {
	Reader BlobReader

	// MaxAttempts is the number of times to attempt a download before failing.
	MaxAttempts int

	// Delay is the pause between attempts.
	Delay time.Duration
}

var _ BlobReader = (*Retrying)(nil)

func (l *Retrying) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	attempt := 0
	for {
		attempt++

		err := l.Reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= l.MaxAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "key", info.Key, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.Delay):
		}
	}
}
