package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// Mirror copies a local log file to remote storage.
type Mirror interface {
	Upload(ctx context.Context, sourcePath string) error
}

// GCSMirror uploads log files to a GCS bucket under Prefix.
type GCSMirror struct {
	Bucket string
	Prefix string
}

var _ Mirror = (*GCSMirror)(nil)

// ParseMirror parses a gs://bucket[/prefix] URL.
func ParseMirror(url string) (*GCSMirror, error) {
	if !strings.HasPrefix(url, "gs://") {
		return nil, fmt.Errorf("mirror must be a GCS bucket URL (gs://<bucketName>[/prefix]), got %q", url)
	}
	rest := strings.Trim(strings.TrimPrefix(url, "gs://"), "/")
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, errors.New("mirror URL has no bucket")
	}
	return &GCSMirror{Bucket: bucket, Prefix: prefix}, nil
}

// ObjectKey is the object name sourcePath is uploaded to.
func (m *GCSMirror) ObjectKey(sourcePath string) string {
	return path.Join(m.Prefix, filepath.Base(sourcePath))
}

// Upload overwrites the mirrored object with the current content of sourcePath.
func (m *GCSMirror) Upload(ctx context.Context, sourcePath string) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	objectKey := m.ObjectKey(sourcePath)
	gcsURL := "gs://" + m.Bucket + "/" + objectKey

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.V(1).Info("mirroring metric log to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	w := client.Bucket(m.Bucket).Object(objectKey).NewWriter(ctx)
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.V(1).Info("mirrored metric log to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
