package cache

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCSStore keeps cache entries as objects in a Google Cloud Storage bucket.
type GCSStore struct {
	Bucket string
	// Prefix is prepended to the object names, e.g. "nnapi/cache".
	Prefix string
	// Client is used if set, otherwise a client is created for each call.
	Client *storage.Client
}

var _ Store = (*GCSStore)(nil)

// ObjectName returns the name of the object holding the entry for token.
func (s *GCSStore) ObjectName(token Token) string {
	return path.Join(s.Prefix, token.Filename())
}

func (s *GCSStore) url(token Token) string {
	return "gs://" + s.Bucket + "/" + s.ObjectName(token)
}

func (s *GCSStore) client(ctx context.Context) (*storage.Client, func(), error) {
	if s.Client != nil {
		return s.Client, func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating GCS storage client")
	}
	return client, func() { client.Close() }, nil
}

// Load implements Store. Missing objects are reported as os.ErrNotExist.
func (s *GCSStore) Load(ctx context.Context, token Token) ([]byte, error) {
	log := klog.FromContext(ctx)
	gcsURL := s.url(token)

	client, done, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	startedAt := time.Now()
	r, err := client.Bucket(s.Bucket).Object(s.ObjectName(token)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			log.V(1).Info("object not found in GCS", "url", gcsURL)
			return nil, errors.Wrapf(os.ErrNotExist, "cache entry %q", gcsURL)
		}
		return nil, errors.Wrapf(err, "opening object from GCS %q", gcsURL)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading from GCS %q", gcsURL)
	}
	log.Info("downloaded cache entry from GCS", "url", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))
	return data, nil
}

// Save implements Store.
func (s *GCSStore) Save(ctx context.Context, token Token, data []byte) error {
	log := klog.FromContext(ctx)
	gcsURL := s.url(token)

	client, done, err := s.client(ctx)
	if err != nil {
		return err
	}
	defer done()

	log.Info("uploading cache entry to GCS", "url", gcsURL, "bytes", len(data))
	startedAt := time.Now()
	w := client.Bucket(s.Bucket).Object(s.ObjectName(token)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrap(err, "uploading to GCS")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "closing GCS writer")
	}
	log.Info("uploaded cache entry to GCS", "url", gcsURL, "duration", time.Since(startedAt))
	return nil
}
