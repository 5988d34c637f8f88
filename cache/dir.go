package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirStore keeps cache entries as files in a local directory, which is
// created on the first Save.
type DirStore struct {
	Dir string
}

var _ Store = (*DirStore)(nil)

// Path returns the path of the entry for token.
func (s *DirStore) Path(token Token) string {
	return filepath.Join(s.Dir, token.Filename())
}

// Load implements Store.
func (s *DirStore) Load(ctx context.Context, token Token) ([]byte, error) {
	log := klog.FromContext(ctx)
	path := s.Path(token)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.V(1).Info("cache entry not found", "path", path)
		}
		return nil, errors.Wrapf(err, "reading cache entry")
	}
	log.V(1).Info("loaded cache entry", "path", path, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

// Save implements Store. The entry is written to a temporary file first and
// renamed into place, so readers never see partial entries.
func (s *DirStore) Save(ctx context.Context, token Token, data []byte) error {
	log := klog.FromContext(ctx)
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return errors.Wrapf(err, "creating cache directory")
	}
	path := s.Path(token)
	startedAt := time.Now()
	if err := writeToFile(ctx, data, path); err != nil {
		return err
	}
	log.V(1).Info("saved cache entry", "path", path, "size", humanize.Bytes(uint64(len(data))), "duration", time.Since(startedAt))
	return nil
}

func writeToFile(ctx context.Context, data []byte, destinationPath string) error {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "entry")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return errors.Wrap(err, "writing temp file")
	}

	if err := tempFile.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return errors.Wrap(err, "renaming temp file")
	}
	shouldDeleteTempFile = false

	return nil
}
