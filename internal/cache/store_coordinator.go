package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gantry-labs/gantry-go/internal/storage/objectstore"
)

// StoreCoordinator keeps cache entries as gzipped tarballs in an
// object-store bucket.
type StoreCoordinator struct {
	store  objectstore.Store
	bucket string
}

func NewStoreCoordinator(store objectstore.Store, bucket string) *StoreCoordinator {
	return &StoreCoordinator{store: store, bucket: bucket}
}

func objectName(key string) string {
	return "cache/" + key + ".tgz"
}

// Lookup restores the entry into dir. An absent entry is a plain miss.
// A present entry that cannot be read or unpacked is returned as an
// error so the caller can log it and proceed as a miss.
func (c *StoreCoordinator) Lookup(ctx context.Context, key, dir string) (bool, error) {
	body, _, err := c.store.Get(ctx, c.bucket, objectName(key))
	if errors.Is(err, objectstore.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache lookup %s: %w", key, err)
	}
	defer body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	if err := extractArchive(body, dir); err != nil {
		return false, fmt.Errorf("cache restore %s: %w", key, err)
	}
	return true, nil
}

// Store archives dir under the key, replacing any previous entry. The
// archive is staged on disk first so the upload knows its size.
func (c *StoreCoordinator) Store(ctx context.Context, key, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("cache store %s: %w", key, err)
	}

	tmp, err := os.CreateTemp("", "gantry-cache-*.tgz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := archiveDir(tmp, dir); err != nil {
		return fmt.Errorf("cache archive %s: %w", key, err)
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.bucket, objectName(key), tmp, size, "application/gzip"); err != nil {
		return fmt.Errorf("cache store %s: %w", key, err)
	}
	return nil
}
