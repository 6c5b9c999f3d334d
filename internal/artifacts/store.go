// Package artifacts persists files produced by job instances into
// object storage, addressed by run and instance.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/storage/objectstore"
)

// ErrBadName reports an artifact name that cannot address an object,
// such as an empty name or one with parent directory segments.
var ErrBadName = errors.New("invalid artifact name")

// Store writes run artifacts into one bucket.
type Store struct {
	bucket string
	store  objectstore.Store
	now    func() time.Time
}

// Upload describes one artifact to persist.
type Upload struct {
	RunID       string
	InstanceID  string
	Name        string
	ContentType string
	Body        []byte
}

// Artifact is the stored identity of an upload, including the content
// digest recorded for provenance.
type Artifact struct {
	RunID      string
	InstanceID string
	Name       string
	ObjectKey  string
	Size       int64
	SHA256     string
	StoredAt   time.Time
}

func NewStore(objectStore objectstore.Store, bucket string) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{bucket: bucket, store: objectStore, now: time.Now}, nil
}

// Put uploads the artifact under the run prefix. The object key is
// runs/<run>/<instance>/<name>, so repeated uploads of the same name
// replace each other.
func (s *Store) Put(ctx context.Context, upload Upload) (Artifact, error) {
	if s == nil || s.store == nil {
		return Artifact{}, errors.New("artifact store not initialized")
	}
	if strings.TrimSpace(upload.RunID) == "" {
		return Artifact{}, errors.New("run id is required")
	}
	if strings.TrimSpace(upload.InstanceID) == "" {
		return Artifact{}, errors.New("instance id is required")
	}
	name, err := cleanName(upload.Name)
	if err != nil {
		return Artifact{}, err
	}

	sum := sha256.Sum256(upload.Body)
	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	objectKey := fmt.Sprintf("runs/%s/%s/%s", upload.RunID, upload.InstanceID, name)
	err = s.store.Put(ctx, s.bucket, objectKey, bytes.NewReader(upload.Body), int64(len(upload.Body)), contentType)
	if err != nil {
		return Artifact{}, fmt.Errorf("store artifact %s: %w", name, err)
	}

	return Artifact{
		RunID:      upload.RunID,
		InstanceID: upload.InstanceID,
		Name:       name,
		ObjectKey:  objectKey,
		Size:       int64(len(upload.Body)),
		SHA256:     hex.EncodeToString(sum[:]),
		StoredAt:   s.now().UTC(),
	}, nil
}

// Open streams a stored artifact back. The name is the path the job
// declared for it, relative to the instance workspace.
func (s *Store) Open(ctx context.Context, runID, instanceID, name string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if s == nil || s.store == nil {
		return nil, objectstore.ObjectInfo{}, errors.New("artifact store not initialized")
	}
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(instanceID) == "" {
		return nil, objectstore.ObjectInfo{}, errors.New("run id and instance id are required")
	}
	cleaned, err := cleanName(name)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	objectKey := fmt.Sprintf("runs/%s/%s/%s", runID, instanceID, cleaned)
	return s.store.Get(ctx, s.bucket, objectKey)
}

func cleanName(name string) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrBadName)
	}
	if strings.Contains("/"+name+"/", "/../") {
		return "", fmt.Errorf("%w: %q has parent segments", ErrBadName, name)
	}
	return name, nil
}
