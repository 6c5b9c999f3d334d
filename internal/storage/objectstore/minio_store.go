package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	platformstore "github.com/gantry-labs/gantry-go/internal/platform/objectstore"
	"github.com/minio/minio-go/v7"
)

// MinioStore backs Store with a MinIO (or any S3-compatible) endpoint.
type MinioStore struct {
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) ready() error {
	if s == nil || s.client == nil {
		return errors.New("minio store not initialized")
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if err := s.ready(); err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, opts)
	return err
}

// Get opens the object and resolves its metadata in one request.
// minio-go defers the HTTP call until the object is first read or
// statted, so the Stat call here is what actually hits the server.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := s.ready(); err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioErr(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, mapMinioErr(err)
	}
	info := ObjectInfo{
		Key:         stat.Key,
		Size:        stat.Size,
		ETag:        stat.ETag,
		ContentType: stat.ContentType,
	}
	return obj, info, nil
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s/%s: %w", resp.BucketName, resp.Key, ErrNotExist)
	}
	return err
}
