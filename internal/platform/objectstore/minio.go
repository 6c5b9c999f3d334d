package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NewMinIOClient dials the S3-compatible endpoint from Config. The
// client is lazy; a bad endpoint surfaces on the first call, so startup
// should follow with EnsureBuckets or CheckBuckets.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBuckets creates every configured bucket that does not exist yet.
// Creation races with other replicas are tolerated as long as the bucket
// exists afterwards.
func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	for _, bucket := range cfg.Buckets() {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("ensure bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		err = client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region})
		if err == nil {
			continue
		}
		if exists, checkErr := client.BucketExists(ctx, bucket); checkErr == nil && exists {
			continue
		}
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return nil
}

// CheckBuckets verifies every configured bucket exists. Readiness probes
// use it so a wiped backing store flips the service unready.
func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, bucket := range cfg.Buckets() {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
	}
	return nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
