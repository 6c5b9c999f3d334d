// Package objectstore configures the MinIO-backed buckets that hold
// build caches and artifacts.
package objectstore

import (
	"fmt"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketCache     string
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("GANTRY_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("GANTRY_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("GANTRY_MINIO_ACCESS_KEY", "gantry"),
		SecretKey:       env.String("GANTRY_MINIO_SECRET_KEY", "gantryminio"),
		Region:          env.String("GANTRY_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketCache:     env.String("GANTRY_MINIO_BUCKET_CACHE", "ci-cache"),
		BucketArtifacts: env.String("GANTRY_MINIO_BUCKET_ARTIFACTS", "ci-artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Buckets returns every bucket the services expect to exist.
func (c Config) Buckets() []string {
	return []string{c.BucketCache, c.BucketArtifacts}
}

func (c Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"endpoint", c.Endpoint},
		{"access key", c.AccessKey},
		{"secret key", c.SecretKey},
		{"region", c.Region},
		{"cache bucket", c.BucketCache},
		{"artifacts bucket", c.BucketArtifacts},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
