package objectstore

import "testing"

func validConfig() Config {
	return Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "us-east-1",
		BucketCache:     "ci-cache",
		BucketArtifacts: "ci-artifacts",
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scheme in endpoint", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
		{"blank endpoint", func(c *Config) { c.Endpoint = "" }},
		{"blank access key", func(c *Config) { c.AccessKey = " " }},
		{"blank secret key", func(c *Config) { c.SecretKey = "" }},
		{"blank region", func(c *Config) { c.Region = "" }},
		{"blank cache bucket", func(c *Config) { c.BucketCache = " " }},
		{"blank artifacts bucket", func(c *Config) { c.BucketArtifacts = "" }},
	}
	for _, m := range mutations {
		cfg := validConfig()
		m.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: Validate() accepted", m.name)
		}
	}
}

func TestConfigBuckets(t *testing.T) {
	buckets := validConfig().Buckets()
	if len(buckets) != 2 {
		t.Fatalf("Buckets()=%v, want cache and artifacts", buckets)
	}
	if buckets[0] != "ci-cache" || buckets[1] != "ci-artifacts" {
		t.Fatalf("Buckets()=%v, want [ci-cache ci-artifacts]", buckets)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GANTRY_MINIO_ENDPOINT", "store.internal:9000")
	t.Setenv("GANTRY_MINIO_ACCESS_KEY", "ak")
	t.Setenv("GANTRY_MINIO_SECRET_KEY", "sk")
	t.Setenv("GANTRY_MINIO_BUCKET_CACHE", "cache-x")
	t.Setenv("GANTRY_MINIO_BUCKET_ARTIFACTS", "artifacts-x")
	t.Setenv("GANTRY_MINIO_USE_SSL", "true")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "store.internal:9000" {
		t.Fatalf("Endpoint=%q", cfg.Endpoint)
	}
	if !cfg.UseSSL {
		t.Fatalf("UseSSL=false, want true")
	}
	if cfg.BucketCache != "cache-x" || cfg.BucketArtifacts != "artifacts-x" {
		t.Fatalf("buckets=%q,%q", cfg.BucketCache, cfg.BucketArtifacts)
	}

	t.Setenv("GANTRY_MINIO_USE_SSL", "not-a-bool")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() accepted a bad bool")
	}
}
