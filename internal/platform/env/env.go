// Package env reads typed configuration from the process environment.
// Missing keys fall back to defaults; values that fail to parse are
// configuration errors the caller treats as fatal.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	parsed, err := parse(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return lookup(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return lookup(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return lookup(key, def, strconv.Atoi)
}

// WithPrefix collects every environment variable whose name starts with
// prefix, keyed by the remainder of the name. Empty remainders are dropped.
func WithPrefix(prefix string) map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if rest == "" {
			continue
		}
		out[rest] = value
	}
	return out
}
