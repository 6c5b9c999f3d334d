// Package cache restores and persists directory snapshots between runs.
// Entries are addressed by a content key: a declared prefix plus a digest
// of the files that shape the directory, plus the matrix binding when the
// mount is matrix scoped. A miss is a normal outcome, not an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

// Coordinator is the cache capability handed to step execution.
// Lookup reports a miss as (false, nil); an error means the backend
// failed and the caller decides whether to degrade.
type Coordinator interface {
	Lookup(ctx context.Context, key, dir string) (bool, error)
	Store(ctx context.Context, key, dir string) error
}

// DigestLength is the number of hex characters kept from the content hash.
const DigestLength = 16

// HashFiles digests the files selected by the given glob patterns,
// relative to root. Paths are sorted so the digest is independent of
// pattern order, and each file is framed by its path and length so
// concatenations cannot collide. A pattern that selects no regular
// file is a configuration error.
func HashFiles(root string, patterns []string) (string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return "", fmt.Errorf("bad hash-files pattern %q: %w", pattern, err)
		}
		found := false
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return "", fmt.Errorf("stat %s: %w", match, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			rel, err := filepath.Rel(root, match)
			if err != nil {
				return "", err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, rel)
			}
			found = true
		}
		if !found {
			return "", fmt.Errorf("hash-files pattern %q matched no file", pattern)
		}
	}

	sort.Strings(files)
	h := sha256.New()
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		fmt.Fprintf(h, "%s\n%d\n", rel, len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))[:DigestLength], nil
}

// Key builds the storage key for a mount. Matrix-scoped mounts fold the
// binding in so siblings never share an entry.
func Key(mount domain.CacheMount, digest string, binding domain.Binding) string {
	key := mount.Key + "-" + digest
	if mount.EffectiveScope() == domain.CacheScopeMatrix && len(binding) > 0 {
		key += "-" + binding.ID()
	}
	return key
}
