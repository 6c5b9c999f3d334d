package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

// CheckoutFunc materializes the commit named by the event into dir.
type CheckoutFunc func(ctx context.Context, dir string, event domain.TriggerEvent) error

// GitCheckout fetches exactly the triggering commit from the hosting
// base URL, shallow, leaving a detached work tree behind.
func GitCheckout(baseURL string) (CheckoutFunc, error) {
	gitBin, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("git base url is required")
	}

	return func(ctx context.Context, dir string, event domain.TriggerEvent) error {
		remote := baseURL + "/" + strings.Trim(event.Repo, "/") + ".git"
		commands := [][]string{
			{"init", "-q", "."},
			{"remote", "add", "origin", remote},
			{"fetch", "-q", "--depth", "1", "origin", event.Commit},
			{"checkout", "-q", "--detach", "FETCH_HEAD"},
		}
		for _, args := range commands {
			cmd := exec.CommandContext(ctx, gitBin, args...)
			cmd.Dir = dir
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("checkout interrupted: %w", ctx.Err())
				}
				return fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
			}
		}
		return nil
	}, nil
}

// copyTree clones the source snapshot into an instance workspace.
// Regular files and directories only; permissions carry over.
func copyTree(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
