package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func writeDist(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestUpload(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "__token__" || pass != "s3cret" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("project"); got != "wheelhouse" {
			t.Errorf("project = %q", got)
		}
		if got := r.FormValue("version"); got != "1.2.0" {
			t.Errorf("version = %q", got)
		}
		file, header, err := r.FormFile("content")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			file.Close()
			if len(data) == 0 || header.Filename == "" {
				t.Errorf("empty upload %q", header.Filename)
			}
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	up := Upload{
		Project: "wheelhouse",
		Version: "1.2.0",
		Files: []string{
			writeDist(t, "wheelhouse-1.2.0-py3-none-any.whl", "wheel-bytes"),
			writeDist(t, "wheelhouse-1.2.0.tar.gz", "sdist-bytes"),
		},
	}
	creds := Credentials{User: "__token__", Password: "s3cret"}
	if err := client.Do(context.Background(), creds, up); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("requests = %d, want one per file", got)
	}
}

func TestUploadDuplicateVersion(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "version 1.2.0 exists", http.StatusConflict)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	up := Upload{
		Project: "wheelhouse",
		Version: "1.2.0",
		Files: []string{
			writeDist(t, "a.whl", "a"),
			writeDist(t, "b.whl", "b"),
		},
	}
	err = client.Do(context.Background(), Credentials{User: "__token__", Password: "x"}, up)
	if !errors.Is(err, ErrVersionExists) {
		t.Fatalf("err = %v, want ErrVersionExists", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("requests = %d, duplicate must not be retried", got)
	}
}

func TestUploadDuplicateVia400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "File already exists on the index", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	up := Upload{Project: "p", Version: "1.0", Files: []string{writeDist(t, "a.whl", "a")}}
	err := client.Do(context.Background(), Credentials{User: "u", Password: "p"}, up)
	if !errors.Is(err, ErrVersionExists) {
		t.Fatalf("err = %v, want ErrVersionExists", err)
	}
}

func TestUploadUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	up := Upload{Project: "p", Version: "1.0", Files: []string{writeDist(t, "a.whl", "a")}}
	err := client.Do(context.Background(), Credentials{User: "u", Password: "bad"}, up)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	up := Upload{Project: "p", Version: "1.0", Files: []string{writeDist(t, "a.whl", "a")}}
	err := client.Do(context.Background(), Credentials{User: "u", Password: "p"}, up)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v, want APIError 500", err)
	}
}

func TestUploadRequiresFiles(t *testing.T) {
	client, _ := NewClient("http://registry.local")
	err := client.Do(context.Background(), Credentials{}, Upload{Project: "p", Version: "1.0"})
	if err == nil {
		t.Fatalf("empty file list should error")
	}
}

func TestOAuthClient(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-123",
			"token_type":   "bearer",
		})
	}))
	defer tokens.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("authorization = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := NewOAuthClient(context.Background(), srv.URL, "gantry", "shh", tokens.URL+"/token")
	if err != nil {
		t.Fatalf("NewOAuthClient: %v", err)
	}
	up := Upload{Project: "p", Version: "1.0", Files: []string{writeDist(t, "a.whl", "a")}}
	if err := client.Do(context.Background(), Credentials{}, up); err != nil {
		t.Fatalf("Do: %v", err)
	}
}
