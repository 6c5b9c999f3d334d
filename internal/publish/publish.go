// Package publish uploads built distribution files to a package
// registry. A version that already exists is a terminal failure; the
// client never retries an upload.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

var (
	ErrVersionExists = errors.New("package version already exists")
	ErrUnauthorized  = errors.New("registry request unauthorized")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("registry error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("registry error (status=%d): %s", e.StatusCode, body)
}

// Credentials authenticate one upload. Token-style registries use a
// fixed user with the secret as password.
type Credentials struct {
	User     string
	Password string
}

// Upload names the files of one released version.
type Upload struct {
	Project string
	Version string
	Files   []string
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("registry base url is required")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// NewOAuthClient returns a client whose requests carry client
// credentials tokens instead of basic auth.
func NewOAuthClient(ctx context.Context, baseURL, clientID, clientSecret, tokenURL string) (*Client, error) {
	client, err := NewClient(baseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(tokenURL) == "" {
		return nil, errors.New("oauth client id and token url are required")
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	client.http = cc.Client(ctx)
	client.http.Timeout = 60 * time.Second
	return client, nil
}

// Do uploads every file of the release, one request per file, stopping
// at the first failure. A duplicate version aborts with
// ErrVersionExists and nothing further is attempted.
func (c *Client) Do(ctx context.Context, creds Credentials, up Upload) error {
	if strings.TrimSpace(up.Project) == "" {
		return errors.New("project is required")
	}
	if strings.TrimSpace(up.Version) == "" {
		return errors.New("version is required")
	}
	if len(up.Files) == 0 {
		return errors.New("no files to upload")
	}
	for _, file := range up.Files {
		if err := c.uploadFile(ctx, creds, up, file); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) uploadFile(ctx context.Context, creds Credentials, up Upload, path string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("project", up.Project); err != nil {
		return err
	}
	if err := mw.WriteField("version", up.Version); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("content", filepath.Base(path))
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	_, err = io.Copy(part, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if creds.User != "" {
		req.SetBasicAuth(creds.User, creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrVersionExists, up.Project, up.Version)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(string(body)), "already exists") {
			return fmt.Errorf("%w: %s %s", ErrVersionExists, up.Project, up.Version)
		}
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
