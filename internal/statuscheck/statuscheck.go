// Package statuscheck posts the aggregate outcome of a finished run to
// an external callback endpoint, signed the same way inbound webhooks
// are.
package statuscheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/platform/auth"
)

// Report is the payload of one status callback.
type Report struct {
	RunID        string    `json:"run_id"`
	WorkflowName string    `json:"workflow"`
	Repo         string    `json:"repo"`
	Commit       string    `json:"commit"`
	Ref          string    `json:"ref"`
	State        string    `json:"state"`
	FinishedAt   time.Time `json:"finished_at"`
}

type Notifier struct {
	url    string
	secret string
	http   *http.Client
}

func NewNotifier(url, secret string) (*Notifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("callback url is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("callback secret is required")
	}
	return &Notifier{
		url:    url,
		secret: secret,
		http:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Notify delivers the report. Delivery is attempted once; the caller
// logs failures and moves on.
func (n *Notifier) Notify(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	sig, err := auth.ComputeWebhookSignature(n.secret, ts, http.MethodPost, body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderSignatureTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("status callback rejected (status=%d): %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}
