package statuscheck

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gantry-labs/gantry-go/internal/platform/auth"
)

func TestNotify(t *testing.T) {
	const secret = "callback-secret"

	var received Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		ts := r.Header.Get(auth.HeaderSignatureTimestamp)
		sig := r.Header.Get(auth.HeaderSignature)
		if err := auth.CheckTimestampSkew(ts, time.Now().UTC(), 5*time.Minute); err != nil {
			t.Errorf("timestamp: %v", err)
		}
		if err := auth.VerifyWebhookSignature(secret, ts, r.Method, body, sig); err != nil {
			t.Errorf("signature: %v", err)
		}
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	notifier, err := NewNotifier(srv.URL, secret)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	report := Report{
		RunID:        "run-1",
		WorkflowName: "wheel-ci",
		Repo:         "acme/wheelhouse",
		Commit:       "abc123",
		Ref:          "refs/tags/v1.0",
		State:        "success",
		FinishedAt:   time.Now().UTC(),
	}
	if err := notifier.Notify(context.Background(), report); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received.RunID != "run-1" || received.State != "success" {
		t.Fatalf("received = %+v", received)
	}
}

func TestNotifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown commit", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	notifier, err := NewNotifier(srv.URL, "callback-secret")
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), Report{RunID: "run-1"}); err == nil {
		t.Fatalf("non-2xx should be an error")
	}
}

func TestNewNotifierValidates(t *testing.T) {
	if _, err := NewNotifier("", "secret"); err == nil {
		t.Fatalf("blank url should be rejected")
	}
	if _, err := NewNotifier("http://cb.local", " "); err == nil {
		t.Fatalf("blank secret should be rejected")
	}
}
