package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/platform/auth"
	"github.com/gantry-labs/gantry-go/internal/repo"
)

func webhookBody(t *testing.T, payload vcsWebhookPayload) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func (h *testHarness) postWebhook(t *testing.T, secret string, ts string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	sig, err := auth.ComputeWebhookSignature(secret, ts, http.MethodPost, body)
	if err != nil {
		t.Fatalf("ComputeWebhookSignature() err=%v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/vcs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderSignatureTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func nowTS() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

type webhookResult struct {
	Status        string        `json:"status"`
	DeliveryID    string        `json:"delivery_id"`
	PayloadSHA256 string        `json:"payload_sha256"`
	Runs          []runResponse `json:"runs"`
}

func TestWebhookTriggersMatchingWorkflows(t *testing.T) {
	h := newTestHarness(t)
	h.registerWorkflow(t, pushWorkflowYAML)
	h.registerWorkflow(t, prOnlyWorkflowYAML)

	body := webhookBody(t, vcsWebhookPayload{
		Event:      "push",
		Ref:        "refs/heads/main",
		Repo:       "acme/wheelhouse",
		Commit:     "0db40e6ba4d1",
		DeliveryID: "delivery-1",
		Provider:   "github",
	})
	rec := h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s, want 202", rec.Code, rec.Body.String())
	}

	var result webhookResult
	decodeBody(t, rec, &result)
	if result.Status != "triggered" {
		t.Fatalf("status=%q, want triggered", result.Status)
	}
	if result.DeliveryID != "delivery-1" {
		t.Fatalf("delivery_id=%q", result.DeliveryID)
	}
	if len(result.Runs) != 1 {
		t.Fatalf("runs=%+v, want exactly one", result.Runs)
	}
	if result.Runs[0].Workflow != "wheel-ci" {
		t.Fatalf("triggered workflow=%q, want wheel-ci", result.Runs[0].Workflow)
	}

	run := h.waitForTerminalRun(t, result.Runs[0].RunID)
	if run.State != domain.RunStateSucceeded {
		t.Fatalf("run state=%s error=%q, want succeeded", run.State, run.Error)
	}
}

func TestWebhookDeduplicatesByPayload(t *testing.T) {
	h := newTestHarness(t)
	h.registerWorkflow(t, pushWorkflowYAML)

	body := webhookBody(t, vcsWebhookPayload{
		Event:      "push",
		Ref:        "refs/heads/main",
		Repo:       "acme/wheelhouse",
		Commit:     "0db40e6ba4d1",
		DeliveryID: "delivery-dup",
	})

	first := h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first delivery status=%d body=%s", first.Code, first.Body.String())
	}
	var firstResult webhookResult
	decodeBody(t, first, &firstResult)

	second := h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if second.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s, want 200", second.Code, second.Body.String())
	}
	var secondResult webhookResult
	decodeBody(t, second, &secondResult)
	if secondResult.Status != "duplicate" {
		t.Fatalf("replay status=%q, want duplicate", secondResult.Status)
	}
	if secondResult.PayloadSHA256 != firstResult.PayloadSHA256 {
		t.Fatalf("payload hash changed between deliveries")
	}

	runs, err := h.store.ListRuns(context.Background(), repo.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns() err=%v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs=%d, want the single original run", len(runs))
	}
}

func TestWebhookRejectsBadCredentials(t *testing.T) {
	cases := []struct {
		name      string
		prepare   func(t *testing.T, h *testHarness, body []byte) *http.Request
		wantError string
	}{
		{
			name: "missing headers",
			prepare: func(t *testing.T, h *testHarness, body []byte) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/vcs", bytes.NewReader(body))
			},
			wantError: "signature_required",
		},
		{
			name: "stale timestamp",
			prepare: func(t *testing.T, h *testHarness, body []byte) *http.Request {
				ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
				sig, err := auth.ComputeWebhookSignature(testWebhookSecret, ts, http.MethodPost, body)
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				req := httptest.NewRequest(http.MethodPost, "/webhooks/vcs", bytes.NewReader(body))
				req.Header.Set(auth.HeaderSignatureTimestamp, ts)
				req.Header.Set(auth.HeaderSignature, sig)
				return req
			},
			wantError: "invalid_timestamp",
		},
		{
			name: "wrong secret",
			prepare: func(t *testing.T, h *testHarness, body []byte) *http.Request {
				ts := nowTS()
				sig, err := auth.ComputeWebhookSignature("not-the-secret", ts, http.MethodPost, body)
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				req := httptest.NewRequest(http.MethodPost, "/webhooks/vcs", bytes.NewReader(body))
				req.Header.Set(auth.HeaderSignatureTimestamp, ts)
				req.Header.Set(auth.HeaderSignature, sig)
				return req
			},
			wantError: "invalid_signature",
		},
		{
			name: "tampered body",
			prepare: func(t *testing.T, h *testHarness, body []byte) *http.Request {
				ts := nowTS()
				sig, err := auth.ComputeWebhookSignature(testWebhookSecret, ts, http.MethodPost, body)
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				tampered := bytes.Replace(body, []byte("refs/heads/main"), []byte("refs/heads/evil"), 1)
				req := httptest.NewRequest(http.MethodPost, "/webhooks/vcs", bytes.NewReader(tampered))
				req.Header.Set(auth.HeaderSignatureTimestamp, ts)
				req.Header.Set(auth.HeaderSignature, sig)
				return req
			},
			wantError: "invalid_signature",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			h.registerWorkflow(t, pushWorkflowYAML)
			body := webhookBody(t, vcsWebhookPayload{
				Event:      "push",
				Ref:        "refs/heads/main",
				Repo:       "acme/wheelhouse",
				Commit:     "0db40e6ba4d1",
				DeliveryID: "delivery-x",
			})

			req := tc.prepare(t, h, body)
			rec := httptest.NewRecorder()
			h.mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status=%d body=%s, want 401", rec.Code, rec.Body.String())
			}
			var out struct {
				Error string `json:"error"`
			}
			decodeBody(t, rec, &out)
			if out.Error != tc.wantError {
				t.Fatalf("error=%q, want %q", out.Error, tc.wantError)
			}

			runs, err := h.store.ListRuns(context.Background(), repo.RunFilter{})
			if err != nil {
				t.Fatalf("ListRuns() err=%v", err)
			}
			if len(runs) != 0 {
				t.Fatalf("rejected delivery still produced %d runs", len(runs))
			}
		})
	}
}

func TestWebhookRejectsInvalidEvent(t *testing.T) {
	h := newTestHarness(t)
	h.registerWorkflow(t, pushWorkflowYAML)

	body := webhookBody(t, vcsWebhookPayload{
		Event:  "schedule",
		Ref:    "refs/heads/main",
		Repo:   "acme/wheelhouse",
		Commit: "0db40e6ba4d1",
	})
	rec := h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s, want 400", rec.Code, rec.Body.String())
	}
	var out struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &out)
	if out.Error != "invalid_event" {
		t.Fatalf("error=%q", out.Error)
	}
}

func TestWebhookIgnoresNonMatchingEvent(t *testing.T) {
	h := newTestHarness(t)
	h.registerWorkflow(t, prOnlyWorkflowYAML)

	body := webhookBody(t, vcsWebhookPayload{
		Event:      "push",
		Ref:        "refs/heads/main",
		Repo:       "acme/wheelhouse",
		Commit:     "0db40e6ba4d1",
		DeliveryID: "delivery-ignored",
	})
	rec := h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s, want 200", rec.Code, rec.Body.String())
	}
	var result webhookResult
	decodeBody(t, rec, &result)
	if result.Status != "ignored" {
		t.Fatalf("status=%q, want ignored", result.Status)
	}

	runs, err := h.store.ListRuns(context.Background(), repo.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns() err=%v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("ignored delivery produced %d runs", len(runs))
	}
	h.runner.mu.Lock()
	calls := len(h.runner.calls)
	h.runner.mu.Unlock()
	if calls != 0 {
		t.Fatalf("ignored delivery executed %d commands", calls)
	}
}

func TestWebhookTargetsNamedWorkflow(t *testing.T) {
	h := newTestHarness(t)
	h.registerWorkflow(t, pushWorkflowYAML)
	h.registerWorkflow(t, prOnlyWorkflowYAML)

	body := webhookBody(t, vcsWebhookPayload{
		Event:      "pull_request",
		Ref:        "refs/heads/feature",
		Repo:       "acme/wheelhouse",
		Commit:     "0db40e6ba4d1",
		DeliveryID: "delivery-target",
		Workflow:   "review-ci",
	})
	rec := h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s, want 202", rec.Code, rec.Body.String())
	}
	var result webhookResult
	decodeBody(t, rec, &result)
	if len(result.Runs) != 1 || result.Runs[0].Workflow != "review-ci" {
		t.Fatalf("runs=%+v, want one review-ci run", result.Runs)
	}
	h.waitForTerminalRun(t, result.Runs[0].RunID)

	body = webhookBody(t, vcsWebhookPayload{
		Event:      "push",
		Ref:        "refs/heads/main",
		Repo:       "acme/wheelhouse",
		Commit:     "0db40e6ba4d1",
		DeliveryID: "delivery-ghost",
		Workflow:   "ghost",
	})
	rec = h.postWebhook(t, testWebhookSecret, nowTS(), body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow status=%d, want 404", rec.Code)
	}
}
