//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gantry-labs/gantry-go/internal/platform/auth"
)

// TestOrchestratorWorkflowLifecycle registers a workflow over the API,
// delivers a signed push webhook, and confirms the run it triggered is
// visible with its instances. A replayed delivery must be flagged as a
// duplicate without triggering again.
func TestOrchestratorWorkflowLifecycle(t *testing.T) {
	requireCommand(t, "git")
	infra := ensureInfra(t)
	repoRoot := repoRoot(t)
	binDir := t.TempDir()

	orch := launchService(t, repoRoot, binDir, infra, "orchestrator", "./orchestrator", "GANTRY_HTTP_ADDR")
	client := &http.Client{Timeout: 5 * time.Second}

	const definition = `
version: 1
name: e2e-smoke
on:
  push:
    branches: ["*"]
jobs:
  - name: smoke
    steps:
      - name: checkout
        action: checkout
      - name: hello
        run: echo hello
`
	regBody, _ := json.Marshal(map[string]string{"definition": definition})
	resp, err := client.Post(orch.url("/workflows"), "application/json", bytes.NewReader(regBody))
	if err != nil {
		t.Fatalf("POST /workflows: %v\n%s", err, orch.out.String())
	}
	var registered struct {
		WorkflowID string `json:"workflow_id"`
		Name       string `json:"name"`
	}
	decodeBody(t, resp, http.StatusCreated, &registered)
	if registered.Name != "e2e-smoke" {
		t.Fatalf("registered name=%q, want e2e-smoke", registered.Name)
	}

	delivery := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	payload, _ := json.Marshal(map[string]string{
		"event":       "push",
		"ref":         "refs/heads/main",
		"repo":        "acme/smoke",
		"commit":      "3f786850e387550fdab836ed7e6dc881de23001b",
		"delivery_id": delivery,
		"provider":    "e2e",
		"workflow":    "e2e-smoke",
	})

	var triggered struct {
		Status string `json:"status"`
		Runs   []struct {
			RunID string `json:"run_id"`
			State string `json:"state"`
		} `json:"runs"`
	}
	resp = postSignedWebhook(t, client, orch, infra.ciWebhookSecret, payload)
	decodeBody(t, resp, http.StatusAccepted, &triggered)
	if triggered.Status != "triggered" || len(triggered.Runs) != 1 {
		t.Fatalf("webhook response=%+v, want one triggered run", triggered)
	}
	runID := triggered.Runs[0].RunID

	var run struct {
		RunID    string `json:"run_id"`
		Workflow string `json:"workflow"`
		State    string `json:"state"`
	}
	resp, err = client.Get(orch.url("/runs/" + runID))
	if err != nil {
		t.Fatalf("GET /runs/%s: %v", runID, err)
	}
	decodeBody(t, resp, http.StatusOK, &run)
	if run.Workflow != "e2e-smoke" || run.State == "" {
		t.Fatalf("run=%+v, want workflow e2e-smoke with a state", run)
	}

	var instances struct {
		Instances []struct {
			InstanceID string `json:"instance_id"`
			Job        string `json:"job"`
		} `json:"instances"`
	}
	resp, err = client.Get(orch.url("/runs/" + runID + "/instances"))
	if err != nil {
		t.Fatalf("GET instances: %v", err)
	}
	decodeBody(t, resp, http.StatusOK, &instances)
	if len(instances.Instances) != 1 || instances.Instances[0].Job != "smoke" {
		t.Fatalf("instances=%+v, want one smoke instance", instances)
	}

	var replay struct {
		Status string `json:"status"`
	}
	resp = postSignedWebhook(t, client, orch, infra.ciWebhookSecret, payload)
	decodeBody(t, resp, http.StatusOK, &replay)
	if replay.Status != "duplicate" {
		t.Fatalf("replay status=%q, want duplicate", replay.Status)
	}
}

func postSignedWebhook(t *testing.T, client *http.Client, svc managedService, secret string, payload []byte) *http.Response {
	t.Helper()

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	sig, err := auth.ComputeWebhookSignature(secret, ts, http.MethodPost, payload)
	if err != nil {
		t.Fatalf("sign webhook: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, svc.url("/webhooks/vcs"), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderSignatureTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST /webhooks/vcs: %v\n%s", err, svc.out.String())
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, wantStatus int, dst any) {
	t.Helper()
	defer resp.Body.Close()

	var buf bytes.Buffer
	if resp.StatusCode != wantStatus {
		_, _ = buf.ReadFrom(resp.Body)
		t.Fatalf("%s %s status=%d, want %d\n%s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, wantStatus, buf.String())
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode %s response: %v", resp.Request.URL.Path, err)
	}
}
