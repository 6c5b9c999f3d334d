package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/platform/auth"
)

type apiClient struct {
	baseURL   string
	token     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, requestID string) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &apiClient{
		baseURL:   baseURL,
		token:     strings.TrimSpace(token),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) (*http.Response, []byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// internalClient talks to services that sit behind proxy-header auth,
// signing each request the way the fronting proxy would.
type internalClient struct {
	baseURL   string
	secret    string
	subject   string
	roles     string
	requestID string
	http      *http.Client
}

func newInternalClient(baseURL, secret, requestID string) *internalClient {
	return &internalClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:    strings.TrimSpace(secret),
		subject:   "demo",
		roles:     auth.RoleViewer,
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *internalClient) getJSON(path string, out any) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	sig, err := auth.SignInternal(c.secret, auth.SignedRequest{
		Timestamp: ts,
		Method:    req.Method,
		Path:      req.URL.Path,
		RequestID: c.requestID,
		Subject:   c.subject,
		Roles:     c.roles,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", c.requestID)
	req.Header.Set(auth.HeaderSubject, c.subject)
	req.Header.Set(auth.HeaderRoles, c.roles)
	req.Header.Set(auth.HeaderInternalAuthTimestamp, ts)
	req.Header.Set(auth.HeaderInternalAuthSignature, sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http GET %s: status=%d body=%s", req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

type workflowView struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
}

type runView struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

type instanceView struct {
	InstanceID string `json:"instance_id"`
	Job        string `json:"job"`
	Binding    string `json:"binding,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
}

type instanceList struct {
	Instances []instanceView `json:"instances"`
}

type stepView struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

type stepList struct {
	Steps []stepView `json:"steps"`
}

type statusView struct {
	State    string `json:"state"`
	RunState string `json:"run_state"`
}

type auditEvent struct {
	EventID    int64  `json:"event_id"`
	Action     string `json:"action"`
	ResourceID string `json:"resource_id"`
	RequestID  string `json:"request_id"`
}

type auditEventList struct {
	Events []auditEvent `json:"events"`
}

const demoWorkflowTemplate = `version: 1
name: demo-pipeline-%s
on:
  push:
    branches: ["main"]
jobs:
  - name: build
    strategy:
      fail-fast: true
      matrix:
        - name: interpreter
          values: ["3.7", "3.8"]
    steps:
      - name: banner
        run: echo building ${event.repo}@${event.short_ref} with interpreter ${matrix.interpreter}
      - name: legacy-check
        if:
          matrix:
            interpreter: "3.7"
        run: echo extra checks for the oldest supported interpreter
`

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	now := time.Now().UTC()
	defaultRequestID := fmt.Sprintf("demo-%s", now.Format("20060102T150405Z"))
	defaultSuffix := now.Format("20060102-150405")

	var (
		orchestratorURL = flag.String("orchestrator", envOr("GANTRY_ORCHESTRATOR_URL", "http://localhost:8080"), "Orchestrator base URL")
		auditURL        = flag.String("audit", envOr("GANTRY_AUDIT_URL", "http://localhost:8085"), "Audit service base URL")
		token           = flag.String("token", envOr("GANTRY_BEARER_TOKEN", ""), "Bearer token (optional; required for OIDC mode)")
		internalSecret  = flag.String("internal-secret", envOr("GANTRY_INTERNAL_AUTH_SECRET", ""), "Internal auth secret for the audit service (optional)")
		requestID       = flag.String("request-id", envOr("GANTRY_DEMO_REQUEST_ID", defaultRequestID), "X-Request-Id for correlation")
		nameSuffix      = flag.String("name-suffix", envOr("GANTRY_DEMO_SUFFIX", defaultSuffix), "Suffix to avoid name collisions")
		workflowPath    = flag.String("workflow", envOr("GANTRY_DEMO_WORKFLOW_PATH", ""), "Workflow definition file (default: built-in matrix demo)")
		repo            = flag.String("repo", envOr("GANTRY_DEMO_REPO", "gantry/demo"), "Repository the orchestrator checks out (must exist under its git base URL)")
		ref             = flag.String("ref", envOr("GANTRY_DEMO_REF", "refs/heads/main"), "Fully qualified ref for the trigger event")
		commit          = flag.String("commit", envOr("GANTRY_DEMO_COMMIT", "0123456789abcdef0123456789abcdef01234567"), "Commit the orchestrator fetches")
		timeout         = flag.Duration("timeout", 3*time.Minute, "How long to wait for the run to finish")
	)
	flag.Parse()

	client := newAPIClient(*orchestratorURL, *token, *requestID)

	fmt.Printf("==> gantry demo (orchestrator=%s, request_id=%s)\n", client.baseURL, client.requestID)

	// 1) Register a workflow
	definition := fmt.Sprintf(demoWorkflowTemplate, *nameSuffix)
	if *workflowPath != "" {
		raw, err := os.ReadFile(*workflowPath)
		if err != nil {
			die("read workflow file", err)
		}
		definition = string(raw)
	}

	var createdWorkflow workflowView
	if err := client.postJSON("/workflows", map[string]any{
		"definition": definition,
	}, &createdWorkflow); err != nil {
		die("register workflow", err)
	}
	fmt.Printf("==> registered workflow: %s (%s)\n", createdWorkflow.WorkflowID, createdWorkflow.Name)

	// 2) Trigger a run with a push event
	var createdRun runView
	if err := client.postJSON("/runs", map[string]any{
		"workflow": createdWorkflow.Name,
		"event": map[string]any{
			"kind":        "push",
			"ref":         *ref,
			"repo":        *repo,
			"commit":      *commit,
			"delivery_id": client.requestID,
		},
	}, &createdRun); err != nil {
		die("create run", err)
	}
	fmt.Printf("==> created run: %s (state=%s)\n", createdRun.RunID, createdRun.State)

	// 3) Wait for the run to reach a terminal state
	finalRun, err := waitForRun(client, createdRun.RunID, *timeout)
	if err != nil {
		die("wait for run", err)
	}
	fmt.Printf("==> run finished: state=%s\n", finalRun.State)

	// 4) Walk instances and their step executions
	var instances instanceList
	if err := client.getJSON(fmt.Sprintf("/runs/%s/instances", finalRun.RunID), &instances); err != nil {
		die("list instances", err)
	}
	for _, inst := range instances.Instances {
		label := inst.Job
		if inst.Binding != "" {
			label = fmt.Sprintf("%s[%s]", inst.Job, inst.Binding)
		}
		fmt.Printf("    - %s: %s\n", label, inst.State)

		var steps stepList
		if err := client.getJSON(fmt.Sprintf("/instances/%s/steps", inst.InstanceID), &steps); err != nil {
			die("list steps", err)
		}
		for _, step := range steps.Steps {
			switch {
			case step.ExitCode != nil:
				fmt.Printf("        %s: %s (exit=%d)\n", step.Name, step.Status, *step.ExitCode)
			case step.Error != "":
				fmt.Printf("        %s: %s (%s)\n", step.Name, step.Status, step.Error)
			default:
				fmt.Printf("        %s: %s\n", step.Name, step.Status)
			}
		}
	}

	// 5) Aggregate check state for the commit
	var status statusView
	if err := client.getJSON(fmt.Sprintf("/runs/%s/status", finalRun.RunID), &status); err != nil {
		die("fetch run status", err)
	}
	fmt.Printf("==> aggregate check state: %s (run_state=%s)\n", status.State, status.RunState)

	if finalRun.State != "succeeded" {
		die("run did not succeed", fmt.Errorf("state=%s error=%s", finalRun.State, finalRun.Error))
	}

	// 6) Query audit events for this request id
	if *internalSecret == "" {
		fmt.Println("==> audit events: skipped (set GANTRY_INTERNAL_AUTH_SECRET to query the audit service)")
	} else {
		auditClient := newInternalClient(*auditURL, *internalSecret, client.requestID)
		var events auditEventList
		if err := auditClient.getJSON(fmt.Sprintf("/events?limit=200&request_id=%s", url.QueryEscape(client.requestID)), &events); err != nil {
			die("fetch audit events", err)
		}
		fmt.Printf("==> audit events: count=%d (request_id=%s)\n", len(events.Events), client.requestID)
	}

	fmt.Println()
	fmt.Println("Next: inspect the run through the API.")
	fmt.Printf("  - run: GET /runs/%s\n", finalRun.RunID)
	fmt.Printf("  - instances: GET /runs/%s/instances\n", finalRun.RunID)
	fmt.Printf("  - status: GET /runs/%s/status\n", finalRun.RunID)
	fmt.Printf("  - audit: GET /events?request_id=%s\n", url.QueryEscape(client.requestID))
}

func waitForRun(client *apiClient, runID string, timeout time.Duration) (runView, error) {
	deadline := time.Now().Add(timeout)
	for {
		var run runView
		if err := client.getJSON("/runs/"+runID, &run); err != nil {
			return runView{}, err
		}
		switch run.State {
		case "succeeded", "failed", "canceled":
			return run, nil
		}
		if time.Now().After(deadline) {
			return runView{}, fmt.Errorf("run %s still %s after %s", runID, run.State, timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
