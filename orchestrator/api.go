package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-labs/gantry-go/internal/artifacts"
	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/engine"
	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
	"github.com/gantry-labs/gantry-go/internal/platform/auth"
	"github.com/gantry-labs/gantry-go/internal/repo"
	storageobject "github.com/gantry-labs/gantry-go/internal/storage/objectstore"
	"github.com/gantry-labs/gantry-go/internal/workflow"
)

type apiStores struct {
	Runs       repo.RunRepository
	Instances  repo.InstanceRepository
	Steps      repo.StepRepository
	Workflows  repo.WorkflowRepository
	Deliveries repo.DeliveryRepository
	Artifacts  *artifacts.Store
}

type orchestratorAPI struct {
	logger *slog.Logger
	db     *sql.DB
	engine *engine.Engine

	runs       repo.RunRepository
	instances  repo.InstanceRepository
	steps      repo.StepRepository
	workflows  repo.WorkflowRepository
	deliveries repo.DeliveryRepository
	artifacts  *artifacts.Store

	webhookSecret  string
	webhookMaxSkew time.Duration
}

func newOrchestratorAPI(logger *slog.Logger, db *sql.DB, eng *engine.Engine, stores apiStores, webhookSecret string) *orchestratorAPI {
	return &orchestratorAPI{
		logger:         logger,
		db:             db,
		engine:         eng,
		runs:           stores.Runs,
		instances:      stores.Instances,
		steps:          stores.Steps,
		workflows:      stores.Workflows,
		deliveries:     stores.Deliveries,
		artifacts:      stores.Artifacts,
		webhookSecret:  strings.TrimSpace(webhookSecret),
		webhookMaxSkew: 5 * time.Minute,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", api.handleRegisterWorkflow)
	mux.HandleFunc("GET /workflows", api.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{workflow_id}", api.handleGetWorkflow)

	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/instances", api.handleListInstances)
	mux.HandleFunc("GET /runs/{run_id}/status", api.handleRunStatus)
	mux.HandleFunc("GET /instances/{instance_id}", api.handleGetInstance)
	mux.HandleFunc("GET /instances/{instance_id}/steps", api.handleListSteps)
	mux.HandleFunc("GET /instances/{instance_id}/artifacts/{name...}", api.handleDownloadArtifact)

	mux.HandleFunc("POST /webhooks/vcs", api.handleVCSWebhook)
}

type workflowResponse struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Definition string    `json:"definition,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type registerWorkflowRequest struct {
	Definition string `json:"definition"`
}

func (api *orchestratorAPI) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var req registerWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	definition := []byte(req.Definition)
	if strings.TrimSpace(req.Definition) == "" {
		api.writeError(w, r, http.StatusBadRequest, "definition_required")
		return
	}

	wf, err := workflow.Parse(definition)
	if err != nil {
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_workflow",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}

	record, err := api.workflows.SaveWorkflow(r.Context(), repo.WorkflowRecord{
		ID:         uuid.NewString(),
		Name:       wf.Name,
		Definition: definition,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "workflow.register", "workflow", record.ID, map[string]any{
		"name": record.Name,
	})

	w.Header().Set("Location", "/workflows/"+record.ID)
	api.writeJSON(w, http.StatusCreated, workflowResponse{
		WorkflowID: record.ID,
		Name:       record.Name,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	})
}

func (api *orchestratorAPI) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	records, err := api.workflows.ListWorkflows(r.Context(), limit)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]workflowResponse, 0, len(records))
	for _, record := range records {
		out = append(out, workflowResponse{
			WorkflowID: record.ID,
			Name:       record.Name,
			CreatedAt:  record.CreatedAt,
			UpdatedAt:  record.UpdatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (api *orchestratorAPI) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := strings.TrimSpace(r.PathValue("workflow_id"))
	if workflowID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_id_required")
		return
	}
	record, err := api.workflows.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, workflowResponse{
		WorkflowID: record.ID,
		Name:       record.Name,
		Definition: string(record.Definition),
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	})
}

type eventRequest struct {
	Kind       string `json:"kind"`
	Ref        string `json:"ref"`
	Repo       string `json:"repo"`
	Commit     string `json:"commit"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

type createRunRequest struct {
	Workflow string       `json:"workflow"`
	Event    eventRequest `json:"event"`
}

type runResponse struct {
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	Workflow   string     `json:"workflow"`
	Event      string     `json:"event"`
	Ref        string     `json:"ref"`
	Repo       string     `json:"repo"`
	Commit     string     `json:"commit"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func runToResponse(run domain.Run) runResponse {
	return runResponse{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Workflow:   run.WorkflowName,
		Event:      string(run.Event.Kind),
		Ref:        run.Event.Ref,
		Repo:       run.Event.Repo,
		Commit:     run.Event.Commit,
		State:      string(run.State),
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func (api *orchestratorAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	name := strings.TrimSpace(req.Workflow)
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_required")
		return
	}

	record, err := api.workflows.GetWorkflowByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	wf, err := workflow.Parse(record.Definition)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "workflow_corrupt")
		return
	}

	event := domain.TriggerEvent{
		Kind:       domain.EventKind(strings.TrimSpace(req.Event.Kind)),
		Ref:        strings.TrimSpace(req.Event.Ref),
		Repo:       strings.TrimSpace(req.Event.Repo),
		Commit:     strings.TrimSpace(req.Event.Commit),
		DeliveryID: strings.TrimSpace(req.Event.DeliveryID),
		ReceivedAt: time.Now().UTC(),
	}
	if event.DeliveryID == "" {
		event.DeliveryID = uuid.NewString()
	}
	if err := event.Validate(); err != nil {
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_event",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}

	run, err := api.engine.Trigger(r.Context(), record, wf, event)
	if err != nil {
		if errors.Is(err, engine.ErrNotTriggered) {
			api.writeError(w, r, http.StatusConflict, "event_not_triggered")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/runs/"+run.ID)
	api.writeJSON(w, http.StatusAccepted, runToResponse(run))
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		WorkflowName: strings.TrimSpace(r.URL.Query().Get("workflow")),
		Ref:          strings.TrimSpace(r.URL.Query().Get("ref")),
		Limit:        clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state := domain.NormalizeRunState(raw)
		if state == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}
		filter.State = state
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runToResponse(run))
}

type instanceResponse struct {
	InstanceID string            `json:"instance_id"`
	RunID      string            `json:"run_id"`
	Job        string            `json:"job"`
	Binding    string            `json:"binding,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	State      string            `json:"state"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

func instanceToResponse(inst domain.JobInstance) instanceResponse {
	out := instanceResponse{
		InstanceID: inst.ID,
		RunID:      inst.RunID,
		Job:        inst.JobName,
		Binding:    inst.Binding.ID(),
		State:      string(inst.State),
		Error:      inst.Error,
		CreatedAt:  inst.CreatedAt,
		StartedAt:  inst.StartedAt,
		FinishedAt: inst.FinishedAt,
	}
	if len(inst.Binding) > 0 {
		out.Params = inst.Binding.Map()
	}
	return out
}

func (api *orchestratorAPI) handleListInstances(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	instances, err := api.instances.ListInstances(r.Context(), runID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceToResponse(inst))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

func (api *orchestratorAPI) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	instances, err := api.instances.ListInstances(r.Context(), runID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	type instanceStatus struct {
		Job     string `json:"job"`
		Binding string `json:"binding,omitempty"`
		State   string `json:"state"`
	}
	summary := make([]instanceStatus, 0, len(instances))
	for _, inst := range instances {
		summary = append(summary, instanceStatus{
			Job:     inst.JobName,
			Binding: inst.Binding.ID(),
			State:   string(inst.State),
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    run.ID,
		"workflow":  run.WorkflowName,
		"commit":    run.Event.Commit,
		"state":     domain.CheckState(run.State),
		"run_state": string(run.State),
		"instances": summary,
	})
}

func (api *orchestratorAPI) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.PathValue("instance_id"))
	if instanceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "instance_id_required")
		return
	}
	inst, err := api.instances.GetInstance(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, instanceToResponse(inst))
}

type stepResponse struct {
	StepExecutionID string     `json:"step_execution_id"`
	InstanceID      string     `json:"instance_id"`
	Index           int        `json:"index"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	LogTail         string     `json:"log_tail,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func (api *orchestratorAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.PathValue("instance_id"))
	if instanceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "instance_id_required")
		return
	}
	if _, err := api.instances.GetInstance(r.Context(), instanceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	steps, err := api.steps.ListSteps(r.Context(), instanceID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]stepResponse, 0, len(steps))
	for _, step := range steps {
		out = append(out, stepResponse{
			StepExecutionID: step.ID,
			InstanceID:      step.InstanceID,
			Index:           step.Index,
			Name:            step.Name,
			Status:          string(step.Status),
			ExitCode:        step.ExitCode,
			LogTail:         step.LogTail,
			Error:           step.Error,
			StartedAt:       step.StartedAt,
			FinishedAt:      step.FinishedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

// handleDownloadArtifact streams artifact bytes through the API so that
// downloads stay behind the same auth middleware as everything else.
func (api *orchestratorAPI) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.PathValue("instance_id"))
	if instanceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "instance_id_required")
		return
	}
	inst, err := api.instances.GetInstance(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if api.artifacts == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "artifacts_unavailable")
		return
	}

	body, info, err := api.artifacts.Open(r.Context(), inst.RunID, inst.ID, r.PathValue("name"))
	if err != nil {
		switch {
		case errors.Is(err, artifacts.ErrBadName):
			api.writeError(w, r, http.StatusBadRequest, "invalid_artifact_name")
		case errors.Is(err, storageobject.ErrNotExist):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(info.ETag))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		api.logger.Warn("artifact stream interrupted", "instance_id", inst.ID, "error", err)
	}
}

// audit records an API action. Best-effort: a missing audit database
// (tests) or an insert failure never fails the request.
func (api *orchestratorAPI) audit(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = "orchestrator"
	_, err := auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        api.requestActor(r),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Warn("audit insert failed", "action", action, "error", err)
	}
}

func (api *orchestratorAPI) requestActor(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		return identity.Subject
	}
	return "api"
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
