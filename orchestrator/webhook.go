package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/engine"
	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
	"github.com/gantry-labs/gantry-go/internal/platform/auth"
	"github.com/gantry-labs/gantry-go/internal/repo"
	"github.com/gantry-labs/gantry-go/internal/workflow"
)

type vcsWebhookPayload struct {
	Event      string `json:"event"`
	Ref        string `json:"ref"`
	Repo       string `json:"repo"`
	Commit     string `json:"commit"`
	DeliveryID string `json:"delivery_id"`
	Provider   string `json:"provider"`
	Workflow   string `json:"workflow,omitempty"`
}

// handleVCSWebhook ingests push and pull_request deliveries from the VCS
// host. Deliveries are authenticated with a timestamped HMAC signature and
// deduplicated by payload hash before any workflow is triggered. The
// delivery fans out to every registered workflow unless the payload names
// one.
func (api *orchestratorAPI) handleVCSWebhook(w http.ResponseWriter, r *http.Request) {
	if api.webhookSecret == "" {
		api.writeError(w, r, http.StatusInternalServerError, "webhook_secret_unconfigured")
		return
	}

	ts := strings.TrimSpace(r.Header.Get(auth.HeaderSignatureTimestamp))
	sig := strings.TrimSpace(r.Header.Get(auth.HeaderSignature))
	if ts == "" || sig == "" {
		api.auditWebhookReject(r, "missing_signature_headers", "", "")
		api.writeError(w, r, http.StatusUnauthorized, "signature_required")
		return
	}
	if err := auth.CheckTimestampSkew(ts, time.Now().UTC(), api.webhookMaxSkew); err != nil {
		api.auditWebhookReject(r, "invalid_timestamp", "", "")
		api.writeError(w, r, http.StatusUnauthorized, "invalid_timestamp")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	if err := auth.VerifyWebhookSignature(api.webhookSecret, ts, r.Method, body, sig); err != nil {
		api.auditWebhookReject(r, "invalid_signature", "", "")
		api.writeError(w, r, http.StatusUnauthorized, "invalid_signature")
		return
	}

	var payload vcsWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	event := domain.TriggerEvent{
		Kind:       domain.EventKind(strings.TrimSpace(payload.Event)),
		Ref:        strings.TrimSpace(payload.Ref),
		Repo:       strings.TrimSpace(payload.Repo),
		Commit:     strings.TrimSpace(payload.Commit),
		DeliveryID: strings.TrimSpace(payload.DeliveryID),
		ReceivedAt: time.Now().UTC(),
	}
	if event.DeliveryID == "" {
		event.DeliveryID = uuid.NewString()
	}
	if err := event.Validate(); err != nil {
		api.auditWebhookReject(r, "invalid_event", payload.Provider, event.DeliveryID)
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_event",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}

	sum := sha256.Sum256(body)
	payloadSHA := hex.EncodeToString(sum[:])
	provider := strings.TrimSpace(payload.Provider)
	if provider == "" {
		provider = "vcs"
	}

	inserted, err := api.deliveries.InsertDelivery(r.Context(), repo.WebhookDelivery{
		ID:            event.DeliveryID,
		Provider:      provider,
		PayloadSHA256: payloadSHA,
		ReceivedAt:    event.ReceivedAt,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !inserted {
		api.writeJSON(w, http.StatusOK, map[string]any{
			"status":         "duplicate",
			"delivery_id":    event.DeliveryID,
			"payload_sha256": payloadSHA,
		})
		return
	}

	var candidates []repo.WorkflowRecord
	if name := strings.TrimSpace(payload.Workflow); name != "" {
		record, err := api.workflows.GetWorkflowByName(r.Context(), name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		candidates = []repo.WorkflowRecord{record}
	} else {
		records, err := api.workflows.ListWorkflows(r.Context(), 500)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		candidates = records
	}

	triggered := make([]runResponse, 0, 1)
	for _, record := range candidates {
		wf, err := workflow.Parse(record.Definition)
		if err != nil {
			api.logger.Warn("stored workflow does not parse",
				"workflow_id", record.ID, "name", record.Name, "error", err)
			continue
		}
		run, err := api.engine.Trigger(r.Context(), record, wf, event)
		if err != nil {
			if errors.Is(err, engine.ErrNotTriggered) {
				continue
			}
			api.logger.Error("webhook trigger failed",
				"workflow_id", record.ID, "delivery_id", event.DeliveryID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		triggered = append(triggered, runToResponse(run))
	}

	if len(triggered) == 0 {
		api.writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ignored",
			"delivery_id":    event.DeliveryID,
			"payload_sha256": payloadSHA,
		})
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":         "triggered",
		"delivery_id":    event.DeliveryID,
		"payload_sha256": payloadSHA,
		"runs":           triggered,
	})
}

func (api *orchestratorAPI) auditWebhookReject(r *http.Request, reason, provider, deliveryID string) {
	if api.db == nil {
		return
	}
	actor := strings.TrimSpace(provider)
	if actor == "" {
		actor = "vcs"
	}
	resourceID := strings.TrimSpace(deliveryID)
	if resourceID == "" {
		resourceID = "unknown"
	}
	_, _ = auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       "webhook.reject",
		ResourceType: "webhook_delivery",
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: map[string]any{
			"service": "orchestrator",
			"reason":  reason,
			"path":    r.URL.Path,
		},
	})
}
