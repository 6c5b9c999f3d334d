package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/auditexport"
	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
)

type auditAPI struct {
	logger    *slog.Logger
	db        *sql.DB
	exportCfg auditexport.Config
}

func newAuditAPI(logger *slog.Logger, db *sql.DB, exportCfg auditexport.Config) *auditAPI {
	return &auditAPI{
		logger:    logger,
		db:        db,
		exportCfg: exportCfg,
	}
}

func (api *auditAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", api.handleListEvents)
	mux.HandleFunc("GET /events/{event_id}", api.handleGetEvent)
	mux.HandleFunc("POST /export", api.handleExport)
}

type auditEvent struct {
	EventID         int64           `json:"event_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Actor           string          `json:"actor"`
	Action          string          `json:"action"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	RequestID       string          `json:"request_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

const eventColumns = `event_id, occurred_at, actor, action, resource_type, resource_id, request_id, ip, user_agent, payload, integrity_sha256`

func (api *auditAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	beforeID := parseInt64Query(r, "before_event_id", 0)

	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	resourceType := strings.TrimSpace(r.URL.Query().Get("resource_type"))
	resourceID := strings.TrimSpace(r.URL.Query().Get("resource_id"))
	requestID := strings.TrimSpace(r.URL.Query().Get("request_id"))
	workflow := strings.TrimSpace(r.URL.Query().Get("workflow"))

	where := make([]string, 0, 7)
	args := make([]any, 0, 8)

	if beforeID > 0 {
		args = append(args, beforeID)
		where = append(where, "event_id < $"+strconv.Itoa(len(args)))
	}
	if actor != "" {
		args = append(args, actor)
		where = append(where, "actor = $"+strconv.Itoa(len(args)))
	}
	if action != "" {
		args = append(args, action)
		where = append(where, "action = $"+strconv.Itoa(len(args)))
	}
	if resourceType != "" {
		args = append(args, resourceType)
		where = append(where, "resource_type = $"+strconv.Itoa(len(args)))
	}
	if resourceID != "" {
		args = append(args, resourceID)
		where = append(where, "resource_id = $"+strconv.Itoa(len(args)))
	}
	if requestID != "" {
		args = append(args, requestID)
		where = append(where, "request_id = $"+strconv.Itoa(len(args)))
	}
	if workflow != "" {
		args = append(args, workflow)
		where = append(where, "payload->>'workflow' = $"+strconv.Itoa(len(args)))
	}

	args = append(args, limit)
	query := "SELECT " + eventColumns + " FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := api.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	events := make([]auditEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	resp := map[string]any{"events": events}
	if len(events) > 0 {
		resp["next_before_event_id"] = events[len(events)-1].EventID
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *auditAPI) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rawID := strings.TrimSpace(r.PathValue("event_id"))
	eventID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || eventID <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "event_id_required")
		return
	}

	row := api.db.QueryRowContext(
		r.Context(),
		"SELECT "+eventColumns+" FROM audit_events WHERE event_id = $1",
		eventID,
	)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, ev)
}

type exportRequest struct {
	Workflow  string     `json:"workflow"`
	Format    string     `json:"format,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// handleExport streams the audit trail of one workflow, oldest event
// first, so compliance tooling can ingest it incrementally. The request
// may name a format; otherwise the configured default applies.
func (api *auditAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	if api.db == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "export_unavailable")
		return
	}
	if err := api.exportCfg.Validate(); err != nil {
		api.writeError(w, r, http.StatusNotImplemented, "export_not_configured")
		return
	}

	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	workflow := strings.TrimSpace(req.Workflow)
	if workflow == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_required")
		return
	}
	if req.StartTime != nil && req.EndTime != nil && req.EndTime.Before(*req.StartTime) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_time_range")
		return
	}

	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = api.exportCfg.DefaultFormat()
	}
	exporter, err := auditexport.New(format, w)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unsupported_format")
		return
	}

	query, args := buildExportQuery(workflow, req.StartTime, req.EndTime)
	rows, err := api.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	w.Header().Set("Content-Type", exporter.ContentType())
	w.WriteHeader(http.StatusOK)

	for rows.Next() {
		stored, err := scanStoredEvent(rows)
		if err != nil {
			return
		}
		if err := exporter.Export(r.Context(), stored); err != nil {
			return
		}
	}
	_ = exporter.Close()
}

func buildExportQuery(workflow string, startTime *time.Time, endTime *time.Time) (string, []any) {
	clauses := []string{"payload->>'workflow' = $1"}
	args := []any{workflow}

	if startTime != nil {
		args = append(args, startTime.UTC())
		clauses = append(clauses, "occurred_at >= $"+strconv.Itoa(len(args)))
	}
	if endTime != nil {
		args = append(args, endTime.UTC())
		clauses = append(clauses, "occurred_at <= $"+strconv.Itoa(len(args)))
	}

	query := "SELECT " + eventColumns + " FROM audit_events WHERE " + strings.Join(clauses, " AND ")
	query += " ORDER BY event_id ASC"
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (auditEvent, error) {
	var (
		ev         auditEvent
		reqID      sql.NullString
		ip         sql.NullString
		userAgent  sql.NullString
		payloadRaw []byte
	)
	err := row.Scan(
		&ev.EventID,
		&ev.OccurredAt,
		&ev.Actor,
		&ev.Action,
		&ev.ResourceType,
		&ev.ResourceID,
		&reqID,
		&ip,
		&userAgent,
		&payloadRaw,
		&ev.IntegritySHA256,
	)
	if err != nil {
		return auditEvent{}, err
	}
	ev.RequestID = strings.TrimSpace(reqID.String)
	ev.IP = strings.TrimSpace(ip.String)
	ev.UserAgent = strings.TrimSpace(userAgent.String)
	ev.Payload = normalizeJSON(payloadRaw)
	return ev, nil
}

func scanStoredEvent(row rowScanner) (auditlog.StoredEvent, error) {
	var (
		ev         auditlog.StoredEvent
		reqID      sql.NullString
		ip         sql.NullString
		userAgent  sql.NullString
		payloadRaw []byte
	)
	err := row.Scan(
		&ev.EventID,
		&ev.OccurredAt,
		&ev.Actor,
		&ev.Action,
		&ev.ResourceType,
		&ev.ResourceID,
		&reqID,
		&ip,
		&userAgent,
		&payloadRaw,
		&ev.IntegritySHA256,
	)
	if err != nil {
		return auditlog.StoredEvent{}, err
	}
	ev.RequestID = strings.TrimSpace(reqID.String)
	if ip.Valid {
		ev.IP = net.ParseIP(strings.TrimSpace(ip.String))
	}
	ev.UserAgent = strings.TrimSpace(userAgent.String)
	ev.Payload = decodePayload(payloadRaw)
	return ev, nil
}

func decodePayload(raw []byte) map[string]any {
	raw = normalizeJSON(raw)
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload
}

func normalizeJSON(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []byte("{}")
	}
	return []byte(trimmed)
}

func (api *auditAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *auditAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return errors.New("multiple JSON values")
	}
	return nil
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

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
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
