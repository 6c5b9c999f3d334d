package auditexport

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
)

// exportRow is the flattened wire form shared by every export format.
type exportRow struct {
	EventID         int64           `json:"event_id"`
	OccurredAt      string          `json:"occurred_at"`
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

func rowFromStored(event auditlog.StoredEvent) exportRow {
	payload, _ := json.Marshal(event.Payload)
	ip := ""
	if event.IP != nil {
		ip = event.IP.String()
	}
	return exportRow{
		EventID:         event.EventID,
		OccurredAt:      event.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:           event.Actor,
		Action:          event.Action,
		ResourceType:    event.ResourceType,
		ResourceID:      event.ResourceID,
		RequestID:       event.RequestID,
		IP:              ip,
		UserAgent:       event.UserAgent,
		Payload:         payload,
		IntegritySHA256: event.IntegritySHA256,
	}
}

// NDJSONExporter writes one JSON object per line, unbuffered, so a
// consumer can tail the stream while the query is still running.
type NDJSONExporter struct {
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) ContentType() string {
	return "application/x-ndjson"
}

func (e *NDJSONExporter) Export(ctx context.Context, event auditlog.StoredEvent) error {
	return e.enc.Encode(rowFromStored(event))
}

func (e *NDJSONExporter) Close() error {
	return nil
}
