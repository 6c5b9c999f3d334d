package auditexport

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
)

var csvHeader = []string{
	"event_id",
	"occurred_at",
	"actor",
	"action",
	"resource_type",
	"resource_id",
	"request_id",
	"ip",
	"user_agent",
	"payload",
	"integrity_sha256",
}

// CSVExporter writes a header row followed by one record per event.
// The payload column holds the raw JSON document.
type CSVExporter struct {
	w           *csv.Writer
	wroteHeader bool
}

func NewCSVExporter(w io.Writer) *CSVExporter {
	return &CSVExporter{w: csv.NewWriter(w)}
}

func (e *CSVExporter) ContentType() string {
	return "text/csv; charset=utf-8"
}

func (e *CSVExporter) Export(ctx context.Context, event auditlog.StoredEvent) error {
	if !e.wroteHeader {
		if err := e.w.Write(csvHeader); err != nil {
			return err
		}
		e.wroteHeader = true
	}
	row := rowFromStored(event)
	return e.w.Write([]string{
		strconv.FormatInt(row.EventID, 10),
		row.OccurredAt,
		row.Actor,
		row.Action,
		row.ResourceType,
		row.ResourceID,
		row.RequestID,
		row.IP,
		row.UserAgent,
		string(row.Payload),
		row.IntegritySHA256,
	})
}

func (e *CSVExporter) Close() error {
	e.w.Flush()
	return e.w.Error()
}
