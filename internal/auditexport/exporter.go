// Package auditexport renders stored audit events into the formats the
// export endpoint can stream: newline-delimited JSON and CSV.
package auditexport

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
)

// Format names accepted by New and Config.
const (
	FormatNDJSON = "ndjson"
	FormatCSV    = "csv"
)

// Exporter renders one event per Export call. Exporters buffer; the
// caller must Close after the last event to flush.
type Exporter interface {
	ContentType() string
	Export(ctx context.Context, event auditlog.StoredEvent) error
	Close() error
}

// New returns the exporter for a format name. A blank format means
// NDJSON.
func New(format string, w io.Writer) (Exporter, error) {
	switch normalizeFormat(format) {
	case FormatNDJSON:
		return NewNDJSONExporter(w), nil
	case FormatCSV:
		return NewCSVExporter(w), nil
	}
	return nil, fmt.Errorf("unsupported audit export format: %s", format)
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return FormatNDJSON
	}
	return format
}
