package auditexport

import (
	"fmt"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/platform/env"
)

// Config selects the default export format and the delivery mechanism.
// Only HTTP streaming is supported; the destination knob exists so a
// future sink can be added without changing the environment surface.
type Config struct {
	Format      string
	Destination string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Format:      env.String("GANTRY_AUDIT_EXPORT_FORMAT", FormatNDJSON),
		Destination: env.String("GANTRY_AUDIT_EXPORT_DESTINATION", "http"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch normalizeFormat(c.Format) {
	case FormatNDJSON, FormatCSV:
	default:
		return fmt.Errorf("unsupported audit export format: %s", c.Format)
	}
	destination := strings.ToLower(strings.TrimSpace(c.Destination))
	if destination != "" && destination != "http" {
		return fmt.Errorf("unsupported audit export destination: %s", destination)
	}
	return nil
}

// DefaultFormat is the normalized format used when an export request
// does not name one.
func (c Config) DefaultFormat() string {
	return normalizeFormat(c.Format)
}
