package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/repo"
)

type DeliveryStore struct {
	db DB
}

const insertDeliveryQuery = `INSERT INTO webhook_deliveries (
	delivery_id,
	provider,
	payload_sha256,
	run_id,
	received_at
) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (payload_sha256) DO NOTHING
RETURNING delivery_id`

func NewDeliveryStore(db DB) *DeliveryStore {
	if db == nil {
		return nil
	}
	return &DeliveryStore{db: db}
}

// InsertDelivery records a delivery keyed by its payload hash. A replay
// of the same payload is reported as not inserted and nothing changes.
func (s *DeliveryStore) InsertDelivery(ctx context.Context, delivery repo.WebhookDelivery) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("delivery store not initialized")
	}
	if strings.TrimSpace(delivery.ID) == "" {
		return false, fmt.Errorf("delivery id is required")
	}
	if strings.TrimSpace(delivery.PayloadSHA256) == "" {
		return false, fmt.Errorf("payload sha256 is required")
	}

	var insertedID string
	err := s.db.QueryRowContext(
		ctx,
		insertDeliveryQuery,
		strings.TrimSpace(delivery.ID),
		nullIfEmpty(delivery.Provider),
		strings.TrimSpace(delivery.PayloadSHA256),
		nullIfEmpty(delivery.RunID),
		normalizeTime(delivery.ReceivedAt),
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert delivery: %w", err)
	}
	return true, nil
}
