package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores activity entries in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts a new entry.
func (r *Repository) Append(ctx context.Context, e *Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO activity_logs (id, actor_id, action, details, prescription_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		e.ID,
		e.ActorID,
		e.Action,
		e.Details,
		e.PrescriptionID,
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListByPrescription retrieves entries for a prescription in chronological order.
func (r *Repository) ListByPrescription(ctx context.Context, prescriptionID string) ([]*Entry, error) {
	if _, err := uuid.Parse(prescriptionID); err != nil {
		return nil, nil
	}
	query := `
		SELECT id, actor_id, action, details, COALESCE(prescription_id::text, ''), metadata, created_at
		FROM activity_logs
		WHERE prescription_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Details, &e.PrescriptionID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
