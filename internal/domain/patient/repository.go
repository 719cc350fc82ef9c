package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository reads user profiles from Postgres.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// FindByID returns the profile of a user, or ErrNotFound.
func (r *Repository) FindByID(ctx context.Context, id string) (*Patient, error) {
	query := `
		SELECT id, name, email, COALESCE(phone, ''), COALESCE(national_id, ''), address, role
		FROM users
		WHERE id = $1
	`

	var (
		p    Patient
		raw  []byte
		role string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Email, &p.Phone, &p.NationalID, &raw, &role,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	p.Role = Role(role)

	addr, err := ParseAddress(json.RawMessage(raw))
	if err != nil {
		// A malformed stored address degrades to "no address" so the
		// delivery-method check reports it instead of failing the lookup.
		r.logger.Warn("ignoring malformed stored address",
			zap.String("user_id", id),
			zap.Error(err))
		addr = Address{}
	}
	p.Address = addr

	return &p, nil
}
