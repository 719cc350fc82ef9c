package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, operation, status, request_hash, response, updated_at
		FROM inbox
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`, key).Scan(&e.Key, &e.Operation, &e.Status, &e.RequestHash, &e.Response, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED. An existing row is only taken over when
// it expired, is RECOVERABLE, or is a STARTED row untouched since
// staleBefore.
func (s *pgStore) claim(ctx context.Context, key, operation, hash string, expiresAt, staleBefore time.Time) (bool, error) {
	var got string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, operation, status, request_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET operation = EXCLUDED.operation,
		    status = EXCLUDED.status,
		    request_hash = EXCLUDED.request_hash,
		    response = NULL,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
		WHERE inbox.expires_at <= NOW()
		   OR inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < $6)
		RETURNING idempotency_key
	`, key, operation, StatusStarted, hash, expiresAt, staleBefore).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *pgStore) finish(ctx context.Context, key string, status Status, response json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, response = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, response, key)
	return err
}

func (s *pgStore) purgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
