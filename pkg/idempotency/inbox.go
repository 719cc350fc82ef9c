// Package idempotency makes client retries safe. A request carrying an
// Idempotency-Key runs once; a retry with the same key and body replays the
// stored response, and a retry with a different body is refused.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the state of a key.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one remembered key. Only the fingerprint of the request body is
// kept, never the body itself.
type Entry struct {
	Key         string
	Operation   string
	Status      Status
	RequestHash string
	Response    json.RawMessage
	UpdatedAt   time.Time
}

// Config holds inbox configuration.
type Config struct {
	// TTL is how long a key is remembered.
	TTL time.Duration
	// CleanupInterval is how often expired keys are purged.
	CleanupInterval time.Duration
	// StaleAfter is when a STARTED key is treated as abandoned by a crashed
	// request and may be claimed again.
	StaleAfter time.Duration
	// IsTerminal reports handler errors that must never be retried under
	// the same key. Nil uses DefaultIsTerminal.
	IsTerminal func(error) bool
}

func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		StaleAfter:      2 * time.Minute,
	}
}

var (
	// ErrKeyConflict means another request claimed the key first, or the
	// key was used for a different operation.
	ErrKeyConflict = errors.New("idempotency key already used")
	// ErrInProgress means the original request is still running.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrPreviouslyFailed means the original request failed permanently.
	ErrPreviouslyFailed = errors.New("request with this idempotency key failed permanently")
	// ErrPayloadMismatch means the key was sent again with a different body.
	ErrPayloadMismatch = errors.New("idempotency key reused with a different request body")
)

// Outcome describes how Process satisfied a request.
type Outcome struct {
	// Replayed is true when Response was read back from an earlier run.
	Replayed bool
	// Recovered is true when an abandoned or retryable run was taken over.
	Recovered bool
	Response  json.RawMessage
}

// ProcessFunc runs the guarded operation and returns its response body.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// store is the persistence the inbox needs. *pgStore implements it.
type store interface {
	get(ctx context.Context, key string) (*Entry, error)
	claim(ctx context.Context, key, operation, hash string, expiresAt, staleBefore time.Time) (bool, error)
	finish(ctx context.Context, key string, status Status, response json.RawMessage) error
	purgeExpired(ctx context.Context) (int64, error)
}

// Inbox guards operations with idempotency keys.
type Inbox struct {
	store  store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox backed by the inbox table.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	return newInbox(&pgStore{pool: pool}, cfg, logger)
}

func newInbox(s store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = DefaultIsTerminal
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  s,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("idempotency"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// verdict is what to do with a key that was seen before.
type verdict int

const (
	verdictRun verdict = iota
	verdictReplay
	verdictReclaim
)

// decide inspects a previous entry for the key. It never touches storage.
func decide(e *Entry, operation, hash string, now time.Time, staleAfter time.Duration) (verdict, error) {
	if e == nil {
		return verdictRun, nil
	}
	if e.Operation != operation {
		return 0, fmt.Errorf("%w: key was used for %s", ErrKeyConflict, e.Operation)
	}
	if e.RequestHash != hash {
		return 0, ErrPayloadMismatch
	}
	switch e.Status {
	case StatusFinished:
		return verdictReplay, nil
	case StatusFailed:
		return 0, ErrPreviouslyFailed
	case StatusStarted:
		if now.Sub(e.UpdatedAt) <= staleAfter {
			return 0, ErrInProgress
		}
	}
	return verdictReclaim, nil
}

// Process runs fn at most once per key. request is the canonical request
// body; its fingerprint must match on every retry.
func (i *Inbox) Process(ctx context.Context, key, operation string, request []byte, fn ProcessFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "idempotency.process",
		trace.WithAttributes(attribute.String("operation", operation)))
	defer span.End()

	hash := Fingerprint(request)

	prev, err := i.store.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	v, err := decide(prev, operation, hash, i.now(), i.config.StaleAfter)
	if err != nil {
		span.SetAttributes(attribute.String("idempotency.rejected", err.Error()))
		return nil, err
	}
	if v == verdictReplay {
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		return &Outcome{Replayed: true, Response: prev.Response}, nil
	}

	now := i.now()
	claimed, err := i.store.claim(ctx, key, operation, hash, now.Add(i.config.TTL), now.Add(-i.config.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		return nil, ErrKeyConflict
	}

	resp, runErr := fn(ctx)
	if runErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(runErr) {
			status = StatusFailed
		}
		if err := i.store.finish(ctx, key, status, nil); err != nil {
			i.logger.Error("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	if err := i.store.finish(ctx, key, StatusFinished, resp); err != nil {
		// fn succeeded; a retry after this point runs it again.
		i.logger.Error("failed to store idempotent response", zap.String("key", key), zap.Error(err))
	}
	return &Outcome{Recovered: v == verdictReclaim, Response: resp}, nil
}

// GenerateKey scopes a client-supplied key to the caller and the operation
// so two users can never collide on the same value.
func GenerateKey(actorID, operation, clientKey string) string {
	return Fingerprint([]byte(strings.Join([]string{actorID, operation, strings.TrimSpace(clientKey)}, "|")))
}

// Fingerprint is the hex SHA-256 of b.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StartCleanup purges expired keys every CleanupInterval until Stop.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("idempotency cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.purgeExpired(i.ctx)
			if err != nil {
				i.logger.Error("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("expired idempotency keys purged", zap.Int64("deleted", n))
			}
		}
	}
}

// DefaultIsTerminal treats client mistakes as permanent failures.
func DefaultIsTerminal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
