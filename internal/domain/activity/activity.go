// Package activity implements the append-only audit trail of actions taken
// against prescriptions.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Action tags an activity entry.
type Action string

const (
	ActionCreate             Action = "create"
	ActionUpdate             Action = "update"
	ActionStatusChange       Action = "status_change"
	ActionDelete             Action = "delete"
	ActionNotificationSent   Action = "notification_sent"
	ActionNotificationFailed Action = "notification_failed"
)

// Entry is an immutable audit record.
type Entry struct {
	ID             string            `json:"id"`
	ActorID        string            `json:"actorId"`
	Action         Action            `json:"action"`
	Details        string            `json:"details"`
	PrescriptionID string            `json:"prescriptionId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Store persists entries. Implementations expose no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByPrescription(ctx context.Context, prescriptionID string) ([]*Entry, error)
}

// Recorder appends entries on behalf of business operations. A failed write
// is logged and counted but never returned.
type Recorder struct {
	store    Store
	logger   *zap.Logger
	failures prometheus.Counter
	now      func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithFailureCounter counts swallowed write failures.
func WithFailureCounter(c prometheus.Counter) Option {
	return func(r *Recorder) { r.failures = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an entry. ID and CreatedAt are filled when empty.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	if err := r.store.Append(ctx, &e); err != nil {
		if r.failures != nil {
			r.failures.Inc()
		}
		r.logger.Warn("activity log write failed",
			zap.String("action", string(e.Action)),
			zap.String("prescription_id", e.PrescriptionID),
			zap.String("actor_id", e.ActorID),
			zap.Error(err))
	}
}

// List returns the entries of a prescription, oldest first.
func (r *Recorder) List(ctx context.Context, prescriptionID string) ([]*Entry, error) {
	return r.store.ListByPrescription(ctx, prescriptionID)
}
