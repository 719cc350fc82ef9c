package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/infrastructure/postgres"
)

// EventsTopic is the topic the outbox relay publishes prescription events to.
const EventsTopic = "prescription.events"

// Filter selects prescriptions for listing.
type Filter struct {
	PatientID      string
	Statuses       []Status
	From           *time.Time
	To             *time.Time
	Search         string
	Type           Type
	DeliveryMethod DeliveryMethod
	Page           int
	Limit          int
}

// Offset returns the number of rows to skip.
func (f Filter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Store is the persistence collaborator of the Service. Every write carries
// the domain events to be published with it.
type Store interface {
	Create(ctx context.Context, p *Prescription, events ...*Event) error
	Get(ctx context.Context, id string) (*Prescription, error)
	List(ctx context.Context, f Filter) ([]*Prescription, int, error)
	HasRecentRequest(ctx context.Context, patientID, medicationName string, since time.Time) (bool, error)
	Update(ctx context.Context, p *Prescription, events ...*Event) error
	Delete(ctx context.Context, id string, events ...*Event) error
}

// Repository provides Postgres persistence for prescriptions
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

const selectColumns = `
	id, patient_id, medication_name, dosage, prescription_type, delivery_method, status,
	observations, internal_notes, rejection_reason,
	patient_name, patient_email, patient_phone, patient_national_id, patient_postal_code, patient_address,
	created_at, updated_at, approved_at, ready_at, sent_at, created_by, COALESCE(updated_by, '')
`

// Create inserts a prescription and its events in one transaction.
func (r *Repository) Create(ctx context.Context, p *Prescription, events ...*Event) error {
	address, err := json.Marshal(p.PatientAddress)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	return r.inTx(ctx, events, func(tx pgx.Tx) error {
		query := `
			INSERT INTO prescriptions
			(id, patient_id, medication_name, medication_key, dosage, prescription_type, delivery_method, status,
			 observations, internal_notes, rejection_reason,
			 patient_name, patient_email, patient_phone, patient_national_id, patient_postal_code, patient_address,
			 created_at, updated_at, approved_at, ready_at, sent_at, created_by, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			        $18, $19, $20, $21, $22, $23, NULLIF($24, ''))
		`
		_, err := tx.Exec(ctx, query,
			p.ID, p.PatientID, p.MedicationName, NormalizeMedicationName(p.MedicationName), p.Dosage,
			p.PrescriptionType, p.DeliveryMethod, p.Status,
			p.Observations, p.InternalNotes, p.RejectionReason,
			p.PatientName, p.PatientEmail, p.PatientPhone, p.PatientNationalID, p.PatientPostalCode, address,
			p.CreatedAt, p.UpdatedAt, p.ApprovedAt, p.ReadyAt, p.SentAt, p.CreatedBy, p.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		return nil
	})
}

// Update overwrites the mutable columns of a prescription. Milestone columns
// are only filled when still NULL.
func (r *Repository) Update(ctx context.Context, p *Prescription, events ...*Event) error {
	address, err := json.Marshal(p.PatientAddress)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	return r.inTx(ctx, events, func(tx pgx.Tx) error {
		query := `
			UPDATE prescriptions SET
				medication_name = $2, medication_key = $3, dosage = $4, delivery_method = $5, status = $6,
				observations = $7, internal_notes = $8, rejection_reason = $9,
				patient_name = $10, patient_email = $11, patient_phone = $12,
				patient_national_id = $13, patient_postal_code = $14, patient_address = $15,
				updated_at = $16, updated_by = NULLIF($17, ''),
				approved_at = COALESCE(approved_at, $18),
				ready_at = COALESCE(ready_at, $19),
				sent_at = COALESCE(sent_at, $20)
			WHERE id = $1
		`
		tag, err := tx.Exec(ctx, query,
			p.ID, p.MedicationName, NormalizeMedicationName(p.MedicationName), p.Dosage, p.DeliveryMethod, p.Status,
			p.Observations, p.InternalNotes, p.RejectionReason,
			p.PatientName, p.PatientEmail, p.PatientPhone,
			p.PatientNationalID, p.PatientPostalCode, address,
			p.UpdatedAt, p.UpdatedBy,
			p.ApprovedAt, p.ReadyAt, p.SentAt,
		)
		if err != nil {
			return fmt.Errorf("update prescription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Delete removes a prescription permanently.
func (r *Repository) Delete(ctx context.Context, id string, events ...*Event) error {
	return r.inTx(ctx, events, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete prescription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Get retrieves a prescription by ID
func (r *Repository) Get(ctx context.Context, id string) (*Prescription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + selectColumns + ` FROM prescriptions WHERE id = $1`

	p, err := scanPrescription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// HasRecentRequest reports whether the patient requested the same medication
// at or after since.
func (r *Repository) HasRecentRequest(ctx context.Context, patientID, medicationName string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM prescriptions
			WHERE patient_id = $1 AND medication_key = $2 AND created_at >= $3
		)
	`
	var exists bool
	err := r.pool.QueryRow(ctx, query, patientID, NormalizeMedicationName(medicationName), since).Scan(&exists)
	return exists, err
}

// List returns one page of prescriptions matching f, newest first, plus the
// total number of matches.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Prescription, int, error) {
	where, args := buildWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	query := `SELECT ` + selectColumns + ` FROM prescriptions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func buildWhere(f Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.Type != "" {
		add("prescription_type = $%d", f.Type)
	}
	if f.DeliveryMethod != "" {
		add("delivery_method = $%d", f.DeliveryMethod)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add("(patient_name ILIKE $%[1]d OR medication_name ILIKE $%[1]d)", "%"+escapeLike(s)+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	p := &Prescription{}
	var address []byte
	err := row.Scan(
		&p.ID, &p.PatientID, &p.MedicationName, &p.Dosage, &p.PrescriptionType, &p.DeliveryMethod, &p.Status,
		&p.Observations, &p.InternalNotes, &p.RejectionReason,
		&p.PatientName, &p.PatientEmail, &p.PatientPhone, &p.PatientNationalID, &p.PatientPostalCode, &address,
		&p.CreatedAt, &p.UpdatedAt, &p.ApprovedAt, &p.ReadyAt, &p.SentAt, &p.CreatedBy, &p.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	if p.PatientAddress, err = patient.ParseAddress(address); err != nil {
		return nil, fmt.Errorf("prescription %s: %w", p.ID, err)
	}
	return p, nil
}

// inTx runs fn and writes events to the outbox in the same transaction.
func (r *Repository) inTx(ctx context.Context, events []*Event, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	for _, event := range events {
		payload, err := event.Payload()
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    EventsTopic,
			KafkaKey:      event.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
