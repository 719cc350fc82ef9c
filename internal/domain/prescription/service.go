package prescription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/observability/metrics"
	"github.com/drfirst/go-rxrequest/internal/validation"
)

// DefaultDuplicateWindow is how long a patient must wait before requesting
// the same medication again.
const DefaultDuplicateWindow = 30 * 24 * time.Hour

// PatientDirectory looks up the profile snapshotted onto new prescriptions.
type PatientDirectory interface {
	FindByID(ctx context.Context, id string) (*patient.Patient, error)
}

// NoticeKind distinguishes the notifications the service emits.
type NoticeKind string

const (
	NoticeConfirmation NoticeKind = "confirmation"
	NoticeStatusUpdate NoticeKind = "status_update"
)

// Notice is handed to the Notifier after a successful write. Prescription is
// a copy taken at that moment.
type Notice struct {
	Kind           NoticeKind
	Prescription   Prescription
	PreviousStatus Status
	ActorID        string
	CorrelationID  string
}

// Notifier delivers notices without blocking the caller. An error means the
// notice could not be queued; it never reflects delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Service is the prescription entity manager.
type Service struct {
	store           Store
	patients        PatientDirectory
	notifier        Notifier
	activity        *activity.Recorder
	validate        *validator.Validate
	metrics         *metrics.Metrics
	logger          *zap.Logger
	tracer          trace.Tracer
	now             func() time.Time
	duplicateWindow time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records service metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDuplicateWindow overrides DefaultDuplicateWindow.
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.duplicateWindow = d
		}
	}
}

// NewService creates a new service
func NewService(store Store, patients PatientDirectory, notifier Notifier, recorder *activity.Recorder, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:           store,
		patients:        patients,
		notifier:        notifier,
		activity:        recorder,
		validate:        validation.New(),
		logger:          logger,
		tracer:          otel.Tracer("prescription-service"),
		now:             func() time.Time { return time.Now().UTC() },
		duplicateWindow: DefaultDuplicateWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a patient's prescription request.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.create")
	defer span.End()
	defer s.metrics.ObserveDuration("create", time.Now())

	if actor.Role != patient.RolePatient {
		return nil, forbidden("only patients can request prescriptions; staff use the manage operation")
	}
	in.MedicationName = strings.TrimSpace(in.MedicationName)
	in.Dosage = strings.TrimSpace(in.Dosage)
	in.Observations = strings.TrimSpace(in.Observations)
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(CodeValidation, "invalid prescription request", validation.Messages(err)...)
	}

	pat, err := s.lookupPatient(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &Prescription{
		ID:                uuid.New().String(),
		PatientID:         pat.ID,
		MedicationName:    in.MedicationName,
		Dosage:            in.Dosage,
		PrescriptionType:  in.PrescriptionType,
		DeliveryMethod:    in.DeliveryMethod,
		Status:            StatusRequested,
		Observations:      in.Observations,
		PatientName:       pat.Name,
		PatientEmail:      firstNonEmpty(in.PatientEmail, pat.Email),
		PatientPhone:      firstNonEmpty(in.PatientPhone, pat.Phone),
		PatientNationalID: firstNonEmpty(in.PatientNationalID, pat.NationalID),
		PatientPostalCode: firstNonEmpty(in.PatientPostalCode, pat.Address.PostalCode),
		PatientAddress:    pat.Address,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         actor.ID,
	}
	if in.PatientAddress != nil {
		p.PatientAddress = *in.PatientAddress
		p.PatientPostalCode = firstNonEmpty(in.PatientPostalCode, in.PatientAddress.PostalCode, pat.Address.PostalCode)
	}

	if issues := p.ContactIssues(); len(issues) > 0 {
		return nil, validationError(CodeDeliveryContact, "email delivery requires valid contact details", issues...)
	}

	since := now.Add(-s.duplicateWindow)
	dup, err := s.store.HasRecentRequest(ctx, p.PatientID, p.MedicationName, since)
	if err != nil {
		span.RecordError(err)
		return nil, internal("failed to check previous requests", err)
	}
	if dup {
		s.metrics.Duplicate()
		return nil, validationError(CodeDuplicateRequest,
			fmt.Sprintf("%s was already requested in the last %d days", p.MedicationName, int(s.duplicateWindow.Hours()/24)))
	}

	event, err := NewEvent(p.ID, EventPrescriptionCreated, &CreatedData{
		PrescriptionID:   p.ID,
		PatientID:        p.PatientID,
		MedicationName:   p.MedicationName,
		PrescriptionType: p.PrescriptionType,
		DeliveryMethod:   p.DeliveryMethod,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt,
	})
	if err != nil {
		return nil, internal("failed to build event", err)
	}
	event.WithActor(actor.ID, correlationID(ctx))

	if err := s.store.Create(ctx, p, event); err != nil {
		span.RecordError(err)
		s.logger.Error("create prescription failed", zap.String("patient_id", p.PatientID), zap.Error(err))
		return nil, internal("failed to save prescription", err)
	}

	span.SetAttributes(attribute.String("prescription_id", p.ID))
	s.metrics.Created()
	s.logger.Info("prescription requested",
		zap.String("id", p.ID),
		zap.String("patient_id", p.PatientID),
		zap.String("type", string(p.PrescriptionType)),
		zap.String("delivery", string(p.DeliveryMethod)))

	s.record(ctx, activity.Entry{
		ActorID:        actor.ID,
		Action:         activity.ActionCreate,
		Details:        fmt.Sprintf("prescription requested: %s %s", p.MedicationName, p.Dosage),
		PrescriptionID: p.ID,
		Metadata: map[string]string{
			"prescriptionType": string(p.PrescriptionType),
			"deliveryMethod":   string(p.DeliveryMethod),
			"origin":           "patient",
		},
	})
	s.notify(ctx, Notice{
		Kind:          NoticeConfirmation,
		Prescription:  *p,
		ActorID:       actor.ID,
		CorrelationID: correlationID(ctx),
	})

	return p.ForPatient(), nil
}

// List returns a page of prescriptions visible to actor, newest first.
func (s *Service) List(ctx context.Context, actor Actor, q ListQuery) (*ListResult, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.list")
	defer span.End()
	defer s.metrics.ObserveDuration("list", time.Now())

	f := Filter{
		From:   q.From,
		To:     q.To,
		Search: strings.TrimSpace(q.Search),
		Page:   q.Page,
		Limit:  q.Limit,
	}
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}

	if q.Status != "" {
		statuses, ok := ResolveStatusFilter(q.Status)
		if !ok {
			return nil, validationError(CodeInvalidStatus, fmt.Sprintf("unknown status filter %q", q.Status))
		}
		f.Statuses = statuses
	}
	if q.PrescriptionType != "" {
		f.Type = Type(q.PrescriptionType)
		if !f.Type.Valid() {
			return nil, validationError(CodeValidation, fmt.Sprintf("unknown prescriptionType %q", q.PrescriptionType))
		}
	}
	if q.DeliveryMethod != "" {
		f.DeliveryMethod = DeliveryMethod(q.DeliveryMethod)
		if !f.DeliveryMethod.Valid() {
			return nil, validationError(CodeValidation, fmt.Sprintf("unknown deliveryMethod %q", q.DeliveryMethod))
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, validationError(CodeValidation, "to must not be before from")
	}

	switch {
	case actor.Role == patient.RolePatient:
		f.PatientID = actor.ID
	case actor.IsStaff():
		f.PatientID = strings.TrimSpace(q.PatientID)
	default:
		return nil, forbidden("unknown role")
	}

	items, total, err := s.store.List(ctx, f)
	if err != nil {
		span.RecordError(err)
		return nil, internal("failed to list prescriptions", err)
	}

	if !actor.IsStaff() {
		for i, p := range items {
			items[i] = p.ForPatient()
		}
	}

	pages := 0
	if total > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	return &ListResult{Items: items, Total: total, Page: f.Page, Limit: f.Limit, Pages: pages}, nil
}

// Get returns one prescription. Patients may only read their own.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.get", trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsStaff() {
		if p.PatientID != actor.ID {
			return nil, forbidden("prescription belongs to another patient")
		}
		return p.ForPatient(), nil
	}
	return p, nil
}

// UpdateStatus moves a prescription to a new status on behalf of staff.
// Any status may follow any other; out-of-order jumps are logged only.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, id string, in StatusUpdate) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.update_status", trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()
	defer s.metrics.ObserveDuration("update_status", time.Now())

	if !actor.IsStaff() {
		return nil, forbidden("only staff can change prescription status")
	}
	next, ok := ParseStatus(in.Status)
	if !ok {
		return nil, validationError(CodeInvalidStatus, fmt.Sprintf("unknown status %q", in.Status))
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(CodeValidation, "invalid status update", validation.Messages(err)...)
	}

	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	prev := p.ApplyStatus(next, now)
	if r := strings.TrimSpace(in.RejectionReason); r != "" {
		p.RejectionReason = r
	}
	if n := strings.TrimSpace(in.InternalNotes); n != "" {
		p.InternalNotes = n
	}
	if o := strings.TrimSpace(in.Observations); o != "" {
		p.Observations = o
	}
	p.Touch(actor.ID, now)

	if !IsAdvisoryForward(prev, next) {
		s.logger.Warn("out-of-order status transition",
			zap.String("id", p.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.String("actor_id", actor.ID))
	}
	if next == StatusRejected && p.RejectionReason == "" {
		s.logger.Warn("prescription rejected without a reason", zap.String("id", p.ID))
	}

	event, err := s.statusEvent(ctx, p, prev, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p, event); err != nil {
		return nil, s.writeError(span, p.ID, err)
	}

	s.afterStatusChange(ctx, actor, p, prev)
	return p, nil
}

// ManageAsStaff creates (id == "") or edits a prescription on a patient's
// behalf. Duplicate-request suppression does not apply; the email delivery
// contact rule does. Staff-created prescriptions default to approved.
func (s *Service) ManageAsStaff(ctx context.Context, actor Actor, in ManageInput, id string) (*Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "prescription.manage")
	defer span.End()
	defer s.metrics.ObserveDuration("manage", time.Now())

	if !actor.IsStaff() {
		return nil, forbidden("only staff can manage prescriptions")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(CodeValidation, "invalid prescription", validation.Messages(err)...)
	}

	var next *Status
	if in.Status != nil {
		st, ok := ParseStatus(*in.Status)
		if !ok {
			return nil, validationError(CodeInvalidStatus, fmt.Sprintf("unknown status %q", *in.Status))
		}
		next = &st
	}

	if id == "" {
		return s.staffCreate(ctx, actor, in, next)
	}
	return s.staffUpdate(ctx, actor, in, next, id)
}

func (s *Service) staffCreate(ctx context.Context, actor Actor, in ManageInput, status *Status) (*Prescription, error) {
	var missing []string
	for name, v := range map[string]string{
		"patientId":      str(in.PatientID),
		"medicationName": str(in.MedicationName),
		"dosage":         str(in.Dosage),
	} {
		if v == "" {
			missing = append(missing, name+": required")
		}
	}
	if in.PrescriptionType == nil {
		missing = append(missing, "prescriptionType: required")
	}
	if in.DeliveryMethod == nil {
		missing = append(missing, "deliveryMethod: required")
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, validationError(CodeValidation, "invalid prescription", missing...)
	}

	pat, err := s.lookupPatient(ctx, str(in.PatientID))
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &Prescription{
		ID:                uuid.New().String(),
		PatientID:         pat.ID,
		MedicationName:    str(in.MedicationName),
		Dosage:            str(in.Dosage),
		PrescriptionType:  *in.PrescriptionType,
		DeliveryMethod:    *in.DeliveryMethod,
		Observations:      str(in.Observations),
		InternalNotes:     str(in.InternalNotes),
		RejectionReason:   str(in.RejectionReason),
		PatientName:       firstNonEmpty(str(in.PatientName), pat.Name),
		PatientEmail:      firstNonEmpty(str(in.PatientEmail), pat.Email),
		PatientPhone:      firstNonEmpty(str(in.PatientPhone), pat.Phone),
		PatientNationalID: firstNonEmpty(str(in.PatientNationalID), pat.NationalID),
		PatientPostalCode: firstNonEmpty(str(in.PatientPostalCode), pat.Address.PostalCode),
		PatientAddress:    pat.Address,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         actor.ID,
	}
	if in.PatientAddress != nil {
		p.PatientAddress = *in.PatientAddress
	}
	initial := StatusApproved
	if status != nil {
		initial = *status
	}
	p.ApplyStatus(initial, now)

	if issues := p.ContactIssues(); len(issues) > 0 {
		return nil, validationError(CodeDeliveryContact, "email delivery requires valid contact details", issues...)
	}

	event, err := NewEvent(p.ID, EventPrescriptionCreated, &CreatedData{
		PrescriptionID:   p.ID,
		PatientID:        p.PatientID,
		MedicationName:   p.MedicationName,
		PrescriptionType: p.PrescriptionType,
		DeliveryMethod:   p.DeliveryMethod,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt,
	})
	if err != nil {
		return nil, internal("failed to build event", err)
	}
	event.WithActor(actor.ID, correlationID(ctx))

	if err := s.store.Create(ctx, p, event); err != nil {
		s.logger.Error("staff create failed", zap.String("patient_id", p.PatientID), zap.Error(err))
		return nil, internal("failed to save prescription", err)
	}

	s.metrics.Created()
	s.metrics.StatusChanged(string(p.Status))
	s.record(ctx, activity.Entry{
		ActorID:        actor.ID,
		Action:         activity.ActionCreate,
		Details:        fmt.Sprintf("prescription entered by staff: %s %s", p.MedicationName, p.Dosage),
		PrescriptionID: p.ID,
		Metadata: map[string]string{
			"prescriptionType": string(p.PrescriptionType),
			"deliveryMethod":   string(p.DeliveryMethod),
			"status":           string(p.Status),
			"origin":           "staff",
		},
	})
	s.notify(ctx, Notice{Kind: NoticeStatusUpdate, Prescription: *p, ActorID: actor.ID, CorrelationID: correlationID(ctx)})

	return p, nil
}

func (s *Service) staffUpdate(ctx context.Context, actor Actor, in ManageInput, status *Status, id string) (*Prescription, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if (in.MedicationName != nil && str(in.MedicationName) == "") || (in.Dosage != nil && str(in.Dosage) == "") {
		return nil, validationError(CodeValidation, "invalid prescription", "medicationName and dosage cannot be empty")
	}
	if in.PatientID != nil && str(in.PatientID) != p.PatientID {
		return nil, validationError(CodeValidation, "patientId cannot change after creation")
	}
	if in.PrescriptionType != nil && *in.PrescriptionType != p.PrescriptionType {
		return nil, validationError(CodeValidation, "prescriptionType cannot change after creation")
	}

	var changed []string
	set := func(field string, dst *string, src *string) {
		if src == nil {
			return
		}
		if v := strings.TrimSpace(*src); v != *dst {
			*dst = v
			changed = append(changed, field)
		}
	}
	set("medicationName", &p.MedicationName, in.MedicationName)
	set("dosage", &p.Dosage, in.Dosage)
	set("observations", &p.Observations, in.Observations)
	set("internalNotes", &p.InternalNotes, in.InternalNotes)
	set("rejectionReason", &p.RejectionReason, in.RejectionReason)
	set("patientName", &p.PatientName, in.PatientName)
	set("patientEmail", &p.PatientEmail, in.PatientEmail)
	set("patientPhone", &p.PatientPhone, in.PatientPhone)
	set("patientNationalId", &p.PatientNationalID, in.PatientNationalID)
	set("patientPostalCode", &p.PatientPostalCode, in.PatientPostalCode)
	if in.DeliveryMethod != nil && *in.DeliveryMethod != p.DeliveryMethod {
		p.DeliveryMethod = *in.DeliveryMethod
		changed = append(changed, "deliveryMethod")
	}
	if in.PatientAddress != nil && *in.PatientAddress != p.PatientAddress {
		p.PatientAddress = *in.PatientAddress
		changed = append(changed, "patientAddress")
	}
	if issues := p.ContactIssues(); len(issues) > 0 {
		return nil, validationError(CodeDeliveryContact, "email delivery requires valid contact details", issues...)
	}

	now := s.now()
	prev := p.Status
	statusChanged := status != nil && *status != prev
	if statusChanged {
		p.ApplyStatus(*status, now)
	}
	if len(changed) == 0 && !statusChanged {
		return p, nil
	}
	p.Touch(actor.ID, now)

	var events []*Event
	if len(changed) > 0 {
		event, err := NewEvent(p.ID, EventPrescriptionUpdated, &UpdatedData{
			PrescriptionID: p.ID,
			Fields:         changed,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, internal("failed to build event", err)
		}
		events = append(events, event.WithActor(actor.ID, correlationID(ctx)))
	}
	if statusChanged {
		event, err := s.statusEvent(ctx, p, prev, actor)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := s.store.Update(ctx, p, events...); err != nil {
		return nil, s.writeError(trace.SpanFromContext(ctx), p.ID, err)
	}

	if len(changed) > 0 {
		s.record(ctx, activity.Entry{
			ActorID:        actor.ID,
			Action:         activity.ActionUpdate,
			Details:        "prescription edited by staff: " + strings.Join(changed, ", "),
			PrescriptionID: p.ID,
			Metadata:       map[string]string{"fields": strings.Join(changed, ",")},
		})
	}
	if statusChanged {
		s.afterStatusChange(ctx, actor, p, prev)
	}
	return p, nil
}

// Delete permanently removes a prescription. Admin only.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	ctx, span := s.tracer.Start(ctx, "prescription.delete", trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	if !actor.IsAdmin() {
		return forbidden("only admins can delete prescriptions")
	}

	p, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	s.record(ctx, activity.Entry{
		ActorID:        actor.ID,
		Action:         activity.ActionDelete,
		Details:        fmt.Sprintf("prescription deleted: %s for %s", p.MedicationName, p.PatientName),
		PrescriptionID: p.ID,
		Metadata:       map[string]string{"status": string(p.Status), "patientId": p.PatientID},
	})

	event, err := NewEvent(p.ID, EventPrescriptionDeleted, &DeletedData{
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		DeletedAt:      s.now(),
	})
	if err != nil {
		return internal("failed to build event", err)
	}
	event.WithActor(actor.ID, correlationID(ctx))

	if err := s.store.Delete(ctx, p.ID, event); err != nil {
		return s.writeError(span, p.ID, err)
	}

	s.metrics.Deleted()
	s.logger.Info("prescription deleted", zap.String("id", p.ID), zap.String("actor_id", actor.ID))
	return nil
}

// Activity returns the audit trail of a prescription, oldest first.
func (s *Service) Activity(ctx context.Context, actor Actor, id string) ([]*activity.Entry, error) {
	if !actor.IsStaff() {
		return nil, forbidden("only staff can read the activity log")
	}
	if s.activity == nil {
		return nil, nil
	}
	entries, err := s.activity.List(ctx, id)
	if err != nil {
		return nil, internal("failed to read activity log", err)
	}
	return entries, nil
}

func (s *Service) load(ctx context.Context, id string) (*Prescription, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, internal("failed to load prescription", err)
	}
	return p, nil
}

func (s *Service) lookupPatient(ctx context.Context, id string) (*patient.Patient, error) {
	pat, err := s.patients.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Code: CodePatientNotFound, Message: fmt.Sprintf("patient %s not found", id)}
		}
		return nil, internal("failed to load patient", err)
	}
	return pat, nil
}

func (s *Service) statusEvent(ctx context.Context, p *Prescription, prev Status, actor Actor) (*Event, error) {
	event, err := NewEvent(p.ID, EventPrescriptionStatusChanged, &StatusChangedData{
		PrescriptionID:  p.ID,
		PatientID:       p.PatientID,
		From:            prev,
		To:              p.Status,
		RejectionReason: p.RejectionReason,
		ChangedAt:       p.UpdatedAt,
	})
	if err != nil {
		return nil, internal("failed to build event", err)
	}
	return event.WithActor(actor.ID, correlationID(ctx)), nil
}

func (s *Service) afterStatusChange(ctx context.Context, actor Actor, p *Prescription, prev Status) {
	s.metrics.StatusChanged(string(p.Status))
	s.logger.Info("prescription status changed",
		zap.String("id", p.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(p.Status)),
		zap.String("actor_id", actor.ID))

	meta := map[string]string{"from": string(prev), "to": string(p.Status)}
	if p.Status == StatusRejected {
		meta["rejectionReason"] = p.RejectionReason
	}
	s.record(ctx, activity.Entry{
		ActorID:        actor.ID,
		Action:         activity.ActionStatusChange,
		Details:        fmt.Sprintf("status changed from %s to %s", prev, p.Status),
		PrescriptionID: p.ID,
		Metadata:       meta,
	})

	if prev != p.Status {
		s.notify(ctx, Notice{
			Kind:           NoticeStatusUpdate,
			Prescription:   *p,
			PreviousStatus: prev,
			ActorID:        actor.ID,
			CorrelationID:  correlationID(ctx),
		})
	}
}

func (s *Service) writeError(span trace.Span, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return notFound(id)
	}
	span.RecordError(err)
	s.logger.Error("prescription write failed", zap.String("id", id), zap.Error(err))
	return internal("failed to save prescription", err)
}

func (s *Service) record(ctx context.Context, e activity.Entry) {
	if s.activity == nil {
		return
	}
	s.activity.Record(ctx, e)
}

func (s *Service) notify(ctx context.Context, n Notice) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.metrics.NotificationDropped()
		s.logger.Warn("notification not queued",
			zap.String("id", n.Prescription.ID),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
}

type correlationKey struct{}

// WithCorrelationID attaches the request id propagated into domain events.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
