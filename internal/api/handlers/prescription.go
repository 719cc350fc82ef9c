// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/api/middleware"
	"github.com/drfirst/go-rxrequest/internal/api/response"
	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
	"github.com/drfirst/go-rxrequest/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// PrescriptionService is the workflow behind the prescription routes.
type PrescriptionService interface {
	Create(ctx context.Context, actor prescription.Actor, in prescription.CreateInput) (*prescription.Prescription, error)
	List(ctx context.Context, actor prescription.Actor, q prescription.ListQuery) (*prescription.ListResult, error)
	Get(ctx context.Context, actor prescription.Actor, id string) (*prescription.Prescription, error)
	UpdateStatus(ctx context.Context, actor prescription.Actor, id string, in prescription.StatusUpdate) (*prescription.Prescription, error)
	ManageAsStaff(ctx context.Context, actor prescription.Actor, in prescription.ManageInput, id string) (*prescription.Prescription, error)
	Delete(ctx context.Context, actor prescription.Actor, id string) error
	Activity(ctx context.Context, actor prescription.Actor, id string) ([]*activity.Entry, error)
}

// Idempotency runs a handler at most once per key.
type Idempotency interface {
	Process(ctx context.Context, key, operation string, request []byte, fn idempotency.ProcessFunc) (*idempotency.Outcome, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    PrescriptionService
	idem   Idempotency
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler. idem may be nil, in which
// case Idempotency-Key headers are ignored.
func NewPrescriptionHandler(svc PrescriptionService, idem Idempotency, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, idem: idem, logger: logger}
}

// Routes returns the handler routes. Authentication must run before them.
func (h *PrescriptionHandler) Routes() chi.Router {
	staff := middleware.RequireRole(patient.RoleStaff, patient.RoleAdmin)

	r := chi.NewRouter()
	r.With(middleware.RequireRole(patient.RolePatient)).Post("/", h.Create)
	r.With(middleware.RequireRole(patient.RolePatient)).Get("/me", h.ListMine)
	r.With(staff).Get("/", h.List)

	r.Route("/admin", func(r chi.Router) {
		r.Use(staff)
		r.Post("/", h.ManageCreate)
		r.Put("/{id}", h.ManageUpdate)
		r.With(middleware.RequireRole(patient.RoleAdmin)).Delete("/{id}", h.Delete)
	})

	r.Get("/{id}", h.Get)
	r.With(staff).Get("/{id}/activity", h.Activity)
	r.With(staff).Patch("/{id}/status", h.UpdateStatus)
	return r
}

const createOperation = "prescription.create"

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _ := middleware.GetActor(ctx)

	var in prescription.CreateInput
	if !decode(w, r, &in) {
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || h.idem == nil {
		p, err := h.svc.Create(ctx, actor, in)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		response.OK(w, http.StatusCreated, p, "prescription request created")
		return
	}

	if len(key) > 255 {
		response.Fail(w, http.StatusBadRequest, response.CodeBadRequest, "Idempotency-Key is too long")
		return
	}

	// The decoded input is re-encoded so formatting differences between
	// retries do not change the fingerprint.
	canonical, err := json.Marshal(in)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.idem.Process(ctx, idempotency.GenerateKey(actor.ID, createOperation, key), createOperation, canonical,
		func(ctx context.Context) (json.RawMessage, error) {
			p, err := h.svc.Create(ctx, actor, in)
			if err != nil {
				// Client errors are final and replayed as is; only
				// internal failures leave the key open for a retry.
				if prescription.KindOf(err) == prescription.KindInternal {
					return nil, err
				}
				return storeResponse(response.ErrorEnvelope(err))
			}
			return storeResponse(http.StatusCreated, response.Envelope{
				Success: true,
				Data:    p,
				Message: "prescription request created",
			})
		})
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrInProgress):
		response.Fail(w, http.StatusConflict, response.CodeConflict, "a request with this Idempotency-Key is still in progress")
		return
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		response.Fail(w, http.StatusUnprocessableEntity, response.CodeKeyReused, "this Idempotency-Key was used with a different request body")
		return
	case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrKeyConflict):
		response.Fail(w, http.StatusConflict, response.CodeConflict, "this Idempotency-Key was already used")
		return
	default:
		h.fail(w, r, err)
		return
	}

	var stored storedResponse
	if err := json.Unmarshal(res.Response, &stored); err != nil || stored.Status == 0 {
		h.fail(w, r, fmt.Errorf("decode stored response: %w", err))
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	if stored.Status >= http.StatusBadRequest {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("idempotency.stored_status", stored.Status))
	}
	response.Raw(w, stored.Status, stored.Body)
}

// storedResponse is what an idempotency key remembers: the status and the
// encoded envelope of the first answer.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func storeResponse(status int, env response.Envelope) (json.RawMessage, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedResponse{Status: status, Body: body})
}

// ListMine handles GET /prescriptions/me
func (h *PrescriptionHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	h.list(w, r)
}

// List handles GET /prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r)
}

func (h *PrescriptionHandler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	q, err := parseListQuery(r)
	if err != nil {
		response.Fail(w, http.StatusBadRequest, prescription.CodeValidation, err.Error())
		return
	}

	res, err := h.svc.List(r.Context(), actor, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	items := res.Items
	if items == nil {
		items = []*prescription.Prescription{}
	}
	response.List(w, items, len(items), res.Total, res.Page, res.Pages)
}

func parseListQuery(r *http.Request) (prescription.ListQuery, error) {
	v := r.URL.Query()
	q := prescription.ListQuery{
		Status:           v.Get("status"),
		Search:           v.Get("search"),
		PrescriptionType: v.Get("prescriptionType"),
		DeliveryMethod:   v.Get("deliveryMethod"),
		PatientID:        v.Get("patientId"),
	}

	var err error
	if q.Page, err = intParam(v.Get("page")); err != nil {
		return q, fmt.Errorf("page: %w", err)
	}
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		return q, fmt.Errorf("limit: %w", err)
	}
	if q.From, err = dateParam(v.Get("from"), false); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.To, err = dateParam(v.Get("to"), true); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	return q, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	return n, nil
}

// dateParam accepts RFC 3339 timestamps or calendar dates. A calendar date
// used as an upper bound covers the whole day.
func dateParam(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New("must be YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	p, err := h.svc.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, p, "")
}

// Activity handles GET /prescriptions/{id}/activity
func (h *PrescriptionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	entries, err := h.svc.Activity(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*activity.Entry{}
	}
	response.List(w, entries, len(entries), len(entries), 1, 1)
}

// UpdateStatus handles PATCH /prescriptions/{id}/status
func (h *PrescriptionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var in prescription.StatusUpdate
	if !decode(w, r, &in) {
		return
	}

	p, err := h.svc.UpdateStatus(r.Context(), actor, chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, p, "status updated")
}

// ManageCreate handles POST /prescriptions/admin
func (h *PrescriptionHandler) ManageCreate(w http.ResponseWriter, r *http.Request) {
	h.manage(w, r, "")
}

// ManageUpdate handles PUT /prescriptions/admin/{id}
func (h *PrescriptionHandler) ManageUpdate(w http.ResponseWriter, r *http.Request) {
	h.manage(w, r, chi.URLParam(r, "id"))
}

func (h *PrescriptionHandler) manage(w http.ResponseWriter, r *http.Request, id string) {
	actor, _ := middleware.GetActor(r.Context())

	var in prescription.ManageInput
	if !decode(w, r, &in) {
		return
	}

	p, err := h.svc.ManageAsStaff(r.Context(), actor, in, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if id == "" {
		response.OK(w, http.StatusCreated, p, "prescription created")
		return
	}
	response.OK(w, http.StatusOK, p, "prescription updated")
}

// Delete handles DELETE /prescriptions/admin/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	if err := h.svc.Delete(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, http.StatusOK, nil, "prescription deleted")
}

func (h *PrescriptionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if prescription.KindOf(err) == prescription.KindInternal {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		trace.SpanFromContext(r.Context()).RecordError(err)
	} else {
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("error.code", errorCode(err)))
	}
	response.Error(w, err)
}

func errorCode(err error) string {
	var e *prescription.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return prescription.CodeInternal
}

// decode reads a JSON body into dst. It writes a 400 and returns false on
// malformed input.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "invalid request body"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "request body is required"
		case errors.As(err, &maxErr):
			msg = "request body is too large"
		case errors.Is(err, patient.ErrAmbiguousAddress):
			msg = "patientAddress must be a JSON object"
		}
		response.Fail(w, http.StatusBadRequest, prescription.CodeValidation, msg)
		return false
	}
	return true
}
