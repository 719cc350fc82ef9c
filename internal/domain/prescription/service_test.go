package prescription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription/prescriptiontest"
)

var (
	maria = &patient.Patient{
		ID:         "pat-maria",
		Name:       "Maria Souza",
		Email:      "maria@example.com",
		Phone:      "+55 11 98888-7777",
		NationalID: "529.982.247-25",
		Role:       patient.RolePatient,
		Address: patient.Address{
			Street:       "Av. Paulista",
			Number:       "1000",
			Neighborhood: "Bela Vista",
			City:         "São Paulo",
			State:        "SP",
			PostalCode:   "01310-100",
		},
	}
	joao = &patient.Patient{
		ID:   "pat-joao",
		Name: "João Lima",
		Role: patient.RolePatient,
	}

	asMaria = prescription.Actor{ID: maria.ID, Role: patient.RolePatient}
	asJoao  = prescription.Actor{ID: joao.ID, Role: patient.RolePatient}
	asStaff = prescription.Actor{ID: "staff-1", Role: patient.RoleStaff}
	asAdmin = prescription.Actor{ID: "admin-1", Role: patient.RoleAdmin}
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	svc      *prescription.Service
	store    *prescriptiontest.Store
	activity *prescriptiontest.ActivityStore
	notifier *prescriptiontest.Notifier
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    prescriptiontest.NewStore(),
		activity: &prescriptiontest.ActivityStore{},
		notifier: &prescriptiontest.Notifier{},
		clock:    &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	recorder := activity.NewRecorder(h.activity, zap.NewNop(), activity.WithClock(h.clock.now))
	h.svc = prescription.NewService(
		h.store,
		prescriptiontest.NewPatients(maria, joao),
		h.notifier,
		recorder,
		zap.NewNop(),
		prescription.WithClock(h.clock.now),
	)
	return h
}

func emailRequest(med string) prescription.CreateInput {
	return prescription.CreateInput{
		MedicationName:   med,
		Dosage:           "2mg",
		PrescriptionType: prescription.TypeAzul,
		DeliveryMethod:   prescription.DeliveryEmail,
	}
}

func pickupRequest(med string) prescription.CreateInput {
	in := emailRequest(med)
	in.DeliveryMethod = prescription.DeliveryClinicPickup
	return in
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var e *prescription.Error
	require.True(t, errors.As(err, &e), "expected *prescription.Error, got %v", err)
	return e.Code
}

func TestCreate_SnapshotsPatientAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := prescription.WithCorrelationID(context.Background(), "req-42")

	p, err := h.svc.Create(ctx, asMaria, emailRequest("Rivotril"))
	require.NoError(t, err)

	assert.Equal(t, prescription.StatusRequested, p.Status)
	assert.Equal(t, maria.ID, p.PatientID)
	assert.Equal(t, maria.Name, p.PatientName)
	assert.Equal(t, maria.Email, p.PatientEmail)
	assert.Equal(t, maria.NationalID, p.PatientNationalID)
	assert.Equal(t, "01310-100", p.PatientPostalCode)
	assert.Equal(t, maria.Address, p.PatientAddress)
	assert.Equal(t, h.clock.t, p.CreatedAt)
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)
	assert.Nil(t, p.ApprovedAt)
	assert.Equal(t, 1, h.store.Len())

	assert.Equal(t, []activity.Action{activity.ActionCreate}, h.activity.Actions(p.ID))

	notices := h.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, prescription.NoticeConfirmation, notices[0].Kind)
	assert.Equal(t, p.ID, notices[0].Prescription.ID)
	assert.Equal(t, "req-42", notices[0].CorrelationID)

	events := h.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, prescription.EventPrescriptionCreated, events[0].EventType)
	assert.Equal(t, asMaria.ID, events[0].ActorID)
}

func TestCreate_OverridesProfileContact(t *testing.T) {
	h := newHarness(t)

	in := emailRequest("Losartana")
	in.PatientEmail = "maria.work@example.com"
	in.PatientAddress = &patient.Address{Street: "Rua Augusta", Number: "12", City: "São Paulo", PostalCode: "01305-000"}

	p, err := h.svc.Create(context.Background(), asMaria, in)
	require.NoError(t, err)
	assert.Equal(t, "maria.work@example.com", p.PatientEmail)
	assert.Equal(t, "Rua Augusta", p.PatientAddress.Street)
	assert.Equal(t, "01305-000", p.PatientPostalCode)
}

func TestCreate_OnlyPatients(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(context.Background(), asStaff, pickupRequest("Rivotril"))
	assert.ErrorIs(t, err, prescription.ErrForbidden)
	assert.Equal(t, 0, h.store.Len())
}

func TestCreate_RejectsMissingFields(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(context.Background(), asMaria, prescription.CreateInput{
		MedicationName: "Rivotril",
		DeliveryMethod: prescription.DeliveryEmail,
	})
	require.ErrorIs(t, err, prescription.ErrValidation)
	assert.Equal(t, prescription.CodeValidation, errCode(t, err))
	assert.Contains(t, err.Error(), "dosage")
	assert.Equal(t, 0, h.store.Len())

	blank := pickupRequest("   ")
	blank.Dosage = "  "
	_, err = h.svc.Create(context.Background(), asMaria, blank)
	require.ErrorIs(t, err, prescription.ErrValidation)
	assert.Equal(t, prescription.CodeValidation, errCode(t, err))
	assert.Contains(t, err.Error(), "medicationName")
	assert.Equal(t, 0, h.store.Len())
}

func TestCreate_UnknownPatient(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(context.Background(), prescription.Actor{ID: "ghost", Role: patient.RolePatient}, pickupRequest("Rivotril"))
	require.ErrorIs(t, err, prescription.ErrMissing)
	assert.Equal(t, prescription.CodePatientNotFound, errCode(t, err))
}

func TestCreate_EmailDeliveryRequiresContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// João has no email, CPF or address on file.
	_, err := h.svc.Create(ctx, asJoao, emailRequest("Rivotril"))
	require.ErrorIs(t, err, prescription.ErrValidation)
	assert.Equal(t, prescription.CodeDeliveryContact, errCode(t, err))
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.notifier.Notices())

	in := emailRequest("Rivotril")
	in.PatientNationalID = "529.982.247-26"
	_, err = h.svc.Create(ctx, asMaria, in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patientNationalId")

	_, err = h.svc.Create(ctx, asJoao, pickupRequest("Rivotril"))
	assert.NoError(t, err, "clinic pickup has no contact requirements")
}

func TestCreate_DuplicateWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, asMaria, pickupRequest("Rivotril"))
	require.NoError(t, err)

	h.clock.advance(29 * 24 * time.Hour)
	_, err = h.svc.Create(ctx, asMaria, pickupRequest("  RIVOTRIL "))
	require.ErrorIs(t, err, prescription.ErrDuplicate)
	assert.Equal(t, 1, h.store.Len())

	_, err = h.svc.Create(ctx, asJoao, pickupRequest("Rivotril"))
	assert.NoError(t, err, "other patients are unaffected")

	_, err = h.svc.Create(ctx, asMaria, pickupRequest("Losartana"))
	assert.NoError(t, err, "other medications are unaffected")

	h.clock.advance(2 * 24 * time.Hour)
	_, err = h.svc.Create(ctx, asMaria, pickupRequest("Rivotril"))
	assert.NoError(t, err, "day 31 is outside the window")
}

func TestCreate_NotifierFailureKeepsPrescription(t *testing.T) {
	h := newHarness(t)
	h.notifier.Fail = true

	p, err := h.svc.Create(context.Background(), asMaria, pickupRequest("Rivotril"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Len())

	stored, err := h.svc.Get(context.Background(), asStaff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusRequested, stored.Status)
}

func TestCreate_ActivityFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.activity.Err = errors.New("disk full")

	_, err := h.svc.Create(context.Background(), asMaria, pickupRequest("Rivotril"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Len())
}

func TestCreate_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	h.store.Err = errors.New("connection reset")

	_, err := h.svc.Create(context.Background(), asMaria, pickupRequest("Rivotril"))
	require.Error(t, err)
	assert.Equal(t, prescription.KindInternal, prescription.KindOf(err))
	assert.Empty(t, h.notifier.Notices())
}

func seed(t *testing.T, h *harness) (mariaIDs []string, joaoID string) {
	t.Helper()
	ctx := context.Background()
	for _, med := range []string{"Rivotril", "Losartana", "Metformina"} {
		p, err := h.svc.Create(ctx, asMaria, pickupRequest(med))
		require.NoError(t, err)
		mariaIDs = append(mariaIDs, p.ID)
		h.clock.advance(time.Hour)
	}
	p, err := h.svc.Create(ctx, asJoao, pickupRequest("Rivotril"))
	require.NoError(t, err)
	return mariaIDs, p.ID
}

func TestList_PatientsSeeOnlyTheirOwn(t *testing.T) {
	h := newHarness(t)
	ids, _ := seed(t, h)

	res, err := h.svc.List(context.Background(), asMaria, prescription.ListQuery{PatientID: joao.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	for _, p := range res.Items {
		assert.Equal(t, maria.ID, p.PatientID)
	}
	assert.Equal(t, ids[2], res.Items[0].ID, "newest first")

	res, err = h.svc.List(context.Background(), asStaff, prescription.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)

	res, err = h.svc.List(context.Background(), asStaff, prescription.ListQuery{PatientID: joao.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestList_StatusAliases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)

	_, err := h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{Status: "approved"})
	require.NoError(t, err)
	_, err = h.svc.UpdateStatus(ctx, asStaff, ids[1], prescription.StatusUpdate{Status: "sent"})
	require.NoError(t, err)

	tests := []struct {
		filter string
		want   int
	}{
		{"pending", 2},
		{"requested", 2},
		{"in_progress", 1},
		{"approved", 1},
		{"completed", 1},
		{"rejected", 0},
		{"", 4},
	}
	for _, tt := range tests {
		res, err := h.svc.List(ctx, asStaff, prescription.ListQuery{Status: tt.filter})
		require.NoError(t, err, tt.filter)
		assert.Equal(t, tt.want, res.Total, "filter %q", tt.filter)
	}

	_, err = h.svc.List(ctx, asStaff, prescription.ListQuery{Status: "archived"})
	require.ErrorIs(t, err, prescription.ErrValidation)
	assert.Equal(t, prescription.CodeInvalidStatus, errCode(t, err))
}

func TestList_Pagination(t *testing.T) {
	h := newHarness(t)
	seed(t, h)

	res, err := h.svc.List(context.Background(), asStaff, prescription.ListQuery{Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 2, res.Page)
	assert.Len(t, res.Items, 1)

	res, err = h.svc.List(context.Background(), asStaff, prescription.ListQuery{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, prescription.MaxLimit, res.Limit)
	assert.Equal(t, prescription.DefaultPage, res.Page)
}

func TestList_SearchAndFilters(t *testing.T) {
	h := newHarness(t)
	seed(t, h)
	ctx := context.Background()

	res, err := h.svc.List(ctx, asStaff, prescription.ListQuery{Search: "joão"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	res, err = h.svc.List(ctx, asStaff, prescription.ListQuery{Search: "losar"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	from := h.clock.t.Add(-90 * time.Minute)
	res, err = h.svc.List(ctx, asStaff, prescription.ListQuery{From: &from})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	_, err = h.svc.List(ctx, asStaff, prescription.ListQuery{PrescriptionType: "verde"})
	assert.ErrorIs(t, err, prescription.ErrValidation)
}

func TestList_HidesInternalNotesFromPatients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)

	_, err := h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{
		Status:        "under_review",
		InternalNotes: "check renal function",
	})
	require.NoError(t, err)

	res, err := h.svc.List(ctx, asMaria, prescription.ListQuery{})
	require.NoError(t, err)
	for _, p := range res.Items {
		assert.Empty(t, p.InternalNotes)
	}

	p, err := h.svc.Get(ctx, asStaff, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "check renal function", p.InternalNotes)
}

func TestGet_Ownership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, joaoID := seed(t, h)

	_, err := h.svc.Get(ctx, asMaria, ids[0])
	assert.NoError(t, err)

	_, err = h.svc.Get(ctx, asMaria, joaoID)
	assert.ErrorIs(t, err, prescription.ErrForbidden)

	_, err = h.svc.Get(ctx, asStaff, "missing")
	require.ErrorIs(t, err, prescription.ErrMissing)
	assert.Equal(t, prescription.CodeNotFound, errCode(t, err))
}

func TestUpdateStatus_Authorization(t *testing.T) {
	h := newHarness(t)
	ids, _ := seed(t, h)

	_, err := h.svc.UpdateStatus(context.Background(), asMaria, ids[0], prescription.StatusUpdate{Status: "approved"})
	assert.ErrorIs(t, err, prescription.ErrForbidden)
}

func TestUpdateStatus_InvalidStatusBeforeLookup(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.UpdateStatus(context.Background(), asStaff, "missing", prescription.StatusUpdate{Status: "delivered"})
	require.ErrorIs(t, err, prescription.ErrValidation)
	assert.Equal(t, prescription.CodeInvalidStatus, errCode(t, err))

	_, err = h.svc.UpdateStatus(context.Background(), asStaff, "missing", prescription.StatusUpdate{Status: "approved"})
	assert.ErrorIs(t, err, prescription.ErrMissing)
}

func TestUpdateStatus_MilestonesAreStampedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)
	id := ids[0]

	h.clock.advance(time.Hour)
	approvedAt := h.clock.t
	p, err := h.svc.UpdateStatus(ctx, asStaff, id, prescription.StatusUpdate{Status: "approved"})
	require.NoError(t, err)
	require.NotNil(t, p.ApprovedAt)
	assert.Equal(t, approvedAt, *p.ApprovedAt)

	h.clock.advance(time.Hour)
	readyAt := h.clock.t
	p, err = h.svc.UpdateStatus(ctx, asStaff, id, prescription.StatusUpdate{Status: "ready"})
	require.NoError(t, err)
	require.NotNil(t, p.ReadyAt)
	assert.Equal(t, readyAt, *p.ReadyAt)

	// Going back and forth never moves an existing milestone.
	h.clock.advance(time.Hour)
	_, err = h.svc.UpdateStatus(ctx, asStaff, id, prescription.StatusUpdate{Status: "under_review"})
	require.NoError(t, err)
	h.clock.advance(time.Hour)
	p, err = h.svc.UpdateStatus(ctx, asStaff, id, prescription.StatusUpdate{Status: "approved"})
	require.NoError(t, err)
	assert.Equal(t, approvedAt, *p.ApprovedAt)
	assert.Equal(t, readyAt, *p.ReadyAt)
	assert.Nil(t, p.SentAt)

	stored, err := h.svc.Get(ctx, asStaff, id)
	require.NoError(t, err)
	assert.Equal(t, approvedAt, *stored.ApprovedAt)
	assert.Equal(t, h.clock.t, stored.UpdatedAt)
	assert.Equal(t, asStaff.ID, stored.UpdatedBy)
	assert.False(t, stored.UpdatedAt.Before(stored.CreatedAt))
}

func TestUpdateStatus_UpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)

	h.clock.advance(-48 * time.Hour)
	p, err := h.svc.UpdateStatus(ctx, asStaff, ids[2], prescription.StatusUpdate{Status: "under_review"})
	require.NoError(t, err)
	assert.False(t, p.UpdatedAt.Before(p.CreatedAt))
}

func TestUpdateStatus_PermissiveTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)

	p, err := h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{Status: "sent"})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusSent, p.Status)
	assert.NotNil(t, p.SentAt)

	p, err = h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{Status: "requested"})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusRequested, p.Status)
	assert.NotNil(t, p.SentAt)
}

func TestUpdateStatus_RecordsAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)
	before := len(h.notifier.Notices())

	p, err := h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{
		Status:          "rejected",
		RejectionReason: "dose above protocol",
	})
	require.NoError(t, err)
	assert.Equal(t, "dose above protocol", p.RejectionReason)

	entries, err := h.svc.Activity(ctx, asStaff, ids[0])
	require.NoError(t, err)
	require.Len(t, entries, 2)
	last := entries[1]
	assert.Equal(t, activity.ActionStatusChange, last.Action)
	assert.Equal(t, "requested", last.Metadata["from"])
	assert.Equal(t, "rejected", last.Metadata["to"])
	assert.Equal(t, asStaff.ID, last.ActorID)

	notices := h.notifier.Notices()
	require.Len(t, notices, before+1)
	n := notices[len(notices)-1]
	assert.Equal(t, prescription.NoticeStatusUpdate, n.Kind)
	assert.Equal(t, prescription.StatusRequested, n.PreviousStatus)
	assert.Equal(t, prescription.StatusRejected, n.Prescription.Status)

	// Re-applying the same status records activity but does not notify.
	_, err = h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{Status: "rejected"})
	require.NoError(t, err)
	assert.Len(t, h.notifier.Notices(), before+1)
	assert.Len(t, h.activity.Actions(ids[0]), 3)
}

func TestUpdateStatus_NotifierFailureKeepsChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)
	h.notifier.Fail = true

	_, err := h.svc.UpdateStatus(ctx, asStaff, ids[0], prescription.StatusUpdate{Status: "ready"})
	require.NoError(t, err)

	p, err := h.svc.Get(ctx, asStaff, ids[0])
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusReady, p.Status)
}

func TestManageAsStaff_CreateDefaultsToApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, asMaria, pickupRequest("Rivotril"))
	require.NoError(t, err)

	typ := prescription.TypeAmarelo
	method := prescription.DeliveryClinicPickup
	p, err := h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{
		PatientID:        ptr(maria.ID),
		MedicationName:   ptr("Rivotril"),
		Dosage:           ptr("2mg"),
		PrescriptionType: &typ,
		DeliveryMethod:   &method,
	}, "")
	require.NoError(t, err, "staff entry bypasses duplicate suppression")

	assert.Equal(t, prescription.StatusApproved, p.Status)
	require.NotNil(t, p.ApprovedAt)
	assert.Equal(t, asStaff.ID, p.CreatedBy)
	assert.Equal(t, maria.Name, p.PatientName)
	assert.Equal(t, 2, h.store.Len())
}

func TestManageAsStaff_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{MedicationName: ptr("Rivotril")}, "")
	require.ErrorIs(t, err, prescription.ErrValidation)
	assert.Contains(t, err.Error(), "patientId")

	typ := prescription.TypeBranco
	method := prescription.DeliveryEmail
	_, err = h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{
		PatientID:        ptr(joao.ID),
		MedicationName:   ptr("Rivotril"),
		Dosage:           ptr("2mg"),
		PrescriptionType: &typ,
		DeliveryMethod:   &method,
	}, "")
	require.Error(t, err)
	assert.Equal(t, prescription.CodeDeliveryContact, errCode(t, err))

	_, err = h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{Status: ptr("lost")}, "")
	assert.Equal(t, prescription.CodeInvalidStatus, errCode(t, err))

	_, err = h.svc.ManageAsStaff(ctx, asMaria, prescription.ManageInput{}, "")
	assert.ErrorIs(t, err, prescription.ErrForbidden)
}

func TestManageAsStaff_Edit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)

	h.clock.advance(time.Minute)
	p, err := h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{
		Dosage:        ptr("1mg"),
		InternalNotes: ptr("reduced after consult"),
		Status:        ptr("approved"),
	}, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "1mg", p.Dosage)
	assert.Equal(t, prescription.StatusApproved, p.Status)
	assert.NotNil(t, p.ApprovedAt)
	assert.Equal(t, h.clock.t, p.UpdatedAt)

	assert.Equal(t,
		[]activity.Action{activity.ActionCreate, activity.ActionUpdate, activity.ActionStatusChange},
		h.activity.Actions(ids[0]))

	typ := prescription.TypeAmarelo
	_, err = h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{PrescriptionType: &typ}, ids[0])
	assert.ErrorIs(t, err, prescription.ErrValidation)

	method := prescription.DeliveryEmail
	_, err = h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{DeliveryMethod: &method}, ids[0])
	require.NoError(t, err, "maria's snapshot satisfies email delivery")

	_, err = h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{PatientEmail: ptr("not-an-email")}, ids[0])
	assert.Equal(t, prescription.CodeDeliveryContact, errCode(t, err))

	_, err = h.svc.ManageAsStaff(ctx, asStaff, prescription.ManageInput{Dosage: ptr("1mg")}, "missing")
	assert.ErrorIs(t, err, prescription.ErrMissing)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids, _ := seed(t, h)

	err := h.svc.Delete(ctx, asStaff, ids[0])
	assert.ErrorIs(t, err, prescription.ErrForbidden)

	require.NoError(t, h.svc.Delete(ctx, asAdmin, ids[0]))
	assert.Equal(t, 3, h.store.Len())

	_, err = h.svc.Get(ctx, asAdmin, ids[0])
	assert.ErrorIs(t, err, prescription.ErrMissing)

	assert.Equal(t, []activity.Action{activity.ActionCreate, activity.ActionDelete}, h.activity.Actions(ids[0]))

	err = h.svc.Delete(ctx, asAdmin, ids[0])
	assert.ErrorIs(t, err, prescription.ErrMissing)
}

func TestActivity_StaffOnly(t *testing.T) {
	h := newHarness(t)
	ids, _ := seed(t, h)

	_, err := h.svc.Activity(context.Background(), asMaria, ids[0])
	assert.ErrorIs(t, err, prescription.ErrForbidden)
}

func ptr[T any](v T) *T { return &v }
