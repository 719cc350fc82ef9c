package notification

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription/prescriptiontest"
	"github.com/drfirst/go-rxrequest/internal/observability/metrics"
	"github.com/drfirst/go-rxrequest/pkg/circuitbreaker"
)

type sentEmail struct {
	to, subject, text, html string
}

type fakeEmail struct {
	mu    sync.Mutex
	sent  []sentEmail
	tried []sentEmail
	err   error
}

func (f *fakeEmail) Send(_ context.Context, to, subject, text, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tried = append(f.tried, sentEmail{to, subject, text, html})
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEmail{to, subject, text, html})
	return nil
}

// Tried returns every message handed to Send, failed or not.
func (f *fakeEmail) Tried() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.tried...)
}

func (f *fakeEmail) Sent() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

type fakePush struct {
	mu       sync.Mutex
	payloads map[string][]byte
	errs     map[string]error
}

func (f *fakePush) Send(_ context.Context, sub Subscription, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sub.Endpoint]; err != nil {
		return err
	}
	if f.payloads == nil {
		f.payloads = make(map[string][]byte)
	}
	f.payloads[sub.Endpoint] = payload
	return nil
}

type memSubscriptions struct {
	mu   sync.Mutex
	subs []Subscription
}

func (m *memSubscriptions) ListByUser(_ context.Context, userID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSubscriptions) Save(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, *sub)
	return nil
}

func (m *memSubscriptions) Delete(_ context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(func(s Subscription) bool { return s.UserID == userID && s.Endpoint == endpoint })
	return nil
}

func (m *memSubscriptions) DeleteEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(func(s Subscription) bool { return s.Endpoint == endpoint })
	return nil
}

func (m *memSubscriptions) remove(match func(Subscription) bool) {
	kept := m.subs[:0]
	for _, s := range m.subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	m.subs = kept
}

type fixture struct {
	d        *Dispatcher
	email    *fakeEmail
	push     *fakePush
	subs     *memSubscriptions
	activity *prescriptiontest.ActivityStore
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		email:    &fakeEmail{},
		push:     &fakePush{errs: map[string]error{}},
		subs:     &memSubscriptions{},
		activity: &prescriptiontest.ActivityStore{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.breakers = circuitbreaker.NewManager(zap.NewNop(), func(name string, to circuitbreaker.State) {
		f.metrics.SetBreakerState(name, to.Gauge())
	})

	d, err := NewDispatcher(Config{Workers: 2, QueueSize: 8}, Deps{
		Composer:      &Composer{ClinicName: "Clínica Saúde"},
		Email:         f.email,
		Push:          f.push,
		Subscriptions: f.subs,
		Breakers:      f.breakers,
		Activity:      activity.NewRecorder(f.activity, zap.NewNop()),
		Metrics:       f.metrics,
	}, zap.NewNop())
	require.NoError(t, err)
	f.d = d
	return f
}

func TestDispatch_EmailAndPush(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.subs.Save(context.Background(), &Subscription{ID: "s1", UserID: "pat-1", Endpoint: "https://push.example/a"}))
	require.NoError(t, f.subs.Save(context.Background(), &Subscription{ID: "s2", UserID: "other", Endpoint: "https://push.example/b"}))

	n := notice(prescription.NoticeStatusUpdate, prescription.StatusRejected, prescription.DeliveryEmail)
	n.Prescription.RejectionReason = "stock unavailable"

	out := f.d.Dispatch(context.Background(), n)
	require.NoError(t, out.Err())
	assert.True(t, out.Delivered())
	assert.Equal(t, 1, out.Email.Delivered)
	assert.Equal(t, 1, out.Push.Delivered)

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "maria@example.com", sent[0].to)
	assert.Contains(t, sent[0].text, "stock unavailable")

	var payload pushPayload
	require.NoError(t, json.Unmarshal(f.push.payloads["https://push.example/a"], &payload))
	assert.Equal(t, "rx-1", payload.PrescriptionID)
	assert.Equal(t, "rejected", payload.Status)
	assert.NotContains(t, f.push.payloads, "https://push.example/b")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications.WithLabelValues(ChannelEmail, "sent")))
}

func TestDispatch_RejectedWithoutReason(t *testing.T) {
	f := newFixture(t)

	out := f.d.Dispatch(context.Background(), notice(prescription.NoticeStatusUpdate, prescription.StatusRejected, prescription.DeliveryClinicPickup))
	require.NoError(t, out.Err())
	require.Len(t, f.email.Sent(), 1)
	assert.Contains(t, f.email.Sent()[0].text, "not specified")
}

func TestDispatch_ExpiredSubscriptionIsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		ep := "https://push.example/" + string(rune('a'+i))
		require.NoError(t, f.subs.Save(ctx, &Subscription{UserID: "pat-1", Endpoint: ep}))
		f.push.errs[ep] = ErrSubscriptionExpired
	}

	out := f.d.Dispatch(ctx, notice(prescription.NoticeStatusUpdate, prescription.StatusReady, prescription.DeliveryClinicPickup))
	require.NoError(t, out.Err(), "expired subscriptions are not delivery failures")
	assert.Equal(t, 8, out.Push.Expired)

	remaining, _ := f.subs.ListByUser(ctx, "pat-1")
	assert.Empty(t, remaining)
	assert.Equal(t, circuitbreaker.StateClosed, f.d.push.GetState())
}

func TestDispatch_SkipsStatusesWithoutTemplate(t *testing.T) {
	f := newFixture(t)

	out := f.d.Dispatch(context.Background(), notice(prescription.NoticeStatusUpdate, prescription.StatusRequested, prescription.DeliveryEmail))
	assert.True(t, out.Skipped)
	assert.Empty(t, f.email.Sent())
}

func TestDispatch_EmailBreakerOpens(t *testing.T) {
	f := newFixture(t)
	f.email.err = errors.New("smtp: 421 service not available")
	n := notice(prescription.NoticeStatusUpdate, prescription.StatusApproved, prescription.DeliveryEmail)

	for i := 0; i < 5; i++ {
		out := f.d.Dispatch(context.Background(), n)
		require.Error(t, out.Err())
	}
	assert.Equal(t, circuitbreaker.StateOpen, f.d.email.GetState())

	out := f.d.Dispatch(context.Background(), n)
	assert.True(t, circuitbreaker.IsOpenError(out.Email.Err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications.WithLabelValues(ChannelEmail, "circuit_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CircuitBreakerState.WithLabelValues(ChannelEmail)))
}

func TestNotify_RecordsOutcomeInActivityLog(t *testing.T) {
	f := newFixture(t)
	f.d.Start()

	ok := notice(prescription.NoticeConfirmation, prescription.StatusRequested, prescription.DeliveryEmail)
	require.NoError(t, f.d.Notify(context.Background(), ok))

	// Wait for the first result before breaking the transport.
	require.Eventually(t, func() bool { return len(f.activity.Actions("rx-1")) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.email.err = errors.New("smtp down")
	failed := notice(prescription.NoticeStatusUpdate, prescription.StatusApproved, prescription.DeliveryEmail)
	failed.Prescription.ID = "rx-2"
	failed.ActorID = "staff-1"
	require.NoError(t, f.d.Notify(context.Background(), failed))

	require.NoError(t, f.d.Stop(context.Background()))

	assert.Equal(t, []activity.Action{activity.ActionNotificationSent}, f.activity.Actions("rx-1"))

	entries, err := f.activity.ListByPrescription(context.Background(), "rx-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.ActionNotificationFailed, entries[0].Action)
	assert.Equal(t, SystemActor, entries[0].ActorID)
	assert.Equal(t, "staff-1", entries[0].Metadata["triggeredBy"])
	assert.Contains(t, entries[0].Metadata["error"], "smtp down")
}

func TestNotify_CancelledRequestStillDelivers(t *testing.T) {
	f := newFixture(t)
	f.d.Start()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.d.Notify(ctx, notice(prescription.NoticeConfirmation, prescription.StatusRequested, prescription.DeliveryEmail)))
	cancel()

	require.NoError(t, f.d.Stop(context.Background()))
	assert.Len(t, f.email.Sent(), 1)
}

func TestNotify_AfterStop(t *testing.T) {
	f := newFixture(t)
	f.d.Start()
	require.NoError(t, f.d.Stop(context.Background()))

	err := f.d.Notify(context.Background(), notice(prescription.NoticeConfirmation, prescription.StatusRequested, prescription.DeliveryEmail))
	assert.Error(t, err)
}

func TestUpdateStatus_EmailOutageKeepsStatusChange(t *testing.T) {
	f := newFixture(t)
	f.email.err = errors.New("smtp: 421 service not available")
	f.d.Start()

	store := prescriptiontest.NewStore()
	svc := prescription.NewService(
		store,
		prescriptiontest.NewPatients(&patient.Patient{
			ID:    "pat-ana",
			Name:  "Ana Costa",
			Email: "ana@example.com",
			Role:  patient.RolePatient,
		}),
		f.d,
		activity.NewRecorder(f.activity, zap.NewNop()),
		zap.NewNop(),
	)
	ctx := context.Background()
	asAna := prescription.Actor{ID: "pat-ana", Role: patient.RolePatient}
	asStaff := prescription.Actor{ID: "staff-1", Role: patient.RoleStaff}

	created, err := svc.Create(ctx, asAna, prescription.CreateInput{
		MedicationName:   "Rivotril",
		Dosage:           "2mg",
		PrescriptionType: prescription.TypeAzul,
		DeliveryMethod:   prescription.DeliveryEmail,
	})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, asStaff, created.ID, prescription.StatusUpdate{
		Status:          "rejected",
		RejectionReason: "stock unavailable",
	})
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.d.Stop(stopCtx))

	got, err := svc.Get(ctx, asStaff, created.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusRejected, got.Status)
	assert.Equal(t, "stock unavailable", got.RejectionReason)

	actions := f.activity.Actions(created.ID)
	assert.Contains(t, actions, activity.ActionStatusChange)
	assert.Contains(t, actions, activity.ActionNotificationFailed)
	assert.NotContains(t, actions, activity.ActionNotificationSent)

	assert.Empty(t, f.email.Sent())
	tried := f.email.Tried()
	require.Len(t, tried, 2)
	assert.True(t, slices.ContainsFunc(tried, func(m sentEmail) bool {
		return strings.Contains(m.text, "stock unavailable")
	}), "rejection email should carry the reason")
}
