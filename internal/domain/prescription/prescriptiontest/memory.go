// Package prescriptiontest provides in-memory collaborators for exercising
// the prescription service without Postgres.
package prescriptiontest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-rxrequest/internal/domain/activity"
	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
)

// Store is an in-memory prescription.Store.
type Store struct {
	mu     sync.Mutex
	items  map[string]*prescription.Prescription
	events []*prescription.Event

	// Err, when set, is returned by every write.
	Err error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{items: make(map[string]*prescription.Prescription)}
}

func (s *Store) Create(_ context.Context, p *prescription.Prescription, events ...*prescription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := *p
	s.items[p.ID] = &cp
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) List(_ context.Context, f prescription.Filter) ([]*prescription.Prescription, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*prescription.Prescription
	for _, p := range s.items {
		if matches(p, f) {
			cp := *p
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func matches(p *prescription.Prescription, f prescription.Filter) bool {
	if f.PatientID != "" && p.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if p.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && p.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && p.CreatedAt.After(*f.To) {
		return false
	}
	if f.Type != "" && p.PrescriptionType != f.Type {
		return false
	}
	if f.DeliveryMethod != "" && p.DeliveryMethod != f.DeliveryMethod {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(p.PatientName), q) &&
			!strings.Contains(strings.ToLower(p.MedicationName), q) {
			return false
		}
	}
	return true
}

func (s *Store) HasRecentRequest(_ context.Context, patientID, medicationName string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := prescription.NormalizeMedicationName(medicationName)
	for _, p := range s.items {
		if p.PatientID == patientID &&
			prescription.NormalizeMedicationName(p.MedicationName) == key &&
			!p.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Update(_ context.Context, p *prescription.Prescription, events ...*prescription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	old, ok := s.items[p.ID]
	if !ok {
		return prescription.ErrNotFound
	}
	cp := *p
	// Milestones behave like the COALESCE in the SQL store.
	if old.ApprovedAt != nil {
		cp.ApprovedAt = old.ApprovedAt
	}
	if old.ReadyAt != nil {
		cp.ReadyAt = old.ReadyAt
	}
	if old.SentAt != nil {
		cp.SentAt = old.SentAt
	}
	s.items[p.ID] = &cp
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) Delete(_ context.Context, id string, events ...*prescription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.items[id]; !ok {
		return prescription.ErrNotFound
	}
	delete(s.items, id)
	s.events = append(s.events, events...)
	return nil
}

// Put stores p as-is, bypassing the service. Used to seed history.
func (s *Store) Put(p *prescription.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.items[p.ID] = &cp
}

// Len returns the number of stored prescriptions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Events returns the outbox events written so far.
func (s *Store) Events() []*prescription.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*prescription.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Patients is an in-memory prescription.PatientDirectory.
type Patients struct {
	mu   sync.Mutex
	byID map[string]*patient.Patient
}

// NewPatients returns a directory holding ps.
func NewPatients(ps ...*patient.Patient) *Patients {
	d := &Patients{byID: make(map[string]*patient.Patient)}
	for _, p := range ps {
		d.byID[p.ID] = p
	}
	return d
}

func (d *Patients) FindByID(_ context.Context, id string) (*patient.Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ActivityStore is an in-memory activity.Store.
type ActivityStore struct {
	mu      sync.Mutex
	entries []*activity.Entry

	// Err, when set, fails every append.
	Err error
}

func (a *ActivityStore) Append(_ context.Context, e *activity.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	cp := *e
	a.entries = append(a.entries, &cp)
	return nil
}

func (a *ActivityStore) ListByPrescription(_ context.Context, id string) ([]*activity.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*activity.Entry
	for _, e := range a.entries {
		if e.PrescriptionID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Actions returns the recorded actions for a prescription in order.
func (a *ActivityStore) Actions(id string) []activity.Action {
	entries, _ := a.ListByPrescription(context.Background(), id)
	out := make([]activity.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

// ErrQueueFull is what Notifier returns when Fail is set.
var ErrQueueFull = errors.New("notification queue full")

// Notifier records notices instead of delivering them.
type Notifier struct {
	mu      sync.Mutex
	notices []prescription.Notice

	// Fail makes Notify reject every notice.
	Fail bool
}

func (n *Notifier) Notify(_ context.Context, notice prescription.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return ErrQueueFull
	}
	n.notices = append(n.notices, notice)
	return nil
}

// Notices returns the notices received so far.
func (n *Notifier) Notices() []prescription.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]prescription.Notice, len(n.notices))
	copy(out, n.notices)
	return out
}
