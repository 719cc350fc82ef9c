// Package prescription implements the prescription request workflow: the
// entity, its status vocabulary, persistence and the service that enforces
// the business rules.
package prescription

import (
	"strings"
	"time"

	"github.com/drfirst/go-rxrequest/internal/domain/patient"
	"github.com/drfirst/go-rxrequest/internal/validation"
)

// Type is the regulated paper form a prescription is issued on.
type Type string

const (
	TypeBranco  Type = "branco"
	TypeAzul    Type = "azul"
	TypeAmarelo Type = "amarelo"
)

// Valid reports whether t is a known form type.
func (t Type) Valid() bool {
	switch t {
	case TypeBranco, TypeAzul, TypeAmarelo:
		return true
	}
	return false
}

// DeliveryMethod is how the finished prescription reaches the patient.
type DeliveryMethod string

const (
	DeliveryEmail        DeliveryMethod = "email"
	DeliveryClinicPickup DeliveryMethod = "clinic_pickup"
)

// Valid reports whether d is a known delivery method.
func (d DeliveryMethod) Valid() bool {
	return d == DeliveryEmail || d == DeliveryClinicPickup
}

// Prescription is a patient's request for a prescription document.
type Prescription struct {
	ID               string         `json:"id"`
	PatientID        string         `json:"patientId"`
	MedicationName   string         `json:"medicationName"`
	Dosage           string         `json:"dosage"`
	PrescriptionType Type           `json:"prescriptionType"`
	DeliveryMethod   DeliveryMethod `json:"deliveryMethod"`
	Status           Status         `json:"status"`
	Observations     string         `json:"observations,omitempty"`
	InternalNotes    string         `json:"internalNotes,omitempty"`
	RejectionReason  string         `json:"rejectionReason,omitempty"`

	PatientName       string          `json:"patientName"`
	PatientEmail      string          `json:"patientEmail,omitempty"`
	PatientPhone      string          `json:"patientPhone,omitempty"`
	PatientNationalID string          `json:"patientNationalId,omitempty"`
	PatientPostalCode string          `json:"patientPostalCode,omitempty"`
	PatientAddress    patient.Address `json:"patientAddress"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	ReadyAt    *time.Time `json:"readyAt,omitempty"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	CreatedBy  string     `json:"createdBy"`
	UpdatedBy  string     `json:"updatedBy,omitempty"`
}

// ApplyStatus moves the prescription to s at time at. Milestone timestamps
// are stamped the first time their status is reached and never touched again.
// It returns the previous status.
func (p *Prescription) ApplyStatus(s Status, at time.Time) Status {
	prev := p.Status
	p.Status = s

	if s.IsMilestone() {
		if stamp := p.milestone(s); *stamp == nil {
			*stamp = timePtr(at)
		}
	}
	return prev
}

// milestone returns the timestamp field stamped on reaching s.
func (p *Prescription) milestone(s Status) **time.Time {
	switch s {
	case StatusApproved:
		return &p.ApprovedAt
	case StatusReady:
		return &p.ReadyAt
	default:
		return &p.SentAt
	}
}

// Touch records a mutation by actor at time at.
func (p *Prescription) Touch(actorID string, at time.Time) {
	p.UpdatedBy = actorID
	if at.Before(p.CreatedAt) {
		at = p.CreatedAt
	}
	p.UpdatedAt = at
}

// ForPatient returns a copy with staff-only fields removed.
func (p *Prescription) ForPatient() *Prescription {
	cp := *p
	cp.InternalNotes = ""
	return &cp
}

// ContactIssues lists the contact fields that block email delivery. It is
// empty for clinic pickup.
func (p *Prescription) ContactIssues() []string {
	if p.DeliveryMethod != DeliveryEmail {
		return nil
	}

	var issues []string
	if !validation.Email(p.PatientEmail) {
		issues = append(issues, "patientEmail must be a valid email address")
	}
	if !validation.CPF(p.PatientNationalID) {
		issues = append(issues, "patientNationalId must be a valid CPF")
	}
	if !validation.PostalCode(p.PatientPostalCode) {
		issues = append(issues, "patientPostalCode must have 8 digits")
	}
	if !p.PatientAddress.IsComplete() {
		issues = append(issues, "patientAddress must include street and city")
	}
	return issues
}

// NormalizeMedicationName is the comparison key used by duplicate-request
// suppression.
func NormalizeMedicationName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func timePtr(t time.Time) *time.Time { return &t }
