package prescription

import (
	"strings"
	"time"

	"github.com/drfirst/go-rxrequest/internal/domain/patient"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID   string
	Role patient.Role
}

// IsStaff reports whether the actor may act on any prescription.
func (a Actor) IsStaff() bool { return a.Role.IsStaff() }

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == patient.RoleAdmin }

// CreateInput is a patient's prescription request. Contact fields override
// the values copied from the patient's profile.
type CreateInput struct {
	MedicationName    string           `json:"medicationName" validate:"required,max=200"`
	Dosage            string           `json:"dosage" validate:"required,max=100"`
	PrescriptionType  Type             `json:"prescriptionType" validate:"required,oneof=branco azul amarelo"`
	DeliveryMethod    DeliveryMethod   `json:"deliveryMethod" validate:"required,oneof=email clinic_pickup"`
	Observations      string           `json:"observations" validate:"max=1000"`
	PatientEmail      string           `json:"patientEmail" validate:"max=254"`
	PatientPhone      string           `json:"patientPhone" validate:"max=30"`
	PatientNationalID string           `json:"patientNationalId" validate:"max=14"`
	PatientPostalCode string           `json:"patientPostalCode" validate:"max=9"`
	PatientAddress    *patient.Address `json:"patientAddress"`
}

// StatusUpdate is a staff transition request.
type StatusUpdate struct {
	Status          string `json:"status" validate:"required"`
	RejectionReason string `json:"rejectionReason" validate:"max=500"`
	InternalNotes   string `json:"internalNotes" validate:"max=2000"`
	Observations    string `json:"observations" validate:"max=1000"`
}

// ManageInput is a staff create-or-edit request. Nil fields are left
// unchanged on update.
type ManageInput struct {
	PatientID         *string          `json:"patientId" validate:"omitempty,max=64"`
	MedicationName    *string          `json:"medicationName" validate:"omitempty,max=200"`
	Dosage            *string          `json:"dosage" validate:"omitempty,max=100"`
	PrescriptionType  *Type            `json:"prescriptionType" validate:"omitempty,oneof=branco azul amarelo"`
	DeliveryMethod    *DeliveryMethod  `json:"deliveryMethod" validate:"omitempty,oneof=email clinic_pickup"`
	Status            *string          `json:"status"`
	Observations      *string          `json:"observations" validate:"omitempty,max=1000"`
	InternalNotes     *string          `json:"internalNotes" validate:"omitempty,max=2000"`
	RejectionReason   *string          `json:"rejectionReason" validate:"omitempty,max=500"`
	PatientName       *string          `json:"patientName" validate:"omitempty,max=200"`
	PatientEmail      *string          `json:"patientEmail" validate:"omitempty,max=254"`
	PatientPhone      *string          `json:"patientPhone" validate:"omitempty,max=30"`
	PatientNationalID *string          `json:"patientNationalId" validate:"omitempty,max=14"`
	PatientPostalCode *string          `json:"patientPostalCode" validate:"omitempty,max=9"`
	PatientAddress    *patient.Address `json:"patientAddress"`
}

// ListQuery holds the raw list parameters.
type ListQuery struct {
	Status           string
	From             *time.Time
	To               *time.Time
	Search           string
	PrescriptionType string
	DeliveryMethod   string
	PatientID        string
	Page             int
	Limit            int
}

// ListResult is one page of a listing.
type ListResult struct {
	Items []*Prescription
	Total int
	Page  int
	Limit int
	Pages int
}

// Pagination defaults.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
