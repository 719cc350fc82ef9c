package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated       EventType = "PrescriptionCreated"
	EventPrescriptionUpdated       EventType = "PrescriptionUpdated"
	EventPrescriptionStatusChanged EventType = "PrescriptionStatusChanged"
	EventPrescriptionDeleted       EventType = "PrescriptionDeleted"
)

// Event is a domain event written to the outbox alongside the state change
// that produced it.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithActor sets audit fields
func (e *Event) WithActor(actorID, correlationID string) *Event {
	e.ActorID = actorID
	e.CorrelationID = correlationID
	return e
}

// CreatedData contains prescription creation details
type CreatedData struct {
	PrescriptionID   string         `json:"prescription_id"`
	PatientID        string         `json:"patient_id"`
	MedicationName   string         `json:"medication_name"`
	PrescriptionType Type           `json:"prescription_type"`
	DeliveryMethod   DeliveryMethod `json:"delivery_method"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
}

// StatusChangedData contains transition details
type StatusChangedData struct {
	PrescriptionID  string    `json:"prescription_id"`
	PatientID       string    `json:"patient_id"`
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	ChangedAt       time.Time `json:"changed_at"`
}

// UpdatedData lists the fields changed by a staff edit
type UpdatedData struct {
	PrescriptionID string    `json:"prescription_id"`
	Fields         []string  `json:"fields"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeletedData records a hard delete
type DeletedData struct {
	PrescriptionID string    `json:"prescription_id"`
	PatientID      string    `json:"patient_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// Payload renders the event as the message published downstream.
func (e *Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}
