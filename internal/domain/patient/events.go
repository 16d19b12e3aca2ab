// Package patient holds a patient's medicine list, its adherence history and
// the events emitted when either changes.
package patient

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/medalert/adherence-engine/internal/infrastructure/postgres"
	"github.com/medalert/adherence-engine/internal/schedule"
)

// EventType represents the type of domain event
type EventType string

const (
	EventAdherenceRecorded EventType = "AdherenceRecorded"
	EventMedicineAdded     EventType = "MedicineAdded"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	PatientID     string          `json:"patient_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(patientID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		PatientID: patientID,
		EventType: eventType,
		EventData: eventData,
		Timestamp: time.Now().UTC(),
	}, nil
}

// AdherenceRecordedData describes one appended adherence record
type AdherenceRecordedData struct {
	MedicineID    string `json:"medicine_id"`
	MedicineIndex int    `json:"medicine_index"`
	MedicineName  string `json:"medicine_name"`
	DoseID        string `json:"dose_id,omitempty"`
	Taken         bool   `json:"taken"`
	Timestamp     string `json:"timestamp"`
	Notes         string `json:"notes,omitempty"`
	RecordedBy    string `json:"recorded_by,omitempty"`
}

// MedicineAddedData describes a medicine appended to a patient's list
type MedicineAddedData struct {
	MedicineIndex int               `json:"medicine_index"`
	Medicine      schedule.Medicine `json:"medicine"`
}

// WithCorrelation sets the request that caused the event
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// OutboxEntry wraps the event for the transactional outbox. Events are keyed
// by patient so one patient's events stay ordered on a partition.
func (e *Event) OutboxEntry(topic string) (*postgres.OutboxEntry, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &postgres.OutboxEntry{
		PatientID: e.PatientID,
		EventType: string(e.EventType),
		Payload:   payload,
		Topic:     topic,
		Key:       e.PatientID,
	}, nil
}
