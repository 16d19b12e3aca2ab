package patient

import (
	"errors"
	"fmt"
	"time"

	"github.com/medalert/adherence-engine/internal/schedule"
)

var (
	// ErrNotFound is returned when a patient has no such medicine or does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidIndex is returned for a medicine index outside the patient's list.
	ErrInvalidIndex = errors.New("invalid medicine index")
	// ErrInvalidRecord is returned for an adherence record that cannot be stored.
	ErrInvalidRecord = errors.New("invalid adherence record")
)

// AdherenceInput is one taken/missed mark submitted for a medicine
type AdherenceInput struct {
	DoseID     string `json:"doseId,omitempty"`
	Taken      bool   `json:"taken"`
	Timestamp  string `json:"timestamp,omitempty"`
	Notes      string `json:"notes,omitempty"`
	RecordedBy string `json:"recordedBy,omitempty"`
}

// Normalize fills a missing timestamp with now and rewrites the timestamp as
// RFC3339 in UTC. A timestamp that cannot be read is an error.
func (in AdherenceInput) Normalize(now time.Time, loc *time.Location) (AdherenceInput, error) {
	if in.RecordedBy == "" {
		in.RecordedBy = "patient"
	}
	if in.Timestamp == "" {
		in.Timestamp = now.UTC().Format(time.RFC3339)
		return in, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, ok := schedule.ParseTimestamp(in.Timestamp, loc)
	if !ok {
		return in, fmt.Errorf("%w: unreadable timestamp %q", ErrInvalidRecord, in.Timestamp)
	}
	in.Timestamp = t.UTC().Format(time.RFC3339)
	return in, nil
}

// Record converts the input into the engine's adherence record.
func (in AdherenceInput) Record() schedule.AdherenceRecord {
	return schedule.AdherenceRecord{
		Timestamp:  in.Timestamp,
		Taken:      in.Taken,
		Notes:      in.Notes,
		RecordedBy: in.RecordedBy,
	}
}

// History is a medicine's adherence log as shown to the patient
type History struct {
	MedicineIndex int                        `json:"medicineIndex"`
	Name          string                     `json:"name"`
	Dosage        string                     `json:"dosage"`
	Frequency     string                     `json:"frequency"`
	LastTaken     *time.Time                 `json:"lastTaken,omitempty"`
	Adherence     []schedule.AdherenceRecord `json:"adherence"`
}
