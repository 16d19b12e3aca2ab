// Package schedule expands medicine prescriptions into concrete doses and
// reconciles them against recorded adherence.
package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMedicine is returned for structurally invalid medicine input.
var ErrInvalidMedicine = errors.New("invalid medicine")

// AdherenceRecord is one persisted taken/missed event for a medicine.
type AdherenceRecord struct {
	Timestamp  string `json:"timestamp"`
	Taken      bool   `json:"taken"`
	Notes      string `json:"notes,omitempty"`
	RecordedBy string `json:"recordedBy,omitempty"`
}

// Medicine is a prescribed medicine as returned by the patient API.
type Medicine struct {
	ID             string            `json:"id,omitempty"`
	Name           string            `json:"name"`
	Dosage         string            `json:"dosage"`
	Frequency      string            `json:"frequency"`
	Duration       string            `json:"duration"`
	Timing         []string          `json:"timing"`
	FoodTiming     string            `json:"foodTiming,omitempty"`
	PrescribedDate string            `json:"prescribedDate"`
	Adherence      []AdherenceRecord `json:"adherence,omitempty"`
}

// UnmarshalJSON rejects a timing field that is not an array.
func (m *Medicine) UnmarshalJSON(data []byte) error {
	type plain Medicine
	var aux struct {
		plain
		Timing json.RawMessage `json:"timing"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Medicine(aux.plain)

	raw := bytes.TrimSpace(aux.Timing)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		m.Timing = nil
		return nil
	}
	if raw[0] != '[' {
		return fmt.Errorf("%w: timing must be an array", ErrInvalidMedicine)
	}
	return json.Unmarshal(raw, &m.Timing)
}

// MedicineRef identifies a medicine within the caller's list.
// Key is an opaque identifier issued by the caller; Index addresses the
// record server-side.
type MedicineRef struct {
	Key   string
	Index int
}

// Slot is one recurring time-of-day position of a medicine.
type Slot struct {
	Index  int // position in the declared timing list
	Hour   int
	Minute int
	Label  string
	Raw    string
}

func (s Slot) minutes() int { return s.Hour*60 + s.Minute }

// Recurrence is the normalized form of a medicine's free-text schedule.
type Recurrence struct {
	Slots []Slot
	// Start is the first day at 00:00, End the last day at 00:00 (inclusive).
	Start             time.Time
	End               time.Time
	Days              int
	DefaultedDuration bool
}

// Empty reports whether the recurrence yields no doses.
func (r Recurrence) Empty() bool { return len(r.Slots) == 0 || r.Days <= 0 }

// State is the derived status of a dose.
type State string

const (
	StateTaken    State = "taken"
	StateOverdue  State = "overdue"
	StateCurrent  State = "current"
	StateUpcoming State = "upcoming"
)

// Dose is one scheduled instance of taking a medicine.
type Dose struct {
	ID            string     `json:"id"`
	MedicineKey   string     `json:"medicineKey"`
	MedicineIndex int        `json:"medicineIndex"`
	ScheduledTime time.Time  `json:"scheduledTime"`
	TimeLabel     string     `json:"timeLabel"`
	Dosage        string     `json:"dosage"`
	Taken         bool       `json:"taken"`
	TakenAt       *time.Time `json:"takenAt,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	// Recorded is set when an adherence record was reconciled onto the dose.
	Recorded   bool `json:"recorded,omitempty"`
	IsOverdue  bool `json:"isOverdue"`
	IsCurrent  bool `json:"isCurrent"`
	IsUpcoming bool `json:"isUpcoming"`
	IsActive   bool `json:"isActive"`
	// Synthetic doses come from adherence records that matched no slot.
	Synthetic bool `json:"synthetic,omitempty"`
}

// State returns the single status the dose is in.
func (d Dose) State() State {
	switch {
	case d.Taken:
		return StateTaken
	case d.IsOverdue:
		return StateOverdue
	case d.IsCurrent:
		return StateCurrent
	default:
		return StateUpcoming
	}
}

// MedicineSchedule is the full projection of one medicine.
type MedicineSchedule struct {
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	Dosage         string   `json:"dosage"`
	Frequency      string   `json:"frequency"`
	Duration       string   `json:"duration"`
	FoodTiming     string   `json:"foodTiming,omitempty"`
	PrescribedDate string   `json:"prescribedDate"`
	Timing         []string `json:"timing"`
	Doses          []Dose   `json:"doses"`
	TotalDoses     int      `json:"totalDoses"`
	AdherenceRate  int      `json:"adherenceRate"`
}
