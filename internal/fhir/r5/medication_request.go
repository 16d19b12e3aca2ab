package r5

import (
	"encoding/json"
	"time"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource,
// restricted to the elements that drive a dose schedule.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// Status of the prescription
	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown

	// Intent of the request
	Intent string `json:"intent,omitempty"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	// When request was initially authored
	AuthoredOn *time.Time `json:"authoredOn,omitempty"`

	Requester *Reference   `json:"requester,omitempty"`
	Note      []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	// Expected supply duration
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence              int               `json:"sequence,omitempty"`
	Text                  string            `json:"text,omitempty"`
	AdditionalInstruction []CodeableConcept `json:"additionalInstruction,omitempty"`
	PatientInstruction    string            `json:"patientInstruction,omitempty"`
	Timing                *Timing           `json:"timing,omitempty"`
	AsNeeded              bool              `json:"asNeeded,omitempty"`
	Route                 *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate           []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	BoundsPeriod   *Period   `json:"boundsPeriod,omitempty"`
	Count          int       `json:"count,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek      []string  `json:"dayOfWeek,omitempty"`
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`
	// When holds EventTiming codes such as AC, PC, C, HS, MORN
	When   []string `json:"when,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	return ""
}

// GetMedicationCode extracts the primary medication code (RxNorm or NDC).
func (m *MedicationRequest) GetMedicationCode() (system, code string) {
	if m.Medication.Concept == nil {
		return "", ""
	}
	for _, preferred := range []string{SystemRxNorm, SystemNDC} {
		for _, coding := range m.Medication.Concept.Coding {
			if coding.System == preferred {
				return coding.System, coding.Code
			}
		}
	}
	if len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].System, m.Medication.Concept.Coding[0].Code
	}
	return "", ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil {
		for _, coding := range m.Medication.Concept.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
