package patient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdherenceInput_Normalize(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 5, 0, 0, time.UTC)
	ist := time.FixedZone("IST", 5*3600+1800)

	in, err := AdherenceInput{Taken: true}.Normalize(now, nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T09:05:00Z", in.Timestamp)
	assert.Equal(t, "patient", in.RecordedBy)

	in, err = AdherenceInput{Timestamp: "2024-01-02T14:35:00", RecordedBy: "caretaker"}.Normalize(now, ist)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T09:05:00Z", in.Timestamp)
	assert.Equal(t, "caretaker", in.RecordedBy)

	_, err = AdherenceInput{Timestamp: "soon"}.Normalize(now, nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEvent_OutboxEntry(t *testing.T) {
	event, err := NewEvent("PAT-1", EventAdherenceRecorded, AdherenceRecordedData{
		MedicineIndex: 2,
		MedicineName:  "Metformin",
		Taken:         true,
		Timestamp:     "2024-01-02T09:05:00Z",
	})
	require.NoError(t, err)
	event.WithCorrelation("req-9")

	entry, err := event.OutboxEntry("adherence.events")
	require.NoError(t, err)
	assert.Equal(t, "PAT-1", entry.PatientID)
	assert.Equal(t, "PAT-1", entry.Key)
	assert.Equal(t, "adherence.events", entry.Topic)
	assert.Equal(t, string(EventAdherenceRecorded), entry.EventType)

	var decoded Event
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "req-9", decoded.CorrelationID)

	var data AdherenceRecordedData
	require.NoError(t, json.Unmarshal(decoded.EventData, &data))
	assert.Equal(t, "Metformin", data.MedicineName)
	assert.Equal(t, 2, data.MedicineIndex)
}

func TestAdherenceInput_Record(t *testing.T) {
	rec := AdherenceInput{DoseID: "k-0-0", Taken: true, Timestamp: "2024-01-02T09:05:00Z", Notes: "ok", RecordedBy: "patient"}.Record()
	assert.Equal(t, "2024-01-02T09:05:00Z", rec.Timestamp)
	assert.True(t, rec.Taken)
	assert.Equal(t, "ok", rec.Notes)
	assert.Equal(t, "patient", rec.RecordedBy)
}
