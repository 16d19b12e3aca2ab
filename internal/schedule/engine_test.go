package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T) *Engine {
	return New(utcOptions(), zaptest.NewLogger(t))
}

func TestMedicineSchedule_ExpansionCount(t *testing.T) {
	now := time.Now().UTC()
	m := &Medicine{
		Name:           "Amoxicillin",
		Dosage:         "500mg",
		Frequency:      "twice daily",
		Duration:       "7 days",
		Timing:         []string{"08:00", "20:00"},
		PrescribedDate: now.Format("2006-01-02"),
	}

	s, err := newTestEngine(t).MedicineSchedule(MedicineRef{Key: "amx"}, m, now)
	require.NoError(t, err)

	assert.Equal(t, 14, s.TotalDoses)
	assert.Len(t, s.Doses, 14)
	for i := 1; i < len(s.Doses); i++ {
		assert.False(t, s.Doses[i].ScheduledTime.Before(s.Doses[i-1].ScheduledTime))
	}
}

func TestMedicineSchedule_Scenario(t *testing.T) {
	m := &Medicine{
		Name:           "Atorvastatin",
		Dosage:         "10mg",
		Frequency:      "once daily",
		Duration:       "3 days",
		Timing:         []string{"09:00"},
		PrescribedDate: "2024-01-01",
		Adherence:      []AdherenceRecord{{Timestamp: "2024-01-02T09:05:00", Taken: true}},
	}
	e := newTestEngine(t)

	s, err := e.MedicineSchedule(MedicineRef{Key: "ator"}, m, time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, s.Doses, 3)

	for i, d := range s.Doses {
		assert.Equal(t, time.Date(2024, 1, 1+i, 9, 0, 0, 0, time.UTC), d.ScheduledTime)
		assert.Equal(t, "Dose 1", d.TimeLabel)
	}
	assert.True(t, s.Doses[0].IsOverdue)
	assert.True(t, s.Doses[0].IsActive)
	assert.True(t, s.Doses[1].Taken)
	assert.False(t, s.Doses[1].IsActive)
	assert.True(t, s.Doses[2].IsUpcoming)
	assert.False(t, s.Doses[2].IsActive)
	assert.Equal(t, 50, s.AdherenceRate)

	s, err = e.MedicineSchedule(MedicineRef{Key: "ator"}, m, time.Date(2024, 1, 3, 8, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, s.Doses[2].IsCurrent)
	assert.True(t, s.Doses[2].IsActive)

	s, err = e.MedicineSchedule(MedicineRef{Key: "ator"}, m, time.Date(2024, 1, 3, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, s.Doses[2].IsOverdue)
	assert.Equal(t, 33, s.AdherenceRate)
}

func TestMedicineSchedule_EmptyDurationFallsBack(t *testing.T) {
	m := &Medicine{Name: "Vitamin D", Timing: []string{"08:00", "14:00", "20:00"}, PrescribedDate: "2024-06-01"}

	s, err := newTestEngine(t).MedicineSchedule(MedicineRef{}, m, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 90, s.TotalDoses)
	assert.Equal(t, "Vitamin D-0", s.Key)
}

func TestMedicineSchedule_IdempotentAndPure(t *testing.T) {
	m := &Medicine{
		ID:             "med-42",
		Name:           "Losartan",
		Timing:         []string{"21:00", "09:00"},
		Duration:       "1 week",
		PrescribedDate: "2024-02-01",
		Adherence: []AdherenceRecord{
			{Timestamp: "2024-02-02T09:30:00", Taken: true},
			{Timestamp: "2024-02-03T15:00:00", Taken: false, Notes: "forgot"},
		},
	}
	before, err := json.Marshal(m)
	require.NoError(t, err)

	e := newTestEngine(t)
	now := time.Date(2024, 2, 4, 12, 0, 0, 0, time.UTC)
	first, err := e.MedicineSchedule(MedicineRef{Index: 3}, m, now)
	require.NoError(t, err)
	second, err := e.MedicineSchedule(MedicineRef{Index: 3}, m, now)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	after, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	assert.Equal(t, "med-42", first.Key)
	assert.Equal(t, 15, first.TotalDoses)
	assert.Equal(t, "adherence-med-42-1", first.Doses[5].ID)
	assert.True(t, first.Doses[5].Synthetic)
	assert.False(t, first.Doses[5].IsActive)

	first.Timing[0] = "00:00"
	assert.Equal(t, "21:00", m.Timing[0])
}

func TestMedicineSchedule_InvalidInput(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.MedicineSchedule(MedicineRef{}, nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidMedicine)

	_, err = e.MedicineSchedule(MedicineRef{}, &Medicine{Timing: []string{"08:00"}}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidMedicine)

	var m Medicine
	err = json.Unmarshal([]byte(`{"name":"X","timing":"08:00"}`), &m)
	assert.True(t, errors.Is(err, ErrInvalidMedicine))

	require.NoError(t, json.Unmarshal([]byte(`{"name":"X","timing":null,"duration":"3 days"}`), &m))
	assert.Nil(t, m.Timing)
	assert.Equal(t, "3 days", m.Duration)

	s, err := e.MedicineSchedule(MedicineRef{}, &m, time.Now())
	require.NoError(t, err)
	assert.Zero(t, s.TotalDoses)
	assert.Zero(t, s.AdherenceRate)
}

func TestSchedules_IsolatesFailures(t *testing.T) {
	meds := []Medicine{
		{Name: "A", Timing: []string{"08:00"}, Duration: "2 days", PrescribedDate: "2024-01-01"},
		{Timing: []string{"08:00"}, Duration: "2 days", PrescribedDate: "2024-01-01"},
		{Name: "C", Timing: []string{"bad"}, Duration: "2 days", PrescribedDate: "2024-01-01"},
	}
	keyFn := func(i int, m *Medicine) string { return "p1-" + m.Name }

	results := newTestEngine(t).Schedules(meds, keyFn, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "p1-A", results[0].Ref.Key)
	assert.Equal(t, 2, results[0].Schedule.TotalDoses)
	assert.ErrorIs(t, results[1].Err, ErrInvalidMedicine)
	assert.Nil(t, results[1].Schedule)
	require.NoError(t, results[2].Err)
	assert.Zero(t, results[2].Schedule.TotalDoses)
	assert.Equal(t, 2, results[2].Ref.Index)
}
