package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/idempotency"
)

type fakeStore struct {
	mu        sync.Mutex
	medicines map[string][]schedule.Medicine
	records   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{medicines: map[string][]schedule.Medicine{
		"PAT-1": {{
			ID:             "med-ator",
			Name:           "Atorvastatin",
			Dosage:         "10mg",
			Frequency:      "once daily",
			Duration:       "3 days",
			Timing:         []string{"09:00"},
			PrescribedDate: "2024-01-01",
			Adherence:      []schedule.AdherenceRecord{{Timestamp: "2024-01-02T09:05:00Z", Taken: true}},
		}},
	}}
}

func (s *fakeStore) Medicines(_ context.Context, patientID string) ([]schedule.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meds, ok := s.medicines[patientID]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, patient.ErrNotFound)
	}
	return append([]schedule.Medicine(nil), meds...), nil
}

func (s *fakeStore) History(_ context.Context, patientID string, index int) (*patient.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meds, ok := s.medicines[patientID]
	if !ok {
		return nil, patient.ErrNotFound
	}
	if index >= len(meds) {
		return nil, patient.ErrInvalidIndex
	}
	m := meds[index]
	return &patient.History{MedicineIndex: index, Name: m.Name, Dosage: m.Dosage, Frequency: m.Frequency, Adherence: m.Adherence}, nil
}

func (s *fakeStore) RecordAdherence(_ context.Context, patientID string, index int, in patient.AdherenceInput) (*patient.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meds, ok := s.medicines[patientID]
	if !ok {
		return nil, patient.ErrNotFound
	}
	if index >= len(meds) {
		return nil, patient.ErrInvalidIndex
	}
	meds[index].Adherence = append(meds[index].Adherence, in.Record())
	s.records++
	return patient.NewEvent(patientID, patient.EventAdherenceRecorded, in)
}

func (s *fakeStore) AddMedicine(_ context.Context, patientID string, m schedule.Medicine) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medicines[patientID] = append(s.medicines[patientID], m)
	return len(s.medicines[patientID]) - 1, nil
}

type fakeInbox struct {
	mu      sync.Mutex
	done    map[string]json.RawMessage
	failed  map[string]bool
	handled int
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{done: make(map[string]json.RawMessage), failed: make(map[string]bool)}
}

func (f *fakeInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.done[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	if f.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	f.handled++
	res, err := fn(ctx, payload)
	if err != nil {
		if errors.Is(err, idempotency.ErrTerminal) {
			f.failed[key] = true
		}
		return nil, err
	}
	f.done[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore, *fakeInbox) {
	t.Helper()
	store := newFakeStore()
	inbox := newFakeInbox()
	engine := schedule.New(schedule.Options{Location: time.UTC}, zaptest.NewLogger(t))
	h := NewAdherenceHandler(store, engine, inbox, nil, zaptest.NewLogger(t))
	h.clock = func() time.Time { return time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC) }

	r := chi.NewRouter()
	r.Mount("/api/v1/patients", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, inbox
}

func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSchedules(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/schedules")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SchedulesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Schedules, 1)
	s := body.Schedules[0]
	assert.Equal(t, "med-ator", s.Key)
	require.Len(t, s.Doses, 3)
	assert.True(t, s.Doses[0].IsOverdue)
	assert.True(t, s.Doses[1].Taken)
	assert.True(t, s.Doses[2].IsUpcoming)
	assert.Equal(t, 50, s.AdherenceRate)
	assert.Empty(t, body.Failures)
}

func TestSchedules_NowOverride(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/schedules?now=2024-01-03T08:45:00Z")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body SchedulesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Schedules[0].Doses[2].IsCurrent)

	resp = get(t, srv.URL+"/api/v1/patients/PAT-1/schedules?now=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSchedules_UnknownPatient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := get(t, srv.URL+"/api/v1/patients/PAT-404/schedules")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedules_ReportsFailures(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.medicines["PAT-1"] = append(store.medicines["PAT-1"], schedule.Medicine{Name: "  "})

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/schedules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body SchedulesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Schedules, 1)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, 1, body.Failures[0].MedicineIndex)
}

func TestDaysAndSummary(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/schedules/days")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var days struct {
		Days []schedule.DayGroup `json:"days"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&days))
	assert.Len(t, days.Days, 3)

	resp = get(t, srv.URL+"/api/v1/patients/PAT-1/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum schedule.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, 1, sum.Overdue)
	assert.Equal(t, 50, sum.OverallRate)
}

func TestRecordAdherence_DeduplicatesRetries(t *testing.T) {
	srv, store, inbox := newTestServer(t)
	url := srv.URL + "/api/v1/patients/PAT-1/adherence/0"
	body := `{"doseId":"med-ator-2-0","taken":true,"timestamp":"2024-01-03T09:02:00Z"}`

	resp := post(t, url, body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec RecordResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.NotEmpty(t, rec.EventID)
	assert.Equal(t, "patient", rec.Record.RecordedBy)
	assert.Equal(t, "2024-01-03T09:02:00Z", rec.Record.Timestamp)

	resp = post(t, url, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))

	assert.Equal(t, 1, store.records)
	assert.Equal(t, 1, inbox.handled)

	resp = get(t, srv.URL+"/api/v1/patients/PAT-1/schedules")
	var sched SchedulesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sched))
	assert.True(t, sched.Schedules[0].Doses[2].Taken)
}

func TestRecordAdherence_IdempotencyKeyHeader(t *testing.T) {
	srv, store, _ := newTestServer(t)
	url := srv.URL + "/api/v1/patients/PAT-1/adherence/0"
	headers := map[string]string{"Idempotency-Key": "tap-1"}

	post(t, url, `{"taken":true,"timestamp":"2024-01-03T09:00:00Z"}`, headers)
	resp := post(t, url, `{"taken":true,"timestamp":"2024-01-03T09:30:00Z"}`, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, store.records)
}

func TestRecordAdherence_Errors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := srv.URL + "/api/v1/patients/"

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad index", "PAT-1/adherence/x", `{"taken":true}`, http.StatusBadRequest},
		{"negative index", "PAT-1/adherence/-1", `{"taken":true}`, http.StatusBadRequest},
		{"out of range", "PAT-1/adherence/5", `{"taken":true}`, http.StatusBadRequest},
		{"bad body", "PAT-1/adherence/0", `{`, http.StatusBadRequest},
		{"bad timestamp", "PAT-1/adherence/0", `{"taken":true,"timestamp":"soon"}`, http.StatusBadRequest},
		{"unknown patient", "PAT-404/adherence/0", `{"taken":true}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, base+tt.path, tt.body, nil)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestRecordAdherence_FailedKeyIsConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := srv.URL + "/api/v1/patients/PAT-1/adherence/9"
	headers := map[string]string{"Idempotency-Key": "tap-9"}

	assert.Equal(t, http.StatusBadRequest, post(t, url, `{"taken":true}`, headers).StatusCode)
	assert.Equal(t, http.StatusConflict, post(t, url, `{"taken":true}`, headers).StatusCode)
}

func TestHistory(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/adherence/0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h patient.History
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "Atorvastatin", h.Name)
	assert.Len(t, h.Adherence, 1)

	resp = get(t, srv.URL+"/api/v1/patients/PAT-1/adherence/3")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExport(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/export?status=taken")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "medicine-schedule-2024-01-03.csv")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Atorvastatin,2024-01-02,09:00,Taken,10mg")
}

func TestExport_JSONDailyView(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/export?format=json&view=daily&date=2024-01-01")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-01-01", rows[0]["date"])
	assert.Equal(t, "Overdue", rows[0]["status"])

	for _, q := range []string{"format=xml", "status=later", "view=yearly", "date=01/01/2024"} {
		resp := get(t, srv.URL+"/api/v1/patients/PAT-1/export?"+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestAddMedicine_Plain(t *testing.T) {
	srv, store, _ := newTestServer(t)

	resp := post(t, srv.URL+"/api/v1/patients/PAT-2/medicines",
		`{"name":"Metformin","dosage":"500mg","frequency":"twice daily after meals","duration":"30 days","prescribedDate":"2024-01-01"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body AddMedicineResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0, body.MedicineIndex)
	assert.Equal(t, schedule.SuggestTiming("twice daily after meals"), body.Medicine.Timing)
	assert.Equal(t, schedule.FoodAfter, body.Medicine.FoodTiming)
	assert.Len(t, store.medicines["PAT-2"], 1)
}

func TestAddMedicine_FHIR(t *testing.T) {
	srv, store, _ := newTestServer(t)

	body := `{
		"resourceType": "MedicationRequest",
		"id": "mr-1",
		"status": "active",
		"intent": "order",
		"medication": {"concept": {"text": "Lisinopril"}},
		"subject": {"reference": "Patient/PAT-3"},
		"dosageInstruction": [{
			"text": "10mg once daily",
			"timing": {"repeat": {"frequency": 1, "period": 1, "periodUnit": "d", "timeOfDay": ["08:00:00"], "boundsDuration": {"value": 14, "unit": "days"}}},
			"doseAndRate": [{"doseQuantity": {"value": 10, "unit": "mg"}}]
		}]
	}`
	resp := post(t, srv.URL+"/api/v1/patients/PAT-3/medicines", body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	meds := store.medicines["PAT-3"]
	require.Len(t, meds, 1)
	assert.Equal(t, "Lisinopril", meds[0].Name)
	assert.Equal(t, []string{"08:00"}, meds[0].Timing)
}

func TestAddMedicine_Rejects(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := srv.URL + "/api/v1/patients/PAT-2/medicines"

	assert.Equal(t, http.StatusBadRequest, post(t, url, `{"name":"X","timing":"08:00"}`, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, url, `{"resourceType":"Patient"}`, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, url, `not json`, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		post(t, url, `{"resourceType":"MedicationRequest","status":"stopped","intent":"order","medication":{"concept":{"text":"X"}},"subject":{"reference":"Patient/PAT-2"}}`, nil).StatusCode)
}

func TestListMedicines(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/v1/patients/PAT-1/medicines")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Medicines []schedule.Medicine `json:"medicines"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Medicines, 1)
	assert.Equal(t, "med-ator", body.Medicines[0].ID)
}
