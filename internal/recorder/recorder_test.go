package recorder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/circuitbreaker"
)

var now = time.Date(2024, 1, 1, 8, 10, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	medicine schedule.Medicine
	status   int
	posts    atomic.Int32
	gate     chan struct{}
	entered  chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		medicine: schedule.Medicine{
			ID:             "med-1",
			Name:           "Metformin",
			Dosage:         "500mg",
			Timing:         []string{"08:00", "20:00"},
			Duration:       "2 days",
			PrescribedDate: "2024-01-01",
		},
	}
}

func (f *fakeAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/patients/{patientID}/medicines", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"medicines": []schedule.Medicine{f.medicine}})
	})
	r.Post("/api/v1/patients/{patientID}/adherence/{medicineIndex}", func(w http.ResponseWriter, r *http.Request) {
		f.posts.Add(1)
		if f.gate != nil {
			f.entered <- struct{}{}
			<-f.gate
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			json.NewEncoder(w).Encode(map[string]string{"error": "record rejected"})
			return
		}
		var in patient.AdherenceInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.medicine.Adherence = append(f.medicine.Adherence, in.Record())
		w.WriteHeader(http.StatusCreated)
	})
	return r
}

func newTestRecorder(t *testing.T, api *fakeAPI, opts ...Option) (*Recorder, *httptest.Server) {
	srv := httptest.NewServer(api.router())
	t.Cleanup(srv.Close)

	engine := schedule.New(schedule.Options{Location: time.UTC}, nil)
	client := NewClient(srv.URL, "test-key", time.Second)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(client, engine, "PAT-1", zaptest.NewLogger(t), opts...), srv
}

func TestRecorder_RecordRefetchesAndRecomputes(t *testing.T) {
	api := newFakeAPI()
	m := metrics.New(prometheus.NewRegistry())
	rec, _ := newTestRecorder(t, api, WithMetrics(m))

	schedules, err := rec.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.False(t, schedules[0].Doses[0].Taken)
	assert.True(t, schedules[0].Doses[0].IsCurrent)

	schedules, err = rec.Record(context.Background(), 0, patient.AdherenceInput{DoseID: "med-1-0-0", Taken: true})
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	first := schedules[0].Doses[0]
	assert.True(t, first.Taken)
	require.NotNil(t, first.TakenAt)
	assert.Equal(t, now, first.TakenAt.UTC())
	assert.Equal(t, 100, schedules[0].AdherenceRate)
	assert.Equal(t, "patient", rec.Medicines()[0].Adherence[0].RecordedBy)
	assert.False(t, rec.Busy())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AdherenceRecorded.WithLabelValues("true")))
}

func TestRecorder_ConcurrentCallIsRejected(t *testing.T) {
	api := newFakeAPI()
	api.gate = make(chan struct{})
	api.entered = make(chan struct{}, 1)
	m := metrics.New(prometheus.NewRegistry())
	rec, _ := newTestRecorder(t, api, WithMetrics(m))

	done := make(chan error, 1)
	go func() {
		_, err := rec.Record(context.Background(), 0, patient.AdherenceInput{Taken: true})
		done <- err
	}()

	<-api.entered
	assert.True(t, rec.Busy())

	_, err := rec.Record(context.Background(), 0, patient.AdherenceInput{Taken: false})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int32(1), api.posts.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordingsRejected))

	close(api.gate)
	require.NoError(t, <-done)
	assert.False(t, rec.Busy())
}

func TestRecorder_FailureKeepsSchedules(t *testing.T) {
	api := newFakeAPI()
	rec, _ := newTestRecorder(t, api)

	before, err := rec.Load(context.Background())
	require.NoError(t, err)

	api.mu.Lock()
	api.status = http.StatusInternalServerError
	api.mu.Unlock()

	after, err := rec.Record(context.Background(), 0, patient.AdherenceInput{Taken: true})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "record rejected", se.Message)
	assert.True(t, se.Temporary())
	assert.False(t, IsClientError(err))

	assert.Equal(t, before, after)
	assert.Equal(t, before, rec.Schedules())
	assert.False(t, rec.Busy())
}

func TestRecorder_InvalidTimestampNeverPosts(t *testing.T) {
	api := newFakeAPI()
	rec, _ := newTestRecorder(t, api)

	_, err := rec.Record(context.Background(), 0, patient.AdherenceInput{Timestamp: "yesterday"})
	assert.ErrorIs(t, err, patient.ErrInvalidRecord)
	assert.Zero(t, api.posts.Load())
}

func TestRecorder_BreakerOpensOnServerErrors(t *testing.T) {
	api := newFakeAPI()
	api.status = http.StatusBadGateway

	cfg := circuitbreaker.DefaultConfig("recorder")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool { return err == nil || IsClientError(err) }
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	rec, _ := newTestRecorder(t, api, WithBreaker(cb))

	_, err = rec.Record(context.Background(), 0, patient.AdherenceInput{Taken: true})
	require.Error(t, err)
	_, err = rec.Record(context.Background(), 0, patient.AdherenceInput{Taken: true})
	assert.True(t, circuitbreaker.IsRejection(err))
	assert.Equal(t, int32(1), api.posts.Load())
}

func TestClient_ClientErrorsDoNotTrip(t *testing.T) {
	api := newFakeAPI()
	api.status = http.StatusBadRequest
	rec, _ := newTestRecorder(t, api)

	_, err := rec.Record(context.Background(), 7, patient.AdherenceInput{Taken: true})
	assert.True(t, IsClientError(err))
}
