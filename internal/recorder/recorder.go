// Package recorder implements adherence write-back for one patient: post
// the mark, wait for the server, then refetch and recompute. Only one
// recording may be in flight at a time.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/circuitbreaker"
)

// ErrBusy is returned when a recording is already in flight
var ErrBusy = errors.New("another adherence recording is in progress")

// Backend is the server side of write-back
type Backend interface {
	Medicines(ctx context.Context, patientID string) ([]schedule.Medicine, error)
	RecordAdherence(ctx context.Context, patientID string, index int, in patient.AdherenceInput) error
}

// Option configures optional Recorder dependencies
type Option func(*Recorder)

// WithBreaker routes backend calls through cb
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(r *Recorder) { r.breaker = cb }
}

// WithMetrics counts writes and rejected attempts
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder records adherence for one patient and keeps the last computed
// schedules
type Recorder struct {
	backend   Backend
	engine    *schedule.Engine
	patientID string
	breaker   *circuitbreaker.CircuitBreaker
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	busy atomic.Bool

	mu        sync.RWMutex
	medicines []schedule.Medicine
	schedules []*schedule.MedicineSchedule
}

// New creates a recorder for patientID
func New(backend Backend, engine *schedule.Engine, patientID string, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		backend:   backend,
		engine:    engine,
		patientID: patientID,
		logger:    logger.With(zap.String("patient_id", patientID)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Busy reports whether a recording is in flight
func (r *Recorder) Busy() bool {
	return r.busy.Load()
}

// Schedules returns the schedules of the last successful load
func (r *Recorder) Schedules() []*schedule.MedicineSchedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schedules
}

// Medicines returns the medicine list of the last successful load
func (r *Recorder) Medicines() []schedule.Medicine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.medicines
}

// Recompute reclassifies the last loaded medicines at the current time
// without touching the backend
func (r *Recorder) Recompute() []*schedule.MedicineSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = r.compute(r.medicines)
	return r.schedules
}

// Load fetches the medicine list and recomputes the schedules
func (r *Recorder) Load(ctx context.Context) ([]*schedule.MedicineSchedule, error) {
	meds, err := r.fetch(ctx)
	if err != nil {
		return r.Schedules(), err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.medicines = meds
	r.schedules = r.compute(meds)
	return r.schedules, nil
}

// Record posts an adherence mark for the medicine at index, then refetches
// and recomputes. A concurrent call fails with ErrBusy without I/O. On any
// failure the previous schedules are kept.
func (r *Recorder) Record(ctx context.Context, index int, in patient.AdherenceInput) ([]*schedule.MedicineSchedule, error) {
	if !r.busy.CompareAndSwap(false, true) {
		if r.metrics != nil {
			r.metrics.RecordingsRejected.Inc()
		}
		return r.Schedules(), ErrBusy
	}
	defer r.busy.Store(false)

	in, err := in.Normalize(r.now(), r.engine.Options().Location)
	if err != nil {
		return r.Schedules(), err
	}

	err = r.call(ctx, func() error {
		return r.backend.RecordAdherence(ctx, r.patientID, index, in)
	})
	if err != nil {
		r.logger.Warn("adherence recording failed",
			zap.Int("medicine_index", index),
			zap.Error(err))
		return r.Schedules(), fmt.Errorf("record adherence: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordAdherence(in.Taken)
	}

	schedules, err := r.Load(ctx)
	if err != nil {
		return schedules, fmt.Errorf("refresh after recording: %w", err)
	}
	return schedules, nil
}

func (r *Recorder) fetch(ctx context.Context) ([]schedule.Medicine, error) {
	var meds []schedule.Medicine
	err := r.call(ctx, func() error {
		var err error
		meds, err = r.backend.Medicines(ctx, r.patientID)
		return err
	})
	return meds, err
}

func (r *Recorder) call(ctx context.Context, fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	return r.breaker.Do(ctx, fn)
}

func (r *Recorder) compute(meds []schedule.Medicine) []*schedule.MedicineSchedule {
	results := r.engine.Schedules(meds, nil, r.now())
	if r.metrics != nil {
		r.metrics.ObserveResults(results)
	}
	out := make([]*schedule.MedicineSchedule, 0, len(results))
	for _, res := range results {
		if res.Err == nil {
			out = append(out, res.Schedule)
		}
	}
	return out
}

// IsClientError reports whether err is a 4xx answer. Breakers should not
// count these as backend failures.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}
