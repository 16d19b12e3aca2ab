// Package refresh owns the repeating recomputation of patient schedules.
// The engine itself holds no timers; a Refresher drives it on a cron
// schedule and on demand, and publishes each result as an immutable Snapshot.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/circuitbreaker"
	"github.com/medalert/adherence-engine/pkg/workerpool"
)

// Source loads the inputs of a refresh
type Source interface {
	PatientIDs(ctx context.Context) ([]string, error)
	Medicines(ctx context.Context, patientID string) ([]schedule.Medicine, error)
}

// Sink receives every new snapshot. Its error is logged and does not fail
// the refresh.
type Sink func(ctx context.Context, snap *Snapshot, changed []string) error

// Config holds refresher configuration
type Config struct {
	// Spec is a robfig/cron spec, "@every 60s" by default
	Spec string
	// Workers bounds how many patients are recomputed at once
	Workers int
	// RunTimeout bounds one full refresh
	RunTimeout time.Duration
}

// DefaultConfig returns the default refresh cadence
func DefaultConfig() Config {
	return Config{
		Spec:       "@every 60s",
		Workers:    4,
		RunTimeout: 30 * time.Second,
	}
}

// PatientSnapshot is the computed state of one patient
type PatientSnapshot struct {
	PatientID  string                       `json:"patientId"`
	ComputedAt time.Time                    `json:"computedAt"`
	Schedules  []*schedule.MedicineSchedule `json:"schedules"`
	Summary    schedule.Summary             `json:"summary"`
	// Failures counts medicines rejected as structurally invalid
	Failures int `json:"failures"`
	// Stale is set when the source failed and the previous computation was kept
	Stale bool `json:"stale,omitempty"`
}

// Snapshot is the output of one refresh. It is never modified after it is
// published.
type Snapshot struct {
	ComputedAt time.Time
	Patients   map[string]*PatientSnapshot
}

// Patient returns the snapshot of one patient
func (s *Snapshot) Patient(id string) (*PatientSnapshot, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.Patients[id]
	return p, ok
}

// Option configures optional Refresher dependencies
type Option func(*Refresher)

// WithMetrics records run outcomes and dose gauges
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

// WithBreaker routes source calls through cb
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(r *Refresher) { r.breaker = cb }
}

// WithSink publishes every snapshot to sink
func WithSink(sink Sink) Option {
	return func(r *Refresher) { r.sink = sink }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// Refresher recomputes schedules on a timer and on demand
type Refresher struct {
	engine  *schedule.Engine
	source  Source
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	breaker *circuitbreaker.CircuitBreaker
	sink    Sink
	now     func() time.Time

	snap atomic.Pointer[Snapshot]
	// mu serializes writers of snap
	mu sync.Mutex

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a refresher. It does not run until Start or Refresh is called.
func New(engine *schedule.Engine, source Source, cfg Config, logger *zap.Logger, opts ...Option) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Spec == "" {
		cfg.Spec = def.Spec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		engine: engine,
		source: source,
		config: cfg,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&Snapshot{Patients: map[string]*PatientSnapshot{}})
	return r
}

// Start schedules the periodic refresh. The first run happens on the first
// tick; call Trigger for an immediate one.
func (r *Refresher) Start() error {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(r.logger.Named("cron")))
	r.cron = cron.New(
		cron.WithLocation(r.engine.Options().Location),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := r.cron.AddFunc(r.config.Spec, r.run); err != nil {
		return fmt.Errorf("invalid refresh spec %q: %w", r.config.Spec, err)
	}
	r.cron.Start()

	r.logger.Info("schedule refresher started",
		zap.String("spec", r.config.Spec),
		zap.Int("workers", r.config.Workers))
	return nil
}

// Stop cancels the timer and waits for a running refresh to finish
func (r *Refresher) Stop() {
	r.cancel()
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("schedule refresher stopped")
}

// Snapshot returns the last published snapshot. It is never nil.
func (r *Refresher) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Trigger recomputes every patient now and waits for the result
func (r *Refresher) Trigger(ctx context.Context) (*Snapshot, error) {
	return r.Refresh(ctx)
}

func (r *Refresher) run() {
	if r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.config.RunTimeout)
	defer cancel()
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Error("scheduled refresh failed", zap.Error(err))
	}
}

// Refresh recomputes all patients returned by the source and publishes the
// new snapshot. A patient whose medicines cannot be loaded keeps its previous
// computation, marked stale. If the patient list cannot be loaded the
// previous snapshot stays in place and the error is returned.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.patientIDs(ctx)
	if err != nil {
		r.observeRun("error")
		return r.snap.Load(), fmt.Errorf("load patients: %w", err)
	}

	prev := r.snap.Load()
	now := r.now()

	tasks := make([]*workerpool.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &workerpool.Task{ID: id, Payload: id}
	}
	results, err := workerpool.Run(ctx, workerpool.Config{Workers: r.config.Workers}, tasks,
		func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
			ps, err := r.computePatient(ctx, task.ID, now)
			if err != nil {
				return &workerpool.Result{Error: err}
			}
			return &workerpool.Result{Success: true, Data: ps}
		}, r.logger)
	if err != nil {
		r.observeRun("error")
		return prev, fmt.Errorf("recompute: %w", err)
	}

	next := &Snapshot{ComputedAt: now, Patients: make(map[string]*PatientSnapshot, len(ids))}
	outcome := "success"
	for _, res := range results {
		if res.Success {
			next.Patients[res.TaskID] = res.Data.(*PatientSnapshot)
			continue
		}
		outcome = "partial"
		r.logger.Warn("patient refresh failed, keeping previous",
			zap.String("patient_id", res.TaskID),
			zap.Error(res.Error))
		if old, ok := prev.Patient(res.TaskID); ok {
			stale := *old
			stale.Stale = true
			next.Patients[res.TaskID] = &stale
		}
	}

	r.publish(ctx, next, ids)
	r.observeRun(outcome)
	return next, nil
}

// RefreshPatient recomputes one patient and publishes a snapshot that
// differs from the current one only in that patient.
func (r *Refresher) RefreshPatient(ctx context.Context, patientID string) (*PatientSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ps, err := r.computePatient(ctx, patientID, now)
	if err != nil {
		r.observeRun("error")
		return nil, err
	}

	prev := r.snap.Load()
	next := &Snapshot{ComputedAt: prev.ComputedAt, Patients: make(map[string]*PatientSnapshot, len(prev.Patients)+1)}
	for id, p := range prev.Patients {
		next.Patients[id] = p
	}
	next.Patients[patientID] = ps

	r.publish(ctx, next, []string{patientID})
	r.observeRun("success")
	return ps, nil
}

func (r *Refresher) computePatient(ctx context.Context, patientID string, now time.Time) (*PatientSnapshot, error) {
	meds, err := r.medicines(ctx, patientID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := r.engine.Schedules(meds, nil, now)
	if r.metrics != nil {
		r.metrics.ComputeDuration.Observe(time.Since(start).Seconds())
		r.metrics.ObserveResults(results)
	}

	ps := &PatientSnapshot{
		PatientID:  patientID,
		ComputedAt: now,
		Schedules:  make([]*schedule.MedicineSchedule, 0, len(results)),
	}
	for _, res := range results {
		if res.Err != nil {
			ps.Failures++
			continue
		}
		ps.Schedules = append(ps.Schedules, res.Schedule)
	}
	ps.Summary = schedule.Summarize(ps.Schedules, now.In(r.engine.Options().Location))
	return ps, nil
}

func (r *Refresher) publish(ctx context.Context, next *Snapshot, changed []string) {
	r.snap.Store(next)

	if r.metrics != nil {
		var all []*schedule.MedicineSchedule
		for _, p := range next.Patients {
			all = append(all, p.Schedules...)
		}
		r.metrics.SetDoseGauges(all)
	}

	if r.sink != nil {
		if err := r.sink(ctx, next, changed); err != nil {
			r.logger.Warn("snapshot sink failed", zap.Error(err))
		}
	}
}

func (r *Refresher) patientIDs(ctx context.Context) ([]string, error) {
	if r.breaker == nil {
		return r.source.PatientIDs(ctx)
	}
	v, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.source.PatientIDs(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *Refresher) medicines(ctx context.Context, patientID string) ([]schedule.Medicine, error) {
	if r.breaker == nil {
		return r.source.Medicines(ctx, patientID)
	}
	v, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.source.Medicines(ctx, patientID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]schedule.Medicine), nil
}

func (r *Refresher) observeRun(outcome string) {
	if r.metrics != nil {
		r.metrics.RefreshRuns.WithLabelValues(outcome).Inc()
	}
}
