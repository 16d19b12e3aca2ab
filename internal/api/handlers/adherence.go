// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/api/middleware"
	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/export"
	fhir "github.com/medalert/adherence-engine/internal/fhir/r5"
	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/observability/tracing"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// Store is the patient data the handlers read and write
type Store interface {
	Medicines(ctx context.Context, patientID string) ([]schedule.Medicine, error)
	History(ctx context.Context, patientID string, index int) (*patient.History, error)
	RecordAdherence(ctx context.Context, patientID string, index int, in patient.AdherenceInput) (*patient.Event, error)
	AddMedicine(ctx context.Context, patientID string, m schedule.Medicine) (int, error)
}

// AdherenceHandler serves schedules, adherence write-back, export and
// medicine import for one patient at a time
type AdherenceHandler struct {
	store   Store
	engine  *schedule.Engine
	inbox   idempotency.Processor
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	clock   func() time.Time
}

// NewAdherenceHandler creates a new handler. inbox and m may be nil.
func NewAdherenceHandler(store Store, engine *schedule.Engine, inbox idempotency.Processor, m *metrics.Metrics, logger *zap.Logger) *AdherenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdherenceHandler{
		store:   store,
		engine:  engine,
		inbox:   inbox,
		metrics: m,
		logger:  logger,
		tracer:  tracing.Tracer("adherence-handler"),
		clock:   time.Now,
	}
}

// Routes returns the handler routes, to be mounted at /api/v1/patients
func (h *AdherenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{patientID}", func(r chi.Router) {
		r.Get("/medicines", h.ListMedicines)
		r.Post("/medicines", h.AddMedicine)
		r.Get("/schedules", h.Schedules)
		r.Get("/schedules/days", h.Days)
		r.Get("/summary", h.Summary)
		r.Get("/export", h.Export)
		r.Post("/adherence/{medicineIndex}", h.RecordAdherence)
		r.Get("/adherence/{medicineIndex}", h.History)
	})
	return r
}

// ScheduleFailure reports a medicine the engine could not project
type ScheduleFailure struct {
	MedicineIndex int    `json:"medicineIndex"`
	Name          string `json:"name"`
	Error         string `json:"error"`
}

// SchedulesResponse is the response for GET .../schedules
type SchedulesResponse struct {
	PatientID  string                       `json:"patientId"`
	ComputedAt time.Time                    `json:"computedAt"`
	Schedules  []*schedule.MedicineSchedule `json:"schedules"`
	Failures   []ScheduleFailure            `json:"failures,omitempty"`
}

// RecordResponse is the response for POST .../adherence/{medicineIndex}
type RecordResponse struct {
	EventID       string                   `json:"eventId"`
	PatientID     string                   `json:"patientId"`
	MedicineIndex int                      `json:"medicineIndex"`
	DoseID        string                   `json:"doseId,omitempty"`
	Record        schedule.AdherenceRecord `json:"record"`
}

// AddMedicineResponse is the response for POST .../medicines
type AddMedicineResponse struct {
	MedicineIndex int               `json:"medicineIndex"`
	Medicine      schedule.Medicine `json:"medicine"`
}

// ListMedicines handles GET /{patientID}/medicines
func (h *AdherenceHandler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_medicines")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	meds, err := h.store.Medicines(ctx, patientID)
	if err != nil {
		h.storeError(w, r, err, "failed to load medicines")
		return
	}
	if meds == nil {
		meds = []schedule.Medicine{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"medicines": meds})
}

// Schedules handles GET /{patientID}/schedules
func (h *AdherenceHandler) Schedules(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_schedules")
	defer span.End()

	now, ok := h.now(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")
	span.SetAttributes(attribute.String("patient_id", patientID))

	schedules, failures, err := h.compute(ctx, patientID, now)
	if err != nil {
		h.storeError(w, r, err, "failed to compute schedules")
		return
	}
	h.writeJSON(w, http.StatusOK, SchedulesResponse{
		PatientID:  patientID,
		ComputedAt: now,
		Schedules:  schedules,
		Failures:   failures,
	})
}

// Days handles GET /{patientID}/schedules/days
func (h *AdherenceHandler) Days(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_schedule_days")
	defer span.End()

	now, ok := h.now(w, r)
	if !ok {
		return
	}
	schedules, _, err := h.compute(ctx, chi.URLParam(r, "patientID"), now)
	if err != nil {
		h.storeError(w, r, err, "failed to compute schedules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"days": schedule.GroupByDay(schedules, h.engine.Options().Location),
	})
}

// Summary handles GET /{patientID}/summary
func (h *AdherenceHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_summary")
	defer span.End()

	now, ok := h.now(w, r)
	if !ok {
		return
	}
	schedules, _, err := h.compute(ctx, chi.URLParam(r, "patientID"), now)
	if err != nil {
		h.storeError(w, r, err, "failed to compute schedules")
		return
	}
	h.writeJSON(w, http.StatusOK, schedule.Summarize(schedules, now))
}

// Export handles GET /{patientID}/export?format=&status=&view=&date=
func (h *AdherenceHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "export_schedule")
	defer span.End()

	now, ok := h.now(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := export.ParseStatusFilter(q.Get("status"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	loc := h.engine.Options().Location
	anchor := now.In(loc)
	if s := q.Get("date"); s != "" {
		anchor, err = time.ParseInLocation("2006-01-02", s, loc)
		if err != nil {
			h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	from, to, err := export.Window(export.View(q.Get("view")), anchor)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	schedules, _, err := h.compute(ctx, chi.URLParam(r, "patientID"), now)
	if err != nil {
		h.storeError(w, r, err, "failed to compute schedules")
		return
	}
	rows := export.Rows(schedules, loc, export.Filter{From: from, To: to, Status: status})
	span.SetAttributes(attribute.Int("rows", len(rows)), attribute.String("format", string(format)))

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(format, now.In(loc))+`"`)
	if err := export.Write(w, format, rows); err != nil {
		h.logger.Error("export write failed", zap.Error(err))
	}
}

// RecordAdherence handles POST /{patientID}/adherence/{medicineIndex}
func (h *AdherenceHandler) RecordAdherence(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "record_adherence")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	index, ok := h.medicineIndex(w, r)
	if !ok {
		return
	}

	var in patient.AdherenceInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := in.Normalize(h.clock(), h.engine.Options().Location)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := h.idempotencyKey(r, patientID, index, in)
	span.SetAttributes(
		attribute.String("patient_id", patientID),
		attribute.Int("medicine_index", index),
		attribute.Bool("taken", in.Taken))

	payload, err := json.Marshal(in)
	if err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	record := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		event, err := h.store.RecordAdherence(ctx, patientID, index, in)
		if err != nil {
			if isClientError(err) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(RecordResponse{
			EventID:       event.ID,
			PatientID:     patientID,
			MedicineIndex: index,
			DoseID:        in.DoseID,
			Record:        in.Record(),
		})
	}

	var result *idempotency.ProcessResult
	if h.inbox == nil {
		raw, err := record(ctx, payload)
		if err != nil {
			h.recordError(w, r, err)
			return
		}
		result = &idempotency.ProcessResult{IsNew: true, Result: raw}
	} else {
		result, err = h.inbox.Process(ctx, key, "record_adherence", payload, record)
		if err != nil {
			h.recordError(w, r, err)
			return
		}
	}

	code := http.StatusOK
	if result.IsNew || result.WasRecovered {
		code = http.StatusCreated
		h.metrics.RecordAdherence(in.Taken)
		h.logger.Info("adherence recorded",
			zap.String("patient_id", patientID),
			zap.Int("medicine_index", index),
			zap.Bool("taken", in.Taken),
			zap.String("request_id", middleware.GetRequestID(ctx)))
	} else {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(result.Result)
}

// History handles GET /{patientID}/adherence/{medicineIndex}
func (h *AdherenceHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_adherence_history")
	defer span.End()

	index, ok := h.medicineIndex(w, r)
	if !ok {
		return
	}
	history, err := h.store.History(ctx, chi.URLParam(r, "patientID"), index)
	if err != nil {
		h.storeError(w, r, err, "failed to load adherence history")
		return
	}
	if history.Adherence == nil {
		history.Adherence = []schedule.AdherenceRecord{}
	}
	h.writeJSON(w, http.StatusOK, history)
}

// AddMedicine handles POST /{patientID}/medicines. The body is either a
// plain medicine or a FHIR MedicationRequest.
func (h *AdherenceHandler) AddMedicine(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "add_medicine")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var kind struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &kind); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var med schedule.Medicine
	switch kind.ResourceType {
	case "":
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&med); err != nil {
			if errors.Is(err, schedule.ErrInvalidMedicine) {
				h.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	case "MedicationRequest":
		var mr fhir.MedicationRequest
		if err := mr.FromJSON(body); err != nil {
			h.jsonError(w, "invalid MedicationRequest", http.StatusBadRequest)
			return
		}
		med, err = mr.ToMedicine(h.engine.Options().Location)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		span.SetAttributes(attribute.String("fhir_id", mr.ID))
	default:
		h.jsonError(w, "unsupported resourceType "+kind.ResourceType, http.StatusBadRequest)
		return
	}

	if len(med.Timing) == 0 {
		med.Timing = schedule.SuggestTiming(med.Frequency)
	}
	if med.FoodTiming == "" {
		med.FoodTiming = schedule.FoodTimingFromFrequency(med.Frequency)
	}
	med.Adherence = nil

	patientID := chi.URLParam(r, "patientID")
	index, err := h.store.AddMedicine(ctx, patientID, med)
	if err != nil {
		h.storeError(w, r, err, "failed to add medicine")
		return
	}

	h.logger.Info("medicine added",
		zap.String("patient_id", patientID),
		zap.Int("medicine_index", index),
		zap.String("medicine", med.Name),
		zap.Bool("fhir", kind.ResourceType != ""))

	h.writeJSON(w, http.StatusCreated, AddMedicineResponse{MedicineIndex: index, Medicine: med})
}

func (h *AdherenceHandler) compute(ctx context.Context, patientID string, now time.Time) ([]*schedule.MedicineSchedule, []ScheduleFailure, error) {
	meds, err := h.store.Medicines(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	results := h.engine.Schedules(meds, nil, now)
	if h.metrics != nil {
		h.metrics.ComputeDuration.Observe(time.Since(start).Seconds())
	}
	h.metrics.ObserveResults(results)

	schedules := make([]*schedule.MedicineSchedule, 0, len(results))
	var failures []ScheduleFailure
	for _, res := range results {
		if res.Err != nil {
			failures = append(failures, ScheduleFailure{
				MedicineIndex: res.Ref.Index,
				Name:          meds[res.Ref.Index].Name,
				Error:         res.Err.Error(),
			})
			continue
		}
		schedules = append(schedules, res.Schedule)
	}
	return schedules, failures, nil
}

// now returns the evaluation instant, honouring a ?now= override.
func (h *AdherenceHandler) now(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	s := r.URL.Query().Get("now")
	if s == "" {
		return h.clock(), true
	}
	t, ok := schedule.ParseTimestamp(s, h.engine.Options().Location)
	if !ok {
		h.jsonError(w, "invalid now parameter", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

func (h *AdherenceHandler) medicineIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "medicineIndex"))
	if err != nil || index < 0 {
		h.jsonError(w, patient.ErrInvalidIndex.Error(), http.StatusBadRequest)
		return 0, false
	}
	return index, true
}

func (h *AdherenceHandler) idempotencyKey(r *http.Request, patientID string, index int, in patient.AdherenceInput) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return idempotency.ScopedKey(patientID, key)
	}
	// Normalize has rewritten the timestamp as RFC3339.
	ts, _ := time.Parse(time.RFC3339, in.Timestamp)
	return idempotency.GenerateKey(patientID, index, in.DoseID, in.Taken, ts)
}

func (h *AdherenceHandler) recordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress):
		h.jsonError(w, "an identical request is in progress", http.StatusConflict)
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.jsonError(w, "an identical request already failed", http.StatusConflict)
	default:
		h.storeError(w, r, err, "failed to record adherence")
	}
}

func (h *AdherenceHandler) storeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, patient.ErrNotFound):
		h.jsonError(w, "patient not found", http.StatusNotFound)
	case errors.Is(err, patient.ErrInvalidIndex):
		h.jsonError(w, patient.ErrInvalidIndex.Error(), http.StatusBadRequest)
	case isClientError(err):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(message,
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		h.jsonError(w, message, http.StatusInternalServerError)
	}
}

func isClientError(err error) bool {
	return errors.Is(err, patient.ErrNotFound) ||
		errors.Is(err, patient.ErrInvalidIndex) ||
		errors.Is(err, patient.ErrInvalidRecord) ||
		errors.Is(err, schedule.ErrInvalidMedicine) ||
		errors.Is(err, fhir.ErrNotSchedulable)
}

func (h *AdherenceHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *AdherenceHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
