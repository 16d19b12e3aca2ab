package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/infrastructure/postgres"
	"github.com/medalert/adherence-engine/internal/schedule"
)

// Repository persists patients, their medicines and adherence history
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewRepository creates a new repository. Events are written to the outbox
// for topic.
func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger}
}

// PatientIDs lists every patient that has at least one medicine
func (r *Repository) PatientIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT patient_id FROM medicines ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return ids, nil
}

// Medicines loads a patient's medicine list, in index order, with the
// adherence history embedded in each medicine
func (r *Repository) Medicines(ctx context.Context, patientID string) ([]schedule.Medicine, error) {
	if err := r.requirePatient(ctx, r.pool, patientID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, idx, name, dosage, frequency, duration, timing, food_timing, prescribed_date
		FROM medicines
		WHERE patient_id = $1
		ORDER BY idx ASC
	`
	rows, err := r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query medicines: %w", err)
	}
	defer rows.Close()

	var meds []schedule.Medicine
	position := make(map[int]int)
	for rows.Next() {
		var (
			m   schedule.Medicine
			idx int
		)
		if err := rows.Scan(&m.ID, &idx, &m.Name, &m.Dosage, &m.Frequency, &m.Duration,
			&m.Timing, &m.FoodTiming, &m.PrescribedDate); err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		position[idx] = len(meds)
		meds = append(meds, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(meds) == 0 {
		return meds, nil
	}

	query = `
		SELECT m.idx, a.recorded_at, a.taken, a.notes, a.recorded_by
		FROM adherence_records a
		JOIN medicines m ON m.id = a.medicine_id
		WHERE m.patient_id = $1
		ORDER BY m.idx ASC, a.id ASC
	`
	rows, err = r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query adherence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx int
			rec schedule.AdherenceRecord
		)
		if err := rows.Scan(&idx, &rec.Timestamp, &rec.Taken, &rec.Notes, &rec.RecordedBy); err != nil {
			return nil, fmt.Errorf("scan adherence: %w", err)
		}
		if p, ok := position[idx]; ok {
			meds[p].Adherence = append(meds[p].Adherence, rec)
		}
	}
	return meds, rows.Err()
}

// History returns the adherence log of one medicine
func (r *Repository) History(ctx context.Context, patientID string, index int) (*History, error) {
	h := &History{MedicineIndex: index}
	var medicineID string
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, dosage, frequency, last_taken
		FROM medicines WHERE patient_id = $1 AND idx = $2
	`, patientID, index).Scan(&medicineID, &h.Name, &h.Dosage, &h.Frequency, &h.LastTaken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingMedicine(ctx, r.pool, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("query medicine: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT recorded_at, taken, notes, recorded_by
		FROM adherence_records WHERE medicine_id = $1
		ORDER BY id ASC
	`, medicineID)
	if err != nil {
		return nil, fmt.Errorf("query adherence: %w", err)
	}
	h.Adherence, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (schedule.AdherenceRecord, error) {
		var rec schedule.AdherenceRecord
		err := row.Scan(&rec.Timestamp, &rec.Taken, &rec.Notes, &rec.RecordedBy)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan adherence: %w", err)
	}
	return h, nil
}

// RecordAdherence appends an adherence record and its AdherenceRecorded
// event in one transaction. The input must already be normalized.
func (r *Repository) RecordAdherence(ctx context.Context, patientID string, index int, in AdherenceInput) (*Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var medicineID, name string
	err = tx.QueryRow(ctx, `
		SELECT id, name FROM medicines WHERE patient_id = $1 AND idx = $2 FOR UPDATE
	`, patientID, index).Scan(&medicineID, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingMedicine(ctx, tx, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock medicine: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO adherence_records (medicine_id, dose_id, recorded_at, taken, notes, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, medicineID, in.DoseID, in.Timestamp, in.Taken, in.Notes, in.RecordedBy)
	if err != nil {
		return nil, fmt.Errorf("insert adherence: %w", err)
	}

	if in.Taken {
		if _, err := tx.Exec(ctx, `UPDATE medicines SET last_taken = NOW() WHERE id = $1`, medicineID); err != nil {
			return nil, fmt.Errorf("update last taken: %w", err)
		}
	}

	event, err := NewEvent(patientID, EventAdherenceRecorded, AdherenceRecordedData{
		MedicineID:    medicineID,
		MedicineIndex: index,
		MedicineName:  name,
		DoseID:        in.DoseID,
		Taken:         in.Taken,
		Timestamp:     in.Timestamp,
		Notes:         in.Notes,
		RecordedBy:    in.RecordedBy,
	})
	if err != nil {
		return nil, err
	}
	if err := r.writeEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("adherence recorded",
		zap.String("patient_id", patientID),
		zap.Int("medicine_index", index),
		zap.Bool("taken", in.Taken))
	return event, nil
}

// AddMedicine appends a medicine to the patient's list, creating the patient
// if needed, and returns its index
func (r *Repository) AddMedicine(ctx context.Context, patientID string, m schedule.Medicine) (int, error) {
	if strings.TrimSpace(m.Name) == "" {
		return 0, fmt.Errorf("%w: missing name", schedule.ErrInvalidMedicine)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timing == nil {
		m.Timing = []string{}
	}
	if m.PrescribedDate == "" {
		m.PrescribedDate = time.Now().UTC().Format("2006-01-02")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO patients (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, patientID); err != nil {
		return 0, fmt.Errorf("ensure patient: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, patientID); err != nil {
		return 0, fmt.Errorf("lock patient: %w", err)
	}

	var index int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM medicines WHERE patient_id = $1`, patientID).Scan(&index); err != nil {
		return 0, fmt.Errorf("next index: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO medicines (id, patient_id, idx, name, dosage, frequency, duration, timing, food_timing, prescribed_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, patientID, index, m.Name, m.Dosage, m.Frequency, m.Duration, m.Timing, m.FoodTiming, m.PrescribedDate)
	if err != nil {
		return 0, fmt.Errorf("insert medicine: %w", err)
	}

	m.Adherence = nil
	event, err := NewEvent(patientID, EventMedicineAdded, MedicineAddedData{MedicineIndex: index, Medicine: m})
	if err != nil {
		return 0, err
	}
	if err := r.writeEvent(ctx, tx, event); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return index, nil
}

func (r *Repository) writeEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	entry, err := event.OutboxEntry(r.topic)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, entry)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) requirePatient(ctx context.Context, q querier, patientID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&exists); err != nil {
		return fmt.Errorf("query patient: %w", err)
	}
	if !exists {
		return fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	}
	return nil
}

// missingMedicine tells an unknown patient apart from an index out of range.
func (r *Repository) missingMedicine(ctx context.Context, q querier, patientID string) error {
	if err := r.requirePatient(ctx, q, patientID); err != nil {
		return err
	}
	return ErrInvalidIndex
}
