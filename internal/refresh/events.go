package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/infrastructure/redpanda"
)

// HandleEvent recomputes the patient named by a patient event so schedules
// reflect a new record before the next timer tick. Unknown event types are
// ignored; a malformed event is logged and dropped.
func (r *Refresher) HandleEvent(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event patient.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.PatientID == "" {
		r.logger.Warn("dropping malformed patient event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	switch event.EventType {
	case patient.EventAdherenceRecorded, patient.EventMedicineAdded:
	default:
		return nil
	}

	if _, err := r.RefreshPatient(ctx, event.PatientID); err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("refresh patient %s: %w", event.PatientID, err)
	}
	r.logger.Debug("patient refreshed from event",
		zap.String("patient_id", event.PatientID),
		zap.String("event_type", string(event.EventType)))
	return nil
}

// BatchProducer sends records and waits for their acknowledgement
type BatchProducer interface {
	ProduceBatch(ctx context.Context, records []*redpanda.Record) error
}

// ProducerSink publishes the changed patients of every snapshot to topic,
// keyed by patient id.
func ProducerSink(producer BatchProducer, topic string) Sink {
	return func(ctx context.Context, snap *Snapshot, changed []string) error {
		records := make([]*redpanda.Record, 0, len(changed))
		for _, id := range changed {
			ps, ok := snap.Patient(id)
			if !ok {
				continue
			}
			value, err := json.Marshal(ps)
			if err != nil {
				return fmt.Errorf("encode snapshot %s: %w", id, err)
			}
			records = append(records, &redpanda.Record{Topic: topic, Key: id, Value: value})
		}
		if len(records) == 0 {
			return nil
		}
		return producer.ProduceBatch(ctx, records)
	}
}
