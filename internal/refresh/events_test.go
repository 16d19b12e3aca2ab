package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/infrastructure/redpanda"
)

func eventMessage(t *testing.T, patientID string, eventType patient.EventType) *redpanda.ConsumedMessage {
	t.Helper()
	event, err := patient.NewEvent(patientID, eventType, patient.AdherenceRecordedData{MedicineIndex: 0, Taken: true})
	require.NoError(t, err)
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicAdherenceEvents, Key: []byte(patientID), Value: value}
}

func TestHandleEvent_RefreshesPatient(t *testing.T) {
	src := newFakeSource()
	r := newTestRefresher(t, src)

	require.NoError(t, r.HandleEvent(context.Background(), eventMessage(t, "PAT-1", patient.EventAdherenceRecorded)))

	snap := r.Snapshot()
	assert.Len(t, snap.Patients, 1)
	_, ok := snap.Patient("PAT-1")
	assert.True(t, ok)
}

func TestHandleEvent_IgnoresOtherMessages(t *testing.T) {
	src := newFakeSource()
	r := newTestRefresher(t, src)

	require.NoError(t, r.HandleEvent(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")}))
	require.NoError(t, r.HandleEvent(context.Background(), eventMessage(t, "PAT-1", "PrescriptionRouted")))

	assert.Zero(t, src.medCalls)
	assert.Empty(t, r.Snapshot().Patients)
}

func TestHandleEvent_SourceFailureIsRetried(t *testing.T) {
	src := newFakeSource()
	src.fail["PAT-1"] = errors.New("connection reset")
	r := newTestRefresher(t, src)

	assert.Error(t, r.HandleEvent(context.Background(), eventMessage(t, "PAT-1", patient.EventMedicineAdded)))

	src.fail["PAT-1"] = patient.ErrNotFound
	assert.NoError(t, r.HandleEvent(context.Background(), eventMessage(t, "PAT-1", patient.EventMedicineAdded)))
}

type fakeProducer struct {
	records []*redpanda.Record
	err     error
}

func (f *fakeProducer) ProduceBatch(_ context.Context, records []*redpanda.Record) error {
	f.records = append(f.records, records...)
	return f.err
}

func TestProducerSink(t *testing.T) {
	producer := &fakeProducer{}
	r := newTestRefresher(t, newFakeSource(), WithSink(ProducerSink(producer, redpanda.TopicScheduleSnapshots)))

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	require.Len(t, producer.records, 2)
	keys := []string{producer.records[0].Key, producer.records[1].Key}
	assert.ElementsMatch(t, []string{"PAT-1", "PAT-2"}, keys)
	for _, rec := range producer.records {
		assert.Equal(t, redpanda.TopicScheduleSnapshots, rec.Topic)
		var ps PatientSnapshot
		require.NoError(t, json.Unmarshal(rec.Value, &ps))
		assert.Equal(t, rec.Key, ps.PatientID)
	}
}

func TestProducerSink_SkipsUnknownPatients(t *testing.T) {
	producer := &fakeProducer{}
	sink := ProducerSink(producer, redpanda.TopicScheduleSnapshots)

	snap := &Snapshot{Patients: map[string]*PatientSnapshot{}}
	require.NoError(t, sink(context.Background(), snap, []string{"PAT-9"}))
	assert.Empty(t, producer.records)
}
