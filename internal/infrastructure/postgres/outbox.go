// Package postgres provides PostgreSQL infrastructure components.
// Adherence events are published through a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is a patient event waiting to be published
type OutboxEntry struct {
	ID          int64
	PatientID   string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries to publish per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exceeded MaxRetries
	DeadLetterTopic string
	// SweepEvery runs the dead-letter sweep and stats refresh every N polls
	SweepEvery int
	// LockID is the advisory lock shared by all relay instances
	LockID int64
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		SweepEvery:      40,
		LockID:          7_305_202_401,
	}
}

// Publisher sends one record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Gauge receives the pending entry count
type Gauge interface {
	Set(float64)
}

// Relay moves committed outbox entries to the broker
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	pending   Gauge
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a new outbox relay. pending may be nil.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, pending Gauge, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultRelayConfig().SweepEvery
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		pending:   pending,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (patient_id, event_type, payload, topic, record_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.PatientID,
		entry.EventType,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and publishing
func (o *Relay) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay
func (o *Relay) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Relay) loop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.withLock(o.publishBatch)
			polls++
			if polls%o.config.SweepEvery == 0 {
				o.withLock(o.sweep)
			}
		}
	}
}

// withLock runs fn only if this instance wins the advisory lock. The lock is
// taken and released on one dedicated connection.
func (o *Relay) withLock(fn func(ctx context.Context)) {
	conn, err := o.pool.Acquire(o.ctx)
	if err != nil {
		o.logger.Warn("outbox relay cannot acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(o.ctx, "SELECT pg_try_advisory_lock($1)", o.config.LockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", o.config.LockID); err != nil {
			o.logger.Warn("advisory unlock failed", zap.Error(err))
		}
	}()

	fn(o.ctx)
}

func (o *Relay) publishBatch(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "outbox_publish_batch")
	defer span.End()

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.publishEntry(ctx, entry); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (o *Relay) sweep(ctx context.Context) {
	moved, err := o.MoveToDeadLetter(ctx)
	if err != nil {
		o.logger.Error("dead-letter sweep failed", zap.Error(err))
	} else if moved > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}

	if o.pending == nil {
		return
	}
	stats, err := o.GetStats(ctx)
	if err != nil {
		o.logger.Warn("outbox stats failed", zap.Error(err))
		return
	}
	o.pending.Set(float64(stats.Pending))
}

func (o *Relay) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, patient_id, event_type, payload, topic, record_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.PatientID, &entry.EventType, &entry.Payload,
			&entry.Topic, &entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Relay) publishEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_publish_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("patient_id", entry.PatientID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		errStr := err.Error()
		if _, updateErr := o.pool.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
			errStr, entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := o.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// CleanupProcessed removes published entries older than olderThan
func (o *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeadLetter is the envelope published for an entry that exhausted its retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	PatientID     string          `json:"patient_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead-letter topic and
// marks them processed
func (o *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, patient_id, event_type, payload, topic, record_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.PatientID, &e.EventType, &e.Payload, &e.Topic, &e.Key,
			&e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan failed: %w", err)
	}

	var count int64
	for _, entry := range entries {
		dl, err := json.Marshal(DeadLetter{
			OriginalTopic: entry.Topic,
			EventType:     entry.EventType,
			PatientID:     entry.PatientID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			o.logger.Error("failed to encode dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}

		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, dl); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}

		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// OutboxStats holds outbox counters
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Relay) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	err := o.pool.QueryRow(ctx, query, o.config.MaxRetries).Scan(
		&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
