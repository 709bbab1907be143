package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	pub "github.com/example/ridesync/pkg/outbox"
)

var (
	outboxPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_outbox_publish_total",
		Help: "Ride events relayed from the outbox to NATS.",
	})
	outboxFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_outbox_fail_total",
		Help: "Ride events that exhausted their publish retries.",
	})
	outboxLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ride_outbox_lag_seconds",
		Help: "Age of the oldest event in the last relayed batch.",
	})
)

// WorkerConfig defines tunables for the relay worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	RetryBackoff time.Duration
}

// DB is the part of pgx the worker needs; *pgxpool.Pool and pgxmock pools satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Worker relays rows of ride_outbox to NATS. A batch is locked with SKIP LOCKED, so several
// ride service replicas can run workers side by side without double publishing.
type Worker struct {
	db        DB
	publisher *pub.Publisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
	now       func() time.Time
}

func NewWorker(db DB, conn pub.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var publisher *pub.Publisher
	if conn != nil {
		publisher = pub.NewPublisher(conn, "")
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger.Named("ride.outbox"),
		cfg:       cfg,
		tracer:    otel.Tracer("ride.outbox.worker"),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type record struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// ProcessOnce relays one batch and reports how many rows it marked published. A publish
// failure rolls the whole batch back; rows already sent are sent again on the next poll,
// which consumers tolerate because ride snapshots carry a version.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	records, err := w.loadPending(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(records)))

	ids := make([]int64, 0, len(records))
	maxLag := 0.0
	for _, rec := range records {
		if err := w.publishWithRetry(ctx, rec); err != nil {
			_ = tx.Rollback(ctx)
			return 0, err
		}
		ids = append(ids, rec.ID)
		outboxPublishTotal.Inc()
		if lag := w.now().Sub(rec.CreatedAt).Seconds(); lag > maxLag {
			maxLag = lag
		}
	}
	outboxLagSeconds.Set(maxLag)
	if _, err := tx.Exec(ctx, `UPDATE ride_outbox SET published = true WHERE id = ANY($1)`, ids); err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("mark published: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(ids), nil
}

func (w *Worker) loadPending(ctx context.Context, tx pgx.Tx) ([]record, error) {
	rows, err := tx.Query(ctx, `SELECT id, topic, payload, created_at FROM ride_outbox
WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var records []record
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return records, nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec record) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(attribute.Int64("outbox.id", rec.ID)))
	defer span.End()
	if rec.Topic == "" {
		return fmt.Errorf("outbox record %d missing topic", rec.ID)
	}
	header := nats.Header{}
	var meta struct {
		Type   string `json:"type"`
		RideID string `json:"ride_id"`
	}
	if json.Unmarshal(rec.Payload, &meta) == nil {
		header.Set(pub.HeaderEventType, meta.Type)
		header.Set(pub.HeaderRideID, meta.RideID)
	}
	if sc := span.SpanContext(); sc.IsValid() {
		header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}

	var attempt int
	for {
		attempt++
		err := w.publisher.PublishRaw(ctx, rec.Topic, rec.Payload, header)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			outboxFailTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * w.cfg.RetryBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
