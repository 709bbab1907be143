package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/ride/domain"
)

// DB is the subset of pgx used by the repository. Both *pgxpool.Pool and pgxmock pools satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DefaultEventTopic is the NATS subject ride events are relayed to from the outbox.
const DefaultEventTopic = "ride.events"

const rideColumns = `id, passenger_id, driver_id, origin_lat, origin_lng, origin_address,
dest_lat, dest_lng, dest_address, seats_requested, institution, status, distance_km,
estimated_duration_mins, fare_cents, actual_duration_mins, cancel_reason, cancelled_by,
released_driver_id, created_at, started_at, completed_at, cancelled_at, version`

// Schema creates the tables used by PostgresRepository and the outbox worker.
const Schema = `CREATE TABLE IF NOT EXISTS rides (
id UUID PRIMARY KEY,
passenger_id UUID NOT NULL,
driver_id UUID,
origin_lat DOUBLE PRECISION NOT NULL,
origin_lng DOUBLE PRECISION NOT NULL,
origin_address TEXT NOT NULL,
dest_lat DOUBLE PRECISION NOT NULL,
dest_lng DOUBLE PRECISION NOT NULL,
dest_address TEXT NOT NULL,
seats_requested INT NOT NULL,
institution TEXT NOT NULL DEFAULT '',
status TEXT NOT NULL,
distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
estimated_duration_mins INT NOT NULL DEFAULT 0,
fare_cents BIGINT NOT NULL DEFAULT 0,
actual_duration_mins INT NOT NULL DEFAULT 0,
cancel_reason TEXT NOT NULL DEFAULT '',
cancelled_by UUID,
released_driver_id UUID,
created_at TIMESTAMPTZ NOT NULL,
started_at TIMESTAMPTZ,
completed_at TIMESTAMPTZ,
cancelled_at TIMESTAMPTZ,
version BIGINT NOT NULL DEFAULT 1
);
ALTER TABLE rides ADD COLUMN IF NOT EXISTS released_driver_id UUID;
CREATE INDEX IF NOT EXISTS rides_open_idx ON rides (created_at DESC) WHERE status = 'REQUESTED';
CREATE TABLE IF NOT EXISTS ride_outbox (
id BIGSERIAL PRIMARY KEY,
topic TEXT NOT NULL,
payload BYTEA NOT NULL,
published BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresRepository stores rides in Postgres. Every state change and its event are
// written in one transaction, so the outbox never disagrees with the ride row.
type PostgresRepository struct {
	db     DB
	topic  string
	tracer trace.Tracer
}

// NewPostgresRepository constructs the repository; an empty topic selects DefaultEventTopic.
func NewPostgresRepository(db DB, topic string) *PostgresRepository {
	if topic == "" {
		topic = DefaultEventTopic
	}
	return &PostgresRepository{db: db, topic: topic, tracer: otel.Tracer("ride.repository.postgres")}
}

// Migrate applies Schema.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresRepository) CreateRide(ctx context.Context, ride domain.Ride) (domain.Ride, domain.RideEvent, error) {
	ctx, span := p.tracer.Start(ctx, "rides.create")
	defer span.End()
	if err := ride.Validate(); err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	event, err := domain.RideSnapshotEvent(domain.EventNewRide, ride, ride.CreatedAt)
	if err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES
($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`, rideArgs(ride)...); err != nil {
			return fmt.Errorf("insert ride: %w", err)
		}
		return p.insertOutbox(ctx, tx, event)
	})
	if err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	return ride, event, nil
}

func (p *PostgresRepository) GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	ctx, span := p.tracer.Start(ctx, "rides.get")
	defer span.End()
	ride, err := scanRide(p.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ride{}, domain.ErrRideNotFound
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("select ride: %w", err)
	}
	return ride, nil
}

// UpdateRide locks the row, applies the change and writes the ride together with its event.
// Concurrent accepts queue on the row lock; every caller after the first sees an ASSIGNED ride.
func (p *PostgresRepository) UpdateRide(ctx context.Context, change domain.Change) (domain.Ride, domain.RideEvent, error) {
	ctx, span := p.tracer.Start(ctx, "rides.update", trace.WithAttributes(
		attribute.String("ride_id", change.RideID.String()),
		attribute.String("event", string(change.Event)),
	))
	defer span.End()

	var (
		updated domain.Ride
		event   domain.RideEvent
	)
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanRide(tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, change.RideID))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRideNotFound
		}
		if err != nil {
			return fmt.Errorf("lock ride: %w", err)
		}
		updated, err = change.Apply(existing)
		if err != nil {
			return err
		}
		updated.Version = existing.Version + 1
		if err := updated.Validate(); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE rides SET driver_id = $2, status = $3, distance_km = $4,
estimated_duration_mins = $5, fare_cents = $6, actual_duration_mins = $7, cancel_reason = $8,
cancelled_by = $9, released_driver_id = $10, started_at = $11, completed_at = $12, cancelled_at = $13,
version = $14
WHERE id = $1 AND status = $15 AND version = $16`,
			updated.ID, updated.DriverID, string(updated.Status), updated.DistanceKm,
			updated.EstimatedDurationMins, updated.FareCents, updated.ActualDurationMins, updated.CancelReason,
			updated.CancelledBy, updated.ReleasedDriverID, updated.StartedAt, updated.CompletedAt, updated.CancelledAt, updated.Version,
			string(existing.Status), existing.Version)
		if err != nil {
			return fmt.Errorf("update ride: %w", err)
		}
		if tag.RowsAffected() != 1 {
			if existing.Status == domain.StatusRequested && change.Event == domain.EventRideAssigned {
				return domain.ErrRideAlreadyAssigned
			}
			return fmt.Errorf("%w: ride %s changed concurrently", domain.ErrInvalidTransition, existing.ID)
		}
		event, err = domain.RideSnapshotEvent(change.Event, updated, change.At)
		if err != nil {
			return err
		}
		return p.insertOutbox(ctx, tx, event)
	})
	if err != nil {
		return domain.Ride{}, domain.RideEvent{}, err
	}
	return updated, event, nil
}

func (p *PostgresRepository) ListOpenRides(ctx context.Context, filter domain.OpenRideFilter) ([]domain.Ride, error) {
	ctx, span := p.tracer.Start(ctx, "rides.list_open")
	defer span.End()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, `SELECT `+rideColumns+` FROM rides
WHERE status = $1 AND seats_requested >= $2 AND ($3 = '' OR lower(institution) = lower($3))
ORDER BY created_at DESC LIMIT $4`, string(domain.StatusRequested), filter.MinSeats, filter.Institution, limit)
	if err != nil {
		return nil, fmt.Errorf("select open rides: %w", err)
	}
	defer rows.Close()
	var out []domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rides: %w", err)
	}
	return out, nil
}

func (p *PostgresRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresRepository) insertOutbox(ctx context.Context, tx pgx.Tx, event domain.RideEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ride_outbox (topic, payload, created_at) VALUES ($1, $2, $3)`, p.topic, payload, event.OccurredAt); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func rideArgs(r domain.Ride) []any {
	return []any{
		r.ID, r.PassengerID, r.DriverID, r.Origin.Lat, r.Origin.Lng, r.Origin.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address, r.SeatsRequested, r.Institution,
		string(r.Status), r.DistanceKm, r.EstimatedDurationMins, r.FareCents, r.ActualDurationMins,
		r.CancelReason, r.CancelledBy, r.ReleasedDriverID, r.CreatedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.Version,
	}
}

func scanRide(row pgx.Row) (domain.Ride, error) {
	var (
		r      domain.Ride
		status string
		origin geo.Point
		dest   geo.Point
	)
	err := row.Scan(
		&r.ID, &r.PassengerID, &r.DriverID, &origin.Lat, &origin.Lng, &r.Origin.Address,
		&dest.Lat, &dest.Lng, &r.Destination.Address, &r.SeatsRequested, &r.Institution,
		&status, &r.DistanceKm, &r.EstimatedDurationMins, &r.FareCents, &r.ActualDurationMins,
		&r.CancelReason, &r.CancelledBy, &r.ReleasedDriverID, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.Version,
	)
	if err != nil {
		return domain.Ride{}, err
	}
	r.Origin.Point = origin
	r.Destination.Point = dest
	r.Status = domain.RideStatus(status)
	return r, nil
}
