package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	pub "github.com/example/ridesync/pkg/outbox"
)

type fakeConn struct {
	msgs []*nats.Msg
	err  error
	hits int
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	c.hits++
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func outboxRows(createdAt time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "topic", "payload", "created_at"}).
		AddRow(int64(1), "ride.events", []byte(`{"type":"rideAssigned","ride_id":"4b1c9f0e-6a53-4c8e-9b8a-0d5f3c1e2a77"}`), createdAt).
		AddRow(int64(2), "ride.events", []byte(`not json`), createdAt)
}

func TestProcessOnceRelaysAndMarksBatch(t *testing.T) {
	mock := newMock(t)
	conn := &fakeConn{}
	w := NewWorker(mock, conn, nil, WorkerConfig{})
	created := time.Unix(1_700_000_000, 0).UTC()
	w.now = func() time.Time { return created.Add(3 * time.Second) }

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, topic, payload, created_at FROM ride_outbox`).WithArgs(100).WillReturnRows(outboxRows(created))
	mock.ExpectExec(`UPDATE ride_outbox SET published = true`).WithArgs([]int64{1, 2}).WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, conn.msgs, 2)
	require.Equal(t, "ride.events", conn.msgs[0].Subject)
	require.Equal(t, "rideAssigned", conn.msgs[0].Header.Get(pub.HeaderEventType))
	require.Equal(t, "4b1c9f0e-6a53-4c8e-9b8a-0d5f3c1e2a77", conn.msgs[0].Header.Get(pub.HeaderRideID))
	require.Equal(t, []byte(`not json`), conn.msgs[1].Data)
	require.Empty(t, conn.msgs[1].Header.Get(pub.HeaderEventType))
}

func TestProcessOnceEmptyBatchCommits(t *testing.T) {
	mock := newMock(t)
	w := NewWorker(mock, &fakeConn{}, nil, WorkerConfig{BatchSize: 10})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ride_outbox`).WithArgs(10).WillReturnRows(pgxmock.NewRows([]string{"id", "topic", "payload", "created_at"}))
	mock.ExpectCommit()

	n, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceRollsBackAfterRetries(t *testing.T) {
	mock := newMock(t)
	conn := &fakeConn{err: errors.New("nats down")}
	w := NewWorker(mock, conn, nil, WorkerConfig{RetryMax: 3, RetryBackoff: time.Millisecond})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ride_outbox`).WithArgs(100).WillReturnRows(outboxRows(time.Now()))
	mock.ExpectRollback()

	_, err := w.ProcessOnce(context.Background())
	require.ErrorContains(t, err, "publish outbox 1")
	require.Equal(t, 3, conn.hits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceRollsBackWhenMarkFails(t *testing.T) {
	mock := newMock(t)
	w := NewWorker(mock, &fakeConn{}, nil, WorkerConfig{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ride_outbox`).WithArgs(100).WillReturnRows(outboxRows(time.Now()))
	mock.ExpectExec(`UPDATE ride_outbox`).WithArgs([]int64{1, 2}).WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	_, err := w.ProcessOnce(context.Background())
	require.ErrorContains(t, err, "mark published")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRequiresDependencies(t *testing.T) {
	require.Error(t, NewWorker(nil, nil, nil, WorkerConfig{}).Run(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	mock := newMock(t)
	w := NewWorker(mock, &fakeConn{}, nil, WorkerConfig{PollInterval: time.Hour})
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ride_outbox`).WithArgs(100).WillReturnRows(pgxmock.NewRows([]string{"id", "topic", "payload", "created_at"}))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
