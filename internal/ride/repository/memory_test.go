package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/repository"
)

func newRide(created time.Time) domain.Ride {
	return domain.Ride{
		ID:             uuid.New(),
		PassengerID:    uuid.New(),
		Origin:         domain.Place{Point: geo.Point{Lat: 12.97, Lng: 77.59}, Address: "MG Road"},
		Destination:    domain.Place{Point: geo.Point{Lat: 12.93, Lng: 77.62}, Address: "Koramangala"},
		SeatsRequested: 2,
		Status:         domain.StatusRequested,
		CreatedAt:      created,
		Version:        1,
	}
}

func acceptChange(rideID, driverID uuid.UUID) domain.Change {
	return domain.Change{
		RideID: rideID,
		Event:  domain.EventRideAssigned,
		At:     time.Now(),
		Apply:  func(r domain.Ride) (domain.Ride, error) { return r.Accept(driverID) },
	}
}

func TestMemoryRepositoryConcurrentAcceptSingleWinner(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ride, _, err := repo.CreateRide(context.Background(), newRide(time.Now()))
	require.NoError(t, err)

	const drivers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uuid.UUID
		lost    int
	)
	for i := 0; i < drivers; i++ {
		driverID := uuid.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			updated, _, err := repo.UpdateRide(context.Background(), acceptChange(ride.ID, driverID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, *updated.DriverID)
			case errors.Is(err, domain.ErrRideAlreadyAssigned):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Equal(t, drivers-1, lost)

	stored, err := repo.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, stored.Status)
	require.Equal(t, winners[0], *stored.DriverID)
	require.Equal(t, int64(2), stored.Version)

	events := repo.Events()
	require.Len(t, events, 2)
	require.Equal(t, domain.EventNewRide, events[0].Type)
	require.Equal(t, domain.EventRideAssigned, events[1].Type)
}

func TestMemoryRepositoryFailedChangeLeavesRideUntouched(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ride, _, err := repo.CreateRide(context.Background(), newRide(time.Now()))
	require.NoError(t, err)

	_, _, err = repo.UpdateRide(context.Background(), domain.Change{
		RideID: ride.ID,
		Event:  domain.EventRideStarted,
		Apply:  func(r domain.Ride) (domain.Ride, error) { return r.Start(uuid.New(), time.Now()) },
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := repo.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Equal(t, ride, stored)
	require.Len(t, repo.Events(), 1)

	_, err = repo.GetRide(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrRideNotFound)
}

func TestMemoryRepositoryListOpenRides(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	older := newRide(base)
	older.Institution = "IISc"
	newer := newRide(base.Add(time.Minute))
	newer.SeatsRequested = 4
	taken := newRide(base.Add(2 * time.Minute))
	for _, r := range []domain.Ride{older, newer, taken} {
		_, _, err := repo.CreateRide(ctx, r)
		require.NoError(t, err)
	}
	_, _, err := repo.UpdateRide(ctx, acceptChange(taken.ID, uuid.New()))
	require.NoError(t, err)

	open, err := repo.ListOpenRides(ctx, domain.OpenRideFilter{})
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, newer.ID, open[0].ID)

	open, err = repo.ListOpenRides(ctx, domain.OpenRideFilter{MinSeats: 3})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, newer.ID, open[0].ID)

	open, err = repo.ListOpenRides(ctx, domain.OpenRideFilter{Institution: "iisc"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, older.ID, open[0].ID)
}

func TestMemoryRepositoryEventLogIsBounded(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	var last domain.RideEvent
	for i := 0; i < repository.EventLogLimit+10; i++ {
		_, ev, err := repo.CreateRide(ctx, newRide(time.Unix(int64(i), 0).UTC()))
		require.NoError(t, err)
		last = ev
	}
	events := repo.Events()
	require.Len(t, events, repository.EventLogLimit)
	require.Equal(t, last.ID, events[len(events)-1].ID)
}
