package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/service"
)

func TestPolicyRoomMembership(t *testing.T) {
	svc, _ := newService(t)
	policy := service.NewPolicy(svc)
	ctx := context.Background()
	p, d := passenger(), driver()
	ride, err := svc.CreateRide(ctx, p, rideRequest())
	require.NoError(t, err)
	_, err = svc.AcceptRide(ctx, ride.ID, d)
	require.NoError(t, err)

	require.NoError(t, policy.CanJoin(ctx, d, realtime.OpenRidesRoom))
	require.ErrorIs(t, policy.CanJoin(ctx, p, realtime.OpenRidesRoom), domain.ErrNotEligible)

	room := realtime.RideRoom(ride.ID)
	require.NoError(t, policy.CanJoin(ctx, p, room))
	require.NoError(t, policy.CanJoin(ctx, d, room))
	require.ErrorIs(t, policy.CanJoin(ctx, driver(), room), domain.ErrNotParticipant)
	require.Error(t, policy.CanJoin(ctx, d, "bogus"))
}

func TestPolicyPublish(t *testing.T) {
	svc, _ := newService(t)
	policy := service.NewPolicy(svc)
	ctx := context.Background()
	p, d := passenger(), driver()
	ride, err := svc.CreateRide(ctx, p, rideRequest())
	require.NoError(t, err)
	assigned, err := svc.AcceptRide(ctx, ride.ID, d)
	require.NoError(t, err)
	room := realtime.RideRoom(ride.ID)

	loc, err := domain.LocationEvent(domain.LivePosition{RideID: ride.ID, Role: domain.RoleDriver, Point: geo.Point{Lat: 12.96, Lng: 77.6}, CapturedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, policy.CanPublish(ctx, d, room, loc))
	require.ErrorIs(t, policy.CanPublish(ctx, p, room, loc), domain.ErrNotParticipant)

	status, err := domain.NewEvent(domain.EventRideStatusUpdate, ride.ID, domain.StatusPayload{Status: domain.StatusAssigned, DistanceKm: 3, EstimatedDurationMins: 6}, time.Now())
	require.NoError(t, err)
	require.NoError(t, policy.CanPublish(ctx, d, room, status))

	forged, err := domain.RideSnapshotEvent(domain.EventRideCompleted, assigned, time.Now())
	require.NoError(t, err)
	require.ErrorIs(t, policy.CanPublish(ctx, d, room, forged), domain.ErrNotParticipant)

	win, err := domain.RideSnapshotEvent(domain.EventRideAssigned, assigned, time.Now())
	require.NoError(t, err)
	require.NoError(t, policy.CanPublish(ctx, d, realtime.OpenRidesRoom, win))
	require.ErrorIs(t, policy.CanPublish(ctx, driver(), realtime.OpenRidesRoom, win), domain.ErrNotParticipant)

	require.ErrorIs(t, policy.CanPublish(ctx, d, realtime.RideRoom(p.UserID), loc), domain.ErrMalformedEvent)
}
