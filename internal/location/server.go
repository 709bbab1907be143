package location

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/geo"
)

var samplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_samples_total",
	Help: "Device positions received over gRPC grouped by outcome.",
}, []string{"result"})

// Server implements the LocationServer interface.
type Server struct {
	observer *StreamObserver
	logger   *zap.Logger
}

func NewServer(observer *StreamObserver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{observer: observer, logger: logger.Named("location.grpc")}
}

// StreamLocation ingests device positions into the observer. Malformed or stale samples are
// counted as rejected; they never end the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if s.ingest(stream.Context(), msg) {
			ack.Accepted++
			samplesIngested.WithLabelValues("accepted").Inc()
		} else {
			ack.Rejected++
			samplesIngested.WithLabelValues("rejected").Inc()
		}
	}
}

func (s *Server) ingest(ctx context.Context, msg *DevicePosition) bool {
	userID, err := uuid.Parse(msg.UserId)
	if err != nil {
		return false
	}
	pt := geo.Point{Lat: msg.Lat, Lng: msg.Lng}
	if err := pt.Validate(); err != nil {
		s.logger.Debug("rejecting position", zap.String("user_id", msg.UserId), zap.Error(err))
		return false
	}
	return s.observer.Update(ctx, userID, Sample{Point: pt, CapturedAt: time.UnixMilli(msg.Ts).UTC()})
}

// Forward streams fixes to a location service until fixes closes or ctx ends.
func Forward(ctx context.Context, client LocationClient, userID uuid.UUID, fixes <-chan Sample) (*Ack, error) {
	stream, err := client.StreamLocation(ctx)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s, ok := <-fixes:
			if !ok {
				return stream.CloseAndRecv()
			}
			if err := stream.Send(&DevicePosition{
				UserId: userID.String(),
				Lat:    s.Point.Lat,
				Lng:    s.Point.Lng,
				Ts:     s.CapturedAt.UnixMilli(),
			}); err != nil {
				return nil, err
			}
		}
	}
}
