package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/ride/domain"
)

// Service is the ride store behind the API.
type Service interface {
	domain.RideStore
	CreateRideIdempotent(ctx context.Context, key string, actor domain.Actor, req domain.CreateRideRequest) (domain.Ride, error)
}

// HTTP exposes the authoritative ride store and the realtime endpoint.
type HTTP struct {
	svc      Service
	realtime http.Handler
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHTTP constructs a handler. realtime serves GET /v1/realtime and may be nil.
func NewHTTP(svc Service, realtime http.Handler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, realtime: realtime, validate: validator.New(), logger: logger.Named("ride.http")}
}

// Router builds the chi router. Every ride route requires a token; the realtime endpoint
// authenticates during the upgrade itself. limit wraps the authenticated routes and may be nil.
func (h *HTTP) Router(verifier *auth.Verifier, limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	if h.realtime != nil {
		r.Method(http.MethodGet, "/v1/realtime", h.realtime)
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier))
		if limit != nil {
			r.Use(limit)
		}
		h.Mount(r)
	})
	return r
}

// Mount registers the ride routes on r, which must already authenticate.
func (h *HTTP) Mount(r chi.Router) {
	r.Post("/v1/rides", h.createRide)
	r.With(auth.RequireDriver).Get("/v1/rides", h.listOpenRides)
	r.Get("/v1/rides/{id}", h.getRide)
	r.Post("/v1/rides/{id}/accept", h.acceptRide)
	r.Post("/v1/rides/{id}/start", h.startRide)
	r.Post("/v1/rides/{id}/complete", h.completeRide)
	r.Post("/v1/rides/{id}/cancel", h.cancelRide)
}

type placeRequest struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
	Address string  `json:"address" validate:"max=256"`
}

func (p placeRequest) place() domain.Place {
	return domain.Place{Point: geo.Point{Lat: p.Lat, Lng: p.Lng}, Address: p.Address}
}

type createRideRequest struct {
	Origin         placeRequest `json:"origin"`
	Destination    placeRequest `json:"destination"`
	SeatsRequested int          `json:"seats_requested" validate:"min=1"`
	Institution    string       `json:"institution" validate:"max=128"`
}

type completeRideRequest struct {
	DistanceKm         float64 `json:"distance_km" validate:"gte=0"`
	ActualDurationMins int     `json:"actual_duration_mins" validate:"gte=0"`
}

type cancelRideRequest struct {
	Reason string `json:"reason" validate:"max=280"`
}

func (h *HTTP) createRide(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var payload createRideRequest
	if !h.decode(w, r, &payload) {
		return
	}
	ride, err := h.svc.CreateRideIdempotent(r.Context(), r.Header.Get("Idempotency-Key"), actor, domain.CreateRideRequest{
		Origin:         payload.Origin.place(),
		Destination:    payload.Destination.place(),
		SeatsRequested: payload.SeatsRequested,
		Institution:    payload.Institution,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (h *HTTP) listOpenRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.OpenRideFilter{Institution: q.Get("institution")}
	for key, dst := range map[string]*int{"min_seats": &filter.MinSeats, "limit": &filter.Limit} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_ride", "invalid "+key)
			return
		}
		*dst = n
	}
	rides, err := h.svc.ListOpenRides(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if rides == nil {
		rides = []domain.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (h *HTTP) getRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.GetRide(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	if ride.Status != domain.StatusRequested && !ride.Involves(actor.UserID) {
		h.writeDomainError(w, domain.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *HTTP) acceptRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	h.respond(w, func() (domain.Ride, error) { return h.svc.AcceptRide(r.Context(), id, actor) })
}

func (h *HTTP) startRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	h.respond(w, func() (domain.Ride, error) { return h.svc.StartRide(r.Context(), id, actor) })
}

func (h *HTTP) completeRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	var payload completeRideRequest
	if !h.decode(w, r, &payload) {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	metrics := domain.TripMetrics{DistanceKm: payload.DistanceKm, ActualDurationMins: payload.ActualDurationMins}
	h.respond(w, func() (domain.Ride, error) { return h.svc.CompleteRide(r.Context(), id, actor, metrics) })
}

func (h *HTTP) cancelRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(w, r)
	if !ok {
		return
	}
	var payload cancelRideRequest
	if r.ContentLength != 0 && !h.decode(w, r, &payload) {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	h.respond(w, func() (domain.Ride, error) { return h.svc.CancelRide(r.Context(), id, actor, payload.Reason) })
}

func (h *HTTP) respond(w http.ResponseWriter, fn func() (domain.Ride, error)) {
	ride, err := fn()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ride", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ride", err.Error())
		return false
	}
	return true
}

func rideID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ride", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// StatusFor maps a store error onto its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRideNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRide), errors.Is(err, geo.ErrInvalidCoordinate), errors.Is(err, domain.ErrMalformedEvent):
		return http.StatusBadRequest
	}
	switch domain.Classify(err) {
	case domain.ClassBusiness:
		return http.StatusConflict
	case domain.ClassPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("ride request failed", zap.Error(err))
		msg = http.StatusText(status)
	}
	writeError(w, status, domain.ErrorCode(err), msg)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
