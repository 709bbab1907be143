package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/routing"
)

// HTTP exposes the routing client over REST.
type HTTP struct {
	client *routing.Client
}

func New(client *routing.Client) *HTTP {
	return &HTTP{client: client}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the routes on an existing router.
func (h *HTTP) Mount(r chi.Router) {
	r.Get("/v1/route", h.route)
	r.Get("/v1/geocode", h.geocode)
	r.Get("/v1/snap", h.snap)
}

func (h *HTTP) route(w http.ResponseWriter, r *http.Request) {
	origin, err := queryPoint(r, "origin_lat", "origin_lng")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
		return
	}
	dest, err := queryPoint(r, "dest_lat", "dest_lng")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
		return
	}
	est, err := h.client.GetRoute(r.Context(), origin, dest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// geocode resolves ?address= forwards or ?lat=&lng= in reverse.
func (h *HTTP) geocode(w http.ResponseWriter, r *http.Request) {
	if address := r.URL.Query().Get("address"); address != "" {
		place, err := h.client.AddressToCoords(r.Context(), address)
		if errors.Is(err, routing.ErrGeocodeNotFound) {
			writeError(w, http.StatusNotFound, "geocode_not_found", err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, place)
		return
	}
	p, err := queryPoint(r, "lat", "lng")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lat":     p.Lat,
		"lng":     p.Lng,
		"address": h.client.CoordsToAddress(r.Context(), p),
	})
}

func (h *HTTP) snap(w http.ResponseWriter, r *http.Request) {
	p, err := queryPoint(r, "lat", "lng")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.client.SnapToRoad(r.Context(), p))
}

func queryPoint(r *http.Request, latKey, lngKey string) (geo.Point, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(latKey), 64)
	if err != nil {
		return geo.Point{}, geo.ErrInvalidCoordinate
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get(lngKey), 64)
	if err != nil {
		return geo.Point{}, geo.ErrInvalidCoordinate
	}
	p := geo.Point{Lat: lat, Lng: lng}
	return p, p.Validate()
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
