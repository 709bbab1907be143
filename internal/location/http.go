package location

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Mount exposes the latest ingested position per device at GET /v1/positions/{userID}.
func (o *StreamObserver) Mount(r chi.Router) {
	r.Get("/v1/positions/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid user id"})
			return
		}
		s, ok := o.Latest(r.Context(), userID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no position"})
			return
		}
		_ = json.NewEncoder(w).Encode(s)
	})
}
