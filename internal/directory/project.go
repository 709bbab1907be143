package directory

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/ride/domain"
)

// Filters narrow what a driver sees. The zero value shows every open ride.
type Filters struct {
	Text            string `json:"text,omitempty"`
	MinSeats        int    `json:"min_seats,omitempty"`
	SameInstitution bool   `json:"same_institution,omitempty"`
}

// Project is the pure display projection of the cached rides: open rides only, filtered,
// at most one per passenger (the newest), newest first. rides is never modified.
func Project(rides []domain.Ride, f Filters, viewer domain.Actor) []domain.Ride {
	text := strings.ToLower(strings.TrimSpace(f.Text))
	newest := make(map[uuid.UUID]domain.Ride)
	for _, r := range rides {
		if r.Status != domain.StatusRequested {
			continue
		}
		if viewer.UserID != uuid.Nil && r.PassengerID == viewer.UserID {
			continue
		}
		if f.MinSeats > 0 && r.SeatsRequested < f.MinSeats {
			continue
		}
		if f.SameInstitution && !strings.EqualFold(r.Institution, viewer.Institution) {
			continue
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(r.Origin.Address), text) &&
			!strings.Contains(strings.ToLower(r.Destination.Address), text) {
			continue
		}
		if current, ok := newest[r.PassengerID]; !ok || newer(r, current) {
			newest[r.PassengerID] = r
		}
	}
	out := make([]domain.Ride, 0, len(newest))
	for _, r := range newest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out
}

// newer orders by creation time, then by id so equal timestamps still sort deterministically.
func newer(a, b domain.Ride) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}
