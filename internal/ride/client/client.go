package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/ride/domain"
)

// Client talks to the ride API over HTTP and implements domain.RideStore, so directories,
// coordinators and sessions can run against a remote service. Error responses are mapped
// back onto the domain sentinels.
type Client struct {
	base  string
	http  *http.Client
	actor domain.Actor
}

var _ domain.RideStore = (*Client)(nil)

// New builds a client. actor's token authenticates calls that carry no actor of their own.
func New(baseURL string, actor domain.Actor, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient, actor: actor}
}

type placeBody struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func toBody(p domain.Place) placeBody {
	return placeBody{Lat: p.Lat, Lng: p.Lng, Address: p.Address}
}

func (c *Client) CreateRide(ctx context.Context, actor domain.Actor, req domain.CreateRideRequest) (domain.Ride, error) {
	return c.CreateRideIdempotent(ctx, "", actor, req)
}

// CreateRideIdempotent sends key as Idempotency-Key so a retried request returns the
// ride created by the first attempt.
func (c *Client) CreateRideIdempotent(ctx context.Context, key string, actor domain.Actor, req domain.CreateRideRequest) (domain.Ride, error) {
	body := map[string]any{
		"origin":          toBody(req.Origin),
		"destination":     toBody(req.Destination),
		"seats_requested": req.SeatsRequested,
		"institution":     req.Institution,
	}
	header := http.Header{}
	if key != "" {
		header.Set("Idempotency-Key", key)
	}
	var ride domain.Ride
	err := c.do(ctx, http.MethodPost, "/v1/rides", c.token(actor), header, body, &ride)
	return ride, err
}

func (c *Client) GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	var ride domain.Ride
	err := c.do(ctx, http.MethodGet, "/v1/rides/"+id.String(), c.actor.Token, nil, nil, &ride)
	return ride, err
}

func (c *Client) ListOpenRides(ctx context.Context, filter domain.OpenRideFilter) ([]domain.Ride, error) {
	q := url.Values{}
	if filter.MinSeats > 0 {
		q.Set("min_seats", strconv.Itoa(filter.MinSeats))
	}
	if filter.Institution != "" {
		q.Set("institution", filter.Institution)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/v1/rides"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var rides []domain.Ride
	err := c.do(ctx, http.MethodGet, path, c.actor.Token, nil, nil, &rides)
	return rides, err
}

func (c *Client) AcceptRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor) (domain.Ride, error) {
	return c.transition(ctx, rideID, "accept", actor, nil)
}

func (c *Client) StartRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor) (domain.Ride, error) {
	return c.transition(ctx, rideID, "start", actor, nil)
}

func (c *Client) CompleteRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor, metrics domain.TripMetrics) (domain.Ride, error) {
	return c.transition(ctx, rideID, "complete", actor, metrics)
}

func (c *Client) CancelRide(ctx context.Context, rideID uuid.UUID, actor domain.Actor, reason string) (domain.Ride, error) {
	return c.transition(ctx, rideID, "cancel", actor, map[string]string{"reason": reason})
}

func (c *Client) transition(ctx context.Context, rideID uuid.UUID, op string, actor domain.Actor, body any) (domain.Ride, error) {
	var ride domain.Ride
	err := c.do(ctx, http.MethodPost, "/v1/rides/"+rideID.String()+"/"+op, c.token(actor), nil, body, &ride)
	return ride, err
}

func (c *Client) token(actor domain.Actor) string {
	if actor.Token != "" {
		return actor.Token
	}
	return c.actor.Token
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, token string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		if sentinel := domain.ErrorFromCode(e.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, e.Error)
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", domain.ErrNotParticipant, resp.Status)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", domain.ErrNotEligible, resp.Status)
		}
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
