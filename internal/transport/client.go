package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transport-tracker/internal/trip"
)

var ErrTripNotFound = errors.New("trip not found")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type LocationUpdate struct {
	VehicleID string   `json:"vehicleId"`
	TripID    string   `json:"tripId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type LocationUpdateResponse struct {
	OK         bool `json:"ok"`
	ShouldStop bool `json:"shouldStop"`
}

type ApproachingNotice struct {
	SchoolID     string    `json:"schoolId"`
	TripID       string    `json:"tripId"`
	StopID       string    `json:"stopId"`
	StopName     string    `json:"stopName"`
	ETAMinutes   int       `json:"etaMinutes"`
	TripType     trip.Type `json:"tripType"`
	LicensePlate string    `json:"licensePlate"`
}

type TripInfo struct {
	ID     string      `json:"id"`
	Status trip.Status `json:"status"`
}

// Client talks to the school transport REST API.
type Client struct {
	base       string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) UpdateLocation(ctx context.Context, req LocationUpdate) (LocationUpdateResponse, error) {
	var resp LocationUpdateResponse
	err := c.do(ctx, http.MethodPost, "/schools/transport/location/update", req, &resp)
	return resp, err
}

func (c *Client) NotifyApproaching(ctx context.Context, n ApproachingNotice) error {
	return c.do(ctx, http.MethodPost, "/schools/transport/notify-approaching", n, nil)
}

// Trip fetches the current trip record. A 404 yields ErrTripNotFound.
func (c *Client) Trip(ctx context.Context, tripID string) (TripInfo, error) {
	var resp struct {
		Trip TripInfo `json:"trip"`
	}
	err := c.do(ctx, http.MethodGet, "/schools/transport/trips/"+url.PathEscape(tripID), nil, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return TripInfo{}, fmt.Errorf("%s: %w", tripID, ErrTripNotFound)
	}
	if err != nil {
		return TripInfo{}, err
	}
	return resp.Trip, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
