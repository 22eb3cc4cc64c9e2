// Package api talks to the driver backend's REST endpoints. Every call
// except login carries the bearer token read from the session store at call
// time, and every failure is classified with apperr.
package api

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

	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
)

// Ride status values understood by PUT /drivers/{rideId}.
const (
	StatusAccepted  = "Accepted"
	StatusCancelled = "Cancelled"
)

// Ride progress actions for POST /rides/{rideId}/{action}.
const (
	ActionArrived  = "arrived"
	ActionStart    = "start"
	ActionComplete = "complete"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenSource hands out the current bearer credential.
type TokenSource interface {
	Token() (string, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *zap.Logger

	// OnUnauthorized is invoked after any authorized call is rejected with
	// an auth error so the caller can route the driver back to login.
	OnUnauthorized func(err error)
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     log.Named("api"),
	}
}

type loginRequest struct {
	DriverID  string  `json:"driverId"`
	Password  string  `json:"password"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type loginResponse struct {
	Token  string `json:"token"`
	Driver struct {
		DriverID string `json:"driverId"`
		Name     string `json:"name"`
		Phone    string `json:"phone"`
	} `json:"driver"`
}

// Login authenticates the driver. Bad credentials come back as an auth
// error wrapping ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, driverID, password string, at models.Coord) (models.LoginResult, error) {
	const op = "api.login"
	body := loginRequest{DriverID: driverID, Password: password, Latitude: at.Lat, Longitude: at.Lon}
	var out loginResponse
	if err := c.do(ctx, op, http.MethodPost, "/drivers/login", body, &out, false); err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			return models.LoginResult{}, apperr.Auth(op, fmt.Errorf("%w: %v", ErrInvalidCredentials, err))
		}
		return models.LoginResult{}, err
	}
	if out.Token == "" {
		return models.LoginResult{}, apperr.Auth(op, errors.New("login response carried no token"))
	}
	res := models.LoginResult{DriverID: out.Driver.DriverID, Name: out.Driver.Name, Phone: out.Driver.Phone, Token: out.Token}
	if res.DriverID == "" {
		res.DriverID = driverID
	}
	return res, nil
}

// PushLocation uploads one position sample.
func (c *Client) PushLocation(ctx context.Context, s models.LocationSample) error {
	body := map[string]interface{}{
		"latitude":  s.Lat,
		"longitude": s.Lon,
		"accuracy":  s.Accuracy,
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339),
	}
	return c.do(ctx, "api.update_location", http.MethodPost, "/drivers/update-location", body, nil, true)
}

// AvailableRides fetches the rides currently offered to this driver.
// Rows the decoder cannot identify are skipped.
func (c *Client) AvailableRides(ctx context.Context) ([]models.RideOffer, error) {
	var out struct {
		Rides []map[string]interface{} `json:"rides"`
	}
	if err := c.do(ctx, "api.available_rides", http.MethodGet, "/drivers/available-rides", nil, &out, true); err != nil {
		return nil, err
	}
	now := time.Now()
	offers := make([]models.RideOffer, 0, len(out.Rides))
	for _, raw := range out.Rides {
		o, err := models.OfferFromPayload(raw, now)
		if err != nil {
			c.log.Debug("skipping undecodable ride row", zap.Error(err))
			continue
		}
		offers = append(offers, o)
	}
	return offers, nil
}

// RespondToOffer accepts or rejects an offer. A reason is only sent when
// rejecting.
func (c *Client) RespondToOffer(ctx context.Context, rideID, status, reason string) error {
	body := map[string]string{"status": status}
	if status == StatusCancelled && reason != "" {
		body["rejectionReason"] = reason
	}
	return c.do(ctx, "api.respond_offer", http.MethodPut, "/drivers/"+url.PathEscape(rideID), body, nil, true)
}

// AdvanceRide posts one of the ride progress actions.
func (c *Client) AdvanceRide(ctx context.Context, rideID, action string) error {
	switch action {
	case ActionArrived, ActionStart, ActionComplete:
	default:
		return apperr.Validation("api.advance_ride", fmt.Errorf("unknown ride action %q", action))
	}
	return c.do(ctx, "api.advance_ride", http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/"+action, struct{}{}, nil, true)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}, authorized bool) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Validation(op, fmt.Errorf("marshaling request body: %w", err))
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Validation(op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		token, err := c.tokens.Token()
		if err != nil {
			c.unauthorized(err)
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Network(op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 300 {
		err := classifyStatus(op, resp.StatusCode, data)
		if authorized && apperr.Is(err, apperr.KindAuth) {
			c.unauthorized(err)
		}
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return apperr.Network(op, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func (c *Client) unauthorized(err error) {
	if c.OnUnauthorized != nil {
		c.OnUnauthorized(err)
	}
}

// StatusError is the server's rejection of a request.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func classifyStatus(op string, code int, body []byte) error {
	se := &StatusError{Code: code, Message: serverMessage(body)}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.Auth(op, se)
	case code == http.StatusNotFound || code == http.StatusConflict || code == http.StatusGone:
		return apperr.Conflict(op, se)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return apperr.Validation(op, se)
	default:
		return apperr.Network(op, se)
	}
}

func serverMessage(body []byte) string {
	var env struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return strings.TrimSpace(string(body))
	}
	switch {
	case env.Msg != "":
		return env.Msg
	case env.Message != "":
		return env.Message
	default:
		return env.Error
	}
}
