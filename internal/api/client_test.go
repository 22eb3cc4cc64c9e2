package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token() (string, error) { return s.token, s.err }

func newTestClient(t *testing.T, h http.HandlerFunc, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api", 2*time.Second, tokens, nil)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/drivers/login" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not carry a bearer token")
		}
		var body loginRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.DriverID != "D-1" || body.Latitude != 17.1 {
			t.Errorf("unexpected body %+v", body)
		}
		w.Write([]byte(`{"token":"tkn","driver":{"driverId":"D-1","name":"Ravi","phone":"555"}}`))
	}, staticTokens{})

	res, err := c.Login(context.Background(), "D-1", "pw", models.Coord{Lat: 17.1, Lon: 78.2})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token != "tkn" || res.Name != "Ravi" || res.Phone != "555" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"msg":"Invalid credentials"}`))
	}, staticTokens{})

	_, err := c.Login(context.Background(), "D-1", "bad", models.Coord{})
	if !errors.Is(err, ErrInvalidCredentials) || !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected invalid credentials auth error, got %v", err)
	}
}

func TestAuthorizedCallsCarryBearer(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}, staticTokens{token: "T-42"})

	if err := c.RespondToOffer(context.Background(), "R1", StatusCancelled, "too far"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if gotAuth != "Bearer T-42" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "PUT /api/drivers/R1" {
		t.Fatalf("unexpected route %q", gotPath)
	}
	if gotBody["status"] != "Cancelled" || gotBody["rejectionReason"] != "too far" {
		t.Fatalf("unexpected body %v", gotBody)
	}

	if err := c.AdvanceRide(context.Background(), "R1", ActionArrived); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if gotPath != "POST /api/rides/R1/arrived" {
		t.Fatalf("unexpected route %q", gotPath)
	}
}

func TestAcceptOmitsReason(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	}, staticTokens{token: "T"})
	if err := c.RespondToOffer(context.Background(), "R1", StatusAccepted, "ignored"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if _, ok := gotBody["rejectionReason"]; ok {
		t.Fatalf("accept must not send a reason, got %v", gotBody)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		code int
		kind apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.KindAuth},
		{http.StatusForbidden, apperr.KindAuth},
		{http.StatusConflict, apperr.KindConflict},
		{http.StatusNotFound, apperr.KindConflict},
		{http.StatusUnprocessableEntity, apperr.KindValidation},
		{http.StatusBadGateway, apperr.KindNetwork},
	}
	for _, tc := range cases {
		code := tc.code
		unauthorized := 0
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			w.Write([]byte(`{"message":"nope"}`))
		}, staticTokens{token: "T"})
		c.OnUnauthorized = func(error) { unauthorized++ }

		err := c.AdvanceRide(context.Background(), "R1", ActionStart)
		if got := apperr.KindOf(err); got != tc.kind {
			t.Errorf("status %d: kind %q, want %q (%v)", code, got, tc.kind, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Message != "nope" {
			t.Errorf("status %d: expected StatusError with message, got %v", code, err)
		}
		if wantHook := tc.kind == apperr.KindAuth; (unauthorized == 1) != wantHook {
			t.Errorf("status %d: unauthorized hook calls = %d", code, unauthorized)
		}
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, 50*time.Millisecond, staticTokens{token: "T"}, nil)
	err := c.RespondToOffer(context.Background(), "R1", StatusAccepted, "")
	if !apperr.Is(err, apperr.KindNetwork) || !apperr.IsRetryable(err) {
		t.Fatalf("timeout must be a retryable network error, got %v", err)
	}
}

func TestMissingTokenFailsBeforeRequest(t *testing.T) {
	hit := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hit = true }, staticTokens{err: apperr.Auth("session.token", errors.New("not authenticated"))})
	called := false
	c.OnUnauthorized = func(error) { called = true }

	err := c.PushLocation(context.Background(), models.LocationSample{Lat: 1, Lon: 2, Timestamp: time.Now()})
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if hit {
		t.Fatal("no request may be sent without a credential")
	}
	if !called {
		t.Fatal("unauthorized hook must fire")
	}
}

func TestAvailableRides(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/drivers/available-rides" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"rides":[{"_id":"R1","price":120,"distanceKm":2.5,"user":{"name":"Asha"}},{"price":5},{"_id":"R2","price":"90"}]}`))
	}, staticTokens{token: "T"})

	rides, err := c.AvailableRides(context.Background())
	if err != nil {
		t.Fatalf("available rides: %v", err)
	}
	if len(rides) != 2 || rides[0].RideID != "R1" || rides[1].Fare != 90 {
		t.Fatalf("unexpected rides %+v", rides)
	}
}

func TestAdvanceRideRejectsUnknownAction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, staticTokens{token: "T"})
	if err := c.AdvanceRide(context.Background(), "R1", "teleport"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
