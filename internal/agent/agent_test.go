package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/dispatch"
	"github.com/example/ride-driver/internal/location"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/presence"
	"github.com/example/ride-driver/internal/ride"
	"github.com/example/ride-driver/internal/session"
	"github.com/example/ride-driver/internal/storage"
)

type fakeAuth struct {
	calls int
	err   error
	token string
}

func (f *fakeAuth) Login(_ context.Context, driverID, _ string, _ models.Coord) (models.LoginResult, error) {
	f.calls++
	if f.err != nil {
		return models.LoginResult{}, f.err
	}
	token := f.token
	if token == "" {
		token = "tok-" + driverID
	}
	return models.LoginResult{DriverID: driverID, Name: "Ravi", Phone: "99", Token: token}, nil
}

type fakeChannel struct {
	mu       sync.Mutex
	opened   []string
	closes   int
	status   dispatch.Status
	offers   []func(models.RideOffer)
	statuses []func(dispatch.StatusChange)
	conn     []func(dispatch.Status)
	unauth   []func(error)
}

func (f *fakeChannel) Open(token, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, token+"/"+driverID)
	f.status = dispatch.StatusUp
	return nil
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	f.closes++
	f.status = dispatch.StatusDown
	f.mu.Unlock()
}

func (f *fakeChannel) Status() dispatch.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return dispatch.StatusDown
	}
	return f.status
}

func (f *fakeChannel) Connection() dispatch.Connection { return dispatch.Connection{} }

func (f *fakeChannel) OnRideOffered(fn func(models.RideOffer))       { f.offers = append(f.offers, fn) }
func (f *fakeChannel) OnStatusChanged(fn func(dispatch.StatusChange)) { f.statuses = append(f.statuses, fn) }
func (f *fakeChannel) OnConnectivity(fn func(dispatch.Status))        { f.conn = append(f.conn, fn) }
func (f *fakeChannel) OnUnauthorized(fn func(error))                  { f.unauth = append(f.unauth, fn) }

func (f *fakeChannel) push(o models.RideOffer) {
	for _, fn := range f.offers {
		fn(o)
	}
}

func (f *fakeChannel) openedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *fakeChannel) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSource struct {
	err error
}

func (f fakeSource) Current(context.Context) (models.LocationSample, error) {
	if f.err != nil {
		return models.LocationSample{}, f.err
	}
	return models.LocationSample{Lat: 17.38, Lon: 78.48, Accuracy: 5, Timestamp: time.Now()}, nil
}

type fakeReporter struct {
	mu      sync.Mutex
	running bool
	pushes  int
}

func (f *fakeReporter) Start() { f.mu.Lock(); f.running = true; f.mu.Unlock() }
func (f *fakeReporter) Stop()  { f.mu.Lock(); f.running = false; f.mu.Unlock() }
func (f *fakeReporter) PushNow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return true
}
func (f *fakeReporter) Last() (models.LocationSample, bool) {
	return models.LocationSample{Lat: 1, Lon: 2}, true
}

type okRides struct {
	mu    sync.Mutex
	calls []string
}

func (o *okRides) RespondToOffer(_ context.Context, rideID, status, _ string) error {
	o.mu.Lock()
	o.calls = append(o.calls, status+":"+rideID)
	o.mu.Unlock()
	return nil
}

func (o *okRides) AdvanceRide(_ context.Context, rideID, action string) error {
	o.mu.Lock()
	o.calls = append(o.calls, action+":"+rideID)
	o.mu.Unlock()
	return nil
}

type harness struct {
	agent    *Agent
	auth     *fakeAuth
	channel  *fakeChannel
	reporter *fakeReporter
	sessions *session.Store
	backend  *session.MemoryBackend
	journal  *storage.MemoryJournal
	rides    *okRides
}

func newHarness(t *testing.T, src location.Source) *harness {
	t.Helper()
	h := &harness{
		auth:     &fakeAuth{},
		channel:  &fakeChannel{},
		reporter: &fakeReporter{},
		backend:  session.NewMemoryBackend(),
		journal:  storage.NewMemoryJournal(50),
		rides:    &okRides{},
	}
	h.sessions = session.NewStore(h.backend, nil)
	lc := ride.NewLifecycle(h.rides, ride.Config{}, nil)
	rec := storage.NewRecorder(h.journal, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = lc.Run(ctx) }()
	go func() { defer wg.Done(); _ = rec.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	if src == nil {
		src = fakeSource{}
	}
	h.agent = New(Deps{
		Auth:     h.auth,
		Sessions: h.sessions,
		Source:   src,
		Position: h.reporter,
		Presence: presence.NewController(h.reporter, h.sessions, nil),
		Channel:  h.channel,
		Rides:    lc,
		Journal:  h.journal,
		Recorder: rec,
	}, nil)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot, cond func(Snapshot) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return
			}
		case <-deadline:
			t.Fatal("subscriber never saw the expected snapshot")
		}
	}
}

func TestLoginValidatesInput(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.agent.Login(context.Background(), LoginRequest{DriverID: "D1"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.auth.calls != 0 {
		t.Fatal("invalid input must not reach the server")
	}
}

func TestLoginWithoutLocationPermission(t *testing.T) {
	h := newHarness(t, fakeSource{err: location.ErrPermissionDenied})
	_, err := h.agent.Login(context.Background(), LoginRequest{DriverID: "D1", Password: "pw"})
	if !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if h.auth.calls != 0 {
		t.Fatal("login must not be attempted without a location")
	}
}

func TestLoginFallsBackToLastKnownPosition(t *testing.T) {
	h := newHarness(t, fakeSource{err: location.ErrUnavailable})
	if _, err := h.agent.Login(context.Background(), LoginRequest{DriverID: "D1", Password: "pw"}); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestLoginOpensChannel(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.agent.Login(context.Background(), LoginRequest{DriverID: "D1", Password: "pw"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token != "tok-D1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if tok, err := h.sessions.Token(); err != nil || tok != "tok-D1" {
		t.Fatalf("session not saved: %q %v", tok, err)
	}
	if len(h.channel.opened) != 1 || h.channel.opened[0] != "tok-D1/D1" {
		t.Fatalf("channel not opened with credential: %v", h.channel.opened)
	}
	snap := h.agent.Snapshot()
	if !snap.Authenticated || snap.DriverID != "D1" || snap.Name != "Ravi" || snap.Channel != dispatch.StatusUp {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLoginRejectedCredentials(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.err = apperr.Auth("api.login", errors.New("invalid credentials"))
	if _, err := h.agent.Login(context.Background(), LoginRequest{DriverID: "D1", Password: "bad"}); !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if h.agent.Snapshot().Authenticated {
		t.Fatal("failed login must not leave a session")
	}
}

func TestOnlineRequiresLogin(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.agent.SetOnline(context.Background(), true); !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	_, _ = h.agent.Login(context.Background(), LoginRequest{DriverID: "D1", Password: "pw"})
	online, err := h.agent.ToggleOnline(context.Background())
	if err != nil || !online {
		t.Fatalf("toggle: %v %v", online, err)
	}
	if h.reporter.pushes != 1 {
		t.Fatalf("going online must push the known location once, got %d", h.reporter.pushes)
	}
	if !h.agent.Snapshot().Online {
		t.Fatal("snapshot should show online")
	}
}

func TestChannelOfferDrivesRide(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, _ = h.agent.Login(ctx, LoginRequest{DriverID: "D1", Password: "pw"})
	updates, stop := h.agent.Subscribe()
	defer stop()

	h.channel.push(models.RideOffer{RideID: "R1", Fare: 250, DistanceKm: 4.2})
	waitFor(t, "offer in snapshot", func() bool { return h.agent.Snapshot().Ride.Phase == ride.PhaseOffered })
	if err := h.agent.Accept(ctx, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitSnapshot(t, updates, func(s Snapshot) bool { return s.Ride.Phase == ride.PhaseAccepted && s.Ride.Pending == "" })
	waitFor(t, "journal entries", func() bool {
		got, _ := h.agent.Journal(ctx, 10)
		return len(got) >= 2
	})
	entries, _ := h.agent.Journal(ctx, 10)
	if entries[0].To != string(ride.PhaseAccepted) || entries[0].DriverID != "D1" {
		t.Fatalf("unexpected journal head %+v", entries[0])
	}
}

func TestUnauthorizedLogsOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, _ = h.agent.Login(ctx, LoginRequest{DriverID: "D1", Password: "pw"})
	_ = h.agent.SetOnline(ctx, true)
	closes := h.channel.closeCount()

	h.agent.HandleUnauthorized(apperr.Auth("api.update-location", errors.New("401")))
	h.agent.HandleUnauthorized(apperr.Auth("api.available-rides", errors.New("401")))
	waitFor(t, "logout", func() bool { return !h.agent.Snapshot().Authenticated })

	if h.agent.Snapshot().Online {
		t.Fatal("driver must be offline after the credential is refused")
	}
	if h.channel.closeCount() <= closes {
		t.Fatal("channel must be closed")
	}
	if _, ok, _ := h.backend.Get(ctx, session.KeyToken); ok {
		t.Fatal("stored token must be cleared")
	}
}

func TestRestoreStoredSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if h.agent.Restore(ctx) {
		t.Fatal("nothing to restore yet")
	}
	_ = h.backend.Set(ctx, map[string]string{
		session.KeyDriverID: "D9",
		session.KeyToken:    "opaque",
		session.KeyOnline:   "true",
	})
	if !h.agent.Restore(ctx) {
		t.Fatal("stored session should restore")
	}
	if len(h.channel.opened) != 1 || h.channel.opened[0] != "opaque/D9" {
		t.Fatalf("channel not reopened: %v", h.channel.opened)
	}
	if !h.agent.Snapshot().Online {
		t.Fatal("driver who was online should come back online")
	}
}

func TestLogoutResetsRide(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, _ = h.agent.Login(ctx, LoginRequest{DriverID: "D1", Password: "pw"})
	h.channel.push(models.RideOffer{RideID: "R1"})
	waitFor(t, "offer", func() bool { return h.agent.Snapshot().Ride.Phase == ride.PhaseOffered })

	if err := h.agent.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	snap := h.agent.Snapshot()
	if snap.Authenticated || snap.Ride.Phase != ride.PhaseNoRide {
		t.Fatalf("unexpected snapshot after logout %+v", snap)
	}
}

func expiringToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestExpiredTokenRunsLogout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.auth.token = expiringToken(t, time.Now().Add(-time.Minute))
	if _, err := h.agent.Login(ctx, LoginRequest{DriverID: "D1", Password: "pw"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := h.agent.SetOnline(ctx, true); err != nil {
		t.Fatalf("online: %v", err)
	}
	closes := h.channel.closeCount()

	if snap := h.agent.Snapshot(); snap.Authenticated {
		t.Fatalf("expired session must not read as authenticated: %+v", snap)
	}
	waitFor(t, "logout after expiry", func() bool {
		_, ok := h.sessions.DriverID()
		return !ok
	})
	if h.agent.Snapshot().Online {
		t.Fatal("driver must go offline when the token expires")
	}
	if h.channel.closeCount() <= closes {
		t.Fatal("channel must be closed when the token expires")
	}
	if _, ok, _ := h.backend.Get(ctx, session.KeyToken); ok {
		t.Fatal("expired token must be cleared")
	}

	h.auth.token = "fresh"
	closes = h.channel.closeCount()
	if _, err := h.agent.Login(ctx, LoginRequest{DriverID: "D1", Password: "pw"}); err != nil {
		t.Fatalf("relogin: %v", err)
	}
	opened := h.channel.openedTokens()
	if opened[len(opened)-1] != "fresh/D1" {
		t.Fatalf("channel must reopen with the new token, got %v", opened)
	}
	if h.channel.closeCount() <= closes {
		t.Fatal("login must close the previous channel before opening")
	}
	if snap := h.agent.Snapshot(); !snap.Authenticated || snap.DriverID != "D1" {
		t.Fatalf("unexpected snapshot after relogin %+v", snap)
	}
}
