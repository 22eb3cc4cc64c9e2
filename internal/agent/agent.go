// Package agent is the face of the driver client toward the UI layer. It
// wires the session, presence, dispatch channel and ride lifecycle together,
// accepts the driver's commands and publishes one observable snapshot.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/dispatch"
	"github.com/example/ride-driver/internal/location"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/presence"
	"github.com/example/ride-driver/internal/ride"
	"github.com/example/ride-driver/internal/session"
	"github.com/example/ride-driver/internal/storage"
)

type Authenticator interface {
	Login(ctx context.Context, driverID, password string, at models.Coord) (models.LoginResult, error)
}

// Channel is the dispatch channel as seen by the agent.
type Channel interface {
	Open(token, driverID string) error
	Close()
	Status() dispatch.Status
	Connection() dispatch.Connection
	OnRideOffered(func(models.RideOffer))
	OnStatusChanged(func(dispatch.StatusChange))
	OnConnectivity(func(dispatch.Status))
	OnUnauthorized(func(error))
}

// Positions exposes the last known device position.
type Positions interface {
	Last() (models.LocationSample, bool)
}

type Deps struct {
	Auth     Authenticator
	Sessions *session.Store
	Source   location.Source
	Position Positions
	Presence *presence.Controller
	Channel  Channel
	Rides    *ride.Lifecycle
	Poller   *ride.Poller
	Journal  storage.Journal
	Recorder *storage.Recorder
}

type LoginRequest struct {
	DriverID string `json:"driverId" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type Snapshot struct {
	Authenticated bool                   `json:"authenticated"`
	DriverID      string                 `json:"driverId,omitempty"`
	Name          string                 `json:"name,omitempty"`
	Online        bool                   `json:"online"`
	Channel       dispatch.Status        `json:"channel"`
	Connection    dispatch.Connection    `json:"connection"`
	Ride          ride.State             `json:"ride"`
	Location      *models.LocationSample `json:"location,omitempty"`
	Available     []models.RideOffer     `json:"available,omitempty"`
	At            time.Time              `json:"at"`
}

type Agent struct {
	d        Deps
	log      *zap.Logger
	validate *validator.Validate
	expiry   singleflight.Group

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Snapshot
}

func New(d Deps, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{d: d, log: log.Named("agent"), validate: validator.New(), subs: make(map[int]chan Snapshot)}

	d.Channel.OnRideOffered(d.Rides.Offer)
	d.Channel.OnStatusChanged(func(sc dispatch.StatusChange) { d.Rides.StatusChanged(sc.RideID, sc.Status) })
	d.Channel.OnConnectivity(func(dispatch.Status) { a.Refresh() })
	d.Channel.OnUnauthorized(a.HandleUnauthorized)
	d.Sessions.OnExpired(a.HandleUnauthorized)
	d.Rides.Subscribe(func(ride.State) { a.Refresh() })
	d.Presence.Subscribe(func(bool) { a.Refresh() })
	if d.Poller != nil {
		d.Poller.SetActive(d.Presence.Online)
	}
	if d.Recorder != nil {
		d.Rides.OnTransition(a.record)
	}
	return a
}

func (a *Agent) record(tr ride.Transition) {
	driverID, _ := a.d.Sessions.DriverID()
	a.d.Recorder.Record(storage.Entry{
		DriverID: driverID,
		RideID:   tr.RideID,
		From:     string(tr.From),
		To:       string(tr.To),
		Cause:    string(tr.Cause),
		Reason:   tr.Reason,
		At:       tr.At,
	})
}

// Restore resumes a stored session: the channel is reopened and the driver
// goes back online if they were online before the restart.
func (a *Agent) Restore(ctx context.Context) bool {
	sess, ok := a.d.Sessions.Load(ctx)
	if !ok {
		a.log.Info("no stored session, login required")
		return false
	}
	if err := a.d.Channel.Open(sess.Token, sess.DriverID); err != nil {
		a.log.Warn("reopening channel failed", zap.Error(err))
	}
	if sess.Online {
		if err := a.d.Presence.SetOnline(ctx, true); err != nil {
			a.log.Warn("restoring presence failed", zap.Error(err))
		}
	}
	a.log.Info("session restored", zap.String("driver_id", sess.DriverID), zap.Bool("online", sess.Online))
	a.Refresh()
	return true
}

// Login authenticates with the driver's current position. The backend
// refuses drivers without a location fix.
func (a *Agent) Login(ctx context.Context, req LoginRequest) (models.LoginResult, error) {
	if err := a.validate.Struct(req); err != nil {
		return models.LoginResult{}, apperr.Validation("agent.login", err)
	}
	at, err := a.currentPosition(ctx)
	if err != nil {
		return models.LoginResult{}, err
	}
	if _, ok := a.d.Sessions.DriverID(); ok {
		if err := a.Logout(ctx); err != nil {
			a.log.Warn("logout of previous session failed", zap.Error(err))
		}
	}
	// Open is a no-op on a live channel, which would keep the old token
	a.d.Channel.Close()

	res, err := a.d.Auth.Login(ctx, req.DriverID, req.Password, at)
	if err != nil {
		return models.LoginResult{}, err
	}
	sess := models.DriverSession{DriverID: res.DriverID, Name: res.Name, Phone: res.Phone, Token: res.Token}
	if err := a.d.Sessions.Save(ctx, sess); err != nil {
		return models.LoginResult{}, err
	}
	if err := a.d.Rides.Reset(ctx); err != nil {
		return models.LoginResult{}, err
	}
	if err := a.d.Channel.Open(res.Token, res.DriverID); err != nil {
		return models.LoginResult{}, err
	}
	a.log.Info("driver logged in", zap.String("driver_id", res.DriverID))
	a.Refresh()
	return res, nil
}

func (a *Agent) currentPosition(ctx context.Context) (models.Coord, error) {
	s, err := a.d.Source.Current(ctx)
	if err == nil {
		return s.Coord(), nil
	}
	if errors.Is(err, location.ErrPermissionDenied) {
		return models.Coord{}, apperr.Permission("agent.login", err)
	}
	if a.d.Position != nil {
		if last, ok := a.d.Position.Last(); ok {
			return last.Coord(), nil
		}
	}
	return models.Coord{}, apperr.Network("agent.login", err)
}

// Logout goes offline, closes the channel, drops ride state and clears the
// stored credential.
func (a *Agent) Logout(ctx context.Context) error {
	_ = a.d.Presence.SetOnline(ctx, false)
	a.d.Channel.Close()
	if err := a.d.Rides.Reset(ctx); err != nil {
		a.log.Warn("resetting ride state failed", zap.Error(err))
	}
	err := a.d.Sessions.Clear(ctx)
	a.log.Info("driver logged out")
	a.Refresh()
	return err
}

// HandleUnauthorized routes the driver back to login after the server
// refused the credential. Concurrent reports collapse into one logout.
func (a *Agent) HandleUnauthorized(err error) {
	go a.expiry.Do("expire", func() (interface{}, error) {
		if _, ok := a.d.Sessions.DriverID(); !ok {
			return nil, nil
		}
		a.log.Warn("credential refused, logging out", zap.Error(err))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return nil, a.Logout(ctx)
	})
}

func (a *Agent) SetOnline(ctx context.Context, online bool) error {
	if _, ok := a.d.Sessions.DriverID(); !ok && online {
		return apperr.Auth("agent.online", session.ErrNotAuthenticated)
	}
	return a.d.Presence.SetOnline(ctx, online)
}

// ToggleOnline flips presence and returns the new flag.
func (a *Agent) ToggleOnline(ctx context.Context) (bool, error) {
	next := !a.d.Presence.Online()
	if err := a.SetOnline(ctx, next); err != nil {
		return !next, err
	}
	return next, nil
}

func (a *Agent) Accept(ctx context.Context, rideID string) error {
	if a.d.Poller != nil {
		return a.d.Poller.Accept(ctx, rideID)
	}
	return a.d.Rides.Accept(ctx, rideID)
}

func (a *Agent) Reject(ctx context.Context, rideID, reason string) error {
	if a.d.Poller != nil {
		return a.d.Poller.Reject(ctx, rideID, reason)
	}
	return a.d.Rides.Reject(ctx, rideID, reason)
}

func (a *Agent) MarkArrived(ctx context.Context, rideID string) error {
	return a.d.Rides.MarkArrived(ctx, rideID)
}

func (a *Agent) StartRide(ctx context.Context, rideID string) error {
	return a.d.Rides.StartRide(ctx, rideID)
}

func (a *Agent) CompleteRide(ctx context.Context, rideID string) error {
	return a.d.Rides.CompleteRide(ctx, rideID)
}

func (a *Agent) Acknowledge(ctx context.Context) error {
	return a.d.Rides.Acknowledge(ctx)
}

// Journal returns recent ride transitions, newest first.
func (a *Agent) Journal(ctx context.Context, limit int) ([]storage.Entry, error) {
	if a.d.Journal == nil {
		return nil, nil
	}
	return a.d.Journal.Recent(ctx, limit)
}

func (a *Agent) Snapshot() Snapshot {
	s := Snapshot{
		Online:     a.d.Presence.Online(),
		Channel:    a.d.Channel.Status(),
		Connection: a.d.Channel.Connection(),
		Ride:       a.d.Rides.State(),
		At:         time.Now(),
	}
	if sess, ok := a.d.Sessions.Current(); ok {
		s.Authenticated = true
		s.DriverID = sess.DriverID
		s.Name = sess.Name
	}
	if a.d.Position != nil {
		if last, ok := a.d.Position.Last(); ok {
			s.Location = &last
		}
	}
	if a.d.Poller != nil && s.Ride.Phase.Idle() {
		s.Available = a.d.Poller.Last()
	}
	return s
}

// Subscribe streams snapshots. Slow readers only see the latest one.
func (a *Agent) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- a.Snapshot()
	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()
	return ch, func() {
		a.subMu.Lock()
		delete(a.subs, id)
		a.subMu.Unlock()
	}
}

// Refresh publishes a fresh snapshot to subscribers.
func (a *Agent) Refresh() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if len(a.subs) == 0 {
		return
	}
	snap := a.Snapshot()
	for _, ch := range a.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
