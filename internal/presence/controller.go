// Package presence owns the driver's online/offline toggle. The server learns
// that a driver is online from the arrival of location pushes, so toggling has
// no round trip of its own beyond the immediate push.
package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/observability"
)

// Reporter is the part of location.Reporter the controller drives.
type Reporter interface {
	Start()
	Stop()
	PushNow() bool
}

// StateStore persists the online flag next to the session.
type StateStore interface {
	SetOnline(ctx context.Context, online bool) error
}

type Controller struct {
	reporter Reporter
	store    StateStore
	log      *zap.Logger

	mu     sync.Mutex
	online bool
	subs   []func(bool)
}

func NewController(reporter Reporter, store StateStore, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{reporter: reporter, store: store, log: log.Named("presence")}
}

// SetOnline toggles presence. Going online requires an authenticated session;
// going offline always succeeds locally.
func (c *Controller) SetOnline(ctx context.Context, online bool) error {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return nil
	}
	if online {
		if err := c.store.SetOnline(ctx, true); err != nil {
			c.mu.Unlock()
			return err
		}
		c.online = true
		c.reporter.Start()
		if !c.reporter.PushNow() {
			c.log.Debug("no known position yet, waiting for first sample")
		}
	} else {
		c.online = false
		c.reporter.Stop()
		if err := c.store.SetOnline(ctx, false); err != nil && !apperr.Is(err, apperr.KindAuth) {
			c.log.Warn("persisting offline flag failed", zap.Error(err))
		}
	}
	subs := append([]func(bool){}, c.subs...)
	c.mu.Unlock()

	observability.BoolGauge(observability.DriverOnline, online)
	c.log.Info("presence changed", zap.Bool("online", online))
	for _, fn := range subs {
		fn(online)
	}
	return nil
}

// LocationFailed takes the driver offline when location access is lost.
// Other failures are transient and left to the reporter.
func (c *Controller) LocationFailed(err error) {
	if !apperr.Is(err, apperr.KindPermission) {
		return
	}
	c.log.Warn("location permission lost, going offline", zap.Error(err))
	_ = c.SetOnline(context.Background(), false)
}

func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Subscribe registers fn to be called after every presence change.
func (c *Controller) Subscribe(fn func(online bool)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}
