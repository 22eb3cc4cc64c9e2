// Package dispatch keeps the real-time connection to the dispatcher open and
// turns inbound frames into ride offers and ride status changes.
//
// Transport drops are retried with exponential backoff and never surface as
// errors. Subscribers see a coarse Up/Down status instead: Down after a
// configurable number of consecutive failed attempts, Up again on the next
// successful connect. The driver room is re-joined on every connect since
// room membership does not survive a reconnect server-side.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/observability"
)

type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

var errChannelClosed = errors.New("channel closed")

type Config struct {
	URL              string
	MaxFailures      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * c.BackoffBase
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Connection describes the current transport. A new one is created on
// every reconnect.
type Connection struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"authenticated"`
	Joined        bool   `json:"joined"`
}

type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	conn   *websocket.Conn
	info   Connection
	status Status

	subMu          sync.RWMutex
	onOffer        []func(models.RideOffer)
	onStatus       []func(StatusChange)
	onConnectivity []func(Status)
	onUnauthorized []func(error)

	events *eventQueue
}

func NewChannel(cfg Config, log *zap.Logger) *Channel {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log:    log.Named("dispatch"),
		status: StatusDown,
		events: newEventQueue(),
	}
}

func (c *Channel) OnRideOffered(fn func(models.RideOffer)) {
	c.subMu.Lock()
	c.onOffer = append(c.onOffer, fn)
	c.subMu.Unlock()
}

func (c *Channel) OnStatusChanged(fn func(StatusChange)) {
	c.subMu.Lock()
	c.onStatus = append(c.onStatus, fn)
	c.subMu.Unlock()
}

func (c *Channel) OnConnectivity(fn func(Status)) {
	c.subMu.Lock()
	c.onConnectivity = append(c.onConnectivity, fn)
	c.subMu.Unlock()
}

// OnUnauthorized is called when the server refuses the credential. The
// channel then stops reconnecting; Close and Open again with a fresh token.
func (c *Channel) OnUnauthorized(fn func(error)) {
	c.subMu.Lock()
	c.onUnauthorized = append(c.onUnauthorized, fn)
	c.subMu.Unlock()
}

// Open starts the connection loop. It is a no-op while already open.
func (c *Channel) Open(token, driverID string) error {
	if token == "" || driverID == "" {
		return apperr.Validation("dispatch.open", errors.New("token and driver id are required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.events.reset()

	go func(done chan struct{}) {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.deliver(ctx)
		}()
		c.run(ctx, token, driverID)
		wg.Wait()
	}(c.done)
	c.log.Info("channel opened", zap.String("driver_id", driverID))
	return nil
}

// Close tears the transport down and waits for the connection loop to exit.
// It is safe to call when already closed.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	c.events.reset()
	c.setStatus(StatusDown)
	c.log.Info("channel closed")
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Channel) run(ctx context.Context, token, driverID string) {
	failures := 0
	for {
		conn, err := c.connect(ctx, token, driverID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if apperr.Is(err, apperr.KindAuth) {
				c.log.Warn("channel credential rejected", zap.Error(err))
				c.setStatus(StatusDown)
				go c.unauthorized(ctx, err)
				return
			}
			failures++
			observability.ChannelConnectAttempts.WithLabelValues("error").Inc()
			c.log.Warn("channel connect failed", zap.Int("attempt", failures), zap.Error(err))
			if failures >= c.cfg.MaxFailures {
				c.setStatus(StatusDown)
			}
			if !sleepCtx(ctx, c.backoff(failures)) {
				return
			}
			continue
		}

		failures = 0
		observability.ChannelConnectAttempts.WithLabelValues("ok").Inc()
		c.setStatus(StatusUp)
		err = c.serve(ctx, conn)
		c.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("channel disconnected, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, c.cfg.BackoffBase) {
			return
		}
	}
}

// connect dials, authenticates with the bearer token and joins the room.
func (c *Channel) connect(ctx context.Context, token, driverID string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperr.Auth("dispatch.connect", fmt.Errorf("handshake status %d", resp.StatusCode))
		}
		return nil, apperr.Network("dispatch.connect", err)
	}

	id := uuid.NewString()
	c.mu.Lock()
	if c.cancel == nil || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errChannelClosed
	}
	c.conn = conn
	c.info = Connection{ID: id, Authenticated: true}
	c.mu.Unlock()

	join, err := joinFrame(driverID)
	if err != nil {
		c.dropConn(conn)
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		c.dropConn(conn)
		return nil, apperr.Network("dispatch.join", err)
	}
	c.mu.Lock()
	c.info.Joined = true
	c.mu.Unlock()
	c.log.Info("channel connected", zap.String("conn_id", id), zap.String("driver_id", driverID))
	return conn, nil
}

func (c *Channel) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.info = Connection{}
	}
	c.mu.Unlock()
}

// serve reads frames until the connection fails. A ping goroutine keeps
// idle connections alive and is the only other writer.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Channel) handleFrame(f Frame) {
	observability.ChannelFramesTotal.WithLabelValues(f.Event).Inc()
	switch f.Event {
	case EventNewRideRequest:
		offer, err := decodeOffer(f.Data, time.Now())
		if err != nil {
			c.log.Warn("dropping ride offer", zap.Error(err))
			return
		}
		if c.events.pushOffer(offer) {
			observability.ChannelOffersCoalesced.Inc()
			c.log.Debug("coalesced duplicate offer", zap.String("ride_id", offer.RideID))
		}
	case EventRideStatusChanged, EventRideCancelled:
		sc, err := decodeStatus(f.Event, f.Data)
		if err != nil {
			c.log.Warn("dropping status frame", zap.Error(err))
			return
		}
		c.events.pushStatus(sc)
	default:
		c.log.Debug("ignoring frame", zap.String("event", f.Event))
	}
}

// deliver hands queued events to subscribers one at a time.
func (c *Channel) deliver(ctx context.Context) {
	for {
		it, ok := c.events.pop(ctx)
		if !ok {
			return
		}
		c.subMu.RLock()
		offerSubs, statusSubs := c.onOffer, c.onStatus
		c.subMu.RUnlock()
		switch {
		case it.offer != nil:
			for _, fn := range offerSubs {
				fn(*it.offer)
			}
		case it.status != nil:
			for _, fn := range statusSubs {
				fn(*it.status)
			}
		}
	}
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if !changed {
		return
	}
	observability.BoolGauge(observability.ChannelUp, s == StatusUp)
	c.log.Info("channel status", zap.String("status", string(s)))
	c.subMu.RLock()
	subs := c.onConnectivity
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}

// unauthorized is skipped once the connection loop was closed, so a late
// refusal of an old token cannot reach a newer session.
func (c *Channel) unauthorized(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.subMu.RLock()
	subs := c.onUnauthorized
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(err)
	}
}

func (c *Channel) backoff(failures int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < failures && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
