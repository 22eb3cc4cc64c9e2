package ride

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/observability"
)

// Lister fetches the rides currently offered to the driver.
type Lister interface {
	AvailableRides(ctx context.Context) ([]models.RideOffer, error)
}

// Poller is the fallback path for offers the channel has not delivered,
// e.g. while it is reconnecting. Results enter the lifecycle through the
// same offer path as pushed offers.
type Poller struct {
	lister   Lister
	rides    *Lifecycle
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	active func() bool
	last   []models.RideOffer
}

func NewPoller(lister Lister, rides *Lifecycle, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		lister:   lister,
		rides:    rides,
		interval: interval,
		timeout:  interval,
		log:      log.Named("poller"),
		active:   func() bool { return true },
	}
}

// SetActive installs the gate checked before every tick, typically "driver
// is online".
func (p *Poller) SetActive(fn func() bool) {
	p.mu.Lock()
	p.active = fn
	p.mu.Unlock()
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !p.shouldPoll() {
				continue
			}
			_ = p.PollOnce(ctx)
		}
	}
}

// shouldPoll skips ticks while offline or busy with a taken ride.
func (p *Poller) shouldPoll() bool {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	return active() && !p.rides.State().Phase.Engaged()
}

// PollOnce fetches the list and hands it to the lifecycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	offers, err := p.lister.AvailableRides(ctx)
	if err != nil {
		observability.RidePollsTotal.WithLabelValues("error").Inc()
		if !apperr.Is(err, apperr.KindAuth) {
			p.log.Warn("available rides poll failed", zap.Error(err))
		}
		return err
	}
	observability.RidePollsTotal.WithLabelValues("ok").Inc()
	p.mu.Lock()
	p.last = offers
	p.mu.Unlock()
	if len(offers) > 0 {
		p.log.Debug("polled offers", zap.Int("count", len(offers)))
	}
	p.rides.PollResults(offers)
	return nil
}

// Last returns the most recent successfully polled list.
func (p *Poller) Last() []models.RideOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.RideOffer(nil), p.last...)
}

// Accept accepts a ride from the polled list. If the ride is not yet the
// current offer it is fed to the lifecycle first, so the same exclusivity
// rules apply as for pushed offers.
func (p *Poller) Accept(ctx context.Context, rideID string) error {
	p.promote(ctx, rideID)
	return p.rides.Accept(ctx, rideID)
}

func (p *Poller) Reject(ctx context.Context, rideID, reason string) error {
	p.promote(ctx, rideID)
	return p.rides.Reject(ctx, rideID, reason)
}

func (p *Poller) promote(ctx context.Context, rideID string) {
	if rideID == "" || p.rides.State().RideID == rideID {
		return
	}
	p.mu.Lock()
	var found *models.RideOffer
	for i := range p.last {
		if p.last[i].RideID == rideID {
			o := p.last[i]
			found = &o
			break
		}
	}
	p.mu.Unlock()
	if found != nil {
		_ = p.rides.submit(ctx, offerEvent{offer: *found, cause: CausePoll})
	}
}
