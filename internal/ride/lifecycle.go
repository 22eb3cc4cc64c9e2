// Package ride holds the state machine for the driver's one live ride and
// the polling fallback that feeds it.
//
// Every mutation, whether a channel event, a poll result, a driver command or
// the completion of an outbound call, goes through a single event queue
// drained by Run. Driver actions are applied optimistically and
// reconciled when the call completes: success commits, a network failure
// rolls back and is retryable, and a server status for the same ride always
// wins over a local guess. Completions are committed only when their call is
// still the pending one of the current epoch.
package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/api"
	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/observability"
)

var (
	ErrActionInFlight    = errors.New("an action for this ride is already in flight")
	ErrInvalidTransition = errors.New("action not allowed in the current ride state")
	ErrStaleRide         = errors.New("ride is not the current ride")
	ErrStopped           = errors.New("ride lifecycle stopped")
)

// API is the subset of the REST client used for ride calls.
type API interface {
	RespondToOffer(ctx context.Context, rideID, status, reason string) error
	AdvanceRide(ctx context.Context, rideID, action string) error
}

type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionArrived  Action = "arrived"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
)

type step struct{ from, to Phase }

var steps = map[Action]step{
	ActionAccept:   {PhaseOffered, PhaseAccepted},
	ActionReject:   {PhaseOffered, PhaseRejected},
	ActionArrived:  {PhaseAccepted, PhaseArrived},
	ActionStart:    {PhaseArrived, PhaseOngoing},
	ActionComplete: {PhaseOngoing, PhaseCompleted},
}

type Config struct {
	CallTimeout    time.Duration
	ClosedCapacity int
	QueueSize      int
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ClosedCapacity <= 0 {
		c.ClosedCapacity = 64
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type Lifecycle struct {
	api      API
	cfg      Config
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	events  chan event
	stopped chan struct{}

	// owned by the Run goroutine
	ctx     context.Context
	state   State
	epoch   uint64
	seq     uint64
	pending *call
	closed  *closedSet

	snapMu sync.RWMutex
	snap   State

	obsMu        sync.RWMutex
	onTransition []func(Transition)
	onChange     []func(State)
}

type call struct {
	seq     uint64
	epoch   uint64
	action  Action
	rideID  string
	prev    State
	reply   chan error
	started time.Time
}

type rejectInput struct {
	Reason string `validate:"omitempty,nonblank,max=280"`
}

func NewLifecycle(rides API, cfg Config, log *zap.Logger) *Lifecycle {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New()
	if err := v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	}); err != nil {
		panic(fmt.Sprintf("ride: registering nonblank validation: %v", err))
	}
	initial := State{Phase: PhaseNoRide}
	return &Lifecycle{
		api:      rides,
		cfg:      cfg,
		log:      log.Named("ride"),
		validate: v,
		now:      time.Now,
		events:   make(chan event, cfg.QueueSize),
		stopped:  make(chan struct{}),
		state:    initial,
		snap:     initial,
		closed:   newClosedSet(cfg.ClosedCapacity),
	}
}

// Run drains the event queue until ctx is done. Call it once.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.ctx = ctx
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			ev.apply(l)
		}
	}
}

// State returns the last published ride state.
func (l *Lifecycle) State() State {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// OnTransition registers fn for every phase change. Observers run on the
// lifecycle goroutine and must not block.
func (l *Lifecycle) OnTransition(fn func(Transition)) {
	l.obsMu.Lock()
	l.onTransition = append(l.onTransition, fn)
	l.obsMu.Unlock()
}

// Subscribe registers fn for every published state, including offer
// refreshes and pending markers. Same rules as OnTransition.
func (l *Lifecycle) Subscribe(fn func(State)) {
	l.obsMu.Lock()
	l.onChange = append(l.onChange, fn)
	l.obsMu.Unlock()
}

// Offer feeds a ride offer pushed by the dispatcher.
func (l *Lifecycle) Offer(o models.RideOffer) {
	_ = l.submit(context.Background(), offerEvent{offer: o, cause: CauseServer})
}

// PollResults feeds one poll of the available-ride list.
func (l *Lifecycle) PollResults(offers []models.RideOffer) {
	_ = l.submit(context.Background(), batchEvent{offers: offers})
}

// StatusChanged feeds a server-side ride status.
func (l *Lifecycle) StatusChanged(rideID, status string) {
	_ = l.submit(context.Background(), statusEvent{rideID: rideID, status: status})
}

// Accept accepts the offered ride. An empty rideID means the current ride.
func (l *Lifecycle) Accept(ctx context.Context, rideID string) error {
	return l.command(ctx, ActionAccept, rideID, "")
}

// Reject declines the offered ride. The reason is optional but must not be
// blank or longer than 280 characters when given.
func (l *Lifecycle) Reject(ctx context.Context, rideID, reason string) error {
	if err := l.validate.Struct(rejectInput{Reason: reason}); err != nil {
		return apperr.Validation("ride.reject", fmt.Errorf("rejection reason: %w", err))
	}
	return l.command(ctx, ActionReject, rideID, strings.TrimSpace(reason))
}

func (l *Lifecycle) MarkArrived(ctx context.Context, rideID string) error {
	return l.command(ctx, ActionArrived, rideID, "")
}

func (l *Lifecycle) StartRide(ctx context.Context, rideID string) error {
	return l.command(ctx, ActionStart, rideID, "")
}

func (l *Lifecycle) CompleteRide(ctx context.Context, rideID string) error {
	return l.command(ctx, ActionComplete, rideID, "")
}

// Acknowledge clears a terminal state back to NoRide.
func (l *Lifecycle) Acknowledge(ctx context.Context) error {
	return l.wait(ctx, func(reply chan error) event { return ackEvent{reply: reply} })
}

// Reset drops the ride state and starts a new epoch, so completions of calls
// issued before the reset are discarded.
func (l *Lifecycle) Reset(ctx context.Context) error {
	return l.wait(ctx, func(reply chan error) event { return resetEvent{reply: reply} })
}

func (l *Lifecycle) command(ctx context.Context, a Action, rideID, reason string) error {
	return l.wait(ctx, func(reply chan error) event {
		return commandEvent{action: a, rideID: rideID, reason: reason, reply: reply}
	})
}

func (l *Lifecycle) wait(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	if err := l.submit(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (l *Lifecycle) submit(ctx context.Context, ev event) error {
	select {
	case l.events <- ev:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type event interface{ apply(l *Lifecycle) }

type offerEvent struct {
	offer models.RideOffer
	cause Cause
}

func (e offerEvent) apply(l *Lifecycle) { l.handleOffer(e.offer, e.cause) }

type batchEvent struct{ offers []models.RideOffer }

// apply refreshes the current offer when the poll still lists it, or shows
// the first unseen offer when idle.
func (e batchEvent) apply(l *Lifecycle) {
	switch {
	case l.state.Phase == PhaseOffered:
		for _, o := range e.offers {
			if o.RideID == l.state.RideID {
				l.handleOffer(o, CausePoll)
				return
			}
		}
	case l.state.Phase.Idle():
		for _, o := range e.offers {
			if l.blocked(o.RideID) {
				continue
			}
			l.handleOffer(o, CausePoll)
			return
		}
	}
}

type statusEvent struct{ rideID, status string }

func (e statusEvent) apply(l *Lifecycle) {
	target, ok := phaseFromServer(e.status)
	if !ok {
		l.log.Debug("ignoring ride status", zap.String("ride_id", e.rideID), zap.String("status", e.status))
		return
	}
	cur := l.state
	if e.rideID == "" || e.rideID != cur.RideID || cur.Phase == PhaseNoRide {
		l.log.Debug("status for another ride", zap.String("ride_id", e.rideID), zap.String("current", cur.RideID))
		return
	}
	// a rejected offer has nothing left to reconcile; the server echoing
	// the cancellation must not turn it into a failure
	if cur.Phase == PhaseRejected || (cur.Phase.Terminal() && l.pending == nil) {
		return
	}
	if target == cur.Phase && l.pending == nil {
		return
	}
	if p := l.pending; p != nil && p.rideID == cur.RideID && behind(target, p.prev.Phase) {
		// late echo of where the pending step started; its completion decides
		l.log.Debug("ignoring status behind pending action",
			zap.String("ride_id", cur.RideID), zap.String("action", string(p.action)), zap.String("status", e.status))
		return
	}
	next := State{Phase: target, RideID: cur.RideID, Offer: cur.Offer}
	if e.status == models.ServerStatusCancelled {
		next.Reason = "cancelled"
	}
	if target.Terminal() {
		l.closed.add(cur.RideID)
	}
	if l.pending != nil {
		l.log.Info("server status overrides pending action",
			zap.String("ride_id", cur.RideID), zap.String("action", string(l.pending.action)), zap.String("status", e.status))
	}
	l.pending = nil
	l.transition(next, CauseServer, next.Reason)
}

type commandEvent struct {
	action Action
	rideID string
	reason string
	reply  chan error
}

func (e commandEvent) apply(l *Lifecycle) {
	op := "ride." + string(e.action)
	st := steps[e.action]
	id := e.rideID
	if id == "" {
		id = l.state.RideID
	}
	switch {
	case id != "" && l.pending != nil && l.pending.rideID == id:
		e.reply <- apperr.Validation(op, ErrActionInFlight)
		return
	case id == "" || id != l.state.RideID:
		e.reply <- apperr.Validation(op, ErrStaleRide)
		return
	case l.state.Phase != st.from:
		e.reply <- apperr.Validation(op, fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, e.action, l.state.Phase))
		return
	}

	l.seq++
	c := &call{
		seq:     l.seq,
		epoch:   l.epoch,
		action:  e.action,
		rideID:  id,
		prev:    l.state,
		reply:   e.reply,
		started: l.now(),
	}
	l.pending = c
	next := State{Phase: st.to, RideID: id, Offer: l.state.Offer, Pending: string(e.action)}
	if e.action == ActionReject {
		next.Reason = e.reason
	}
	if st.to.Terminal() {
		l.closed.add(id)
	}
	l.transition(next, CauseLocal, e.reason)
	go l.perform(l.ctx, c, e.reason)
}

// perform issues the outbound call and queues its completion.
func (l *Lifecycle) perform(ctx context.Context, c *call, reason string) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	var err error
	switch c.action {
	case ActionAccept:
		err = l.api.RespondToOffer(cctx, c.rideID, api.StatusAccepted, "")
	case ActionReject:
		err = l.api.RespondToOffer(cctx, c.rideID, api.StatusCancelled, reason)
	case ActionArrived:
		err = l.api.AdvanceRide(cctx, c.rideID, api.ActionArrived)
	case ActionStart:
		err = l.api.AdvanceRide(cctx, c.rideID, api.ActionStart)
	case ActionComplete:
		err = l.api.AdvanceRide(cctx, c.rideID, api.ActionComplete)
	}
	cancel()

	select {
	case l.events <- doneEvent{call: c, err: err}:
	case <-l.stopped:
		c.reply <- err
	}
}

type doneEvent struct {
	call *call
	err  error
}

func (e doneEvent) apply(l *Lifecycle) {
	c := e.call
	result := "ok"
	if e.err != nil {
		result = "unknown"
		if k := apperr.KindOf(e.err); k != apperr.KindUnknown {
			result = string(k)
		}
	}
	observability.RideCallsTotal.WithLabelValues(string(c.action), result).Inc()
	elapsed := l.now().Sub(c.started)
	observability.RideCallDuration.WithLabelValues(string(c.action)).Observe(elapsed.Seconds())

	if l.pending != c || c.epoch != l.epoch {
		l.log.Debug("discarding stale completion", zap.String("ride_id", c.rideID), zap.String("action", string(c.action)), zap.Error(e.err))
		c.reply <- e.err
		return
	}
	l.pending = nil

	if e.err == nil {
		committed := l.state
		committed.Pending = ""
		l.publish(committed)
		l.log.Info("ride action confirmed", zap.String("ride_id", c.rideID), zap.String("action", string(c.action)), zap.Duration("elapsed", elapsed))
		c.reply <- nil
		return
	}

	l.log.Warn("ride action failed", zap.String("ride_id", c.rideID), zap.String("action", string(c.action)), zap.Duration("elapsed", elapsed), zap.Error(e.err))
	switch {
	case apperr.Is(e.err, apperr.KindConflict) && (c.action == ActionAccept || c.action == ActionReject):
		// the offer is gone or taken by someone else
		l.closed.add(c.rideID)
		l.transition(State{Phase: PhaseNoRide}, CauseServer, "offer no longer available")
	case apperr.Is(e.err, apperr.KindConflict):
		l.closed.add(c.rideID)
		l.transition(State{Phase: PhaseFailed, RideID: c.rideID, Offer: c.prev.Offer, Reason: "conflict"}, CauseServer, "conflict")
	default:
		if !c.prev.Phase.Terminal() && l.state.Phase.Terminal() {
			l.closed.remove(c.rideID)
		}
		prev := c.prev
		prev.Pending = ""
		l.transition(prev, CauseRollback, e.err.Error())
	}
	c.reply <- e.err
}

type ackEvent struct{ reply chan error }

func (e ackEvent) apply(l *Lifecycle) {
	switch {
	case l.pending != nil:
		e.reply <- apperr.Validation("ride.acknowledge", ErrActionInFlight)
	case l.state.Phase == PhaseNoRide:
		e.reply <- nil
	case !l.state.Phase.Terminal():
		e.reply <- apperr.Validation("ride.acknowledge", fmt.Errorf("%w: ride is %s", ErrInvalidTransition, l.state.Phase))
	default:
		l.transition(State{Phase: PhaseNoRide}, CauseLocal, "acknowledged")
		e.reply <- nil
	}
}

type resetEvent struct{ reply chan error }

func (e resetEvent) apply(l *Lifecycle) {
	l.epoch++
	l.pending = nil
	l.closed.clear()
	if l.state.Phase != PhaseNoRide {
		l.transition(State{Phase: PhaseNoRide}, CauseLocal, "reset")
	}
	e.reply <- nil
}

func (l *Lifecycle) blocked(rideID string) bool {
	return l.closed.has(rideID) || (l.pending != nil && l.pending.rideID == rideID)
}

func (l *Lifecycle) handleOffer(o models.RideOffer, cause Cause) {
	cur := l.state
	outcome := "shown"
	switch {
	case o.RideID == "":
		return
	case l.blocked(o.RideID):
		observability.OffersTotal.WithLabelValues("closed").Inc()
		l.log.Debug("dropping offer for closed ride", zap.String("ride_id", o.RideID))
		return
	case cur.Phase == PhaseOffered && cur.RideID == o.RideID:
		cp := o
		cur.Offer = &cp
		observability.OffersTotal.WithLabelValues("refreshed").Inc()
		l.publish(cur)
		return
	case cur.Phase == PhaseOffered:
		// last offer wins; the server already treats the old one as not accepted
		l.closed.add(cur.RideID)
		outcome = "superseded"
		l.log.Info("offer superseded", zap.String("old_ride_id", cur.RideID), zap.String("ride_id", o.RideID))
	case cur.Phase.Engaged():
		observability.OffersTotal.WithLabelValues("busy").Inc()
		l.log.Info("dropping offer during active ride", zap.String("ride_id", o.RideID), zap.String("active_ride_id", cur.RideID))
		return
	}
	observability.OffersTotal.WithLabelValues(outcome).Inc()
	cp := o
	l.pending = nil
	l.transition(State{Phase: PhaseOffered, RideID: o.RideID, Offer: &cp}, cause, "")
}

func (l *Lifecycle) transition(next State, cause Cause, reason string) {
	prev := l.state
	l.state = next
	if prev.Phase != next.Phase || prev.RideID != next.RideID {
		rideID := next.RideID
		if rideID == "" {
			rideID = prev.RideID
		}
		tr := Transition{RideID: rideID, From: prev.Phase, To: next.Phase, Cause: cause, Reason: reason, At: l.now()}
		observability.RideTransitions.WithLabelValues(string(tr.From), string(tr.To), string(cause)).Inc()
		l.log.Info("ride transition",
			zap.String("ride_id", tr.RideID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("cause", string(cause)),
		)
		l.obsMu.RLock()
		subs := l.onTransition
		l.obsMu.RUnlock()
		for _, fn := range subs {
			fn(tr)
		}
	}
	l.publish(next)
}

func (l *Lifecycle) publish(s State) {
	l.state = s
	l.snapMu.Lock()
	l.snap = s
	l.snapMu.Unlock()
	l.obsMu.RLock()
	subs := l.onChange
	l.obsMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
