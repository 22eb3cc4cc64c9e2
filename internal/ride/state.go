package ride

import (
	"time"

	"github.com/example/ride-driver/internal/models"
)

type Phase string

const (
	PhaseNoRide    Phase = "NoRide"
	PhaseOffered   Phase = "Offered"
	PhaseAccepted  Phase = "Accepted"
	PhaseArrived   Phase = "Arrived"
	PhaseOngoing   Phase = "Ongoing"
	PhaseCompleted Phase = "Completed"
	PhaseRejected  Phase = "Rejected"
	PhaseFailed    Phase = "Failed"
)

// Terminal phases stay visible until acknowledged.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseFailed
}

// Idle phases accept a new offer.
func (p Phase) Idle() bool { return p == PhaseNoRide || p.Terminal() }

// Engaged phases belong to a ride the driver has taken.
func (p Phase) Engaged() bool {
	return p == PhaseAccepted || p == PhaseArrived || p == PhaseOngoing
}

var progress = map[Phase]int{PhaseOffered: 0, PhaseAccepted: 1, PhaseArrived: 2, PhaseOngoing: 3}

// behind reports whether a server phase is at or before from in the forward
// ride order. Terminal phases are never behind.
func behind(server, from Phase) bool {
	s, ok := progress[server]
	if !ok {
		return false
	}
	f, ok := progress[from]
	return ok && s <= f
}

// phaseFromServer maps a server ride status onto a local phase. Offered is
// not reconciled: offers only enter through the offer path.
func phaseFromServer(status string) (Phase, bool) {
	switch status {
	case models.ServerStatusAccepted:
		return PhaseAccepted, true
	case models.ServerStatusArrived:
		return PhaseArrived, true
	case models.ServerStatusOngoing:
		return PhaseOngoing, true
	case models.ServerStatusCompleted:
		return PhaseCompleted, true
	case models.ServerStatusCancelled:
		return PhaseFailed, true
	}
	return "", false
}

// State is the one live ride state of the driver.
type State struct {
	Phase  Phase             `json:"phase"`
	RideID string            `json:"rideId,omitempty"`
	Offer  *models.RideOffer `json:"offer,omitempty"`
	Reason string            `json:"reason,omitempty"`
	// Pending names the action whose call is still in flight.
	Pending string `json:"pending,omitempty"`
}

// Cause records what drove a transition.
type Cause string

const (
	CauseLocal    Cause = "local"
	CauseServer   Cause = "server"
	CausePoll     Cause = "poll"
	CauseRollback Cause = "rollback"
)

type Transition struct {
	RideID string    `json:"rideId"`
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Cause  Cause     `json:"cause"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// closedSet remembers ride ids that must not come back as offers. It is
// bounded; the oldest id is forgotten first.
type closedSet struct {
	cap   int
	ids   map[string]struct{}
	order []string
}

func newClosedSet(capacity int) *closedSet {
	if capacity <= 0 {
		capacity = 64
	}
	return &closedSet{cap: capacity, ids: make(map[string]struct{})}
}

func (c *closedSet) add(id string) {
	if id == "" {
		return
	}
	if _, ok := c.ids[id]; ok {
		return
	}
	c.ids[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.cap {
		delete(c.ids, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *closedSet) remove(id string) {
	if _, ok := c.ids[id]; !ok {
		return
	}
	delete(c.ids, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *closedSet) has(id string) bool {
	_, ok := c.ids[id]
	return ok
}

func (c *closedSet) clear() {
	c.ids = make(map[string]struct{})
	c.order = nil
}
