package storage

import (
	"context"
	"sync"
	"time"
)

// Entry is one committed ride state transition.
type Entry struct {
	DriverID string    `json:"driverId"`
	RideID   string    `json:"rideId"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Cause    string    `json:"cause"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Journal is an append-only audit trail of ride transitions.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// MemoryJournal keeps the most recent entries in memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

func NewMemoryJournal(max int) *MemoryJournal {
	if max <= 0 {
		max = 256
	}
	return &MemoryJournal{max: max}
}

func (m *MemoryJournal) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = append([]Entry(nil), m.entries[len(m.entries)-m.max:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (m *MemoryJournal) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
