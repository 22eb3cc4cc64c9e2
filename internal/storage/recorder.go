package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/observability"
)

// Recorder appends entries off the caller's goroutine. Record never blocks;
// when the buffer is full the entry is dropped and counted.
type Recorder struct {
	journal Journal
	ch      chan Entry
	log     *zap.Logger
	timeout time.Duration
}

func NewRecorder(j Journal, buffer int, log *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 128
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{journal: j, ch: make(chan Entry, buffer), log: log.Named("journal"), timeout: 5 * time.Second}
}

func (r *Recorder) Record(e Entry) {
	select {
	case r.ch <- e:
	default:
		observability.JournalWriteErrors.Inc()
		r.log.Warn("journal buffer full, dropping entry", zap.String("ride_id", e.RideID), zap.String("to", e.To))
	}
}

// Run writes entries until ctx is done, then flushes what is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.ch:
			r.write(context.Background(), e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.write(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.journal.Append(ctx, e); err != nil {
		observability.JournalWriteErrors.Inc()
		r.log.Warn("journal append failed", zap.String("ride_id", e.RideID), zap.Error(err))
	}
}
