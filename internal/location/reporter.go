// Package location samples the device position and streams it upstream
// while the driver is online. Uploads are best effort: a failed upload is
// logged and the next sample goes out as usual.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/geo"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/observability"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("location unavailable")
)

// Source yields the current device position.
type Source interface {
	Current(ctx context.Context) (models.LocationSample, error)
}

// Sink receives samples that passed the movement filter.
type Sink interface {
	PushLocation(ctx context.Context, s models.LocationSample) error
}

type Config struct {
	MinDistance   float64
	MinInterval   time.Duration
	Cadence       time.Duration
	UploadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDistance <= 0 {
		c.MinDistance = 5
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.Cadence <= 0 {
		c.Cadence = time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 10 * time.Second
	}
	return c
}

type namedSink struct {
	name string
	sink Sink
}

type upload struct {
	sample models.LocationSample
	epoch  uint64
}

type Reporter struct {
	source Source
	sinks  []namedSink
	cfg    Config
	log    *zap.Logger

	mailbox chan upload

	mu          sync.Mutex
	last        *models.LocationSample
	filter      *geo.MovementFilter
	running     bool
	epoch       uint64
	uploadCtx   context.Context
	cancel      context.CancelFunc
	onError     func(error)
	onUploaded  func(models.LocationSample)
	lastErrTime time.Time
}

func NewReporter(source Source, cfg Config, log *zap.Logger) *Reporter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		source:  source,
		cfg:     cfg,
		log:     log.Named("location"),
		mailbox: make(chan upload, 1),
		filter:  geo.NewMovementFilter(cfg.MinDistance, cfg.MinInterval),
	}
}

// AddSink registers an upload target. Must be called before Run.
func (r *Reporter) AddSink(name string, s Sink) {
	r.sinks = append(r.sinks, namedSink{name: name, sink: s})
}

// OnError is called with permission failures from the source.
func (r *Reporter) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// OnUploaded is called after a sample went through all sinks, only while the
// reporter is still started for the same epoch.
func (r *Reporter) OnUploaded(fn func(models.LocationSample)) {
	r.mu.Lock()
	r.onUploaded = fn
	r.mu.Unlock()
}

// Run samples the source on a fixed cadence until ctx is done. The last
// known position is tracked even while stopped.
func (r *Reporter) Run(ctx context.Context) {
	go r.uploadLoop(ctx)

	ticker := time.NewTicker(r.cfg.Cadence)
	defer ticker.Stop()
	r.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-ticker.C:
			r.sample(ctx)
		}
	}
}

func (r *Reporter) sample(ctx context.Context) {
	if r.source == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.Cadence*5)
	s, err := r.source.Current(sctx)
	cancel()
	if err != nil {
		r.sourceFailed(err)
		return
	}
	r.Observe(s)
}

func (r *Reporter) sourceFailed(err error) {
	r.mu.Lock()
	fn := r.onError
	noisy := time.Since(r.lastErrTime) > 30*time.Second
	if noisy {
		r.lastErrTime = time.Now()
	}
	r.mu.Unlock()

	if errors.Is(err, ErrPermissionDenied) {
		perr := apperr.Permission("location.sample", err)
		r.log.Warn("location permission denied", zap.Error(err))
		if fn != nil {
			fn(perr)
		}
		return
	}
	if noisy {
		r.log.Warn("location sample failed", zap.Error(err))
	}
}

// Observe feeds a sample from a push-style source. It updates the last known
// position and, while started, queues the sample if it passes the filter.
func (r *Reporter) Observe(s models.LocationSample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.last = &cp
	if !r.running {
		return
	}
	if !r.filter.Accept(s) {
		observability.LocationSamplesFiltered.Inc()
		return
	}
	r.enqueueLocked(s)
}

// Start begins forwarding samples.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.epoch++
	r.filter.Reset()
	r.uploadCtx, r.cancel = context.WithCancel(context.Background())
	r.log.Info("location reporting started")
}

// Stop halts forwarding. In-flight uploads are cancelled and their
// completions are discarded.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.epoch++
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.mailbox:
	default:
	}
	r.log.Info("location reporting stopped")
}

// PushNow queues the last known sample immediately, bypassing the filter.
// It reports false when no position is known yet or the reporter is stopped.
func (r *Reporter) PushNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.last == nil {
		return false
	}
	s := *r.last
	r.filter.Accept(s)
	r.enqueueLocked(s)
	return true
}

// Last returns the last known position.
func (r *Reporter) Last() (models.LocationSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return models.LocationSample{}, false
	}
	return *r.last, true
}

func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// enqueueLocked keeps only the newest pending sample.
func (r *Reporter) enqueueLocked(s models.LocationSample) {
	job := upload{sample: s, epoch: r.epoch}
	select {
	case r.mailbox <- job:
		return
	default:
	}
	select {
	case <-r.mailbox:
	default:
	}
	select {
	case r.mailbox <- job:
	default:
	}
}

func (r *Reporter) uploadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.mailbox:
			r.deliver(job)
		}
	}
}

func (r *Reporter) deliver(job upload) {
	r.mu.Lock()
	if job.epoch != r.epoch || !r.running {
		r.mu.Unlock()
		return
	}
	base := r.uploadCtx
	r.mu.Unlock()

	for _, ns := range r.sinks {
		ctx, cancel := context.WithTimeout(base, r.cfg.UploadTimeout)
		err := ns.sink.PushLocation(ctx, job.sample)
		cancel()
		if err != nil {
			observability.LocationUploadsTotal.WithLabelValues(ns.name, "error").Inc()
			r.log.Warn("location upload failed", zap.String("sink", ns.name), zap.Error(err))
			continue
		}
		observability.LocationUploadsTotal.WithLabelValues(ns.name, "ok").Inc()
	}

	r.mu.Lock()
	fn := r.onUploaded
	current := job.epoch == r.epoch && r.running
	r.mu.Unlock()
	if current && fn != nil {
		fn(job.sample)
	}
}
