package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-driver/internal/agent"
	"github.com/example/ride-driver/internal/api"
	"github.com/example/ride-driver/internal/config"
	"github.com/example/ride-driver/internal/dispatch"
	"github.com/example/ride-driver/internal/geo"
	httpapi "github.com/example/ride-driver/internal/http"
	"github.com/example/ride-driver/internal/ingest"
	"github.com/example/ride-driver/internal/location"
	"github.com/example/ride-driver/internal/logging"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/presence"
	"github.com/example/ride-driver/internal/ride"
	"github.com/example/ride-driver/internal/session"
	"github.com/example/ride-driver/internal/storage"
)

func main() {
	cfg, err := config.LoadDriverConfig()
	if err != nil {
		// logger settings come from the same config, so report on stderr
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}

	if code := finish(logger, run(cfg, logger)); code != 0 {
		os.Exit(code)
	}
}

// finish logs a run failure and flushes the logger before the exit code is
// used, since os.Exit skips deferred calls.
func finish(logger *zap.Logger, err error) int {
	if err != nil {
		logger.Error("driver client exited", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		return 1
	}
	return 0
}

func run(cfg config.DriverConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = session.DialRedis(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	sessions := session.NewStore(sessionBackend(cfg, rdb), logger)

	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, sessions, logger)

	source := location.NewRandomWalk(cfg.SimLat, cfg.SimLng)
	reporter := location.NewReporter(source, location.Config{
		MinDistance: cfg.LocationMinDistance,
		MinInterval: cfg.LocationMinInterval,
		Cadence:     cfg.LocationCadence,
	}, logger)
	reporter.AddSink("api", client)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, sessions.DriverID)
		defer producer.Close()
		reporter.AddSink("kafka", producer)
		logger.Info("mirroring locations to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaLocationTopic))
	}

	var index *geo.RedisIndex
	if rdb != nil && cfg.GeoIndex {
		index = geo.NewRedisIndex(rdb, cfg.RedisGeoKey, sessions.DriverID)
		reporter.AddSink("geo", index)
	}

	pres := presence.NewController(reporter, sessions, logger)
	reporter.OnError(pres.LocationFailed)
	if index != nil {
		pres.Subscribe(func(online bool) {
			id, ok := sessions.DriverID()
			if online || !ok {
				return
			}
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := index.Remove(rctx, id); err != nil {
				logger.Warn("removing driver from geo index failed", zap.Error(err))
			}
		})
	}

	channel := dispatch.NewChannel(dispatch.Config{
		URL:          cfg.SocketURL,
		MaxFailures:  cfg.ChannelMaxFailures,
		BackoffBase:  cfg.ChannelBackoffBase,
		BackoffMax:   cfg.ChannelBackoffMax,
		PingInterval: cfg.ChannelPingInterval,
	}, logger)
	defer channel.Close()

	rides := ride.NewLifecycle(client, ride.Config{CallTimeout: cfg.HTTPTimeout}, logger)
	poller := ride.NewPoller(client, rides, cfg.PollInterval, logger)

	journal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer journal.Close()
	recorder := storage.NewRecorder(journal, 256, logger)

	ag := agent.New(agent.Deps{
		Auth:     client,
		Sessions: sessions,
		Source:   source,
		Position: reporter,
		Presence: pres,
		Channel:  channel,
		Rides:    rides,
		Poller:   poller,
		Journal:  journal,
		Recorder: recorder,
	}, logger)
	client.OnUnauthorized = ag.HandleUnauthorized
	reporter.OnUploaded(func(models.LocationSample) { ag.Refresh() })

	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           httpapi.NewServer(ag, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { reporter.Run(gctx); return nil })
	g.Go(func() error { return rides.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error {
		logger.Info("control api listening", zap.String("addr", cfg.ControlAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// lifecycle must be running before a restored session can publish into it
	ag.Restore(gctx)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("driver client stopped")
	return err
}

func sessionBackend(cfg config.DriverConfig, rdb *redis.Client) session.Backend {
	switch cfg.SessionBackend {
	case config.SessionBackendMemory:
		return session.NewMemoryBackend()
	case config.SessionBackendRedis:
		return session.NewRedisBackend(rdb, cfg.RedisKeyPrefix)
	default:
		return session.NewFileBackend(cfg.SessionFile)
	}
}

func openJournal(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (storage.Journal, error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryJournal(500), nil
	}
	j, err := storage.NewPostgresJournal(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("ride journal backed by postgres")
	return j, nil
}
