package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/api"
	"bus-tracker/internal/auth"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/directory"
	"bus-tracker/internal/hub"
	"bus-tracker/internal/ingest"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/mongodb"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/tracking"
	"bus-tracker/internal/transit"
)

type importer interface {
	Import(ctx context.Context, routes []transit.Route, vehicles []transit.Vehicle) error
}

func main() {
	if err := run(); err != nil {
		logrus.Fatal(err)
	}
	logrus.Info("shutdown complete")
}

// run owns every resource it opens; errors return through the deferred
// cleanups before the process exits.
func run() error {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector(cfg.StopRadiusMeters, cfg.LiveTimeout)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	backend, closeBackend, err := openDirectory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	defer closeBackend()
	dir := directory.NewRouteCache(backend, cfg.RouteCacheSize, cfg.RouteCacheTTL, mcol)

	h := hub.New(hub.Options{QueueSize: cfg.HubQueueSize, SlowLimit: cfg.HubSlowLimit, Metrics: mcol})
	defer h.Close()

	opts := tracking.DefaultOptions()
	opts.StopRadiusMeters = cfg.StopRadiusMeters
	opts.LiveTimeout = cfg.LiveTimeout
	opts.AssumedSpeedKmh = cfg.AssumedSpeedKmh
	opts.SaveTimeout = cfg.SaveTimeout
	opts.SweepInterval = cfg.SweepInterval
	opts.MaxClockSkew = cfg.MaxClockSkew
	engine := tracking.NewEngine(dir, h, opts, mcol)
	engine.StartSweeper(ctx)
	defer engine.Stop()

	closeBridges, err := startBridges(ctx, cfg, h, mcol)
	if err != nil {
		return err
	}
	defer closeBridges()

	if cfg.MQTTBroker != "" {
		client, err := ingest.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer client.Disconnect(250)
		sub := ingest.NewSubscriber(client, cfg.MQTTTopic, engine)
		if err := sub.Start(); err != nil {
			return fmt.Errorf("mqtt subscribe: %w", err)
		}
		defer sub.Stop()
		logrus.WithField("topic", cfg.MQTTTopic).Info("mqtt ingestion started")
	}

	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(engine, h, auth.NewTokens(cfg.JWTSecret, 0), cfg.CORSOrigins)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router()}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logrus.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "directory": cfg.DirectoryBackend}).Info("tracker listening")

	// Block until cancelled or the listener fails
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	shutdown(httpSrv)
	return nil
}

// openDirectory connects the configured backend and applies SEED_FILE to it.
func openDirectory(ctx context.Context, cfg *config.Config) (tracking.Directory, func(), error) {
	switch cfg.DirectoryBackend {
	case config.BackendPostgres:
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		if err := db.Migrate(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		d := db.NewDirectory(sqlDB)
		if err := seed(ctx, cfg.SeedFile, d); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return d, func() { sqlDB.Close() }, nil

	case config.BackendMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		d := mongodb.NewDirectory(client.Database(cfg.MongoDB))
		if err := seed(ctx, cfg.SeedFile, d); err != nil {
			closeFn()
			return nil, nil, err
		}
		return d, closeFn, nil
	}

	if cfg.SeedFile == "" {
		logrus.Warn("memory directory without SEED_FILE starts empty")
		return directory.NewMemory(), func() {}, nil
	}
	m, err := directory.LoadSeed(cfg.SeedFile)
	if err != nil {
		return nil, nil, err
	}
	return m, func() {}, nil
}

func seed(ctx context.Context, path string, dst importer) error {
	if path == "" {
		return nil
	}
	s, err := directory.ReadSeed(path)
	if err != nil {
		return err
	}
	if err := dst.Import(ctx, s.Routes, s.Vehicles); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"routes": len(s.Routes), "vehicles": len(s.Vehicles)}).Info("seed imported")
	return nil
}

// startBridges forwards hub events to NATS and RabbitMQ when configured and
// returns a function that closes them. On error, bridges already opened are
// closed before returning.
func startBridges(ctx context.Context, cfg *config.Config, h *hub.Hub, mcol *metrics.Collector) (func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, mcol)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pub.Close)
		go forward(ctx, h, "nats", pub)
	}

	if cfg.RabbitMQURL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		pub, err := publisher.NewRabbitPublisher(conn, mcol)
		if err != nil {
			conn.Close()
			closeAll()
			return nil, fmt.Errorf("rabbitmq setup: %w", err)
		}
		closers = append(closers, func() {
			pub.Close()
			conn.Close()
		})
		go forward(ctx, h, "rabbitmq", pub)
	}

	return closeAll, nil
}

func forward(ctx context.Context, h *hub.Hub, name string, sink publisher.Sink) {
	if err := publisher.Forward(ctx, h, name, sink); err != nil && !errors.Is(err, hub.ErrClosed) {
		logrus.WithError(err).WithField("sink", name).Error("forwarding stopped")
	}
}

func shutdown(srv *http.Server) {
	// Shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
