package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dogwalk-tracking/internal/config"
	"dogwalk-tracking/internal/db"
	"dogwalk-tracking/internal/ingest"
	"dogwalk-tracking/internal/server"
	"dogwalk-tracking/internal/store"
	"dogwalk-tracking/internal/stream"
	"dogwalk-tracking/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := newLogger(cfg.LogLevel)

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("postgres connection failed, points will not be persisted")
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

// Run wires the tracking core together, starts the HTTP server and MQTT
// ingestion, and waits for termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	log := newLogger(cfg.LogLevel)

	var writer tracking.PointWriter = discardWriter{log: log}
	var reader tracking.HistoryReader
	var ts *store.Store
	if pg != nil {
		ts = store.New(pg, store.Options{
			BatchSize:     cfg.WriterBatchSize,
			FlushInterval: cfg.WriterFlushInterval,
			BufferSize:    cfg.WriterBufferSize,
			MaxRetries:    cfg.WriterMaxRetries,
		}, log)
		if err := ts.InitSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("schema init failed")
		}
		writer = ts
		reader = ts
	}

	hub := stream.NewHub(rdb, cfg.SubscriberTimeout, log)

	reg := tracking.NewRegistry(tracking.Options{
		ClockSkewTolerance: cfg.ClockSkewTolerance,
		RouteWindow:        cfg.RouteWindow,
		RouteMaxPoints:     cfg.RouteMaxPoints,
		SessionGracePeriod: cfg.SessionGracePeriod,
		SweepInterval:      cfg.SweepInterval,
	}, writer, hub, log)

	adapter := ingest.NewAdapter(reg, cfg.MaxPastSkew, cfg.MaxFutureSkew, log)

	mqttSource := ingest.NewMQTTSource(cfg, adapter, log)
	if err := mqttSource.Connect(); err != nil {
		log.Warn().Err(err).Msg("mqtt unavailable, HTTP ingestion only")
	}

	srv := server.NewServer(cfg, reg, adapter, hub, reader)

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.App.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}

	mqttSource.Close()
	reg.Close()
	if ts != nil {
		ts.Close()
	}
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}

// discardWriter stands in when postgres is unavailable: live tracking
// still works, history does not survive the process.
type discardWriter struct {
	log zerolog.Logger
}

func (discardWriter) Append(tracking.LocationPoint)       {}
func (discardWriter) AppendEvent(tracking.GeofenceEvent)  {}
func (discardWriter) Flush(context.Context, string) error { return nil }
