package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"presencewatch/internal/alerts"
	"presencewatch/internal/api"
	"presencewatch/internal/config"
	"presencewatch/internal/dashboard"
	"presencewatch/internal/engine"
	"presencewatch/internal/ingest"
	"presencewatch/internal/logging"
	"presencewatch/internal/metrics"
	"presencewatch/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "presencewatch.yaml", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "presencewatch: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	mgr, err := config.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var dismissals storage.DismissalStore = store
	var healthChecks []api.Option
	if cfg.Dismissals.Backend == "redis" {
		client, err := alerts.NewRedisClient(ctx, cfg.Dismissals.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		redisDismissals := alerts.NewRedisDismissals(client, cfg.Dismissals.Redis.KeyPrefix)
		dismissals = redisDismissals
		healthChecks = append(healthChecks, api.WithHealthCheck("redis", redisDismissals.Health))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollectors(reg)

	publisher := ingest.NewKafkaPublisher(cfg.Ingest.Kafka, logger)
	defer publisher.Close()

	recorderOpts := []engine.RecorderOption{engine.WithRecorderMetrics(m)}
	if publisher != nil {
		recorderOpts = append(recorderOpts, engine.WithEventSink(publisher))
	}
	recorder := engine.NewRecorder(cfg, store, store, store, logger, recorderOpts...)
	detector := engine.NewDetector(cfg.Detection)
	alertMgr := alerts.NewManager(dismissals, alerts.NewJournal(0), logger)
	dash := dashboard.New(cfg, store, detector, alertMgr, metrics.NewStore(cfg.Dashboard.StoreLimit), logger,
		dashboard.WithMetrics(m),
	)

	ingest.StartREST(ctx, mgr, recorder, logger)
	ingest.StartKafka(ctx, mgr, store.Hub(), logger)
	apiOpts := append([]api.Option{
		api.WithGatherer(reg),
		api.WithConfigListener(recorder),
		api.WithConfigListener(dash),
		api.WithVersion(version),
	}, healthChecks...)
	api.Start(ctx, mgr, api.NewServer(mgr, store, dash, alertMgr, logger, apiOpts...), logger)

	logger.Info("presencewatch started",
		"version", version,
		"config", path,
		"storage", cfg.Storage.Driver,
		"dismissals", cfg.Dismissals.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mgr.Watch(3*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", path)
			recorder.UpdateConfig(next)
			dash.UpdateConfig(next)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}
