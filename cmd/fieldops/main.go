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

	"github.com/joho/godotenv"

	"fieldops/internal/alerts"
	"fieldops/internal/api"
	"fieldops/internal/config"
	"fieldops/internal/escalation"
	"fieldops/internal/exposure"
	"fieldops/internal/ingest"
	"fieldops/internal/logging"
	"fieldops/internal/model"
	"fieldops/internal/normalize"
	"fieldops/internal/notify"
	"fieldops/internal/predict"
	"fieldops/internal/readmodel"
	"fieldops/internal/refresh"
	"fieldops/internal/scoring"
	"fieldops/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "fieldops.yaml", "path to the yaml or json config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintln(os.Stderr, "fieldops:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	manager, err := loadConfig(path)
	if err != nil {
		return err
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("fieldops starting", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}

	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	notifiers := []escalation.Notifier{alertStore}
	if events, ok := store.(storage.EventLog); ok {
		notifiers = append(notifiers, escalation.NotifierFunc(events.SaveEvent))
	}

	var allocator escalation.WorkerAllocator
	if cfg.Kafka.Enabled {
		publisher, err := notify.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		allocator = publisher
	} else {
		logNotifier := notify.NewLogNotifier(logger)
		notifiers = append(notifiers, logNotifier)
		allocator = logNotifier
	}

	opts := escalation.OptionsFromConfig(cfg.Escalation)
	opts.Notifiers = notifiers
	opts.Allocator = allocator
	opts.Logger = logger
	machine := escalation.NewMachine(opts)
	machine.Start(ctx)
	defer machine.Stop()

	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	directory := refresh.NewStaticDirectory(cfg.Buildings)
	backlog := ingest.NewBacklog()
	if cfg.Kafka.Enabled && cfg.Kafka.BacklogTopic != "" {
		ingest.StartBacklogConsumer(ctx, cfg.Kafka, backlog, logger)
	}

	scorer := scoring.NewScorer(scoring.TableFromConfig(cfg.Scoring))
	predictor := predict.New(cfg.Prediction)
	results := readmodel.NewStore(cfg.ReadModel.StoreLimit)
	coordinator, err := refresh.New(refresh.Deps{
		Sources:    sources,
		Directory:  directory,
		Cache:      store,
		Normalizer: normalize.New(logger, time.UTC),
		Scorer:     scorer,
		Exposure:   exposure.NewCalculator(cfg.Exposure),
		Escalation: machine,
		Backlog:    backlog,
		Predictor:  predictor,
		Results:    results,
		Logger:     logger,
	}, refresh.Options{
		MaxConcurrent: cfg.Refresh.MaxConcurrent,
		FetchTimeout:  cfg.Refresh.FetchTimeout,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Config:     manager,
		Results:    results,
		Alerts:     alertStore,
		Refresher:  coordinator,
		Escalation: machine,
		Directory:  directory,
		Backlog:    backlog,
		Predictor:  predictor,
		Logger:     logger,
		Version:    version,
	})
	api.Start(ctx, server, logger)

	if manager.Path() != "" {
		go manager.Watch(3*time.Second, func(next *config.Config) {
			scorer.UpdateTable(scoring.TableFromConfig(next.Scoring))
			logger.Info("config reloaded", "path", manager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	interval := cfg.Refresh.Interval
	if interval <= 0 {
		logger.Info("interval refresh disabled; running a single cycle")
		coordinator.Refresh(ctx, directory.BuildingIDs())
		<-ctx.Done()
		return nil
	}
	return coordinator.Run(ctx, interval, directory.BuildingIDs)
}

func loadConfig(path string) (*config.Manager, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return config.NewManager(path)
		}
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	slog.Warn("config file not found, using defaults", "path", path)
	return config.NewStaticManager(cfg), nil
}

func buildSources(cfg *config.Config) ([]refresh.Source, error) {
	var sources []refresh.Source
	for _, authority := range model.Authorities {
		feed := cfg.Sources.Feed(authority)
		if !feed.Enabled {
			continue
		}
		httpFeed, err := ingest.NewHTTPFeed(authority, feed)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", authority, err)
		}
		sources = append(sources, refresh.NewBreakerSource(httpFeed, cfg.Refresh.Breaker))
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources enabled")
	}
	return sources, nil
}
