package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilstack/gchealth/internal/aggregate"
	"github.com/vigilstack/gchealth/internal/alarm"
	"github.com/vigilstack/gchealth/internal/api"
	"github.com/vigilstack/gchealth/internal/cache"
	"github.com/vigilstack/gchealth/internal/config"
	"github.com/vigilstack/gchealth/internal/correlate"
	"github.com/vigilstack/gchealth/internal/dispatch"
	"github.com/vigilstack/gchealth/internal/engine"
	"github.com/vigilstack/gchealth/internal/ingest"
	"github.com/vigilstack/gchealth/internal/metrics"
	"github.com/vigilstack/gchealth/internal/patterns"
	"github.com/vigilstack/gchealth/internal/rules"
	"github.com/vigilstack/gchealth/internal/services"
	"github.com/vigilstack/gchealth/internal/storage/sqlite"
	"github.com/vigilstack/gchealth/internal/store"
	"github.com/vigilstack/gchealth/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting gchealth-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, using in-memory suppression", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	samples := store.New(cfg.Store.Retention, logger)
	windows := aggregate.New(samples, cfg.Store.Retention)
	evaluator := alarm.New(windows, logger)

	advisor, err := correlate.NewAdvisor(cfg.Rules.AdvicePath, logger)
	if err != nil {
		logger.Error("failed to load advice pack", slog.Any("error", err))
		os.Exit(1)
	}
	correlator := correlate.New(windows, advisor, logger)

	validator, err := rules.NewValidator(cfg.Rules.SchemasDir)
	if err != nil {
		logger.Error("failed to compile rule schemas", slog.Any("error", err))
		os.Exit(1)
	}
	registry := rules.NewRegistry(cfg.Rules.AlarmsDir, cfg.Rules.RulesDir, validator, logger)

	sinks, sinkConn, err := buildSinks(cfg.Dispatch.Sinks, logger)
	if err != nil {
		logger.Error("failed to build notification sinks", slog.Any("error", err))
		os.Exit(1)
	}
	if sinkConn != nil {
		defer sinkConn.Close()
	}

	dispatcher := dispatch.New(dispatch.Config{
		QueueSize:      cfg.Dispatch.QueueSize,
		DedupWindow:    cfg.Dispatch.DedupWindow,
		Cooldown:       cfg.Dispatch.Cooldown,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		RetryBackoff:   cfg.Dispatch.RetryBackoff,
		DeliverTimeout: cfg.Dispatch.DeliverTimeout,
		MaxInFlight:    cfg.Dispatch.MaxInFlight,
		Routes:         cfg.Dispatch.Routes,
	}, cacheProvider, logger, sinks...)

	var history *sqlite.Store
	if cfg.History.Enabled && cfg.History.Path != "" {
		history, err = sqlite.Open(cfg.History.Path)
		if err != nil {
			logger.Error("failed to open history store", slog.String("path", cfg.History.Path), slog.Any("error", err))
			os.Exit(1)
		}
		defer history.Close()
	}

	var miner *patterns.Miner
	if history != nil {
		miner = patterns.NewMiner(logger, history)
	}

	eng := engine.New(engine.Config{
		EvalBudget:          cfg.Engine.EvalBudget,
		CorrelationInterval: cfg.Engine.CorrelationInterval,
		SweepInterval:       cfg.Engine.SweepInterval,
		CheckpointInterval:  cfg.Engine.CheckpointInterval,
		PruneInterval:       cfg.History.PruneInterval,
		JournalRetention:    cfg.History.Retention,
		MiningInterval:      cfg.Engine.MiningInterval,
		MiningLimit:         cfg.Engine.MiningLimit,
		DrainTimeout:        cfg.Engine.DrainTimeout,
	}, logger, registry, evaluator, correlator, dispatcher, samples, history, miner)

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", slog.Any("error", err))
		os.Exit(1)
	}

	intake := ingest.NewIntake(samples, logger)

	var subscriber *ingest.Subscriber
	if cfg.Ingest.NATS.Enabled {
		subscriber = ingest.NewSubscriber(ingest.NATSConfig{
			URL:           cfg.Ingest.NATS.URL,
			Subject:       cfg.Ingest.NATS.Subject,
			Queue:         cfg.Ingest.NATS.Queue,
			Name:          cfg.Ingest.NATS.Name,
			MaxReconnects: cfg.Ingest.NATS.MaxReconnects,
			ReconnectWait: cfg.Ingest.NATS.ReconnectWait,
		}, intake, logger)
		if err := subscriber.Start(); err != nil {
			logger.Warn("nats ingest unavailable", slog.Any("error", err))
			subscriber = nil
		}
	}

	var scraper *ingest.Scraper
	if cfg.Ingest.Scrape.Enabled && len(cfg.Ingest.Scrape.Targets) > 0 {
		scraper = ingest.NewScraper(ingest.ScrapeConfig{
			Targets:  cfg.Ingest.Scrape.Targets,
			Interval: cfg.Ingest.Scrape.Interval,
			Timeout:  cfg.Ingest.Scrape.Timeout,
		}, intake, logger)
		scraper.Start()
	}

	service := services.NewMonitorService(logger, intake, evaluator, correlator, windows, dispatcher, history, eng)
	server := api.NewServer(cfg.Server, service, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info("reload signal received")
			if err := eng.Reload(context.Background()); err != nil {
				logger.Error("configuration reload failed", slog.Any("error", err))
			}
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	signal.Stop(hup)
	close(hup)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if scraper != nil {
		scraper.Stop()
	}
	if subscriber != nil {
		subscriber.Close()
	}

	eng.Stop()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("gchealth-engine stopped")
}

// buildSinks constructs the configured notification sinks. NATS sinks
// share one connection; the caller closes it on exit.
func buildSinks(configs []config.SinkConfig, logger *slog.Logger) ([]dispatch.Sink, *natsgo.Conn, error) {
	var sinks []dispatch.Sink
	var conn *natsgo.Conn
	for _, sc := range configs {
		switch sc.Type {
		case "log", "":
			sinks = append(sinks, dispatch.NewLogSink(sc.Name, logger))
		case "webhook":
			if sc.URL == "" {
				return nil, conn, fmt.Errorf("webhook sink %q: url is required", sc.Name)
			}
			sinks = append(sinks, dispatch.NewWebhookSink(sc.Name, sc.URL, sc.Headers, sc.Timeout))
		case "remediation":
			if sc.URL == "" {
				return nil, conn, fmt.Errorf("remediation sink %q: url is required", sc.Name)
			}
			sinks = append(sinks, dispatch.NewRemediationSink(sc.Name, sc.URL, sc.Action, sc.Timeout))
		case "nats":
			if conn == nil {
				c, err := natsgo.Connect(sc.URL, natsgo.Name("gchealth-dispatch"))
				if err != nil {
					return nil, nil, fmt.Errorf("nats sink %q: %w", sc.Name, err)
				}
				conn = c
			}
			sinks = append(sinks, dispatch.NewNATSSink(sc.Name, conn, sc.SubjectPrefix))
		default:
			return nil, conn, fmt.Errorf("unknown sink type %q for sink %q", sc.Type, sc.Name)
		}
	}
	return sinks, conn, nil
}
