// Command foliofox runs the ebook acquisition daemon: download queue
// engine, indexer health monitor, duplicate detection, and scheduled
// catalog maintenance, with metrics served on an admin port.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabienpiette/folio_fox/internal/breaker"
	"github.com/fabienpiette/folio_fox/internal/catalog"
	"github.com/fabienpiette/folio_fox/internal/config"
	"github.com/fabienpiette/folio_fox/internal/dedup"
	"github.com/fabienpiette/folio_fox/internal/health"
	"github.com/fabienpiette/folio_fox/internal/maintenance"
	"github.com/fabienpiette/folio_fox/internal/queue"
)

func main() {
	var cfg config.Config
	var parser = flags.NewParser(&cfg, flags.Default)
	parser.ShortDescription = "FolioFox ebook acquisition daemon"

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("invalid configuration")
	}

	initLogging(&cfg)

	if err := run(&cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithFields(log.Fields{"error": err}).Fatal("daemon exited")
	}
}

func initLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Queue.DownloadDir, 0o755); err != nil {
		return err
	}

	store, err := catalog.Open(ctx, cfg.Catalog.Path, catalog.Options{
		MaxOpenConns: cfg.Catalog.MaxOpenConn,
		MaxIdleConns: cfg.Catalog.MaxIdleConn,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	var registry = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Health.FailureThreshold,
		RecoveryTimeout:  cfg.Health.RecoveryTimeout,
	})
	selector, err := breaker.NewSelector(cfg.Health.SelectionStrategy)
	if err != nil {
		return err
	}

	var failover = health.NewFailover(store, registry, selector)
	var monitor = health.NewMonitor(store, registry, failover, health.Options{
		CheckInterval:       cfg.Health.CheckInterval,
		MaxConcurrentChecks: cfg.Health.MaxConcurrentChecks,
		ProbeTimeout:        cfg.Health.ProbeTimeout,
		FailureThreshold:    cfg.Health.FailureThreshold,
	})
	if err := monitor.Bootstrap(ctx); err != nil {
		return err
	}

	var engine = queue.NewEngine(store, registry, monitor, queue.Options{
		DownloadDir:       cfg.Queue.DownloadDir,
		MaxConcurrent:     cfg.Queue.MaxConcurrent,
		ProcessInterval:   cfg.Queue.ProcessInterval,
		StaleAfter:        cfg.Queue.StaleAfter,
		ItemTimeout:       cfg.Queue.ItemTimeout,
		BandwidthLimitKBs: cfg.Queue.BandwidthLimitKBs,
		Limits: queue.ResourceLimits{
			MaxCPUPercent:    cfg.Queue.MaxCPUPercent,
			MaxMemoryPercent: cfg.Queue.MaxMemoryPercent,
			MaxDiskPercent:   cfg.Queue.MaxDiskPercent,
		},
	})

	deduper, err := dedup.NewEngine(store, dedup.Options{
		FuzzyThreshold: cfg.Dedup.FuzzyThreshold,
		AutoMerge:      cfg.Dedup.AutoMerge,
		CacheSize:      cfg.Dedup.CacheSize,
	})
	if err != nil {
		return err
	}

	var orchestrator = maintenance.NewOrchestrator(store, maintenance.Options{
		BackupDir:            cfg.Maintenance.BackupDir,
		BackupRetentionDays:  cfg.Maintenance.BackupRetention,
		LogRetentionDays:     cfg.Maintenance.LogRetention,
		HistoryRetentionDays: cfg.Maintenance.HistoryRetention,
		VacuumMinSizeMB:      cfg.Maintenance.VacuumMinSizeMB,
		VacuumMinFragPct:     cfg.Maintenance.VacuumMinFragPct,
		TaskTimeout:          cfg.Maintenance.TaskTimeout,
	})
	var rotator = maintenance.NewLogRotator(
		cfg.Maintenance.LogFile, cfg.Maintenance.LogMaxSizeMB, cfg.Maintenance.LogKeep)
	var scheduler = maintenance.NewScheduler(orchestrator, rotator, cfg.Maintenance.Hour)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return monitor.Run(ctx) })
	group.Go(func() error { return engine.Run(ctx) })
	group.Go(func() error { return scheduler.Run(ctx) })
	group.Go(func() error { return runDedupLoop(ctx, deduper) })
	group.Go(func() error { return serveAdmin(ctx, cfg.AdminAddr, orchestrator) })

	log.WithFields(log.Fields{
		"catalog": cfg.Catalog.Path,
		"admin":   cfg.AdminAddr,
	}).Info("foliofox daemon started")

	return group.Wait()
}

// runDedupLoop runs a deduplication pass daily. Merges happen only when
// auto-merge is enabled; otherwise passes just surface groups in the logs.
func runDedupLoop(ctx context.Context, deduper *dedup.Engine) error {
	var ticker = time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := deduper.Run(ctx); err != nil {
				log.WithFields(log.Fields{"error": err}).Error("deduplication pass failed")
			}
		}
	}
}

func serveAdmin(ctx context.Context, addr string, orchestrator *maintenance.Orchestrator) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/maintenance/quick", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := orchestrator.QuickRun(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	var server = &http.Server{Addr: addr, Handler: mux}
	var errCh = make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
