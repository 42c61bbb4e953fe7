// Command newscrawl runs the crawl scheduling core's server-side
// process: the scheduler's due-decision loop, the discovery engine, the
// verifier, the work-queue coordinator's HTTP RPC surface,
// and the housekeeper's daily sweep. It is the direct descendant of
// main.go's wiring style: load config, open the DB, construct every
// component, start goroutines, wait on a signal channel, shut down in
// order.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"newscrawl/config"
	"newscrawl/internal/api"
	"newscrawl/internal/circuitbreaker"
	"newscrawl/internal/discovery"
	"newscrawl/internal/housekeeper"
	"newscrawl/internal/metrics"
	"newscrawl/internal/model"
	"newscrawl/internal/queue"
	"newscrawl/internal/scheduler"
	"newscrawl/internal/store"
	"newscrawl/internal/verifier"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting newscrawl coordinator")

	m := metrics.New()
	log.Println("Prometheus metrics initialized")

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.CreateTables(context.Background()); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	breakers := circuitbreaker.NewManager(func(name string, state circuitbreaker.State) {
		m.RecordBreakerState(name, string(state))
	})
	httpClient := &http.Client{Timeout: cfg.Performance.FetchTimeout}

	discoveryEngine := discovery.New(httpClient, breakers, m, st, discovery.Config{
		RSSMissingThreshold:   cfg.Discovery.RSSMissingThreshold,
		RSSTransientThreshold: cfg.Discovery.RSSTransientThreshold,
		RSSTransientWindow:    cfg.Discovery.RSSTransientWindow,
		FeedCandidatePaths:    cfg.Discovery.FeedCandidatePaths,
		MaxConcurrentSources:  cfg.Performance.MaxConcurrentSources,
	})

	v := verifier.New(httpClient, st, m, verifier.Config{
		MaxAttempts:       cfg.Verifier.MaxAttempts,
		BaseBackoff:       cfg.Verifier.BaseBackoff,
		JitterFraction:    cfg.Verifier.JitterFraction,
		FetchDeadline:     cfg.Verifier.FetchDeadline,
		RequestsPerSecond: cfg.Verifier.RequestsPerSecond,
		Burst:             cfg.Verifier.Burst,
	})

	coordinator := queue.New(st, m, queue.Config{
		DomainCooldown:      cfg.Queue.DomainCooldown,
		MaxDomainFailures:   cfg.Queue.MaxDomainFailures,
		DomainPause:         cfg.Queue.DomainPause,
		WorkerTimeout:       cfg.Queue.WorkerTimeout,
		MinDomainsPerWorker: cfg.Queue.MinDomainsPerWorker,
		MaxDomainsPerWorker: cfg.Queue.MaxDomainsPerWorker,
	})

	hk := housekeeper.New(st, m, housekeeper.Config{
		CandidateExpiration: cfg.Housekeeper.CandidateExpiration,
		StageStuckThreshold: cfg.Housekeeper.StageStuckThreshold,
		CronSchedule:        cfg.Housekeeper.CronSchedule,
		DryRun:              cfg.Housekeeper.DryRun,
	})

	apiServer := api.New(coordinator, st, m, api.CORSConfig{
		AllowedOrigins: cfg.Security.CORSAllowedOrigins,
		AllowedMethods: cfg.Security.CORSAllowedMethods,
		AllowedHeaders: cfg.Security.CORSAllowedHeaders,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      withMetricsRoute(apiServer.Handler(), m, cfg.Prometheus.MetricsPath),
		ReadTimeout:  cfg.Performance.HTTPReadTimeout,
		WriteTimeout: cfg.Performance.HTTPWriteTimeout,
		IdleTimeout:  cfg.Performance.HTTPIdleTimeout,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Starting coordinator RPC server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Coordinator server failed: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSchedulerLoop(ctx, cfg, st, discoveryEngine, coordinator, m)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runVerifierLoop(ctx, cfg, st, v)
	}()

	if _, err := hk.Start(ctx); err != nil {
		log.Printf("Failed to start housekeeper: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reclaimTicker := time.NewTicker(cfg.Queue.ReclaimSweepInterval)
		defer reclaimTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-reclaimTicker.C:
				coordinator.ReclaimStaleWorkers(now)
			}
		}
	}()

	<-sigChan
	log.Println("Shutdown signal received, stopping services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down coordinator server: %v", err)
	}

	wg.Wait()
	log.Println("All services stopped successfully")
}

// schedulerLoop runs the pure due-decision function in scheduler/ on the
// cfg.Scheduler.TickInterval cron schedule (skipping a tick while the
// previous pass is still running); verifierLoop runs the verifier on a
// fixed tick, matching RSSMonitor.Start's ticker-driven loop in monitor.go.

func runSchedulerLoop(ctx context.Context, cfg *config.Config, st *store.Store, engine *discovery.Engine, coordinator *queue.Coordinator, m *metrics.Metrics) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(cfg.Scheduler.TickInterval, func() {
		runDiscoveryPass(ctx, cfg, st, engine, coordinator, m)
	}); err != nil {
		log.Printf("scheduler: invalid cron schedule %q: %v", cfg.Scheduler.TickInterval, err)
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func runDiscoveryPass(ctx context.Context, cfg *config.Config, st *store.Store, engine *discovery.Engine, coordinator *queue.Coordinator, m *metrics.Metrics) {
	sources, err := st.ListSources(ctx)
	if err != nil {
		log.Printf("scheduler: list sources failed: %v", err)
		return
	}
	due := scheduler.Due(time.Now(), sources, scheduler.Options{
		DefaultCadence:      cfg.Scheduler.DefaultCadence,
		SingleDomainCadence: cfg.Scheduler.SingleDomainCadence,
		RSSRetryWindow:      cfg.Scheduler.RSSRetryWindow,
	})
	if m != nil {
		m.SchedulerDueTotal.WithLabelValues("false").Add(float64(len(due)))
		m.RSSMissingSourcesGauge.Set(float64(countRSSMissing(sources)))
	}
	if len(due) == 0 {
		return
	}

	dueSources := make([]model.Source, 0, len(due))
	skipRSS := make(map[uuid.UUID]bool, len(due))
	for _, d := range due {
		dueSources = append(dueSources, d.Source)
		skipRSS[d.Source.ID] = d.SkipRSS
	}

	if err := engine.DiscoverAll(ctx, dueSources, skipRSS); err != nil {
		log.Printf("discovery: pass failed: %v", err)
	}

	coordinator.Seed(distinctHosts(dueSources)...)
}

func runVerifierLoop(ctx context.Context, cfg *config.Config, st *store.Store, v *verifier.Verifier) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates, err := st.ClaimCandidatesForVerification(ctx, 50, cfg.Verifier.FetchDeadline, "verifier-loop")
			if err != nil {
				log.Printf("verifier: claim failed: %v", err)
				continue
			}
			for _, c := range candidates {
				if _, err := v.Verify(ctx, c); err != nil {
					log.Printf("verifier: failed for %s: %v", c.URL, err)
				}
			}
		}
	}
}

func withMetricsRoute(h http.Handler, m *metrics.Metrics, path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle(path, m.Handler())
	return mux
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetConnectionString())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Println("Database connection established")
	return db, nil
}

func countRSSMissing(sources []model.Source) int {
	n := 0
	for _, s := range sources {
		if s.Metadata.RSSMissing != nil {
			n++
		}
	}
	return n
}

func distinctHosts(sources []model.Source) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range sources {
		if !seen[s.Host] {
			seen[s.Host] = true
			out = append(out, s.Host)
		}
	}
	return out
}
