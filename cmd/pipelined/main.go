// Command pipelined is the long-running process that owns the Pipeline
// Orchestrator, SERP Batch Coordinator, Watchdog, Background
// Channel→Company Resolver, and Scheduler (SPEC_FULL.md §2), exposing
// the control-verb HTTP surface from spec §6. Grounded on the
// teacher's cmd/driftmgr-server/main.go (flag-parsed addr, context +
// signal.NotifyContext shutdown, explicit component wiring instead of
// package-level globals per spec §9).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/coordinator"
	"github.com/cylvy/landscape-pipeline/internal/httpapi"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/obsmetrics"
	"github.com/cylvy/landscape-pipeline/internal/orchestrator"
	"github.com/cylvy/landscape-pipeline/internal/phase"
	"github.com/cylvy/landscape-pipeline/internal/quota"
	"github.com/cylvy/landscape-pipeline/internal/ratelimit"
	"github.com/cylvy/landscape-pipeline/internal/resolver"
	"github.com/cylvy/landscape-pipeline/internal/scheduler"
	"github.com/cylvy/landscape-pipeline/internal/store"
	"github.com/cylvy/landscape-pipeline/internal/supervisor"
	"github.com/cylvy/landscape-pipeline/internal/watchdog"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "HTTP listen address for the control-verb surface")
		dbPath         = flag.String("db", "pipeline.db", "SQLite database path (':memory:' for ephemeral)")
		configPath     = flag.String("config", "pipeline.config.json", "persisted configuration file")
		logLevel       = flag.String("log-level", "info", "debug|info|warn|error")
		authSecret     = flag.String("auth-secret", "", "HMAC secret for operator bearer tokens (required for mutating verbs)")
		webhookSecret  = flag.String("webhook-secret", "", "HMAC secret verifying inbound SERP webhook deliveries")
		watchdogEvery  = flag.Duration("watchdog-interval", time.Minute, "watchdog tick interval")
		resolverEvery  = flag.Duration("resolver-interval", 20*time.Second, "channel resolver tick interval")
		schedulerEvery = flag.Duration("scheduler-interval", time.Minute, "scheduler tick interval")
		cutoffEvery    = flag.Duration("coordinator-sweep-interval", 30*time.Second, "SERP batch coordinator cutoff sweep interval")
		maxPhases      = flag.Int("max-concurrent-phases", 8, "global cap on phases running concurrently across all runs")
		otlpEndpoint   = flag.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint for phase/collaborator spans (unset disables export)")

		keywordDataURL = flag.String("keyword-data-url", "", "base URL for the keyword-data collaborator")
		searchURL      = flag.String("search-url", "", "base URL for the search collaborator")
		scraperURL     = flag.String("scraper-url", "", "base URL for the scraper collaborator")
		companyDataURL = flag.String("company-data-url", "", "base URL for the company-data collaborator")
		videoDataURL   = flag.String("video-data-url", "", "base URL for the video-metadata collaborator")
		llmURL         = flag.String("llm-url", "", "base URL for the LLM collaborator")
	)
	flag.Parse()

	logger.Init(logger.Config{Level: *logLevel, Format: "console"})
	log := logger.New("pipelined")

	tpOpts := []sdktrace.TracerProviderOption{}
	if *otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpoint(*otlpEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			log.Fatal("failed to build otlp exporter", logger.Err(err))
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	s, err := store.Open(store.DefaultConfig(*dbPath))
	if err != nil {
		log.Fatal("failed to open store", logger.Err(err))
	}
	defer s.Close()

	cfgMgr := config.NewManager()
	if err := cfgMgr.Load(*configPath); err != nil {
		log.Fatal("failed to load config", logger.Err(err))
	}
	if err := cfgMgr.Watch(); err != nil {
		log.Warn("config file watch disabled", logger.Err(err))
	}
	defer cfgMgr.Close()

	pc := cache.NewPipelineCache()

	breakerConfigs := make(map[string]breaker.Config)
	for svc, c := range cfgMgr.Base().CircuitBreakers {
		breakerConfigs[svc] = breaker.Config{
			FailureThreshold: c.FailureThreshold,
			Window:           c.Window,
			InitialCooldown:  c.InitialCooldown,
			MaxCooldown:      c.MaxCooldown,
		}
	}
	breakers := breaker.NewRegistry(breakerConfigs, func(service string, from, to breaker.State, openUntil time.Time) {
		log.Info("circuit breaker state change",
			logger.String("service", service), logger.String("from", from.String()), logger.String("to", to.String()))
		if err := s.SaveBreakerState(store.BreakerState{Service: service, State: to.String(), OpenUntil: &openUntil}); err != nil {
			log.Warn("failed to checkpoint circuit breaker state", logger.String("service", service), logger.Err(err))
		}
	})
	for _, svc := range []string{"keyword-data", "search-provider", "company-data", "video-data", "scraper-provider", "llm-provider"} {
		if st, err := s.LoadBreakerState(svc); err == nil && st != nil && st.State == breaker.Open.String() && st.OpenUntil != nil {
			breakers.Get(svc).Restore(breaker.Open, *st.OpenUntil, st.ConsecutiveFailures)
		}
	}

	quotaMgr := quota.NewManager(map[string]quota.Limit{
		"video-metadata": {DailyUnits: 10_000, ResetLocation: time.UTC},
	}, pc.Quota, s)

	limiter := ratelimit.NewRegistry(map[string]ratelimit.Limit{
		"company-data":    {PerSecond: 10, Burst: 20},
		"search-provider": {PerSecond: 5, Burst: 10},
		"video-data":      {PerSecond: 5, Burst: 10},
		"llm-provider":    {PerSecond: 5, Burst: 10},
	})

	collab := buildCollaborators(ProviderEndpoints{
		KeywordData: *keywordDataURL,
		Search:      *searchURL,
		Scraper:     *scraperURL,
		CompanyData: *companyDataURL,
		VideoData:   *videoDataURL,
		LLM:         *llmURL,
	}, 30*time.Second)

	deps := phase.Deps{
		Store: s, Cache: pc, Breakers: breakers, Quota: quotaMgr, Limiter: limiter,
		Collab: collab, Log: log,
	}

	metrics := obsmetrics.New(prometheus.DefaultRegisterer)
	orch := orchestrator.New(deps, *maxPhases).WithMetrics(metrics)

	configBase := func() config.PipelineConfig { return cfgMgr.Base() }
	coord := coordinator.New(s, orch, log, configBase, 4)
	defer coord.Close()

	sup := supervisor.New(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.RecoverOnStartup(ctx, 2*time.Minute, cfgMgr.Base()); err != nil {
		log.Error("restart recovery failed", logger.Err(err))
	}

	wd := watchdog.New(s, breakers, log, nil)
	wd.Quota = quotaMgr
	wd.Metrics = metrics
	if err := watchdog.Register(ctx, sup, wd, *watchdogEvery); err != nil {
		log.Fatal("failed to start watchdog", logger.Err(err))
	}

	res := resolver.New(deps)
	if err := resolver.Register(ctx, sup, res, *resolverEvery); err != nil {
		log.Fatal("failed to start channel resolver", logger.Err(err))
	}

	sched := scheduler.New(s, orch, configBase, log)
	if err := scheduler.Register(ctx, sup, sched, *schedulerEvery); err != nil {
		log.Fatal("failed to start scheduler", logger.Err(err))
	}

	if err := coordinator.RegisterCutoffSweep(ctx, sup, coord, *cutoffEvery); err != nil {
		log.Fatal("failed to start coordinator cutoff sweep", logger.Err(err))
	}

	srv := httpapi.New(httpapi.Config{
		Addr:          *addr,
		AuthSecret:    *authSecret,
		WebhookSecret: *webhookSecret,
	}, s, orch, coord, breakers, configBase, log)
	srv.Start()

	log.Info("pipelined started", logger.String("addr", *addr))
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", logger.Err(err))
	}
	sup.StopAll()
	fmt.Fprintln(os.Stderr, "pipelined stopped")
}
