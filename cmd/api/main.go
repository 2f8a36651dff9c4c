package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpx "github.com/regainflow/console/internal/http"
	"github.com/regainflow/console/internal/llm"
	"github.com/regainflow/console/internal/repository/memory"
	"github.com/regainflow/console/internal/sentry"
	"github.com/regainflow/console/internal/service/audit"
	"github.com/regainflow/console/internal/service/blueprint"
	"github.com/regainflow/console/internal/service/deploy"
	"github.com/regainflow/console/internal/service/environment"
	"github.com/regainflow/console/internal/service/logs"
	"github.com/regainflow/console/internal/service/plan"
	runtimectl "github.com/regainflow/console/internal/service/runtime"
	"github.com/regainflow/console/internal/service/timeline"
	"github.com/regainflow/console/internal/ws"
	"github.com/regainflow/console/pkg/config"
	"github.com/regainflow/console/pkg/logger"
)

var version = "dev"

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel)

	if enabled, err := sentry.Initialize(sentry.Config{DSN: cfg.SentryDSN, Environment: cfg.Environment, Release: version}); err != nil {
		log.Warn("sentry unavailable", "error", err)
	} else if enabled {
		log.Info("sentry error reporting enabled")
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := memory.New(memory.WithLogRetention(cfg.LogRetention))
	logHub := ws.NewHub()
	defer logHub.Close()

	environmentSvc := environment.New(store, log)
	if cfg.SeedEnvironments {
		if err := environmentSvc.Seed(ctx); err != nil {
			log.Error("failed to seed environments", "error", err)
			os.Exit(1)
		}
	}
	logSvc := logs.New(store, logHub, log)
	auditSvc := audit.New(store, log)

	blueprintSvc, err := blueprint.New(cfg.BlueprintsPath, log)
	if err != nil {
		log.Error("failed to load blueprints", "error", err)
		os.Exit(1)
	}

	generator := llm.NewManager(llm.Config{
		DefaultProvider: llm.ProviderType(cfg.GenAIProvider),
		APIKey:          cfg.GenAIAPIKey,
		Model:           cfg.GenAIModel,
		BaseURL:         cfg.GenAIBaseURL,
		Options:         []llm.GeminiOption{llm.WithTimeout(cfg.GenAITimeout)},
	})
	if !generator.Available() {
		log.Info("no text-generation credential configured; plans use the offline demo")
	}
	planSvc := plan.New(generator, log, plan.WithDemoDelay(cfg.DemoPlanDelay), plan.WithRatePerMinute(cfg.GenAIRatePerMin))

	sim, err := timeline.NewSimulator(logSvc, environmentSvc, log, timeline.WithSpeed(cfg.TimelineSpeed))
	if err != nil {
		log.Error("invalid timeline configuration", "error", err)
		os.Exit(1)
	}
	deploySvc := deploy.New(environmentSvc, logSvc, auditSvc, sim, log)
	defer deploySvc.Close()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	if strings.TrimSpace(cfg.ProvisionerToken) == "" {
		log.Warn("PROVISIONER_TOKEN not set; provisioning events are accepted without authentication")
	}

	router := httpx.NewRouter(log, httpx.Services{
		Environments: environmentSvc,
		Plans:        planSvc,
		Deployments:  deploySvc,
		Logs:         logSvc,
		Audit:        auditSvc,
		Blueprints:   blueprintSvc,
	}, limiter, cfg.Settings(), cfg.ProvisionerToken)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Log streams never go idle, so Shutdown would wait them out without this.
	srv.RegisterOnShutdown(logHub.Close)

	group, groupCtx := errgroup.WithContext(ctx)
	if runtimeCtl := runtimectl.New(environmentSvc, deploySvc, auditSvc, log, cfg); runtimeCtl != nil {
		group.Go(func() error {
			runtimeCtl.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "timeline_speed", cfg.TimelineSpeed)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", "error", err)
		sentry.CaptureError(context.Background(), err, map[string]string{"component": "api"})
		os.Exit(1)
	}
	log.Info("api server stopped", "active_deployments", len(deploySvc.Active()))
}
