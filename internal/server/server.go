package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/marketbrief/marketbrief/config"
	core "github.com/marketbrief/marketbrief/internal/agent/core"
	"github.com/marketbrief/marketbrief/internal/agent/telemetry"
	"github.com/marketbrief/marketbrief/internal/runtime"
	"github.com/marketbrief/marketbrief/internal/store"
)

// Run wires the HTTP API and blocks serving it.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(tele.Registry(), promhttp.HandlerOpts{})))

	orch, breaker, err := BuildOrchestrator(cfg, tele)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware(secret))
	briefs := &BriefsHandler{Store: st, Orch: orch}
	briefs.Register(protected)
	ops := &OpsHandler{Telemetry: tele, Breaker: breaker}
	ops.Register(protected.Group("/ops"))

	if cfg.Scheduler.Enabled {
		var rdb *redis.Client
		if cfg.Storage.Redis.Host != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
		}
		NewScheduler(st, rdb, orch, cfg.Scheduler).Start()
	}

	return e.Start(cfg.Server.Address)
}

// BuildOrchestrator constructs the orchestration pipeline from config.
// The breaker is returned separately so operational endpoints can reset it.
func BuildOrchestrator(cfg *config.Config, tele *telemetry.Telemetry) (*core.Orchestrator, *core.Breaker, error) {
	if err := cfg.Agents.Validate(); err != nil {
		return nil, nil, err
	}
	endpoints := make(map[core.AgentID]core.AgentEndpoint, len(cfg.Agents.Endpoints))
	for name, ep := range cfg.Agents.Endpoints {
		endpoints[core.AgentID(name)] = core.AgentEndpoint{URL: ep.URL, Enabled: ep.Enabled}
	}
	registry := core.NewRegistry(endpoints)
	breaker := core.NewBreaker(core.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	clientLogger := log.New(log.Writer(), "[CLIENT] ", log.LstdFlags)
	client := core.NewClient(registry, breaker, core.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}, tele, clientLogger)
	planner := core.NewPlanner(registry, breaker)
	assembler := core.NewAssembler(core.AssemblerConfig{
		MaxItems:               cfg.Assembly.MaxItems,
		RetrieverWeight:        cfg.Assembly.RetrieverWeight,
		RetrieverMinConfidence: cfg.Assembly.RetrieverMinConfidence,
	})
	narrateLogger := log.New(log.Writer(), "[NARRATE] ", log.LstdFlags)
	narrator := core.NewNarrator(client, core.NarratorConfig{
		TopItems:       cfg.Narration.TopItems,
		VoiceMinBudget: cfg.Narration.VoiceMinBudget,
	}, narrateLogger)
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := core.NewOrchestrator(core.OrchestratorConfig{
		DefaultDeadline:  cfg.General.DefaultDeadline,
		OptionalDeadline: cfg.General.OptionalDeadline,
	}, client, planner, assembler, narrator, tele, orchLogger)
	return orch, breaker, nil
}
