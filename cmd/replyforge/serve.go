package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	rfhttp "github.com/Strob0t/ReplyForge/internal/adapter/http"
	"github.com/Strob0t/ReplyForge/internal/adapter/litellm"
	rfmcp "github.com/Strob0t/ReplyForge/internal/adapter/mcp"
	rfnats "github.com/Strob0t/ReplyForge/internal/adapter/nats"
	"github.com/Strob0t/ReplyForge/internal/adapter/natskv"
	rfotel "github.com/Strob0t/ReplyForge/internal/adapter/otel"
	"github.com/Strob0t/ReplyForge/internal/adapter/postgres"
	"github.com/Strob0t/ReplyForge/internal/adapter/ristretto"
	"github.com/Strob0t/ReplyForge/internal/adapter/tiered"
	"github.com/Strob0t/ReplyForge/internal/adapter/toolserver"
	"github.com/Strob0t/ReplyForge/internal/adapter/ws"
	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/middleware"
	toolport "github.com/Strob0t/ReplyForge/internal/port/toolserver"
	"github.com/Strob0t/ReplyForge/internal/resilience"
	"github.com/Strob0t/ReplyForge/internal/secrets"
	"github.com/Strob0t/ReplyForge/internal/service"
)

const (
	l1CacheTTL      = 10 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func buildServeCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake server, pipeline worker and schedulers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func runServe(ctx context.Context, skipMigrations bool) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"workers", cfg.Pipeline.Workers,
		"max_iterations", cfg.Pipeline.MaxIterations,
	)

	// --- Observability ---

	shutdownOTEL, err := rfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := rfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if !skipMigrations {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}
	store := postgres.NewStore(pool)

	queue, err := rfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Query-embedding cache: ristretto in front of a NATS KV bucket.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	embedKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("l2 cache: %w", err)
	}
	embedCache := tiered.New(l1, natskv.New(embedKV), l1CacheTTL)

	idemKV, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}

	breakers := resilience.NewGroup(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, nil)

	// --- Outbound adapters ---

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}
	channels, err := buildChannels(cfg.Delivery)
	if err != nil {
		return err
	}
	notifiers, err := buildNotifiers(cfg.Notifications)
	if err != nil {
		return err
	}

	embedder := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.EmbeddingModel)
	embedder.SetBreaker(breakers.Get("embeddings"))

	var toolHTTP *toolserver.Client
	if cfg.ToolServer.URL != "" {
		toolHTTP = toolserver.NewClient(cfg.ToolServer.URL, cfg.ToolServer.Token)
		toolHTTP.SetBreakers(toolserver.NewBreakerGroup(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	}
	scripts := rfnats.NewScriptRunner(queue.Conn(), cfg.Scripts.Subject)

	// --- Services ---

	hub := ws.NewHub(cfg.Server.WSOrigin, nil)
	notifySvc := service.NewNotificationService(notifiers...)
	alertSvc := service.NewAlertService(store, hub, notifySvc, cfg.Notifications.SendTimeout)
	defer alertSvc.Wait()
	quotaSvc := service.NewQuotaService(store, alertSvc, hub, cfg.Quota.WarnRatio)
	admissionSvc := service.NewAdmissionService(store, cfg.Pipeline.EventTTL)
	retrievalSvc := service.NewRetrievalService(store, embedder, embedCache, cfg.Cache.L2TTL, cfg.Retrieval)

	dispatcher := service.NewToolDispatcher(toolClient(toolHTTP), scripts, cfg.Pipeline.ToolTimeout)
	dispatcher.RegisterBuiltin(retrievalSvc.SearchTool())

	loader := service.NewContextLoader(store, quotaSvc, cfg.Pipeline.HistoryLimit)
	loop := service.NewAgentLoop(providers, dispatcher, store, alertSvc, breakers, hub, metrics, cfg.Pipeline)
	finalizer := service.NewFinalizer(channels, store, quotaSvc, alertSvc, breakers, metrics, cfg.Pipeline.DeliveryTimeout)
	pipeline := service.NewPipeline(admissionSvc, loader, loop, finalizer, queue, hub, metrics, cfg.Pipeline.Workers)

	cancelConsumer, err := pipeline.Start(ctx)
	if err != nil {
		return err
	}

	scheduler, err := service.NewScheduler(cfg.Scheduler, quotaSvc, admissionSvc)
	if err != nil {
		cancelConsumer()
		return err
	}
	scheduler.Start()

	// --- HTTP ---

	mcpServer := rfmcp.NewServer(rfmcp.ServerConfig{Name: "replyforge", Version: version}, rfmcp.ServerDeps{
		Knowledge: retrievalSvc,
		Events:    admissionSvc,
		Usage:     quotaSvc,
		Runtime: func() rfmcp.RuntimeInfo {
			return rfmcp.RuntimeInfo{Providers: providers.Names(), Channels: channels.Kinds()}
		},
	})

	handlers := &rfhttp.Handlers{
		Intake:    service.NewIntakeService(queue),
		Admission: admissionSvc,
		Quota:     quotaSvc,
		Alerts:    alertSvc,
		Version:   version,
		Checks: map[string]rfhttp.HealthCheck{
			"postgres": store.Ping,
			"nats": func(context.Context) error {
				if !queue.IsConnected() {
					return errors.New("disconnected")
				}
				return nil
			},
		},
	}

	r := chi.NewRouter()
	r.Use(rfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(rfhttp.SecurityHeaders)
	r.Use(rfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	credentials, err := intakeCredentials(ctx, cfg.Webhook)
	if err != nil {
		cancelConsumer()
		scheduler.Stop(ctx)
		return err
	}

	rfhttp.MountRoutes(r, handlers, rfhttp.RouteOptions{
		Webhook:     cfg.Webhook,
		Credentials: credentials,
		Idempotency: middleware.Idempotency(idemKV),
		WS:          hub.HandleWS,
		MCP:         mcpServer.Handler(),
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr, "providers", providers.Names(), "channels", channels.Kinds(), "alert_channels", notifySvc.Channels())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			slog.Error("server failed", "error", err)
		}
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("http shutdown", "error", serr)
	}
	cancelConsumer()
	scheduler.Stop(shutdownCtx)
	pipeline.Wait()
	if derr := queue.Drain(); derr != nil {
		slog.Warn("nats drain", "error", derr)
	}
	return err
}

// intakeCredentials returns a rotating credential source when a secrets file
// is configured, reloading it on SIGHUP until ctx is done. Without a file the
// static webhook config applies and nil is returned.
func intakeCredentials(ctx context.Context, cfg config.Webhook) (func() (string, string), error) {
	if cfg.SecretsFile == "" {
		return nil, nil
	}
	vault, err := secrets.NewVault(secrets.Chain(
		secrets.StaticLoader(map[string]string{
			secrets.KeyIntakeToken:  cfg.IntakeToken,
			secrets.KeyIntakeSecret: cfg.IntakeSecret,
		}),
		secrets.FileLoader(cfg.SecretsFile),
	))
	if err != nil {
		return nil, fmt.Errorf("intake secrets: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := vault.Reload(); err != nil {
					slog.Error("intake secrets reload failed, keeping previous values", "error", err)
					continue
				}
				slog.Info("intake secrets reloaded", "keys", vault.Keys())
			}
		}
	}()
	return vault.IntakeCredentials, nil
}

// toolClient keeps a nil *toolserver.Client from becoming a non-nil interface.
func toolClient(c *toolserver.Client) toolport.Client {
	if c == nil {
		return nil
	}
	return c
}
