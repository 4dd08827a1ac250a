package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/simstudio/workflow-core/internal/api"
	"github.com/simstudio/workflow-core/internal/config"
	"github.com/simstudio/workflow-core/internal/observability"
	"github.com/simstudio/workflow-core/internal/providers"
	"github.com/simstudio/workflow-core/internal/ratelimit"
	"github.com/simstudio/workflow-core/internal/realtime"
	"github.com/simstudio/workflow-core/internal/storage"
	"github.com/simstudio/workflow-core/pkg/provider"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP completion endpoint and websocket collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "workflow-core.yaml", "path to the configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info(ctx, "configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"realtime_path", cfg.Realtime.Path,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "workflow-core",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	poolConfig := &storage.CockroachConfig{
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Storage.ConnectTimeout,
	}

	workflowStore, err := storage.NewPostgresWorkflowStoreFromDSN(cfg.Storage.DSN, poolConfig)
	if err != nil {
		return fmt.Errorf("connect workflow store: %w", err)
	}
	defer workflowStore.Close()

	rateLimitStore, err := ratelimit.NewPostgresStoreFromDSN(cfg.Storage.DSN, poolConfig)
	if err != nil {
		return fmt.Errorf("connect rate-limit store: %w", err)
	}
	defer rateLimitStore.Close()

	limiter := ratelimit.NewLimiter(rateLimitStore,
		ratelimit.WithPlanLimits(cfg.RateLimit.PlanLimits()),
		ratelimit.WithWindow(time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond),
		ratelimit.WithLogger(logger),
	)

	adapters := buildProviders(cfg)
	metrics := observability.NewMetrics()
	diagnostics := observability.NewDiagnosticEmitter()
	diagnostics.SetEnabled(cfg.Logging.Level == "debug")

	rooms := realtime.NewRoomManager(workflowStore, logger).WithMetrics(metrics).WithDiagnostics(diagnostics)
	operations := realtime.NewOperationsHandler(rooms, workflowStore, logger).WithMetrics(metrics).WithDiagnostics(diagnostics)
	fields := realtime.NewFieldUpdater(rooms, workflowStore, logger,
		realtime.WithFieldDebounceInterval(time.Duration(cfg.Realtime.FieldDebounceMS)*time.Millisecond)).WithMetrics(metrics).WithDiagnostics(diagnostics)
	wsServer := realtime.NewServer(rooms, operations, fields, realtime.AccessControlAuthenticator{Store: workflowStore}, logger)

	completion := &api.Handler{
		Providers: adapters, Limiter: limiter, Logger: logger,
		Metrics: metrics, Tracer: tracer, Diagnostics: diagnostics,
	}

	mux := http.NewServeMux()
	completion.RegisterRoutes(mux)
	mux.Handle(cfg.Realtime.Path, wsServer)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// buildProviders instantiates one adapter per configured backend.
// OpenAI-compatible, Anthropic, and Ollama adapters register
// unconditionally and fail closed with a ConfigError on first request if
// unconfigured; Google and Bedrock validate credentials at construction,
// so an unconfigured one is simply omitted from the map and a request
// naming it gets UnknownProviderError instead.
func buildProviders(cfg *config.Config) map[string]provider.Provider {
	adapters := make(map[string]provider.Provider)

	adapters["openai"] = providers.NewOpenAIProvider(providers.OpenAICompatConfig{
		Name: "openai", APIKey: cfg.Providers.OpenAI.APIKey, BaseURL: cfg.Providers.OpenAI.BaseURL,
		SupportsForcedTools: true,
	})
	adapters["groq"] = providers.NewOpenAIProvider(providers.OpenAICompatConfig{
		Name: "groq", APIKey: cfg.Providers.Groq.APIKey, BaseURL: groqOrDefault(cfg.Providers.Groq.BaseURL),
		SupportsForcedTools: false,
	})
	adapters["mistral"] = providers.NewOpenAIProvider(providers.OpenAICompatConfig{
		Name: "mistral", APIKey: cfg.Providers.Mistral.APIKey, BaseURL: mistralOrDefault(cfg.Providers.Mistral.BaseURL),
		SupportsForcedTools: true,
	})
	adapters["cerebras"] = providers.NewOpenAIProvider(providers.OpenAICompatConfig{
		Name: "cerebras", APIKey: cfg.Providers.Cerebras.APIKey, BaseURL: cerebrasOrDefault(cfg.Providers.Cerebras.BaseURL),
		SupportsForcedTools: false,
	})

	adapters["anthropic"] = providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey: cfg.Providers.Anthropic.APIKey, BaseURL: cfg.Providers.Anthropic.BaseURL,
	})

	adapters["ollama"] = providers.NewOllamaProvider(providers.OllamaConfig{
		BaseURL: cfg.Providers.Ollama.BaseURL, Timeout: cfg.Providers.Ollama.Timeout,
	})

	if google, err := providers.NewGoogleProvider(providers.GoogleConfig{APIKey: cfg.Providers.Google.APIKey}); err == nil {
		adapters["google"] = google
	}
	if bedrock, err := providers.NewBedrockProvider(providers.BedrockConfig{
		Region: cfg.Providers.Bedrock.Region, AccessKeyID: cfg.Providers.Bedrock.AccessKeyID,
		SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey, SessionToken: cfg.Providers.Bedrock.SessionToken,
		DefaultModel: cfg.Providers.Bedrock.DefaultModel,
	}); err == nil {
		adapters["bedrock"] = bedrock
	}

	return adapters
}

func groqOrDefault(baseURL string) string {
	if baseURL != "" {
		return baseURL
	}
	return "https://api.groq.com/openai/v1"
}

func mistralOrDefault(baseURL string) string {
	if baseURL != "" {
		return baseURL
	}
	return "https://api.mistral.ai/v1"
}

func cerebrasOrDefault(baseURL string) string {
	if baseURL != "" {
		return baseURL
	}
	return "https://api.cerebras.ai/v1"
}
