// Command livecoach is the real-time call-analysis server. It ingests live
// transcription streams, detects coaching opportunities, and pushes nudges to
// connected technician clients.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/callwise/livecoach/internal/app"
	"github.com/callwise/livecoach/internal/config"
	"github.com/callwise/livecoach/internal/events"
	"github.com/callwise/livecoach/internal/gateway"
	"github.com/callwise/livecoach/internal/health"
	"github.com/callwise/livecoach/internal/observe"
	"github.com/callwise/livecoach/internal/resilience"
	"github.com/callwise/livecoach/pkg/provider/llm"
	"github.com/callwise/livecoach/pkg/provider/llm/anyllm"
	oaillm "github.com/callwise/livecoach/pkg/provider/llm/openai"
	"github.com/callwise/livecoach/pkg/store/postgres"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecoach: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecoach: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("livecoach starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "livecoach",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Generative backend with failover ──────────────────────────────────────
	provider, err := buildLLM(cfg.Providers)
	if err != nil {
		slog.Error("failed to build LLM provider", "err", err)
		return 1
	}
	if provider == nil {
		slog.Info("running template-only: no LLM provider configured")
	}

	// ── Persistence (optional) ────────────────────────────────────────────────
	var checkers []health.Checker
	opts := []app.ManagerOption{app.WithMetrics(metrics)}
	if cfg.Storage.PostgresDSN != "" {
		st, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer st.Close()
		opts = append(opts, app.WithStore(st))
		checkers = append(checkers, health.Checker{Name: "database", Check: st.Ping})
		slog.Info("persistence enabled")
	} else {
		slog.Info("persistence disabled, running in-memory only")
	}

	// ── Nudge lifecycle events ────────────────────────────────────────────────
	publisher := events.NewPublisher(events.Config{
		Enabled: cfg.Events.Enabled,
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
	}, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Warn("event publisher close error", "err", err)
		}
	}()
	opts = append(opts, app.WithSink(publisher))

	// ── Conversation manager and HTTP surface ─────────────────────────────────
	manager := app.NewManager(cfg.Pipeline, provider, logger, opts...)

	mux := http.NewServeMux()
	gateway.NewServer(manager, logger).Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Stop remaining conversations so final statuses are persisted.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildLLM constructs the generative backend chain: the configured primary
// first, with each configured fallback tried in order when it is failing or
// benched. Returns nil when no provider is configured; the generator then
// serves static templates only.
func buildLLM(cfg config.ProvidersConfig) (llm.Provider, error) {
	if cfg.LLM.Name == "" {
		return nil, nil
	}
	primary, err := buildLLMEntry(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("primary %q: %w", cfg.LLM.Name, err)
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	failover := resilience.NewLLMFailover(resilience.Config{}, slog.Default())
	failover.Add(cfg.LLM.Name, primary)
	for _, entry := range cfg.Fallbacks {
		fb, err := buildLLMEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		failover.Add(entry.Name, fb)
	}
	return failover, nil
}

// buildLLMEntry constructs one backend. "openai" uses the native SDK client;
// everything else goes through the any-llm universal adapter.
func buildLLMEntry(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "openai" {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
