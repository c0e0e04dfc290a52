// Command sonicbridge bridges carrier WebSocket media streams to the Amazon
// Bedrock Nova Sonic bidirectional streaming API.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sonicbridge/internal/bridge"
	"github.com/MrWong99/sonicbridge/internal/config"
	"github.com/MrWong99/sonicbridge/internal/health"
	"github.com/MrWong99/sonicbridge/internal/jitter"
	"github.com/MrWong99/sonicbridge/internal/model"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/internal/session"
	"github.com/MrWong99/sonicbridge/pkg/bufpool"
)

// Exit codes: 0 normal, 1 startup validation failure, 2 fatal supervisor
// exit.
const (
	exitOK      = 0
	exitStartup = 1
	exitFatal   = 2
)

// memoryCriticalFraction marks readiness degraded above this used-memory
// share.
const memoryCriticalFraction = 0.95

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sonicbridge: %v\n", err)
		return exitStartup
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Logging.Level))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("sonicbridge starting",
		"config", *configPath,
		"port", cfg.Server.Port,
		"model", cfg.Bedrock.ModelID,
		"region", cfg.Bedrock.Region,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return exitStartup
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
		slog.Error("metrics init failed", "err", err)
		return exitStartup
	}

	// ── Shared resources ──────────────────────────────────────────────────────
	pool := bufpool.New(bufpool.Config{
		InitialSize:             cfg.BufferPool.InitialSize,
		MaxPoolSize:             cfg.BufferPool.MaxSize,
		MemoryPressureThreshold: cfg.BufferPool.MemoryPressureThreshold,
	})
	pool.StartMaintenance()
	defer pool.Stop()

	registry := session.NewRegistry(
		session.WithStaleTimeout(cfg.HealthCheck.StaleSessionTimeout()),
		session.WithRegistryLogger(logger),
		session.WithSessionOptions(
			session.WithQueueSize(cfg.Bedrock.MaxAudioQueueSize),
			session.WithLogger(logger),
		),
	)
	registry.StartSweep(ctx, time.Minute)

	// ── Model client ──────────────────────────────────────────────────────────
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Bedrock.Region))
	if err != nil {
		slog.Error("aws config load failed", "err", err)
		return exitStartup
	}
	client := model.NewClient(bedrockruntime.NewFromConfig(awsCfg), model.ClientConfig{
		ModelID:        cfg.Bedrock.ModelID,
		RequestTimeout: cfg.Bedrock.RequestTimeout(),
	})

	// ── Carrier link ──────────────────────────────────────────────────────────
	dispatcher := session.NewDispatcher(logger)
	runner := session.NewRunner(dispatcher, cfg.Bedrock.SessionTimeout(), logger)
	calls := bridge.NewCallRegistry()
	sink := observe.NewMetricsSink(metrics)

	handler := bridge.NewHandler(
		bridge.Config{
			Inference: model.InferenceConfig{
				MaxTokens:   cfg.Inference.MaxTokens,
				TopP:        cfg.Inference.TopP,
				Temperature: cfg.Inference.Temperature,
			},
			Jitter: jitter.Config{
				FrameSize:             cfg.Audio.FrameSize,
				Interval:              cfg.Audio.Interval(),
				MaxBufferBytes:        cfg.Audio.MaxBufferBytes(),
				BackpressureThreshold: cfg.Audio.BufferedAmountThreshold,
			},
			MaxConcurrentStreams: int64(cfg.Server.MaxConcurrentStreams),
		},
		registry, bridge.NewValidator(calls), client, pool, runner,
		bridge.WithObserver(sink),
		bridge.WithHandlerLogger(logger),
		bridge.WithUsageRecorder(func(tokens int64) {
			metrics.RecordUsage(ctx, "total", tokens)
		}),
		bridge.WithModelEventRecorder(func(eventType string) {
			metrics.RecordModelEvent(ctx, eventType)
			if eventType == model.EventError {
				metrics.RecordModelError(ctx, eventType)
			}
		}),
		bridge.WithSessionGauge(func(delta int64) {
			metrics.ActiveSessions.Add(ctx, delta)
		}),
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.RegistryChecker(registry.Count, cfg.Server.MaxConcurrentStreams),
		health.MemoryChecker(systemMemoryUsed, memoryCriticalFraction),
	)

	mux := http.NewServeMux()
	mux.Handle("/media-stream", handler)
	mux.Handle("/ws", handler)
	mux.Handle("/voice", bridge.NewWebhook(cfg.Twilio.AuthToken, calls, logger))
	mux.HandleFunc("/healthz", checks.Healthz)
	mux.HandleFunc("/readyz", checks.Readyz)
	if cfg.Observability.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.Server.Timeout(),
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.Diffs) {
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level reloaded", "level", d.NewLogLevel)
		}
		if d.StaleSessionTimeoutChanged {
			registry.SetStaleTimeout(
				time.Duration(d.NewStaleSessionTimeoutMs) * time.Millisecond)
			slog.Info("stale session timeout reloaded",
				"timeout_ms", d.NewStaleSessionTimeoutMs)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready", "addr", srv.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		slog.Info("shutdown signal received, draining")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal server error", "err", err)
		return exitFatal
	}
	slog.Info("goodbye")
	return exitOK
}

// slogLevel maps the config log level onto slog's scale.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// systemMemoryUsed returns the used fraction of system memory, or 0 when the
// probe fails so readiness does not flap on probe errors.
func systemMemoryUsed() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.UsedPercent / 100
}
