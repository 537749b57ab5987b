// Render worker entry point.
//
// Usage:
//
//	go run ./cmd/worker
//
// Requires SUPABASE_DEV_URL and SUPABASE_DEV_SERVICE_ROLE_KEY (or the
// legacy SUPABASE_URL pair) plus ffmpeg/ffprobe on PATH. An optional
// PROD credential pair binds a second, higher-priority queue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/stillwave-audio/renderworker/pkg/config"
	"github.com/stillwave-audio/renderworker/pkg/ffmpeg"
	"github.com/stillwave-audio/renderworker/pkg/queue"
	"github.com/stillwave-audio/renderworker/pkg/render"
	"github.com/stillwave-audio/renderworker/pkg/trace"
	"github.com/stillwave-audio/renderworker/pkg/tts"
	"github.com/stillwave-audio/renderworker/pkg/worker"
)

func main() {
	godotenv.Load()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           logLevel(),
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	defer trace.Shutdown(context.Background())

	driver, err := ffmpeg.Detect(ctx, logger)
	if err != nil {
		logger.Error("audio tool unavailable", "err", err)
		os.Exit(1)
	}

	synths := map[string]tts.Synthesizer{}
	if cfg.OpenAIAPIKey != "" {
		synths["openai"] = tts.NewOpenAI(cfg.OpenAIAPIKey)
	}
	if cfg.ElevenLabsAPIKey != "" {
		synths["elevenlabs"] = tts.NewElevenLabs(cfg.ElevenLabsAPIKey, driver)
	}
	if len(synths) == 0 {
		logger.Warn("no TTS credentials configured, voice jobs will fail")
	}

	metrics := worker.NewMetrics(time.Now())

	// PROD binds first so it drains before DEV on every activation.
	var bindings []worker.EnvBinding
	if cfg.Prod.Configured() {
		b, err := bind(cfg.Prod, "prod", driver, synths, logger)
		if err != nil {
			logger.Error("prod queue unavailable", "err", err)
			os.Exit(1)
		}
		bindings = append(bindings, b)
	}
	devBinding, err := bind(cfg.Dev, "dev", driver, synths, logger)
	if err != nil {
		logger.Error("dev queue unavailable", "err", err)
		os.Exit(1)
	}
	bindings = append(bindings, devBinding)

	rt := worker.NewRuntime(bindings, logger,
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMaxJobsPerCycle(cfg.MaxJobsPerCycle),
		worker.WithMetrics(metrics))

	srv := worker.NewServer(rt, metrics, cfg.Port, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("http server failed", "err", err)
		}
	}()

	logger.Info("worker started",
		"environments", len(bindings),
		"poll_interval", cfg.PollInterval,
		"port", cfg.Port)

	if err := rt.Run(ctx); err != nil {
		logger.Error("dispatch loop failed", "err", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}

	logger.Info("worker stopped")
}

// bind builds one environment's queue client, pipeline, and realtime
// subscription hookup.
func bind(creds config.EnvCreds, name string, driver *ffmpeg.Driver, synths map[string]tts.Synthesizer, logger *log.Logger) (worker.EnvBinding, error) {
	client, err := queue.NewClient(queue.Config{
		BaseURL:        creds.URL,
		ServiceRoleKey: creds.ServiceRoleKey,
		Environment:    name,
	}, logger)
	if err != nil {
		return worker.EnvBinding{}, err
	}

	pipeline := render.New(client, driver, synths, logger.With("env", name))

	return worker.EnvBinding{
		Queue:  client,
		Runner: pipeline,
		Subscribe: func(ctx context.Context, onInsert func()) (worker.Subscription, error) {
			return client.SubscribeInserts(ctx, onInsert)
		},
	}, nil
}

func logLevel() log.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
