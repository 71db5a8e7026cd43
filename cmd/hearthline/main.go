// Command hearthline is the main entry point for the Hearthline voice
// companion server.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearthline-ai/hearthline/internal/call"
	"github.com/hearthline-ai/hearthline/internal/config"
	"github.com/hearthline-ai/hearthline/internal/health"
	"github.com/hearthline-ai/hearthline/internal/journal"
	"github.com/hearthline-ai/hearthline/internal/memory"
	"github.com/hearthline-ai/hearthline/internal/news"
	"github.com/hearthline-ai/hearthline/internal/observe"
	"github.com/hearthline-ai/hearthline/internal/resilience"
	"github.com/hearthline-ai/hearthline/internal/server"
	"github.com/hearthline-ai/hearthline/pkg/provider/llm/openai"
	sttdeepgram "github.com/hearthline-ai/hearthline/pkg/provider/stt/deepgram"
	"github.com/hearthline-ai/hearthline/pkg/provider/tts"
	ttsdeepgram "github.com/hearthline-ai/hearthline/pkg/provider/tts/deepgram"
	"github.com/hearthline-ai/hearthline/pkg/telephony"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hearthline: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("hearthline starting",
		"listen_addr", cfg.ListenAddr(),
		"log_level", cfg.LogLevel,
		"voice_model", cfg.VoiceModel,
		"db_path", cfg.DBPath,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.SetupConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Persona ───────────────────────────────────────────────────────────────
	persona := config.DefaultPersona
	if cfg.PersonaPath != "" {
		if persona, err = config.LoadPersona(cfg.PersonaPath); err != nil {
			slog.Error("failed to load persona", "path", cfg.PersonaPath, "err", err)
			return 1
		}
	}
	slog.Info("persona loaded", "name", persona.Name, "greetings", len(persona.Greetings))

	// ── Journal and memory store ──────────────────────────────────────────────
	jrnl, err := journal.Open(ctx, cfg.DBPath, journal.WithLocation(cfg.Timezone))
	if err != nil {
		slog.Error("failed to open journal database", "err", err)
		return 1
	}
	defer jrnl.Close()

	// The chat vendor doubles as the memory key generator; one shared client
	// serves all calls since key derivation carries no conversation state.
	keygen, err := openai.New(cfg.LLMKey, "", openai.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create key-generation client", "err", err)
		return 1
	}

	store, err := memory.NewSQLStore(ctx, jrnl.DB(), memory.WithKeyGenerator(keygen))
	if err != nil {
		slog.Error("failed to initialise memory store", "err", err)
		return 1
	}

	// ── Shared call infrastructure ────────────────────────────────────────────
	feed := news.NewFetcher(news.WithLogger(logger))

	sttProvider, err := sttdeepgram.New(cfg.STTKey,
		sttdeepgram.WithReconnectPolicy(cfg.STTMaxRetries, cfg.STTInitialRetryDelay, cfg.STTMaxRetryDelay),
		sttdeepgram.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create transcription provider", "err", err)
		return 1
	}

	synth, err := ttsdeepgram.New(cfg.TTSKey, ttsdeepgram.WithVoiceModel(cfg.VoiceModel))
	if err != nil {
		slog.Error("failed to create speech synthesizer", "err", err)
		return 1
	}

	// One breaker for the synthesis vendor across all calls: vendor health is
	// global, so one call's failures protect the rest.
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:            "tts",
		Threshold:       cfg.TTSCircuitBreakerThreshold,
		RecoveryTimeout: cfg.TTSCircuitRecoveryTime,
		OnStateChange: func(from, to resilience.State) {
			metrics.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("from", from.String()),
				attribute.String("to", to.String())))
		},
	})

	transfer := newTransferFunc(cfg.TransferNumber, logger)

	// ── Per-call session factory ──────────────────────────────────────────────
	newSession := func(conn call.Conn) server.Session {
		return sessionFunc(func(ctx context.Context) error {
			marks := telephony.NewMarkTracker()

			registry := &call.Registry{
				Memory:   store,
				News:     feed,
				Marks:    marks,
				Transfer: transfer,
				Metrics:  metrics,
				Log:      logger,
			}

			chat, err := openai.New(cfg.LLMKey, "",
				openai.WithFunctions(registry),
				openai.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("create chat client: %w", err)
			}

			queue, err := tts.NewQueue(tts.QueueConfig{
				Synthesizer:          synth,
				Breaker:              breaker,
				BaselineSpacing:      cfg.TTSRequestSpacing,
				MaxRequestsPerSecond: cfg.TTSMaxRequestsPerSecond,
				Logger:               logger,
			})
			if err != nil {
				return fmt.Errorf("create synthesis queue: %w", err)
			}

			orch := call.NewOrchestrator(call.OrchestratorConfig{
				Bridge:              call.NewBridge(conn, marks, call.WithRecording(cfg.RecordingEnabled), call.WithBridgeLogger(logger)),
				STT:                 sttProvider,
				LLM:                 chat,
				TTS:                 queue,
				Marks:               marks,
				Memory:              store,
				Journal:             jrnl,
				Persona:             persona,
				Metrics:             metrics,
				Logger:              logger,
				MinimumCallDuration: cfg.MinimumCallDuration,
			})
			registry.CallID = orch.CallID
			return orch.Run(ctx)
		})
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.JournalProbe(jrnl.DB()),
		health.BreakerProbe("tts", func() bool { return breaker.State() == resilience.StateOpen }),
	)

	srv := server.New(newSession, metrics,
		server.WithHost(cfg.Server),
		server.WithRecording(cfg.RecordingEnabled),
		server.WithLogger(logger),
		server.WithHealth(checks),
	)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.ListenAndServe() }()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// sessionFunc adapts a closure to the server.Session interface.
type sessionFunc func(ctx context.Context) error

func (f sessionFunc) Run(ctx context.Context) error { return f(ctx) }

// newTransferFunc builds the human-handoff hook for transfer_call. Returns
// nil when no transfer number is configured, which makes the function report
// itself as unavailable to the model.
//
// TODO: drive the vendor's call-update REST API once account credentials are
// part of the configuration; today the handoff is surfaced to operators
// through the log stream.
func newTransferFunc(number string, log *slog.Logger) call.TransferFunc {
	if number == "" {
		return nil
	}
	return func(ctx context.Context, callID, reason string) error {
		log.Warn("human handoff requested",
			"call_id", callID,
			"transfer_number", number,
			"reason", reason,
		)
		return nil
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

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
