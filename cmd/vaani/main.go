// Command vaani is the main entry point for the Vaani voice conversation
// server. It loads the YAML configuration, wires the STT/LLM/TTS providers,
// the tool registry, and the session store, and serves the WebSocket call
// endpoint plus health and metrics routes.
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

	"github.com/vaani-labs/vaani/internal/config"
	"github.com/vaani-labs/vaani/internal/gateway"
	"github.com/vaani-labs/vaani/internal/health"
	"github.com/vaani-labs/vaani/internal/observe"
	"github.com/vaani-labs/vaani/internal/pipeline"
	"github.com/vaani-labs/vaani/internal/resilience"
	"github.com/vaani-labs/vaani/internal/session"
	sessionpg "github.com/vaani-labs/vaani/internal/session/postgres"
	"github.com/vaani-labs/vaani/internal/tools"
	"github.com/vaani-labs/vaani/internal/tools/mcphost"
	"github.com/vaani-labs/vaani/pkg/provider/llm"
	"github.com/vaani-labs/vaani/pkg/provider/llm/anyllm"
	"github.com/vaani-labs/vaani/pkg/provider/llm/openai"
	"github.com/vaani-labs/vaani/pkg/provider/stt"
	"github.com/vaani-labs/vaani/pkg/provider/stt/deepgram"
	"github.com/vaani-labs/vaani/pkg/provider/tts"
	"github.com/vaani-labs/vaani/pkg/provider/tts/elevenlabs"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vaani: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vaani: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vaani starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vaani"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Tool registry ─────────────────────────────────────────────────────────
	registry, err := buildToolRegistry(ctx, cfg)
	if err != nil {
		slog.Error("failed to build tool registry", "err", err)
		return 1
	}
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Warn("tool registry close error", "err", err)
		}
	}()

	// ── Session store ─────────────────────────────────────────────────────────
	store, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open session store", "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("session store close error", "err", err)
		}
	}()

	// ── Gateway: one WebSocket connection ⇔ one pipeline ──────────────────────
	factory := func(sessionID, callerID string) (gateway.Conversation, error) {
		return pipeline.New(pipeline.Config{
			SessionID: sessionID,
			CallerID:  callerID,
			CallContext: map[string]any{
				"transport": "websocket",
				"caller_id": callerID,
			},
			STT:       providers.stt,
			LLM:       providers.llm,
			TTS:       providers.tts,
			Tools:     registry,
			Store:     store,

			SystemPrompt: cfg.Agent.SystemPrompt,
			Language:     cfg.Agent.Language,
			Voice: tts.Voice{
				ID:         cfg.Agent.Voice.VoiceID,
				SampleRate: cfg.Agent.Voice.SampleRate,
				Encoding:   cfg.Agent.Voice.Encoding,
			},
			Fillers: cfg.Agent.Fillers,

			BaseSilenceWait:          cfg.Pipeline.BaseSilenceWait,
			MaxSilenceWait:           cfg.Pipeline.MaxSilenceWait,
			BargeInRMSThreshold:      cfg.Pipeline.BargeInRMSThreshold,
			BargeInConsecutiveFrames: cfg.Pipeline.BargeInConsecutiveFrames,
			ToolTimeout:              cfg.Pipeline.ToolTimeout,
			TTSEndTimeout:            cfg.Pipeline.TTSEndTimeout,

			Metrics: metrics,
			Logger:  logger,
		})
	}
	gw := gateway.NewServer(factory, gateway.WithLogger(logger))

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	gw.Register(mux)
	health.New(health.Checker{Name: "session_store", Check: storeCheck(store)}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if tc := cfg.Server.TLS; tc != nil {
			errc <- srv.ListenAndServeTLS(tc.CertFile, tc.KeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Shutdown(sctx); err != nil {
		slog.Warn("gateway shutdown error", "err", err)
	}
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// builtProviders carries the three instantiated (and possibly fallback-wrapped)
// pipeline providers.
type builtProviders struct {
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The native openai-go client serves "openai"; every other vendor goes
	// through any-llm with the shared APIKey + BaseURL pattern.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// buildProviders instantiates the three configured providers, wrapping each in
// a resilience fallback group when the config lists fallbacks.
func buildProviders(cfg *config.Config, reg *config.Registry) (*builtProviders, error) {
	ps := &builtProviders{}

	sttPrimary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.stt = sttPrimary
	if fbs := cfg.Providers.STT.Fallbacks; len(fbs) > 0 {
		group := resilience.NewSTTFallback(sttPrimary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range fbs {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ps.stt = group
	}

	llmPrimary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.llm = llmPrimary
	if fbs := cfg.Providers.LLM.Fallbacks; len(fbs) > 0 {
		group := resilience.NewLLMFallback(llmPrimary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		for _, entry := range fbs {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ps.llm = group
	}

	ttsPrimary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.tts = ttsPrimary
	if fbs := cfg.Providers.TTS.Fallbacks; len(fbs) > 0 {
		group := resilience.NewTTSFallback(ttsPrimary, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		for _, entry := range fbs {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ps.tts = group
	}

	slog.Info("providers created",
		"stt", cfg.Providers.STT.Name,
		"llm", cfg.Providers.LLM.Name,
		"tts", cfg.Providers.TTS.Name,
	)
	return ps, nil
}

// buildToolRegistry picks the MCP host when servers are configured and the
// in-process static registry otherwise. Both carry the built-in end_call tool.
func buildToolRegistry(ctx context.Context, cfg *config.Config) (tools.Registry, error) {
	if len(cfg.MCP.Servers) == 0 {
		return tools.NewStaticRegistry(), nil
	}
	host := mcphost.New()
	if err := host.RegisterBuiltin(tools.EndCallTool()); err != nil {
		return nil, err
	}
	for _, sc := range cfg.MCP.Servers {
		if err := host.RegisterServer(ctx, mcphost.ServerConfig{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			URL:       sc.URL,
			Env:       sc.Env,
		}); err != nil {
			host.Close()
			return nil, fmt.Errorf("register mcp server %q: %w", sc.Name, err)
		}
		slog.Info("mcp server connected", "name", sc.Name, "transport", sc.Transport)
	}
	return host, nil
}

// buildStore opens the PostgreSQL session store when a DSN is configured and
// falls back to the in-memory store otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		return sessionpg.NewStore(ctx, dsn)
	}
	slog.Info("no postgres_dsn configured, using in-memory session store")
	return session.NewMemStore(), nil
}

// storeCheck probes the session store for readiness. A lookup for a session
// that does not exist still exercises the backend round-trip; only transport
// failures count as unhealthy.
func storeCheck(store session.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.Get(ctx, "readyz-probe")
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		return nil
	}
}

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
