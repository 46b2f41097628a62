// Command earstream runs the audio ingestion and conversation pipeline. One
// binary hosts four roles selected with -mode:
//
//   - producer-embedded: the HTTP/WebSocket ingestion front — accepts device
//     audio over /v1/stream and WAV uploads over /v1/upload, appends to the
//     durable log.
//   - transcription-worker: attaches streaming or batch ASR workers to
//     discovered audio streams.
//   - persistence-worker: drains audio streams into rotated WAV files.
//   - job-worker: runs speech detection, conversation lifecycle, and the
//     post-conversation pipeline.
//
// All roles share the same YAML configuration file and scale independently;
// the durable log coordinates them.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/redis/go-redis/v9"

	"github.com/openwear/earstream/internal/aggregate"
	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/config"
	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/health"
	"github.com/openwear/earstream/internal/jobs"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/persist"
	"github.com/openwear/earstream/internal/producer"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/internal/transcribe"
	"github.com/openwear/earstream/internal/transport"
	pgmemory "github.com/openwear/earstream/pkg/memory/postgres"
	"github.com/openwear/earstream/pkg/provider/asr"
	"github.com/openwear/earstream/pkg/provider/asr/deepgram"
	"github.com/openwear/earstream/pkg/provider/asr/parakeet"
	"github.com/openwear/earstream/pkg/provider/embeddings"
	ollamaembed "github.com/openwear/earstream/pkg/provider/embeddings/ollama"
	oaembed "github.com/openwear/earstream/pkg/provider/embeddings/openai"
	"github.com/openwear/earstream/pkg/provider/llm"
	"github.com/openwear/earstream/pkg/provider/llm/anyllm"
	"github.com/openwear/earstream/pkg/provider/speaker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// completeChannel is the pub/sub channel conversation-complete events are
// published on for downstream consumers.
const completeChannel = "conversation.complete"

func main() {
	os.Exit(run())
}

// runtime bundles the pieces every mode needs.
type runtime struct {
	cfg        *config.Config
	configPath string
	levelVar   *slog.LevelVar
	rdb        *redis.Client
	log        *audiolog.Log
	meta       *sessionmeta.Store
	metrics    *observe.Metrics
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "producer-embedded",
		"role to run: producer-embedded, transcription-worker, persistence-worker, job-worker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earstream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earstream: %v\n", err)
		}
		return 1
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("earstream starting",
		"version", version,
		"mode", *mode,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}

	rt := &runtime{
		cfg:        cfg,
		configPath: *configPath,
		levelVar:   levelVar,
		rdb:        rdb,
		log:        audiolog.New(rdb),
		meta:       sessionmeta.New(rdb),
		metrics:    metrics,
	}

	switch *mode {
	case "producer-embedded":
		return runProducer(ctx, rt)
	case "transcription-worker":
		return runTranscription(ctx, rt)
	case "persistence-worker":
		return runPersistence(ctx, rt)
	case "job-worker":
		return runJobs(ctx, rt)
	default:
		fmt.Fprintf(os.Stderr, "earstream: unknown mode %q\n", *mode)
		return 1
	}
}

// ── Modes ─────────────────────────────────────────────────────────────────────

func runProducer(ctx context.Context, rt *runtime) int {
	prod := producer.New(rt.log, rt.meta)

	mux := http.NewServeMux()
	mux.Handle("/v1/stream", transport.NewSocketHandler(prod, rt.meta, rt.cfg.Server.AuthToken,
		transport.WithSocketMetrics(rt.metrics)))
	mux.Handle("/v1/upload", transport.NewUploadHandler(prod, rt.cfg.Server.AuthToken))
	mux.Handle("/v1/reprocess", transport.NewReprocessHandler(func(ctx context.Context, conversationID, userID string) error {
		return jobs.PublishReprocess(ctx, rt.rdb, jobs.ReprocessRequest{
			ConversationID: conversationID,
			UserID:         userID,
		})
	}, rt.cfg.Server.AuthToken))
	mux.Handle("/metrics", promhttp.Handler())
	health.New(health.Redis(rt.rdb)).Register(mux)

	srv := &http.Server{
		Addr:              rt.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(rt.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if w := startWatcher(rt, nil); w != nil {
		defer w.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := rt.cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()
	slog.Info("ingestion listening", "addr", rt.cfg.Server.ListenAddr, "tls", rt.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runTranscription(ctx context.Context, rt *runtime) int {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers := transcribe.Providers{
		Streaming: make(map[string]asr.StreamingProvider),
		Batch:     make(map[string]asr.BatchProvider),
	}
	opts := []transcribe.ScannerOption{transcribe.WithScanMetrics(rt.metrics)}

	for _, entry := range rt.cfg.Providers.ASR {
		if sp, err := reg.CreateStreamingASR(entry); err == nil {
			providers.Streaming[entry.Name] = sp
			slog.Info("provider created", "kind", "asr-streaming", "name", entry.Name)
		} else if !errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Error("asr provider failed", "name", entry.Name, "err", err)
			return 1
		} else if bp, err := reg.CreateBatchASR(entry); err == nil {
			providers.Batch[entry.Name] = bp
			slog.Info("provider created", "kind", "asr-batch", "name", entry.Name)
		} else if !errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Error("asr provider failed", "name", entry.Name, "err", err)
			return 1
		} else {
			slog.Warn("no implementation for asr provider — skipping", "name", entry.Name)
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, transcribe.WithScanLanguage(lang))
		}
	}
	if len(providers.Streaming)+len(providers.Batch) == 0 {
		slog.Error("no asr providers configured")
		return 1
	}

	if w := startWatcher(rt, nil); w != nil {
		defer w.Stop()
	}

	scanner := transcribe.NewScanner(rt.log, rt.meta, providers, opts...)
	slog.Info("transcription worker running")
	if err := scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runPersistence(ctx context.Context, rt *runtime) int {
	if rt.cfg.Audio.Dir == "" {
		slog.Error("audio.dir is required for the persistence worker")
		return 1
	}

	if w := startWatcher(rt, nil); w != nil {
		defer w.Stop()
	}

	mgr := persist.NewManager(rt.log, rt.meta, rt.cfg.Audio.Dir,
		persist.WithManagerMetrics(rt.metrics))
	slog.Info("persistence worker running", "dir", rt.cfg.Audio.Dir)
	if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runJobs(ctx context.Context, rt *runtime) int {
	cfg := rt.cfg

	convs, err := convstore.NewStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("conversation store init failed", "err", err)
		return 1
	}
	defer convs.Close()

	facts, err := pgmemory.NewStore(ctx, cfg.Postgres.DSN, cfg.Memory.EmbeddingDimensions)
	if err != nil {
		slog.Error("memory store init failed", "err", err)
		return 1
	}
	defer facts.Close()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	var llmProvider llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		if llmProvider, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
			slog.Error("llm provider failed", "name", name, "err", err)
			return 1
		}
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	var embedder embeddings.Provider
	if name := cfg.Providers.Embeddings.Name; name != "" {
		if embedder, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
			slog.Error("embeddings provider failed", "name", name, "err", err)
			return 1
		}
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	var recognizer speaker.Recognizer
	if entry := cfg.Providers.Speaker; entry.BaseURL != "" {
		if entry.Name == "" {
			entry.Name = "http"
		}
		if recognizer, err = reg.CreateSpeaker(entry); err != nil {
			slog.Error("speaker provider failed", "name", entry.Name, "err", err)
			return 1
		}
		slog.Info("provider created", "kind", "speaker", "url", entry.BaseURL)
	}

	workers := int64(cfg.Workers.Jobs)
	if workers <= 0 {
		workers = 8
	}
	pool := jobs.NewPool(ctx, workers, jobs.WithPoolMetrics(rt.metrics))

	deps := jobs.Deps{
		Log:           rt.log,
		Meta:          rt.meta,
		Agg:           aggregate.New(rt.log),
		Conversations: convs,
		Pool:          pool,
		Metrics:       rt.metrics,
		Recognizer:    recognizer,
		LLM:           llmProvider,
		Embedder:      embedder,
		Facts:         facts,

		OnConversationComplete: publishComplete(rt.rdb),

		Detector:     detectorSettings(cfg.Detector),
		Conversation: conversationSettings(cfg.Conversation),
	}

	// Administrative reprocessing needs a batch provider; without one the
	// trigger channel is simply not consumed.
	if batchASR := firstBatchASR(reg, cfg.Providers.ASR); batchASR != nil {
		listener := jobs.NewReprocessListener(rt.rdb, deps, batchASR)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("reprocess listener stopped", "err", err)
			}
		}()
		slog.Info("reprocess listener running", "provider", batchASR.Name())
	}

	scanner := jobs.NewScanner(deps)
	if w := startWatcher(rt, func(diff config.ConfigDiff, newCfg *config.Config) {
		if diff.DetectorChanged || diff.ConversationChanged {
			scanner.UpdateTunables(detectorSettings(newCfg.Detector), conversationSettings(newCfg.Conversation))
			slog.Info("lifecycle tunables updated")
		}
	}); w != nil {
		defer w.Stop()
	}

	slog.Info("job worker running", "max_workers", workers)
	err = scanner.Run(ctx)

	slog.Info("shutdown signal received, draining jobs…")
	pool.Drain(15 * time.Second)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// firstBatchASR creates the first configured batch ASR provider. Nil when no
// configured entry has a batch implementation.
func firstBatchASR(reg *config.Registry, entries []config.ProviderEntry) asr.BatchProvider {
	for _, entry := range entries {
		if bp, err := reg.CreateBatchASR(entry); err == nil {
			return bp
		}
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
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
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterStreamingASR("deepgram", func(entry config.ProviderEntry) (asr.StreamingProvider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterBatchASR("parakeet", func(entry config.ProviderEntry) (asr.BatchProvider, error) {
		var opts []parakeet.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, parakeet.WithLanguage(lang))
		}
		return parakeet.New(entry.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	reg.RegisterSpeaker("http", func(entry config.ProviderEntry) (speaker.Recognizer, error) {
		return speaker.New(entry.BaseURL)
	})
}

// publishComplete returns the conversation-complete hook: a JSON event on
// the shared pub/sub channel so downstream consumers (sync, notifications)
// learn about finished conversations without polling Postgres.
func publishComplete(rdb *redis.Client) func(ctx context.Context, conv *convstore.Conversation) error {
	return func(ctx context.Context, conv *convstore.Conversation) error {
		payload, err := json.Marshal(map[string]string{
			"conversation_id": conv.ID,
			"session_id":      conv.SessionID,
			"user_id":         conv.UserID,
			"end_reason":      conv.EndReason,
			"title":           conv.Title,
			"correlation_id":  observe.CorrelationID(ctx),
		})
		if err != nil {
			return fmt.Errorf("marshal complete event: %w", err)
		}
		return rdb.Publish(ctx, completeChannel, payload).Err()
	}
}

// ── Config plumbing ───────────────────────────────────────────────────────────

// startWatcher polls the config file and applies hot-reloadable changes: the
// log level in every mode, plus the mode-specific apply hook. Returns nil
// (with a warning) when watching cannot start; the process keeps the config
// it booted with.
func startWatcher(rt *runtime, apply func(config.ConfigDiff, *config.Config)) *config.Watcher {
	w, err := config.NewWatcher(rt.configPath, func(diff config.ConfigDiff, newCfg *config.Config) {
		if diff.LogLevelChanged {
			rt.levelVar.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level updated", "level", diff.NewLogLevel)
		}
		if apply != nil {
			apply(diff, newCfg)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
		return nil
	}
	return w
}

func detectorSettings(c config.DetectorConfig) jobs.DetectorConfig {
	return jobs.DetectorConfig{
		Tick:          c.Tick,
		MinWords:      c.MinWords,
		MinDuration:   c.MinDurationSeconds,
		MinConfidence: c.MinConfidence,
		SpeakerFilter: c.SpeakerFilter,
	}
}

func conversationSettings(c config.ConversationConfig) jobs.ConversationConfig {
	return jobs.ConversationConfig{
		Tick:       c.Tick,
		Inactivity: c.InactivityTimeout,
		BindWait:   c.BindWait,
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
