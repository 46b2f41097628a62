package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"deepgram", "parakeet"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, applies EARSTREAM_*
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps environment variable names to setters on the config.
// Secrets in particular are expected to arrive this way in deployments.
var envOverrides = map[string]func(cfg *Config, v string){
	"EARSTREAM_LISTEN_ADDR":  func(c *Config, v string) { c.Server.ListenAddr = v },
	"EARSTREAM_LOG_LEVEL":    func(c *Config, v string) { c.Server.LogLevel = LogLevel(v) },
	"EARSTREAM_AUTH_TOKEN":   func(c *Config, v string) { c.Server.AuthToken = v },
	"EARSTREAM_REDIS_ADDR":   func(c *Config, v string) { c.Redis.Addr = v },
	"EARSTREAM_REDIS_PASSWORD": func(c *Config, v string) { c.Redis.Password = v },
	"EARSTREAM_POSTGRES_DSN": func(c *Config, v string) { c.Postgres.DSN = v },
	"EARSTREAM_AUDIO_DIR":    func(c *Config, v string) { c.Audio.Dir = v },
	"EARSTREAM_LLM_API_KEY":  func(c *Config, v string) { c.Providers.LLM.APIKey = v },
	"EARSTREAM_EMBEDDINGS_API_KEY": func(c *Config, v string) { c.Providers.Embeddings.APIKey = v },
	"EARSTREAM_DEEPGRAM_API_KEY": func(c *Config, v string) { setASRKey(c, "deepgram", v) },
	"EARSTREAM_PARAKEET_URL": func(c *Config, v string) { setASRBaseURL(c, "parakeet", v) },
	"EARSTREAM_SPEAKER_URL":  func(c *Config, v string) { c.Providers.Speaker.BaseURL = v },
	"EARSTREAM_REDIS_DB": func(c *Config, v string) {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	},
}

// applyEnv overwrites config fields from EARSTREAM_* environment variables.
func applyEnv(cfg *Config) {
	for name, set := range envOverrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			set(cfg, v)
		}
	}
}

// setASRKey sets the API key of the ASR entry with the given name, creating
// the entry when the file did not declare it.
func setASRKey(cfg *Config, name, key string) {
	for i := range cfg.Providers.ASR {
		if cfg.Providers.ASR[i].Name == name {
			cfg.Providers.ASR[i].APIKey = key
			return
		}
	}
	cfg.Providers.ASR = append(cfg.Providers.ASR, ProviderEntry{Name: name, APIKey: key})
}

// setASRBaseURL sets the base URL of the ASR entry with the given name,
// creating the entry when the file did not declare it.
func setASRBaseURL(cfg *Config, name, url string) {
	for i := range cfg.Providers.ASR {
		if cfg.Providers.ASR[i].Name == name {
			cfg.Providers.ASR[i].BaseURL = url
			return
		}
	}
	cfg.Providers.ASR = append(cfg.Providers.ASR, ProviderEntry{Name: name, BaseURL: url})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; conversation documents and memory facts will not be persisted")
	}
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty; the ingest endpoints accept unauthenticated clients")
	}

	// ASR entries
	if len(cfg.Providers.ASR) == 0 {
		slog.Warn("providers.asr is empty; sessions cannot be transcribed")
	}
	asrSeen := make(map[string]int, len(cfg.Providers.ASR))
	for i, entry := range cfg.Providers.ASR {
		prefix := fmt.Sprintf("providers.asr[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := asrSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.asr[%d]", prefix, entry.Name, prev))
		}
		asrSeen[entry.Name] = i
		validateProviderName("asr", entry.Name)
		if entry.Name == "deepgram" && entry.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s: deepgram requires api_key", prefix))
		}
		if entry.Name == "parakeet" && entry.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s: parakeet requires base_url", prefix))
		}
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is empty; conversations will not get titles, summaries, or extracted memories")
	}

	// Detector thresholds
	if cfg.Detector.MinConfidence < 0 || cfg.Detector.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detector.min_confidence %.2f is out of range [0, 1]", cfg.Detector.MinConfidence))
	}
	if cfg.Detector.MinWords < 0 {
		errs = append(errs, fmt.Errorf("detector.min_words %d must not be negative", cfg.Detector.MinWords))
	}
	if cfg.Detector.MinDurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("detector.min_duration_seconds %.2f must not be negative", cfg.Detector.MinDurationSeconds))
	}

	// Worker caps
	if cfg.Workers.Transcription < 0 || cfg.Workers.Persistence < 0 || cfg.Workers.Jobs < 0 {
		errs = append(errs, errors.New("workers caps must not be negative"))
	}

	// Durations
	if cfg.Conversation.InactivityTimeout < 0 || cfg.Conversation.BindWait < 0 ||
		cfg.Conversation.Tick < 0 || cfg.Detector.Tick < 0 {
		errs = append(errs, errors.New("detector and conversation durations must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
