package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/openwear/earstream/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  auth_token: hunter2
redis:
  addr: "localhost:6379"
postgres:
  dsn: "postgres://localhost/earstream?sslmode=disable"
audio:
  dir: /var/lib/earstream/audio
providers:
  asr:
    - name: deepgram
      api_key: dg-key
      model: nova-3
    - name: parakeet
      base_url: "http://localhost:9000"
  speaker:
    base_url: "http://localhost:9100"
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  embeddings:
    name: ollama
    base_url: "http://localhost:11434"
    model: nomic-embed-text
memory:
  embedding_dimensions: 768
workers:
  transcription: 16
  persistence: 8
  jobs: 32
detector:
  tick: 1s
  min_words: 10
  min_duration_seconds: 5
  min_confidence: 0.5
conversation:
  tick: 1s
  inactivity_timeout: 60s
  bind_wait: 30s
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
	if len(cfg.Providers.ASR) != 2 {
		t.Fatalf("asr entries = %d, want 2", len(cfg.Providers.ASR))
	}
	if cfg.Providers.ASR[0].Name != "deepgram" || cfg.Providers.ASR[0].APIKey != "dg-key" {
		t.Errorf("asr[0] = %+v", cfg.Providers.ASR[0])
	}
	if cfg.Providers.Embeddings.Model != "nomic-embed-text" {
		t.Errorf("embeddings.model = %q", cfg.Providers.Embeddings.Model)
	}
	if cfg.Memory.EmbeddingDimensions != 768 {
		t.Errorf("embedding_dimensions = %d", cfg.Memory.EmbeddingDimensions)
	}
	if cfg.Detector.Tick != time.Second {
		t.Errorf("detector.tick = %v", cfg.Detector.Tick)
	}
	if cfg.Conversation.InactivityTimeout != 60*time.Second {
		t.Errorf("inactivity_timeout = %v", cfg.Conversation.InactivityTimeout)
	}
	if cfg.Workers.Jobs != 32 {
		t.Errorf("workers.jobs = %d", cfg.Workers.Jobs)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
redis:
  addr: "localhost:6379"
serverr:
  listen_addr: ":8080"
`))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing redis addr",
			yaml:    "server:\n  log_level: info\n",
			wantErr: "redis.addr is required",
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\nredis:\n  addr: localhost:6379\n",
			wantErr: "server.log_level",
		},
		{
			name:    "deepgram without key",
			yaml:    "redis:\n  addr: localhost:6379\nproviders:\n  asr:\n    - name: deepgram\n",
			wantErr: "deepgram requires api_key",
		},
		{
			name:    "parakeet without url",
			yaml:    "redis:\n  addr: localhost:6379\nproviders:\n  asr:\n    - name: parakeet\n",
			wantErr: "parakeet requires base_url",
		},
		{
			name:    "duplicate asr entry",
			yaml:    "redis:\n  addr: localhost:6379\nproviders:\n  asr:\n    - name: parakeet\n      base_url: http://a\n    - name: parakeet\n      base_url: http://b\n",
			wantErr: "duplicate",
		},
		{
			name:    "confidence out of range",
			yaml:    "redis:\n  addr: localhost:6379\ndetector:\n  min_confidence: 1.5\n",
			wantErr: "min_confidence",
		},
		{
			name:    "tls missing key file",
			yaml:    "redis:\n  addr: localhost:6379\nserver:\n  tls:\n    cert_file: /tmp/cert.pem\n",
			wantErr: "cert_file and key_file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EARSTREAM_REDIS_ADDR", "redis.prod:6379")
	t.Setenv("EARSTREAM_POSTGRES_DSN", "postgres://prod/earstream")
	t.Setenv("EARSTREAM_DEEPGRAM_API_KEY", "dg-prod")
	t.Setenv("EARSTREAM_LOG_LEVEL", "debug")
	t.Setenv("EARSTREAM_AUTH_TOKEN", "prod-token")

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Addr != "redis.prod:6379" {
		t.Errorf("redis.addr = %q, want env override", cfg.Redis.Addr)
	}
	if cfg.Postgres.DSN != "postgres://prod/earstream" {
		t.Errorf("postgres.dsn = %q, want env override", cfg.Postgres.DSN)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.AuthToken != "prod-token" {
		t.Errorf("auth_token = %q, want env override", cfg.Server.AuthToken)
	}
	for _, entry := range cfg.Providers.ASR {
		if entry.Name == "deepgram" && entry.APIKey != "dg-prod" {
			t.Errorf("deepgram api_key = %q, want env override", entry.APIKey)
		}
	}
}

func TestEnvOverrideCreatesASREntry(t *testing.T) {
	t.Setenv("EARSTREAM_PARAKEET_URL", "http://parakeet.prod:9000")

	cfg, err := config.LoadFromReader(strings.NewReader("redis:\n  addr: localhost:6379\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, entry := range cfg.Providers.ASR {
		if entry.Name == "parakeet" && entry.BaseURL == "http://parakeet.prod:9000" {
			found = true
		}
	}
	if !found {
		t.Errorf("parakeet entry not synthesized from env: %+v", cfg.Providers.ASR)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/earstream.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
