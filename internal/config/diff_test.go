package config_test

import (
	"testing"
	"time"

	"github.com/openwear/earstream/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Redis:  config.RedisConfig{Addr: "localhost:6379"},
		Detector: config.DetectorConfig{
			Tick:          time.Second,
			MinWords:      10,
			MinConfidence: 0.5,
		},
		Conversation: config.ConversationConfig{
			Tick:              time.Second,
			InactivityTimeout: time.Minute,
		},
	}
}

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
	if d.DetectorChanged || d.ConversationChanged {
		t.Errorf("unrelated sections flagged: %+v", d)
	}
}

func TestDiffDetectorTunables(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Detector.MinWords = 20

	d := config.Diff(old, new)
	if !d.DetectorChanged || d.NewDetector.MinWords != 20 {
		t.Errorf("diff = %+v, want detector change", d)
	}
}

func TestDiffConversationTunables(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Conversation.InactivityTimeout = 2 * time.Minute

	d := config.Diff(old, new)
	if !d.ConversationChanged || d.NewConversation.InactivityTimeout != 2*time.Minute {
		t.Errorf("diff = %+v, want conversation change", d)
	}
}

func TestDiffIgnoresEndpoints(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Redis.Addr = "other:6379"

	// Endpoint changes require a restart and never appear in the diff.
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("diff = %+v, want empty for endpoint change", d)
	}
}
