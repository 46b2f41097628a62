package anyllm

import (
	"testing"

	"github.com/openwear/earstream/pkg/provider/llm"
)

func TestBuildParams(t *testing.T) {
	p := &Provider{name: "openai", model: "gpt-4o-mini"}

	t.Run("system prompt prepended", func(t *testing.T) {
		params := p.buildParams(llm.Request{
			SystemPrompt: "You summarise conversations.",
			Prompt:       "Summarise this.",
		})
		if len(params.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(params.Messages))
		}
		if params.Messages[0].Role != "system" {
			t.Errorf("first role = %q, want system", params.Messages[0].Role)
		}
		if params.Messages[1].Role != "user" {
			t.Errorf("second role = %q, want user", params.Messages[1].Role)
		}
		if params.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", params.Model)
		}
	})

	t.Run("no system prompt", func(t *testing.T) {
		params := p.buildParams(llm.Request{Prompt: "hi"})
		if len(params.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(params.Messages))
		}
	})

	t.Run("zero tuning left to provider defaults", func(t *testing.T) {
		params := p.buildParams(llm.Request{Prompt: "hi"})
		if params.Temperature != nil {
			t.Error("temperature should be unset")
		}
		if params.MaxTokens != nil {
			t.Error("max tokens should be unset")
		}
	})

	t.Run("tuning forwarded", func(t *testing.T) {
		params := p.buildParams(llm.Request{Prompt: "hi", Temperature: 0.2, MaxTokens: 128})
		if params.Temperature == nil || *params.Temperature != 0.2 {
			t.Errorf("temperature = %v", params.Temperature)
		}
		if params.MaxTokens == nil || *params.MaxTokens != 128 {
			t.Errorf("max tokens = %v", params.MaxTokens)
		}
	})
}

func TestCreateBackendUnsupported(t *testing.T) {
	if _, err := createBackend("watson"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestName(t *testing.T) {
	p := &Provider{name: "ollama", model: "llama3.1"}
	if got := p.Name(); got != "ollama/llama3.1" {
		t.Errorf("Name() = %q", got)
	}
}
