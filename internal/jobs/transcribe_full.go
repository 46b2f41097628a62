package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/pkg/audio"
	"github.com/openwear/earstream/pkg/provider/asr"
)

// TranscribeFullAudio re-transcribes a conversation's WAV file in one batch
// call and stores the result as a new transcript version, then re-runs the
// post-conversation pipeline with that version as input. Used for uploaded
// files and for administrative reprocessing; the original version is never
// overwritten.
type TranscribeFullAudio struct {
	deps     Deps
	provider asr.BatchProvider

	conversationID string
	userID         string
}

// NewTranscribeFullAudio creates the reprocessing job.
func NewTranscribeFullAudio(deps Deps, provider asr.BatchProvider, conversationID, userID string) *TranscribeFullAudio {
	return &TranscribeFullAudio{
		deps:           deps,
		provider:       provider,
		conversationID: conversationID,
		userID:         userID,
	}
}

// Name implements [Job].
func (t *TranscribeFullAudio) Name() string { return "transcribe-full-audio" }

// Timeout implements [Job].
func (t *TranscribeFullAudio) Timeout() time.Duration { return postTimeout }

// Run implements [Job].
func (t *TranscribeFullAudio) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "post.transcribe_full",
		trace.WithAttributes(
			attribute.String("conversation_id", t.conversationID),
			attribute.String("provider", t.provider.Name()),
		))
	defer span.End()

	conv, err := t.deps.Conversations.Get(ctx, t.conversationID)
	if err != nil {
		return fmt.Errorf("transcribe full %s: load: %w", t.conversationID, err)
	}
	if conv.AudioPath == "" {
		return fmt.Errorf("transcribe full %s: conversation has no audio file", t.conversationID)
	}

	data, err := os.ReadFile(conv.AudioPath)
	if err != nil {
		return fmt.Errorf("transcribe full %s: read audio: %w", t.conversationID, err)
	}
	pcm, sampleRate, channels, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("transcribe full %s: decode wav: %w", t.conversationID, err)
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if sampleRate != audio.SampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, audio.SampleRate)
	}

	start := time.Now()
	transcript, err := t.provider.Transcribe(ctx, pcm, audio.SampleRate)
	if err != nil {
		return fmt.Errorf("transcribe full %s: transcribe: %w", t.conversationID, err)
	}

	versionID := fmt.Sprintf("v%d", len(conv.Versions)+1)
	version := convstore.TranscriptVersion{
		Text:           transcript.Text,
		Words:          transcript.Words,
		Segments:       transcript.Segments,
		Provider:       t.provider.Name(),
		ProcessingTime: time.Since(start).Seconds(),
		CreatedAt:      time.Now(),
	}
	if err := t.deps.Conversations.SetTranscriptVersion(ctx, t.conversationID, versionID, version); err != nil {
		return fmt.Errorf("transcribe full %s: write version: %w", t.conversationID, err)
	}
	observe.Logger(ctx).Info("full audio transcribed", "conversation_id", t.conversationID,
		"version", versionID, "words", len(transcript.Words), "took", time.Since(start))

	post := NewPostPipeline(t.deps, t.conversationID, t.userID)
	if err := t.deps.Pool.Submit(ctx, post); err != nil {
		return fmt.Errorf("transcribe full %s: submit post pipeline: %w", t.conversationID, err)
	}
	return nil
}
