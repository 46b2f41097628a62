// Package jobs implements the conversation lifecycle orchestration: the
// speech detector that decides when a conversation begins, the conversation
// job that monitors it and finalizes it, and the post-conversation pipeline
// (speaker recognition, memory extraction, title/summary, completion event).
//
// Jobs run on a shared bounded [Pool]. Each job carries its own deadline:
// a detector may watch a session for a day, a conversation runs for at most
// three hours, post-processing steps get minutes. The detector and the
// conversation job are the only writers of the Current-Conversation Pointer,
// which is what sequences them against the persistence consumer without any
// distributed lock.
package jobs

import (
	"context"
	"time"

	"github.com/openwear/earstream/internal/aggregate"
	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/pkg/provider/asr"
	"github.com/openwear/earstream/pkg/provider/embeddings"
	"github.com/openwear/earstream/pkg/provider/llm"
	"github.com/openwear/earstream/pkg/provider/speaker"

	"github.com/openwear/earstream/pkg/memory"
)

// Job timeouts.
const (
	detectorTimeout     = 24 * time.Hour
	conversationTimeout = 3 * time.Hour
	postTimeout         = 10 * time.Minute
)

// Job is one unit of work submitted to the [Pool].
type Job interface {
	// Name identifies the job kind in logs and metrics.
	Name() string

	// Timeout is the hard deadline applied to the job's context.
	Timeout() time.Duration

	// Run does the work. It must return promptly once ctx is done.
	Run(ctx context.Context) error
}

// ConversationStore is the slice of the conversation document store the
// jobs need. Implemented by [convstore.Store]; tests supply fakes.
type ConversationStore interface {
	Create(ctx context.Context, c convstore.Conversation) error
	Get(ctx context.Context, id string) (*convstore.Conversation, error)
	SetStatus(ctx context.Context, id string, status convstore.Status) error
	SetAudioPath(ctx context.Context, id, path string) error
	SetTranscriptVersion(ctx context.Context, id, version string, v convstore.TranscriptVersion) error
	SetSegments(ctx context.Context, id, version string, segments []asr.Segment) error
	SetTitleSummary(ctx context.Context, id, title, summary, detailed string) error
	Finalize(ctx context.Context, id, endReason string, completedAt time.Time) error
	MarkDeleted(ctx context.Context, id, reason string) error
	SetJobError(ctx context.Context, id, job, msg string) error
}

var _ ConversationStore = (*convstore.Store)(nil)

// DetectorConfig tunes the speech detector.
type DetectorConfig struct {
	// Tick is the polling interval. Defaults to 1s.
	Tick time.Duration

	// MinWords is the exclusive word-count threshold. Defaults to 10.
	MinWords int

	// MinDuration is the inclusive speech-span threshold in seconds.
	// Defaults to 5.
	MinDuration float64

	// MinConfidence is the inclusive mean-confidence threshold.
	// Defaults to 0.5.
	MinConfidence float64

	// SpeakerFilter additionally requires at least one enrolled speaker
	// label in the transcript. Needs a configured recognizer.
	SpeakerFilter bool
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.MinWords <= 0 {
		c.MinWords = 10
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 5
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	return c
}

// ConversationConfig tunes the conversation job.
type ConversationConfig struct {
	// Tick is the monitoring interval. Defaults to 1s.
	Tick time.Duration

	// Inactivity is how long without new word activity before the
	// conversation finalizes. Defaults to 60s.
	Inactivity time.Duration

	// BindWait bounds how long finalization waits for the Audio File
	// Binding. Defaults to 30s.
	BindWait time.Duration

	// BindPoll is the binding poll interval. Defaults to 1s.
	BindPoll time.Duration
}

func (c ConversationConfig) withDefaults() ConversationConfig {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 60 * time.Second
	}
	if c.BindWait <= 0 {
		c.BindWait = 30 * time.Second
	}
	if c.BindPoll <= 0 {
		c.BindPoll = time.Second
	}
	return c
}

// Deps bundles everything the lifecycle jobs touch. One Deps value is
// shared by all jobs of a process.
type Deps struct {
	Log           *audiolog.Log
	Meta          *sessionmeta.Store
	Agg           *aggregate.Aggregator
	Conversations ConversationStore
	Pool          *Pool
	Metrics       *observe.Metrics

	// Recognizer is the speaker-recognition client. Nil disables the
	// recognition step and the detector's speaker filter.
	Recognizer speaker.Recognizer

	// LLM powers memory extraction and title/summary.
	LLM llm.Provider

	// Embedder and Facts form the long-term memory sink.
	Embedder embeddings.Provider
	Facts    memory.Store

	// OnConversationComplete fires after a conversation closes with
	// post-processing done. Nil means no event dispatch.
	OnConversationComplete func(ctx context.Context, conv *convstore.Conversation) error

	Detector     DetectorConfig
	Conversation ConversationConfig
}

func (d Deps) metrics() *observe.Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}
	return observe.DefaultMetrics()
}
