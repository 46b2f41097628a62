package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/sessionmeta"
)

// ErrAudioFileNotReady is recorded when the persistence consumer never
// reported the conversation's WAV path within the bounded wait.
var ErrAudioFileNotReady = errors.New("jobs: audio file binding not ready")

// ConversationJob owns one open conversation from creation to closure. It
// is the single writer of the conversation's lifecycle: it refreshes the
// Current-Conversation Pointer while monitoring, decides when the
// conversation ends, snapshots the transcript, waits for the audio file,
// and fans out post-processing.
//
// On restart the job reconciles from the stored document state: an open
// conversation resumes monitoring, a finalizing one re-runs finalization,
// and a closed one is a no-op.
type ConversationJob struct {
	deps Deps
	cfg  ConversationConfig

	conversationID string
	sessionID      string
	userID         string
	clientID       string
}

// NewConversationJob creates the job for an already-created conversation.
func NewConversationJob(deps Deps, conversationID, sessionID, userID, clientID string) *ConversationJob {
	return &ConversationJob{
		deps:           deps,
		cfg:            deps.Conversation.withDefaults(),
		conversationID: conversationID,
		sessionID:      sessionID,
		userID:         userID,
		clientID:       clientID,
	}
}

// Name implements [Job].
func (j *ConversationJob) Name() string { return "conversation" }

// Timeout implements [Job].
func (j *ConversationJob) Timeout() time.Duration { return conversationTimeout }

// Run implements [Job].
func (j *ConversationJob) Run(ctx context.Context) error {
	conv, err := j.deps.Conversations.Get(ctx, j.conversationID)
	if err != nil {
		return fmt.Errorf("conversation %s: load: %w", j.conversationID, err)
	}

	switch conv.Status {
	case convstore.StatusClosed:
		return nil
	case convstore.StatusFinalizing:
		// A predecessor crashed mid-finalize; the recorded end reason (if
		// any) is preserved, otherwise the crash looked like a stop.
		reason := conv.EndReason
		if reason == "" {
			reason = convstore.EndUserStopped
		}
		return j.finalize(ctx, reason)
	}

	reason, err := j.monitor(ctx)
	if err != nil {
		return err
	}
	return j.finalize(ctx, reason)
}

// monitor polls the aggregate until one of the end conditions fires and
// returns the end reason. Every tick extends the pointer TTL so a
// conversation outliving the key's lifetime keeps its rotation signal.
func (j *ConversationJob) monitor(ctx context.Context) (string, error) {
	ticker := time.NewTicker(j.cfg.Tick)
	defer ticker.Stop()

	lastWords := -1
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		if err := j.deps.Meta.RefreshCurrentConversation(ctx, j.sessionID); err != nil {
			slog.Warn("pointer refresh failed", "session_id", j.sessionID, "err", err)
		}

		stopped, err := j.deps.Meta.ConsumeStop(ctx, j.sessionID)
		if err != nil {
			slog.Warn("stop check failed", "session_id", j.sessionID, "err", err)
		} else if stopped {
			return convstore.EndUserStopped, nil
		}

		sess, err := j.deps.Meta.Get(ctx, j.sessionID)
		if err != nil {
			slog.Warn("session read failed", "session_id", j.sessionID, "err", err)
			continue
		}
		if sess.TransportDisconnected {
			return convstore.EndTransportDisconnect, nil
		}

		combined, err := j.deps.Agg.Combined(ctx, j.sessionID)
		if err != nil {
			slog.Warn("aggregate read failed", "session_id", j.sessionID, "err", err)
			continue
		}
		if combined.WordCount() != lastWords {
			lastWords = combined.WordCount()
			lastActivity = time.Now()
		}

		// During a transcription outage nothing advances; the inactivity
		// clock must not count the outage as silence.
		if sess.TranscriptionError != "" {
			lastActivity = time.Now()
			continue
		}

		if time.Since(lastActivity) >= j.cfg.Inactivity {
			return convstore.EndInactivityTimeout, nil
		}

		// Once the session completed (END consumed) no more words can
		// arrive; give the transcription tail a few ticks to land instead
		// of sitting out the full inactivity window.
		if sess.Status == sessionmeta.StatusComplete && time.Since(lastActivity) >= 5*j.cfg.Tick {
			return convstore.EndUserStopped, nil
		}
	}
}

// finalize drives finalizing → closed: snapshot the transcript, release the
// pointer (which makes the persistence consumer close and bind the WAV),
// wait for the binding, write the version, enqueue post-processing, and run
// cleanup. Deletion paths (no meaningful speech, missing audio) also run
// cleanup so the session can produce its next conversation.
func (j *ConversationJob) finalize(ctx context.Context, reason string) error {
	ctx, span := observe.StartSpan(ctx, "conversation.finalize",
		trace.WithAttributes(
			attribute.String("conversation_id", j.conversationID),
			attribute.String("end_reason", reason),
		))
	defer span.End()

	if err := j.deps.Conversations.SetStatus(ctx, j.conversationID, convstore.StatusFinalizing); err != nil {
		return fmt.Errorf("conversation %s: mark finalizing: %w", j.conversationID, err)
	}

	// The v1 payload is the snapshot at the finalizing moment.
	snapStart := time.Now()
	combined, err := j.deps.Agg.Combined(ctx, j.sessionID)
	if err != nil {
		return fmt.Errorf("conversation %s: snapshot aggregate: %w", j.conversationID, err)
	}

	// Releasing the pointer triggers the persistence consumer's rotation,
	// which closes the file and writes the Audio File Binding we wait on.
	if err := j.deps.Meta.ClearCurrentConversation(ctx, j.sessionID); err != nil {
		return fmt.Errorf("conversation %s: clear pointer: %w", j.conversationID, err)
	}

	if !meaningfulSpeech(combined, j.deps.Detector.withDefaults(), nil) {
		slog.Info("conversation discarded, no meaningful speech",
			"conversation_id", j.conversationID, "words", combined.WordCount())
		if err := j.deps.Conversations.MarkDeleted(ctx, j.conversationID, convstore.EndNoMeaningfulSpeech); err != nil {
			return fmt.Errorf("conversation %s: mark deleted: %w", j.conversationID, err)
		}
		j.recordFinalized(ctx, convstore.EndNoMeaningfulSpeech)
		return j.cleanup(ctx)
	}

	audioPath, err := j.waitForAudioFile(ctx)
	if err != nil {
		slog.Error("audio file never bound, conversation dropped",
			"conversation_id", j.conversationID, "err", err)
		if derr := j.deps.Conversations.MarkDeleted(ctx, j.conversationID, convstore.EndAudioFileNotReady); derr != nil {
			return fmt.Errorf("conversation %s: mark deleted: %w", j.conversationID, derr)
		}
		j.recordFinalized(ctx, convstore.EndAudioFileNotReady)
		return j.cleanup(ctx)
	}
	if err := j.deps.Conversations.SetAudioPath(ctx, j.conversationID, audioPath); err != nil {
		return fmt.Errorf("conversation %s: set audio path: %w", j.conversationID, err)
	}

	version := convstore.TranscriptVersion{
		Text:           combined.Text,
		Words:          combined.Words,
		Segments:       combined.Segments,
		Provider:       combined.Provider,
		ProcessingTime: time.Since(snapStart).Seconds(),
		CreatedAt:      time.Now(),
	}
	if err := j.deps.Conversations.SetTranscriptVersion(ctx, j.conversationID, "v1", version); err != nil {
		return fmt.Errorf("conversation %s: write transcript: %w", j.conversationID, err)
	}

	if err := j.deps.Conversations.Finalize(ctx, j.conversationID, reason, time.Now()); err != nil {
		return fmt.Errorf("conversation %s: finalize: %w", j.conversationID, err)
	}
	j.recordFinalized(ctx, reason)
	observe.Logger(ctx).Info("conversation finalized", "conversation_id", j.conversationID,
		"end_reason", reason, "words", combined.WordCount(), "audio_path", audioPath)

	post := NewPostPipeline(j.deps, j.conversationID, j.userID)
	if err := j.deps.Pool.Submit(ctx, post); err != nil {
		observe.Logger(ctx).Error("post pipeline submit failed", "conversation_id", j.conversationID, "err", err)
	}

	return j.cleanup(ctx)
}

// waitForAudioFile polls the Audio File Binding up to the bounded wait.
func (j *ConversationJob) waitForAudioFile(ctx context.Context) (string, error) {
	deadline := time.Now().Add(j.cfg.BindWait)
	for {
		path, err := j.deps.Meta.AudioFile(ctx, j.conversationID)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: conversation %s after %s", ErrAudioFileNotReady, j.conversationID, j.cfg.BindWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(j.cfg.BindPoll):
		}
	}
}

// cleanup releases the session for its next conversation: the result stream
// is deleted (the next conversation aggregates from scratch), the counter
// bumped, and a fresh detector enqueued while the transport lives.
func (j *ConversationJob) cleanup(ctx context.Context) error {
	if err := j.deps.Log.DeleteResults(ctx, j.sessionID); err != nil {
		slog.Warn("result stream delete failed", "session_id", j.sessionID, "err", err)
	}
	if _, err := j.deps.Meta.IncrConversations(ctx, j.sessionID); err != nil {
		slog.Warn("conversation counter bump failed", "session_id", j.sessionID, "err", err)
	}
	// Idempotent when finalize already released it; covers the reconcile
	// path where a predecessor crashed before clearing.
	if err := j.deps.Meta.ClearCurrentConversation(ctx, j.sessionID); err != nil {
		slog.Warn("pointer clear failed", "session_id", j.sessionID, "err", err)
	}

	sess, err := j.deps.Meta.Get(ctx, j.sessionID)
	if err != nil {
		if errors.Is(err, sessionmeta.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("conversation %s: cleanup session read: %w", j.conversationID, err)
	}
	if sess.TransportDisconnected || sess.Status != sessionmeta.StatusActive {
		return nil
	}

	detector := NewSpeechDetector(j.deps, j.sessionID, j.userID, j.clientID)
	if err := j.deps.Pool.Submit(ctx, detector); err != nil {
		return fmt.Errorf("conversation %s: re-enqueue detector: %w", j.conversationID, err)
	}
	return nil
}

func (j *ConversationJob) recordFinalized(ctx context.Context, reason string) {
	m := j.deps.metrics()
	m.OpenConversations.Add(ctx, -1)
	m.ConversationsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
