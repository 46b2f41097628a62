package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openwear/earstream/internal/aggregate"
	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/sessionmeta"
)

// meaningfulSpeech is the speech-detection predicate shared by the detector
// and the conversation job's finalization re-check: enough words, enough
// span, confident enough, and (optionally) at least one enrolled speaker.
func meaningfulSpeech(c aggregate.Combined, cfg DetectorConfig, enrolled []string) bool {
	if c.WordCount() <= cfg.MinWords {
		return false
	}
	if c.Duration() < cfg.MinDuration {
		return false
	}
	if c.MeanConfidence() < cfg.MinConfidence {
		return false
	}
	if cfg.SpeakerFilter && len(enrolled) > 0 {
		known := make(map[string]struct{}, len(enrolled))
		for _, s := range enrolled {
			known[s] = struct{}{}
		}
		for _, label := range c.SpeakerLabels() {
			if _, ok := known[label]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// SpeechDetector watches a session's aggregated transcript and opens a
// conversation once the speech predicate holds. At most one detector runs
// per session; it exits after creating a conversation (the conversation
// job's cleanup re-enqueues a fresh one), on transport disconnect, or when
// the session completes without meaningful speech.
type SpeechDetector struct {
	deps Deps
	cfg  DetectorConfig

	sessionID string
	userID    string
	clientID  string
}

// NewSpeechDetector creates a detector for one session.
func NewSpeechDetector(deps Deps, sessionID, userID, clientID string) *SpeechDetector {
	return &SpeechDetector{
		deps:      deps,
		cfg:       deps.Detector.withDefaults(),
		sessionID: sessionID,
		userID:    userID,
		clientID:  clientID,
	}
}

// Name implements [Job].
func (d *SpeechDetector) Name() string { return "speech-detector" }

// Timeout implements [Job].
func (d *SpeechDetector) Timeout() time.Duration { return detectorTimeout }

// Run implements [Job].
func (d *SpeechDetector) Run(ctx context.Context) error {
	enrolled := d.enrolledSpeakers(ctx)

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sess, err := d.deps.Meta.Get(ctx, d.sessionID)
		if err != nil {
			slog.Warn("detector metadata read failed", "session_id", d.sessionID, "err", err)
			continue
		}

		// A transcription outage means the aggregate is not advancing;
		// idle until the consumer recovers. The error is already surfaced
		// on the session record for the transport layer.
		if sess.TranscriptionError != "" {
			continue
		}

		combined, err := d.deps.Agg.Combined(ctx, d.sessionID)
		if err != nil {
			slog.Warn("detector aggregate read failed", "session_id", d.sessionID, "err", err)
			continue
		}

		if meaningfulSpeech(combined, d.cfg, enrolled) {
			return d.openConversation(ctx)
		}

		if sess.TransportDisconnected || sess.Status == sessionmeta.StatusComplete {
			slog.Info("detector exiting without speech", "session_id", d.sessionID,
				"words", combined.WordCount(), "disconnected", sess.TransportDisconnected)
			return nil
		}
	}
}

// openConversation creates the conversation document, sets the
// Current-Conversation Pointer, and hands off to a ConversationJob. The
// detector is the only creator of conversations; it exits immediately after,
// so at most one conversation per session is ever open.
func (d *SpeechDetector) openConversation(ctx context.Context) error {
	convID := uuid.NewString()

	conv := convstore.Conversation{
		ID:        convID,
		SessionID: d.sessionID,
		UserID:    d.userID,
		ClientID:  d.clientID,
		CreatedAt: time.Now(),
	}
	if err := d.deps.Conversations.Create(ctx, conv); err != nil {
		return fmt.Errorf("detector: create conversation: %w", err)
	}
	if err := d.deps.Meta.SetCurrentConversation(ctx, d.sessionID, convID); err != nil {
		return fmt.Errorf("detector: set conversation pointer: %w", err)
	}

	d.deps.metrics().OpenConversations.Add(ctx, 1)
	slog.Info("conversation opened", "session_id", d.sessionID, "conversation_id", convID)

	job := NewConversationJob(d.deps, convID, d.sessionID, d.userID, d.clientID)
	if err := d.deps.Pool.Submit(ctx, job); err != nil {
		return fmt.Errorf("detector: submit conversation job: %w", err)
	}
	return nil
}

// enrolledSpeakers fetches the user's enrolled speaker labels for the
// optional filter. A fetch failure disables the filter for this detector
// run rather than blocking conversation detection.
func (d *SpeechDetector) enrolledSpeakers(ctx context.Context) []string {
	if !d.cfg.SpeakerFilter || d.deps.Recognizer == nil {
		return nil
	}
	enrolled, err := d.deps.Recognizer.Enrolled(ctx, d.userID)
	if err != nil {
		slog.Warn("enrolled speakers fetch failed, filter disabled", "user_id", d.userID, "err", err)
		return nil
	}
	return enrolled
}
