// Package transcribe implements the transcription consumer groups over the
// durable audio log.
//
// Two worker shapes read the same per-client audio stream. The streaming
// worker (group "streaming-transcription") holds a persistent duplex
// connection to a real-time ASR provider, forwarding each frame as it is
// delivered and publishing interim results over pub/sub and final results
// into the session's result stream. The batch worker (group
// "{provider}-workers") accumulates a fixed number of frames, submits them to
// a batch provider, and publishes one result chunk per batch. Only one path
// is active per session, selected at session init; both write the same
// result-stream contract so the aggregator does not care which ran.
//
// Acknowledgement discipline: an audio entry is acked only after the final
// result covering it is durable in the result stream. A worker crash before
// ack leads to redelivery via idle claim, which makes delivery into the
// result stream at-least-once; the aggregator's supersession handles the
// resulting duplicates.
package transcribe

import (
	"context"
	"log/slog"
	"time"

	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/sessionmeta"
)

const (
	// StreamingGroup is the consumer group of the streaming path.
	StreamingGroup = "streaming-transcription"

	// readCount is the per-read delivery batch size.
	readCount = 16

	// readBlock is how long a log read blocks waiting for new entries.
	readBlock = 2 * time.Second

	// claimMinIdle is the pending-entry age after which a restarted worker
	// claims its crashed predecessor's deliveries.
	claimMinIdle = 30 * time.Second

	// reconnectBackoff and reconnectBackoffMax bound the exponential backoff
	// between ASR reconnect attempts.
	reconnectBackoff    = 500 * time.Millisecond
	reconnectBackoffMax = 30 * time.Second

	// persistentFailureThreshold is the number of consecutive reconnect
	// failures after which the session is marked with a transcription error.
	// The worker keeps retrying at the capped backoff; the error is cleared
	// on recovery.
	persistentFailureThreshold = 3

	// resultAppendAttempts bounds retries of a result-stream append before
	// the failure is treated as fatal for the session.
	resultAppendAttempts = 3
)

// BatchGroup returns the consumer group name of the batch path for a
// provider.
func BatchGroup(provider string) string { return provider + "-workers" }

// appendResult appends a chunk with bounded retries, doubling the delay each
// attempt. Returns the last error when all attempts fail.
func appendResult(ctx context.Context, log *audiolog.Log, sessionID string, chunk audiolog.TranscriptChunk) error {
	delay := 100 * time.Millisecond
	var err error
	for attempt := 1; attempt <= resultAppendAttempts; attempt++ {
		if _, err = log.AppendResult(ctx, sessionID, chunk); err == nil {
			return nil
		}
		if attempt < resultAppendAttempts {
			slog.Warn("result append failed, retrying",
				"session_id", sessionID,
				"attempt", attempt,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

// markError records a transcription error once and logs the transition.
func markError(ctx context.Context, meta *sessionmeta.Store, sessionID string, already bool, err error) bool {
	if already {
		return true
	}
	if serr := meta.SetTranscriptionError(ctx, sessionID, err.Error()); serr != nil {
		slog.Warn("failed to record transcription error", "session_id", sessionID, "err", serr)
	}
	slog.Error("transcription degraded", "session_id", sessionID, "err", err)
	return true
}

// clearError clears a previously recorded transcription error.
func clearError(ctx context.Context, meta *sessionmeta.Store, sessionID string, marked bool) bool {
	if !marked {
		return false
	}
	if err := meta.ClearTranscriptionError(ctx, sessionID); err != nil {
		slog.Warn("failed to clear transcription error", "session_id", sessionID, "err", err)
		return marked
	}
	slog.Info("transcription recovered", "session_id", sessionID)
	return false
}
