package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/openwear/earstream/pkg/provider/asr"
)

// ReprocessChannel is the pub/sub channel carrying administrative requests
// to re-transcribe a conversation's full audio.
const ReprocessChannel = "jobs.reprocess"

// ReprocessRequest asks the job worker to run [TranscribeFullAudio] for one
// conversation.
type ReprocessRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PublishReprocess publishes a reprocess request for the job worker.
func PublishReprocess(ctx context.Context, rdb redis.UniversalClient, req ReprocessRequest) error {
	if req.ConversationID == "" || req.UserID == "" {
		return fmt.Errorf("jobs: reprocess request needs conversation and user ids")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("jobs: marshal reprocess request: %w", err)
	}
	if err := rdb.Publish(ctx, ReprocessChannel, payload).Err(); err != nil {
		return fmt.Errorf("jobs: publish reprocess request: %w", err)
	}
	return nil
}

// ReprocessListener subscribes to the reprocess channel and submits one
// [TranscribeFullAudio] job per request. Delivery is best-effort pub/sub: a
// request published while no job worker listens is lost, which is acceptable
// for an administrative retrigger.
type ReprocessListener struct {
	rdb      redis.UniversalClient
	deps     Deps
	provider asr.BatchProvider
}

// NewReprocessListener creates a listener submitting to deps' pool.
func NewReprocessListener(rdb redis.UniversalClient, deps Deps, provider asr.BatchProvider) *ReprocessListener {
	return &ReprocessListener{rdb: rdb, deps: deps, provider: provider}
}

// Run consumes requests until ctx is cancelled. Malformed payloads are
// dropped.
func (l *ReprocessListener) Run(ctx context.Context) error {
	sub := l.rdb.Subscribe(ctx, ReprocessChannel)
	defer sub.Close()
	// Force the subscription to be established before consuming so requests
	// published right after startup are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("jobs: subscribe reprocess: %w", err)
	}

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			var req ReprocessRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				slog.Warn("malformed reprocess request dropped", "err", err)
				continue
			}
			job := NewTranscribeFullAudio(l.deps, l.provider, req.ConversationID, req.UserID)
			if err := l.deps.Pool.Submit(ctx, job); err != nil {
				slog.Error("reprocess submit failed", "conversation_id", req.ConversationID, "err", err)
				continue
			}
			slog.Info("reprocess queued",
				"conversation_id", req.ConversationID,
				"provider", l.provider.Name(),
			)
		}
	}
}
