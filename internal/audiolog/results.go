package audiolog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openwear/earstream/pkg/provider/asr"
)

// fieldChunk is the single field of a result stream record, holding the
// JSON-encoded TranscriptChunk.
const fieldChunk = "chunk"

// TranscriptChunk is one transcription result for a contiguous span of the
// audio log. It is the unit written to `transcript.results.{session_id}` and
// published on the interim channel.
type TranscriptChunk struct {
	// ChunkID is the audio log id of the last entry covered by this result.
	// It correlates the result back to the audio stream and is the
	// supersession key on the streaming path: a later final for the same
	// ChunkID replaces an earlier one.
	ChunkID EntryID `json:"chunk_id"`

	// SessionID identifies the originating session.
	SessionID string `json:"session_id"`

	// Provider names the ASR backend that produced the result.
	Provider string `json:"provider"`

	// Transcript carries text, confidence, and session-relative word and
	// segment timestamps.
	asr.Transcript

	// CreatedAt is when the consumer published the chunk.
	CreatedAt time.Time `json:"created_at"`
}

// StoredChunk pairs a TranscriptChunk with its position in the result stream.
type StoredChunk struct {
	StreamID EntryID
	Chunk    TranscriptChunk
}

// AppendResult durably appends a transcript chunk to the session's result
// stream. The result stream is never trimmed; it is deleted wholesale when
// the conversation closes.
func (l *Log) AppendResult(ctx context.Context, sessionID string, chunk TranscriptChunk) (EntryID, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("audiolog: marshal chunk: %w", err)
	}
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ResultStream(sessionID),
		Values: map[string]any{fieldChunk: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("audiolog: append result for %s: %w", sessionID, err)
	}
	return EntryID(id), nil
}

// ReadResults returns all chunks after cursor in stream order along with the
// cursor for the next call. ZeroCursor reads from the beginning. Chunks that
// fail to decode are skipped; the stream is append-only JSON written by this
// package, so a decode failure indicates corruption rather than a version
// skew worth surfacing per-chunk.
func (l *Log) ReadResults(ctx context.Context, sessionID string, cursor EntryID) ([]StoredChunk, EntryID, error) {
	start := "-"
	if cursor != "" && cursor != ZeroCursor {
		start = "(" + string(cursor)
	}
	msgs, err := l.rdb.XRange(ctx, ResultStream(sessionID), start, "+").Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("audiolog: read results for %s: %w", sessionID, err)
	}
	next := cursor
	if next == "" {
		next = ZeroCursor
	}
	chunks := make([]StoredChunk, 0, len(msgs))
	for _, m := range msgs {
		next = EntryID(m.ID)
		raw, ok := m.Values[fieldChunk].(string)
		if !ok {
			continue
		}
		var c TranscriptChunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		chunks = append(chunks, StoredChunk{StreamID: EntryID(m.ID), Chunk: c})
	}
	return chunks, next, nil
}

// DeleteResults removes the session's result stream. Called by the
// conversation job's cleanup so the next conversation of the session starts
// from an empty transcript.
func (l *Log) DeleteResults(ctx context.Context, sessionID string) error {
	if err := l.rdb.Del(ctx, ResultStream(sessionID)).Err(); err != nil {
		return fmt.Errorf("audiolog: delete results for %s: %w", sessionID, err)
	}
	return nil
}

// PublishInterim publishes an interim chunk on the session's pub/sub channel.
// Delivery is best-effort: subscribers that are not listening miss the update
// and no error is surfaced for zero receivers.
func (l *Log) PublishInterim(ctx context.Context, sessionID string, chunk TranscriptChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("audiolog: marshal interim: %w", err)
	}
	if err := l.rdb.Publish(ctx, InterimChannel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("audiolog: publish interim for %s: %w", sessionID, err)
	}
	return nil
}

// SubscribeInterim subscribes to a session's interim updates. The returned
// channel closes when ctx is cancelled or the subscription drops. Malformed
// payloads are dropped.
func (l *Log) SubscribeInterim(ctx context.Context, sessionID string) (<-chan TranscriptChunk, error) {
	sub := l.rdb.Subscribe(ctx, InterimChannel(sessionID))
	// Force the subscription to be established before returning so callers
	// do not miss updates published immediately after.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("audiolog: subscribe interim for %s: %w", sessionID, err)
	}
	out := make(chan TranscriptChunk, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var c TranscriptChunk
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
