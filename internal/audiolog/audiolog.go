// Package audiolog implements the durable audio log on Redis Streams.
//
// Each client has one append-only stream `audio.stream.{client_id}` holding
// fixed-size PCM frames plus a terminating END sentinel. Consumer groups
// (transcription, persistence) read the same stream independently; an entry
// is delivered to exactly one consumer within a group until acknowledged, so
// a consumer crash before ack results in redelivery via idle claim. The log
// is the source of truth for what was ingested: append is durable before it
// returns, and recovery after any worker restart starts from the group's last
// acknowledged position.
//
// Transcription output goes to a per-session result stream
// `transcript.results.{session_id}` (same semantics, no trimming, deleted
// wholesale when a conversation closes) and ephemeral interim updates go to
// the pub/sub channel `transcript.interim.{session_id}` with best-effort
// delivery.
package audiolog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	audioStreamPrefix   = "audio.stream."
	resultStreamPrefix  = "transcript.results."
	interimChannelPrefix = "transcript.interim."

	// fieldKind, fieldSeq, and fieldData are the entry fields of an audio
	// stream record.
	fieldKind = "kind"
	fieldSeq  = "seq"
	fieldData = "data"

	// KindPCM marks an entry carrying one pipeline PCM frame.
	KindPCM = "pcm"

	// KindEnd marks the END sentinel. END entries carry no payload.
	KindEnd = "end"
)

// defaultMaxLen bounds each audio stream to the newest ~25k entries
// (≈104 minutes at 0.25 s frames). Older entries are trimmed and lost if the
// producer persistently outruns every consumer.
const defaultMaxLen = 25_000

// EntryID is a Redis stream id of the form "<ms>-<seq>". Ids are monotonic
// per stream and lexicographically sortable at equal width; they double as
// the ack key and as the chunk_id correlation key in transcription results.
type EntryID string

// ZeroCursor reads a stream from the beginning.
const ZeroCursor EntryID = "0-0"

// Less reports whether id orders before other in stream order. Ids are
// compared numerically on the "<ms>-<seq>" components, since string order
// breaks once the millisecond part grows a digit.
func (id EntryID) Less(other EntryID) bool {
	ams, aseq := id.parts()
	bms, bseq := other.parts()
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func (id EntryID) parts() (ms, seq uint64) {
	s := string(id)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		ms, _ = strconv.ParseUint(s[:i], 10, 64)
		seq, _ = strconv.ParseUint(s[i+1:], 10, 64)
		return ms, seq
	}
	ms, _ = strconv.ParseUint(s, 10, 64)
	return ms, 0
}

// Entry is one delivered audio log record.
type Entry struct {
	ID   EntryID
	Kind string
	Data []byte

	// Seq is the producer-assigned frame sequence within the session,
	// starting at zero. Frame timestamps are a pure function of Seq, so it
	// survives consumer restarts where a worker-local counter would not.
	// END entries carry no sequence.
	Seq int64
}

// IsEnd reports whether the entry is the END sentinel.
func (e Entry) IsEnd() bool { return e.Kind == KindEnd }

// Log provides append, consumer-group read, ack, idle claim, and bounded
// trimming over the per-client audio streams. All methods are safe for
// concurrent use; the underlying go-redis client handles pooling.
type Log struct {
	rdb    redis.UniversalClient
	maxLen int64
}

// Option is a functional option for configuring a Log.
type Option func(*Log)

// WithMaxLen overrides the approximate retention bound of each audio stream.
func WithMaxLen(n int64) Option {
	return func(l *Log) { l.maxLen = n }
}

// New creates a Log on top of an established Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Log {
	l := &Log{rdb: rdb, maxLen: defaultMaxLen}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AudioStream returns the stream key for a client.
func AudioStream(clientID string) string { return audioStreamPrefix + clientID }

// ResultStream returns the result stream key for a session.
func ResultStream(sessionID string) string { return resultStreamPrefix + sessionID }

// InterimChannel returns the pub/sub channel for a session's interim updates.
func InterimChannel(sessionID string) string { return interimChannelPrefix + sessionID }

// ClientFromStream extracts the client id from an audio stream key. It
// returns false if key is not an audio stream key.
func ClientFromStream(key string) (string, bool) {
	if !strings.HasPrefix(key, audioStreamPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, audioStreamPrefix), true
}

// Append durably appends one PCM frame to the client's audio stream and
// returns the assigned id. seq is the producer's frame sequence for the
// session. The stream is trimmed to the retention bound as a side effect of
// the append (approximate MAXLEN, so trimming is amortised).
func (l *Log) Append(ctx context.Context, clientID string, seq int64, pcm []byte) (EntryID, error) {
	return l.append(ctx, clientID, KindPCM, map[string]any{
		fieldKind: KindPCM,
		fieldSeq:  seq,
		fieldData: pcm,
	})
}

// AppendEnd appends the END sentinel terminating the client's stream.
func (l *Log) AppendEnd(ctx context.Context, clientID string) (EntryID, error) {
	return l.append(ctx, clientID, KindEnd, map[string]any{
		fieldKind: KindEnd,
		fieldData: []byte(nil),
	})
}

func (l *Log) append(ctx context.Context, clientID, kind string, values map[string]any) (EntryID, error) {
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: AudioStream(clientID),
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("audiolog: append %s to %s: %w", kind, clientID, err)
	}
	return EntryID(id), nil
}

// ReadGroup delivers up to count unread entries of the stream to the named
// consumer within group, blocking up to block for new entries (block <= 0
// reads non-blocking). The group is created at the stream head on first use.
// A nil slice with nil error means no entries were available.
func (l *Log) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if err := l.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	if block <= 0 {
		block = -1 // go-redis: negative means no BLOCK argument
	}
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audiolog: read %s group %s: %w", stream, group, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, entryFromMessage(m))
		}
	}
	return entries, nil
}

// Ack acknowledges delivered entries for the group. Ack is the finalization
// step of a consumer: it must only be called after the entry's side effect
// (result append, file write) is durable.
func (l *Log) Ack(ctx context.Context, stream, group string, ids ...EntryID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	if err := l.rdb.XAck(ctx, stream, group, raw...).Err(); err != nil {
		return fmt.Errorf("audiolog: ack %s group %s: %w", stream, group, err)
	}
	return nil
}

// ClaimIdle transfers entries pending longer than minIdle from any consumer
// of the group to the named consumer. Used on worker start to pick up
// deliveries orphaned by a crashed predecessor.
func (l *Log) ClaimIdle(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Entry, error) {
	if err := l.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	msgs, _, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("audiolog: claim idle on %s group %s: %w", stream, group, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entryFromMessage(m))
	}
	return entries, nil
}

// RemoveConsumer deletes a consumer from a group once its stream has ended.
// Pending entries of the consumer are dropped, so call only after END.
func (l *Log) RemoveConsumer(ctx context.Context, stream, group, consumer string) error {
	if err := l.rdb.XGroupDelConsumer(ctx, stream, group, consumer).Err(); err != nil {
		return fmt.Errorf("audiolog: remove consumer %s from %s/%s: %w", consumer, stream, group, err)
	}
	return nil
}

// Len returns the current length of a stream.
func (l *Log) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("audiolog: len %s: %w", stream, err)
	}
	return n, nil
}

// DiscoverAudioStreams scans the keyspace for audio streams and returns the
// client ids that currently have one. Used by the transcription scanner to
// find new streams to attach to.
func (l *Log) DiscoverAudioStreams(ctx context.Context) ([]string, error) {
	var (
		clients []string
		cursor  uint64
	)
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, audioStreamPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("audiolog: discover streams: %w", err)
		}
		for _, k := range keys {
			if c, ok := ClientFromStream(k); ok {
				clients = append(clients, c)
			}
		}
		cursor = next
		if cursor == 0 {
			return clients, nil
		}
	}
}

// ensureGroup creates the consumer group at the stream head if it does not
// exist yet. MKSTREAM lets consumers attach before the first append.
func (l *Log) ensureGroup(ctx context.Context, stream, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("audiolog: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func entryFromMessage(m redis.XMessage) Entry {
	e := Entry{ID: EntryID(m.ID)}
	if v, ok := m.Values[fieldKind].(string); ok {
		e.Kind = v
	}
	if v, ok := m.Values[fieldSeq].(string); ok {
		e.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := m.Values[fieldData].(string); ok {
		e.Data = []byte(v)
	}
	return e
}
