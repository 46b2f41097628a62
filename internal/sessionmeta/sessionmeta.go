// Package sessionmeta stores per-session metadata in Redis hashes, plus the
// two uni-directional keys that decouple the conversation job from the
// persistence consumer: the Current-Conversation Pointer (written only by the
// conversation lifecycle, read by persistence to rotate files) and the Audio
// File Binding (written by persistence on file close, read by the
// conversation job to finalize).
//
// The hash is a single-writer/many-reader store per field: the producer owns
// status and frame counters, the transcription worker owns the transcription
// error, the transport owns the disconnect and stop flags. Reads are
// eventually consistent.
package sessionmeta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "audio.session."
	currentKeyPrefix = "conversation.current."
	audioKeyPrefix   = "audio.file."
	clientKeyPrefix  = "audio.client."

	// completedTTL is how long session metadata survives after completion.
	completedTTL = time.Hour

	// pointerTTL covers the Current-Conversation Pointer and the Audio File
	// Binding. Longer than any expected conversation; the conversation job
	// additionally refreshes the pointer every monitoring tick.
	pointerTTL = 24 * time.Hour
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusComplete   Status = "complete"
)

// Mode selects which transcription path consumes the session's audio.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBatch     Mode = "batch"
)

// Sentinel errors returned by the store. The producer maps these onto its
// public error surface.
var (
	// ErrNotFound is returned when no metadata exists for a session id.
	ErrNotFound = errors.New("sessionmeta: session not found")

	// ErrConflict is returned when Init collides with an existing session
	// that is not an idempotent re-init (different user or already past
	// active).
	ErrConflict = errors.New("sessionmeta: session conflict")
)

// Session is the metadata record for one transport connection.
type Session struct {
	ID                    string
	UserID                string
	ClientID              string
	ConnectionID          string
	Provider              string
	Mode                  Mode
	Status                Status
	Frames                int64
	Conversations         int64
	TranscriptionError    string
	PersistenceError      string
	TransportDisconnected bool
	StopRequested         bool
	CreatedAt             time.Time
}

// Store provides session metadata access over Redis.
type Store struct {
	rdb redis.UniversalClient
}

// New creates a Store on top of an established Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

// CurrentConversationKey returns the pointer key for a session.
func CurrentConversationKey(sessionID string) string { return currentKeyPrefix + sessionID }

// AudioFileKey returns the binding key for a conversation.
func AudioFileKey(conversationID string) string { return audioKeyPrefix + conversationID }

// Init creates metadata for a new session with status active and zeroed
// counters. Re-initialising an existing session id succeeds only if the
// session is still active and owned by the same user; otherwise ErrConflict.
func (s *Store) Init(ctx context.Context, sess Session) error {
	existing, err := s.Get(ctx, sess.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		if existing.Status == StatusActive && existing.UserID == sess.UserID {
			return nil
		}
		return fmt.Errorf("%w: id %s", ErrConflict, sess.ID)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	fields := map[string]any{
		"user_id":       sess.UserID,
		"client_id":     sess.ClientID,
		"connection_id": sess.ConnectionID,
		"provider":      sess.Provider,
		"mode":          string(sess.Mode),
		"status":        string(StatusActive),
		"frames":        0,
		"conversations": 0,
		"created_at":    sess.CreatedAt.UnixMilli(),
	}
	if err := s.rdb.HSet(ctx, sessionKey(sess.ID), fields).Err(); err != nil {
		return fmt.Errorf("sessionmeta: init %s: %w", sess.ID, err)
	}
	return nil
}

// Get returns the session metadata, or ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	vals, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("sessionmeta: get %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess := Session{
		ID:                    sessionID,
		UserID:                vals["user_id"],
		ClientID:              vals["client_id"],
		ConnectionID:          vals["connection_id"],
		Provider:              vals["provider"],
		Mode:                  Mode(vals["mode"]),
		Status:                Status(vals["status"]),
		TranscriptionError:    vals["transcription_error"],
		PersistenceError:      vals["persistence_error"],
		TransportDisconnected: vals["transport_disconnected"] == "1",
		StopRequested:         vals["stop_requested"] == "1",
	}
	sess.Frames, _ = strconv.ParseInt(vals["frames"], 10, 64)
	sess.Conversations, _ = strconv.ParseInt(vals["conversations"], 10, 64)
	if ms, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		sess.CreatedAt = time.UnixMilli(ms)
	}
	return sess, nil
}

// SetStatus updates the session status.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status Status) error {
	return s.hset(ctx, sessionID, "status", string(status))
}

// Complete marks the session complete and starts the metadata TTL.
func (s *Store) Complete(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "status", string(StatusComplete))
	pipe.Expire(ctx, key, completedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessionmeta: complete %s: %w", sessionID, err)
	}
	return nil
}

// AddFrames increments the session's monotonic frame counter.
func (s *Store) AddFrames(ctx context.Context, sessionID string, n int64) error {
	if err := s.rdb.HIncrBy(ctx, sessionKey(sessionID), "frames", n).Err(); err != nil {
		return fmt.Errorf("sessionmeta: add frames %s: %w", sessionID, err)
	}
	return nil
}

// IncrConversations bumps the per-session conversation counter and returns
// the new value.
func (s *Store) IncrConversations(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, sessionKey(sessionID), "conversations", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("sessionmeta: incr conversations %s: %w", sessionID, err)
	}
	return n, nil
}

// SetTranscriptionError records a persistent transcription failure for the
// session. The speech detector idles while this is set and the transport
// surfaces it to the client.
func (s *Store) SetTranscriptionError(ctx context.Context, sessionID, msg string) error {
	return s.hset(ctx, sessionID, "transcription_error", msg)
}

// ClearTranscriptionError removes the transcription failure marker after the
// worker recovers.
func (s *Store) ClearTranscriptionError(ctx context.Context, sessionID string) error {
	if err := s.rdb.HDel(ctx, sessionKey(sessionID), "transcription_error").Err(); err != nil {
		return fmt.Errorf("sessionmeta: clear transcription error %s: %w", sessionID, err)
	}
	return nil
}

// SetPersistenceError records an unrecoverable audio write failure.
func (s *Store) SetPersistenceError(ctx context.Context, sessionID, msg string) error {
	return s.hset(ctx, sessionID, "persistence_error", msg)
}

// SetTransportDisconnected flags that the client's transport connection
// dropped. Jobs observing the flag wind the session down.
func (s *Store) SetTransportDisconnected(ctx context.Context, sessionID string) error {
	return s.hset(ctx, sessionID, "transport_disconnected", "1")
}

// RequestStop records an explicit stop signal from the transport. The
// conversation job consumes the flag via ConsumeStop.
func (s *Store) RequestStop(ctx context.Context, sessionID string) error {
	return s.hset(ctx, sessionID, "stop_requested", "1")
}

// ConsumeStop reports whether a stop was requested and clears the flag.
func (s *Store) ConsumeStop(ctx context.Context, sessionID string) (bool, error) {
	key := sessionKey(sessionID)
	val, err := s.rdb.HGet(ctx, key, "stop_requested").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sessionmeta: consume stop %s: %w", sessionID, err)
	}
	if val != "1" {
		return false, nil
	}
	if err := s.rdb.HDel(ctx, key, "stop_requested").Err(); err != nil {
		return false, fmt.Errorf("sessionmeta: consume stop %s: %w", sessionID, err)
	}
	return true, nil
}

func (s *Store) hset(ctx context.Context, sessionID, field, value string) error {
	if err := s.rdb.HSet(ctx, sessionKey(sessionID), field, value).Err(); err != nil {
		return fmt.Errorf("sessionmeta: set %s on %s: %w", field, sessionID, err)
	}
	return nil
}

// SetCurrentConversation writes the Current-Conversation Pointer. Writing the
// pointer is what causes the persistence consumer to rotate WAV files; only
// the conversation lifecycle may call this.
func (s *Store) SetCurrentConversation(ctx context.Context, sessionID, conversationID string) error {
	if err := s.rdb.Set(ctx, CurrentConversationKey(sessionID), conversationID, pointerTTL).Err(); err != nil {
		return fmt.Errorf("sessionmeta: set current conversation %s: %w", sessionID, err)
	}
	return nil
}

// CurrentConversation returns the current conversation id for the session,
// or "" when none is open.
func (s *Store) CurrentConversation(ctx context.Context, sessionID string) (string, error) {
	val, err := s.rdb.Get(ctx, CurrentConversationKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessionmeta: current conversation %s: %w", sessionID, err)
	}
	return val, nil
}

// RefreshCurrentConversation extends the pointer TTL. Called every monitoring
// tick so the pointer cannot expire mid-conversation.
func (s *Store) RefreshCurrentConversation(ctx context.Context, sessionID string) error {
	if err := s.rdb.Expire(ctx, CurrentConversationKey(sessionID), pointerTTL).Err(); err != nil {
		return fmt.Errorf("sessionmeta: refresh current conversation %s: %w", sessionID, err)
	}
	return nil
}

// ClearCurrentConversation removes the pointer once the conversation closes.
func (s *Store) ClearCurrentConversation(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, CurrentConversationKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("sessionmeta: clear current conversation %s: %w", sessionID, err)
	}
	return nil
}

// BindClientSession records which session currently owns a client's audio
// stream. Consumers discover streams by client id and use this binding to
// resolve the owning session's metadata.
func (s *Store) BindClientSession(ctx context.Context, clientID, sessionID string) error {
	if err := s.rdb.Set(ctx, clientKeyPrefix+clientID, sessionID, pointerTTL).Err(); err != nil {
		return fmt.Errorf("sessionmeta: bind client %s: %w", clientID, err)
	}
	return nil
}

// SessionForClient returns the session id bound to a client's audio stream,
// or "" when none is bound.
func (s *Store) SessionForClient(ctx context.Context, clientID string) (string, error) {
	val, err := s.rdb.Get(ctx, clientKeyPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessionmeta: session for client %s: %w", clientID, err)
	}
	return val, nil
}

// BindAudioFile records the finished WAV path for a conversation. Written by
// the persistence consumer when it closes a file; read by the conversation
// job to finalize.
func (s *Store) BindAudioFile(ctx context.Context, conversationID, path string) error {
	if err := s.rdb.Set(ctx, AudioFileKey(conversationID), path, pointerTTL).Err(); err != nil {
		return fmt.Errorf("sessionmeta: bind audio file %s: %w", conversationID, err)
	}
	return nil
}

// AudioFile returns the bound WAV path for a conversation, or "" when the
// persistence consumer has not closed the file yet.
func (s *Store) AudioFile(ctx context.Context, conversationID string) (string, error) {
	val, err := s.rdb.Get(ctx, AudioFileKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessionmeta: audio file %s: %w", conversationID, err)
	}
	return val, nil
}
