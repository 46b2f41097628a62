// Package convstore persists conversation documents in PostgreSQL.
//
// A conversation document is created open by the speech detector, mutated by
// the conversation job and the post-conversation pipeline, and never touched
// again once closed except by explicit reprocessing, which only ever adds a
// new transcript version. Transcript versions are a JSONB map keyed by
// version id ("v1", "v2", …) with an active-version pointer column, so
// reprocessing never destroys the original snapshot.
package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openwear/earstream/pkg/provider/asr"
)

// ErrNotFound is returned when no conversation exists for the given id.
var ErrNotFound = errors.New("convstore: conversation not found")

// Status is the lifecycle state of a conversation document.
type Status string

const (
	StatusOpen       Status = "open"
	StatusFinalizing Status = "finalizing"
	StatusClosed     Status = "closed"
)

// End reasons recorded on finalization.
const (
	EndUserStopped         = "user_stopped"
	EndInactivityTimeout   = "inactivity_timeout"
	EndTransportDisconnect = "transport_disconnect"
	EndNoMeaningfulSpeech  = "no_meaningful_speech"
	EndAudioFileNotReady   = "audio_file_not_ready"
)

// TranscriptVersion is one immutable transcript snapshot of a conversation.
type TranscriptVersion struct {
	Text           string        `json:"text"`
	Words          []asr.Word    `json:"words,omitempty"`
	Segments       []asr.Segment `json:"segments,omitempty"`
	Provider       string        `json:"provider"`
	ProcessingTime float64       `json:"processing_time_s"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Conversation is the full document as stored.
type Conversation struct {
	ID        string
	SessionID string
	UserID    string
	ClientID  string
	Status    Status

	AudioPath     string
	Versions      map[string]TranscriptVersion
	ActiveVersion string

	Title           string
	Summary         string
	DetailedSummary string

	EndReason string
	Deleted   bool
	JobErrors map[string]string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ActiveTranscript returns the transcript version the active pointer names,
// or false when none is set.
func (c *Conversation) ActiveTranscript() (TranscriptVersion, bool) {
	v, ok := c.Versions[c.ActiveVersion]
	return v, ok
}

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id                  TEXT         PRIMARY KEY,
    session_id          TEXT         NOT NULL,
    user_id             TEXT         NOT NULL DEFAULT '',
    client_id           TEXT         NOT NULL DEFAULT '',
    status              TEXT         NOT NULL DEFAULT 'open',
    audio_path          TEXT         NOT NULL DEFAULT '',
    transcript_versions JSONB        NOT NULL DEFAULT '{}',
    active_version      TEXT         NOT NULL DEFAULT '',
    title               TEXT         NOT NULL DEFAULT '',
    summary             TEXT         NOT NULL DEFAULT '',
    detailed_summary    TEXT         NOT NULL DEFAULT '',
    end_reason          TEXT         NOT NULL DEFAULT '',
    deleted             BOOLEAN      NOT NULL DEFAULT FALSE,
    job_errors          JSONB        NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_conversations_session_id
    ON conversations (session_id);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at);
`

// Store is the PostgreSQL-backed conversation document store. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool without migrating. Used when the
// pool is shared with the memory store, which migrates its own tables.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the conversations table and its indexes if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversations); err != nil {
		return fmt.Errorf("convstore: migrate conversations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Create inserts a new open conversation document.
func (s *Store) Create(ctx context.Context, c Conversation) error {
	const q = `
		INSERT INTO conversations (id, session_id, user_id, client_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	status := c.Status
	if status == "" {
		status = StatusOpen
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, c.ID, c.SessionID, c.UserID, c.ClientID, status, createdAt)
	if err != nil {
		return fmt.Errorf("convstore: create %s: %w", c.ID, err)
	}
	return nil
}

// Get returns the conversation with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	const q = `
		SELECT id, session_id, user_id, client_id, status, audio_path,
		       transcript_versions, active_version,
		       title, summary, detailed_summary,
		       end_reason, deleted, job_errors, created_at, completed_at
		FROM   conversations
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: get %s: %w", id, err)
	}
	return c, nil
}

// ListBySession returns all conversations of a session, oldest first.
// Deleted conversations are included; callers filter on the flag.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*Conversation, error) {
	const q = `
		SELECT id, session_id, user_id, client_id, status, audio_path,
		       transcript_versions, active_version,
		       title, summary, detailed_summary,
		       end_reason, deleted, job_errors, created_at, completed_at
		FROM   conversations
		WHERE  session_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("convstore: list session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("convstore: list session %s: %w", sessionID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convstore: list session %s: %w", sessionID, err)
	}
	return out, nil
}

// SetStatus moves the document to a new lifecycle state.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, `UPDATE conversations SET status = $2 WHERE id = $1`, status)
}

// SetAudioPath records the WAV file location on the document.
func (s *Store) SetAudioPath(ctx context.Context, id, path string) error {
	return s.update(ctx, id, `UPDATE conversations SET audio_path = $2 WHERE id = $1`, path)
}

// SetTranscriptVersion writes (or replaces) one transcript version and points
// the active-version pointer at it.
func (s *Store) SetTranscriptVersion(ctx context.Context, id, version string, v TranscriptVersion) error {
	const q = `
		UPDATE conversations
		SET    transcript_versions = jsonb_set(transcript_versions, ARRAY[$2], $3::jsonb),
		       active_version      = $2
		WHERE  id = $1`
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convstore: encode version %s of %s: %w", version, id, err)
	}
	return s.update(ctx, id, q, version, string(payload))
}

// SetSegments replaces the segments of one transcript version in place. Used
// by speaker recognition to write back speaker-labelled segments.
func (s *Store) SetSegments(ctx context.Context, id, version string, segments []asr.Segment) error {
	const q = `
		UPDATE conversations
		SET    transcript_versions = jsonb_set(transcript_versions, ARRAY[$2, 'segments'], $3::jsonb)
		WHERE  id = $1 AND transcript_versions ? $2`
	payload, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("convstore: encode segments of %s: %w", id, err)
	}
	return s.update(ctx, id, q, version, string(payload))
}

// SetTitleSummary writes the title, summary, and detailed summary.
func (s *Store) SetTitleSummary(ctx context.Context, id, title, summary, detailed string) error {
	const q = `
		UPDATE conversations
		SET    title = $2, summary = $3, detailed_summary = $4
		WHERE  id = $1`
	return s.update(ctx, id, q, title, summary, detailed)
}

// Finalize closes the conversation, recording why and when it ended.
func (s *Store) Finalize(ctx context.Context, id, endReason string, completedAt time.Time) error {
	const q = `
		UPDATE conversations
		SET    status = $2, end_reason = $3, completed_at = $4
		WHERE  id = $1`
	return s.update(ctx, id, q, StatusClosed, endReason, completedAt)
}

// MarkDeleted closes the conversation as deleted with the given reason.
// The row is kept for investigation; reads filter on the flag.
func (s *Store) MarkDeleted(ctx context.Context, id, reason string) error {
	const q = `
		UPDATE conversations
		SET    status = $2, deleted = TRUE, end_reason = $3, completed_at = now()
		WHERE  id = $1`
	return s.update(ctx, id, q, StatusClosed, reason)
}

// SetJobError records a post-processing job failure on the document without
// affecting its lifecycle state. One key per job name; a later success does
// not clear it, the error history stays on the row.
func (s *Store) SetJobError(ctx context.Context, id, job, msg string) error {
	const q = `
		UPDATE conversations
		SET    job_errors = jsonb_set(job_errors, ARRAY[$2], to_jsonb($3::text))
		WHERE  id = $1`
	return s.update(ctx, id, q, job, msg)
}

func (s *Store) update(ctx context.Context, id, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("convstore: update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.SessionID, &c.UserID, &c.ClientID, &c.Status, &c.AudioPath,
		&c.Versions, &c.ActiveVersion,
		&c.Title, &c.Summary, &c.DetailedSummary,
		&c.EndReason, &c.Deleted, &c.JobErrors, &c.CreatedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
