// Package producer fragments inbound audio byte streams into fixed-size
// frames and appends them to the durable audio log.
//
// The transport delivers bytes in whatever chunk size the client happens to
// send; the producer re-frames them into canonical 0.25 s slices so that
// downstream timestamping is a pure function of the frame index and the log
// entry size is constant. A trailing partial frame stays buffered until the
// next append or is zero-padded at session end.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/pkg/audio"
)

// Sentinel errors surfaced to the transport layer.
var (
	// ErrSessionConflict is returned by InitSession when the session id is
	// already in use by a different user or a finished session.
	ErrSessionConflict = errors.New("producer: session conflict")

	// ErrSessionMissing is returned by Append/End for unknown session ids.
	ErrSessionMissing = errors.New("producer: session missing")

	// ErrSessionFinalized is returned by Append after End was called.
	ErrSessionFinalized = errors.New("producer: session finalized")

	// ErrLogWrite is returned when appending to the durable log failed after
	// retries. The session is unusable once this happens.
	ErrLogWrite = errors.New("producer: log write failed")
)

const (
	// appendAttempts is how many times a log append is tried before the
	// failure becomes fatal for the session.
	appendAttempts = 3

	// appendRetryDelay is the initial delay between append attempts; it
	// doubles each retry.
	appendRetryDelay = 100 * time.Millisecond
)

// InitParams describes a new session.
type InitParams struct {
	SessionID    string
	UserID       string
	ClientID     string
	ConnectionID string

	// Provider names the ASR backend for this session.
	Provider string

	// Mode selects the streaming or batch transcription path.
	Mode sessionmeta.Mode
}

// Producer accepts raw audio for any number of concurrent sessions. Each
// session's operations are serialized by a per-session mutex so Append and
// End cannot interleave. All methods are safe for concurrent use.
type Producer struct {
	log  *audiolog.Log
	meta *sessionmeta.Store

	mu       sync.Mutex
	sessions map[string]*sessionBuffer
}

// sessionBuffer is the in-process rolling buffer for one session. Owned by
// the producer; consumers never see partial frames.
type sessionBuffer struct {
	mu        sync.Mutex
	sessionID string
	clientID  string
	buf       []byte
	frames    int64
	finalized bool
}

// New creates a Producer writing to log with session metadata in meta.
func New(log *audiolog.Log, meta *sessionmeta.Store) *Producer {
	return &Producer{
		log:      log,
		meta:     meta,
		sessions: make(map[string]*sessionBuffer),
	}
}

// InitSession allocates the session's rolling buffer and writes its metadata
// record with status active and zeroed counters. Calling InitSession again
// for the same id is idempotent only while the session is active and owned
// by the same user; anything else returns ErrSessionConflict.
func (p *Producer) InitSession(ctx context.Context, params InitParams) error {
	err := p.meta.Init(ctx, sessionmeta.Session{
		ID:           params.SessionID,
		UserID:       params.UserID,
		ClientID:     params.ClientID,
		ConnectionID: params.ConnectionID,
		Provider:     params.Provider,
		Mode:         params.Mode,
	})
	if errors.Is(err, sessionmeta.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrSessionConflict, params.SessionID)
	}
	if err != nil {
		return err
	}
	if err := p.meta.BindClientSession(ctx, params.ClientID, params.SessionID); err != nil {
		return err
	}

	// The frame sequence continues from the stored counter, so a producer
	// restart re-attaching to an active session does not reissue sequence
	// numbers already in the log.
	sess, err := p.meta.Get(ctx, params.SessionID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[params.SessionID]; ok && !existing.finalized {
		return nil
	}
	p.sessions[params.SessionID] = &sessionBuffer{
		sessionID: params.SessionID,
		clientID:  params.ClientID,
		frames:    sess.Frames,
	}
	slog.Info("session initialised",
		"session_id", params.SessionID,
		"client_id", params.ClientID,
		"provider", params.Provider,
		"mode", params.Mode,
	)
	return nil
}

// Append buffers data, peels off complete frames, and appends each to the
// client's audio stream. It returns the log ids of the frames actually
// written; a trailing partial frame remains buffered for the next call.
func (p *Producer) Append(ctx context.Context, sessionID string, data []byte) ([]audiolog.EntryID, error) {
	sb, err := p.buffer(sessionID)
	if err != nil {
		return nil, err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.finalized {
		return nil, fmt.Errorf("%w: %s", ErrSessionFinalized, sessionID)
	}

	sb.buf = append(sb.buf, data...)
	var ids []audiolog.EntryID
	for len(sb.buf) >= audio.FrameBytes {
		frame := sb.buf[:audio.FrameBytes]
		id, err := p.appendFrame(ctx, sb.clientID, sb.frames, frame)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		sb.buf = sb.buf[audio.FrameBytes:]
		sb.frames++
	}
	if len(ids) > 0 {
		if err := p.meta.AddFrames(ctx, sessionID, int64(len(ids))); err != nil {
			slog.Warn("frame counter update failed", "session_id", sessionID, "err", err)
		}
	}
	return ids, nil
}

// End flushes any partial buffer by zero-padding it to frame size, appends
// the END sentinel, and moves the session to finalizing. Subsequent appends
// fail with ErrSessionFinalized.
func (p *Producer) End(ctx context.Context, sessionID string) error {
	sb, err := p.buffer(sessionID)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.finalized {
		return nil
	}
	if len(sb.buf) > 0 {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, sb.buf)
		if _, err := p.appendFrame(ctx, sb.clientID, sb.frames, frame); err != nil {
			return err
		}
		sb.buf = nil
		sb.frames++
		if err := p.meta.AddFrames(ctx, sessionID, 1); err != nil {
			slog.Warn("frame counter update failed", "session_id", sessionID, "err", err)
		}
	}
	if _, err := p.log.AppendEnd(ctx, sb.clientID); err != nil {
		return fmt.Errorf("%w: end sentinel: %v", ErrLogWrite, err)
	}
	sb.finalized = true
	if err := p.meta.SetStatus(ctx, sessionID, sessionmeta.StatusFinalizing); err != nil {
		return err
	}
	slog.Info("session ended", "session_id", sessionID, "frames", sb.frames)
	return nil
}

// Abort handles a transport disconnect without a clean END from the client:
// it marks the session disconnected so jobs wind down, then ends the stream
// so consumers drain and exit.
func (p *Producer) Abort(ctx context.Context, sessionID string) error {
	if err := p.meta.SetTransportDisconnected(ctx, sessionID); err != nil {
		return err
	}
	err := p.End(ctx, sessionID)
	if errors.Is(err, ErrSessionMissing) {
		return nil
	}
	return err
}

// Remove drops the in-process buffer for a session. Called by the transport
// after the connection closes; the durable state lives in the log and the
// metadata store.
func (p *Producer) Remove(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// Frames returns the number of frames the producer has written for the
// session so far.
func (p *Producer) Frames(sessionID string) int64 {
	sb, err := p.buffer(sessionID)
	if err != nil {
		return 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.frames
}

func (p *Producer) buffer(sessionID string) (*sessionBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionMissing, sessionID)
	}
	return sb, nil
}

// appendFrame appends one frame with bounded retries. Append durability is
// the producer's contract: the frame is in the log when this returns nil.
func (p *Producer) appendFrame(ctx context.Context, clientID string, seq int64, frame []byte) (audiolog.EntryID, error) {
	delay := appendRetryDelay
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		id, err := p.log.Append(ctx, clientID, seq, frame)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if attempt < appendAttempts {
			slog.Warn("log append failed, retrying",
				"client_id", clientID,
				"attempt", attempt,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrLogWrite, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return "", fmt.Errorf("%w: %v", ErrLogWrite, lastErr)
}
