package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/pkg/audio"
	"github.com/openwear/earstream/pkg/provider/asr"
)

// StreamWorker is the streaming transcription consumer for one session. It
// reads the client's audio stream in the "streaming-transcription" group,
// forwards each frame to a duplex ASR connection, and publishes results:
// interims over pub/sub, finals into the session's result stream. Frames are
// acknowledged only after the final result covering them is durable.
//
// A worker is single-goroutine: it alternates between short blocking log
// reads and non-blocking drains of the provider's result channels, so
// cancellation is prompt and no locks are held across I/O.
type StreamWorker struct {
	log      *audiolog.Log
	meta     *sessionmeta.Store
	provider asr.StreamingProvider
	metrics  *observe.Metrics

	sessionID string
	clientID  string
	language  string

	readBlock time.Duration
	backoff   time.Duration
	maxBackoff time.Duration

	// Connection state. handle is nil between connections; interims/finals
	// are nil-ed as the provider closes them.
	handle   asr.StreamHandle
	interims <-chan asr.Transcript
	finals   <-chan asr.Transcript
	broken   bool

	// connSeq is the producer sequence of the first frame sent on the
	// current connection, or -1 until one is forwarded. Provider timestamps
	// are relative to that frame.
	connSeq int64

	// pending are forwarded frames not yet covered by a durable final.
	pending   []audiolog.Entry
	frames    int64
	lastID    audiolog.EntryID
	errMarked bool
}

// StreamWorkerOption configures a StreamWorker.
type StreamWorkerOption func(*StreamWorker)

// WithStreamLanguage sets the recognition language hint.
func WithStreamLanguage(lang string) StreamWorkerOption {
	return func(w *StreamWorker) { w.language = lang }
}

// WithStreamReadBlock overrides how long log reads block. Tests use a small
// value (or zero for non-blocking) to keep loops fast.
func WithStreamReadBlock(d time.Duration) StreamWorkerOption {
	return func(w *StreamWorker) { w.readBlock = d }
}

// WithStreamBackoff overrides the reconnect backoff bounds.
func WithStreamBackoff(initial, max time.Duration) StreamWorkerOption {
	return func(w *StreamWorker) { w.backoff, w.maxBackoff = initial, max }
}

// WithStreamMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithStreamMetrics(m *observe.Metrics) StreamWorkerOption {
	return func(w *StreamWorker) { w.metrics = m }
}

// NewStreamWorker creates a streaming worker for one session's audio stream.
func NewStreamWorker(log *audiolog.Log, meta *sessionmeta.Store, provider asr.StreamingProvider, sessionID, clientID string, opts ...StreamWorkerOption) *StreamWorker {
	w := &StreamWorker{
		log:        log,
		meta:       meta,
		provider:   provider,
		sessionID:  sessionID,
		clientID:   clientID,
		readBlock:  readBlock,
		backoff:    reconnectBackoff,
		maxBackoff: reconnectBackoffMax,
		connSeq:    -1,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

func (w *StreamWorker) consumer() string { return "streaming-" + w.sessionID }

// Run consumes the stream until the END sentinel or cancellation. On cancel,
// in-flight frames are left unacked for redelivery. A non-nil error other
// than ctx.Err() means the session's transcription failed fatally.
func (w *StreamWorker) Run(ctx context.Context) error {
	stream := audiolog.AudioStream(w.clientID)
	group := attribute.String("group", StreamingGroup)
	w.metrics.ActiveWorkers.Add(ctx, 1, metric.WithAttributes(group))
	defer w.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(group))
	defer w.closeHandle()

	slog.Info("streaming transcription worker started",
		"session_id", w.sessionID,
		"client_id", w.clientID,
		"provider", w.provider.Name(),
	)

	// Pick up deliveries orphaned by a crashed predecessor before reading
	// new entries, so frame order is preserved.
	backlog, err := w.log.ClaimIdle(ctx, stream, StreamingGroup, w.consumer(), claimMinIdle)
	if err != nil && ctx.Err() == nil {
		slog.Warn("idle claim failed", "session_id", w.sessionID, "err", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.ensureConnected(ctx); err != nil {
			return err
		}

		entries := backlog
		backlog = nil
		if len(entries) == 0 {
			entries, err = w.log.ReadGroup(ctx, stream, StreamingGroup, w.consumer(), readCount, w.readBlock)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("log read failed", "session_id", w.sessionID, "err", err)
				continue
			}
		}

		for _, e := range entries {
			if e.IsEnd() {
				return w.finish(ctx, stream, e.ID)
			}
			w.forward(ctx, e)
		}
		w.metrics.FramesConsumed.Add(ctx, int64(len(entries)), metric.WithAttributes(group))

		if err := w.drainResults(ctx, stream); err != nil {
			return err
		}
	}
}

// forward records the frame as pending and pushes its audio to the provider.
// A send failure marks the connection broken; the frame stays pending and is
// re-sent after reconnect.
func (w *StreamWorker) forward(ctx context.Context, e audiolog.Entry) {
	w.pending = append(w.pending, e)
	w.frames++
	w.lastID = e.ID
	if w.broken || w.handle == nil {
		return
	}
	if w.connSeq < 0 {
		w.connSeq = e.Seq
	}
	if err := w.handle.SendAudio(e.Data); err != nil {
		slog.Warn("audio send failed", "session_id", w.sessionID, "err", err)
		w.broken = true
	}
}

// connOffset is the session-relative time base of the current connection.
func (w *StreamWorker) connOffset() time.Duration {
	if w.connSeq < 0 {
		return 0
	}
	return audio.FrameOffset(w.connSeq)
}

// drainResults consumes whatever results are currently available without
// blocking. An unexpected close of the finals channel marks the connection
// broken so the next loop iteration reconnects.
func (w *StreamWorker) drainResults(ctx context.Context, stream string) error {
	for {
		select {
		case t, ok := <-w.finals:
			if !ok {
				w.finals = nil
				w.broken = true
				return nil
			}
			if err := w.handleFinal(ctx, stream, t); err != nil {
				return err
			}
		case t, ok := <-w.interims:
			if !ok {
				w.interims = nil
				continue
			}
			w.publishInterim(ctx, t)
		default:
			return nil
		}
	}
}

// handleFinal publishes a final result and acks the frames it covers. The
// covered span is derived from the final's word timings, so back-to-back
// finals keyed to distinct frames get distinct chunk ids; a final without
// timings covers the whole pending window. Empty finals (silence) carry
// nothing durable, so their frames are acked directly.
func (w *StreamWorker) handleFinal(ctx context.Context, stream string, t asr.Transcript) error {
	shifted := t.Shift(w.connOffset().Seconds())
	covered := w.covered(shifted)
	chunkID := w.lastID
	if len(covered) > 0 {
		chunkID = covered[len(covered)-1].ID
	}

	if t.Text != "" {
		chunk := audiolog.TranscriptChunk{
			ChunkID:    chunkID,
			SessionID:  w.sessionID,
			Provider:   w.provider.Name(),
			Transcript: shifted,
			CreatedAt:  time.Now(),
		}
		if err := appendResult(ctx, w.log, w.sessionID, chunk); err != nil {
			w.errMarked = markError(ctx, w.meta, w.sessionID, w.errMarked, err)
			return fmt.Errorf("transcribe: result append for %s: %w", w.sessionID, err)
		}
		w.metrics.ChunksPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", w.provider.Name()),
			attribute.String("mode", "streaming"),
		))
	}
	if len(covered) == 0 {
		return nil
	}
	ids := make([]audiolog.EntryID, len(covered))
	for i, p := range covered {
		ids[i] = p.ID
	}
	if err := w.log.Ack(ctx, stream, StreamingGroup, ids...); err != nil {
		// The result is durable; redelivered frames will produce a duplicate
		// chunk that supersession absorbs.
		slog.Warn("ack failed", "session_id", w.sessionID, "err", err)
		return nil
	}
	w.pending = w.pending[len(covered):]
	return nil
}

// covered returns the leading pending frames a final accounts for: every
// frame that starts before the final's last word ends. shifted must already
// be session-relative. Without word timings the whole pending window is
// covered.
func (w *StreamWorker) covered(shifted asr.Transcript) []audiolog.Entry {
	if len(shifted.Words) == 0 {
		return w.pending
	}
	end := shifted.Words[len(shifted.Words)-1].End
	n := 0
	for _, e := range w.pending {
		if audio.FrameOffset(e.Seq).Seconds() >= end {
			break
		}
		n++
	}
	return w.pending[:n]
}

// publishInterim shifts and publishes an interim update, best-effort.
func (w *StreamWorker) publishInterim(ctx context.Context, t asr.Transcript) {
	if t.Text == "" {
		return
	}
	chunk := audiolog.TranscriptChunk{
		ChunkID:    w.lastID,
		SessionID:  w.sessionID,
		Provider:   w.provider.Name(),
		Transcript: t.Shift(w.connOffset().Seconds()),
		CreatedAt:  time.Now(),
	}
	if err := w.log.PublishInterim(ctx, w.sessionID, chunk); err != nil {
		slog.Debug("interim publish failed", "session_id", w.sessionID, "err", err)
	}
}

// ensureConnected (re)establishes the duplex ASR connection, re-sending any
// pending frames on a fresh connection. It retries with exponential backoff
// until it succeeds or ctx is cancelled; after persistentFailureThreshold
// consecutive failures the session is marked with a transcription error,
// which is cleared on recovery.
func (w *StreamWorker) ensureConnected(ctx context.Context) error {
	if w.handle != nil && !w.broken {
		return nil
	}
	w.closeHandle()

	delay := w.backoff
	failures := 0
	for {
		handle, err := w.provider.StartStream(ctx, asr.StreamConfig{
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			Language:   w.language,
			Diarize:    true,
		})
		if err == nil {
			if resendErr := w.resendPending(handle); resendErr == nil {
				w.handle = handle
				w.interims = handle.Interims()
				w.finals = handle.Finals()
				w.broken = false
				w.metrics.ASRReconnects.Add(ctx, 1, metric.WithAttributes(
					attribute.String("provider", w.provider.Name()),
					attribute.String("status", "ok"),
				))
				w.errMarked = clearError(ctx, w.meta, w.sessionID, w.errMarked)
				return nil
			} else {
				err = resendErr
				_ = handle.Close()
			}
		}

		failures++
		w.metrics.ASRReconnects.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", w.provider.Name()),
			attribute.String("status", "error"),
		))
		if failures >= persistentFailureThreshold {
			w.errMarked = markError(ctx, w.meta, w.sessionID, w.errMarked, err)
		}
		slog.Warn("asr connect failed",
			"session_id", w.sessionID,
			"provider", w.provider.Name(),
			"attempt", failures,
			"backoff", delay,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > w.maxBackoff {
			delay = w.maxBackoff
		}
	}
}

// resendPending replays unacked frames on a fresh connection and resets the
// connection's timestamp base to the first replayed frame. With nothing
// pending the base stays unset until the next forward.
func (w *StreamWorker) resendPending(handle asr.StreamHandle) error {
	w.connSeq = -1
	if len(w.pending) > 0 {
		w.connSeq = w.pending[0].Seq
	}
	for _, p := range w.pending {
		if err := handle.SendAudio(p.Data); err != nil {
			return fmt.Errorf("transcribe: resend pending frame: %w", err)
		}
	}
	return nil
}

// finish half-closes the connection, drains remaining finals, acks the END
// sentinel, and removes this consumer from the group.
func (w *StreamWorker) finish(ctx context.Context, stream string, endID audiolog.EntryID) error {
	if w.handle != nil {
		_ = w.handle.CloseSend()
		for w.finals != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case t, ok := <-w.finals:
				if !ok {
					w.finals = nil
					continue
				}
				if err := w.handleFinal(ctx, stream, t); err != nil {
					return err
				}
			}
		}
		if err := w.handle.Err(); err != nil {
			slog.Warn("asr stream ended with error", "session_id", w.sessionID, "err", err)
		}
	}

	// Any frames still pending were never covered by a final (the provider
	// heard only silence at the tail). Nothing durable is owed for them.
	if len(w.pending) > 0 {
		ids := make([]audiolog.EntryID, len(w.pending))
		for i, p := range w.pending {
			ids[i] = p.ID
		}
		if err := w.log.Ack(ctx, stream, StreamingGroup, ids...); err != nil {
			slog.Warn("tail ack failed", "session_id", w.sessionID, "err", err)
		}
		w.pending = w.pending[:0]
	}
	if err := w.log.Ack(ctx, stream, StreamingGroup, endID); err != nil {
		slog.Warn("end ack failed", "session_id", w.sessionID, "err", err)
	}
	if err := w.log.RemoveConsumer(ctx, stream, StreamingGroup, w.consumer()); err != nil {
		slog.Debug("consumer removal failed", "session_id", w.sessionID, "err", err)
	}
	slog.Info("streaming transcription worker finished",
		"session_id", w.sessionID,
		"frames", w.frames,
	)
	return nil
}

func (w *StreamWorker) closeHandle() {
	if w.handle != nil {
		_ = w.handle.Close()
		w.handle = nil
		w.interims = nil
		w.finals = nil
	}
	w.broken = false
}
