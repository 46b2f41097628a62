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

// defaultBatchFrames is how many frames a batch accumulates before
// submission: 30 × 0.25 s ≈ 7.5 s of audio, enough context for the batch
// model without hurting latency too much.
const defaultBatchFrames = 30

// BatchWorker is the batch transcription consumer for one session. It reads
// the client's audio stream in the "{provider}-workers" group, concatenates
// fixed-size batches of PCM, submits each to the batch ASR provider, and
// publishes one transcript chunk per batch with timestamps shifted to
// session-relative. The whole batch is acked as a group once its chunk is
// durable in the result stream.
type BatchWorker struct {
	log      *audiolog.Log
	meta     *sessionmeta.Store
	provider asr.BatchProvider
	metrics  *observe.Metrics

	sessionID string
	clientID  string

	batchFrames int
	readBlock   time.Duration
	backoff     time.Duration
	maxBackoff  time.Duration

	// batch holds the accumulated unflushed frames. Offsets come from the
	// producer-assigned sequence on each entry, so a worker that attaches
	// mid-session (respawn, restart) keeps session-relative time.
	batch     []audiolog.Entry
	frames    int64
	errMarked bool
}

// BatchWorkerOption configures a BatchWorker.
type BatchWorkerOption func(*BatchWorker)

// WithBatchFrames overrides the number of frames per batch.
func WithBatchFrames(n int) BatchWorkerOption {
	return func(w *BatchWorker) { w.batchFrames = n }
}

// WithBatchReadBlock overrides how long log reads block.
func WithBatchReadBlock(d time.Duration) BatchWorkerOption {
	return func(w *BatchWorker) { w.readBlock = d }
}

// WithBatchBackoff overrides the retry backoff bounds for failed provider
// requests.
func WithBatchBackoff(initial, max time.Duration) BatchWorkerOption {
	return func(w *BatchWorker) { w.backoff, w.maxBackoff = initial, max }
}

// WithBatchMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithBatchMetrics(m *observe.Metrics) BatchWorkerOption {
	return func(w *BatchWorker) { w.metrics = m }
}

// NewBatchWorker creates a batch worker for one session's audio stream.
func NewBatchWorker(log *audiolog.Log, meta *sessionmeta.Store, provider asr.BatchProvider, sessionID, clientID string, opts ...BatchWorkerOption) *BatchWorker {
	w := &BatchWorker{
		log:         log,
		meta:        meta,
		provider:    provider,
		sessionID:   sessionID,
		clientID:    clientID,
		batchFrames: defaultBatchFrames,
		readBlock:   readBlock,
		backoff:     reconnectBackoff,
		maxBackoff:  reconnectBackoffMax,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

func (w *BatchWorker) group() string    { return BatchGroup(w.provider.Name()) }
func (w *BatchWorker) consumer() string { return "batch-" + w.sessionID }

// Run consumes the stream until the END sentinel or cancellation. On cancel,
// the unflushed batch is left unacked for redelivery.
func (w *BatchWorker) Run(ctx context.Context) error {
	stream := audiolog.AudioStream(w.clientID)
	group := attribute.String("group", w.group())
	w.metrics.ActiveWorkers.Add(ctx, 1, metric.WithAttributes(group))
	defer w.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(group))

	slog.Info("batch transcription worker started",
		"session_id", w.sessionID,
		"client_id", w.clientID,
		"provider", w.provider.Name(),
	)

	backlog, err := w.log.ClaimIdle(ctx, stream, w.group(), w.consumer(), claimMinIdle)
	if err != nil && ctx.Err() == nil {
		slog.Warn("idle claim failed", "session_id", w.sessionID, "err", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries := backlog
		backlog = nil
		if len(entries) == 0 {
			entries, err = w.log.ReadGroup(ctx, stream, w.group(), w.consumer(), readCount, w.readBlock)
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
			w.batch = append(w.batch, e)
			w.frames++
			if len(w.batch) >= w.batchFrames {
				if err := w.flush(ctx, stream); err != nil {
					return err
				}
			}
		}
		w.metrics.FramesConsumed.Add(ctx, int64(len(entries)), metric.WithAttributes(group))
	}
}

// flush submits the accumulated batch, publishes its chunk, and acks the
// covered entries as a group. Provider failures are retried with exponential
// backoff; after persistentFailureThreshold consecutive failures the session
// is marked with a transcription error, cleared once a request succeeds.
func (w *BatchWorker) flush(ctx context.Context, stream string) error {
	if len(w.batch) == 0 {
		return nil
	}

	pcm := make([]byte, 0, len(w.batch)*audio.FrameBytes)
	for _, f := range w.batch {
		pcm = append(pcm, f.Data...)
	}
	startOffset := audio.FrameOffset(w.batch[0].Seq)

	t, err := w.transcribeWithRetry(ctx, pcm)
	if err != nil {
		return err
	}

	if t.Text != "" {
		chunk := audiolog.TranscriptChunk{
			ChunkID:    w.batch[len(w.batch)-1].ID,
			SessionID:  w.sessionID,
			Provider:   w.provider.Name(),
			Transcript: t.Shift(startOffset.Seconds()),
			CreatedAt:  time.Now(),
		}
		if err := appendResult(ctx, w.log, w.sessionID, chunk); err != nil {
			w.errMarked = markError(ctx, w.meta, w.sessionID, w.errMarked, err)
			return fmt.Errorf("transcribe: result append for %s: %w", w.sessionID, err)
		}
		w.metrics.ChunksPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", w.provider.Name()),
			attribute.String("mode", "batch"),
		))
	}

	ids := make([]audiolog.EntryID, len(w.batch))
	for i, f := range w.batch {
		ids[i] = f.ID
	}
	if err := w.log.Ack(ctx, stream, w.group(), ids...); err != nil {
		slog.Warn("batch ack failed", "session_id", w.sessionID, "err", err)
	}
	w.batch = w.batch[:0]
	return nil
}

// transcribeWithRetry keeps submitting until the provider succeeds or ctx is
// cancelled. The log retains the unacked batch, so giving up would only move
// the retry to a future claimant.
func (w *BatchWorker) transcribeWithRetry(ctx context.Context, pcm []byte) (asr.Transcript, error) {
	delay := w.backoff
	failures := 0
	for {
		start := time.Now()
		t, err := w.provider.Transcribe(ctx, pcm, audio.SampleRate)
		w.metrics.BatchTranscribeDuration.Record(ctx, time.Since(start).Seconds())
		if err == nil {
			w.errMarked = clearError(ctx, w.meta, w.sessionID, w.errMarked)
			return t, nil
		}
		failures++
		if failures >= persistentFailureThreshold {
			w.errMarked = markError(ctx, w.meta, w.sessionID, w.errMarked, err)
		}
		slog.Warn("batch transcription failed",
			"session_id", w.sessionID,
			"provider", w.provider.Name(),
			"attempt", failures,
			"backoff", delay,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return asr.Transcript{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > w.maxBackoff {
			delay = w.maxBackoff
		}
	}
}

// finish flushes the partial batch regardless of size, acks the END
// sentinel, and removes this consumer from the group.
func (w *BatchWorker) finish(ctx context.Context, stream string, endID audiolog.EntryID) error {
	if err := w.flush(ctx, stream); err != nil {
		return err
	}
	if err := w.log.Ack(ctx, stream, w.group(), endID); err != nil {
		slog.Warn("end ack failed", "session_id", w.sessionID, "err", err)
	}
	if err := w.log.RemoveConsumer(ctx, stream, w.group(), w.consumer()); err != nil {
		slog.Debug("consumer removal failed", "session_id", w.sessionID, "err", err)
	}
	slog.Info("batch transcription worker finished",
		"session_id", w.sessionID,
		"frames", w.frames,
	)
	return nil
}
