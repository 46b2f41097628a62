package persist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/sessionmeta"
)

const (
	// Group is the persistence consumer group.
	Group = "audio-persistence"

	readCount    = 32
	readBlock    = 2 * time.Second
	claimMinIdle = 30 * time.Second
)

// Worker is the persistence consumer for one session. State is the open WAV
// writer (or none) and the conversation it belongs to (or none, for orphan
// audio). Entries are acked only after their bytes are synced to disk.
type Worker struct {
	log     *audiolog.Log
	meta    *sessionmeta.Store
	metrics *observe.Metrics

	sessionID string
	clientID  string
	dir       string
	readBlock time.Duration

	file        *fileWriter
	currentConv string
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithReadBlock overrides how long log reads block.
func WithReadBlock(d time.Duration) WorkerOption {
	return func(w *Worker) { w.readBlock = d }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a persistence worker writing WAV files into dir.
func NewWorker(log *audiolog.Log, meta *sessionmeta.Store, sessionID, clientID, dir string, opts ...WorkerOption) *Worker {
	w := &Worker{
		log:       log,
		meta:      meta,
		sessionID: sessionID,
		clientID:  clientID,
		dir:       dir,
		readBlock: readBlock,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

func (w *Worker) consumer() string { return "persistence-" + w.sessionID }

// Run consumes the session's audio stream until END or cancellation. On
// cancel the open file stays on disk with a placeholder header; the next
// start repairs it via RecoverHeaders and unacked entries are redelivered.
func (w *Worker) Run(ctx context.Context) error {
	stream := audiolog.AudioStream(w.clientID)
	group := attribute.String("group", Group)
	w.metrics.ActiveWorkers.Add(ctx, 1, metric.WithAttributes(group))
	defer w.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(group))

	slog.Info("persistence worker started", "session_id", w.sessionID, "client_id", w.clientID)

	backlog, err := w.log.ClaimIdle(ctx, stream, Group, w.consumer(), claimMinIdle)
	if err != nil && ctx.Err() == nil {
		slog.Warn("idle claim failed", "session_id", w.sessionID, "err", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Rotation check precedes every read: the Current-Conversation
		// Pointer write happens-before the conversation job's wait on the
		// Audio File Binding, so observing it here is sufficient ordering.
		if err := w.checkRotation(ctx); err != nil {
			return err
		}

		entries := backlog
		backlog = nil
		if len(entries) == 0 {
			entries, err = w.log.ReadGroup(ctx, stream, Group, w.consumer(), readCount, w.readBlock)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("log read failed", "session_id", w.sessionID, "err", err)
				continue
			}
		}
		if len(entries) == 0 {
			continue
		}

		var (
			acks  []audiolog.EntryID
			endID audiolog.EntryID
		)
		for _, e := range entries {
			if e.IsEnd() {
				endID = e.ID
				break
			}
			if err := w.writeFrame(ctx, e.Data); err != nil {
				return err
			}
			acks = append(acks, e.ID)
		}

		// fsync once per batch, then ack everything the sync covers.
		if w.file != nil {
			if err := w.file.sync(); err != nil {
				return w.surfaceWriteFailure(ctx, err)
			}
		}
		w.metrics.FramesConsumed.Add(ctx, int64(len(acks)), metric.WithAttributes(group))
		if err := w.log.Ack(ctx, stream, Group, acks...); err != nil {
			slog.Warn("ack failed", "session_id", w.sessionID, "err", err)
		}

		if endID != "" {
			return w.finish(ctx, stream, endID)
		}
	}
}

// checkRotation compares the Current-Conversation Pointer against the open
// file's conversation and rotates when they differ.
func (w *Worker) checkRotation(ctx context.Context) error {
	conv, err := w.meta.CurrentConversation(ctx, w.sessionID)
	if err != nil {
		return err
	}
	if conv == w.currentConv {
		return nil
	}

	switch {
	case w.file != nil && w.currentConv == "" && conv != "":
		// Orphan audio belongs to the conversation that just opened:
		// re-link the file instead of starting a fresh one.
		if err := w.file.rename(w.wavPath(conv)); err != nil {
			return err
		}
		w.metrics.FileRotations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "orphan")))
		slog.Info("orphan audio re-linked", "session_id", w.sessionID, "conversation_id", conv, "path", w.file.path)

	case w.file != nil:
		if err := w.closeAndBind(ctx); err != nil {
			return err
		}
		w.metrics.FileRotations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "conversation")))
	}
	w.currentConv = conv
	return nil
}

// writeFrame appends PCM to the open file, opening an orphan file when no
// conversation is active yet. One immediate retry; a second failure closes
// the file and surfaces the error without acking.
func (w *Worker) writeFrame(ctx context.Context, pcm []byte) error {
	if w.file == nil {
		path := w.orphanPath()
		if w.currentConv != "" {
			path = w.wavPath(w.currentConv)
		}
		f, err := createWAV(path)
		if err != nil {
			return w.surfaceWriteFailure(ctx, err)
		}
		w.file = f
		slog.Info("wav file opened", "session_id", w.sessionID, "path", path)
	}
	err := w.file.write(pcm)
	if err != nil {
		err = w.file.write(pcm)
	}
	if err != nil {
		return w.surfaceWriteFailure(ctx, err)
	}
	w.metrics.AudioBytesWritten.Add(ctx, int64(len(pcm)))
	return nil
}

// closeAndBind closes the open file and, when it belongs to a conversation,
// records its path under the conversation's Audio File Binding.
func (w *Worker) closeAndBind(ctx context.Context) error {
	if w.file == nil {
		return nil
	}
	path := w.file.path
	err := w.file.close()
	w.file = nil
	if err != nil {
		return w.surfaceWriteFailure(ctx, err)
	}
	if w.currentConv != "" {
		if err := w.meta.BindAudioFile(ctx, w.currentConv, path); err != nil {
			return err
		}
		slog.Info("audio file bound", "conversation_id", w.currentConv, "path", path)
	}
	return nil
}

// finish closes and binds the final file, completes the session, acks the
// END sentinel, and removes this consumer from the group. The END ack comes
// after the close so a crash in between redelivers END and repeats the
// (idempotent) close path.
func (w *Worker) finish(ctx context.Context, stream string, endID audiolog.EntryID) error {
	if err := w.closeAndBind(ctx); err != nil {
		return err
	}
	w.metrics.FileRotations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "end")))
	if err := w.meta.Complete(ctx, w.sessionID); err != nil {
		slog.Warn("session completion failed", "session_id", w.sessionID, "err", err)
	}
	if err := w.log.Ack(ctx, stream, Group, endID); err != nil {
		slog.Warn("end ack failed", "session_id", w.sessionID, "err", err)
	}
	if err := w.log.RemoveConsumer(ctx, stream, Group, w.consumer()); err != nil {
		slog.Debug("consumer removal failed", "session_id", w.sessionID, "err", err)
	}
	slog.Info("persistence worker finished", "session_id", w.sessionID)
	return nil
}

// surfaceWriteFailure records the failure on the session and stops the
// worker without acking, so the frames are redelivered once the disk
// recovers.
func (w *Worker) surfaceWriteFailure(ctx context.Context, err error) error {
	if w.file != nil {
		w.file.f.Close()
		w.file = nil
	}
	if serr := w.meta.SetPersistenceError(ctx, w.sessionID, err.Error()); serr != nil {
		slog.Warn("failed to record persistence error", "session_id", w.sessionID, "err", serr)
	}
	return fmt.Errorf("persist: session %s: %w", w.sessionID, err)
}

func (w *Worker) wavPath(conversationID string) string {
	name := fmt.Sprintf("%d_%s_%s.wav", time.Now().UnixMilli(), w.clientID, conversationID)
	return filepath.Join(w.dir, name)
}

func (w *Worker) orphanPath() string {
	name := fmt.Sprintf("%d_%s_pending-%s.wav", time.Now().UnixMilli(), w.clientID, w.sessionID)
	return filepath.Join(w.dir, name)
}
