package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/pkg/provider/asr"
)

// defaultScanInterval is how often the scanner looks for new audio streams.
const defaultScanInterval = 2 * time.Second

// Providers holds the ASR implementations available to the scanner, keyed by
// the provider name recorded in session metadata.
type Providers struct {
	Streaming map[string]asr.StreamingProvider
	Batch     map[string]asr.BatchProvider
}

// Scanner discovers audio streams and runs one transcription worker per
// stream. The worker shape (streaming or batch) and provider are resolved
// from the owning session's metadata, selected at session init. A stream
// whose worker exits cleanly (END) is remembered so it is not re-attached;
// a worker that fails is retried on a later scan.
type Scanner struct {
	log       *audiolog.Log
	meta      *sessionmeta.Store
	providers Providers
	metrics   *observe.Metrics
	interval  time.Duration
	language  string

	mu       sync.Mutex
	running  map[string]struct{}
	finished map[string]struct{}
	wg       sync.WaitGroup
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScanInterval overrides the discovery period.
func WithScanInterval(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.interval = d }
}

// WithScanLanguage sets the language hint passed to streaming workers.
func WithScanLanguage(lang string) ScannerOption {
	return func(s *Scanner) { s.language = lang }
}

// WithScanMetrics sets the metrics instance shared with spawned workers.
func WithScanMetrics(m *observe.Metrics) ScannerOption {
	return func(s *Scanner) { s.metrics = m }
}

// NewScanner creates a Scanner.
func NewScanner(log *audiolog.Log, meta *sessionmeta.Store, providers Providers, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		log:       log,
		meta:      meta,
		providers: providers,
		interval:  defaultScanInterval,
		running:   make(map[string]struct{}),
		finished:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Run scans until ctx is cancelled, then waits for all workers to stop.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		s.scan(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	clients, err := s.log.DiscoverAudioStreams(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stream discovery failed", "err", err)
		}
		return
	}
	for _, clientID := range clients {
		s.mu.Lock()
		_, active := s.running[clientID]
		_, done := s.finished[clientID]
		s.mu.Unlock()
		if active || done {
			continue
		}
		if err := s.spawn(ctx, clientID); err != nil {
			slog.Warn("worker spawn failed", "client_id", clientID, "err", err)
		}
	}
}

// spawn resolves the stream's session and starts the matching worker.
func (s *Scanner) spawn(ctx context.Context, clientID string) error {
	sessionID, err := s.meta.SessionForClient(ctx, clientID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("transcribe: no session bound for client %s", clientID)
	}
	sess, err := s.meta.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	var run func(context.Context) error
	switch sess.Mode {
	case sessionmeta.ModeStreaming:
		p, ok := s.providers.Streaming[sess.Provider]
		if !ok {
			return fmt.Errorf("transcribe: unknown streaming provider %q", sess.Provider)
		}
		run = NewStreamWorker(s.log, s.meta, p, sessionID, clientID,
			WithStreamLanguage(s.language),
			WithStreamMetrics(s.metrics),
		).Run
	case sessionmeta.ModeBatch:
		p, ok := s.providers.Batch[sess.Provider]
		if !ok {
			return fmt.Errorf("transcribe: unknown batch provider %q", sess.Provider)
		}
		run = NewBatchWorker(s.log, s.meta, p, sessionID, clientID,
			WithBatchMetrics(s.metrics),
		).Run
	default:
		return fmt.Errorf("transcribe: session %s has unknown mode %q", sessionID, sess.Mode)
	}

	s.mu.Lock()
	s.running[clientID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := run(ctx)
		s.mu.Lock()
		delete(s.running, clientID)
		if err == nil {
			// Clean END: do not re-attach to this stream.
			s.finished[clientID] = struct{}{}
		}
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("transcription worker failed", "client_id", clientID, "session_id", sessionID, "err", err)
		}
	}()
	return nil
}
