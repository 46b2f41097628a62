package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openwear/earstream/internal/sessionmeta"
)

// defaultScanInterval is how often the scanner looks for sessions that need
// a lifecycle job attached.
const defaultScanInterval = 2 * time.Second

// Scanner discovers sessions through their audio streams and attaches one
// lifecycle chain per session: a speech detector for fresh sessions, or a
// conversation monitor when a current-conversation pointer survives from a
// crashed predecessor. From there the chain sustains itself — the detector
// hands off to the conversation job, which re-enqueues a detector while the
// session stays live — so each session is attached at most once per scanner
// lifetime.
type Scanner struct {
	deps     Deps
	interval time.Duration

	mu       sync.Mutex
	attached map[string]struct{}
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScanInterval overrides the discovery period.
func WithScanInterval(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.interval = d }
}

// UpdateTunables swaps the detector and conversation settings used for jobs
// attached from now on. Chains already running keep the settings they were
// created with.
func (s *Scanner) UpdateTunables(det DetectorConfig, conv ConversationConfig) {
	s.mu.Lock()
	s.deps.Detector = det
	s.deps.Conversation = conv
	s.mu.Unlock()
}

// NewScanner creates a Scanner submitting lifecycle jobs to deps.Pool.
func NewScanner(deps Deps, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		deps:     deps,
		interval: defaultScanInterval,
		attached: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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
	clients, err := s.deps.Log.DiscoverAudioStreams(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stream discovery failed", "err", err)
		}
		return
	}
	for _, clientID := range clients {
		if err := s.attach(ctx, clientID); err != nil && ctx.Err() == nil {
			slog.Warn("lifecycle attach failed", "client_id", clientID, "err", err)
		}
	}
}

// attach resolves the stream's session and submits the appropriate lifecycle
// job unless the session already has one.
func (s *Scanner) attach(ctx context.Context, clientID string) error {
	sessionID, err := s.deps.Meta.SessionForClient(ctx, clientID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("jobs: no session bound for client %s", clientID)
	}

	s.mu.Lock()
	_, seen := s.attached[sessionID]
	deps := s.deps
	s.mu.Unlock()
	if seen {
		return nil
	}

	sess, err := deps.Meta.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// A surviving pointer means a predecessor crashed mid-conversation; the
	// monitor reconciles from the stored document status.
	convID, err := deps.Meta.CurrentConversation(ctx, sessionID)
	if err != nil {
		return err
	}

	var job Job
	switch {
	case convID != "":
		job = NewConversationJob(deps, convID, sessionID, sess.UserID, sess.ClientID)
	case sess.Status == sessionmeta.StatusComplete || sess.TransportDisconnected:
		// Nothing to monitor and nothing will arrive. Remember the session
		// so the scan loop stops resolving it.
		s.mu.Lock()
		s.attached[sessionID] = struct{}{}
		s.mu.Unlock()
		return nil
	default:
		job = NewSpeechDetector(deps, sessionID, sess.UserID, sess.ClientID)
	}

	s.mu.Lock()
	s.attached[sessionID] = struct{}{}
	s.mu.Unlock()

	if err := deps.Pool.Submit(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.attached, sessionID)
		s.mu.Unlock()
		if errors.Is(err, ErrPoolClosed) {
			return err
		}
		return fmt.Errorf("jobs: submit %s for session %s: %w", job.Name(), sessionID, err)
	}
	slog.Info("lifecycle job attached", "session_id", sessionID, "job", job.Name())
	return nil
}
