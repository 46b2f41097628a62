package persist

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
)

// defaultScanInterval is how often the manager looks for new audio streams.
const defaultScanInterval = 2 * time.Second

// Manager discovers audio streams and runs one persistence Worker per
// session. It repairs damaged WAV headers in the output directory before
// attaching to anything, so a crashed predecessor's files are valid by the
// time their conversations are served.
type Manager struct {
	log     *audiolog.Log
	meta    *sessionmeta.Store
	metrics *observe.Metrics

	dir      string
	interval time.Duration

	mu       sync.Mutex
	running  map[string]struct{}
	finished map[string]struct{}
	wg       sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerScanInterval overrides the discovery period.
func WithManagerScanInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithManagerMetrics sets the metrics instance shared with spawned workers.
func WithManagerMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// NewManager creates a Manager writing WAV files into dir.
func NewManager(log *audiolog.Log, meta *sessionmeta.Store, dir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      log,
		meta:     meta,
		dir:      dir,
		interval: defaultScanInterval,
		running:  make(map[string]struct{}),
		finished: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Run repairs leftover headers, then scans until ctx is cancelled and waits
// for all workers to stop.
func (m *Manager) Run(ctx context.Context) error {
	if err := RecoverHeaders(m.dir); err != nil {
		slog.Warn("wav header recovery failed", "dir", m.dir, "err", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	for {
		m.scan(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) scan(ctx context.Context) {
	clients, err := m.log.DiscoverAudioStreams(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("stream discovery failed", "err", err)
		}
		return
	}
	for _, clientID := range clients {
		m.mu.Lock()
		_, active := m.running[clientID]
		_, done := m.finished[clientID]
		m.mu.Unlock()
		if active || done {
			continue
		}
		if err := m.spawn(ctx, clientID); err != nil {
			slog.Warn("persistence worker spawn failed", "client_id", clientID, "err", err)
		}
	}
}

func (m *Manager) spawn(ctx context.Context, clientID string) error {
	sessionID, err := m.meta.SessionForClient(ctx, clientID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("persist: no session bound for client %s", clientID)
	}

	m.mu.Lock()
	m.running[clientID] = struct{}{}
	m.mu.Unlock()

	worker := NewWorker(m.log, m.meta, sessionID, clientID, m.dir, WithMetrics(m.metrics))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := worker.Run(ctx)
		m.mu.Lock()
		delete(m.running, clientID)
		if err == nil {
			m.finished[clientID] = struct{}{}
		}
		m.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("persistence worker failed", "client_id", clientID, "session_id", sessionID, "err", err)
		}
	}()
	return nil
}
