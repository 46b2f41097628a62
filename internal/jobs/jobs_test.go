package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openwear/earstream/internal/aggregate"
	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/sessionmeta"
	"github.com/openwear/earstream/pkg/provider/asr"
)

// fakeConvStore is an in-memory ConversationStore for job tests.
type fakeConvStore struct {
	mu    sync.Mutex
	convs map[string]*convstore.Conversation
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: make(map[string]*convstore.Conversation)}
}

func (f *fakeConvStore) get(id string) (*convstore.Conversation, error) {
	if c, ok := f.convs[id]; ok {
		return c, nil
	}
	return nil, convstore.ErrNotFound
}

func (f *fakeConvStore) Create(_ context.Context, c convstore.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Status == "" {
		c.Status = convstore.StatusOpen
	}
	if c.Versions == nil {
		c.Versions = make(map[string]convstore.TranscriptVersion)
	}
	if c.JobErrors == nil {
		c.JobErrors = make(map[string]string)
	}
	f.convs[c.ID] = &c
	return nil
}

func (f *fakeConvStore) Get(_ context.Context, id string) (*convstore.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvStore) SetStatus(_ context.Context, id string, status convstore.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Status = status
	return nil
}

func (f *fakeConvStore) SetAudioPath(_ context.Context, id, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.AudioPath = path
	return nil
}

func (f *fakeConvStore) SetTranscriptVersion(_ context.Context, id, version string, v convstore.TranscriptVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if c.Versions == nil {
		c.Versions = make(map[string]convstore.TranscriptVersion)
	}
	c.Versions[version] = v
	c.ActiveVersion = version
	return nil
}

func (f *fakeConvStore) SetSegments(_ context.Context, id, version string, segments []asr.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	v, ok := c.Versions[version]
	if !ok {
		return fmt.Errorf("no version %s", version)
	}
	v.Segments = segments
	c.Versions[version] = v
	return nil
}

func (f *fakeConvStore) SetTitleSummary(_ context.Context, id, title, summary, detailed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Title, c.Summary, c.DetailedSummary = title, summary, detailed
	return nil
}

func (f *fakeConvStore) Finalize(_ context.Context, id, endReason string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Status = convstore.StatusClosed
	c.EndReason = endReason
	c.CompletedAt = &completedAt
	return nil
}

func (f *fakeConvStore) MarkDeleted(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	now := time.Now()
	c.Status = convstore.StatusClosed
	c.Deleted = true
	c.EndReason = reason
	c.CompletedAt = &now
	return nil
}

func (f *fakeConvStore) SetJobError(_ context.Context, id, job, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if c.JobErrors == nil {
		c.JobErrors = make(map[string]string)
	}
	c.JobErrors[job] = msg
	return nil
}

// snapshot returns a copy of the stored conversation for assertions.
func (f *fakeConvStore) snapshot(t *testing.T, id string) convstore.Conversation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		t.Fatalf("conversation %s missing: %v", id, err)
	}
	return *c
}

// testHarness bundles the Redis-backed components every job test needs.
type testHarness struct {
	rdb   *redis.Client
	log   *audiolog.Log
	meta  *sessionmeta.Store
	agg   *aggregate.Aggregator
	convs *fakeConvStore
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := audiolog.New(rdb)
	return &testHarness{
		rdb:   rdb,
		log:   log,
		meta:  sessionmeta.New(rdb),
		agg:   aggregate.New(log),
		convs: newFakeConvStore(),
	}
}

// initSession registers an active streaming session.
func (h *testHarness) initSession(t *testing.T, sessionID, userID, clientID string) {
	t.Helper()
	err := h.meta.Init(context.Background(), sessionmeta.Session{
		ID:       sessionID,
		UserID:   userID,
		ClientID: clientID,
		Provider: "deepgram",
		Mode:     sessionmeta.ModeStreaming,
	})
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
}

// appendSpeech seeds the result stream with a chunk that passes the default
// speech predicate (12 words over 6 seconds at 0.9 confidence).
func (h *testHarness) appendSpeech(t *testing.T, sessionID string) {
	t.Helper()
	words := make([]asr.Word, 12)
	for i := range words {
		words[i] = asr.Word{
			Word:       fmt.Sprintf("word%d", i),
			Start:      float64(i) * 0.5,
			End:        float64(i)*0.5 + 0.4,
			Confidence: 0.9,
		}
	}
	chunk := audiolog.TranscriptChunk{
		ChunkID:   "1-1",
		SessionID: sessionID,
		Provider:  "deepgram",
		Transcript: asr.Transcript{
			Text:    "a dozen words of clear speech spanning about six seconds total here",
			IsFinal: true,
			Words:   words,
			Segments: []asr.Segment{
				{Speaker: "SPEAKER_0", Start: 0, End: 6, Text: "a dozen words of clear speech spanning about six seconds total here"},
			},
		},
		CreatedAt: time.Now(),
	}
	if _, err := h.log.AppendResult(context.Background(), sessionID, chunk); err != nil {
		t.Fatalf("append result: %v", err)
	}
}

// deps builds a Deps wired to the harness with fast test tunables.
func (h *testHarness) deps(t *testing.T, pool *Pool) Deps {
	t.Helper()
	return Deps{
		Log:           h.log,
		Meta:          h.meta,
		Agg:           h.agg,
		Conversations: h.convs,
		Pool:          pool,
		Detector: DetectorConfig{
			Tick: 10 * time.Millisecond,
		},
		Conversation: ConversationConfig{
			Tick:       10 * time.Millisecond,
			Inactivity: 200 * time.Millisecond,
			BindWait:   300 * time.Millisecond,
			BindPoll:   10 * time.Millisecond,
		},
	}
}
