package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/pkg/audio"
	"github.com/openwear/earstream/pkg/provider/asr"
	asrmock "github.com/openwear/earstream/pkg/provider/asr/mock"
)

// writeConversationWAV stores a small mono WAV and returns its path.
func writeConversationWAV(t *testing.T, pcm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conv-1.wav")
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, audio.SampleRate, 1), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

// seedClosedConversation stores a closed conversation with a bound WAV and a
// live transcript version.
func seedClosedConversation(t *testing.T, h *testHarness, pcm []byte) {
	t.Helper()
	ctx := context.Background()
	err := h.convs.Create(ctx, convstore.Conversation{
		ID:        "conv-1",
		SessionID: "sess-1",
		UserID:    "user-1",
		ClientID:  "client-1",
		Status:    convstore.StatusClosed,
		AudioPath: writeConversationWAV(t, pcm),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = h.convs.SetTranscriptVersion(ctx, "conv-1", "v1", convstore.TranscriptVersion{Text: "live transcript"})
	if err != nil {
		t.Fatalf("set version: %v", err)
	}
}

func TestTranscribeFullAudioWritesNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pcm := make([]byte, audio.FrameBytes)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	seedClosedConversation(t, h, pcm)

	bp := &asrmock.BatchProvider{Results: []asr.Transcript{
		{Text: "offline transcript", IsFinal: true, Words: []asr.Word{
			{Word: "offline", Start: 0.1, End: 0.3, Confidence: 0.95},
		}},
	}}

	pool := NewPool(context.Background(), 2)
	defer pool.Close()
	deps := h.deps(t, pool)
	done := make(chan struct{})
	deps.OnConversationComplete = func(ctx context.Context, conv *convstore.Conversation) error {
		close(done)
		return nil
	}

	job := NewTranscribeFullAudio(deps, bp, "conv-1", "user-1")
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := bp.Calls()
	if len(calls) != 1 || calls[0].SampleRate != audio.SampleRate {
		t.Fatalf("transcribe calls = %d, want one at pipeline rate", len(calls))
	}
	if len(calls[0].PCM) != len(pcm) {
		t.Errorf("submitted pcm = %d bytes, want %d", len(calls[0].PCM), len(pcm))
	}

	conv := h.convs.snapshot(t, "conv-1")
	v2, ok := conv.Versions["v2"]
	if !ok {
		t.Fatalf("versions = %d, want v2 added", len(conv.Versions))
	}
	if v2.Text != "offline transcript" || v2.Provider != bp.Name() {
		t.Errorf("v2 = %q from %q, want the batch result", v2.Text, v2.Provider)
	}
	if conv.ActiveVersion != "v2" {
		t.Errorf("active version = %q, want v2", conv.ActiveVersion)
	}
	if conv.Versions["v1"].Text != "live transcript" {
		t.Error("original version overwritten")
	}

	// The post pipeline re-runs over the new version.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("post pipeline never completed")
	}
}

func TestTranscribeFullAudioRequiresAudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.convs.Create(ctx, convstore.Conversation{
		ID: "conv-bare", SessionID: "sess-1", UserID: "user-1",
		Status: convstore.StatusClosed,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	pool := NewPool(context.Background(), 1)
	defer pool.Close()

	job := NewTranscribeFullAudio(h.deps(t, pool), &asrmock.BatchProvider{}, "conv-bare", "user-1")
	if err := job.Run(ctx); err == nil {
		t.Fatal("Run = nil, want error for a conversation without audio")
	}
}

func TestReprocessListenerSubmitsJob(t *testing.T) {
	h := newHarness(t)
	seedClosedConversation(t, h, make([]byte, audio.FrameBytes))

	bp := &asrmock.BatchProvider{Results: []asr.Transcript{
		{Text: "requeued transcript", IsFinal: true},
	}}
	pool := NewPool(context.Background(), 2)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewReprocessListener(h.rdb, h.deps(t, pool), bp)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		n, err := h.rdb.PubSubNumSub(context.Background(), ReprocessChannel).Result()
		return err == nil && n[ReprocessChannel] == 1
	})

	err := PublishReprocess(context.Background(), h.rdb, ReprocessRequest{
		ConversationID: "conv-1",
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatalf("PublishReprocess: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		_, ok := h.convs.snapshot(t, "conv-1").Versions["v2"]
		return ok
	})
	if got := h.convs.snapshot(t, "conv-1").Versions["v2"].Text; got != "requeued transcript" {
		t.Errorf("v2 text = %q, want the requeued result", got)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("listener = %v, want canceled", err)
	}
}

func TestPublishReprocessValidates(t *testing.T) {
	h := newHarness(t)
	if err := PublishReprocess(context.Background(), h.rdb, ReprocessRequest{UserID: "user-1"}); err == nil {
		t.Error("publish without conversation id = nil, want error")
	}
	if err := PublishReprocess(context.Background(), h.rdb, ReprocessRequest{ConversationID: "conv-1"}); err == nil {
		t.Error("publish without user id = nil, want error")
	}
}
