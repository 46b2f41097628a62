package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/openwear/earstream/internal/convstore"
	llmmock "github.com/openwear/earstream/pkg/provider/llm/mock"
	embedmock "github.com/openwear/earstream/pkg/provider/embeddings/mock"
	memorymock "github.com/openwear/earstream/pkg/memory/mock"
)

// startConversation seeds an open conversation with its pointer set, the way
// the detector leaves it.
func startConversation(t *testing.T, h *testHarness, convID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if err := h.convs.Create(ctx, convstore.Conversation{
		ID: convID, SessionID: sessionID, UserID: "user-1", ClientID: "client-1",
	}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := h.meta.SetCurrentConversation(ctx, sessionID, convID); err != nil {
		t.Fatalf("set pointer: %v", err)
	}
}

func TestConversationFinalizesOnInactivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, "sess-1", "user-1", "client-1")
	h.appendSpeech(t, "sess-1")
	startConversation(t, h, "conv-1", "sess-1")

	// The persistence consumer has already closed and bound the WAV.
	if err := h.meta.BindAudioFile(ctx, "conv-1", "/audio/1_client-1_conv-1.wav"); err != nil {
		t.Fatalf("bind audio: %v", err)
	}

	pool := NewPool(context.Background(), 4)
	defer pool.Close()
	deps := h.deps(t, pool)
	llm := &llmmock.Provider{Responses: []string{
		`["Enjoys long tests"]`,
		`{"title": "Test chat", "summary": "Short.", "detailed_summary": "Longer."}`,
	}}
	deps.LLM = llm
	deps.Embedder = &embedmock.Provider{}
	facts := &memorymock.Store{}
	deps.Facts = facts

	j := NewConversationJob(deps, "conv-1", "sess-1", "user-1", "client-1")
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	conv := h.convs.snapshot(t, "conv-1")
	if conv.Status != convstore.StatusClosed {
		t.Errorf("status = %q, want closed", conv.Status)
	}
	if conv.EndReason != convstore.EndInactivityTimeout {
		t.Errorf("end_reason = %q, want inactivity_timeout", conv.EndReason)
	}
	if conv.Deleted {
		t.Error("conversation should not be deleted")
	}
	if conv.AudioPath != "/audio/1_client-1_conv-1.wav" {
		t.Errorf("audio_path = %q", conv.AudioPath)
	}
	v, ok := conv.Versions["v1"]
	if !ok {
		t.Fatal("missing transcript version v1")
	}
	if len(v.Words) != 12 {
		t.Errorf("v1 words = %d, want 12", len(v.Words))
	}
	if conv.ActiveVersion != "v1" {
		t.Errorf("active version = %q", conv.ActiveVersion)
	}

	// The pointer is released and the result stream deleted.
	ptr, err := h.meta.CurrentConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CurrentConversation: %v", err)
	}
	if ptr != "" {
		t.Errorf("pointer = %q, want cleared", ptr)
	}
	stored, _, err := h.log.ReadResults(ctx, "sess-1", "0-0")
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("result stream has %d chunks after cleanup", len(stored))
	}

	sess, err := h.meta.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if sess.Conversations != 1 {
		t.Errorf("conversation counter = %d, want 1", sess.Conversations)
	}

	// Post-processing ran: title written and facts extracted.
	waitFor(t, time.Second, func() bool {
		return h.convs.snapshot(t, "conv-1").Title == "Test chat"
	})
	waitFor(t, time.Second, func() bool { return facts.CallCount("Upsert") == 1 })
}

func TestConversationStopSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, "sess-2", "user-1", "client-1")
	h.appendSpeech(t, "sess-2")
	startConversation(t, h, "conv-2", "sess-2")
	if err := h.meta.BindAudioFile(ctx, "conv-2", "/audio/a.wav"); err != nil {
		t.Fatalf("bind audio: %v", err)
	}
	if err := h.meta.RequestStop(ctx, "sess-2"); err != nil {
		t.Fatalf("request stop: %v", err)
	}

	pool := NewPool(context.Background(), 2)
	defer pool.Close()

	j := NewConversationJob(h.deps(t, pool), "conv-2", "sess-2", "user-1", "client-1")
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv := h.convs.snapshot(t, "conv-2")
	if conv.EndReason != convstore.EndUserStopped {
		t.Errorf("end_reason = %q, want user_stopped", conv.EndReason)
	}
}

func TestConversationTransportDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, "sess-3", "user-1", "client-1")
	h.appendSpeech(t, "sess-3")
	startConversation(t, h, "conv-3", "sess-3")
	if err := h.meta.BindAudioFile(ctx, "conv-3", "/audio/b.wav"); err != nil {
		t.Fatalf("bind audio: %v", err)
	}
	if err := h.meta.SetTransportDisconnected(ctx, "sess-3"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	pool := NewPool(context.Background(), 2)
	defer pool.Close()

	j := NewConversationJob(h.deps(t, pool), "conv-3", "sess-3", "user-1", "client-1")
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv := h.convs.snapshot(t, "conv-3")
	if conv.EndReason != convstore.EndTransportDisconnect {
		t.Errorf("end_reason = %q, want transport_disconnect", conv.EndReason)
	}
	if conv.AudioPath == "" {
		t.Error("audio path missing after disconnect finalize")
	}
}

func TestConversationNoMeaningfulSpeech(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, "sess-4", "user-1", "client-1")
	// No results at all: the finalize re-check fails.
	startConversation(t, h, "conv-4", "sess-4")
	if err := h.meta.RequestStop(ctx, "sess-4"); err != nil {
		t.Fatalf("request stop: %v", err)
	}

	pool := NewPool(context.Background(), 2)
	defer pool.Close()
	deps := h.deps(t, pool)
	llm := &llmmock.Provider{}
	deps.LLM = llm

	j := NewConversationJob(deps, "conv-4", "sess-4", "user-1", "client-1")
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv := h.convs.snapshot(t, "conv-4")
	if !conv.Deleted {
		t.Error("conversation should be deleted")
	}
	if conv.EndReason != convstore.EndNoMeaningfulSpeech {
		t.Errorf("end_reason = %q, want no_meaningful_speech", conv.EndReason)
	}
	if conv.AudioPath != "" {
		t.Errorf("deleted conversation has audio_path %q", conv.AudioPath)
	}
	// No post-processing for discarded conversations.
	time.Sleep(50 * time.Millisecond)
	if n := len(llm.Calls()); n != 0 {
		t.Errorf("llm called %d times for deleted conversation", n)
	}
}

func TestConversationAudioFileNotReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, "sess-5", "user-1", "client-1")
	h.appendSpeech(t, "sess-5")
	startConversation(t, h, "conv-5", "sess-5")
	if err := h.meta.RequestStop(ctx, "sess-5"); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	// No BindAudioFile: the bounded wait must give up.

	pool := NewPool(context.Background(), 2)
	defer pool.Close()

	j := NewConversationJob(h.deps(t, pool), "conv-5", "sess-5", "user-1", "client-1")
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv := h.convs.snapshot(t, "conv-5")
	if !conv.Deleted || conv.EndReason != convstore.EndAudioFileNotReady {
		t.Errorf("conversation = deleted:%v reason:%q, want deleted audio_file_not_ready", conv.Deleted, conv.EndReason)
	}
}

func TestConversationReenqueuesDetector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initSession(t, "sess-6", "user-1", "client-1")
	h.appendSpeech(t, "sess-6")
	startConversation(t, h, "conv-6", "sess-6")
	if err := h.meta.BindAudioFile(ctx, "conv-6", "/audio/c.wav"); err != nil {
		t.Fatalf("bind audio: %v", err)
	}
	if err := h.meta.RequestStop(ctx, "sess-6"); err != nil {
		t.Fatalf("request stop: %v", err)
	}

	pool := NewPool(context.Background(), 4)
	defer pool.Close()

	j := NewConversationJob(h.deps(t, pool), "conv-6", "sess-6", "user-1", "client-1")
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The session stayed active, so a fresh detector is running; feeding it
	// new speech opens a second conversation.
	h.appendSpeech(t, "sess-6")
	waitFor(t, 5*time.Second, func() bool {
		h.convs.mu.Lock()
		defer h.convs.mu.Unlock()
		return len(h.convs.convs) == 2
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
