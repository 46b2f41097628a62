package sessionmeta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func baseSession() Session {
	return Session{
		ID:           "sess-1",
		UserID:       "user-1",
		ClientID:     "client-1",
		ConnectionID: "conn-1",
		Provider:     "deepgram",
		Mode:         ModeStreaming,
	}
}

func TestInitAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Init(ctx, baseSession()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-1" || got.ClientID != "client-1" || got.Provider != "deepgram" {
		t.Errorf("Get = %+v, want the initialised fields", got)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.Mode != ModeStreaming {
		t.Errorf("mode = %q, want streaming", got.Mode)
	}
	if got.Frames != 0 || got.Conversations != 0 {
		t.Errorf("counters = %d/%d, want zeroed", got.Frames, got.Conversations)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInitConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Init(ctx, baseSession()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Run("same user while active is idempotent", func(t *testing.T) {
		if err := s.Init(ctx, baseSession()); err != nil {
			t.Errorf("re-init = %v, want nil", err)
		}
	})

	t.Run("different user conflicts", func(t *testing.T) {
		sess := baseSession()
		sess.UserID = "intruder"
		if err := s.Init(ctx, sess); !errors.Is(err, ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("past active conflicts even for the owner", func(t *testing.T) {
		if err := s.SetStatus(ctx, "sess-1", StatusFinalizing); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		if err := s.Init(ctx, baseSession()); !errors.Is(err, ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})
}

func TestCountersAndFlags(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Init(ctx, baseSession()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := s.AddFrames(ctx, "sess-1", 3); err != nil {
		t.Fatalf("AddFrames: %v", err)
	}
	if err := s.AddFrames(ctx, "sess-1", 2); err != nil {
		t.Fatalf("AddFrames: %v", err)
	}
	if n, err := s.IncrConversations(ctx, "sess-1"); err != nil || n != 1 {
		t.Errorf("IncrConversations = %d, %v; want 1, nil", n, err)
	}
	if err := s.SetTranscriptionError(ctx, "sess-1", "provider down"); err != nil {
		t.Fatalf("SetTranscriptionError: %v", err)
	}
	if err := s.SetTransportDisconnected(ctx, "sess-1"); err != nil {
		t.Fatalf("SetTransportDisconnected: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Frames != 5 {
		t.Errorf("frames = %d, want 5", got.Frames)
	}
	if got.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", got.Conversations)
	}
	if got.TranscriptionError != "provider down" {
		t.Errorf("transcription_error = %q", got.TranscriptionError)
	}
	if !got.TransportDisconnected {
		t.Error("transport_disconnected not set")
	}

	if err := s.ClearTranscriptionError(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearTranscriptionError: %v", err)
	}
	got, _ = s.Get(ctx, "sess-1")
	if got.TranscriptionError != "" {
		t.Errorf("transcription_error = %q after clear, want empty", got.TranscriptionError)
	}
}

func TestConsumeStop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Init(ctx, baseSession()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// No stop requested yet.
	if got, err := s.ConsumeStop(ctx, "sess-1"); err != nil || got {
		t.Errorf("ConsumeStop = %v, %v; want false, nil", got, err)
	}

	if err := s.RequestStop(ctx, "sess-1"); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if got, err := s.ConsumeStop(ctx, "sess-1"); err != nil || !got {
		t.Errorf("ConsumeStop = %v, %v; want true, nil", got, err)
	}
	// The flag is consumed, not sticky.
	if got, _ := s.ConsumeStop(ctx, "sess-1"); got {
		t.Error("second ConsumeStop = true, want false")
	}
}

func TestCompleteExpiresMetadata(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.Init(ctx, baseSession()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := s.Complete(ctx, "sess-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusComplete {
		t.Errorf("status = %q, want complete", got.Status)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err after TTL = %v, want ErrNotFound", err)
	}
}

func TestCurrentConversationPointer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Absent pointer reads as empty, not an error.
	if got, err := s.CurrentConversation(ctx, "sess-1"); err != nil || got != "" {
		t.Errorf("CurrentConversation = %q, %v; want empty, nil", got, err)
	}

	if err := s.SetCurrentConversation(ctx, "sess-1", "conv-1"); err != nil {
		t.Fatalf("SetCurrentConversation: %v", err)
	}
	if got, _ := s.CurrentConversation(ctx, "sess-1"); got != "conv-1" {
		t.Errorf("CurrentConversation = %q, want conv-1", got)
	}
	if err := s.RefreshCurrentConversation(ctx, "sess-1"); err != nil {
		t.Fatalf("RefreshCurrentConversation: %v", err)
	}
	if err := s.ClearCurrentConversation(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearCurrentConversation: %v", err)
	}
	if got, _ := s.CurrentConversation(ctx, "sess-1"); got != "" {
		t.Errorf("CurrentConversation = %q after clear, want empty", got)
	}
}

func TestClientAndAudioBindings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if got, err := s.SessionForClient(ctx, "client-1"); err != nil || got != "" {
		t.Errorf("SessionForClient = %q, %v; want empty, nil", got, err)
	}
	if err := s.BindClientSession(ctx, "client-1", "sess-1"); err != nil {
		t.Fatalf("BindClientSession: %v", err)
	}
	if got, _ := s.SessionForClient(ctx, "client-1"); got != "sess-1" {
		t.Errorf("SessionForClient = %q, want sess-1", got)
	}

	if got, err := s.AudioFile(ctx, "conv-1"); err != nil || got != "" {
		t.Errorf("AudioFile = %q, %v; want empty, nil", got, err)
	}
	if err := s.BindAudioFile(ctx, "conv-1", "/audio/conv-1.wav"); err != nil {
		t.Fatalf("BindAudioFile: %v", err)
	}
	if got, _ := s.AudioFile(ctx, "conv-1"); got != "/audio/conv-1.wav" {
		t.Errorf("AudioFile = %q, want the bound path", got)
	}
}
