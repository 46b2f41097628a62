package audiolog

import (
	"context"
	"testing"
	"time"

	"github.com/openwear/earstream/pkg/provider/asr"
)

func chunk(sessionID, text string) TranscriptChunk {
	return TranscriptChunk{
		ChunkID:   "1-0",
		SessionID: sessionID,
		Provider:  "deepgram",
		Transcript: asr.Transcript{
			Text:       text,
			Confidence: 0.9,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestResultsRoundTrip(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := l.AppendResult(ctx, "sess-1", chunk("sess-1", "hello")); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}
	if _, err := l.AppendResult(ctx, "sess-1", chunk("sess-1", "world")); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}

	chunks, cursor, err := l.ReadResults(ctx, "sess-1", ZeroCursor)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Chunk.Text != "hello" || chunks[1].Chunk.Text != "world" {
		t.Errorf("texts = %q, %q; want hello, world", chunks[0].Chunk.Text, chunks[1].Chunk.Text)
	}
	if chunks[0].Chunk.Provider != "deepgram" || chunks[0].Chunk.Confidence != 0.9 {
		t.Errorf("chunk fields lost in round trip: %+v", chunks[0].Chunk)
	}

	// Cursor resumes after the last delivered chunk.
	more, _, err := l.ReadResults(ctx, "sess-1", cursor)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(more) != 0 {
		t.Errorf("resumed read = %d chunks, want 0", len(more))
	}
	if _, err := l.AppendResult(ctx, "sess-1", chunk("sess-1", "again")); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}
	more, _, err = l.ReadResults(ctx, "sess-1", cursor)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(more) != 1 || more[0].Chunk.Text != "again" {
		t.Errorf("resumed read = %+v, want the new chunk only", more)
	}
}

func TestReadResultsEmptyStream(t *testing.T) {
	l, _ := newTestLog(t)

	chunks, cursor, err := l.ReadResults(context.Background(), "nope", ZeroCursor)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks = %d, want 0", len(chunks))
	}
	if cursor != ZeroCursor {
		t.Errorf("cursor = %s, want unchanged", cursor)
	}
}

func TestDeleteResults(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := l.AppendResult(ctx, "sess-1", chunk("sess-1", "hello")); err != nil {
		t.Fatalf("AppendResult: %v", err)
	}
	if err := l.DeleteResults(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteResults: %v", err)
	}
	chunks, _, err := l.ReadResults(ctx, "sess-1", ZeroCursor)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks after delete = %d, want 0", len(chunks))
	}
}

func TestInterimPubSub(t *testing.T) {
	l, _ := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, err := l.SubscribeInterim(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SubscribeInterim: %v", err)
	}

	want := chunk("sess-1", "interim text")
	if err := l.PublishInterim(ctx, "sess-1", want); err != nil {
		t.Fatalf("PublishInterim: %v", err)
	}

	select {
	case got := <-updates:
		if got.Text != "interim text" || got.SessionID != "sess-1" {
			t.Errorf("received %+v, want the published chunk", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for interim update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Error("channel delivered after cancel, want close")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after cancel")
	}
}
