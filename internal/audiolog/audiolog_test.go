package audiolog

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts...), mr
}

func TestAppendAndReadGroup(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	frame := bytes.Repeat([]byte{0x01}, 16)
	id1, err := l.Append(ctx, "client-1", 7, frame)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	id2, err := l.AppendEnd(ctx, "client-1")
	if err != nil {
		t.Fatalf("AppendEnd: %v", err)
	}
	if !id1.Less(id2) {
		t.Errorf("ids not monotonic: %s then %s", id1, id2)
	}

	entries, err := l.ReadGroup(ctx, AudioStream("client-1"), "transcription", "w-1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Kind != KindPCM || !bytes.Equal(entries[0].Data, frame) {
		t.Errorf("first entry = %q/%d bytes, want pcm frame", entries[0].Kind, len(entries[0].Data))
	}
	if entries[0].Seq != 7 {
		t.Errorf("frame seq = %d, want the producer-assigned 7", entries[0].Seq)
	}
	if !entries[1].IsEnd() {
		t.Errorf("second entry kind = %q, want end sentinel", entries[1].Kind)
	}
}

func TestReadGroupDeliversOncePerGroup(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, "client-1", 0, []byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	stream := AudioStream("client-1")

	first, err := l.ReadGroup(ctx, stream, "transcription", "w-1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first read = %d entries, want 1", len(first))
	}

	// Same group, other consumer: the entry is pending on w-1, not delivered.
	second, err := l.ReadGroup(ctx, stream, "transcription", "w-2", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second consumer got %d entries, want 0", len(second))
	}

	// Independent group sees the full stream.
	other, err := l.ReadGroup(ctx, stream, "persistence", "p-1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("persistence group got %d entries, want 1", len(other))
	}
}

func TestAckAndClaimIdle(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	id1, _ := l.Append(ctx, "client-1", 0, []byte("a"))
	id2, _ := l.Append(ctx, "client-1", 1, []byte("b"))
	stream := AudioStream("client-1")

	entries, err := l.ReadGroup(ctx, stream, "g", "crashed", 10, 0)
	if err != nil || len(entries) != 2 {
		t.Fatalf("ReadGroup = %d entries, err %v", len(entries), err)
	}
	if err := l.Ack(ctx, stream, "g", id1); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// The unacked entry is claimable by a successor once idle.
	claimed, err := l.ClaimIdle(ctx, stream, "g", "successor", 0)
	if err != nil {
		t.Fatalf("ClaimIdle: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id2 {
		t.Fatalf("claimed = %+v, want the unacked entry %s", claimed, id2)
	}
	if string(claimed[0].Data) != "b" || claimed[0].Seq != 1 {
		t.Errorf("claimed entry = %q seq %d, want %q seq 1", claimed[0].Data, claimed[0].Seq, "b")
	}
}

func TestAckEmptyIsNoop(t *testing.T) {
	l, _ := newTestLog(t)
	if err := l.Ack(context.Background(), AudioStream("x"), "g"); err != nil {
		t.Errorf("Ack with no ids = %v, want nil", err)
	}
}

func TestTrimToMaxLen(t *testing.T) {
	// miniredis applies MAXLEN exactly even with Approx set.
	l, _ := newTestLog(t, WithMaxLen(5))
	ctx := context.Background()

	for i := range int64(20) {
		if _, err := l.Append(ctx, "client-1", i, []byte("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	n, err := l.Len(ctx, AudioStream("client-1"))
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n > 5 {
		t.Errorf("stream length = %d, want <= 5", n)
	}
}

func TestDiscoverAudioStreams(t *testing.T) {
	l, mr := newTestLog(t)
	ctx := context.Background()

	for _, c := range []string{"client-1", "client-2"} {
		if _, err := l.Append(ctx, c, 0, []byte("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	mr.Set("unrelated.key", "1")

	clients, err := l.DiscoverAudioStreams(ctx)
	if err != nil {
		t.Fatalf("DiscoverAudioStreams: %v", err)
	}
	found := map[string]bool{}
	for _, c := range clients {
		found[c] = true
	}
	if len(found) != 2 || !found["client-1"] || !found["client-2"] {
		t.Errorf("discovered %v, want client-1 and client-2", clients)
	}
}

func TestEntryIDLess(t *testing.T) {
	tests := []struct {
		a, b EntryID
		want bool
	}{
		{"1-0", "1-1", true},
		{"1-1", "1-0", false},
		{"9-5", "10-0", true}, // string compare would invert this
		{"10-0", "9-5", false},
		{"5-2", "5-2", false},
	}
	for _, tc := range tests {
		if got := tc.a.Less(tc.b); got != tc.want {
			t.Errorf("%s.Less(%s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestClientFromStream(t *testing.T) {
	if c, ok := ClientFromStream(AudioStream("dev-7")); !ok || c != "dev-7" {
		t.Errorf("ClientFromStream = %q/%v, want dev-7/true", c, ok)
	}
	if _, ok := ClientFromStream("transcript.results.s"); ok {
		t.Error("non-audio key reported as audio stream")
	}
}

func TestReadGroupBlocksBriefly(t *testing.T) {
	l, _ := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing appended: a non-blocking read returns empty without error.
	entries, err := l.ReadGroup(ctx, AudioStream("quiet"), "g", "c", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}
