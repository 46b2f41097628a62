// Package aggregate merges a session's transcript result stream into
// consumable views.
//
// The aggregator is stateless: every call re-reads the result stream, so its
// output is a pure function of the stream contents. On the streaming path
// the external ASR may emit several "final" results for the same span as it
// tightens; the supersession rule is that the last chunk per exact chunk id
// wins and the combined view concatenates the surviving chunks in chunk id
// order. On the batch path chunk ids are disjoint, so the same rule reduces
// to ordered concatenation.
package aggregate

import (
	"context"
	"sort"
	"strings"

	"github.com/openwear/earstream/internal/audiolog"
	"github.com/openwear/earstream/pkg/provider/asr"
)

// Combined is the merged view of a session's transcript so far. Word and
// segment timestamps are session-relative seconds, monotonic non-decreasing
// across chunks; segment boundaries are never merged across chunks.
type Combined struct {
	Text       string
	Words      []asr.Word
	Segments   []asr.Segment
	Provider   string
	ChunkCount int
}

// WordCount returns the number of words in the combined view.
func (c Combined) WordCount() int { return len(c.Words) }

// Duration returns the end time of the last word in seconds, which is the
// span of transcribed speech.
func (c Combined) Duration() float64 {
	if len(c.Words) == 0 {
		return 0
	}
	return c.Words[len(c.Words)-1].End
}

// MeanConfidence returns the mean word confidence, or 0 with no words.
func (c Combined) MeanConfidence() float64 {
	if len(c.Words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range c.Words {
		sum += w.Confidence
	}
	return sum / float64(len(c.Words))
}

// SpeakerLabels returns the distinct non-empty speaker labels across all
// segments, in first-appearance order.
func (c Combined) SpeakerLabels() []string {
	var labels []string
	seen := make(map[string]struct{})
	for _, s := range c.Segments {
		if s.Speaker == "" {
			continue
		}
		if _, ok := seen[s.Speaker]; ok {
			continue
		}
		seen[s.Speaker] = struct{}{}
		labels = append(labels, s.Speaker)
	}
	return labels
}

// Aggregator reads a session's result stream.
type Aggregator struct {
	log *audiolog.Log
}

// New creates an Aggregator over the given log.
func New(log *audiolog.Log) *Aggregator {
	return &Aggregator{log: log}
}

// Combined returns the merged view of the whole result stream. Identical
// stream contents always produce an identical Combined value.
func (a *Aggregator) Combined(ctx context.Context, sessionID string) (Combined, error) {
	stored, _, err := a.log.ReadResults(ctx, sessionID, audiolog.ZeroCursor)
	if err != nil {
		return Combined{}, err
	}

	// Last chunk per chunk id wins; stream order is write order, so a later
	// occurrence in the slice supersedes an earlier one.
	latest := make(map[audiolog.EntryID]audiolog.TranscriptChunk, len(stored))
	for _, s := range stored {
		latest[s.Chunk.ChunkID] = s.Chunk
	}
	ids := make([]audiolog.EntryID, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var (
		c     Combined
		parts []string
	)
	for _, id := range ids {
		chunk := latest[id]
		parts = append(parts, chunk.Text)
		c.Words = append(c.Words, chunk.Words...)
		c.Segments = append(c.Segments, chunk.Segments...)
		c.Provider = chunk.Provider
	}
	c.ChunkCount = len(ids)
	// Collapse consecutive whitespace across chunk boundaries.
	c.Text = strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	return c, nil
}

// Incremental returns the chunks after cursor in stream order along with the
// next cursor. A cursor of audiolog.ZeroCursor yields everything.
func (a *Aggregator) Incremental(ctx context.Context, sessionID string, cursor audiolog.EntryID) ([]audiolog.TranscriptChunk, audiolog.EntryID, error) {
	stored, next, err := a.log.ReadResults(ctx, sessionID, cursor)
	if err != nil {
		return nil, cursor, err
	}
	chunks := make([]audiolog.TranscriptChunk, len(stored))
	for i, s := range stored {
		chunks[i] = s.Chunk
	}
	return chunks, next, nil
}

// Raw returns every chunk in stream order, without supersession.
func (a *Aggregator) Raw(ctx context.Context, sessionID string) ([]audiolog.TranscriptChunk, error) {
	chunks, _, err := a.Incremental(ctx, sessionID, audiolog.ZeroCursor)
	return chunks, err
}
