package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openwear/earstream/internal/convstore"
	"github.com/openwear/earstream/internal/observe"
	"github.com/openwear/earstream/pkg/memory"
	"github.com/openwear/earstream/pkg/provider/llm"
)

// Post-processing job names, used as the job_errors keys on the document.
const (
	jobRecognizeSpeakers = "recognize_speakers"
	jobExtractMemories   = "extract_memories"
	jobTitleSummary      = "title_summary"
	jobDispatchComplete  = "dispatch_complete"
)

// PostPipeline runs the post-conversation fan-out over one closed
// conversation: speaker recognition first (both other jobs consume the
// labelled segments), then memory extraction and title/summary in parallel,
// then the completion event. A failed step records its error on the
// document and the siblings continue; partial success is observable.
type PostPipeline struct {
	deps Deps

	conversationID string
	userID         string
}

// NewPostPipeline creates the pipeline job for a finalized conversation.
func NewPostPipeline(deps Deps, conversationID, userID string) *PostPipeline {
	return &PostPipeline{deps: deps, conversationID: conversationID, userID: userID}
}

// Name implements [Job].
func (p *PostPipeline) Name() string { return "post-pipeline" }

// Timeout implements [Job].
func (p *PostPipeline) Timeout() time.Duration { return postTimeout }

// Run implements [Job].
func (p *PostPipeline) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "post.pipeline",
		trace.WithAttributes(attribute.String("conversation_id", p.conversationID)))
	defer span.End()

	conv, err := p.deps.Conversations.Get(ctx, p.conversationID)
	if err != nil {
		return fmt.Errorf("post pipeline %s: load: %w", p.conversationID, err)
	}
	if conv.Deleted {
		return nil
	}
	version, ok := conv.ActiveTranscript()
	if !ok {
		return fmt.Errorf("post pipeline %s: no active transcript", p.conversationID)
	}

	if p.deps.Recognizer != nil && conv.AudioPath != "" {
		p.runStep(ctx, jobRecognizeSpeakers, func(ctx context.Context) error {
			labelled, err := p.deps.Recognizer.Recognize(ctx, conv.AudioPath, version.Segments)
			if err != nil {
				return err
			}
			return p.deps.Conversations.SetSegments(ctx, p.conversationID, conv.ActiveVersion, labelled)
		})
		// Reload so the parallel steps see the labelled segments.
		if conv, err = p.deps.Conversations.Get(ctx, p.conversationID); err != nil {
			return fmt.Errorf("post pipeline %s: reload: %w", p.conversationID, err)
		}
		version, _ = conv.ActiveTranscript()
	}

	transcript := renderTranscript(version)

	var g errgroup.Group
	g.Go(func() error {
		p.runStep(ctx, jobExtractMemories, func(ctx context.Context) error {
			return p.extractMemories(ctx, transcript)
		})
		return nil
	})
	g.Go(func() error {
		p.runStep(ctx, jobTitleSummary, func(ctx context.Context) error {
			return p.titleSummary(ctx, transcript)
		})
		return nil
	})
	g.Wait()

	if p.deps.OnConversationComplete != nil {
		p.runStep(ctx, jobDispatchComplete, func(ctx context.Context) error {
			final, err := p.deps.Conversations.Get(ctx, p.conversationID)
			if err != nil {
				return err
			}
			return p.deps.OnConversationComplete(ctx, final)
		})
	}
	return nil
}

// runStep executes one pipeline step with the shared retry policy. A final
// failure is recorded on the document and swallowed so siblings proceed.
func (p *PostPipeline) runStep(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx, span := observe.StartSpan(ctx, "post."+name)
	defer span.End()

	m := p.deps.metrics()
	start := time.Now()
	attempt := 0

	err := Retry(ctx, postAttempts, postRetryBase, postRetryCap, func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			m.JobRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("job", name)))
		}
		return fn(ctx)
	})
	m.PostJobDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("job", name), attribute.Bool("ok", err == nil)))

	if err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Error("post job failed", "conversation_id", p.conversationID, "job", name, "err", err)
		if serr := p.deps.Conversations.SetJobError(ctx, p.conversationID, name, err.Error()); serr != nil {
			observe.Logger(ctx).Warn("job error record failed", "conversation_id", p.conversationID, "job", name, "err", serr)
		}
	}
}

// extractMemories asks the LLM for durable facts, embeds them, and upserts
// them into the user's fact store.
func (p *PostPipeline) extractMemories(ctx context.Context, transcript string) error {
	if p.deps.LLM == nil || p.deps.Embedder == nil || p.deps.Facts == nil {
		return nil
	}

	out, err := p.deps.LLM.Complete(ctx, llm.Request{
		SystemPrompt: memoryExtractionSystem,
		Prompt:       memoryExtractionPrompt(transcript),
		MaxTokens:    1024,
	})
	if err != nil {
		return fmt.Errorf("extract facts: %w", err)
	}
	contents, err := parseFactList(out)
	if err != nil {
		return fmt.Errorf("parse facts: %w", err)
	}
	if len(contents) == 0 {
		return nil
	}

	vectors, err := p.deps.Embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed facts: %w", err)
	}
	facts := make([]memory.Fact, len(contents))
	for i, content := range contents {
		facts[i] = memory.Fact{
			Content:   content,
			Embedding: vectors[i],
			Metadata: map[string]string{
				"conversation_id": p.conversationID,
				"extracted_at":    time.Now().UTC().Format(time.RFC3339),
			},
		}
	}
	if err := p.deps.Facts.Upsert(ctx, p.userID, facts); err != nil {
		return fmt.Errorf("store facts: %w", err)
	}
	slog.Info("memories extracted", "conversation_id", p.conversationID, "facts", len(facts))
	return nil
}

// titleSummary asks the LLM for a title and two summary granularities and
// writes them to the document.
func (p *PostPipeline) titleSummary(ctx context.Context, transcript string) error {
	if p.deps.LLM == nil {
		return nil
	}

	out, err := p.deps.LLM.Complete(ctx, llm.Request{
		SystemPrompt: titleSummarySystem,
		Prompt:       titleSummaryPrompt(transcript),
		MaxTokens:    1024,
	})
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}
	title, summary, detailed, err := parseTitleSummary(out)
	if err != nil {
		return fmt.Errorf("parse summary: %w", err)
	}
	return p.deps.Conversations.SetTitleSummary(ctx, p.conversationID, title, summary, detailed)
}

// renderTranscript formats a transcript version for prompting, one line per
// segment prefixed with its speaker label. Versions without segments fall
// back to the plain text.
func renderTranscript(v convstore.TranscriptVersion) string {
	if len(v.Segments) == 0 {
		return v.Text
	}
	var b strings.Builder
	for _, s := range v.Segments {
		speaker := s.Speaker
		if speaker == "" {
			speaker = "UNKNOWN"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, strings.TrimSpace(s.Text))
	}
	return b.String()
}

// stripFences removes a Markdown code fence around an LLM JSON answer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// parseFactList decodes the fact-extraction answer: a JSON array of strings.
func parseFactList(out string) ([]string, error) {
	var facts []string
	if err := json.Unmarshal([]byte(stripFences(out)), &facts); err != nil {
		return nil, fmt.Errorf("expected JSON string array: %w", err)
	}
	cleaned := facts[:0]
	for _, f := range facts {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	return cleaned, nil
}

// parseTitleSummary decodes the title/summary answer.
func parseTitleSummary(out string) (title, summary, detailed string, err error) {
	var parsed struct {
		Title           string `json:"title"`
		Summary         string `json:"summary"`
		DetailedSummary string `json:"detailed_summary"`
	}
	if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
		return "", "", "", fmt.Errorf("expected JSON object: %w", err)
	}
	if parsed.Title == "" {
		return "", "", "", fmt.Errorf("missing title in %q", out)
	}
	return parsed.Title, parsed.Summary, parsed.DetailedSummary, nil
}
