// Package speaker defines the client for the external speaker-recognition
// service used by the post-conversation pipeline.
//
// The service receives a conversation's WAV file together with its
// diarized segments and maps the anonymous diarization labels
// ("SPEAKER_0", …) to enrolled speaker identities.
package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/openwear/earstream/pkg/provider/asr"
)

// Recognizer is the abstraction over the speaker-recognition backend.
// Implementations must be safe for concurrent use.
type Recognizer interface {
	// Recognize posts the audio file and its segments and returns the
	// segments with the Speaker field replaced by enrolled identities
	// where recognition succeeded. Unrecognized segments keep their
	// diarization label.
	Recognize(ctx context.Context, wavPath string, segments []asr.Segment) ([]asr.Segment, error)

	// Enrolled returns the speaker identities enrolled for a user.
	Enrolled(ctx context.Context, userID string) ([]string, error)
}

var _ Recognizer = (*Client)(nil)

// Client implements [Recognizer] over HTTP.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (120 s timeout —
// recognition runs over whole conversation files).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a Client for the recognition service at serverURL.
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("speaker: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// recognizeResponse is the service's answer: the input segments with
// speaker labels resolved, plus the embedding id assigned per segment.
type recognizeResponse struct {
	Segments []struct {
		Speaker     string  `json:"speaker"`
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Text        string  `json:"text"`
		EmbeddingID string  `json:"embedding_id"`
	} `json:"segments"`
}

// Recognize implements [Recognizer]. The request is multipart: the WAV file
// under "audio" and the segments JSON under "segments".
func (c *Client) Recognize(ctx context.Context, wavPath string, segments []asr.Segment) ([]asr.Segment, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("speaker: open audio %s: %w", wavPath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("audio", filepath.Base(wavPath))
	if err != nil {
		return nil, fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("speaker: copy audio: %w", err)
	}

	segJSON, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("speaker: encode segments: %w", err)
	}
	if err := writer.WriteField("segments", string(segJSON)); err != nil {
		return nil, fmt.Errorf("speaker: write segments field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/recognize", &body)
	if err != nil {
		return nil, fmt.Errorf("speaker: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: recognize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("speaker: server returned %d: %s", resp.StatusCode, payload)
	}

	var parsed recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("speaker: decode response: %w", err)
	}
	if len(parsed.Segments) != len(segments) {
		return nil, fmt.Errorf("speaker: expected %d segments, got %d", len(segments), len(parsed.Segments))
	}

	out := make([]asr.Segment, len(parsed.Segments))
	for i, s := range parsed.Segments {
		out[i] = asr.Segment{Speaker: s.Speaker, Start: s.Start, End: s.End, Text: s.Text}
	}
	return out, nil
}

// Enrolled implements [Recognizer].
func (c *Client) Enrolled(ctx context.Context, userID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/enrolled/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("speaker: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: enrolled request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("speaker: server returned %d: %s", resp.StatusCode, payload)
	}

	var parsed struct {
		Speakers []string `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("speaker: decode response: %w", err)
	}
	return parsed.Speakers, nil
}
