// Package parakeet provides a batch ASR provider backed by a local Parakeet
// inference server. It implements asr.BatchProvider.
//
// The server exposes a REST API at POST /transcribe accepting a WAV file as
// multipart/form-data and returning a JSON body with the text plus optional
// word and segment timings. Timings are relative to the start of the
// submitted buffer; the batch consumer shifts them to session-relative.
package parakeet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openwear/earstream/pkg/audio"
	"github.com/openwear/earstream/pkg/provider/asr"
)

const defaultTimeout = 2 * time.Minute

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the language hint passed to the server.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements asr.BatchProvider against a Parakeet inference server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

var _ asr.BatchProvider = (*Provider)(nil)

// New creates a Provider talking to the server at serverURL
// (e.g., "http://localhost:9090").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("parakeet: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "parakeet" }

// transcribeResponse is the JSON body returned by POST /transcribe.
type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
	Segments []struct {
		Speaker string  `json:"speaker"`
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Text    string  `json:"text"`
	} `json:"segments"`
}

// Transcribe encodes pcm as a WAV file and POSTs it to the /transcribe
// endpoint as multipart/form-data.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (asr.Transcript, error) {
	wav := audio.EncodeWAV(pcm, sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: write wav data: %w", err)
	}
	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return asr.Transcript{}, fmt.Errorf("parakeet: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/transcribe", &body)
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return asr.Transcript{}, fmt.Errorf("parakeet: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: read response body: %w", err)
	}
	var result transcribeResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return asr.Transcript{}, fmt.Errorf("parakeet: parse JSON response: %w", err)
	}

	t := asr.Transcript{
		Text:       result.Text,
		IsFinal:    true,
		Confidence: result.Confidence,
	}
	for _, w := range result.Words {
		t.Words = append(t.Words, asr.Word{
			Word:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		})
	}
	for _, s := range result.Segments {
		t.Segments = append(t.Segments, asr.Segment{
			Speaker: s.Speaker,
			Start:   s.Start,
			End:     s.End,
			Text:    s.Text,
		})
	}
	return t, nil
}
