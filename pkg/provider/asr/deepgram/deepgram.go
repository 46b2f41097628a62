// Package deepgram provides a Deepgram-backed streaming ASR provider using
// the Deepgram real-time WebSocket API. It implements asr.StreamingProvider.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/openwear/earstream/pkg/provider/asr"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests to point the
// provider at a local fake.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements asr.StreamingProvider backed by the Deepgram streaming
// API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

var _ asr.StreamingProvider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "deepgram" }

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &stream{
		conn:     conn,
		interims: make(chan asr.Transcript, 64),
		finals:   make(chan asr.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Diarize {
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// response is the JSON structure of a Deepgram Results event. With
// diarize=true each word additionally carries a speaker index.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
				Speaker    *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram session. It implements asr.StreamHandle.
type stream struct {
	conn     *websocket.Conn
	interims chan asr.Transcript
	finals   chan asr.Transcript
	audio    chan []byte

	done      chan struct{}
	closeOnce sync.Once
	sendOnce  sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM chunk for delivery to Deepgram.
func (s *stream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- pcm:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

// Interims returns the channel of interim transcripts.
func (s *stream) Interims() <-chan asr.Transcript { return s.interims }

// Finals returns the channel of final transcripts.
func (s *stream) Finals() <-chan asr.Transcript { return s.finals }

// CloseSend half-closes the audio direction by sending Deepgram's CloseStream
// message. Deepgram flushes remaining results and then closes the socket,
// which ends the read loop and closes the transcript channels.
func (s *stream) CloseSend() error {
	s.sendOnce.Do(func() {
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	})
	return nil
}

// Close terminates the session and releases the connection.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// Err returns the terminal stream error observed by the read loop, if any.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// writeLoop reads from the audio channel and sends binary messages.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case pcm := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
				s.setErr(fmt.Errorf("deepgram: write: %w", err))
				return
			}
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case pcm := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, pcm)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages and dispatches them to the interim and
// final channels. The channels are closed when the provider closes the
// socket (after CloseStream) or on error.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.interims)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					s.setErr(fmt.Errorf("deepgram: read: %w", err))
				}
			}
			return
		}

		t, ok := parseResponse(msg)
		if !ok {
			continue
		}
		out := s.interims
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

// parseResponse parses a raw Deepgram message into a Transcript. It returns
// false for non-Results messages (Metadata, SpeechStarted, …).
func parseResponse(data []byte) (asr.Transcript, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return asr.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return asr.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	t := asr.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}

	// Collect words and fold consecutive same-speaker words into segments.
	var (
		cur     *asr.Segment
		curSpkr = -1
	)
	for _, w := range alt.Words {
		t.Words = append(t.Words, asr.Word{
			Word:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		})
		spkr := -1
		if w.Speaker != nil {
			spkr = *w.Speaker
		}
		if cur == nil || spkr != curSpkr {
			if cur != nil {
				t.Segments = append(t.Segments, *cur)
			}
			seg := asr.Segment{Start: w.Start, End: w.End, Text: w.Word}
			if spkr >= 0 {
				seg.Speaker = "SPEAKER_" + strconv.Itoa(spkr)
			}
			cur, curSpkr = &seg, spkr
			continue
		}
		cur.End = w.End
		cur.Text += " " + w.Word
	}
	if cur != nil {
		t.Segments = append(t.Segments, *cur)
	}
	return t, true
}
