// Package mock provides test doubles for the asr package interfaces.
//
// Use StreamingProvider to verify that a worker opens streams with the
// expected StreamConfig and to hand it a scripted Stream. Use BatchProvider
// to script batch transcription results. Streams expose their channels so
// tests can feed controlled Transcript values and inspect which audio chunks
// were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/openwear/earstream/pkg/provider/asr"
)

// StartStreamCall records a single invocation of StreamingProvider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg asr.StreamConfig
}

// StreamingProvider is a mock implementation of asr.StreamingProvider.
type StreamingProvider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Stream is the handle returned by StartStream. If nil, StartStream
	// returns a new default Stream with buffered channels.
	Stream asr.StreamHandle

	// StartStreamFunc, if non-nil, overrides StartStream entirely. Useful
	// for scripting per-call failures when testing reconnect behaviour.
	StartStreamFunc func(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error)

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ asr.StreamingProvider = (*StreamingProvider)(nil)

// Name returns NameValue, or "mock" when unset.
func (p *StreamingProvider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

// StartStream records the call and returns the scripted handle or error.
func (p *StreamingProvider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	fn := p.StartStreamFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Calls returns a copy of the recorded StartStream calls.
func (p *StreamingProvider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Stream is a mock implementation of asr.StreamHandle. Tests own the
// InterimsCh and FinalsCh channels: send scripted transcripts and close them
// to simulate the provider finishing. When CloseChannelsOnCloseSend is set,
// CloseSend closes both channels itself, which matches providers that flush
// and hang up after a half-close.
type Stream struct {
	mu sync.Mutex

	InterimsCh chan asr.Transcript
	FinalsCh   chan asr.Transcript

	// CloseChannelsOnCloseSend makes CloseSend close both channels.
	CloseChannelsOnCloseSend bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// ErrValue is returned by Err.
	ErrValue error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseSendCount and CloseCount count the respective calls.
	CloseSendCount int
	CloseCount     int

	channelsClosed bool
}

var _ asr.StreamHandle = (*Stream)(nil)

// NewStream returns a Stream with buffered channels.
func NewStream() *Stream {
	return &Stream{
		InterimsCh: make(chan asr.Transcript, 16),
		FinalsCh:   make(chan asr.Transcript, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Stream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), pcm...))
	return nil
}

// Interims returns InterimsCh.
func (s *Stream) Interims() <-chan asr.Transcript { return s.InterimsCh }

// Finals returns FinalsCh.
func (s *Stream) Finals() <-chan asr.Transcript { return s.FinalsCh }

// CloseSend records the call and optionally closes the channels.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseSendCount++
	if s.CloseChannelsOnCloseSend && !s.channelsClosed {
		s.channelsClosed = true
		close(s.InterimsCh)
		close(s.FinalsCh)
	}
	return nil
}

// Close records the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}

// Err returns ErrValue.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Sent returns a copy of all audio chunks delivered so far.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SendAudioCalls...)
}

// TranscribeCall records a single invocation of BatchProvider.Transcribe.
type TranscribeCall struct {
	PCM        []byte
	SampleRate int
}

// BatchProvider is a mock implementation of asr.BatchProvider. Results are
// consumed in order; once exhausted, the last result repeats.
type BatchProvider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock-batch".
	NameValue string

	// Results are returned by successive Transcribe calls.
	Results []asr.Transcript

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeFunc, if non-nil, overrides Transcribe entirely.
	TranscribeFunc func(ctx context.Context, pcm []byte, sampleRate int) (asr.Transcript, error)

	// TranscribeCalls records every call in order.
	TranscribeCalls []TranscribeCall

	next int
}

var _ asr.BatchProvider = (*BatchProvider)(nil)

// Name returns NameValue, or "mock-batch" when unset.
func (p *BatchProvider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock-batch"
}

// Transcribe records the call and returns the next scripted result.
func (p *BatchProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (asr.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: sampleRate,
	})
	fn := p.TranscribeFunc
	var result asr.Transcript
	if len(p.Results) > 0 {
		i := p.next
		if i >= len(p.Results) {
			i = len(p.Results) - 1
		}
		result = p.Results[i]
		p.next++
	}
	err := p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, sampleRate)
	}
	if err != nil {
		return asr.Transcript{}, err
	}
	return result, nil
}

// Calls returns a copy of the recorded Transcribe calls.
func (p *BatchProvider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.TranscribeCalls...)
}
