// Package asr defines the provider interfaces for automatic speech
// recognition backends.
//
// Two provider shapes exist. A StreamingProvider wraps a duplex real-time
// service (e.g., Deepgram): once a stream is opened, the caller pushes raw
// PCM frames and receives interleaved interim and final transcripts. A
// BatchProvider wraps a request/response service (e.g., a local Parakeet or
// whisper inference server): the caller submits a complete PCM buffer and
// receives one final transcript.
//
// Implementations must be safe for concurrent use. Stream handles own their
// network connection and reader goroutines; callers must Close them.
package asr

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// streaming session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline always sends
	// 16000.
	SampleRate int

	// Channels is the number of audio channels; 1 for the pipeline.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect where supported.
	Language string

	// Diarize requests speaker-separated segments where the provider
	// supports it.
	Diarize bool
}

// StreamHandle represents an open duplex transcription session.
//
// Callers must call Close when done; failing to do so leaks goroutines and
// the network connection. All methods are safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers raw PCM bytes matching the StreamConfig format.
	// Calling SendAudio after CloseSend or Close returns an error.
	SendAudio(pcm []byte) error

	// Interims emits low-latency preliminary transcripts. Best-effort; the
	// channel is closed when the session ends.
	Interims() <-chan Transcript

	// Finals emits authoritative transcripts once the provider commits to a
	// result. The channel is closed after the last final following CloseSend.
	Finals() <-chan Transcript

	// CloseSend half-closes the audio direction, asking the provider to
	// flush remaining results. Finals stays open until the provider is done.
	CloseSend() error

	// Close terminates the session and releases all resources. Safe to call
	// more than once.
	Close() error

	// Err returns the terminal stream error, if any, once Finals is closed.
	Err() error
}

// StreamingProvider is the abstraction over duplex ASR backends.
type StreamingProvider interface {
	// Name returns the provider identifier recorded on transcript chunks.
	Name() string

	// StartStream opens a streaming transcription session.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}

// BatchProvider is the abstraction over request/response ASR backends.
type BatchProvider interface {
	// Name returns the provider identifier recorded on transcript chunks.
	Name() string

	// Transcribe submits a complete PCM buffer and returns one final
	// transcript with provider-relative timestamps starting at zero.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}
