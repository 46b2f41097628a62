package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Wearable clients that negotiate codec=opus send 16 kHz mono Opus packets at
// 20 ms frame size. The transport decodes each packet to pipeline PCM before
// handing it to the producer.
const (
	// opusFrameSize is the number of samples per channel per 20 ms packet.
	opusFrameSize = SampleRate * 20 / 1000 // 320

	// opusMaxFrameSize bounds the decode buffer: Opus allows packets up to
	// 120 ms.
	opusMaxFrameSize = SampleRate * 120 / 1000
)

// OpusDecoder decodes a single client's Opus packet stream into pipeline PCM.
// Decoder state is per-stream; create one per session and do not share across
// goroutines.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates an Opus decoder configured for the pipeline format.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into 16-bit little-endian mono PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
