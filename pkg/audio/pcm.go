// Package audio defines the canonical PCM format flowing through the
// earstream pipeline and small conversion helpers shared by the transport,
// producer, and persistence layers.
//
// All pipeline audio is 16 kHz, 16-bit signed little-endian, mono PCM. The
// producer carves inbound byte streams into fixed-duration frames so that
// downstream timestamping is a pure function of the frame index.
package audio

import "time"

const (
	// SampleRate is the pipeline sample rate in Hz.
	SampleRate = 16000

	// Channels is the pipeline channel count. Mono is required by the ASR
	// providers; the transport downmixes before handing bytes to the producer.
	Channels = 1

	// BytesPerSample is fixed at 2 for 16-bit signed little-endian PCM.
	BytesPerSample = 2

	// FrameDuration is the length of one pipeline frame.
	FrameDuration = 250 * time.Millisecond

	// FrameBytes is the byte length of one pipeline frame:
	// 16000 Hz × 2 bytes × 0.25 s = 8000.
	FrameBytes = SampleRate * BytesPerSample * int(FrameDuration) / int(time.Second)
)

// FrameOffset returns the session-relative start time of the frame at the
// given zero-based index.
func FrameOffset(index int64) time.Duration {
	return time.Duration(index) * FrameDuration
}

// Duration returns the play time of a PCM byte buffer in the pipeline format.
func Duration(pcmLen int) time.Duration {
	samples := pcmLen / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// StereoToMono downmixes interleaved 16-bit stereo PCM to mono by averaging
// the two channels per sample pair.
func StereoToMono(stereo []byte) []byte {
	samples := BytesToInt16s(stereo)
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		l := int32(samples[i*2])
		r := int32(samples[i*2+1])
		mono[i] = int16((l + r) / 2)
	}
	return Int16sToBytes(mono)
}

// ResampleMono16 linearly resamples mono 16-bit PCM from fromRate to toRate.
// It is intended for the upload path, where client WAV files may not match
// the pipeline rate; quality is adequate for ASR input.
func ResampleMono16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	in := BytesToInt16s(pcm)
	if len(in) == 0 {
		return nil
	}
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	for i := range out {
		// Position in the input expressed as a fixed-point sample index.
		pos := int64(i) * int64(fromRate) / int64(toRate)
		if pos >= int64(len(in))-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := int64(i)*int64(fromRate)%int64(toRate)*256/int64(toRate)
		a := int64(in[pos])
		b := int64(in[pos+1])
		out[i] = int16(a + (b-a)*frac/256)
	}
	return Int16sToBytes(out)
}
