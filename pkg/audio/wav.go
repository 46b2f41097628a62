package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical 44-byte RIFF/WAV header this
// package reads and writes.
const WAVHeaderSize = 44

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	buf := make([]byte, WAVHeaderSize+len(pcm))
	copy(buf, WAVHeader(len(pcm), sampleRate, channels))
	copy(buf[WAVHeaderSize:], pcm)
	return buf
}

// WAVHeader builds the 44-byte RIFF/WAV header for a 16-bit PCM payload of
// dataSize bytes. The persistence consumer writes this header with a
// placeholder size and rewrites it when the file is closed.
func WAVHeader(dataSize, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8

	buf := make([]byte, WAVHeaderSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	return buf
}

// ErrNotWAV is returned by DecodeWAV for data that is not a 16-bit PCM WAV
// container this package can read.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV file")

// DecodeWAV extracts the PCM payload, sample rate, and channel count from a
// RIFF/WAV container. Only uncompressed 16-bit PCM is supported; extra chunks
// between fmt and data are skipped.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < WAVHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, ErrNotWAV
	}
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, ErrNotWAV
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, 0, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, format, bits)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
		case "data":
			if sampleRate == 0 {
				return nil, 0, 0, ErrNotWAV
			}
			return data[body : body+size], sampleRate, channels, nil
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	return nil, 0, 0, ErrNotWAV
}
