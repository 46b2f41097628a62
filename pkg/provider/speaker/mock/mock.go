// Package mock provides a test double for the speaker.Recognizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/openwear/earstream/pkg/provider/asr"
	"github.com/openwear/earstream/pkg/provider/speaker"
)

var _ speaker.Recognizer = (*Recognizer)(nil)

// RecognizeCall records a single invocation of Recognize.
type RecognizeCall struct {
	WAVPath  string
	Segments []asr.Segment
}

// Recognizer is a mock implementation of speaker.Recognizer. The zero value
// echoes input segments back unchanged and reports no enrolled speakers.
type Recognizer struct {
	mu sync.Mutex

	// Result is returned by Recognize when non-nil; otherwise the input
	// segments are returned unchanged.
	Result []asr.Segment

	// RecognizeErr, if non-nil, is returned by every Recognize call.
	RecognizeErr error

	// EnrolledSpeakers is returned by Enrolled.
	EnrolledSpeakers []string

	// EnrolledErr, if non-nil, is returned by every Enrolled call.
	EnrolledErr error

	// RecognizeCalls records every Recognize invocation in order.
	RecognizeCalls []RecognizeCall

	// EnrolledCalls records the userID of every Enrolled invocation.
	EnrolledCalls []string
}

// Recognize implements speaker.Recognizer.
func (m *Recognizer) Recognize(_ context.Context, wavPath string, segments []asr.Segment) ([]asr.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recorded := make([]asr.Segment, len(segments))
	copy(recorded, segments)
	m.RecognizeCalls = append(m.RecognizeCalls, RecognizeCall{WAVPath: wavPath, Segments: recorded})
	if m.RecognizeErr != nil {
		return nil, m.RecognizeErr
	}
	if m.Result != nil {
		out := make([]asr.Segment, len(m.Result))
		copy(out, m.Result)
		return out, nil
	}
	return recorded, nil
}

// Enrolled implements speaker.Recognizer.
func (m *Recognizer) Enrolled(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnrolledCalls = append(m.EnrolledCalls, userID)
	if m.EnrolledErr != nil {
		return nil, m.EnrolledErr
	}
	return m.EnrolledSpeakers, nil
}
