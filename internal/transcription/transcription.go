// Package transcription supplies the transcript text for a call.
package transcription

import (
	"context"
	"strings"

	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/types"
)

// Fetcher turns a recording into text.
type Fetcher interface {
	Fetch(ctx context.Context, audioURL string) (string, error)
}

// Source prefers the transcript stored on the call and falls back to the
// recording. A partial fetch always goes back to the recording, since a
// dropped call's stored transcript is the truncated one.
type Source struct {
	fetcher Fetcher
	log     *logger.Logger
}

// NewSource accepts a nil fetcher; calls then only ever use the inline transcript.
func NewSource(f Fetcher, log *logger.Logger) *Source {
	if log == nil {
		log = logger.Discard()
	}
	return &Source{fetcher: f, log: log.Component("transcript-source")}
}

func (s *Source) Transcript(ctx context.Context, call *types.CallRecord, partial bool) (string, error) {
	inline := strings.TrimSpace(call.Transcript)
	if inline != "" && !partial {
		return inline, nil
	}
	if call.RecordingURL == "" || s.fetcher == nil {
		return inline, nil
	}
	text, err := s.fetcher.Fetch(ctx, call.RecordingURL)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	s.log.WithCall(call.ID).WithField("partial", partial).WithField("chars", len(text)).Info("transcript fetched")
	if partial && len(text) < len(inline) {
		return inline, nil
	}
	return text, nil
}

// MockTranscript is returned by Mock when no transcript is configured.
const MockTranscript = "Hi, this is John Smith, kitchen sink is leaking, I'm at 123 Oak St, can someone come Tuesday at 2pm?"

// Mock stands in for the transcription service in local runs.
type Mock struct {
	Text string
}

func (m Mock) Fetch(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Text == "" {
		return MockTranscript, nil
	}
	return m.Text, nil
}
