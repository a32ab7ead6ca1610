// Package speech wraps the speech-to-text and text-to-speech collaborators
// and the local audio conversion step in front of recognition.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Recognition settings required by the interview.
const (
	SampleRate   = 16000
	Channels     = 1
	LanguageCode = "ja-JP"

	// LowConfidence marks recognized words the learner should check.
	LowConfidence = 0.8
)

var (
	// ErrEmptyAudio is returned when no audio bytes were supplied.
	ErrEmptyAudio = errors.New("audio data is empty")

	// ErrNoSpeech is returned when recognition found nothing (silence or noise).
	ErrNoSpeech = errors.New("no speech recognized")

	// ErrEmptyText is returned when asked to synthesize empty text.
	ErrEmptyText = errors.New("text is empty")
)

// Transcriber converts recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Transcript, error)
}

// Synthesizer converts text into encoded audio (MP3).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcript is the best recognition result plus optional details.
type Transcript struct {
	Text         string
	Alternatives []string
	Words        []WordConfidence
}

// WordConfidence is one recognized word and its confidence in [0, 1].
type WordConfidence struct {
	Word       string
	Confidence float32
}

// Detail renders alternatives and per-word confidence for the examiner,
// flagging words below LowConfidence.
func (t *Transcript) Detail() string {
	if t == nil {
		return ""
	}
	var parts []string
	if len(t.Words) > 0 {
		words := make([]string, len(t.Words))
		for i, w := range t.Words {
			words[i] = fmt.Sprintf("%s(%d)", w.Word, int(w.Confidence*100))
			if w.Confidence < LowConfidence {
				words[i] += " ⚠️"
			}
		}
		parts = append(parts, strings.Join(words, ", "))
	}
	if len(t.Alternatives) > 1 {
		parts = append(parts, "候補: "+strings.Join(t.Alternatives, " / "))
	}
	return strings.Join(parts, "\n")
}

// Voice configures synthesis.
type Voice struct {
	Name  string  // provider voice id, e.g. "ja-JP-Neural2-B" or "alloy"
	Speed float64 // speaking rate multiplier, 0 means provider default
	Pitch float64 // semitones, ignored by providers without pitch control
}

// TranscriptionError represents a failed recognition call.
type TranscriptionError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *TranscriptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s transcription error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s transcription error: %s", e.Provider, e.Message)
}

func (e *TranscriptionError) Unwrap() error { return e.Cause }

// SynthesisError represents a failed synthesis call.
type SynthesisError struct {
	Provider string
	Cause    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis error: %v", e.Provider, e.Cause)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }
