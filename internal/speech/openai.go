package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// WhisperTranscriber recognizes speech through an OpenAI-compatible
// transcription endpoint.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// NewWhisperTranscriber wraps client; an empty model uses whisper-1.
func NewWhisperTranscriber(client *openai.Client, model string) *WhisperTranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{client: client, model: model}
}

// Transcribe uploads the audio as a WAV file and returns the recognized text.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "answer.wav",
		Reader:   bytes.NewReader(audio),
		Language: "ja",
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return nil, &TranscriptionError{Provider: "openai", Message: "transcription request failed", Cause: err}
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, ErrNoSpeech
	}
	return &Transcript{Text: text}, nil
}

// OpenAISynthesizer produces MP3 audio through an OpenAI-compatible speech endpoint.
type OpenAISynthesizer struct {
	client *openai.Client
	voice  Voice
}

// NewOpenAISynthesizer wraps client; an empty voice name uses alloy.
func NewOpenAISynthesizer(client *openai.Client, voice Voice) *OpenAISynthesizer {
	if voice.Name == "" {
		voice.Name = string(openai.VoiceAlloy)
	}
	return &OpenAISynthesizer{client: client, voice: voice}
}

// Synthesize returns MP3 audio for text.
func (o *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	req := openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(o.voice.Name),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	}
	if o.voice.Speed > 0 {
		req.Speed = o.voice.Speed
	}
	resp, err := o.client.CreateSpeech(ctx, req)
	if err != nil {
		return nil, &SynthesisError{Provider: "openai", Cause: err}
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, &SynthesisError{Provider: "openai", Cause: err}
	}
	if len(data) == 0 {
		return nil, &SynthesisError{Provider: "openai", Cause: errors.New("empty audio response")}
	}
	return data, nil
}
