package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	speechapi "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
)

const maxAlternatives = 5

// GoogleOptions returns client options for the Cloud speech APIs. An empty
// credentials path falls back to application default credentials.
func GoogleOptions(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
}

type recognizeFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// GoogleTranscriber recognizes Japanese speech with Cloud Speech-to-Text.
// Audio must already be mono 16 kHz LINEAR16 (see Converter).
type GoogleTranscriber struct {
	recognize recognizeFunc
	close     func() error
}

// NewGoogleTranscriber creates a transcriber backed by a Cloud Speech client.
func NewGoogleTranscriber(ctx context.Context, opts ...option.ClientOption) (*GoogleTranscriber, error) {
	client, err := speechapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	recognize := func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := client.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	}
	return &GoogleTranscriber{recognize: recognize, close: client.Close}, nil
}

// Close releases the underlying client.
func (g *GoogleTranscriber) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

// Transcribe runs a long-running recognition and waits for the result.
func (g *GoogleTranscriber) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	resp, err := g.recognize(ctx, recognizeRequest(audio))
	if err != nil {
		return nil, &TranscriptionError{Provider: "google", Message: "recognize failed", Cause: err}
	}
	t := transcriptFromResponse(resp)
	if strings.TrimSpace(t.Text) == "" {
		return nil, ErrNoSpeech
	}
	slog.Debug("speech recognized", "provider", "google", "chars", len([]rune(t.Text)), "words", len(t.Words))
	return t, nil
}

func recognizeRequest(audio []byte) *speechpb.LongRunningRecognizeRequest {
	return &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:             speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:      SampleRate,
			AudioChannelCount:    Channels,
			LanguageCode:         LanguageCode,
			MaxAlternatives:      maxAlternatives,
			EnableWordConfidence: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}
}

// transcriptFromResponse joins the top alternative of each result. The
// alternatives list is only reported for single-result responses.
func transcriptFromResponse(resp *speechpb.LongRunningRecognizeResponse) *Transcript {
	t := &Transcript{}
	if resp == nil {
		return t
	}
	var sb strings.Builder
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		sb.WriteString(alts[0].GetTranscript())
		for _, w := range alts[0].GetWords() {
			t.Words = append(t.Words, WordConfidence{Word: w.GetWord(), Confidence: w.GetConfidence()})
		}
		if len(resp.GetResults()) == 1 {
			for _, a := range alts {
				t.Alternatives = append(t.Alternatives, a.GetTranscript())
			}
		}
	}
	t.Text = strings.TrimSpace(sb.String())
	return t
}

type synthesizeFunc func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error)

// GoogleSynthesizer produces MP3 audio with Cloud Text-to-Speech.
type GoogleSynthesizer struct {
	voice      Voice
	synthesize synthesizeFunc
	close      func() error
}

// NewGoogleSynthesizer creates a synthesizer backed by a Cloud TTS client.
func NewGoogleSynthesizer(ctx context.Context, voice Voice, opts ...option.ClientOption) (*GoogleSynthesizer, error) {
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create text-to-speech client: %w", err)
	}
	synthesize := func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
		return client.SynthesizeSpeech(ctx, req)
	}
	return &GoogleSynthesizer{voice: voice, synthesize: synthesize, close: client.Close}, nil
}

// Close releases the underlying client.
func (g *GoogleSynthesizer) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

// Synthesize returns MP3 audio for text.
func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	resp, err := g.synthesize(ctx, synthesizeRequest(text, g.voice))
	if err != nil {
		return nil, &SynthesisError{Provider: "google", Cause: err}
	}
	return resp.GetAudioContent(), nil
}

func synthesizeRequest(text string, v Voice) *texttospeechpb.SynthesizeSpeechRequest {
	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: LanguageCode,
			Name:         v.Name,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
			SpeakingRate:  v.Speed,
			Pitch:         v.Pitch,
		},
	}
}
