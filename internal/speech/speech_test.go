package speech

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/sashabaranov/go-openai"
)

func TestRecognizeRequest(t *testing.T) {
	req := recognizeRequest([]byte("pcm"))
	cfg := req.GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("encoding = %v, want LINEAR16", cfg.GetEncoding())
	}
	if cfg.GetSampleRateHertz() != SampleRate || cfg.GetAudioChannelCount() != Channels {
		t.Errorf("format = %d Hz / %d ch", cfg.GetSampleRateHertz(), cfg.GetAudioChannelCount())
	}
	if cfg.GetLanguageCode() != "ja-JP" {
		t.Errorf("language = %q", cfg.GetLanguageCode())
	}
	if cfg.GetMaxAlternatives() != 5 || !cfg.GetEnableWordConfidence() {
		t.Error("expected 5 alternatives with word confidence")
	}
	if string(req.GetAudio().GetContent()) != "pcm" {
		t.Error("audio content not passed through")
	}
}

func TestGoogleTranscriber(t *testing.T) {
	tests := []struct {
		name     string
		resp     *speechpb.LongRunningRecognizeResponse
		err      error
		wantText string
		wantErr  error
	}{
		{
			name: "single result with alternatives",
			resp: &speechpb.LongRunningRecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{
					{Transcript: "映画を見ました", Words: []*speechpb.WordInfo{{Word: "映画", Confidence: 0.95}, {Word: "見ました", Confidence: 0.6}}},
					{Transcript: "映画を観ました"},
				},
			}}},
			wantText: "映画を見ました",
		},
		{
			name: "multiple results joined",
			resp: &speechpb.LongRunningRecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "はい。"}}},
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "そうです。"}}},
			}},
			wantText: "はい。そうです。",
		},
		{
			name:    "no results",
			resp:    &speechpb.LongRunningRecognizeResponse{},
			wantErr: ErrNoSpeech,
		},
		{
			name:    "api error",
			err:     errors.New("deadline exceeded"),
			wantErr: errors.New("any"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &GoogleTranscriber{recognize: func(context.Context, *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
				return tt.resp, tt.err
			}}
			got, err := g.Transcribe(context.Background(), []byte("audio"))
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(tt.wantErr, ErrNoSpeech) && !errors.Is(err, ErrNoSpeech) {
					t.Errorf("err = %v, want ErrNoSpeech", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestGoogleTranscriberWrapsErrors(t *testing.T) {
	cause := errors.New("unavailable")
	g := &GoogleTranscriber{recognize: func(context.Context, *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
		return nil, cause
	}}
	_, err := g.Transcribe(context.Background(), []byte("audio"))
	var te *TranscriptionError
	if !errors.As(err, &te) || !errors.Is(err, cause) {
		t.Fatalf("expected TranscriptionError wrapping cause, got %v", err)
	}
	if _, err := g.Transcribe(context.Background(), nil); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("empty audio: err = %v", err)
	}
}

func TestTranscriptDetail(t *testing.T) {
	tr := &Transcript{
		Text:         "映画を見ました",
		Alternatives: []string{"映画を見ました", "映画を観ました"},
		Words:        []WordConfidence{{Word: "映画", Confidence: 0.95}, {Word: "見ました", Confidence: 0.6}},
	}
	detail := tr.Detail()
	if !strings.Contains(detail, "映画(95)") {
		t.Errorf("detail should show confident word, got %q", detail)
	}
	if !strings.Contains(detail, "見ました(60) ⚠️") {
		t.Errorf("detail should flag low-confidence word, got %q", detail)
	}
	if strings.Contains(detail, "映画(95) ⚠️") {
		t.Error("confident word should not be flagged")
	}
	if !strings.Contains(detail, "候補: 映画を見ました / 映画を観ました") {
		t.Errorf("detail should list alternatives, got %q", detail)
	}
	if (&Transcript{Text: "はい"}).Detail() != "" {
		t.Error("plain transcript should have no detail")
	}
}

func TestGoogleSynthesizer(t *testing.T) {
	var got *texttospeechpb.SynthesizeSpeechRequest
	g := &GoogleSynthesizer{
		voice: Voice{Name: "ja-JP-Neural2-B", Speed: 0.9, Pitch: -2},
		synthesize: func(_ context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
			got = req
			return &texttospeechpb.SynthesizeSpeechResponse{AudioContent: []byte("mp3")}, nil
		},
	}
	audio, err := g.Synthesize(context.Background(), "お名前は？")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "mp3" {
		t.Errorf("audio = %q", audio)
	}
	if got.GetVoice().GetLanguageCode() != "ja-JP" || got.GetVoice().GetName() != "ja-JP-Neural2-B" {
		t.Errorf("voice = %v", got.GetVoice())
	}
	if got.GetAudioConfig().GetAudioEncoding() != texttospeechpb.AudioEncoding_MP3 {
		t.Error("expected MP3 encoding")
	}
	if got.GetAudioConfig().GetSpeakingRate() != 0.9 || got.GetAudioConfig().GetPitch() != -2 {
		t.Errorf("audio config = %v", got.GetAudioConfig())
	}
	if _, err := g.Synthesize(context.Background(), "  "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("empty text: err = %v", err)
	}
}

func newTestOpenAIClient(t *testing.T, handler http.HandlerFunc) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestWhisperTranscriber(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantText string
		wantErr  bool
		noSpeech bool
	}{
		{name: "success", status: http.StatusOK, body: `{"text":" 友達と映画を見ました。 "}`, wantText: "友達と映画を見ました。"},
		{name: "empty text", status: http.StatusOK, body: `{"text":""}`, wantErr: true, noSpeech: true},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":{"message":"boom"}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/audio/transcriptions" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					t.Errorf("parse multipart: %v", err)
				}
				if r.FormValue("language") != "ja" {
					t.Errorf("language = %q", r.FormValue("language"))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := NewWhisperTranscriber(client, "").Transcribe(context.Background(), []byte("RIFF"))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.noSpeech != errors.Is(err, ErrNoSpeech) {
					t.Errorf("err = %v, noSpeech want %v", err, tt.noSpeech)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestOpenAISynthesizer(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3mp3data"))
	})
	audio, err := NewOpenAISynthesizer(client, Voice{}).Synthesize(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3mp3data" {
		t.Errorf("audio = %q", audio)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type recordingTranscriber struct {
	got []byte
}

func (r *recordingTranscriber) Transcribe(_ context.Context, audio []byte) (*Transcript, error) {
	r.got = audio
	return &Transcript{Text: "はい"}, nil
}

func TestConvertingTranscriber(t *testing.T) {
	t.Run("converted audio reaches the recognizer", func(t *testing.T) {
		next := &recordingTranscriber{}
		ct := ConvertingTranscriber{Converter: Converter{Path: writeScript(t, "printf converted:; cat")}, Next: next}
		tr, err := ct.Transcribe(context.Background(), []byte("webm"))
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if tr.Text != "はい" || string(next.got) != "converted:webm" {
			t.Errorf("next got %q", next.got)
		}
	})

	t.Run("converter failure", func(t *testing.T) {
		next := &recordingTranscriber{}
		ct := ConvertingTranscriber{Converter: Converter{Path: writeScript(t, "echo 'invalid data' >&2; exit 1")}, Next: next}
		_, err := ct.Transcribe(context.Background(), []byte("garbage"))
		var te *TranscriptionError
		if !errors.As(err, &te) {
			t.Fatalf("expected TranscriptionError, got %v", err)
		}
		if !strings.Contains(err.Error(), "invalid data") {
			t.Errorf("error should carry ffmpeg stderr, got %v", err)
		}
		if next.got != nil {
			t.Error("recognizer should not be called")
		}
	})

	t.Run("empty audio", func(t *testing.T) {
		ct := ConvertingTranscriber{Converter: Converter{Path: "/nonexistent"}, Next: &recordingTranscriber{}}
		if _, err := ct.Transcribe(context.Background(), nil); !errors.Is(err, ErrEmptyAudio) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("silent conversion is empty audio", func(t *testing.T) {
		next := &recordingTranscriber{}
		ct := ConvertingTranscriber{Converter: Converter{Path: writeScript(t, "cat >/dev/null")}, Next: next}
		_, err := ct.Transcribe(context.Background(), []byte("webm"))
		if !errors.Is(err, ErrEmptyAudio) {
			t.Fatalf("err = %v, want ErrEmptyAudio", err)
		}
		var te *TranscriptionError
		if errors.As(err, &te) {
			t.Error("empty output should not be reported as a conversion failure")
		}
		if next.got != nil {
			t.Error("recognizer should not be called")
		}
	})
}
