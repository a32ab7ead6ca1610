package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestOpenAIServer(t *testing.T, status int, body string, gotPrompt *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if gotPrompt != nil {
			raw, _ := io.ReadAll(r.Body)
			var req struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			_ = json.Unmarshal(raw, &req)
			if len(req.Messages) > 0 {
				*gotPrompt = req.Messages[0].Content
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProviderGenerate(t *testing.T) {
	var prompt string
	srv := newTestOpenAIServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-test",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "  週末は何をしましたか。 "}, "finish_reason": "stop"}]
	}`, &prompt)

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test"})
	p := NewOpenAIProvider(client, "gpt-test")

	resp, err := p.Generate(context.Background(), Request{
		Prompt: "質問を作ってください",
		Documents: []Document{
			{Name: "syllabus.txt", MIMEType: "text/plain", Data: []byte("第3課 週末")},
			{Name: "scan.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "週末は何をしましたか。" {
		t.Errorf("Text = %q, want trimmed question", resp.Text)
	}
	if !strings.Contains(prompt, "第3課 週末") {
		t.Error("text reference document should be inlined")
	}
	if strings.Contains(prompt, "%PDF") {
		t.Error("binary reference document should be skipped")
	}
	if !strings.HasSuffix(prompt, "質問を作ってください") {
		t.Error("prompt should follow the inlined documents")
	}
}

func TestOpenAIProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error", http.StatusInternalServerError, `{"error": {"message": "boom", "type": "server_error"}}`, func(err error) bool {
			var u *ErrProviderUnavailable
			return errors.As(err, &u)
		}},
		{"rate limit", http.StatusTooManyRequests, `{"error": {"message": "slow down", "type": "rate_limit"}}`, func(err error) bool {
			var rl *ErrRateLimit
			return errors.As(err, &rl)
		}},
		{"empty content", http.StatusOK, `{"model": "gpt-test", "choices": [{"index": 0, "message": {"role": "assistant", "content": ""}}]}`, func(err error) bool {
			return errors.Is(err, ErrEmptyResponse)
		}},
		{"no choices", http.StatusOK, `{"model": "gpt-test", "choices": []}`, func(err error) bool {
			return errors.Is(err, ErrEmptyResponse)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestOpenAIServer(t, tt.status, tt.body, nil)
			p := NewOpenAIProvider(NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test"}), "gpt-test")
			_, err := p.Generate(context.Background(), Request{Prompt: "p"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Errorf("unexpected error type %T: %v", err, err)
			}
		})
	}
}

func TestBuildGeminiContents(t *testing.T) {
	contents := buildGeminiContents(Request{
		Prompt:    "質問",
		Documents: []Document{{Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}},
	})
	if len(contents) != 1 {
		t.Fatalf("expected a single user content, got %d", len(contents))
	}
	parts := contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "application/pdf" {
		t.Error("first part should be the inline document")
	}
	if parts[1].Text != "質問" {
		t.Errorf("last part text = %q, want prompt", parts[1].Text)
	}
}
