package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jchavesmartinez/waba/pkg/waba/conversation"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.API.APIKey = "sk-test"
	if mutate != nil {
		mutate(cfg)
	}
	return NewLLMClient(cfg, nil)
}

var testMessages = []conversation.Message{
	{Role: "system", Content: "persona"},
	{Role: "user", Content: "Hola"},
}

func TestLLMClient_CompleteChat(t *testing.T) {
	t.Parallel()

	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"choices":[{"message":{"content":"  ¡Hola! Soy Sofía.  "},"finish_reason":"stop"}]}`)
	}, nil)

	reply, err := c.Complete(context.Background(), testMessages)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "¡Hola! Soy Sofía." {
		t.Errorf("reply = %q, want trimmed text", reply)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "Hola" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestLLMClient_CompleteResponses(t *testing.T) {
	t.Parallel()

	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %q, want /responses", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"Buenas tardes"}]}]}`)
	}, func(cfg *Config) { cfg.API.WireAPI = "responses" })

	reply, err := c.Complete(context.Background(), testMessages)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "Buenas tardes" {
		t.Errorf("reply = %q, want %q", reply, "Buenas tardes")
	}
	if _, ok := got["input"]; !ok {
		t.Errorf("request body %v has no input field", got)
	}
}

func TestLLMClient_APIError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached"}}`)
	}, nil)

	_, err := c.Complete(context.Background(), testMessages)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Kind != LLMErrorRateLimit {
		t.Errorf("Kind = %v, want rate_limit", apiErr.Kind)
	}
	if apiErr.RetryAfterSec != 7 {
		t.Errorf("RetryAfterSec = %d, want 7", apiErr.RetryAfterSec)
	}
}

func TestLLMClient_Timeout(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, func(cfg *Config) { cfg.API.Timeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := c.Complete(context.Background(), testMessages)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Kind != LLMErrorTimeout {
		t.Errorf("Kind = %v, want timeout", apiErr.Kind)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Complete took %v, want it bounded by the API timeout", elapsed)
	}
}

func TestLLMClient_ErrorBodyIsCapped(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		chunk := strings.Repeat("x", 1<<20)
		for i := 0; i < 10; i++ {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
		}
	}, nil)

	_, err := c.Complete(context.Background(), testMessages)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}
	if len(apiErr.Body) != maxResponseBytes {
		t.Errorf("len(Body) = %d, want %d", len(apiErr.Body), maxResponseBytes)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hola", 10, "hola"},
		{"exact", "hola", 4, "hola"},
		{"ascii cut", "hola mundo", 4, "hola..."},
		{"multibyte kept whole", "ñandú", 2, "ña..."},
		{"emoji", "👋👋👋", 1, "👋..."},
		{"zero", "abc", 0, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) = %q, not valid UTF-8", tt.in, tt.n, got)
			}
		})
	}
}

func TestLLMClient_NoAPIKey(t *testing.T) {
	t.Parallel()

	c := NewLLMClient(DefaultConfig(), nil)
	if _, err := c.Complete(context.Background(), testMessages); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Complete error = %v, want ErrNoAPIKey", err)
	}
	if _, err := c.TranscribeAudio(context.Background(), []byte("x"), "a.ogg"); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("TranscribeAudio error = %v, want ErrNoAPIKey", err)
	}
}

func TestLLMClient_DescribeImage(t *testing.T) {
	t.Parallel()

	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Content []contentPart `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"choices":[{"message":{"content":"Una casa con piscina."}}]}`)
	}, func(cfg *Config) { cfg.Media.VisionModel = "gpt-4o" })

	desc, err := c.DescribeImage(context.Background(), []byte{0xFF, 0xD8, 0xFF}, "image/jpeg")
	if err != nil {
		t.Fatalf("DescribeImage failed: %v", err)
	}
	if desc != "Una casa con piscina." {
		t.Errorf("desc = %q", desc)
	}
	if got.Model != "gpt-4o" {
		t.Errorf("model = %q, want vision model gpt-4o", got.Model)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Content) != 2 {
		t.Fatalf("unexpected request shape: %+v", got)
	}
	img := got.Messages[0].Content[1]
	if img.Type != "image_url" || img.ImageURL == nil || !strings.HasPrefix(img.ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image part = %+v, want data URL", img)
	}
}

func TestLLMClient_TranscribeAudio(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q, want /audio/transcriptions", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want whisper-1", got)
		}
		if got := r.FormValue("language"); got != "es" {
			t.Errorf("language = %q, want es", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			defer f.Close()
			if hdr.Filename != "voice.ogg" {
				t.Errorf("filename = %q, want voice.ogg", hdr.Filename)
			}
		}
		io.WriteString(w, `{"text":" quiero alquilar en Escazú "}`)
	}, nil)

	text, err := c.TranscribeAudio(context.Background(), []byte("OggS"), "voice.ogg")
	if err != nil {
		t.Fatalf("TranscribeAudio failed: %v", err)
	}
	if text != "quiero alquilar en Escazú" {
		t.Errorf("text = %q", text)
	}
}

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		want   LLMErrorKind
	}{
		{400, `{"error":{"code":"context_length_exceeded"}}`, LLMErrorContext},
		{429, `{"error":{"code":"insufficient_quota"}}`, LLMErrorBilling},
		{429, "slow down", LLMErrorRateLimit},
		{529, "", LLMErrorOverloaded},
		{504, "upstream timed out", LLMErrorTimeout},
		{400, "bad", LLMErrorBadRequest},
		{401, "invalid key", LLMErrorAuth},
		{503, "", LLMErrorRetryable},
		{404, "not found", LLMErrorFatal},
	}
	for _, tt := range tests {
		if got := classifyAPIError(tt.status, tt.body); got != tt.want {
			t.Errorf("classifyAPIError(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
		}
	}
}
