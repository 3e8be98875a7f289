// Package copilot – llm.go implements the HTTP client for OpenAI-compatible
// APIs: chat completions (or the Responses API), vision through image_url
// content parts, and Whisper-style audio transcription.
package copilot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jchavesmartinez/waba/pkg/waba/conversation"
)

// ErrNoAPIKey is returned when no credential is configured.
var ErrNoAPIKey = errors.New("LLM API key not configured")

// LLMClient talks to an OpenAI-compatible endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	wireAPI    string
	timeout    time.Duration
	media      MediaConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates a client from the configuration.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &LLMClient{
		baseURL: strings.TrimRight(cfg.API.BaseURL, "/"),
		apiKey:  cfg.API.APIKey,
		model:   cfg.Model,
		wireAPI: cfg.API.WireAPI,
		timeout: cfg.API.Timeout,
		media:   cfg.Media,
		// Per-call deadlines come from the context; this only guards
		// against a server that never answers.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.With("component", "llm"),
	}
}

// WithHTTPClient replaces the HTTP client (used by tests).
func (c *LLMClient) WithHTTPClient(hc *http.Client) *LLMClient {
	c.httpClient = hc
	return c
}

// Model returns the chat model name.
func (c *LLMClient) Model() string { return c.model }

// ---------- Wire types ----------

// chatMessage is a message in the OpenAI chat format. Content is either a
// string or []contentPart.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// chatRequest is the chat completions request.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// chatResponse is the chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// responsesRequest is the Responses API request; input takes the same
// role/content list as chat messages.
type responsesRequest struct {
	Model string        `json:"model"`
	Input []chatMessage `json:"input"`
}

// responsesResponse is the subset of the Responses API output read here.
type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// text returns the first text content of the first output item.
func (r *responsesResponse) text() string {
	for _, out := range r.Output {
		for _, part := range out.Content {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API errors.
type LLMErrorKind int

const (
	LLMErrorRetryable  LLMErrorKind = iota // transient 5xx
	LLMErrorRateLimit                      // 429
	LLMErrorOverloaded                     // 529 or "overloaded" in body
	LLMErrorTimeout                        // request timeout / deadline exceeded
	LLMErrorAuth                           // 401, 403
	LLMErrorBilling                        // 402 or quota exhausted
	LLMErrorContext                        // context_length_exceeded
	LLMErrorBadRequest                     // 400
	LLMErrorFatal                          // everything else
)

// String returns a human-readable label for the error kind.
func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorTimeout:
		return "timeout"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorBilling:
		return "billing"
	case LLMErrorContext:
		return "context"
	case LLMErrorBadRequest:
		return "bad_request"
	case LLMErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// APIError captures a non-2xx answer, or a call that ran out of time
// (StatusCode 0, Kind LLMErrorTimeout).
type APIError struct {
	StatusCode    int
	Body          string
	Kind          LLMErrorKind
	RetryAfterSec int

	// Err is the transport error behind a timeout.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("API request failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("API returned %d (%s): %s", e.StatusCode, e.Kind, truncate(e.Body, 200))
}

func (e *APIError) Unwrap() error { return e.Err }

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") {
		return LLMErrorContext
	}
	if statusCode == 402 ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota") {
		return LLMErrorBilling
	}
	if statusCode == 429 ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") {
		return LLMErrorRateLimit
	}
	if statusCode == 529 || strings.Contains(lower, "overloaded") {
		return LLMErrorOverloaded
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return LLMErrorTimeout
	}

	switch {
	case statusCode == 400:
		return LLMErrorBadRequest
	case statusCode == 401 || statusCode == 403:
		return LLMErrorAuth
	case statusCode >= 500:
		return LLMErrorRetryable
	default:
		return LLMErrorFatal
	}
}

// ---------- Public Methods ----------

// Complete sends messages to the model and returns the trimmed reply text.
// The call is bounded by the configured API timeout.
func (c *LLMClient) Complete(ctx context.Context, messages []conversation.Message) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	if c.wireAPI == "responses" {
		return c.completeResponses(ctx, c.model, msgs)
	}
	return c.completeChat(ctx, c.model, msgs)
}

// DescribeImage asks a vision-capable model to describe an image.
func (c *LLMClient) DescribeImage(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))
	parts := []contentPart{
		{Type: "text", Text: c.media.VisionPrompt},
		{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: c.media.VisionDetail}},
	}

	model := c.model
	if c.media.VisionModel != "" {
		model = c.media.VisionModel
	}
	return c.completeChat(ctx, model, []chatMessage{{Role: "user", Content: parts}})
}

// TranscribeAudio sends audio to a Whisper-compatible endpoint.
// filename carries the codec extension (e.g. "audio.ogg").
func (c *LLMClient) TranscribeAudio(ctx context.Context, audioData []byte, filename string) (string, error) {
	apiKey := c.apiKey
	if c.media.TranscriptionAPIKey != "" {
		apiKey = c.media.TranscriptionAPIKey
	}
	if apiKey == "" {
		return "", ErrNoAPIKey
	}
	if filename == "" {
		filename = "audio.ogg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", c.media.TranscriptionModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if c.media.TranscriptionLanguage != "" {
		_ = w.WriteField("language", c.media.TranscriptionLanguage)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	base := c.baseURL
	if c.media.TranscriptionBaseURL != "" {
		base = strings.TrimRight(c.media.TranscriptionBaseURL, "/")
	}
	endpoint := base + "/audio/transcriptions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	respBody, err := c.do(req, c.media.TranscriptionModel)
	if err != nil {
		return "", err
	}

	var tr transcriptionResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", fmt.Errorf("parsing transcription: %w", err)
	}
	return strings.TrimSpace(tr.Text), nil
}

// ---------- Internal ----------

func (c *LLMClient) completeChat(ctx context.Context, model string, messages []chatMessage) (string, error) {
	req, err := c.newJSONRequest(ctx, "/chat/completions", chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}

	start := time.Now()
	respBody, err := c.do(req, model)
	if err != nil {
		return "", err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", &APIError{StatusCode: http.StatusOK, Body: chatResp.Error.Message,
			Kind: classifyAPIError(http.StatusOK, chatResp.Error.Message)}
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("no response from model")
	}

	choice := chatResp.Choices[0]
	c.logger.Info("chat completion done",
		"model", model,
		"messages", len(messages),
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return strings.TrimSpace(choice.Message.Content), nil
}

func (c *LLMClient) completeResponses(ctx context.Context, model string, messages []chatMessage) (string, error) {
	req, err := c.newJSONRequest(ctx, "/responses", responsesRequest{Model: model, Input: messages})
	if err != nil {
		return "", err
	}

	start := time.Now()
	respBody, err := c.do(req, model)
	if err != nil {
		return "", err
	}

	var rr responsesResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if rr.Error != nil {
		return "", &APIError{StatusCode: http.StatusOK, Body: rr.Error.Message,
			Kind: classifyAPIError(http.StatusOK, rr.Error.Message)}
	}

	c.logger.Info("response done",
		"model", model,
		"messages", len(messages),
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", rr.Usage.InputTokens,
		"output_tokens", rr.Usage.OutputTokens,
	)
	return strings.TrimSpace(rr.text()), nil
}

func (c *LLMClient) newJSONRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// do executes req and returns the body of a 200 answer. Other statuses
// become *APIError; transport failures keep the context error wrapped.
func (c *LLMClient) do(req *http.Request, model string) ([]byte, error) {
	c.logger.Debug("sending request", "model", model, "endpoint", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Kind: LLMErrorTimeout, Err: err}
		}
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Kind: LLMErrorTimeout, Err: err}
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apierr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Kind:       classifyAPIError(resp.StatusCode, string(body)),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.RetryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", model,
			"status", resp.StatusCode,
			"kind", apierr.Kind.String(),
			"retry_after_sec", apierr.RetryAfterSec,
			"body", truncate(string(body), 500),
		)
		return nil, apierr
	}
	return body, nil
}

// truncate cuts s to at most n characters, appending "..." when cut.
// Multi-byte sequences are never split.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
