// Package whatsapp implements the WhatsApp Business Cloud API channel:
// webhook verification and parsing on the way in, media download, and
// text delivery through the Graph API on the way out.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
)

// Config holds WhatsApp Cloud API configuration.
type Config struct {
	// VerifyToken is the static token Meta echoes during the webhook
	// subscription handshake.
	VerifyToken string `yaml:"verify_token" env:"VERIFY_TOKEN"`

	// AccessToken is the Graph API bearer token (EAA...).
	AccessToken string `yaml:"access_token" env:"WABA_TOKEN"`

	// AppSecret enables X-Hub-Signature-256 verification of webhook
	// bodies when set.
	AppSecret string `yaml:"app_secret" env:"WABA_APP_SECRET"`

	// GraphBaseURL is the Graph API host (default: https://graph.facebook.com).
	GraphBaseURL string `yaml:"graph_base_url" env:"GRAPH_BASE_URL"`

	// GraphVersion is the API version path segment (default: v22.0).
	GraphVersion string `yaml:"graph_version" env:"GRAPH_VER"`

	// MaxMessageChars caps outgoing text bodies (default: 4000).
	MaxMessageChars int `yaml:"max_message_chars"`

	// SendTimeout bounds a single delivery call (default: 10s).
	SendTimeout time.Duration `yaml:"send_timeout"`

	// MediaTimeout bounds the two-step media fetch (default: 60s).
	MediaTimeout time.Duration `yaml:"media_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		VerifyToken:     "wabita123",
		GraphBaseURL:    "https://graph.facebook.com",
		GraphVersion:    "v22.0",
		MaxMessageChars: 4000,
		SendTimeout:     10 * time.Second,
		MediaTimeout:    60 * time.Second,
	}
}

// Effective returns a copy with defaults applied for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.GraphBaseURL == "" {
		out.GraphBaseURL = def.GraphBaseURL
	}
	out.GraphBaseURL = strings.TrimRight(out.GraphBaseURL, "/")
	if out.GraphVersion == "" {
		out.GraphVersion = def.GraphVersion
	}
	if out.MaxMessageChars <= 0 {
		out.MaxMessageChars = def.MaxMessageChars
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = def.SendTimeout
	}
	if out.MediaTimeout <= 0 {
		out.MediaTimeout = def.MediaTimeout
	}
	return out
}

// WhatsApp implements channels.Sender and channels.MediaDownloader on top
// of the Cloud API.
type WhatsApp struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// lastMsg tracks the last inbound message timestamp for health.
	lastMsg atomic.Value // time.Time

	sent       atomic.Int64
	errorCount atomic.Int64
}

// New creates a WhatsApp Cloud API channel.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg: cfg.Effective(),
		httpClient: &http.Client{
			// Per-call deadlines come from context.WithTimeout.
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "whatsapp"),
	}
}

// WithHTTPClient swaps the HTTP client (used by tests).
func (w *WhatsApp) WithHTTPClient(c *http.Client) *WhatsApp {
	w.httpClient = c
	return w
}

// Name returns the channel identifier.
func (w *WhatsApp) Name() string { return "whatsapp" }

// Config returns the effective configuration.
func (w *WhatsApp) Config() Config { return w.cfg }

func (w *WhatsApp) graphURL(parts ...string) string {
	return w.cfg.GraphBaseURL + "/" + w.cfg.GraphVersion + "/" + strings.Join(parts, "/")
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

// Send delivers a text reply through the business number identified by
// route. The body is truncated to MaxMessageChars characters. There is no
// retry.
func (w *WhatsApp) Send(ctx context.Context, route, to string, msg *channels.OutgoingMessage) error {
	if route == "" || to == "" || w.cfg.AccessToken == "" {
		return fmt.Errorf("%w: phone_number_id=%t to=%t token=%t",
			channels.ErrMissingCredentials, route != "", to != "", w.cfg.AccessToken != "")
	}
	if msg == nil || msg.Content == "" {
		return nil
	}

	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             sendText{Body: truncateRunes(msg.Content, w.cfg.MaxMessageChars)},
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.graphURL(route, "messages"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	w.logger.Info("whatsapp send",
		"to", to,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: status %d: %s", channels.ErrSendFailed, resp.StatusCode, truncateRunes(string(body), 300))
	}
	w.sent.Add(1)
	return nil
}

type mediaMeta struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia resolves a media handle to its URL and fetches the bytes
// with the access token. Payloads larger than maxBytes are rejected.
func (w *WhatsApp) DownloadMedia(ctx context.Context, media *channels.MediaInfo, maxBytes int64) ([]byte, string, error) {
	if media == nil || media.ID == "" {
		return nil, "", fmt.Errorf("%w: no media id", channels.ErrMediaDownloadFailed)
	}
	if w.cfg.AccessToken == "" {
		return nil, "", channels.ErrMissingCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.MediaTimeout)
	defer cancel()

	meta, err := w.fetchMediaMeta(ctx, media.ID)
	if err != nil {
		return nil, "", err
	}
	if maxBytes > 0 && meta.FileSize > maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes (max %d)", channels.ErrMediaTooLarge, meta.FileSize, maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes (max %d)", channels.ErrMediaTooLarge, resp.ContentLength, maxBytes)
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", channels.ErrMediaTooLarge, maxBytes)
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = media.MimeType
	}

	w.logger.Debug("media downloaded", "media_id", media.ID, "mime", mimeType, "bytes", len(data))
	return data, mimeType, nil
}

func (w *WhatsApp) fetchMediaMeta(ctx context.Context, mediaID string) (*mediaMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.graphURL(mediaID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", channels.ErrMediaDownloadFailed, mediaID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read media metadata: %v", channels.ErrMediaDownloadFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: resolve %s: status %d", channels.ErrMediaDownloadFailed, mediaID, resp.StatusCode)
	}

	var meta mediaMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("%w: parse media metadata: %v", channels.ErrMediaDownloadFailed, err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("%w: media %s has no url", channels.ErrMediaDownloadFailed, mediaID)
	}
	return &meta, nil
}

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	last, _ := w.lastMsg.Load().(time.Time)
	return channels.HealthStatus{
		Configured:    w.cfg.AccessToken != "",
		LastMessageAt: last,
		SentCount:     w.sent.Load(),
		ErrorCount:    w.errorCount.Load(),
		Details: map[string]any{
			"graph_version":      w.cfg.GraphVersion,
			"signature_required": w.SignatureRequired(),
		},
	}
}

// truncateRunes cuts s to at most n characters without splitting a
// multi-byte sequence.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
