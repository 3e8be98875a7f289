// Package copilot wires the WhatsApp bridge together: configuration, the
// OpenAI-compatible LLM client, the inbound lanes and the Assistant that
// aggregates each user's burst of messages into one reply.
package copilot

import (
	"errors"
	"fmt"
	"time"

	"github.com/jchavesmartinez/waba/pkg/waba/channels/whatsapp"
	"github.com/jchavesmartinez/waba/pkg/waba/database"
	"github.com/jchavesmartinez/waba/pkg/waba/media"
)

// DefaultFallbackReply is delivered when the model fails or answers empty.
const DefaultFallbackReply = "Hubo un problema al generar la respuesta."

// Config holds the whole bridge configuration.
type Config struct {
	// Name identifies this deployment in logs and the status endpoint.
	Name string `yaml:"name" env:"WABA_NAME"`

	// Model is the chat model (default: gpt-4o-mini).
	Model string `yaml:"model" env:"OPENAI_MODEL"`

	// Instructions is the system persona. Empty selects the built-in one.
	Instructions string `yaml:"instructions"`

	// FallbackReply replaces a failed or empty model answer.
	FallbackReply string `yaml:"fallback_reply"`

	API       APIConfig       `yaml:"api"`
	WhatsApp  whatsapp.Config `yaml:"whatsapp"`
	Media     MediaConfig     `yaml:"media"`
	Queue     QueueConfig     `yaml:"queue"`
	History   HistoryConfig   `yaml:"history"`
	Database  database.Config `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig configures the OpenAI-compatible endpoint.
type APIConfig struct {
	// BaseURL is the API root (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`

	// APIKey is the bearer token. Prefer ${OPENAI_API_KEY} or the keyring.
	APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`

	// WireAPI selects the request shape: "chat" (/chat/completions, default)
	// or "responses" (/responses).
	WireAPI string `yaml:"wire_api" env:"OPENAI_WIRE_API"`

	// Timeout bounds one completion call (default: 40s).
	Timeout time.Duration `yaml:"timeout"`
}

// MediaConfig configures voice note transcription and image description.
type MediaConfig struct {
	media.Config `yaml:",inline"`

	// VisionEnabled turns image description on (default: true).
	VisionEnabled bool `yaml:"vision_enabled"`

	// VisionModel overrides the chat model for images. Empty uses Model.
	VisionModel string `yaml:"vision_model"`

	// VisionDetail is the image_url detail hint: "auto", "low" or "high".
	VisionDetail string `yaml:"vision_detail"`

	// VisionPrompt is the instruction sent with each image.
	VisionPrompt string `yaml:"vision_prompt"`

	// TranscriptionEnabled turns speech-to-text on (default: true).
	TranscriptionEnabled bool `yaml:"transcription_enabled"`

	// TranscriptionModel is the speech-to-text model (default: whisper-1).
	TranscriptionModel string `yaml:"transcription_model"`

	// TranscriptionBaseURL overrides API.BaseURL for transcription.
	TranscriptionBaseURL string `yaml:"transcription_base_url"`

	// TranscriptionAPIKey overrides API.APIKey for transcription.
	TranscriptionAPIKey string `yaml:"transcription_api_key" env:"WABA_TRANSCRIPTION_API_KEY"`

	// TranscriptionLanguage is an ISO-639-1 hint (default: es).
	TranscriptionLanguage string `yaml:"transcription_language"`
}

// QueueConfig configures the per-user debounce.
type QueueConfig struct {
	// Debounce is the silence window before a burst is answered (default: 5s).
	Debounce time.Duration `yaml:"debounce" env:"WABA_DEBOUNCE"`

	// LaneBuffer is the per-user inbound backlog before Submit rejects (default: 64).
	LaneBuffer int `yaml:"lane_buffer"`
}

// HistoryConfig bounds the context window sent to the model.
type HistoryConfig struct {
	// MaxChars caps the summed character length of history turns (default: 6000).
	MaxChars int `yaml:"max_chars"`

	// MaxTurns caps the number of history turns (default: 10).
	MaxTurns int `yaml:"max_turns"`
}

// GatewayConfig configures the HTTP server.
type GatewayConfig struct {
	// Address is the listen address (default: ":8000").
	Address string `yaml:"address" env:"WABA_ADDR"`

	// Port, when set, overrides the port of Address. Hosting platforms
	// commonly inject it.
	Port int `yaml:"port" env:"PORT"`

	// AuthToken protects /api/. Empty disables the admin API.
	AuthToken string `yaml:"auth_token" env:"WABA_ADMIN_TOKEN"`

	// RateLimit is the sustained webhook requests per second (default: 20).
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token bucket size (default: 40).
	RateBurst int `yaml:"rate_burst"`

	// MaxBodyBytes caps webhook bodies (default: 1MB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ListenAddress returns Address with Port applied.
func (g GatewayConfig) ListenAddress() string {
	if g.Port > 0 {
		return fmt.Sprintf(":%d", g.Port)
	}
	return g.Address
}

// RetentionConfig configures the maintenance job that purges answered
// pending rows. Chat history is never purged.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec (default: "@daily").
	Schedule string `yaml:"schedule"`

	// ProcessedTTL is how long processed rows are kept (default: 720h).
	ProcessedTTL time.Duration `yaml:"processed_ttl"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level" env:"WABA_LOG_LEVEL"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format" env:"WABA_LOG_FORMAT"`
}

// DefaultMediaConfig returns media defaults with both converters enabled.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		Config:                media.DefaultConfig(),
		VisionEnabled:         true,
		VisionDetail:          "auto",
		VisionPrompt:          "Describe brevemente la imagen en español. Si contiene texto, transcríbelo.",
		TranscriptionEnabled:  true,
		TranscriptionModel:    "whisper-1",
		TranscriptionLanguage: "es",
	}
}

// Effective returns a copy with defaults applied for zero fields.
// Boolean switches are left alone.
func (m MediaConfig) Effective() MediaConfig {
	def := DefaultMediaConfig()
	out := m
	out.Config = m.Config.Effective()
	if out.VisionDetail == "" {
		out.VisionDetail = def.VisionDetail
	}
	if out.VisionPrompt == "" {
		out.VisionPrompt = def.VisionPrompt
	}
	if out.TranscriptionModel == "" {
		out.TranscriptionModel = def.TranscriptionModel
	}
	return out
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:          "waba",
		Model:         "gpt-4o-mini",
		FallbackReply: DefaultFallbackReply,
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
			WireAPI: "chat",
			Timeout: 40 * time.Second,
		},
		WhatsApp: whatsapp.DefaultConfig(),
		Media:    DefaultMediaConfig(),
		Queue: QueueConfig{
			Debounce:   5 * time.Second,
			LaneBuffer: 64,
		},
		History: HistoryConfig{
			MaxChars: 6000,
			MaxTurns: 10,
		},
		Database: database.DefaultConfig(),
		Gateway: GatewayConfig{
			Address:      ":8000",
			RateLimit:    20,
			RateBurst:    40,
			MaxBodyBytes: 1 << 20,
		},
		Retention: RetentionConfig{
			Enabled:      true,
			Schedule:     "@daily",
			ProcessedTTL: 720 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Effective returns a copy with defaults applied for zero fields.
func (c *Config) Effective() *Config {
	def := DefaultConfig()
	out := *c
	if out.Name == "" {
		out.Name = def.Name
	}
	if out.Model == "" {
		out.Model = def.Model
	}
	if out.Instructions == "" {
		out.Instructions = SystemPrompt
	}
	if out.FallbackReply == "" {
		out.FallbackReply = def.FallbackReply
	}
	if out.API.BaseURL == "" {
		out.API.BaseURL = def.API.BaseURL
	}
	if out.API.WireAPI == "" {
		out.API.WireAPI = def.API.WireAPI
	}
	if out.API.Timeout <= 0 {
		out.API.Timeout = def.API.Timeout
	}
	out.WhatsApp = out.WhatsApp.Effective()
	out.Media = out.Media.Effective()
	if out.Queue.Debounce == 0 {
		out.Queue.Debounce = def.Queue.Debounce
	}
	if out.Queue.LaneBuffer <= 0 {
		out.Queue.LaneBuffer = def.Queue.LaneBuffer
	}
	if out.History.MaxChars <= 0 {
		out.History.MaxChars = def.History.MaxChars
	}
	if out.History.MaxTurns <= 0 {
		out.History.MaxTurns = def.History.MaxTurns
	}
	out.Database = out.Database.Effective()
	if out.Gateway.Address == "" {
		out.Gateway.Address = def.Gateway.Address
	}
	if out.Gateway.RateLimit <= 0 {
		out.Gateway.RateLimit = def.Gateway.RateLimit
	}
	if out.Gateway.RateBurst <= 0 {
		out.Gateway.RateBurst = def.Gateway.RateBurst
	}
	if out.Gateway.MaxBodyBytes <= 0 {
		out.Gateway.MaxBodyBytes = def.Gateway.MaxBodyBytes
	}
	if out.Retention.Schedule == "" {
		out.Retention.Schedule = def.Retention.Schedule
	}
	if out.Retention.ProcessedTTL <= 0 {
		out.Retention.ProcessedTTL = def.Retention.ProcessedTTL
	}
	if out.Logging.Level == "" {
		out.Logging.Level = def.Logging.Level
	}
	if out.Logging.Format == "" {
		out.Logging.Format = def.Logging.Format
	}
	return &out
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.Debounce < 0 {
		errs = append(errs, fmt.Errorf("queue.debounce must not be negative, got %s", c.Queue.Debounce))
	}
	switch c.API.WireAPI {
	case "", "chat", "responses":
	default:
		errs = append(errs, fmt.Errorf("api.wire_api must be \"chat\" or \"responses\", got %q", c.API.WireAPI))
	}
	switch c.Database.Backend {
	case "", database.BackendSQLite, database.BackendPostgreSQL:
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not supported", c.Database.Backend))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format))
	}
	if c.WhatsApp.VerifyToken == "" {
		errs = append(errs, errors.New("whatsapp.verify_token is required"))
	}
	return errors.Join(errs...)
}
