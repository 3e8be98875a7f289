// Package media validates inbound WhatsApp media and turns voice notes and
// images into text surrogates the language model can read.
package media

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MediaType is the coarse category of a MIME type.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeVideo    MediaType = "video"
	MediaTypeDocument MediaType = "document"
)

// AllowedMimeTypes defines permitted MIME types for each media category.
var AllowedMimeTypes = map[MediaType][]string{
	MediaTypeImage: {
		"image/jpeg",
		"image/png",
		"image/webp",
		"image/gif",
	},
	MediaTypeAudio: {
		"audio/ogg",
		"audio/opus",
		"audio/mpeg",
		"audio/mp3",
		"audio/mp4",
		"audio/x-m4a",
		"audio/aac",
		"audio/amr",
		"audio/wav",
		"audio/x-wav",
		"audio/webm",
		"video/ogg", // OGG can be audio or video
	},
}

var (
	// ErrMimeNotAllowed reports a MIME type outside AllowedMimeTypes.
	ErrMimeNotAllowed = errors.New("mime type not allowed")
	// ErrTooLarge reports a payload over the category ceiling.
	ErrTooLarge = errors.New("media too large")
)

// Config holds the media limits and collaborator timeouts.
type Config struct {
	// MaxImageSize in bytes (default: 10MB).
	MaxImageSize int64 `yaml:"max_image_size"`

	// MaxAudioSize in bytes (default: 25MB, the transcription upload limit).
	MaxAudioSize int64 `yaml:"max_audio_size"`

	// TranscriptionTimeout bounds one speech-to-text call (default: 180s).
	TranscriptionTimeout time.Duration `yaml:"transcription_timeout"`

	// VisionTimeout bounds one image description call (default: 60s).
	VisionTimeout time.Duration `yaml:"vision_timeout"`
}

// DefaultConfig returns default limits.
func DefaultConfig() Config {
	return Config{
		MaxImageSize:         10 * 1024 * 1024,
		MaxAudioSize:         25 * 1024 * 1024,
		TranscriptionTimeout: 180 * time.Second,
		VisionTimeout:        60 * time.Second,
	}
}

// Effective returns a copy with defaults applied for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.MaxImageSize <= 0 {
		out.MaxImageSize = def.MaxImageSize
	}
	if out.MaxAudioSize <= 0 {
		out.MaxAudioSize = def.MaxAudioSize
	}
	if out.TranscriptionTimeout <= 0 {
		out.TranscriptionTimeout = def.TranscriptionTimeout
	}
	if out.VisionTimeout <= 0 {
		out.VisionTimeout = def.VisionTimeout
	}
	return out
}

// MaxSizeForType returns the ceiling for a category, 0 when unlimited.
func (c Config) MaxSizeForType(t MediaType) int64 {
	switch t {
	case MediaTypeImage:
		return c.MaxImageSize
	case MediaTypeAudio:
		return c.MaxAudioSize
	default:
		return 0
	}
}

// ValidationResult contains validation output.
type ValidationResult struct {
	MimeType string
	Type     MediaType
	Size     int64
}

// Validator checks MIME type and size.
type Validator struct {
	config Config
}

// NewValidator creates a new validator.
func NewValidator(config Config) *Validator {
	return &Validator{config: config.Effective()}
}

// Validate checks data against the allowlist and the category ceiling.
// An empty mimeType is sniffed from the content.
func (v *Validator) Validate(data []byte, mimeType string) (*ValidationResult, error) {
	mimeType = BaseMime(mimeType)
	if mimeType == "" {
		mimeType = DetectMimeType(data)
	}

	result := &ValidationResult{
		MimeType: mimeType,
		Type:     CategorizeType(mimeType),
		Size:     int64(len(data)),
	}

	if !isAllowedMime(mimeType) {
		return result, fmt.Errorf("%w: %s", ErrMimeNotAllowed, mimeType)
	}

	if limit := v.config.MaxSizeForType(result.Type); limit > 0 && result.Size > limit {
		return result, fmt.Errorf("%w: %d bytes exceeds %d for %s", ErrTooLarge, result.Size, limit, result.Type)
	}
	return result, nil
}

func isAllowedMime(mimeType string) bool {
	for _, allowed := range AllowedMimeTypes {
		for _, m := range allowed {
			if m == mimeType {
				return true
			}
		}
	}
	return false
}

// BaseMime strips parameters ("audio/ogg; codecs=opus" → "audio/ogg") and
// lowercases the result.
func BaseMime(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// DetectMimeType sniffs the first 512 bytes. OGG containers are reported as
// audio since that is what WhatsApp voice notes are.
func DetectMimeType(data []byte) string {
	detected := BaseMime(http.DetectContentType(data))
	if detected == "application/ogg" {
		return "audio/ogg"
	}
	return detected
}

// CategorizeType maps MIME type to MediaType.
func CategorizeType(mimeType string) MediaType {
	mimeType = BaseMime(mimeType)

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaTypeImage
	case strings.HasPrefix(mimeType, "audio/"), mimeType == "video/ogg":
		return MediaTypeAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MediaTypeVideo
	default:
		return MediaTypeDocument
	}
}

// FilenameFor builds an upload filename whose extension matches the MIME
// type; transcription endpoints infer the codec from it.
func FilenameFor(mimeType string) string {
	switch BaseMime(mimeType) {
	case "audio/ogg", "audio/opus", "video/ogg":
		return "audio.ogg"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/mp4", "audio/x-m4a", "audio/aac":
		return "audio.m4a"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/webm":
		return "audio.webm"
	case "audio/amr":
		return "audio.amr"
	case "image/png":
		return "image.png"
	case "image/webp":
		return "image.webp"
	case "image/gif":
		return "image.gif"
	case "image/jpeg":
		return "image.jpg"
	default:
		return "media.bin"
	}
}
