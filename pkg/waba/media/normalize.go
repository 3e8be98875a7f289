package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
)

// Text surrogates stored in place of non-text messages.
const (
	AudioTranscribedPrefix = "[Audio transcrito]: "
	AudioFailedPlaceholder = "[Audio recibido]: (no se pudo transcribir)"
	ImageAnalyzedPrefix    = "[Imagen analizada]: "
	ImageFailedPlaceholder = "[Imagen recibida]: (no se pudo analizar)"
)

// VisionFunc describes an image.
type VisionFunc func(ctx context.Context, imageData []byte, mimeType string) (string, error)

// TranscribeFunc transcribes audio. filename carries the codec extension.
type TranscribeFunc func(ctx context.Context, audioData []byte, filename string) (string, error)

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithVision sets the vision function.
func WithVision(fn VisionFunc) Option {
	return func(n *Normalizer) { n.visionFn = fn }
}

// WithTranscription sets the transcription function.
func WithTranscription(fn TranscribeFunc) Option {
	return func(n *Normalizer) { n.transcribeFn = fn }
}

// Normalizer converts an inbound message into the single text line that
// is queued and stored for it.
type Normalizer struct {
	downloader channels.MediaDownloader
	validator  *Validator
	config     Config
	logger     *slog.Logger

	visionFn     VisionFunc
	transcribeFn TranscribeFunc
}

// NewNormalizer creates a normalizer. Without a transcription or vision
// function the corresponding media always yields its failure placeholder.
func NewNormalizer(downloader channels.MediaDownloader, cfg Config, logger *slog.Logger, opts ...Option) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	n := &Normalizer{
		downloader: downloader,
		validator:  NewValidator(cfg),
		config:     cfg,
		logger:     logger.With("component", "media"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize returns the text to enqueue for msg and whether anything
// should be enqueued at all. Text is passed through; audio and images are
// converted, degrading to a fixed placeholder on any failure so the user's
// turn is never lost. Other kinds are ignored.
func (n *Normalizer) Normalize(ctx context.Context, msg *channels.IncomingMessage) (string, bool) {
	switch msg.Type {
	case channels.MessageText:
		text := strings.TrimSpace(msg.Content)
		return text, text != ""

	case channels.MessageAudio:
		transcript, err := n.transcribe(ctx, msg)
		if err != nil {
			n.logger.Warn("audio transcription failed", "user", msg.From, "error", err)
			return AudioFailedPlaceholder, true
		}
		return AudioTranscribedPrefix + transcript, true

	case channels.MessageImage:
		out := ImageFailedPlaceholder
		desc, err := n.describe(ctx, msg)
		if err != nil {
			n.logger.Warn("image analysis failed", "user", msg.From, "error", err)
		} else {
			out = ImageAnalyzedPrefix + desc
		}
		if msg.Media != nil && msg.Media.Caption != "" {
			out += "\n" + msg.Media.Caption
		}
		return out, true

	default:
		n.logger.Debug("ignoring unsupported message type", "user", msg.From, "type", msg.Type)
		return "", false
	}
}

func (n *Normalizer) transcribe(ctx context.Context, msg *channels.IncomingMessage) (string, error) {
	if n.transcribeFn == nil {
		return "", errors.New("transcription not configured")
	}
	data, mimeType, err := n.fetch(ctx, msg, n.config.MaxAudioSize)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.TranscriptionTimeout)
	defer cancel()

	text, err := n.transcribeFn(ctx, data, FilenameFor(mimeType))
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

func (n *Normalizer) describe(ctx context.Context, msg *channels.IncomingMessage) (string, error) {
	if n.visionFn == nil {
		return "", errors.New("vision not configured")
	}
	data, mimeType, err := n.fetch(ctx, msg, n.config.MaxImageSize)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.VisionTimeout)
	defer cancel()

	desc, err := n.visionFn(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("describe: %w", err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", errors.New("empty description")
	}
	return desc, nil
}

// fetch downloads and validates media, preferring the downloaded MIME type
// over the one announced in the webhook.
func (n *Normalizer) fetch(ctx context.Context, msg *channels.IncomingMessage, maxBytes int64) ([]byte, string, error) {
	if !msg.HasMedia() {
		return nil, "", errors.New("message has no media id")
	}
	if n.downloader == nil {
		return nil, "", errors.New("no media downloader")
	}

	data, mimeType, err := n.downloader.DownloadMedia(ctx, msg.Media, maxBytes)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if mimeType == "" {
		mimeType = msg.Media.MimeType
	}

	result, err := n.validator.Validate(data, mimeType)
	if err != nil {
		return nil, "", err
	}
	return data, result.MimeType, nil
}
