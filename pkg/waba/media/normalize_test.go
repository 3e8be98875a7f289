package media

import (
	"context"
	"errors"
	"testing"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
)

type fakeDownloader struct {
	data     []byte
	mimeType string
	err      error
	maxSeen  int64
}

func (f *fakeDownloader) DownloadMedia(_ context.Context, _ *channels.MediaInfo, maxBytes int64) ([]byte, string, error) {
	f.maxSeen = maxBytes
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.mimeType, nil
}

func audioMsg() *channels.IncomingMessage {
	return &channels.IncomingMessage{
		From: "u1", Type: channels.MessageAudio,
		Media: &channels.MediaInfo{ID: "M1", Type: channels.MessageAudio, MimeType: "audio/ogg; codecs=opus", Voice: true},
	}
}

func imageMsg(caption string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		From: "u1", Type: channels.MessageImage,
		Media: &channels.MediaInfo{ID: "M2", Type: channels.MessageImage, MimeType: "image/jpeg", Caption: caption},
	}
}

func TestNormalizer_Text(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil, Config{}, nil)

	got, ok := n.Normalize(context.Background(), &channels.IncomingMessage{Type: channels.MessageText, Content: " Hola "})
	if !ok || got != "Hola" {
		t.Errorf("Normalize() = (%q, %v), want (%q, true)", got, ok, "Hola")
	}

	if _, ok := n.Normalize(context.Background(), &channels.IncomingMessage{Type: channels.MessageText, Content: "   "}); ok {
		t.Error("blank text must not be enqueued")
	}
}

func TestNormalizer_Audio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		downloader *fakeDownloader
		transcribe TranscribeFunc
		want       string
	}{
		{
			name:       "transcribed",
			downloader: &fakeDownloader{data: []byte("OggS"), mimeType: "audio/ogg"},
			transcribe: func(_ context.Context, _ []byte, filename string) (string, error) {
				if filename != "audio.ogg" {
					return "", errors.New("unexpected filename " + filename)
				}
				return " quiero alquilar ", nil
			},
			want: "[Audio transcrito]: quiero alquilar",
		},
		{
			name:       "download fails",
			downloader: &fakeDownloader{err: channels.ErrMediaDownloadFailed},
			transcribe: func(context.Context, []byte, string) (string, error) { return "never", nil },
			want:       AudioFailedPlaceholder,
		},
		{
			name:       "transcription fails",
			downloader: &fakeDownloader{data: []byte("OggS"), mimeType: "audio/ogg"},
			transcribe: func(context.Context, []byte, string) (string, error) { return "", errors.New("timeout") },
			want:       AudioFailedPlaceholder,
		},
		{
			name:       "empty transcript",
			downloader: &fakeDownloader{data: []byte("OggS"), mimeType: "audio/ogg"},
			transcribe: func(context.Context, []byte, string) (string, error) { return "  ", nil },
			want:       AudioFailedPlaceholder,
		},
		{
			name:       "not configured",
			downloader: &fakeDownloader{data: []byte("OggS"), mimeType: "audio/ogg"},
			want:       AudioFailedPlaceholder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []Option
			if tt.transcribe != nil {
				opts = append(opts, WithTranscription(tt.transcribe))
			}
			n := NewNormalizer(tt.downloader, Config{}, nil, opts...)
			got, ok := n.Normalize(context.Background(), audioMsg())
			if !ok {
				t.Fatal("audio must always be enqueued")
			}
			if got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizer_AudioCeiling(t *testing.T) {
	t.Parallel()

	dl := &fakeDownloader{data: make([]byte, 64), mimeType: "audio/ogg"}
	called := false
	n := NewNormalizer(dl, Config{MaxAudioSize: 32}, nil, WithTranscription(func(context.Context, []byte, string) (string, error) {
		called = true
		return "x", nil
	}))

	got, _ := n.Normalize(context.Background(), audioMsg())
	if got != AudioFailedPlaceholder {
		t.Errorf("Normalize() = %q, want placeholder", got)
	}
	if called {
		t.Error("oversized audio reached the transcriber")
	}
	if dl.maxSeen != 32 {
		t.Errorf("downloader ceiling = %d, want 32", dl.maxSeen)
	}
}

func TestNormalizer_Image(t *testing.T) {
	t.Parallel()

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	describe := WithVision(func(_ context.Context, _ []byte, mimeType string) (string, error) {
		return "Una sala amplia con ventanales", nil
	})

	t.Run("described", func(t *testing.T) {
		n := NewNormalizer(&fakeDownloader{data: jpeg, mimeType: "image/jpeg"}, Config{}, nil, describe)
		got, ok := n.Normalize(context.Background(), imageMsg(""))
		if !ok || got != "[Imagen analizada]: Una sala amplia con ventanales" {
			t.Errorf("Normalize() = (%q, %v)", got, ok)
		}
	})

	t.Run("caption appended", func(t *testing.T) {
		n := NewNormalizer(&fakeDownloader{data: jpeg, mimeType: "image/jpeg"}, Config{}, nil, describe)
		got, _ := n.Normalize(context.Background(), imageMsg("¿Está disponible?"))
		want := "[Imagen analizada]: Una sala amplia con ventanales\n¿Está disponible?"
		if got != want {
			t.Errorf("Normalize() = %q, want %q", got, want)
		}
	})

	t.Run("unresolvable media", func(t *testing.T) {
		n := NewNormalizer(&fakeDownloader{err: channels.ErrMediaDownloadFailed}, Config{}, nil, describe)
		got, ok := n.Normalize(context.Background(), imageMsg(""))
		if !ok || got != ImageFailedPlaceholder {
			t.Errorf("Normalize() = (%q, %v), want placeholder", got, ok)
		}
	})

	t.Run("missing media id", func(t *testing.T) {
		n := NewNormalizer(&fakeDownloader{data: jpeg}, Config{}, nil, describe)
		msg := &channels.IncomingMessage{From: "u1", Type: channels.MessageImage}
		got, ok := n.Normalize(context.Background(), msg)
		if !ok || got != ImageFailedPlaceholder {
			t.Errorf("Normalize() = (%q, %v), want placeholder", got, ok)
		}
	})
}

func TestNormalizer_IgnoresOtherKinds(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil, Config{}, nil)
	for _, typ := range []channels.MessageType{channels.MessageSticker, channels.MessageDocument, channels.MessageLocation, channels.MessageUnknown} {
		if got, ok := n.Normalize(context.Background(), &channels.IncomingMessage{Type: typ}); ok || got != "" {
			t.Errorf("Normalize(%s) = (%q, %v), want ignored", typ, got, ok)
		}
	}
}
