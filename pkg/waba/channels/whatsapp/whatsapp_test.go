package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
)

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		w := New(Config{}, nil)
		cfg := w.Config()
		if cfg.GraphVersion != "v22.0" {
			t.Errorf("GraphVersion = %q, want %q", cfg.GraphVersion, "v22.0")
		}
		if cfg.MaxMessageChars != 4000 {
			t.Errorf("MaxMessageChars = %d, want 4000", cfg.MaxMessageChars)
		}
		if cfg.SendTimeout != 10*time.Second {
			t.Errorf("SendTimeout = %v, want 10s", cfg.SendTimeout)
		}
		if w.Name() != "whatsapp" {
			t.Errorf("Name = %q, want whatsapp", w.Name())
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		w := New(Config{GraphBaseURL: "http://graph.local/"}, nil)
		if got := w.graphURL("PN", "messages"); got != "http://graph.local/v22.0/PN/messages" {
			t.Errorf("graphURL = %q", got)
		}
	})
}

// graphStub records requests to a fake Graph API.
type graphStub struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (g *graphStub) record(r *http.Request) string {
	b, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.requests = append(g.requests, r)
	g.bodies = append(g.bodies, string(b))
	g.mu.Unlock()
	return string(b)
}

func TestSend(t *testing.T) {
	stub := &graphStub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		if r.URL.Path != "/v22.0/PN_1/messages" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	wa := New(Config{AccessToken: "tok", GraphBaseURL: srv.URL}, nil)

	long := strings.Repeat("ñ", 4100)
	if err := wa.Send(context.Background(), "PN_1", "50688887777", &channels.OutgoingMessage{Content: long}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var sent sendRequest
	if err := json.Unmarshal([]byte(stub.bodies[0]), &sent); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sent.MessagingProduct != "whatsapp" || sent.Type != "text" || sent.To != "50688887777" {
		t.Errorf("unexpected envelope: %+v", sent)
	}
	if n := utf8.RuneCountInString(sent.Text.Body); n != 4000 {
		t.Errorf("body has %d characters, want 4000", n)
	}
	if !utf8.ValidString(sent.Text.Body) {
		t.Error("truncated body is not valid UTF-8")
	}
	if h := wa.Health(); h.SentCount != 1 {
		t.Errorf("SentCount = %d, want 1", h.SentCount)
	}
}

func TestSend_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	t.Run("missing route", func(t *testing.T) {
		wa := New(Config{AccessToken: "tok", GraphBaseURL: srv.URL}, nil)
		err := wa.Send(context.Background(), "", "1", &channels.OutgoingMessage{Content: "x"})
		if !errors.Is(err, channels.ErrMissingCredentials) {
			t.Errorf("err = %v, want ErrMissingCredentials", err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		wa := New(Config{GraphBaseURL: srv.URL}, nil)
		err := wa.Send(context.Background(), "PN", "1", &channels.OutgoingMessage{Content: "x"})
		if !errors.Is(err, channels.ErrMissingCredentials) {
			t.Errorf("err = %v, want ErrMissingCredentials", err)
		}
	})

	t.Run("non-2xx", func(t *testing.T) {
		wa := New(Config{AccessToken: "tok", GraphBaseURL: srv.URL}, nil)
		err := wa.Send(context.Background(), "PN", "1", &channels.OutgoingMessage{Content: "x"})
		if !errors.Is(err, channels.ErrSendFailed) {
			t.Errorf("err = %v, want ErrSendFailed", err)
		}
		if wa.Health().ErrorCount != 1 {
			t.Errorf("ErrorCount = %d, want 1", wa.Health().ErrorCount)
		}
	})
}

func TestDownloadMedia(t *testing.T) {
	payload := []byte("OggS-fake-voice-note")

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v22.0/MEDIA_OK":
			json.NewEncoder(w).Encode(map[string]any{
				"id": "MEDIA_OK", "url": srv.URL + "/blob/ok", "mime_type": "audio/ogg", "file_size": len(payload),
			})
		case "/v22.0/MEDIA_BIG":
			json.NewEncoder(w).Encode(map[string]any{
				"id": "MEDIA_BIG", "url": srv.URL + "/blob/big", "mime_type": "image/jpeg",
			})
		case "/v22.0/MEDIA_NOURL":
			w.Write([]byte(`{"id":"MEDIA_NOURL"}`))
		case "/blob/ok":
			w.Write(payload)
		case "/blob/big":
			w.Write([]byte(strings.Repeat("x", 2048)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	wa := New(Config{AccessToken: "tok", GraphBaseURL: srv.URL}, nil)
	ctx := context.Background()

	t.Run("two step fetch", func(t *testing.T) {
		data, mime, err := wa.DownloadMedia(ctx, &channels.MediaInfo{ID: "MEDIA_OK"}, 1024)
		if err != nil {
			t.Fatalf("DownloadMedia failed: %v", err)
		}
		if string(data) != string(payload) {
			t.Errorf("data = %q, want %q", data, payload)
		}
		if mime != "audio/ogg" {
			t.Errorf("mime = %q, want audio/ogg", mime)
		}
	})

	t.Run("size ceiling", func(t *testing.T) {
		_, _, err := wa.DownloadMedia(ctx, &channels.MediaInfo{ID: "MEDIA_BIG"}, 1024)
		if !errors.Is(err, channels.ErrMediaTooLarge) {
			t.Errorf("err = %v, want ErrMediaTooLarge", err)
		}
	})

	t.Run("declared size over ceiling", func(t *testing.T) {
		_, _, err := wa.DownloadMedia(ctx, &channels.MediaInfo{ID: "MEDIA_OK"}, 4)
		if !errors.Is(err, channels.ErrMediaTooLarge) {
			t.Errorf("err = %v, want ErrMediaTooLarge", err)
		}
	})

	t.Run("unresolvable url", func(t *testing.T) {
		_, _, err := wa.DownloadMedia(ctx, &channels.MediaInfo{ID: "MEDIA_NOURL"}, 1024)
		if !errors.Is(err, channels.ErrMediaDownloadFailed) {
			t.Errorf("err = %v, want ErrMediaDownloadFailed", err)
		}
	})

	t.Run("unknown media", func(t *testing.T) {
		_, _, err := wa.DownloadMedia(ctx, &channels.MediaInfo{ID: "MISSING"}, 1024)
		if !errors.Is(err, channels.ErrMediaDownloadFailed) {
			t.Errorf("err = %v, want ErrMediaDownloadFailed", err)
		}
	})
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hola", 10, "hola"},
		{"hola", 2, "ho"},
		{"ñandú", 3, "ñan"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
