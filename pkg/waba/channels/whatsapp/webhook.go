package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

// webhookPayload mirrors the Cloud API notification envelope. Only the
// fields this bridge reads are declared.
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         webhookMetadata   `json:"metadata"`
	Contacts         []webhookContact  `json:"contacts"`
	Messages         []webhookMessage  `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type webhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *webhookText  `json:"text,omitempty"`
	Image     *webhookMedia `json:"image,omitempty"`
	Audio     *webhookMedia `json:"audio,omitempty"`
	Video     *webhookMedia `json:"video,omitempty"`
	Document  *webhookMedia `json:"document,omitempty"`
	Sticker   *webhookMedia `json:"sticker,omitempty"`
}

type webhookText struct {
	Body string `json:"body"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Voice    bool   `json:"voice"`
}

// ParseWebhook extracts inbound messages from a notification body.
// Status callbacks and messages without a sender are skipped. Text bodies
// are trimmed and NFC-normalized.
func ParseWebhook(body []byte) ([]*channels.IncomingMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channels.ErrInvalidPayload, err)
	}

	var out []*channels.IncomingMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			value := change.Value

			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range value.Messages {
				if m.From == "" {
					continue
				}
				msg := &channels.IncomingMessage{
					ID:        m.ID,
					Channel:   "whatsapp",
					From:      m.From,
					FromName:  names[m.From],
					Route:     value.Metadata.PhoneNumberID,
					Type:      messageType(m.Type),
					Timestamp: parseTimestamp(m.Timestamp),
				}
				extractContent(&m, msg)
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func messageType(t string) channels.MessageType {
	switch mt := channels.MessageType(t); mt {
	case channels.MessageText, channels.MessageImage, channels.MessageAudio,
		channels.MessageVideo, channels.MessageDocument, channels.MessageSticker,
		channels.MessageLocation, channels.MessageContact, channels.MessageReaction:
		return mt
	default:
		return channels.MessageUnknown
	}
}

func extractContent(m *webhookMessage, msg *channels.IncomingMessage) {
	var media *webhookMedia
	switch msg.Type {
	case channels.MessageText:
		if m.Text != nil {
			msg.Content = normalizeText(m.Text.Body)
		}
		return
	case channels.MessageImage:
		media = m.Image
	case channels.MessageAudio:
		media = m.Audio
	case channels.MessageVideo:
		media = m.Video
	case channels.MessageDocument:
		media = m.Document
	case channels.MessageSticker:
		media = m.Sticker
	}
	if media == nil {
		return
	}
	msg.Media = &channels.MediaInfo{
		ID:       media.ID,
		Type:     msg.Type,
		MimeType: media.MimeType,
		SHA256:   media.SHA256,
		Caption:  normalizeText(media.Caption),
		Voice:    media.Voice,
	}
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

// VerifyChallenge implements the subscription handshake. It returns the
// challenge to echo and true only when mode is "subscribe" and token
// matches the configured verify token.
func (w *WhatsApp) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || w.cfg.VerifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(w.cfg.VerifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// SignatureRequired reports whether webhook bodies must be signed.
func (w *WhatsApp) SignatureRequired() bool {
	return w.cfg.AppSecret != ""
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the raw body.
func (w *WhatsApp) VerifySignature(body []byte, header string) bool {
	if w.cfg.AppSecret == "" {
		return true
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the header value for body. Useful for clients and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Touch records inbound activity for health reporting.
func (w *WhatsApp) Touch() {
	w.lastMsg.Store(time.Now())
}
