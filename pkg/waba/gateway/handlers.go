package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jchavesmartinez/waba/pkg/waba/channels/whatsapp"
	"github.com/jchavesmartinez/waba/pkg/waba/copilot"
)

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRoot implements GET / as a plain liveness answer.
func (g *Gateway) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	status := "ok"
	code := http.StatusOK
	resp := map[string]any{
		"version": g.version,
		"uptime":  uptime,
	}

	if g.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		st := g.db.Health.Status(ctx)
		resp["database"] = map[string]any{
			"backend": g.db.Type,
			"healthy": st.Healthy,
			"latency": st.Latency.String(),
			"error":   st.Error,
		}
		if !st.Healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if g.wa != nil {
		resp["whatsapp"] = g.wa.Health()
	}
	resp["status"] = status
	g.writeJSON(w, code, resp)
}

// handleVerify implements the GET /webhook subscription handshake.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := g.wa.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		g.logger.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		g.writeError(w, "Verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

// handleWebhook implements POST /webhook. Messages are handed to the
// assistant's per-user lanes; the response never waits for the model.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow() {
		g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if g.wa.SignatureRequired() && !g.wa.VerifySignature(body, r.Header.Get(whatsapp.SignatureHeader)) {
		g.logger.Warn("webhook signature mismatch", "request_id", requestID(r.Context()))
		g.writeError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		g.logger.Warn("malformed webhook payload", "error", err, "request_id", requestID(r.Context()))
		g.writeError(w, "invalid payload", http.StatusBadRequest)
		return
	}
	g.logger.Debug("webhook received", "messages", len(msgs), "bytes", len(body))

	if len(msgs) > 0 {
		// Refuse the whole batch up front so a redelivery never repeats
		// messages that were already queued.
		if !g.assistant.Accepting() {
			g.writeError(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		g.wa.Touch()
	}

	accepted := 0
	for i, msg := range msgs {
		// Rejections are logged by Submit.
		err := g.assistant.Submit(msg)
		if errors.Is(err, copilot.ErrClosed) {
			if accepted == 0 {
				g.writeError(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
			// Part of the batch is queued; a redelivery would duplicate it.
			g.logger.Warn("shutdown during webhook batch, remaining messages dropped",
				"accepted", accepted, "dropped", len(msgs)-i, "request_id", requestID(r.Context()))
			break
		}
		if err == nil {
			accepted++
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := g.assistant.Config()
	g.writeJSON(w, http.StatusOK, map[string]any{
		"name":      cfg.Name,
		"model":     cfg.Model,
		"wire_api":  cfg.API.WireAPI,
		"assistant": g.assistant.Stats(),
	})
}

// handleUsers implements GET /api/users?limit=N
func (g *Gateway) handleUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.queryLimit(w, r)
	if !ok {
		return
	}
	users, err := g.assistant.Store().Users(r.Context(), limit)
	if err != nil {
		g.logger.Error("list users failed", "error", err)
		g.writeError(w, "storage error", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// handleUserHistory implements GET /api/users/{id}/history?limit=N
func (g *Gateway) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.queryLimit(w, r)
	if !ok {
		return
	}
	user := r.PathValue("id")
	turns, err := g.assistant.Store().History(r.Context(), user, limit)
	if err != nil {
		g.logger.Error("load history failed", "user", user, "error", err)
		g.writeError(w, "storage error", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"user": user, "turns": turns})
}

// handleUserPending implements GET /api/users/{id}/pending
func (g *Gateway) handleUserPending(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("id")
	pending, err := g.assistant.Store().FetchUnprocessed(r.Context(), user)
	if err != nil {
		g.logger.Error("load pending failed", "user", user, "error", err)
		g.writeError(w, "storage error", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"state":   g.assistant.Debouncer().State(user).String(),
		"pending": pending,
	})
}

// queryLimit parses ?limit=N. Zero means the store default.
func (g *Gateway) queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		g.writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
