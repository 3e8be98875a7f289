package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jchavesmartinez/waba/pkg/waba/channels"
	"github.com/jchavesmartinez/waba/pkg/waba/conversation"
	"github.com/jchavesmartinez/waba/pkg/waba/debounce"
	"github.com/jchavesmartinez/waba/pkg/waba/media"
)

// Completer produces a reply for a list of role/content messages.
type Completer interface {
	Complete(ctx context.Context, messages []conversation.Message) (string, error)
}

// InboundNormalizer turns an inbound message into the text to queue.
type InboundNormalizer interface {
	Normalize(ctx context.Context, msg *channels.IncomingMessage) (string, bool)
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithCompleter replaces the LLM client.
func WithCompleter(c Completer) Option {
	return func(a *Assistant) { a.llm = c }
}

// WithNormalizer replaces the media normalizer.
func WithNormalizer(n InboundNormalizer) Option {
	return func(a *Assistant) { a.normalizer = n }
}

// WithDownloader sets the media source used by the default normalizer.
// Without it the sender is used when it can download media.
func WithDownloader(d channels.MediaDownloader) Option {
	return func(a *Assistant) { a.downloader = d }
}

// Stats is a snapshot of the assistant's counters.
type Stats struct {
	Armed             []string `json:"armed"`
	ActiveLanes       int      `json:"active_lanes"`
	Routes            int      `json:"routes"`
	Cycles            int64    `json:"cycles"`
	Fallbacks         int64    `json:"fallbacks"`
	DeliveryFailures  int64    `json:"delivery_failures"`
	DebounceWindowSec float64  `json:"debounce_window_sec"`
}

// Assistant receives normalized inbound messages, debounces them per user
// and answers each burst with a single model reply.
//
// Delivery is best effort: a failed send is logged with retry=false and the
// cycle still marks its pending entries as processed, so the user is never
// answered twice for the same burst.
type Assistant struct {
	cfg    *Config
	store  *conversation.Store
	sender channels.Sender
	logger *slog.Logger

	llm        Completer
	normalizer InboundNormalizer
	downloader channels.MediaDownloader

	debouncer *debounce.Scheduler
	lanes     *laneSet

	ctx    context.Context
	cancel context.CancelFunc

	cycles           atomic.Int64
	fallbacks        atomic.Int64
	deliveryFailures atomic.Int64
}

// New creates an Assistant. sender may be nil, in which case replies are
// stored but never delivered.
func New(cfg *Config, store *conversation.Store, sender channels.Sender, logger *slog.Logger, opts ...Option) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	ctx, cancel := context.WithCancel(context.Background())
	a := &Assistant{
		cfg:    cfg,
		store:  store,
		sender: sender,
		logger: logger.With("component", "assistant"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.llm == nil {
		a.llm = NewLLMClient(cfg, logger)
	}
	if a.normalizer == nil {
		a.normalizer = a.defaultNormalizer(logger)
	}

	a.debouncer = debounce.New(cfg.Queue.Debounce, a.aggregate,
		debounce.WithLogger(logger.With("component", "debounce")))
	a.lanes = newLaneSet(ctx, cfg.Queue.LaneBuffer, a.handleInbound)
	return a
}

func (a *Assistant) defaultNormalizer(logger *slog.Logger) InboundNormalizer {
	downloader := a.downloader
	if downloader == nil {
		downloader, _ = a.sender.(channels.MediaDownloader)
	}

	var opts []media.Option
	if client, ok := a.llm.(*LLMClient); ok {
		if a.cfg.Media.VisionEnabled {
			opts = append(opts, media.WithVision(client.DescribeImage))
		}
		if a.cfg.Media.TranscriptionEnabled {
			opts = append(opts, media.WithTranscription(client.TranscribeAudio))
		}
	}
	return media.NewNormalizer(downloader, a.cfg.Media.Config, logger, opts...)
}

// Config returns the effective configuration.
func (a *Assistant) Config() *Config { return a.cfg }

// Store returns the conversation store.
func (a *Assistant) Store() *conversation.Store { return a.store }

// Accepting reports whether Submit still takes messages.
func (a *Assistant) Accepting() bool { return !a.lanes.isClosed() }

// Debouncer returns the per-user scheduler.
func (a *Assistant) Debouncer() *debounce.Scheduler { return a.debouncer }

// Submit hands an inbound message to its user's lane and returns
// immediately. Normalization, persistence and rescheduling happen on the
// lane worker.
func (a *Assistant) Submit(msg *channels.IncomingMessage) error {
	if msg == nil || msg.From == "" {
		return fmt.Errorf("%w: message without sender", channels.ErrInvalidPayload)
	}
	if err := a.lanes.submit(msg); err != nil {
		a.logger.Warn("inbound message rejected", "user", msg.From, "id", msg.ID, "error", err)
		return err
	}
	return nil
}

// handleInbound runs on the user's lane: normalize, enqueue, reschedule.
func (a *Assistant) handleInbound(ctx context.Context, msg *channels.IncomingMessage) {
	text, ok := a.normalizer.Normalize(ctx, msg)
	if !ok {
		return
	}

	entry, err := a.store.Enqueue(ctx, msg.From, text)
	if err != nil {
		a.logger.Error("failed to enqueue message", "user", msg.From, "id", msg.ID, "error", err)
		return
	}

	if err := a.debouncer.Schedule(msg.From, msg.Route); err != nil {
		a.logger.Warn("message queued but not scheduled", "user", msg.From, "pending_id", entry.ID, "error", err)
		return
	}
	a.logger.Debug("message queued",
		"user", msg.From,
		"type", msg.Type,
		"pending_id", entry.ID,
		"route", msg.Route,
	)
}

// aggregate answers every pending message of user with one reply. It is
// the debounce fire callback; route is the last route seen for the user.
func (a *Assistant) aggregate(ctx context.Context, user, route string) error {
	start := time.Now()
	logger := a.logger.With("user", user, "cycle_id", uuid.NewString())

	pending, err := a.store.FetchUnprocessed(ctx, user)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}
	if len(pending) == 0 {
		logger.Debug("nothing pending")
		return nil
	}
	a.cycles.Add(1)

	history, err := a.store.RecentHistory(ctx, user, a.cfg.History.MaxChars, a.cfg.History.MaxTurns)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	messages := BuildMessages(a.cfg.Instructions, history, pending)
	reply, err := a.llm.Complete(ctx, messages)
	if err != nil || reply == "" {
		attrs := []any{"error", err}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			attrs = append(attrs, "kind", apiErr.Kind.String(), "status", apiErr.StatusCode)
			if apiErr.RetryAfterSec > 0 {
				attrs = append(attrs, "retry_after_sec", apiErr.RetryAfterSec)
			}
		}
		logger.Warn("model call failed, using fallback reply", attrs...)
		reply = a.cfg.FallbackReply
		a.fallbacks.Add(1)
	}

	if _, err := a.store.Append(ctx, user, conversation.RoleAssistant, reply); err != nil {
		return fmt.Errorf("append reply: %w", err)
	}

	a.deliver(ctx, logger, user, route, reply)

	ids := make([]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	marked, err := a.store.MarkProcessedIDs(ctx, user, ids)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	logger.Info("cycle complete",
		"pending", len(pending),
		"marked", marked,
		"history", len(history),
		"reply_chars", utf8.RuneCountInString(reply),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (a *Assistant) deliver(ctx context.Context, logger *slog.Logger, user, route, reply string) {
	if route == "" {
		logger.Warn("no route recorded for user, reply not delivered")
		return
	}
	if a.sender == nil {
		logger.Warn("no sender configured, reply not delivered", "route", route)
		return
	}
	if err := a.sender.Send(ctx, route, user, &channels.OutgoingMessage{Content: reply}); err != nil {
		a.deliveryFailures.Add(1)
		logger.Error("reply delivery failed", "route", route, "retry", false, "error", err)
	}
}

// Stats returns a snapshot of the counters.
func (a *Assistant) Stats() Stats {
	return Stats{
		Armed:             a.debouncer.Armed(),
		ActiveLanes:       a.lanes.active(),
		Routes:            a.debouncer.Routes().Len(),
		Cycles:            a.cycles.Load(),
		Fallbacks:         a.fallbacks.Load(),
		DeliveryFailures:  a.deliveryFailures.Load(),
		DebounceWindowSec: a.debouncer.Window().Seconds(),
	}
}

// Stop refuses new messages, lets the lanes drain, then stops the
// scheduler: sleeping timers are dropped (their entries stay pending) and
// running cycles are awaited until ctx is done.
func (a *Assistant) Stop(ctx context.Context) error {
	laneErr := a.lanes.close(ctx)
	a.cancel()
	schedErr := a.debouncer.Stop(ctx)
	if laneErr != nil || schedErr != nil {
		return fmt.Errorf("stopping assistant: %w", errors.Join(laneErr, schedErr))
	}
	a.logger.Info("assistant stopped")
	return nil
}
