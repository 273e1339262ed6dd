// Package alert notifies an operator chat when a drift loop stops because
// its job failed.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"driftloop/pkg/drift"
)

const sendTimeout = 10 * time.Second

// Sender is the part of *bot.Bot the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// NewBot creates a Telegram client for sending only: no getMe call at
// startup and no update polling.
func NewBot(token string, opts ...bot.Option) (*bot.Bot, error) {
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("alert: create telegram bot: %w", err)
	}
	return b, nil
}

// Notifier is a drift.Observer sending one message per failed loop.
// Messages beyond the rate limit are dropped and counted.
type Notifier struct {
	sender     Sender
	chatID     any
	instanceID string
	limiter    *rate.Limiter
	logger     *slog.Logger

	sent       atomic.Uint64
	suppressed atomic.Uint64
}

var _ drift.Observer = (*Notifier)(nil)

// New creates a Notifier sending to chatID at most once per every.
// every <= 0 disables throttling.
func New(sender Sender, chatID, instanceID string, every time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &Notifier{
		sender:     sender,
		chatID:     parseChatID(chatID),
		instanceID: instanceID,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("component", "alert"),
	}
}

// parseChatID keeps "@channel" names as strings and turns numeric IDs into int64.
func parseChatID(s string) any {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id
	}
	return s
}

// Observe implements drift.Observer.
func (n *Notifier) Observe(e drift.Event) {
	if e.Kind != drift.EventStopped || e.Reason != drift.StopJobFailed {
		return
	}
	if !n.limiter.Allow() {
		n.suppressed.Add(1)
		n.logger.Warn("alert suppressed by rate limit", slog.String("loop", e.Loop))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   Message(n.instanceID, e),
	})
	if err != nil {
		n.logger.Error("failed to send alert", slog.String("loop", e.Loop), slog.Any("error", err))
		return
	}
	n.sent.Add(1)
	n.logger.Info("alert sent", slog.String("loop", e.Loop))
}

// Sent returns the number of delivered alerts.
func (n *Notifier) Sent() uint64 { return n.sent.Load() }

// Suppressed returns the number of alerts dropped by the rate limit.
func (n *Notifier) Suppressed() uint64 { return n.suppressed.Load() }

// Message renders the alert text for a stop event.
func Message(instanceID string, e drift.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "drift loop %q stopped after %d cycles", e.Loop, e.Cycle)
	if !e.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " at %s", e.FinishedAt.UTC().Format(time.RFC3339))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v", e.Err)
	}
	if instanceID != "" {
		fmt.Fprintf(&b, "\ninstance: %s", instanceID)
	}
	return b.String()
}
