// Package notify relays non-nominal dispatcher bus events to a Telegram
// chat: seat releases that were not an ordinary stop, and dispatch
// failures. It is a pure subscribe-and-relay: no inbound command
// handling, and routine claim/release traffic never pages the chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/seatshare/internal/bus"
)

// Telegram relays non-nominal SeatReleasedEvents and OpsAlerts from the
// bus to a single chat.
type Telegram struct {
	token  string
	chatID int64
	logger *slog.Logger

	eventBus *bus.Bus
	bot      *tgbotapi.BotAPI
	sub      *bus.Subscription
}

// New creates a Telegram notifier. The bot is not contacted until Start.
func New(token string, chatID int64, eventBus *bus.Bus, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{token: token, chatID: chatID, eventBus: eventBus, logger: logger}
}

// Start connects to the Telegram Bot API and begins relaying events
// until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("notify: telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("notify: telegram bot started", "user", bot.Self.UserName)

	t.sub = t.eventBus.Subscribe("")
	go t.relay(ctx)
	return nil
}

// Stop detaches the bus subscription.
func (t *Telegram) Stop() {
	if t.sub != nil {
		t.eventBus.Unsubscribe(t.sub)
	}
}

func (t *Telegram) relay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-t.sub.Ch():
			if !ok {
				return
			}
			text := t.format(evt)
			if text == "" {
				continue
			}
			t.send(tgbotapi.NewMessage(t.chatID, text))
		}
	}
}

// nominalReason reports whether a seat-release reason describes an
// ordinary, caller-initiated stop. Those are routine traffic, not
// something to page an operator about.
func nominalReason(reason string) bool {
	switch reason {
	case "", "requested", "user requested":
		return true
	}
	return false
}

func (t *Telegram) format(evt bus.Event) string {
	switch p := evt.Payload.(type) {
	case bus.SeatReleasedEvent:
		if nominalReason(p.Reason) {
			return ""
		}
		return fmt.Sprintf("🔓 spec %s: seat %s released by proxy %s (%s)", p.SpecID, p.SeatID, p.ProxyID, p.Reason)
	case bus.OpsAlert:
		return fmt.Sprintf("🚨 spec %s: proxy %s failed (%s): %s", p.SpecID, p.ProxyID, p.Reason, p.Message)
	default:
		return ""
	}
}

func (t *Telegram) send(msg tgbotapi.MessageConfig) {
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("notify: telegram send failed", "error", err)
	}
}
