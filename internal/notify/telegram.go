package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const sendTimeout = 10 * time.Second

// Telegram sends events through the Bot API. Tenant ids double as chat ids,
// so no separate routing table is needed.
type Telegram struct {
	http   *resty.Client
	token  string
	logger *slog.Logger
}

// NewTelegram creates a notifier for the given bot token. baseURL is
// overridable for tests and normally https://api.telegram.org.
func NewTelegram(baseURL, token string, logger *slog.Logger) *Telegram {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(sendTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Telegram{
		http:   hc,
		token:  token,
		logger: logger.With("component", "notify"),
	}
}

// Notify renders and sends one message. Errors are returned so callers can
// log them, but callers must not fail dispatch on them.
func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    ev.TenantID,
			"text":       renderMessage(ev),
			"parse_mode": "HTML",
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		t.logger.Warn("notification send failed", "tenant", ev.TenantID, "trigger", ev.TriggerID, "error", err)
		return err
	}
	if resp.IsError() {
		t.logger.Warn("notification rejected", "tenant", ev.TenantID, "trigger", ev.TriggerID, "status", resp.StatusCode())
		return fmt.Errorf("telegram status %d", resp.StatusCode())
	}
	return nil
}

// renderMessage formats the event for a chat surface.
func renderMessage(ev Event) string {
	var b strings.Builder

	name := ev.Symbol
	if ev.SymbolName != "" {
		name = fmt.Sprintf("%s %s", ev.Symbol, ev.SymbolName)
	}

	switch ev.Outcome {
	case OutcomeExecuted:
		fmt.Fprintf(&b, "✅ <b>Order executed</b>\n")
	case OutcomeFailed:
		fmt.Fprintf(&b, "❌ <b>Order failed</b>\n")
	case OutcomeExpired:
		fmt.Fprintf(&b, "⏰ <b>Trigger expired</b>\n")
	}
	fmt.Fprintf(&b, "%s\n", name)
	fmt.Fprintf(&b, "Condition: %s\n", ev.Condition)
	fmt.Fprintf(&b, "Observed: %g\n", ev.ObservedPrice)
	fmt.Fprintf(&b, "Order: %s\n", ev.Action)
	if ev.BrokerOrderRef != "" {
		fmt.Fprintf(&b, "Ref: %s\n", ev.BrokerOrderRef)
	}
	if ev.ErrorMessage != "" {
		fmt.Fprintf(&b, "Reason: %s\n", ev.ErrorMessage)
	}
	fmt.Fprintf(&b, "At: %s", ev.At.Format("2006-01-02 15:04:05"))
	return b.String()
}
