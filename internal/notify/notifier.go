// Package notify delivers operator alerts. Transports share one interface so
// the alerter and scorecard do not care where a message lands.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// Severity orders alert urgency.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Notifier delivers one alert message. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string) error
}

// LogNotifier writes alerts to the structured log. It is the default
// transport and never fails.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, severity Severity, message string) error {
	var evt *zerolog.Event
	switch severity {
	case SeverityCritical:
		evt = log.Error()
	case SeverityHigh:
		evt = log.Warn()
	default:
		evt = log.Info()
	}
	evt.Str("severity", string(severity)).Msg(message)
	return nil
}

// TelegramConfig wires the bot transport.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramNotifier posts alerts to a Telegram chat through the Bot API.
// Sends run behind a circuit breaker so a dead bot cannot stall callers
// with repeated 30s timeouts.
type TelegramNotifier struct {
	cfg     TelegramConfig
	client  *http.Client
	apiURL  string
	breaker *cb.CircuitBreaker
}

// NewTelegramNotifier validates the config and builds the transport.
func NewTelegramNotifier(cfg TelegramConfig) (*TelegramNotifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram notifier requires bot token and chat id")
	}
	st := cb.Settings{Name: "telegram"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &TelegramNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		apiURL:  fmt.Sprintf("https://api.telegram.org/bot%s", cfg.BotToken),
		breaker: cb.NewCircuitBreaker(st),
	}, nil
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func (n *TelegramNotifier) Notify(ctx context.Context, severity Severity, message string) error {
	_, err := n.breaker.Execute(func() (any, error) {
		return nil, n.send(ctx, severity, message)
	})
	return err
}

func (n *TelegramNotifier) send(ctx context.Context, severity Severity, message string) error {
	payload, err := json.Marshal(telegramMessage{
		ChatID:                n.cfg.ChatID,
		Text:                  fmt.Sprintf("[%s] %s", severity, message),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.apiURL+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error: %s", tr.Description)
	}

	log.Debug().Str("chat_id", n.cfg.ChatID).Str("severity", string(severity)).
		Msg("telegram alert delivered")
	return nil
}

// Multi fans one alert out to several transports. Delivery failures are
// logged and the first error is returned; remaining transports still run.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, severity Severity, message string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, severity, message); err != nil {
			log.Warn().Err(err).Msg("notifier transport failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
