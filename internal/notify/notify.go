// Package notify announces persisted reports.
package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/config"
)

// Event describes one persisted report.
type Event struct {
	Mode     string
	InputSet string
	Model    string
	Strategy string
	Path     string
	Excerpt  string
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// TelegramBot is the subset of the bot API used for sending.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

type Telegram struct {
	chatID     int64
	token      string
	proxy      string
	bot        TelegramBot
	botFactory BotFactory
	log        zerolog.Logger
}

func NewTelegram(cfg config.TelegramConfig, logger zerolog.Logger) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, logger, defaultBotFactory)
}

// NewTelegramWithFactory creates a Telegram notifier with custom bot factory (for testing)
func NewTelegramWithFactory(cfg config.TelegramConfig, logger zerolog.Logger, factory BotFactory) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	return &Telegram{
		chatID:     cfg.ChatID,
		token:      cfg.Token,
		proxy:      cfg.Proxy,
		botFactory: factory,
		log:        logger.With().Str("component", "notify").Logger(),
	}, nil
}

func (t *Telegram) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	return nil
}

// Notify sends the event, splitting messages over Telegram's length limit.
func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.bot == nil {
		if err := t.initBot(); err != nil {
			return err
		}
	}

	content := Format(ev)
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		msg := tgbotapi.NewMessage(t.chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	t.log.Debug().Str("path", ev.Path).Msg("report notification sent")
	return nil
}

// Format renders ev as Telegram HTML.
func Format(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Report ready</b>: %s\n", html.EscapeString(ev.InputSet))
	fmt.Fprintf(&b, "mode: %s\nmodel: %s\n", html.EscapeString(ev.Mode), html.EscapeString(ev.Model))
	if ev.Strategy != "" {
		fmt.Fprintf(&b, "strategy: %s\n", html.EscapeString(ev.Strategy))
	}
	fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(ev.Path))
	if excerpt := strings.TrimSpace(ev.Excerpt); excerpt != "" {
		fmt.Fprintf(&b, "\n%s\n", html.EscapeString(excerpt))
	}
	return b.String()
}

// Excerpt returns at most n runes of s.
func Excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

// FromConfig returns a Telegram notifier when enabled, Nop otherwise.
func FromConfig(cfg *config.Config, logger zerolog.Logger) (Notifier, error) {
	if !cfg.Notify.Telegram.Enabled {
		return Nop{}, nil
	}
	return NewTelegram(cfg.Notify.Telegram, logger)
}
