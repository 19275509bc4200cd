package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/config"
)

type mockBot struct {
	sent    []tgbotapi.MessageConfig
	sendErr error
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func newTestTelegram(t *testing.T, bot *mockBot) *Telegram {
	t.Helper()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		if token != "tok" {
			t.Errorf("token = %q", token)
		}
		return bot, nil
	}
	tg, err := NewTelegramWithFactory(config.TelegramConfig{Token: "tok", ChatID: 42}, zerolog.Nop(), factory)
	if err != nil {
		t.Fatalf("NewTelegramWithFactory: %v", err)
	}
	return tg
}

func TestNewTelegram_RequiresTokenAndChat(t *testing.T) {
	if _, err := NewTelegram(config.TelegramConfig{ChatID: 1}, zerolog.Nop()); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := NewTelegram(config.TelegramConfig{Token: "x"}, zerolog.Nop()); err == nil {
		t.Error("expected error for missing chat id")
	}
}

func TestTelegram_Notify(t *testing.T) {
	bot := &mockBot{}
	tg := newTestTelegram(t, bot)
	err := tg.Notify(context.Background(), Event{
		Mode: "summary", InputSet: "lab<1>", Model: "gpt-4o", Path: "out/r_1.md", Excerpt: "Findings & more",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("chat = %d, mode = %q", msg.ChatID, msg.ParseMode)
	}
	if !strings.Contains(msg.Text, "lab&lt;1&gt;") || !strings.Contains(msg.Text, "Findings &amp; more") {
		t.Errorf("text not escaped: %q", msg.Text)
	}
}

func TestTelegram_SplitsLongMessages(t *testing.T) {
	bot := &mockBot{}
	tg := newTestTelegram(t, bot)
	long := strings.Repeat("line of excerpt text\n", 400)
	if err := tg.Notify(context.Background(), Event{Path: "p", Excerpt: long}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Fatalf("sent = %d, want split", len(bot.sent))
	}
	for _, m := range bot.sent {
		if len(m.Text) > 4000 {
			t.Errorf("chunk length = %d", len(m.Text))
		}
	}
}

func TestTelegram_SendError(t *testing.T) {
	tg := newTestTelegram(t, &mockBot{sendErr: errors.New("forbidden")})
	if err := tg.Notify(context.Background(), Event{Path: "p"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	n, err := FromConfig(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := n.(Nop); !ok {
		t.Errorf("notifier = %T, want Nop", n)
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("  héllo world  ", 5); got != "héllo…" {
		t.Errorf("Excerpt = %q", got)
	}
	if got := Excerpt("short", 10); got != "short" {
		t.Errorf("Excerpt = %q", got)
	}
}
