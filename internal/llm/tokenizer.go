package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkoukk/tiktoken-go"
	"github.com/stellarlinkco/digestor/internal/config"
)

var ErrNoTokenizer = errors.New("no tokenizer configured")

// Tokenizer returns the exact token count of text for model.
type Tokenizer interface {
	CountTokens(ctx context.Context, text, model string) (int, error)
}

// TokenizerFunc adapts a function to Tokenizer.
type TokenizerFunc func(ctx context.Context, text, model string) (int, error)

func (fn TokenizerFunc) CountTokens(ctx context.Context, text, model string) (int, error) {
	return fn(ctx, text, model)
}

// NewTokenizer picks a tokenizer for cfg.Budget.Tokenizer; "auto" follows the provider.
func NewTokenizer(cfg *config.Config) Tokenizer {
	kind := strings.ToLower(strings.TrimSpace(cfg.Budget.Tokenizer))
	if kind == "" || kind == "auto" {
		if cfg.Provider.Type == "anthropic" {
			kind = "anthropic"
		} else {
			kind = "tiktoken"
		}
	}
	switch kind {
	case "anthropic":
		return NewAnthropicTokenizer(cfg.Provider.APIKey, cfg.Provider.BaseURL)
	case "tiktoken":
		return NewTiktokenTokenizer()
	default:
		return TokenizerFunc(func(context.Context, string, string) (int, error) {
			return 0, ErrNoTokenizer
		})
	}
}

// AnthropicTokenizer uses the messages count_tokens endpoint.
type AnthropicTokenizer struct {
	client anthropicsdk.Client
}

func NewAnthropicTokenizer(apiKey, baseURL string) *AnthropicTokenizer {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicTokenizer{client: anthropicsdk.NewClient(opts...)}
}

func (t *AnthropicTokenizer) CountTokens(ctx context.Context, text, model string) (int, error) {
	count, err := t.client.Messages.CountTokens(ctx, anthropicsdk.MessageCountTokensParams{
		Model: anthropicsdk.Model(model),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(text)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	if count == nil {
		return 0, fmt.Errorf("count tokens: empty response")
	}
	return int(count.InputTokens), nil
}

// TiktokenTokenizer counts with the BPE encoding registered for the model name.
type TiktokenTokenizer struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTiktokenTokenizer() *TiktokenTokenizer {
	return &TiktokenTokenizer{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (t *TiktokenTokenizer) CountTokens(_ context.Context, text, model string) (int, error) {
	enc, err := t.encoding(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) encoding(model string) (*tiktoken.Tiktoken, error) {
	// provider prefixes such as "openai/gpt-4o" are not known to tiktoken
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encodings[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding for %q: %w", model, err)
	}
	t.encodings[model] = enc
	return enc, nil
}
