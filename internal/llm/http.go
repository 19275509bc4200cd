package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/digestor/internal/config"
)

// HTTPClient talks to any OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	log         zerolog.Logger
}

func NewHTTPClient(cfg *config.Config, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		apiKey:      cfg.Provider.APIKey,
		baseURL:     cfg.Provider.BaseURL,
		model:       cfg.Model.Name,
		maxTokens:   cfg.Model.MaxTokens,
		temperature: cfg.Model.Temperature,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		log:         logger.With().Str("component", "llm-http").Logger(),
	}
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"temperature": c.temperature,
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}

	return c.sendChatCompletion(ctx, baseURL, body)
}

func (c *HTTPClient) sendChatCompletion(ctx context.Context, baseURL string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Failure{
			Kind:   FailureTransport,
			Detail: fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", &Failure{Kind: FailureEmptyResponse, Detail: "empty choices in response"}
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", &Failure{Kind: FailureEmptyResponse, Detail: "empty content in response"}
	}

	c.log.Debug().
		Int("input_tokens", decoded.Usage.PromptTokens).
		Int("output_tokens", decoded.Usage.CompletionTokens).
		Msg("generation complete")
	return content, nil
}
