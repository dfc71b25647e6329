// Package provider implements the outbound text-generation client: one
// OpenRouter chat-completions call wrapped by a circuit breaker, a daily
// request quota, and a client-side pacer. No retry loop lives here; retry
// policy belongs to the queue processor.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/circuitbreaker"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
)

const systemMessage = "You are an expressive forum participant."

// Request is one generation call.
type Request struct {
	Prompt      string
	MaxTokens   int     // 0 uses the client default
	Temperature float64 // 0 uses 0.7
	Stop        []string
	Model       string // override, empty uses the client default
	Metadata    map[string]any
}

// Completion is a successful generation result.
type Completion struct {
	Text string
}

// Config wires a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Title     string // optional X-Title header
	Referrer  string // optional HTTP-Referer header
}

type Client struct {
	httpClient *http.Client
	cfg        Config
	breaker    *circuitbreaker.Breaker
	quota      *Quota
	pacer      *pacer
	logger     *slog.Logger
}

func NewClient(cfg Config, breaker *circuitbreaker.Breaker, quota *Quota, rpm int, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 220
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		breaker:    breaker,
		quota:      quota,
		pacer:      newPacer(rpm),
		logger:     logger.With("component", "provider"),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Remaining returns today's unused request budget, zero without an API key.
func (c *Client) Remaining(ctx context.Context) (int, error) {
	if c.cfg.APIKey == "" {
		return 0, nil
	}
	return c.quota.Remaining(ctx)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
	Stop        []string       `json:"stop,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate performs exactly one chat-completions call. Errors carry the
// retryable/permanent classification; permanent failures trip the breaker
// before returning. A success never clears an active offline window early.
func (c *Client) Generate(ctx context.Context, req Request) (*Completion, error) {
	if !c.breaker.Allow() {
		metrics.ProviderRequests.WithLabelValues("short_circuit").Inc()
		c.logger.Debug("offline window active, skipping remote call",
			"remaining", c.breaker.Remaining().String())
		return nil, ErrOffline
	}

	if c.cfg.APIKey == "" {
		metrics.ProviderRequests.WithLabelValues("quota").Inc()
		c.logger.Warn("api key missing, generation unavailable")
		return nil, ErrQuotaExhausted
	}
	remaining, err := c.quota.Remaining(ctx)
	if err != nil {
		return nil, &Error{Reason: "quota_check", Transient: true, Err: err}
	}
	if remaining <= 0 {
		metrics.ProviderRequests.WithLabelValues("quota").Inc()
		c.logger.Warn("daily request budget exhausted")
		return nil, ErrQuotaExhausted
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &Error{Reason: "pacer_wait", Transient: true, Err: err}
	}

	comp, err := c.call(ctx, req)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && !pe.Transient {
			until := c.breaker.Trip(pe.Reason)
			metrics.ProviderBreakerTrips.WithLabelValues(pe.Reason).Inc()
			metrics.ProviderBreakerOpen.Set(1)
			metrics.ProviderRequests.WithLabelValues("permanent").Inc()
			c.logger.Error("provider marked offline",
				"reason", pe.Reason, "status", pe.Status, "until", until)
		} else {
			metrics.ProviderRequests.WithLabelValues("transient").Inc()
			c.logger.Warn("provider call failed, retryable", "error", err)
		}
		return nil, err
	}

	if _, err := c.quota.Consume(ctx, 1); err != nil {
		c.logger.Warn("failed to record quota usage", "error", err)
	} else if remaining > 0 {
		metrics.ProviderQuotaRemaining.Set(float64(remaining - 1))
	}
	metrics.ProviderRequests.WithLabelValues("ok").Inc()
	return comp, nil
}

func (c *Client) call(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMessage},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stop:        req.Stop,
		Extra:       req.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}
	if c.cfg.Referrer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referrer)
	}

	timer := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.ProviderLatency.Observe(time.Since(timer).Seconds())
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Reason: "read_body", Transient: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Error{Reason: "malformed_response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Reason: "missing_choices"}
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return nil, &Error{Reason: "missing_message_content"}
	}
	return &Completion{Text: text}, nil
}
