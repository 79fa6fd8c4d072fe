// Package aiquery is the HTTP client for the AI provider: it turns a
// question into answer text plus source URLs, classifying every failure.
package aiquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout    = 45 * time.Second
	defaultMaxRetries = 3

	defaultInitialBackoff   = 2 * time.Second
	defaultMaxBackoff       = 2 * time.Minute
	defaultRateLimitBackoff = 30 * time.Second
	backoffFactor           = 2.0
)

// Config holds client settings. Zero-value optional fields use defaults.
type Config struct {
	// Required settings
	BaseURL string
	APIKey  string
	Model   string

	// Optional settings (will use defaults if not set)
	Timeout          time.Duration
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RateLimitBackoff time.Duration
}

// Answer is a successful query result.
type Answer struct {
	Text    string
	Sources []string
}

// Client queries a chat-completions style AI endpoint with bounded timeouts
// and internal retry for transient failures. Callers above the client must
// not retry; a returned error is terminal for the attempt.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client, filling unset optional config with defaults.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = defaultRateLimitBackoff
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Query asks the provider a question. Transient failures (rate limit, 5xx,
// timeout) are retried with exponential backoff and jitter up to MaxRetries
// attempts; auth and malformed-payload failures surface immediately.
func (c *Client) Query(ctx context.Context, question string) (Answer, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		answer, err := c.doQuery(ctx, question)
		if err == nil {
			return answer, nil
		}
		lastErr = err

		var qe *QueryError
		if !errors.As(err, &qe) || !qe.Retryable() {
			return Answer{}, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		retryDelay := backoff
		if qe.Kind == KindRateLimited && retryDelay < c.cfg.RateLimitBackoff {
			retryDelay = c.cfg.RateLimitBackoff
		}
		retryDelay = time.Duration(float64(retryDelay) * (1.0 + 0.2*rand.Float64())) // Add jitter

		log.Warn().
			Err(err).
			Dur("retry_in", retryDelay).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxRetries).
			Msg("Transient AI query error, backing off")

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return Answer{}, &QueryError{Kind: KindTimeout, Message: ctx.Err().Error()}
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return Answer{}, lastErr
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// doQuery performs a single attempt against the provider.
func (c *Client) doQuery(ctx context.Context, question string) (Answer, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: question}},
	})
	if err != nil {
		return Answer{}, &QueryError{Kind: KindMalformed, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Answer{}, &QueryError{Kind: KindMalformed, Message: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Answer{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return Answer{}, &QueryError{Kind: KindServer, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("reading response body: %v", readErr)}
	}

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		return Answer{}, &QueryError{Kind: kind, StatusCode: resp.StatusCode,
			Message: truncate(string(bodyBytes), 200)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return Answer{}, &QueryError{Kind: KindMalformed, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Answer{}, &QueryError{Kind: KindMalformed, StatusCode: resp.StatusCode,
			Message: "response contained no answer text"}
	}

	return Answer{
		Text:    parsed.Choices[0].Message.Content,
		Sources: parsed.Citations,
	}, nil
}

// classifyStatus maps non-200 HTTP statuses onto error kinds.
func classifyStatus(status int) (Kind, bool) {
	switch {
	case status == http.StatusOK:
		return 0, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, true
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status >= 500:
		return KindServer, true
	default:
		return KindMalformed, true
	}
}

func classifyTransportError(err error) *QueryError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &QueryError{Kind: KindTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &QueryError{Kind: KindTimeout, Message: err.Error()}
	}
	return &QueryError{Kind: KindServer, Message: err.Error()}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
