// Package adapter holds clients for the external email provider.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lifecycle-mailer/internal/circuitbreaker"
	"github.com/lifecycle-mailer/internal/config"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"golang.org/x/time/rate"
)

// ProviderName tags provider errors raised by this client
const ProviderName = "loops"

// ErrMissingAPIKey is returned for every send while no API key is configured
var ErrMissingAPIKey = apperrors.NewProviderNotConfiguredError("LOOPS_API_KEY not configured")

// newStatusError turns a non-2xx answer into a provider error. The message is
// the provider's own, or "HTTP <status>" when it sent none.
func newStatusError(statusCode int, message string) *apperrors.CategorizedError {
	if message == "" {
		message = fmt.Sprintf("HTTP %d", statusCode)
	}
	return apperrors.NewProviderError(ProviderName, message, statusCode)
}

// EventRequest is the body of POST /events/send
type EventRequest struct {
	Email           string
	EventName       string
	EventProperties map[string]interface{}
	// ContactProperties are merged into the top level of the body
	ContactProperties map[string]interface{}
}

// MarshalJSON flattens contact properties next to email and eventName
func (r EventRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]interface{}, len(r.ContactProperties)+3)
	for k, v := range r.ContactProperties {
		body[k] = v
	}
	body["email"] = r.Email
	body["eventName"] = r.EventName
	if r.EventProperties != nil {
		body["eventProperties"] = r.EventProperties
	}
	return json.Marshal(body)
}

// TransactionalRequest is the body of POST /transactional
type TransactionalRequest struct {
	Email           string                 `json:"email"`
	TransactionalID string                 `json:"transactionalId"`
	DataVariables   map[string]interface{} `json:"dataVariables,omitempty"`
}

// SendResponse is the provider's answer to a send
type SendResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// LoopsClient calls the Loops.so REST API
type LoopsClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	gate    Gate
}

// Gate admits one provider request, blocking until it may go out. It lets
// several processes share the provider's rate limit.
type Gate interface {
	Wait(ctx context.Context) error
}

// NewLoopsClient creates a client from configuration
func NewLoopsClient(cfg *config.LoopsConfig) *LoopsClient {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}

	breakerCfg := circuitbreaker.DefaultConfig("loops")
	if cfg.BreakerFails > 0 {
		breakerCfg.MaxFailures = cfg.BreakerFails
	}
	if cfg.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.BreakerTimeout
	}
	breakerCfg.IsFailure = isProviderFailure

	return &LoopsClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
	}
}

// isProviderFailure keeps client-side rejections (bad address, unknown
// template) from opening the circuit
func isProviderFailure(err error) bool {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return apperrors.IsRetryable(catErr)
	}
	return !errors.Is(err, context.Canceled)
}

// SetGate installs a gate consulted before every request. Call it before
// the client is shared between goroutines.
func (c *LoopsClient) SetGate(g Gate) {
	c.gate = g
}

// Configured reports whether an API key is present
func (c *LoopsClient) Configured() bool {
	return c.apiKey != ""
}

// BreakerState exposes the circuit state for health reporting
func (c *LoopsClient) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// SendEvent triggers an event-based automation for a contact
func (c *LoopsClient) SendEvent(ctx context.Context, req EventRequest) (*SendResponse, error) {
	return c.post(ctx, "/events/send", req)
}

// SendTransactional sends a one-off transactional email
func (c *LoopsClient) SendTransactional(ctx context.Context, req TransactionalRequest) (*SendResponse, error) {
	return c.post(ctx, "/transactional", req)
}

func (c *LoopsClient) post(ctx context.Context, path string, payload interface{}) (*SendResponse, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if c.gate != nil {
		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var out *SendResponse
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err = c.do(ctx, path, body)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		unavailable := apperrors.NewServiceUnavailableError(ProviderName)
		unavailable.Cause = err
		return nil, unavailable
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LoopsClient) do(ctx context.Context, path string, body []byte) (*SendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed after %s: %w", path, time.Since(start).Round(time.Millisecond), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result SendResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := ""
		if decodeErr == nil {
			message = result.Message
		}
		return nil, newStatusError(resp.StatusCode, message)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	return &result, nil
}
