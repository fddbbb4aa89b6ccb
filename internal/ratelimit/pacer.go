package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lifecycle-mailer/internal/logging"
)

// Default pacer configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
)

// ErrContextCancelled is returned when the context ends while waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for send budget")

// SendPacer blocks each send until the shared budget admits it, backing off
// while the window is exhausted. One pacer serves one process at a fixed priority.
type SendPacer struct {
	budget           *SendBudget
	priority         Priority
	baseDelay        time.Duration
	maxDelay         time.Duration
	currentDelay     time.Duration
	consecutiveFails int
	mu               sync.Mutex
	logger           *logging.Logger
}

// SendPacerConfig holds configuration for the pacer.
type SendPacerConfig struct {
	Budget    *SendBudget
	Priority  Priority
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Validate checks if the configuration is valid.
func (c *SendPacerConfig) Validate() error {
	if c.Budget == nil {
		return errors.New("budget is required")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewSendPacer creates a pacer with the given configuration.
func NewSendPacer(cfg *SendPacerConfig) (*SendPacer, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}

	return &SendPacer{
		budget:       cfg.Budget,
		priority:     cfg.Priority,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		currentDelay: baseDelay,
		logger:       logging.GetGlobalLogger().WithComponent("send_pacer").WithField("priority", cfg.Priority.String()),
	}, nil
}

// Wait blocks until the budget admits one send or ctx ends. A Redis outage
// admits the send; the client's own limiter still applies.
func (p *SendPacer) Wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		default:
		}

		allowed, wait, err := p.budget.TryConsume(ctx, p.priority)
		if err != nil {
			p.logger.WithError(err).Warn("send budget unavailable, sending without it")
			return nil
		}
		if allowed {
			p.recordSuccess()
			return nil
		}

		delay := p.recordFailure()
		if wait > delay {
			delay = wait
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

func (p *SendPacer) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFails = 0
	p.currentDelay = p.baseDelay
}

// recordFailure grows the backoff and returns it
func (p *SendPacer) recordFailure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails++
	delay := p.baseDelay
	for i := 0; i < p.consecutiveFails; i++ {
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
			break
		}
	}
	p.currentDelay = delay
	return delay
}

// CurrentDelay returns the current backoff delay.
func (p *SendPacer) CurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}
