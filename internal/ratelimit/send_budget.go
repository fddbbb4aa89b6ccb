// Package ratelimit shares the email provider's request budget between the
// server and worker processes through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget = 10              // provider requests per second
	DefaultWindowSize  = time.Second     // fixed one-second window
	DefaultKeyTTL      = 2 * time.Second // window + buffer
)

// Redis key prefixes for send tracking.
const (
	KeyPrefixTotal    = "sendbudget:total:"
	KeyPrefixReserved = "sendbudget:reserved:"
	KeyPrefixShared   = "sendbudget:shared:"
)

// Priority selects the pool a send draws from.
type Priority int

const (
	// PriorityInteractive is for sends triggered by an API write or a
	// transactional request (may use the whole window).
	PriorityInteractive Priority = iota
	// PriorityBatch is for lifecycle scan sends (limited to the shared part).
	PriorityBatch
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counter and increments
// them together, so concurrent processes never overshoot the window.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + n, poolUsed + n}
`)

// SendBudget counts provider requests per window across every process that
// shares the Redis instance. Batch sends may use at most the shared part of
// the window; interactive sends may use all of it, so a large scan cannot
// starve signup or transactional mail.
type SendBudget struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// SendBudgetConfig holds configuration for the budget.
type SendBudgetConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// TotalBudget is the provider limit per window. Default: 10.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget batch sends may not use.
	// Negative selects 60% of TotalBudget. It must leave room for batch sends.
	ReservedBudget int

	WindowSize time.Duration
	KeyTTL     time.Duration
}

// UsageStats contains current consumption for one window.
type UsageStats struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *SendBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	total, reserved := c.budgets()
	if reserved >= total {
		return fmt.Errorf("reserved budget (%d) must be below total budget (%d)", reserved, total)
	}
	return nil
}

func (c *SendBudgetConfig) budgets() (total, reserved int) {
	total = c.TotalBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	reserved = c.ReservedBudget
	if reserved < 0 {
		reserved = total * 6 / 10
	}
	return total, reserved
}

// NewSendBudget creates a budget with the given configuration.
func NewSendBudget(cfg *SendBudgetConfig) (*SendBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &SendBudget{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		now:            time.Now,
	}, nil
}

// windowTimestamp returns the start of the current window in unix millis.
func (b *SendBudget) windowTimestamp() int64 {
	return b.now().Truncate(b.windowSize).UnixMilli()
}

func (b *SendBudget) keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume takes one request from the window for priority.
// When denied, wait is the time until the next window opens.
func (b *SendBudget) TryConsume(ctx context.Context, priority Priority) (allowed bool, wait time.Duration, err error) {
	windowTS := b.windowTimestamp()
	totalKey, reservedKey, sharedKey := b.keys(windowTS)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityInteractive {
		poolKey, poolBudget = reservedKey, b.totalBudget
	}

	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		1, b.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, b.waitTime(windowTS), err
	}
	if result[0] != 1 {
		return false, b.waitTime(windowTS), nil
	}
	return true, 0, nil
}

// waitTime returns the time until the next window starts.
func (b *SendBudget) waitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(b.windowSize)
	wait := windowEnd.Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	// land inside the new window
	return wait + time.Millisecond
}

// Usage returns consumption in the current window.
func (b *SendBudget) Usage(ctx context.Context) (*UsageStats, error) {
	windowTS := b.windowTimestamp()
	totalKey, reservedKey, sharedKey := b.keys(windowTS)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// redis.Nil only means the window has no sends yet
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read send budget: %w", err)
	}

	return &UsageStats{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

// parseIntOrZero parses a Redis string result as int, returning 0 on error.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// SharedBudget returns the part of the window batch sends may use.
func (b *SendBudget) SharedBudget() int {
	return b.sharedBudget
}

// ReservedBudget returns the part of the window kept for interactive sends.
func (b *SendBudget) ReservedBudget() int {
	return b.reservedBudget
}
