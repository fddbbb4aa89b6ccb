package ratelimit

import (
	"github.com/lifecycle-mailer/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewLoopsPacer builds the pacer one process uses in front of the Loops
// client. Every process sharing rdb draws from the same per-second budget.
func NewLoopsPacer(rdb redis.Cmdable, cfg *config.LoopsConfig, priority Priority) (*SendPacer, error) {
	budget, err := NewSendBudget(&SendBudgetConfig{
		Redis:          rdb,
		TotalBudget:    cfg.RequestsPerSec,
		ReservedBudget: cfg.ReservedPerSec,
	})
	if err != nil {
		return nil, err
	}
	return NewSendPacer(&SendPacerConfig{Budget: budget, Priority: priority})
}
