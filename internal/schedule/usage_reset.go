package schedule

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type usageResetter interface {
	ResetUsage(ctx context.Context) (int64, error)
}

// UsageResetJob zeroes every chatbot's daily message counter.
type UsageResetJob struct {
	store  usageResetter
	logger *zap.Logger
}

func NewUsageResetJob(store usageResetter, logger *zap.Logger) *UsageResetJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageResetJob{store: store, logger: logger}
}

func (j *UsageResetJob) Name() string { return "usage_reset" }

func (j *UsageResetJob) Run(ctx context.Context) error {
	n, err := j.store.ResetUsage(ctx)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	j.logger.Info("daily usage reset", zap.Int64("chatbots", n))
	return nil
}
