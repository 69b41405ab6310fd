package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stockledger/backend/internal/reporting"
)

type Warmer interface {
	Warm(ctx context.Context, now time.Time, days int) (*reporting.Summary, error)
}

// WarmupJob precomputes the trailing summary into the report cache.
type WarmupJob struct {
	reports Warmer
	log     *zap.Logger
	clock   func() time.Time
}

func NewWarmupJob(reports Warmer, log *zap.Logger) *WarmupJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &WarmupJob{
		reports: reports,
		log:     log.With(zap.String("job", TaskReportWarmup)),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (j *WarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload WarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	if payload.Days <= 0 {
		payload.Days = defaultWarmupDays
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	summary, err := j.reports.Warm(warmCtx, j.clock(), payload.Days)
	if err != nil {
		j.log.Error("warmup failed", zap.Int("days", payload.Days), zap.Error(err))
		return err
	}
	j.log.Info("warmup complete",
		zap.Int("days", payload.Days),
		zap.Int("sales", summary.SaleCount),
		zap.Float64("revenue", summary.Revenue),
	)
	return nil
}
