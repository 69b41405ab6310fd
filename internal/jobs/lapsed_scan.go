package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stockledger/backend/internal/events"
	"stockledger/backend/internal/metrics"
	"stockledger/backend/internal/reporting"
)

type LapsedLister interface {
	LapsedCustomers(ctx context.Context, now time.Time) ([]reporting.LapsedCustomer, error)
	Policy() reporting.Policy
}

// LapsedScanJob counts customers without a recent sale and announces them.
type LapsedScanJob struct {
	reports   LapsedLister
	publisher events.Publisher
	log       *zap.Logger
	clock     func() time.Time
}

func NewLapsedScanJob(reports LapsedLister, publisher events.Publisher, log *zap.Logger) *LapsedScanJob {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LapsedScanJob{
		reports:   reports,
		publisher: publisher,
		log:       log.With(zap.String("job", TaskLapsedScan)),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

func (j *LapsedScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LapsedScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	now := j.clock()
	if payload.AsOf != "" {
		at, err := time.Parse(time.RFC3339, payload.AsOf)
		if err != nil {
			return fmt.Errorf("as_of %q: %w", payload.AsOf, asynq.SkipRetry)
		}
		now = at
	}

	started := time.Now()
	lapsed, err := j.reports.LapsedCustomers(ctx, now)
	if err != nil {
		j.log.Error("lapsed scan failed", zap.Error(err))
		return err
	}
	metrics.LapsedCustomers.Set(float64(len(lapsed)))

	evt := events.NewCustomersLapsed()
	evt.WindowDays = int(j.reports.Policy().LapsedWindow / (24 * time.Hour))
	evt.CustomerIDs = make([]string, 0, len(lapsed))
	for _, c := range lapsed {
		evt.CustomerIDs = append(evt.CustomerIDs, c.ID)
	}
	if err := j.publisher.PublishCustomersLapsed(ctx, evt); err != nil {
		metrics.EventsPublishFailedTotal.WithLabelValues(events.EventTypeCustomersLapsed).Inc()
		j.log.Warn("publish lapsed customers", zap.Error(err))
	}

	j.log.Info("lapsed scan complete", zap.Int("lapsed", len(lapsed)), zap.Duration("duration", time.Since(started)))
	return nil
}
