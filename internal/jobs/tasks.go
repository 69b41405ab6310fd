package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	QueueDefault = "default"

	TaskLapsedScan    = "reports:lapsed-scan"
	TaskReportWarmup  = "reports:warmup"
	defaultWarmupDays = 30
)

// LapsedScanPayload is empty today; the window comes from the report policy.
// AsOf lets operators replay a scan for a past date.
type LapsedScanPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

type WarmupPayload struct {
	Days int `json:"days"`
}

func NewLapsedScanTask(payload LapsedScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLapsedScan, data, asynq.Queue(QueueDefault)), nil
}

func NewWarmupTask(days int) (*asynq.Task, error) {
	if days <= 0 {
		days = defaultWarmupDays
	}
	data, err := json.Marshal(WarmupPayload{Days: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportWarmup, data, asynq.Queue(QueueDefault)), nil
}
