package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"stockledger/backend/internal/reporting"
)

// ReportPolicy is the on-disk form of reporting.Policy. Zero fields keep the
// built-in defaults.
type ReportPolicy struct {
	LapsedWindowDays        int    `toml:"lapsed_window_days"`
	TopLimit                int    `toml:"top_limit"`
	DayGranularityAfterDays int    `toml:"day_granularity_after_days"`
	UncategorizedLabel      string `toml:"uncategorized_label"`
}

// LoadReportPolicy reads a TOML policy file. An empty path yields the defaults.
func LoadReportPolicy(path string) (reporting.Policy, error) {
	policy := reporting.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	var file ReportPolicy
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return policy, fmt.Errorf("read report policy %s: %w", path, err)
	}
	if file.LapsedWindowDays < 0 || file.TopLimit < 0 || file.DayGranularityAfterDays < 0 {
		return policy, fmt.Errorf("report policy %s: values must not be negative", path)
	}

	if file.LapsedWindowDays > 0 {
		policy.LapsedWindow = time.Duration(file.LapsedWindowDays) * 24 * time.Hour
	}
	if file.TopLimit > 0 {
		policy.TopLimit = file.TopLimit
	}
	if file.DayGranularityAfterDays > 0 {
		policy.DayThreshold = time.Duration(file.DayGranularityAfterDays) * 24 * time.Hour
	}
	if file.UncategorizedLabel != "" {
		policy.UncategorizedLabel = file.UncategorizedLabel
	}
	return policy, nil
}
