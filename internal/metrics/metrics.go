package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commits_total",
		Help: "Total number of ledger commits by kind and outcome",
	}, []string{"kind", "outcome"})

	LedgerCommitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_commit_latency_seconds",
		Help:    "Latency of atomic ledger commits",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	StockNegativeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_negative_total",
		Help: "Commits that left at least one product with negative stock",
	})

	ReturnedUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "returned_units_total",
		Help: "Units returned against committed transactions",
	}, []string{"kind"})

	ReportRecordsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_records_skipped_total",
		Help: "Stored records skipped during aggregation because they could not be decoded",
	})

	ReportCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_cache_total",
		Help: "Report cache lookups by result",
	}, []string{"result"})

	LapsedCustomers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lapsed_customers",
		Help: "Customers without a sale inside the lapsed window at the last scan",
	})

	EventsPublishFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_publish_failed_total",
		Help: "Domain events that could not be published",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
