package reporting

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRange     = errors.New("range end must be after start")
	ErrUnknownMetric    = errors.New("unknown metric")
	ErrUnknownDimension = errors.New("unknown dimension")
	ErrUnknownGranular  = errors.New("unknown granularity")
)

type Granularity string

const (
	GranularityDay    Granularity = "day"
	GranularityHour   Granularity = "hour"
	GranularityMinute Granularity = "minute"
)

func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityDay:
		return 24 * time.Hour
	case GranularityHour:
		return time.Hour
	case GranularityMinute:
		return time.Minute
	default:
		return 0
	}
}

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case "":
		return "", nil
	case GranularityDay, GranularityHour, GranularityMinute:
		return g, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownGranular)
	}
}

type Metric string

const (
	MetricRevenue  Metric = "revenue"
	MetricProfit   Metric = "profit"
	MetricOrders   Metric = "orders"
	MetricQuantity Metric = "quantity"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case "":
		return MetricRevenue, nil
	case MetricRevenue, MetricProfit, MetricOrders, MetricQuantity:
		return m, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownMetric)
	}
}

type Dimension string

const (
	DimensionProduct  Dimension = "product"
	DimensionCustomer Dimension = "customer"
	DimensionSupplier Dimension = "supplier"
)

func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case "":
		return DimensionProduct, nil
	case DimensionProduct, DimensionCustomer, DimensionSupplier:
		return d, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownDimension)
	}
}

// Range is the half-open window [Start, End).
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r Range) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() || !r.End.After(r.Start) {
		return ErrInvalidRange
	}
	return nil
}

// Policy holds the tunables of report generation.
type Policy struct {
	LapsedWindow       time.Duration
	TopLimit           int
	DayThreshold       time.Duration
	UncategorizedLabel string
}

func DefaultPolicy() Policy {
	return Policy{
		LapsedWindow:       90 * 24 * time.Hour,
		TopLimit:           10,
		DayThreshold:       32 * 24 * time.Hour,
		UncategorizedLabel: "Uncategorized",
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.LapsedWindow <= 0 {
		p.LapsedWindow = def.LapsedWindow
	}
	if p.TopLimit <= 0 {
		p.TopLimit = def.TopLimit
	}
	if p.DayThreshold <= 0 {
		p.DayThreshold = def.DayThreshold
	}
	if p.UncategorizedLabel == "" {
		p.UncategorizedLabel = def.UncategorizedLabel
	}
	return p
}

// AutoGranularity buckets by day for ranges longer than threshold and by
// minute otherwise. Hour is never picked automatically.
func AutoGranularity(r Range, threshold time.Duration) Granularity {
	if r.End.Sub(r.Start) > threshold {
		return GranularityDay
	}
	return GranularityMinute
}

// Bucket is one point of a series; TimeIndex counts buckets from the range start.
type Bucket struct {
	TimeIndex int64   `json:"time_index"`
	Value     float64 `json:"value"`
}

type Series struct {
	Range       Range       `json:"range"`
	Kind        string      `json:"kind"`
	Metric      Metric      `json:"metric"`
	Granularity Granularity `json:"granularity"`
	Points      []Bucket    `json:"points"`
}

type SeriesRequest struct {
	Kind        string
	Metric      Metric
	Granularity Granularity
}

type RankedItem struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Ranking is a top-N list. Items are in rank order. Labels run in reverse
// rank order and Values[n-1-i] holds the value of Items[i], so chart position
// n-1 shows rank one.
type Ranking struct {
	Dimension Dimension    `json:"dimension"`
	Metric    Metric       `json:"metric"`
	Items     []RankedItem `json:"items"`
	Labels    []string     `json:"labels"`
	Values    []float64    `json:"values"`
}

type TopRequest struct {
	Dimension Dimension
	Metric    Metric
	Limit     int
}

type CategoryTotal struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

type CustomerSegments struct {
	Range     Range    `json:"range"`
	New       []string `json:"new"`
	Returning []string `json:"returning"`
}

type LapsedCustomer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	LastSaleAt *time.Time `json:"last_sale_at,omitempty"`
}

type SlowProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Stock    int    `json:"stock"`
}

type Summary struct {
	Range          Range   `json:"range"`
	SaleCount      int     `json:"sale_count"`
	Revenue        float64 `json:"revenue"`
	Profit         float64 `json:"profit"`
	UnitsSold      int     `json:"units_sold"`
	PurchaseCount  int     `json:"purchase_count"`
	PurchaseSpend  float64 `json:"purchase_spend"`
	AmountDue      float64 `json:"amount_due"`
	SkippedRecords int     `json:"skipped_records"`
}

// IsValidation reports whether err comes from a malformed report request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRange) || errors.Is(err, ErrUnknownMetric) ||
		errors.Is(err, ErrUnknownDimension) || errors.Is(err, ErrUnknownGranular)
}
