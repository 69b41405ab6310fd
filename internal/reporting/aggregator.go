package reporting

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/finance"
	"stockledger/backend/internal/metrics"
	"stockledger/backend/internal/store"
)

// Source is the read side the aggregator needs.
type Source interface {
	store.TransactionScanner
	ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error)
	ListCustomers(ctx context.Context, activeOnly bool) ([]domain.Customer, error)
}

// Aggregator computes reports from committed records. It never writes.
type Aggregator struct {
	src    Source
	policy Policy
	log    *zap.Logger
}

func NewAggregator(src Source, policy Policy, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{src: src, policy: policy.withDefaults(), log: log.Named("reporting")}
}

func (a *Aggregator) Policy() Policy { return a.policy }

// scan returns decodable transactions matching q. Records that fail to decode
// or carry no date are skipped; the count of undecodable ones is returned.
func (a *Aggregator) scan(ctx context.Context, q store.TransactionQuery) ([]*domain.Transaction, int, error) {
	records, err := a.src.ScanTransactions(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("reporting: scan %s: %w", q.Kind, err)
	}
	out := make([]*domain.Transaction, 0, len(records))
	skipped := 0
	for _, rec := range records {
		if rec.Err != nil || rec.Transaction == nil {
			skipped++
			metrics.ReportRecordsSkippedTotal.Inc()
			a.log.Warn("skipping unreadable record", zap.String("id", rec.ID), zap.Error(rec.Err))
			continue
		}
		if rec.Transaction.Date.IsZero() {
			continue
		}
		out = append(out, rec.Transaction)
	}
	return out, skipped, nil
}

func (a *Aggregator) Granularity(r Range, override Granularity) Granularity {
	if override != "" {
		return override
	}
	return AutoGranularity(r, a.policy.DayThreshold)
}

// Series buckets one metric of one transaction kind over r.
func (a *Aggregator) Series(ctx context.Context, r Range, req SeriesRequest) (*Series, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.KindSale
	}
	metric := req.Metric
	if metric == "" {
		metric = MetricRevenue
	}
	gran := a.Granularity(r, req.Granularity)
	width := gran.Duration()
	if width == 0 {
		return nil, fmt.Errorf("%q: %w", gran, ErrUnknownGranular)
	}

	txs, _, err := a.scan(ctx, store.TransactionQuery{Kind: kind, From: r.Start, To: r.End})
	if err != nil {
		return nil, err
	}

	sums := make(map[int64]float64)
	for _, tx := range txs {
		idx := timeIndex(tx.Date, r.Start, width)
		sums[idx] += transactionValue(tx, metric)
	}

	points := make([]Bucket, 0, len(sums))
	for idx, v := range sums {
		points = append(points, Bucket{TimeIndex: idx, Value: finance.Round2(v)})
	}
	slices.SortFunc(points, func(x, y Bucket) int {
		return cmp.Compare(x.TimeIndex, y.TimeIndex)
	})

	return &Series{Range: r, Kind: kind, Metric: metric, Granularity: gran, Points: points}, nil
}

// timeIndex is floor((ts-start)/width).
func timeIndex(ts, start time.Time, width time.Duration) int64 {
	d := ts.Sub(start)
	idx := int64(d / width)
	if d < 0 && d%width != 0 {
		idx--
	}
	return idx
}

func transactionValue(tx *domain.Transaction, metric Metric) float64 {
	switch metric {
	case MetricProfit:
		return tx.TotalProfit
	case MetricOrders:
		return 1
	case MetricQuantity:
		qty := 0
		for _, item := range tx.Items {
			qty += item.Quantity
		}
		return float64(qty)
	default:
		return tx.TotalAmount
	}
}

func lineValue(item domain.LineItem, metric Metric) float64 {
	switch metric {
	case MetricProfit:
		return item.TotalPrice - finance.LineItemTotal(item.CostPrice, item.Quantity)
	case MetricOrders:
		return 1
	case MetricQuantity:
		return float64(item.Quantity)
	default:
		return item.TotalPrice
	}
}

type tally struct {
	label string
	value float64
}

// Top ranks a dimension by the summed metric, ties broken by id.
func (a *Aggregator) Top(ctx context.Context, r Range, req TopRequest) (*Ranking, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	dim := req.Dimension
	if dim == "" {
		dim = DimensionProduct
	}
	metric := req.Metric
	if metric == "" {
		metric = MetricRevenue
	}
	limit := req.Limit
	if limit <= 0 {
		limit = a.policy.TopLimit
	}

	kind := domain.KindSale
	if dim == DimensionSupplier {
		kind = domain.KindPurchase
	}
	txs, _, err := a.scan(ctx, store.TransactionQuery{Kind: kind, From: r.Start, To: r.End})
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*tally)
	add := func(id, label string, v float64) {
		if id == "" {
			return
		}
		t, ok := totals[id]
		if !ok {
			t = &tally{label: label}
			totals[id] = t
		}
		if label != "" {
			t.label = label
		}
		t.value += v
	}

	switch dim {
	case DimensionProduct:
		for _, tx := range txs {
			seen := make(map[string]bool, len(tx.Items))
			for _, item := range tx.Items {
				if metric == MetricOrders {
					if seen[item.ProductID] {
						continue
					}
					seen[item.ProductID] = true
				}
				add(item.ProductID, item.ProductName, lineValue(item, metric))
			}
		}
	case DimensionCustomer, DimensionSupplier:
		for _, tx := range txs {
			add(tx.CounterpartyID, tx.CounterpartyName, transactionValue(tx, metric))
		}
	default:
		return nil, fmt.Errorf("%q: %w", dim, ErrUnknownDimension)
	}

	items := make([]RankedItem, 0, len(totals))
	for id, t := range totals {
		label := t.label
		if label == "" {
			label = id
		}
		items = append(items, RankedItem{ID: id, Label: label, Value: finance.Round2(t.value)})
	}
	slices.SortFunc(items, func(x, y RankedItem) int {
		switch {
		case x.Value > y.Value:
			return -1
		case x.Value < y.Value:
			return 1
		default:
			return strings.Compare(x.ID, y.ID)
		}
	})
	if len(items) > limit {
		items = items[:limit]
	}

	n := len(items)
	ranking := &Ranking{
		Dimension: dim,
		Metric:    metric,
		Items:     items,
		Labels:    make([]string, n),
		Values:    make([]float64, n),
	}
	for i, item := range items {
		ranking.Labels[n-1-i] = item.Label
		ranking.Values[n-1-i] = item.Value
	}
	return ranking, nil
}

// Categories sums a metric per category over sale lines in r. Lines without a
// category fall under the policy's uncategorized label.
func (a *Aggregator) Categories(ctx context.Context, r Range, metric Metric) ([]CategoryTotal, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if metric == "" {
		metric = MetricRevenue
	}
	txs, _, err := a.scan(ctx, store.TransactionQuery{Kind: domain.KindSale, From: r.Start, To: r.End})
	if err != nil {
		return nil, err
	}

	sums := make(map[string]float64)
	for _, tx := range txs {
		for _, item := range tx.Items {
			label := strings.TrimSpace(item.Category)
			if label == "" {
				label = a.policy.UncategorizedLabel
			}
			sums[label] += lineValue(item, metric)
		}
	}

	out := make([]CategoryTotal, 0, len(sums))
	for label, v := range sums {
		out = append(out, CategoryTotal{Label: label, Value: finance.Round2(v)})
	}
	slices.SortFunc(out, func(x, y CategoryTotal) int {
		switch {
		case x.Value > y.Value:
			return -1
		case x.Value < y.Value:
			return 1
		default:
			return strings.Compare(x.Label, y.Label)
		}
	})
	return out, nil
}

// CustomerSegments splits the customers who bought in r into those with an
// earlier sale (returning) and those without (new).
func (a *Aggregator) CustomerSegments(ctx context.Context, r Range) (*CustomerSegments, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	active, _, err := a.scan(ctx, store.TransactionQuery{Kind: domain.KindSale, From: r.Start, To: r.End})
	if err != nil {
		return nil, err
	}
	earlier, _, err := a.scan(ctx, store.TransactionQuery{Kind: domain.KindSale, To: r.Start})
	if err != nil {
		return nil, err
	}

	before := make(map[string]bool, len(earlier))
	for _, tx := range earlier {
		before[tx.CounterpartyID] = true
	}

	seen := make(map[string]bool, len(active))
	segments := &CustomerSegments{Range: r, New: []string{}, Returning: []string{}}
	for _, tx := range active {
		id := tx.CounterpartyID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if before[id] {
			segments.Returning = append(segments.Returning, id)
		} else {
			segments.New = append(segments.New, id)
		}
	}
	slices.Sort(segments.New)
	slices.Sort(segments.Returning)
	return segments, nil
}

// LapsedCustomers lists active customers without a sale in the policy window
// ending at now. The window does not depend on any report range.
func (a *Aggregator) LapsedCustomers(ctx context.Context, now time.Time) ([]LapsedCustomer, error) {
	customers, err := a.src.ListCustomers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reporting: list customers: %w", err)
	}
	sales, _, err := a.scan(ctx, store.TransactionQuery{Kind: domain.KindSale, To: now})
	if err != nil {
		return nil, err
	}

	last := make(map[string]time.Time, len(customers))
	for _, tx := range sales {
		if prev, ok := last[tx.CounterpartyID]; !ok || tx.Date.After(prev) {
			last[tx.CounterpartyID] = tx.Date
		}
	}

	cutoff := now.Add(-a.policy.LapsedWindow)
	out := make([]LapsedCustomer, 0)
	for _, c := range customers {
		at, ok := last[c.ID]
		if ok && !at.Before(cutoff) {
			continue
		}
		entry := LapsedCustomer{ID: c.ID, Name: c.Name}
		if ok {
			entry.LastSaleAt = &at
		}
		out = append(out, entry)
	}
	slices.SortFunc(out, func(x, y LapsedCustomer) int {
		return strings.Compare(x.ID, y.ID)
	})
	return out, nil
}

// SlowMovingProducts lists active products that appear on no sale line in r.
func (a *Aggregator) SlowMovingProducts(ctx context.Context, r Range) ([]SlowProduct, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	products, err := a.src.ListProducts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reporting: list products: %w", err)
	}
	txs, _, err := a.scan(ctx, store.TransactionQuery{Kind: domain.KindSale, From: r.Start, To: r.End})
	if err != nil {
		return nil, err
	}

	sold := make(map[string]bool)
	for _, tx := range txs {
		for _, item := range tx.Items {
			if item.Quantity > 0 {
				sold[item.ProductID] = true
			}
		}
	}

	out := make([]SlowProduct, 0)
	for _, p := range products {
		if sold[p.ID] {
			continue
		}
		out = append(out, SlowProduct{ID: p.ID, Name: p.Name, Category: p.Category, Stock: p.Stock})
	}
	slices.SortFunc(out, func(x, y SlowProduct) int {
		if c := strings.Compare(x.Name, y.Name); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out, nil
}

func (a *Aggregator) Summary(ctx context.Context, r Range) (*Summary, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	txs, skipped, err := a.scan(ctx, store.TransactionQuery{From: r.Start, To: r.End})
	if err != nil {
		return nil, err
	}

	s := &Summary{Range: r, SkippedRecords: skipped}
	var revenue, profit, spend, due float64
	for _, tx := range txs {
		switch tx.Kind {
		case domain.KindSale:
			s.SaleCount++
			revenue += tx.TotalAmount
			profit += tx.TotalProfit
			due += tx.AmountDue
			for _, item := range tx.Items {
				s.UnitsSold += item.Quantity
			}
		case domain.KindPurchase:
			s.PurchaseCount++
			spend += tx.TotalAmount
		}
	}
	s.Revenue = finance.Round2(revenue)
	s.Profit = finance.Round2(profit)
	s.PurchaseSpend = finance.Round2(spend)
	s.AmountDue = finance.Round2(due)
	return s, nil
}
