package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/events"
	"stockledger/backend/internal/metrics"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

const hookTimeout = 5 * time.Second

// Invalidator is told after every commit that derived data is stale.
type Invalidator interface {
	Bump(ctx context.Context) error
}

type CommitResult struct {
	ID        string
	Duplicate bool
	// Stock holds the level of each touched product after the commit. Empty
	// for duplicates.
	Stock       map[string]int
	Transaction *domain.Transaction
	Return      *domain.Return
}

// Edit names the committed record a transaction replaces. Origins maps each
// line of the replacement to the line of Previous it was edited from, -1 for
// added lines.
type Edit struct {
	Previous *domain.Transaction
	Origins  []int
}

// Ledger couples transaction and return records to their stock effect.
type Ledger struct {
	repo        store.Ledger
	publisher   events.Publisher
	invalidator Invalidator
	log         *zap.Logger
	now         func() time.Time
}

type Option func(*Ledger)

func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.publisher = p
		}
	}
}

func WithInvalidator(inv Invalidator) Option {
	return func(l *Ledger) {
		if inv != nil {
			l.invalidator = inv
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(repo store.Ledger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:      repo,
		publisher: events.Noop{},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("ledger")
	return l
}

// CommitTransaction writes tx and its stock deltas in one atomic batch. When
// edit is set, tx replaces edit.Previous and only the quantity differences
// move stock. The replace fails with store.ErrStaleTransaction when the record
// was written to after Previous was read, so the differences are always taken
// against what is stored.
//
// A non-empty idempotency key that was already committed yields the existing
// record with Duplicate set; nothing is written.
func (l *Ledger) CommitTransaction(ctx context.Context, actorID string, tx *domain.Transaction, edit *Edit) (*CommitResult, error) {
	if tx == nil || len(tx.Items) == 0 {
		return nil, fmt.Errorf("ledger: empty transaction: %w", store.ErrInvalidTransaction)
	}
	if tx.Kind != domain.KindSale && tx.Kind != domain.KindPurchase {
		return nil, fmt.Errorf("ledger: unknown kind %q: %w", tx.Kind, store.ErrInvalidTransaction)
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("ledger: actor required: %w", store.ErrInvalidTransaction)
	}

	record := *tx
	record.Items = append([]domain.LineItem(nil), tx.Items...)
	now := l.now().UTC()

	var (
		previous *domain.Transaction
		origins  []int
		deltas   []domain.StockDelta
	)
	if edit != nil {
		previous, origins = edit.Previous, edit.Origins
		if previous == nil || len(origins) != len(record.Items) {
			return nil, fmt.Errorf("ledger: edit needs the previous record and one origin per line: %w", store.ErrInvalidTransaction)
		}
		if previous.Kind != record.Kind {
			return nil, fmt.Errorf("ledger: edit cannot change kind: %w", store.ErrInvalidTransaction)
		}
		record.ID = previous.ID
		record.IdempotencyKey = previous.IdempotencyKey
		record.CreatedBy = previous.CreatedBy
		record.CreatedAt = previous.CreatedAt
		deltas = EditDeltas(record.Kind, previous.Items, record.Items)
	} else {
		if record.IdempotencyKey != "" {
			existing, err := l.repo.FindTransactionByIdempotency(ctx, record.IdempotencyKey)
			if err == nil {
				return &CommitResult{ID: existing.ID, Duplicate: true, Transaction: existing}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("ledger: idempotency lookup: %w", err)
			}
		}
		if record.ID == "" {
			record.ID = xid.New("trx")
		}
		record.CreatedBy = actorID
		record.CreatedAt = now
		deltas = Deltas(record.Kind, record.Items)
	}
	if record.Date.IsZero() {
		record.Date = now
	}
	record.UpdatedAt = now

	started := time.Now()
	res, err := l.repo.CommitLedger(ctx, store.LedgerWrite{
		Transaction:     &record,
		Replace:         previous != nil,
		ExpectedVersion: expectedVersion(previous),
		Origins:         origins,
		StockDeltas:     deltas,
	})
	metrics.LedgerCommitLatency.WithLabelValues(record.Kind).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && record.IdempotencyKey != "" {
			if existing, findErr := l.repo.FindTransactionByIdempotency(ctx, record.IdempotencyKey); findErr == nil {
				return &CommitResult{ID: existing.ID, Duplicate: true, Transaction: existing}, nil
			}
		}
		metrics.LedgerCommitsTotal.WithLabelValues(record.Kind, "error").Inc()
		return nil, fmt.Errorf("ledger: commit %s %s: %w", record.Kind, record.ID, err)
	}
	metrics.LedgerCommitsTotal.WithLabelValues(record.Kind, "ok").Inc()

	l.log.Info("transaction committed",
		zap.String("id", record.ID),
		zap.String("kind", record.Kind),
		zap.Bool("replaced", previous != nil),
		zap.Int("deltas", len(deltas)),
		zap.String("actor", actorID),
	)

	changes := stockChanges(deltas, res.Stock)
	l.afterCommit(ctx, record.ID, changes, func(hookCtx context.Context) error {
		evt := events.NewTransactionCommitted()
		evt.TransactionID = record.ID
		evt.Kind = record.Kind
		evt.CounterpartyID = record.CounterpartyID
		evt.TotalAmount = record.TotalAmount
		evt.Replaced = previous != nil
		evt.ActorID = actorID
		evt.Changes = changes
		return l.publisher.PublishTransactionCommitted(hookCtx, evt)
	}, events.EventTypeTransactionCommitted)

	return &CommitResult{ID: record.ID, Stock: res.Stock, Transaction: &record}, nil
}

// CommitReturn writes ret, the ReturnedQuantity increments on the original
// lines and the inverse stock deltas in one atomic batch.
func (l *Ledger) CommitReturn(ctx context.Context, actorID string, ret *domain.Return) (*CommitResult, error) {
	if ret == nil || len(ret.Items) == 0 || ret.OriginalTransactionID == "" {
		return nil, fmt.Errorf("ledger: empty return: %w", store.ErrInvalidTransaction)
	}
	if ret.Kind != domain.ReturnKindSale && ret.Kind != domain.ReturnKindPurchase {
		return nil, fmt.Errorf("ledger: unknown return kind %q: %w", ret.Kind, store.ErrInvalidTransaction)
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("ledger: actor required: %w", store.ErrInvalidTransaction)
	}

	if ret.IdempotencyKey != "" {
		existing, err := l.repo.FindReturnByIdempotency(ctx, ret.IdempotencyKey)
		if err == nil {
			return &CommitResult{ID: existing.ID, Duplicate: true, Return: existing}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("ledger: idempotency lookup: %w", err)
		}
	}

	record := *ret
	record.Items = append([]domain.ReturnLine(nil), ret.Items...)
	now := l.now().UTC()
	if record.ID == "" {
		record.ID = xid.New("ret")
	}
	if record.Date.IsZero() {
		record.Date = now
	}
	record.ActorID = actorID
	record.CreatedAt = now

	returned := make([]store.ReturnedIncrement, 0, len(record.Items))
	for _, line := range record.Items {
		returned = append(returned, store.ReturnedIncrement{
			TransactionID: record.OriginalTransactionID,
			LineIndex:     line.LineIndex,
			Quantity:      line.Quantity,
		})
	}
	deltas := ReturnDeltas(record.Kind, record.Items)

	started := time.Now()
	res, err := l.repo.CommitLedger(ctx, store.LedgerWrite{
		Return:      &record,
		Returned:    returned,
		StockDeltas: deltas,
	})
	metrics.LedgerCommitLatency.WithLabelValues(record.Kind).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && record.IdempotencyKey != "" {
			if existing, findErr := l.repo.FindReturnByIdempotency(ctx, record.IdempotencyKey); findErr == nil {
				return &CommitResult{ID: existing.ID, Duplicate: true, Return: existing}, nil
			}
		}
		metrics.LedgerCommitsTotal.WithLabelValues(record.Kind, "error").Inc()
		return nil, fmt.Errorf("ledger: commit %s for %s: %w", record.Kind, record.OriginalTransactionID, err)
	}
	metrics.LedgerCommitsTotal.WithLabelValues(record.Kind, "ok").Inc()
	for _, line := range record.Items {
		metrics.ReturnedUnitsTotal.WithLabelValues(record.Kind).Add(float64(line.Quantity))
	}

	l.log.Info("return committed",
		zap.String("id", record.ID),
		zap.String("kind", record.Kind),
		zap.String("original", record.OriginalTransactionID),
		zap.Float64("total", record.TotalAmount),
		zap.String("actor", actorID),
	)

	changes := stockChanges(deltas, res.Stock)
	l.afterCommit(ctx, record.ID, changes, func(hookCtx context.Context) error {
		evt := events.NewReturnProcessed()
		evt.ReturnID = record.ID
		evt.Kind = record.Kind
		evt.OriginalTransactionID = record.OriginalTransactionID
		evt.TotalAmount = record.TotalAmount
		evt.ActorID = actorID
		evt.Changes = changes
		return l.publisher.PublishReturnProcessed(hookCtx, evt)
	}, events.EventTypeReturnProcessed)

	return &CommitResult{ID: record.ID, Stock: res.Stock, Return: &record}, nil
}

// CommitAdjustment moves stock of one product without a transaction record,
// e.g. the opening balance of a new product.
func (l *Ledger) CommitAdjustment(ctx context.Context, actorID string, productID string, delta int, reason string) (*CommitResult, error) {
	if productID == "" || strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("ledger: adjustment needs product and actor: %w", store.ErrInvalidTransaction)
	}
	if delta == 0 {
		return &CommitResult{Stock: map[string]int{}}, nil
	}

	deltas := []domain.StockDelta{{ProductID: productID, Delta: delta}}
	res, err := l.repo.CommitLedger(ctx, store.LedgerWrite{StockDeltas: deltas})
	if err != nil {
		metrics.LedgerCommitsTotal.WithLabelValues("adjustment", "error").Inc()
		return nil, fmt.Errorf("ledger: adjust %s: %w", productID, err)
	}
	metrics.LedgerCommitsTotal.WithLabelValues("adjustment", "ok").Inc()

	id := xid.New("adj")
	l.log.Info("stock adjusted",
		zap.String("id", id),
		zap.String("product", productID),
		zap.Int("delta", delta),
		zap.String("reason", reason),
		zap.String("actor", actorID),
	)

	changes := stockChanges(deltas, res.Stock)
	l.afterCommit(ctx, id, changes, func(hookCtx context.Context) error {
		evt := events.NewTransactionCommitted()
		evt.TransactionID = id
		evt.Kind = "adjustment"
		evt.ActorID = actorID
		evt.Changes = changes
		return l.publisher.PublishTransactionCommitted(hookCtx, evt)
	}, events.EventTypeTransactionCommitted)

	return &CommitResult{ID: id, Stock: res.Stock}, nil
}

// afterCommit runs the best-effort hooks. The commit already happened, so
// failures here are logged and counted, never returned.
func (l *Ledger) afterCommit(ctx context.Context, sourceID string, changes []events.StockChange, publish func(context.Context) error, eventType string) {
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()

	negative := false
	for _, change := range changes {
		if change.Stock >= 0 {
			continue
		}
		negative = true
		l.log.Warn("stock below zero after commit",
			zap.String("product", change.ProductID),
			zap.Int("stock", change.Stock),
			zap.String("source", sourceID),
		)
		evt := events.NewStockNegative()
		evt.ProductID = change.ProductID
		evt.Stock = change.Stock
		evt.SourceID = sourceID
		if err := l.publisher.PublishStockNegative(hookCtx, evt); err != nil {
			metrics.EventsPublishFailedTotal.WithLabelValues(events.EventTypeStockNegative).Inc()
			l.log.Warn("publish failed", zap.String("event", events.EventTypeStockNegative), zap.Error(err))
		}
	}
	if negative {
		metrics.StockNegativeTotal.Inc()
	}

	if err := publish(hookCtx); err != nil {
		metrics.EventsPublishFailedTotal.WithLabelValues(eventType).Inc()
		l.log.Warn("publish failed", zap.String("event", eventType), zap.String("source", sourceID), zap.Error(err))
	}

	if l.invalidator != nil {
		if err := l.invalidator.Bump(hookCtx); err != nil {
			l.log.Warn("report cache bump failed", zap.Error(err))
		}
	}
}

func expectedVersion(previous *domain.Transaction) int {
	if previous == nil {
		return 0
	}
	return previous.Version
}

func stockChanges(deltas []domain.StockDelta, levels map[string]int) []events.StockChange {
	changes := make([]events.StockChange, 0, len(deltas))
	for _, d := range deltas {
		changes = append(changes, events.StockChange{
			ProductID: d.ProductID,
			Delta:     d.Delta,
			Stock:     levels[d.ProductID],
		})
	}
	return changes
}
