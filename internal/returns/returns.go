package returns

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/finance"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

var (
	ErrInvalidReturn     = errors.New("invalid return request")
	ErrExceedsReturnable = errors.New("return quantity exceeds remaining returnable quantity")
)

type Finder interface {
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindReturnByIdempotency(ctx context.Context, key string) (*domain.Return, error)
}

// Committer persists a built return. *ledger.Ledger satisfies it.
type Committer interface {
	CommitReturn(ctx context.Context, actorID string, ret *domain.Return) (*ledger.CommitResult, error)
}

type Line struct {
	LineIndex int
	Quantity  int
}

type Request struct {
	Lines          []Line
	Reason         string
	Date           time.Time
	IdempotencyKey string
}

type Processor struct {
	finder    Finder
	committer Committer
}

func New(finder Finder, committer Committer) *Processor {
	return &Processor{finder: finder, committer: committer}
}

// Stage drafts a return of transactionID with one selection per original
// line, capped at what is still returnable.
func (p *Processor) Stage(ctx context.Context, transactionID string) (*domain.ReturnDraft, error) {
	tx, err := p.finder.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	draft := &domain.ReturnDraft{
		TransactionID: tx.ID,
		Kind:          returnKind(tx.Kind),
		Selections:    make([]domain.Selection, 0, len(tx.Items)),
	}
	for i, item := range tx.Items {
		remaining := item.Returnable()
		draft.Selections = append(draft.Selections, domain.Selection{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Category:    item.Category,
			Brand:       item.Brand,
			Quantity:    min(1, remaining),
			UnitPrice:   item.UnitPrice,
			CostPrice:   item.CostPrice,
			MaxQuantity: remaining,
			LineIndex:   i,
		})
	}
	return draft, nil
}

// Submit validates the requested lines against the stored original and
// commits the return. Nothing is written when any line fails validation.
func (p *Processor) Submit(ctx context.Context, actorID string, transactionID string, req Request) (*ledger.CommitResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := p.finder.FindReturnByIdempotency(ctx, key)
		if err == nil {
			return &ledger.CommitResult{ID: existing.ID, Duplicate: true, Return: existing}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("no lines: %w", ErrInvalidReturn)
	}

	tx, err := p.finder.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	requested := make(map[int]int, len(req.Lines))
	for _, line := range req.Lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("line %d quantity %d: %w", line.LineIndex, line.Quantity, ErrInvalidReturn)
		}
		if line.LineIndex < 0 || line.LineIndex >= len(tx.Items) {
			return nil, fmt.Errorf("line %d: %w", line.LineIndex, ErrInvalidReturn)
		}
		requested[line.LineIndex] += line.Quantity
	}

	indexes := make([]int, 0, len(requested))
	for idx := range requested {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	lines := make([]domain.ReturnLine, 0, len(indexes))
	amounts := make([]float64, 0, len(indexes))
	for _, idx := range indexes {
		item := tx.Items[idx]
		qty := requested[idx]
		if remaining := item.Returnable(); remaining == 0 || qty > remaining {
			return nil, fmt.Errorf("%s: requested %d, remaining %d: %w", item.ProductName, qty, remaining, ErrExceedsReturnable)
		}
		amount := finance.LineItemTotal(item.UnitPrice, qty)
		lines = append(lines, domain.ReturnLine{
			LineIndex:   idx,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    qty,
			UnitPrice:   item.UnitPrice,
			Amount:      amount,
		})
		amounts = append(amounts, amount)
	}

	ret := &domain.Return{
		Kind:                  returnKind(tx.Kind),
		OriginalTransactionID: tx.ID,
		Items:                 lines,
		TotalAmount:           finance.Sum(amounts...),
		Reason:                strings.TrimSpace(req.Reason),
		Date:                  req.Date,
		IdempotencyKey:        key,
	}
	res, err := p.committer.CommitReturn(ctx, actorID, ret)
	if err != nil {
		// A concurrent return may have consumed the quantity between the read
		// above and the commit.
		if errors.Is(err, store.ErrReturnExceedsRemaining) {
			return nil, fmt.Errorf("%w: %w", ErrExceedsReturnable, err)
		}
		return nil, err
	}
	return res, nil
}

func returnKind(kind string) string {
	if kind == domain.KindPurchase {
		return domain.ReturnKindPurchase
	}
	return domain.ReturnKindSale
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidReturn) || errors.Is(err, ErrExceedsReturnable)
}
