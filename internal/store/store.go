package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/finance"
)

var (
	ErrMalformedDocument       = errors.New("malformed transaction document")
	ErrNotFound                = errors.New("not found")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrReturnExceedsRemaining  = errors.New("return exceeds remaining returnable quantity")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrStaleTransaction        = errors.New("transaction changed since it was read")
	ErrOverpayment             = errors.New("payment exceeds amount due")
)

// ReturnedIncrement bumps ReturnedQuantity of one line of an existing transaction.
type ReturnedIncrement struct {
	TransactionID string
	LineIndex     int
	Quantity      int
}

// LedgerWrite is one atomic batch. Either every part is applied or none is.
//
// Transaction is inserted, or replaces the stored record when Replace is set.
// A replace only succeeds while the stored record still has ExpectedVersion.
// Origins maps each line of the replacing Transaction to the stored line it
// was edited from, -1 for added lines; returned quantities follow that mapping.
// The store sets Version and ReturnedQuantity on Transaction.
// StockDeltas are applied as increments on Product.Stock.
type LedgerWrite struct {
	Transaction     *domain.Transaction
	Replace         bool
	ExpectedVersion int
	Origins         []int
	Return          *domain.Return
	Returned        []ReturnedIncrement
	StockDeltas     []domain.StockDelta
}

// LedgerResult carries the stock level of every product touched by the batch
// after it was applied.
type LedgerResult struct {
	Stock map[string]int
}

// TransactionQuery filters committed transactions. From is inclusive, To is
// exclusive; zero values leave that side unbounded.
type TransactionQuery struct {
	Kind           string
	From           time.Time
	To             time.Time
	CounterpartyID string
	Descending     bool
	Limit          int
}

// TransactionRecord is a stored transaction as read back by a scan. Err is set
// when the stored document could not be decoded; Transaction is then nil.
type TransactionRecord struct {
	ID          string
	Transaction *domain.Transaction
	Err         error
}

type Catalog interface {
	ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListCustomers(ctx context.Context, activeOnly bool) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListSuppliers(ctx context.Context, activeOnly bool) ([]domain.Supplier, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
}

type Ledger interface {
	CommitLedger(ctx context.Context, write LedgerWrite) (*LedgerResult, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	FindReturnByIdempotency(ctx context.Context, key string) (*domain.Return, error)
	ListReturnsByTransaction(ctx context.Context, transactionID string) ([]domain.Return, error)
	// AddPayment adds amount to AmountPaid under the record lock. Paying more
	// than is due fails with ErrOverpayment.
	AddPayment(ctx context.Context, id string, amount float64, at time.Time) (*domain.Transaction, error)
}

type TransactionScanner interface {
	ScanTransactions(ctx context.Context, q TransactionQuery) ([]TransactionRecord, error)
}

type Repository interface {
	Catalog
	Ledger
	TransactionScanner

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

// InRange reports whether at falls inside the query window.
func (q TransactionQuery) InRange(at time.Time) bool {
	if !q.From.IsZero() && at.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !at.Before(q.To) {
		return false
	}
	return true
}

// DecodeTransaction parses a stored transaction document. Documents without an
// id or with an unknown kind are rejected with ErrMalformedDocument.
func DecodeTransaction(raw []byte) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if tx.ID == "" || (tx.Kind != domain.KindSale && tx.Kind != domain.KindPurchase) {
		return nil, ErrMalformedDocument
	}
	return &tx, nil
}

// CarryReturned copies the returned quantities of stored onto the lines of
// next according to origins. A line may not drop below what was already
// returned, and a line with returns may not be removed.
func CarryReturned(stored *domain.Transaction, next *domain.Transaction, origins []int) error {
	if len(origins) != len(next.Items) {
		return fmt.Errorf("%w: %d origins for %d lines", ErrInvalidTransaction, len(origins), len(next.Items))
	}
	covered := make([]bool, len(stored.Items))
	for i := range next.Items {
		line := &next.Items[i]
		line.ReturnedQuantity = 0
		idx := origins[i]
		if idx < 0 {
			continue
		}
		if idx >= len(stored.Items) || covered[idx] || stored.Items[idx].ProductID != line.ProductID {
			return fmt.Errorf("%w: line %d has no matching stored line", ErrInvalidTransaction, i)
		}
		covered[idx] = true
		line.ReturnedQuantity = stored.Items[idx].ReturnedQuantity
		if line.Quantity < line.ReturnedQuantity {
			return fmt.Errorf("%w: %s quantity %d below returned %d", ErrReturnExceedsRemaining, line.ProductID, line.Quantity, line.ReturnedQuantity)
		}
	}
	for idx, ok := range covered {
		if !ok && stored.Items[idx].ReturnedQuantity > 0 {
			return fmt.Errorf("%w: %s removed after returns", ErrReturnExceedsRemaining, stored.Items[idx].ProductID)
		}
	}
	return nil
}

// ApplyPayment adds amount to tx and recomputes what is due and the payment
// status. Callers hold the record lock.
func ApplyPayment(tx *domain.Transaction, amount float64, at time.Time) error {
	amount = finance.Round2(amount)
	if amount <= 0 {
		return fmt.Errorf("%w: payment must be positive", ErrInvalidTransaction)
	}
	due := finance.Sub(tx.TotalAmount, tx.AmountPaid)
	if amount > due {
		return fmt.Errorf("%w: due %.2f, paying %.2f", ErrOverpayment, due, amount)
	}
	tx.AmountPaid = finance.Sum(tx.AmountPaid, amount)
	tx.AmountDue = finance.Sub(tx.TotalAmount, tx.AmountPaid)
	tx.Status = domain.PaymentStatus(tx.TotalAmount, tx.AmountPaid)
	tx.UpdatedAt = at
	tx.Version++
	return nil
}
