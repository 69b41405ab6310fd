package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/finance"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/xid"
)

type State string

const (
	StateEmpty      State = "empty"
	StateStaging    State = "staging"
	StateSubmitting State = "submitting"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

var (
	ErrInvalidKind      = errors.New("kind must be sale or purchase")
	ErrSessionClosed    = errors.New("session already committed")
	ErrSessionBusy      = errors.New("session is being submitted")
	ErrEmptySelection   = errors.New("no products selected")
	ErrNoCounterparty   = errors.New("no counterparty selected")
	ErrIndexOutOfRange  = errors.New("selection index out of range")
	ErrNegativePrice    = errors.New("price must not be negative")
	ErrBelowReturned    = errors.New("quantity below already returned quantity")
	ErrInactiveProduct  = errors.New("product is inactive")
	ErrDiscountTooLarge = errors.New("discount exceeds subtotal")
)

// Committer persists a built transaction. *ledger.Ledger satisfies it.
type Committer interface {
	CommitTransaction(ctx context.Context, actorID string, tx *domain.Transaction, edit *ledger.Edit) (*ledger.CommitResult, error)
}

type SubmitInput struct {
	Date            time.Time
	TaxAmount       float64
	DiscountAmount  float64
	TaxPercent      float64
	DiscountPercent float64
	PaymentMethod   string
	// AmountPaid nil keeps what an edited transaction already has paid.
	AmountPaid      *float64
	Notes           string
	IdempotencyKey  string
}

// Session stages the lines of one sale or purchase until it is submitted.
// It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id               string
	kind             string
	state            State
	selections       []domain.Selection
	origin           []int // original line index per selection, -1 for new lines
	counterpartyID   string
	counterpartyName string
	subtotal         float64

	editing   *domain.Transaction
	committed string
	committer Committer
}

func New(kind string, committer Committer) (*Session, error) {
	if kind != domain.KindSale && kind != domain.KindPurchase {
		return nil, ErrInvalidKind
	}
	return &Session{
		id:        xid.New("ses"),
		kind:      kind,
		state:     StateEmpty,
		committer: committer,
	}, nil
}

// FromTransaction opens an edit session seeded with the historical prices and
// quantities of tx. Submitting it replaces tx.
func FromTransaction(tx *domain.Transaction, committer Committer) (*Session, error) {
	s, err := New(tx.Kind, committer)
	if err != nil {
		return nil, err
	}
	snapshot := *tx
	snapshot.Items = append([]domain.LineItem(nil), tx.Items...)
	s.editing = &snapshot
	s.counterpartyID = tx.CounterpartyID
	s.counterpartyName = tx.CounterpartyName
	for i, item := range tx.Items {
		s.selections = append(s.selections, domain.Selection{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Category:    item.Category,
			Brand:       item.Brand,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			CostPrice:   item.CostPrice,
			LineIndex:   i,
		})
		s.origin = append(s.origin, i)
	}
	s.recompute()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Kind() string { return s.kind }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Subtotal() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subtotal
}

func (s *Session) Selections() []domain.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Selection(nil), s.selections...)
}

func (s *Session) View() domain.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := domain.SessionView{
		ID:               s.id,
		Kind:             s.kind,
		State:            string(s.state),
		CounterpartyID:   s.counterpartyID,
		CounterpartyName: s.counterpartyName,
		Selections:       append([]domain.Selection{}, s.selections...),
		Subtotal:         s.subtotal,
	}
	if s.editing != nil {
		view.EditingID = s.editing.ID
	}
	return view
}

// AddSelection stages one more unit of product.
func (s *Session) AddSelection(product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return err
	}
	if !product.Active {
		return ErrInactiveProduct
	}
	for i := range s.selections {
		if s.selections[i].ProductID == product.ID {
			s.selections[i].Quantity++
			s.recompute()
			return nil
		}
	}

	s.selections = append(s.selections, domain.Selection{
		ProductID:   product.ID,
		ProductName: product.Name,
		Category:    product.Category,
		Brand:       product.Brand,
		Quantity:    1,
		UnitPrice:   s.seedPrice(product),
		CostPrice:   product.CostPrice,
		LineIndex:   len(s.selections),
	})
	s.origin = append(s.origin, -1)
	s.recompute()
	return nil
}

func (s *Session) seedPrice(p domain.Product) float64 {
	if s.kind == domain.KindPurchase {
		if p.PurchasePrice > 0 {
			return p.PurchasePrice
		}
		return p.CostPrice
	}
	if p.SellingPrice > 0 {
		return p.SellingPrice
	}
	return p.ListPrice
}

// UpdateQuantity sets the staged quantity; values below 1 become 1.
func (s *Session) UpdateQuantity(index int, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.selections) {
		return ErrIndexOutOfRange
	}
	s.selections[index].Quantity = max(qty, 1)
	s.recompute()
	return nil
}

func (s *Session) UpdatePrice(index int, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.selections) {
		return ErrIndexOutOfRange
	}
	if price < 0 {
		return ErrNegativePrice
	}
	s.selections[index].UnitPrice = price
	s.recompute()
	return nil
}

func (s *Session) RemoveSelection(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.selections) {
		return ErrIndexOutOfRange
	}
	s.selections = append(s.selections[:index], s.selections[index+1:]...)
	s.origin = append(s.origin[:index], s.origin[index+1:]...)
	for i := range s.selections {
		if s.origin[i] < 0 {
			s.selections[i].LineIndex = i
		}
	}
	s.recompute()
	return nil
}

func (s *Session) SetCounterparty(id string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return err
	}
	s.counterpartyID = strings.TrimSpace(id)
	s.counterpartyName = strings.TrimSpace(name)
	return nil
}

// Submit builds the transaction from the staged lines and hands it to the
// committer. On failure the staged lines are kept and the session may be
// submitted again.
func (s *Session) Submit(ctx context.Context, actorID string, in SubmitInput) (*ledger.CommitResult, error) {
	s.mu.Lock()
	if err := s.mutable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tx, err := s.build(in)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var edit *ledger.Edit
	if s.editing != nil {
		edit = &ledger.Edit{Previous: s.editing, Origins: append([]int(nil), s.origin...)}
	}
	s.state = StateSubmitting
	s.mu.Unlock()

	res, err := s.committer.CommitTransaction(ctx, actorID, tx, edit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		return nil, err
	}
	s.state = StateCommitted
	s.committed = res.ID
	return res, nil
}

// CommittedID is the id of the committed transaction, empty before commit.
func (s *Session) CommittedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Session) build(in SubmitInput) (*domain.Transaction, error) {
	if len(s.selections) == 0 {
		return nil, ErrEmptySelection
	}
	if s.counterpartyID == "" {
		return nil, ErrNoCounterparty
	}

	items := make([]domain.LineItem, 0, len(s.selections))
	covered := make(map[int]bool, len(s.origin))
	for i, sel := range s.selections {
		item := domain.LineItem{
			ProductID:   sel.ProductID,
			ProductName: sel.ProductName,
			Category:    sel.Category,
			Brand:       sel.Brand,
			Quantity:    sel.Quantity,
			UnitPrice:   sel.UnitPrice,
			TotalPrice:  finance.LineItemTotal(sel.UnitPrice, sel.Quantity),
		}
		if s.kind == domain.KindSale {
			item.CostPrice = sel.CostPrice
		}
		if idx := s.origin[i]; idx >= 0 && s.editing != nil {
			covered[idx] = true
			item.ReturnedQuantity = s.editing.Items[idx].ReturnedQuantity
			if item.Quantity < item.ReturnedQuantity {
				return nil, fmt.Errorf("%s: %w", sel.ProductName, ErrBelowReturned)
			}
		}
		items = append(items, item)
	}
	if s.editing != nil {
		for idx, orig := range s.editing.Items {
			if !covered[idx] && orig.ReturnedQuantity > 0 {
				return nil, fmt.Errorf("%s removed: %w", orig.ProductName, ErrBelowReturned)
			}
		}
	}

	subtotal := s.subtotal
	tax := in.TaxAmount
	if tax == 0 && in.TaxPercent > 0 {
		tax = finance.TaxAmount(subtotal, in.TaxPercent)
	}
	discount := in.DiscountAmount
	if discount == 0 && in.DiscountPercent > 0 {
		discount = finance.DiscountAmount(subtotal, in.DiscountPercent)
	}
	if discount > subtotal {
		return nil, ErrDiscountTooLarge
	}

	total := finance.TotalAmount(subtotal, tax, discount)
	var paid float64
	switch {
	case in.AmountPaid != nil:
		paid = finance.Round2(*in.AmountPaid)
	case s.editing != nil:
		paid = s.editing.AmountPaid
	}
	// Anything above the total is change handed back, not credit.
	paid = min(paid, total)

	method := in.PaymentMethod
	if method == "" {
		method = "cash"
	}

	tx := &domain.Transaction{
		Kind:             s.kind,
		CounterpartyID:   s.counterpartyID,
		CounterpartyName: s.counterpartyName,
		Date:             in.Date,
		PaymentMethod:    method,
		Notes:            strings.TrimSpace(in.Notes),
		Items:            items,
		Subtotal:         subtotal,
		TaxAmount:        finance.Round2(tax),
		DiscountAmount:   finance.Round2(discount),
		TotalAmount:      total,
		AmountPaid:       paid,
		AmountDue:        finance.Sub(total, paid),
		Status:           domain.PaymentStatus(total, paid),
		IdempotencyKey:   strings.TrimSpace(in.IdempotencyKey),
	}
	if s.kind == domain.KindSale {
		costs := make([]float64, 0, len(items))
		for _, item := range items {
			costs = append(costs, finance.LineItemTotal(item.CostPrice, item.Quantity))
		}
		tx.TotalCost = finance.Sum(costs...)
		tx.TotalProfit = finance.Sub(finance.Sub(subtotal, tx.DiscountAmount), tx.TotalCost)
	}
	if s.editing != nil && tx.Date.IsZero() {
		tx.Date = s.editing.Date
	}
	return tx, nil
}

func (s *Session) mutable() error {
	switch s.state {
	case StateCommitted:
		return ErrSessionClosed
	case StateSubmitting:
		return ErrSessionBusy
	}
	return nil
}

// recompute refreshes the subtotal and the empty/staging state. It does not
// touch the selections themselves. A failed session that is edited goes back
// to staging.
func (s *Session) recompute() {
	totals := make([]float64, 0, len(s.selections))
	for _, sel := range s.selections {
		totals = append(totals, finance.LineItemTotal(sel.UnitPrice, sel.Quantity))
	}
	s.subtotal = finance.Sum(totals...)
	if len(s.selections) == 0 {
		s.state = StateEmpty
	} else {
		s.state = StateStaging
	}
}

// IsValidation reports whether err is a caller input error from this package.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidKind, ErrEmptySelection, ErrNoCounterparty, ErrIndexOutOfRange,
		ErrNegativePrice, ErrBelowReturned, ErrInactiveProduct, ErrDiscountTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
