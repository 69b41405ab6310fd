package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"stockledger/backend/internal/builder"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/finance"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/logger"
	"stockledger/backend/internal/reporting"
	"stockledger/backend/internal/returns"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrForbidden        = errors.New("admin role required")
	ErrOverpayment      = store.ErrOverpayment
	ErrSellingBelowCost = errors.New("selling price below cost price")
)

const defaultSessionIdleTTL = 30 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithSessionIdleTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.idleTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInvalidator marks cached reports stale after payments, which change
// amounts due without going through the ledger.
func WithInvalidator(inv ledger.Invalidator) Option {
	return func(s *Service) {
		s.invalidator = inv
	}
}

type sessionEntry struct {
	session *builder.Session
	touched time.Time
}

// Service is the application facade used by the HTTP layer and the CLI.
type Service struct {
	repo        store.Repository
	ledger      *ledger.Ledger
	returns     *returns.Processor
	reports     *reporting.Service
	invalidator ledger.Invalidator
	validate    *validator.Validate
	log         *zap.Logger
	now         func() time.Time
	idleTTL     time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func New(repo store.Repository, led *ledger.Ledger, reports *reporting.Service, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		ledger:   led,
		returns:  returns.New(repo, led),
		reports:  reports,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.L(),
		now:      time.Now,
		idleTTL:  defaultSessionIdleTTL,
		sessions: make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("service")
	return s
}

func (s *Service) Reports() *reporting.Service { return s.reports }

func (s *Service) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, activeOnly)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Brand = strings.TrimSpace(req.Brand)
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	if req.SellingPrice > 0 && !finance.IsValidSellingPrice(req.SellingPrice, req.CostPrice) {
		return domain.Product{}, ErrSellingBelowCost
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:             xid.New("prd"),
		Name:           req.Name,
		CostPrice:      finance.Round2(req.CostPrice),
		SellingPrice:   finance.Round2(req.SellingPrice),
		ListPrice:      finance.Round2(req.ListPrice),
		PurchasePrice:  finance.Round2(req.PurchasePrice),
		WholesalePrice: finance.Round2(req.WholesalePrice),
		DealerPrice:    finance.Round2(req.DealerPrice),
		Category:       req.Category,
		Brand:          req.Brand,
		Active:         true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		res, err := s.ledger.CommitAdjustment(ctx, actor.Username, created.ID, req.InitialStock, "initial stock")
		if err != nil {
			return domain.Product{}, err
		}
		created.Stock = res.Stock[created.ID]
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,selling=%.2f,cost=%.2f,stock=%d", created.Name, created.SellingPrice, created.CostPrice, req.InitialStock))
	return *created, nil
}

// UpdateProduct patches catalog fields. Stock only moves through the ledger.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: name must not be blank", ErrInvalidInput)
		}
		updated.Name = name
	}
	setPrice := func(dst *float64, src *float64) {
		if src != nil {
			*dst = finance.Round2(*src)
		}
	}
	setPrice(&updated.CostPrice, req.CostPrice)
	setPrice(&updated.SellingPrice, req.SellingPrice)
	setPrice(&updated.ListPrice, req.ListPrice)
	setPrice(&updated.PurchasePrice, req.PurchasePrice)
	setPrice(&updated.WholesalePrice, req.WholesalePrice)
	setPrice(&updated.DealerPrice, req.DealerPrice)
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.Brand != nil {
		updated.Brand = strings.TrimSpace(*req.Brand)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if updated.SellingPrice > 0 && !finance.IsValidSellingPrice(updated.SellingPrice, updated.CostPrice) {
		return domain.Product{}, ErrSellingBelowCost
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,selling=%.2f,cost=%.2f", saved.Active, saved.SellingPrice, saved.CostPrice))
	return *saved, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, false)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CounterpartyCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if err := s.check(req); err != nil {
		return domain.Customer{}, err
	}
	created, err := s.repo.CreateCustomer(ctx, domain.Customer{ID: xid.New("cus"), Name: req.Name, Phone: req.Phone, Active: true})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx, false)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.CounterpartyCreateRequest) (domain.Supplier, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if err := s.check(req); err != nil {
		return domain.Supplier{}, err
	}
	created, err := s.repo.CreateSupplier(ctx, domain.Supplier{ID: xid.New("sup"), Name: req.Name, Phone: req.Phone, Active: true})
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_create", "supplier", created.ID, "name="+created.Name)
	return *created, nil
}

type TransactionFilter struct {
	Kind           string
	From           time.Time
	To             time.Time
	CounterpartyID string
	Limit          int
}

// ListTransactions returns committed transactions, newest first. Records that
// cannot be decoded are left out and logged.
func (s *Service) ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error) {
	if f.Kind != "" && f.Kind != domain.KindSale && f.Kind != domain.KindPurchase {
		return nil, fmt.Errorf("%w: kind must be sale or purchase", ErrInvalidInput)
	}
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 100
	}
	records, err := s.repo.ScanTransactions(ctx, store.TransactionQuery{
		Kind:           f.Kind,
		From:           f.From,
		To:             f.To,
		CounterpartyID: f.CounterpartyID,
		Descending:     true,
		Limit:          f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(records))
	for _, rec := range records {
		if rec.Err != nil {
			s.log.Warn("skipping unreadable transaction", zap.String("id", rec.ID), zap.Error(rec.Err))
			continue
		}
		out = append(out, *rec.Transaction)
	}
	return out, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.TransactionDetail, error) {
	tx, err := s.repo.FindTransactionByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.TransactionDetail{}, err
	}
	rets, err := s.repo.ListReturnsByTransaction(ctx, tx.ID)
	if err != nil {
		return domain.TransactionDetail{}, err
	}
	return domain.TransactionDetail{Transaction: *tx, Returns: rets}, nil
}

// RecordPayment adds amount to what has been paid against a transaction.
// Paying more than is due is rejected.
func (s *Service) RecordPayment(ctx context.Context, id string, req domain.PaymentRequest) (domain.Transaction, error) {
	if err := s.check(req); err != nil {
		return domain.Transaction{}, err
	}

	amount := finance.Round2(req.Amount)
	updated, err := s.repo.AddPayment(ctx, strings.TrimSpace(id), amount, s.now().UTC())
	if err != nil {
		return domain.Transaction{}, err
	}
	if s.invalidator != nil {
		if err := s.invalidator.Bump(ctx); err != nil {
			s.log.Warn("report cache bump failed", zap.String("transaction", updated.ID), zap.Error(err))
		}
	}

	s.logAudit(ctx, "payment_record", "transaction", updated.ID, fmt.Sprintf("amount=%.2f,paid=%.2f,status=%s", amount, updated.AmountPaid, updated.Status))
	return *updated, nil
}

func (s *Service) ReturnDraft(ctx context.Context, transactionID string) (domain.ReturnDraft, error) {
	draft, err := s.returns.Stage(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return domain.ReturnDraft{}, err
	}
	return *draft, nil
}

// SubmitReturn records a partial or full return. The manager PIN is checked
// by the caller before this is reached.
func (s *Service) SubmitReturn(ctx context.Context, transactionID string, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ReturnResponse{}, err
	}
	lines := make([]returns.Line, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, returns.Line{LineIndex: line.LineIndex, Quantity: line.Quantity})
	}
	r := returns.Request{
		Lines:          lines,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Date != nil {
		r.Date = *req.Date
	}

	res, err := s.returns.Submit(ctx, actorID(ctx), strings.TrimSpace(transactionID), r)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if !res.Duplicate {
		s.logAudit(ctx, "return_submit", "return", res.ID, fmt.Sprintf("transaction=%s,amount=%.2f,lines=%d", transactionID, res.Return.TotalAmount, len(res.Return.Items)))
	}
	return domain.ReturnResponse{Return: *res.Return, Duplicate: res.Duplicate}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		// include entries written in the current second
		to = s.now().UTC().Add(time.Second)
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -1)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: audit range end must be after start", ErrInvalidInput)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// check runs the struct validation tags of a request DTO.
func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s:%s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ","))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ActorID:    actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func actorID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

// IsValidation reports whether err was caused by caller input rather than by
// the system.
func IsValidation(err error) bool {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrOverpayment), errors.Is(err, ErrSellingBelowCost):
		return true
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, store.ErrReturnExceedsRemaining):
		return true
	case errors.As(err, &verrs):
		return true
	}
	return builder.IsValidation(err) || returns.IsValidation(err) || reporting.IsValidation(err)
}

// IsConflict reports whether err comes from using a session in the wrong state
// or from editing a transaction that changed after the edit was opened.
func IsConflict(err error) bool {
	return errors.Is(err, builder.ErrSessionClosed) ||
		errors.Is(err, builder.ErrSessionBusy) ||
		errors.Is(err, store.ErrStaleTransaction)
}
