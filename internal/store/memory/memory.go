package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/logger"
	"stockledger/backend/internal/store"
)

// Store keeps transactions as JSON documents, the way the remote document
// store does, so scans decode on read and can meet undecodable records.
type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	customers          map[string]domain.Customer
	suppliers          map[string]domain.Supplier
	transactionDocs    map[string][]byte
	transactionsByIdem map[string]string
	returnsByID        map[string]domain.Return
	returnsByIdem      map[string]string
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		customers:          make(map[string]domain.Customer),
		suppliers:          make(map[string]domain.Supplier),
		transactionDocs:    make(map[string][]byte),
		transactionsByIdem: make(map[string]string),
		returnsByID:        make(map[string]domain.Return),
		returnsByIdem:      make(map[string]string),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a demo catalog, counterparties and the
// admin/clerk accounts used in development mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prd-rice-5kg", Name: "Rice 5kg", Stock: 80, CostPrice: 9.10, SellingPrice: 11.50, ListPrice: 12.00, PurchasePrice: 9.10, WholesalePrice: 10.40, DealerPrice: 10.00, Category: "grocery", Brand: "Harvest"},
		{ID: "prd-oil-2l", Name: "Cooking Oil 2L", Stock: 60, CostPrice: 3.20, SellingPrice: 4.10, ListPrice: 4.25, PurchasePrice: 3.20, WholesalePrice: 3.70, DealerPrice: 3.55, Category: "grocery", Brand: "Sunny"},
		{ID: "prd-milk-1l", Name: "UHT Milk 1L", Stock: 120, CostPrice: 1.05, SellingPrice: 1.39, ListPrice: 1.45, PurchasePrice: 1.05, WholesalePrice: 1.22, DealerPrice: 1.18, Category: "dairy", Brand: "Farmhouse"},
		{ID: "prd-coffee-200g", Name: "Ground Coffee 200g", Stock: 45, CostPrice: 2.80, SellingPrice: 3.90, ListPrice: 4.20, PurchasePrice: 2.80, WholesalePrice: 3.40, DealerPrice: 3.25, Category: "beverage", Brand: "Highland"},
		{ID: "prd-soap-bar", Name: "Bath Soap", Stock: 200, CostPrice: 0.45, SellingPrice: 0.79, ListPrice: 0.85, PurchasePrice: 0.45, WholesalePrice: 0.62, DealerPrice: 0.58, Category: "household", Brand: "Clean"},
		{ID: "prd-batt-aa", Name: "AA Batteries 4pk", Stock: 35, CostPrice: 1.60, SellingPrice: 0, ListPrice: 2.99, PurchasePrice: 1.60, WholesalePrice: 2.30, DealerPrice: 2.10, Category: "", Brand: "Volt"},
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	for _, c := range []domain.Customer{
		{ID: "cus-walkin", Name: "Walk-in Customer"},
		{ID: "cus-corner-cafe", Name: "Corner Cafe", Phone: "+1-555-0101"},
		{ID: "cus-lee", Name: "M. Lee", Phone: "+1-555-0144"},
	} {
		c.Active = true
		c.CreatedAt = now
		s.customers[c.ID] = c
	}
	for _, sup := range []domain.Supplier{
		{ID: "sup-metro", Name: "Metro Wholesale", Phone: "+1-555-0199"},
		{ID: "sup-dairyco", Name: "DairyCo Distribution"},
	} {
		sup.Active = true
		sup.CreatedAt = now
		s.suppliers[sup.ID] = sup
	}

	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the development accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD, with dev defaults otherwise.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		logger.L().Named("memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context, activeOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = product
	return &product, nil
}

// UpdateProduct replaces catalog fields. Stock is owned by the ledger and kept.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.Stock = existing.Stock
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) ListCustomers(_ context.Context, activeOnly bool) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCounterparties(s.customers, activeOnly), nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createCounterparty(s.customers, customer)
}

func (s *Store) ListSuppliers(_ context.Context, activeOnly bool) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCounterparties(s.suppliers, activeOnly), nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sup, ok := s.suppliers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sup, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createCounterparty(s.suppliers, supplier)
}

func (s *Store) CommitLedger(_ context.Context, write store.LedgerWrite) (*store.LedgerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch against working copies first; nothing below the
	// apply marker may fail.
	pending := make(map[string]*domain.Transaction)

	if tx := write.Transaction; tx != nil {
		if tx.ID == "" || len(tx.Items) == 0 {
			return nil, store.ErrInvalidTransaction
		}
		_, exists := s.transactionDocs[tx.ID]
		switch {
		case write.Replace && !exists:
			return nil, store.ErrNotFound
		case !write.Replace && exists:
			return nil, store.ErrInvalidTransaction
		}
		if !write.Replace && tx.IdempotencyKey != "" {
			if _, dup := s.transactionsByIdem[tx.IdempotencyKey]; dup {
				return nil, store.ErrDuplicateIdempotencyKey
			}
		}
		tx.Version = 1
		if write.Replace {
			stored, err := store.DecodeTransaction(s.transactionDocs[tx.ID])
			if err != nil {
				return nil, fmt.Errorf("decode transaction %s: %w", tx.ID, err)
			}
			if stored.Version != write.ExpectedVersion {
				return nil, fmt.Errorf("%s at version %d, expected %d: %w", tx.ID, stored.Version, write.ExpectedVersion, store.ErrStaleTransaction)
			}
			if err := store.CarryReturned(stored, tx, write.Origins); err != nil {
				return nil, err
			}
			tx.Version = stored.Version + 1
		}
		pending[tx.ID] = cloneTransaction(tx)
	}

	if ret := write.Return; ret != nil {
		if ret.ID == "" || len(ret.Items) == 0 {
			return nil, store.ErrInvalidTransaction
		}
		if _, exists := s.returnsByID[ret.ID]; exists {
			return nil, store.ErrInvalidTransaction
		}
		if ret.IdempotencyKey != "" {
			if _, dup := s.returnsByIdem[ret.IdempotencyKey]; dup {
				return nil, store.ErrDuplicateIdempotencyKey
			}
		}
	}

	bumped := make(map[string]bool)
	for _, inc := range write.Returned {
		if inc.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		tx, ok := pending[inc.TransactionID]
		if !ok {
			raw, exists := s.transactionDocs[inc.TransactionID]
			if !exists {
				return nil, store.ErrNotFound
			}
			decoded, err := store.DecodeTransaction(raw)
			if err != nil {
				return nil, fmt.Errorf("decode transaction %s: %w", inc.TransactionID, err)
			}
			tx = decoded
			pending[inc.TransactionID] = tx
		}
		if inc.LineIndex < 0 || inc.LineIndex >= len(tx.Items) {
			return nil, store.ErrInvalidTransaction
		}
		line := &tx.Items[inc.LineIndex]
		if line.ReturnedQuantity+inc.Quantity > line.Quantity {
			return nil, store.ErrReturnExceedsRemaining
		}
		line.ReturnedQuantity += inc.Quantity
		if !bumped[inc.TransactionID] {
			bumped[inc.TransactionID] = true
			tx.Version++
		}
	}

	for _, delta := range write.StockDeltas {
		if _, ok := s.products[delta.ProductID]; !ok {
			return nil, fmt.Errorf("product %s: %w", delta.ProductID, store.ErrNotFound)
		}
	}

	docs := make(map[string][]byte, len(pending))
	for id, tx := range pending {
		raw, err := json.Marshal(tx)
		if err != nil {
			return nil, err
		}
		docs[id] = raw
	}

	// apply
	for id, raw := range docs {
		s.transactionDocs[id] = raw
	}
	if tx := write.Transaction; tx != nil && tx.IdempotencyKey != "" {
		s.transactionsByIdem[tx.IdempotencyKey] = tx.ID
	}
	if ret := write.Return; ret != nil {
		s.returnsByID[ret.ID] = cloneReturn(*ret)
		if ret.IdempotencyKey != "" {
			s.returnsByIdem[ret.IdempotencyKey] = ret.ID
		}
	}
	result := &store.LedgerResult{Stock: make(map[string]int, len(write.StockDeltas))}
	now := time.Now().UTC()
	for _, delta := range write.StockDeltas {
		p := s.products[delta.ProductID]
		p.Stock += delta.Delta
		p.UpdatedAt = now
		s.products[delta.ProductID] = p
		result.Stock[delta.ProductID] = p.Stock
	}
	return result, nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.transactionDocs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.DecodeTransaction(raw)
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.DecodeTransaction(s.transactionDocs[id])
}

func (s *Store) FindReturnByIdempotency(_ context.Context, key string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.returnsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	ret := cloneReturn(s.returnsByID[id])
	return &ret, nil
}

func (s *Store) ListReturnsByTransaction(_ context.Context, transactionID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := make([]domain.Return, 0)
	for _, ret := range s.returnsByID {
		if ret.OriginalTransactionID == transactionID {
			returns = append(returns, cloneReturn(ret))
		}
	}
	slices.SortFunc(returns, func(a, b domain.Return) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return returns, nil
}

func (s *Store) AddPayment(_ context.Context, id string, amount float64, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.transactionDocs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	tx, err := store.DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyPayment(tx, amount, at); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	s.transactionDocs[id] = updated
	return tx, nil
}

func (s *Store) ScanTransactions(_ context.Context, q store.TransactionQuery) ([]store.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]store.TransactionRecord, 0, len(s.transactionDocs))
	for id, raw := range s.transactionDocs {
		tx, err := store.DecodeTransaction(raw)
		if err != nil {
			records = append(records, store.TransactionRecord{ID: id, Err: err})
			continue
		}
		if q.Kind != "" && tx.Kind != q.Kind {
			continue
		}
		if q.CounterpartyID != "" && tx.CounterpartyID != q.CounterpartyID {
			continue
		}
		if (!q.From.IsZero() || !q.To.IsZero()) && (tx.Date.IsZero() || !q.InRange(tx.Date)) {
			continue
		}
		records = append(records, store.TransactionRecord{ID: id, Transaction: tx})
	}

	slices.SortFunc(records, func(a, b store.TransactionRecord) int {
		c := recordTime(a).Compare(recordTime(b))
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if q.Descending {
			return -c
		}
		return c
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// PutTransactionDocument stores a raw document as-is, bypassing validation.
// Used for imports and to reproduce damaged records.
func (s *Store) PutTransactionDocument(id string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactionDocs[id] = append([]byte(nil), raw...)
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func listCounterparties(src map[string]domain.Counterparty, activeOnly bool) []domain.Counterparty {
	out := make([]domain.Counterparty, 0, len(src))
	for _, c := range src {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Counterparty) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func createCounterparty(dst map[string]domain.Counterparty, c domain.Counterparty) (*domain.Counterparty, error) {
	if c.ID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := dst[c.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	dst[c.ID] = c
	return &c, nil
}

func recordTime(r store.TransactionRecord) time.Time {
	if r.Transaction == nil {
		return time.Time{}
	}
	return r.Transaction.Date
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = append([]domain.LineItem(nil), src.Items...)
	return &dup
}

func cloneReturn(src domain.Return) domain.Return {
	dup := src
	dup.Items = append([]domain.ReturnLine(nil), src.Items...)
	return dup
}
