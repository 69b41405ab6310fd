package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

// Store persists the ledger in PostgreSQL. Transactions are kept as JSONB
// documents next to the indexed columns used for filtering; the per-line
// returned quantities live in transaction_lines and are overlaid on read.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, name, stock, cost_price, selling_price, list_price, purchase_price,
	wholesale_price, dealer_price, category, brand, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Stock, &p.CostPrice, &p.SellingPrice, &p.ListPrice, &p.PurchasePrice,
		&p.WholesalePrice, &p.DealerPrice, &p.Category, &p.Brand, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = false OR active = true)
		ORDER BY category ASC, name ASC
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+productColumns+`
		FROM products
		WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		product.ID, product.Name, product.Stock, product.CostPrice, product.SellingPrice, product.ListPrice,
		product.PurchasePrice, product.WholesalePrice, product.DealerPrice, product.Category, product.Brand,
		product.Active, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &product, nil
}

// UpdateProduct rewrites catalog fields. Stock is owned by CommitLedger and is
// never written here.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, cost_price = $3, selling_price = $4, list_price = $5, purchase_price = $6,
			wholesale_price = $7, dealer_price = $8, category = $9, brand = $10, active = $11, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.CostPrice, product.SellingPrice, product.ListPrice, product.PurchasePrice,
		product.WholesalePrice, product.DealerPrice, product.Category, product.Brand, product.Active,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListCustomers(ctx context.Context, activeOnly bool) ([]domain.Customer, error) {
	return s.listCounterparties(ctx, "customers", activeOnly)
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return s.getCounterparty(ctx, "customers", id)
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	return s.createCounterparty(ctx, "customers", customer)
}

func (s *Store) ListSuppliers(ctx context.Context, activeOnly bool) ([]domain.Supplier, error) {
	return s.listCounterparties(ctx, "suppliers", activeOnly)
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	return s.getCounterparty(ctx, "suppliers", id)
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	return s.createCounterparty(ctx, "suppliers", supplier)
}

func counterpartyTable(table string) error {
	if table != "customers" && table != "suppliers" {
		return fmt.Errorf("unsupported counterparty table %q", table)
	}
	return nil
}

func (s *Store) listCounterparties(ctx context.Context, table string, activeOnly bool) ([]domain.Counterparty, error) {
	if err := counterpartyTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, phone, active, created_at
		FROM %s
		WHERE ($1 = false OR active = true)
		ORDER BY name ASC, id ASC
	`, table), activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Counterparty, 0, 32)
	for rows.Next() {
		var c domain.Counterparty
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getCounterparty(ctx context.Context, table string, id string) (*domain.Counterparty, error) {
	if err := counterpartyTable(table); err != nil {
		return nil, err
	}
	var c domain.Counterparty
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, phone, active, created_at FROM %s WHERE id = $1
	`, table), id).Scan(&c.ID, &c.Name, &c.Phone, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) createCounterparty(ctx context.Context, table string, c domain.Counterparty) (*domain.Counterparty, error) {
	if err := counterpartyTable(table); err != nil {
		return nil, err
	}
	if c.ID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, name, phone, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, table), c.ID, c.Name, c.Phone, c.Active, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &c, nil
}

// CommitLedger applies the batch in one database transaction. Stock and
// returned quantities are only ever changed with relative UPDATEs so
// concurrent commits never overwrite each other.
func (s *Store) CommitLedger(ctx context.Context, write store.LedgerWrite) (*store.LedgerResult, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if tx := write.Transaction; tx != nil {
		if tx.ID == "" || len(tx.Items) == 0 {
			return nil, store.ErrInvalidTransaction
		}
		if write.Replace {
			err = replaceTransaction(ctx, pgTx, tx, write.ExpectedVersion, write.Origins)
		} else {
			err = insertTransaction(ctx, pgTx, tx)
		}
		if err != nil {
			return nil, err
		}
	}

	// The parent row is locked before its lines, the same order an edit uses.
	bumped := make(map[string]bool)
	for _, inc := range write.Returned {
		if bumped[inc.TransactionID] {
			continue
		}
		bumped[inc.TransactionID] = true
		if err := bumpVersion(ctx, pgTx, inc.TransactionID); err != nil {
			return nil, err
		}
	}

	if ret := write.Return; ret != nil {
		if err := insertReturn(ctx, pgTx, ret); err != nil {
			return nil, err
		}
	}

	for _, inc := range write.Returned {
		if err := incrementReturned(ctx, pgTx, inc); err != nil {
			return nil, err
		}
	}

	// Lock product rows in a stable order to keep concurrent batches from
	// deadlocking on each other.
	deltas := slices.Clone(write.StockDeltas)
	slices.SortStableFunc(deltas, func(a, b domain.StockDelta) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	result := &store.LedgerResult{Stock: make(map[string]int, len(deltas))}
	for _, delta := range deltas {
		var stock int
		err := pgTx.QueryRowContext(ctx, `
			UPDATE products
			SET stock = stock + $2, updated_at = now()
			WHERE id = $1
			RETURNING stock
		`, delta.ProductID, delta.Delta).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("product %s: %w", delta.ProductID, store.ErrNotFound)
			}
			return nil, err
		}
		result.Stock[delta.ProductID] = stock
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func insertTransaction(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction) error {
	tx.Version = 1
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, kind, counterparty_id, txn_date, idempotency_key, doc, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, tx.ID, tx.Kind, tx.CounterpartyID, nullTime(tx.Date), nullIfEmpty(tx.IdempotencyKey), doc, tx.CreatedAt, tx.UpdatedAt, tx.Version)
	if err != nil {
		if isUniqueViolation(err) {
			if tx.IdempotencyKey != "" && strings.Contains(uniqueConstraint(err), "idempotency") {
				return store.ErrDuplicateIdempotencyKey
			}
			return store.ErrInvalidTransaction
		}
		return err
	}
	return insertLines(ctx, pgTx, tx)
}

// replaceTransaction rewrites an existing record. The row stays locked until
// commit, so the version check and the returned quantities carried over from
// transaction_lines cannot be overtaken by a concurrent return or edit.
func replaceTransaction(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction, expected int, origins []int) error {
	stored, err := lockStored(ctx, pgTx, tx.ID)
	if err != nil {
		return err
	}
	if stored.Version != expected {
		return fmt.Errorf("%s at version %d, expected %d: %w", tx.ID, stored.Version, expected, store.ErrStaleTransaction)
	}
	if err := store.CarryReturned(stored, tx, origins); err != nil {
		return err
	}
	tx.Version = stored.Version + 1

	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET kind = $2, counterparty_id = $3, txn_date = $4, doc = $5, updated_at = $6, version = $7
		WHERE id = $1
	`, tx.ID, tx.Kind, tx.CounterpartyID, nullTime(tx.Date), doc, tx.UpdatedAt, tx.Version)
	if err != nil {
		return err
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM transaction_lines WHERE transaction_id = $1`, tx.ID); err != nil {
		return err
	}
	return insertLines(ctx, pgTx, tx)
}

// lockStored locks a transaction row and reads its version and stored lines.
// Only ProductID and ReturnedQuantity are filled on the lines.
func lockStored(ctx context.Context, pgTx *sql.Tx, transactionID string) (*domain.Transaction, error) {
	stored := &domain.Transaction{ID: transactionID}
	err := pgTx.QueryRowContext(ctx, `SELECT version FROM ledger_transactions WHERE id = $1 FOR UPDATE`, transactionID).Scan(&stored.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, quantity, returned_quantity FROM transaction_lines
		WHERE transaction_id = $1
		ORDER BY line_index ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.LineItem
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.ReturnedQuantity); err != nil {
			return nil, err
		}
		stored.Items = append(stored.Items, line)
	}
	return stored, rows.Err()
}

func bumpVersion(ctx context.Context, pgTx *sql.Tx, transactionID string) error {
	res, err := pgTx.ExecContext(ctx, `
		UPDATE ledger_transactions SET version = version + 1, updated_at = now() WHERE id = $1
	`, transactionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertLines(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction) error {
	for i, item := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_lines (transaction_id, line_index, product_id, quantity, returned_quantity)
			VALUES ($1,$2,$3,$4,$5)
		`, tx.ID, i, item.ProductID, item.Quantity, item.ReturnedQuantity)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertReturn(ctx context.Context, pgTx *sql.Tx, ret *domain.Return) error {
	if ret.ID == "" || len(ret.Items) == 0 {
		return store.ErrInvalidTransaction
	}
	doc, err := json.Marshal(ret)
	if err != nil {
		return err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO ledger_returns (id, kind, original_transaction_id, idempotency_key, doc, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ret.ID, ret.Kind, ret.OriginalTransactionID, nullIfEmpty(ret.IdempotencyKey), doc, ret.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if ret.IdempotencyKey != "" && strings.Contains(uniqueConstraint(err), "idempotency") {
				return store.ErrDuplicateIdempotencyKey
			}
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

// incrementReturned bumps one line's returned quantity, refusing to go past
// the sold or purchased quantity.
func incrementReturned(ctx context.Context, pgTx *sql.Tx, inc store.ReturnedIncrement) error {
	if inc.Quantity < 1 || inc.LineIndex < 0 {
		return store.ErrInvalidTransaction
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE transaction_lines
		SET returned_quantity = returned_quantity + $3
		WHERE transaction_id = $1
			AND line_index = $2
			AND returned_quantity + $3 <= quantity
	`, inc.TransactionID, inc.LineIndex, inc.Quantity)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var lineExists bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transaction_lines WHERE transaction_id = $1 AND line_index = $2)
	`, inc.TransactionID, inc.LineIndex).Scan(&lineExists)
	if err != nil {
		return err
	}
	if !lineExists {
		return store.ErrNotFound
	}
	return store.ErrReturnExceedsRemaining
}

const transactionSelect = `
	SELECT t.id, t.doc, t.version,
		COALESCE((
			SELECT json_agg(l.returned_quantity ORDER BY l.line_index)
			FROM transaction_lines l
			WHERE l.transaction_id = t.id
		), '[]'::json)
	FROM ledger_transactions t`

// decodeRow turns a stored document into a transaction with the version
// column and the returned quantities from transaction_lines applied.
func decodeRow(doc []byte, version int, returnedJSON []byte) (*domain.Transaction, error) {
	tx, err := store.DecodeTransaction(doc)
	if err != nil {
		return nil, err
	}
	tx.Version = version
	var returned []int
	if err := json.Unmarshal(returnedJSON, &returned); err != nil {
		return nil, fmt.Errorf("%w: returned quantities: %v", store.ErrMalformedDocument, err)
	}
	for i := range tx.Items {
		if i < len(returned) {
			tx.Items[i].ReturnedQuantity = returned[i]
		}
	}
	return tx, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", id)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findTransaction(ctx, "idempotency_key", key)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var (
		id       string
		doc      []byte
		version  int
		returned []byte
	)
	err := s.db.QueryRowContext(ctx, transactionSelect+fmt.Sprintf(` WHERE t.%s = $1`, column), value).Scan(&id, &doc, &version, &returned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return decodeRow(doc, version, returned)
}

func (s *Store) FindReturnByIdempotency(ctx context.Context, key string) (*domain.Return, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM ledger_returns WHERE idempotency_key = $1`, key).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var ret domain.Return
	if err := json.Unmarshal(doc, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) ListReturnsByTransaction(ctx context.Context, transactionID string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM ledger_returns
		WHERE original_transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 4)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ret domain.Return
		if err := json.Unmarshal(doc, &ret); err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) AddPayment(ctx context.Context, id string, amount float64, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var (
		rowID    string
		doc      []byte
		version  int
		returned []byte
	)
	err = pgTx.QueryRowContext(ctx, transactionSelect+` WHERE t.id = $1 FOR UPDATE OF t`, id).Scan(&rowID, &doc, &version, &returned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx, err := decodeRow(doc, version, returned)
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
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE ledger_transactions SET doc = $2, updated_at = $3, version = $4 WHERE id = $1
	`, id, updated, at, tx.Version); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

// ScanTransactions filters on the indexed columns and decodes each document.
// Documents that fail to decode come back as records with Err set.
func (s *Store) ScanTransactions(ctx context.Context, q store.TransactionQuery) ([]store.TransactionRecord, error) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 5)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Kind != "" {
		conds = append(conds, "t.kind = "+arg(q.Kind))
	}
	if q.CounterpartyID != "" {
		conds = append(conds, "t.counterparty_id = "+arg(q.CounterpartyID))
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		conds = append(conds, "t.txn_date IS NOT NULL")
	}
	if !q.From.IsZero() {
		conds = append(conds, "t.txn_date >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		conds = append(conds, "t.txn_date < "+arg(q.To))
	}

	query := transactionSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if q.Descending {
		query += " ORDER BY t.txn_date DESC NULLS LAST, t.id DESC"
	} else {
		query += " ORDER BY t.txn_date ASC NULLS FIRST, t.id ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]store.TransactionRecord, 0, 128)
	for rows.Next() {
		var (
			id       string
			doc      []byte
			version  int
			returned []byte
		)
		if err := rows.Scan(&id, &doc, &version, &returned); err != nil {
			return nil, err
		}
		tx, err := decodeRow(doc, version, returned)
		if err != nil {
			records = append(records, store.TransactionRecord{ID: id, Err: err})
			continue
		}
		records = append(records, store.TransactionRecord{ID: id, Transaction: tx})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val.UTC()
}
