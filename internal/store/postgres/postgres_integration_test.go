package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("STOCKLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set STOCKLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestCommitLedgerSaleAndPartialReturn(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	txID := fmt.Sprintf("trx-it-%d", stamp)
	retID := fmt.Sprintf("ret-it-%d", stamp)
	idem := fmt.Sprintf("idem-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_returns WHERE original_transaction_id = $1`, txID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE id = $1`, txID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Integration Soap", Stock: 10, SellingPrice: 2, Active: true}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	sale := &domain.Transaction{
		ID:             txID,
		Kind:           domain.KindSale,
		Date:           now,
		IdempotencyKey: idem,
		Items:          []domain.LineItem{{ProductID: productID, ProductName: "Integration Soap", Quantity: 4, UnitPrice: 2, TotalPrice: 8}},
		TotalAmount:    8,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res, err := s.CommitLedger(ctx, store.LedgerWrite{
		Transaction: sale,
		StockDeltas: []domain.StockDelta{{ProductID: productID, Delta: -4}},
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if res.Stock[productID] != 6 {
		t.Fatalf("expected stock 6 after sale, got %d", res.Stock[productID])
	}

	_, err = s.CommitLedger(ctx, store.LedgerWrite{Transaction: &domain.Transaction{
		ID: txID + "-dup", Kind: domain.KindSale, IdempotencyKey: idem,
		Items: []domain.LineItem{{ProductID: productID, Quantity: 1}},
	}})
	if !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate idempotency key, got %v", err)
	}

	ret := &domain.Return{
		ID:                    retID,
		Kind:                  domain.ReturnKindSale,
		OriginalTransactionID: txID,
		Items:                 []domain.ReturnLine{{LineIndex: 0, ProductID: productID, Quantity: 3, UnitPrice: 2, Amount: 6}},
		CreatedAt:             now,
	}
	if _, err := s.CommitLedger(ctx, store.LedgerWrite{
		Return:      ret,
		Returned:    []store.ReturnedIncrement{{TransactionID: txID, LineIndex: 0, Quantity: 3}},
		StockDeltas: []domain.StockDelta{{ProductID: productID, Delta: 3}},
	}); err != nil {
		t.Fatalf("commit return: %v", err)
	}

	_, err = s.CommitLedger(ctx, store.LedgerWrite{
		Return:      &domain.Return{ID: retID + "-over", Kind: domain.ReturnKindSale, OriginalTransactionID: txID, Items: ret.Items},
		Returned:    []store.ReturnedIncrement{{TransactionID: txID, LineIndex: 0, Quantity: 2}},
		StockDeltas: []domain.StockDelta{{ProductID: productID, Delta: 2}},
	})
	if !errors.Is(err, store.ErrReturnExceedsRemaining) {
		t.Fatalf("expected return over remaining to fail, got %v", err)
	}

	stored, err := s.FindTransactionByID(ctx, txID)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	if stored.Items[0].ReturnedQuantity != 3 {
		t.Fatalf("expected returned quantity 3, got %d", stored.Items[0].ReturnedQuantity)
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 9 {
		t.Fatalf("expected stock 9 after rejected return, got %d", product.Stock)
	}

	returns, err := s.ListReturnsByTransaction(ctx, txID)
	if err != nil {
		t.Fatalf("list returns: %v", err)
	}
	if len(returns) != 1 {
		t.Fatalf("expected 1 return, got %d", len(returns))
	}
}

func TestScanTransactionsReportsUndecodableDocuments(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	badID := fmt.Sprintf("trx-bad-%d", stamp)
	counterparty := fmt.Sprintf("cus-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE id = $1`, badID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, kind, counterparty_id, txn_date, doc)
		VALUES ($1, 'sale', $2, now(), '{"kind":"refund"}'::jsonb)
	`, badID, counterparty); err != nil {
		t.Fatalf("insert damaged document: %v", err)
	}

	records, err := s.ScanTransactions(ctx, store.TransactionQuery{CounterpartyID: counterparty})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !errors.Is(records[0].Err, store.ErrMalformedDocument) {
		t.Fatalf("expected malformed document error, got %v", records[0].Err)
	}
}

func TestReplaceChecksVersionAndCarriesReturnedByOrigin(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	soap := fmt.Sprintf("prd-it-soap-%d", stamp)
	salt := fmt.Sprintf("prd-it-salt-%d", stamp)
	txID := fmt.Sprintf("trx-it-edit-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_returns WHERE original_transaction_id = $1`, txID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE id = $1`, txID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id IN ($1, $2)`, soap, salt)
	})
	for _, id := range []string{soap, salt} {
		if _, err := s.CreateProduct(ctx, domain.Product{ID: id, Name: id, Stock: 10, Active: true}); err != nil {
			t.Fatalf("create product: %v", err)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	sale := &domain.Transaction{
		ID: txID, Kind: domain.KindSale, Date: now, CreatedAt: now, UpdatedAt: now,
		Items: []domain.LineItem{{ProductID: soap, Quantity: 2}, {ProductID: salt, Quantity: 3}},
	}
	if _, err := s.CommitLedger(ctx, store.LedgerWrite{Transaction: sale}); err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if _, err := s.CommitLedger(ctx, store.LedgerWrite{
		Return:   &domain.Return{ID: txID + "-ret", Kind: domain.ReturnKindSale, OriginalTransactionID: txID, Items: []domain.ReturnLine{{LineIndex: 1, ProductID: salt, Quantity: 1}}, CreatedAt: now},
		Returned: []store.ReturnedIncrement{{TransactionID: txID, LineIndex: 1, Quantity: 1}},
	}); err != nil {
		t.Fatalf("commit return: %v", err)
	}

	edited := func() *domain.Transaction {
		return &domain.Transaction{
			ID: txID, Kind: domain.KindSale, Date: now, CreatedAt: now, UpdatedAt: now,
			Items: []domain.LineItem{{ProductID: salt, Quantity: 3}},
		}
	}
	_, err := s.CommitLedger(ctx, store.LedgerWrite{Transaction: edited(), Replace: true, ExpectedVersion: 1, Origins: []int{1}})
	if !errors.Is(err, store.ErrStaleTransaction) {
		t.Fatalf("expected an edit based on version 1 to be stale, got %v", err)
	}

	if _, err := s.CommitLedger(ctx, store.LedgerWrite{Transaction: edited(), Replace: true, ExpectedVersion: 2, Origins: []int{1}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	stored, err := s.FindTransactionByID(ctx, txID)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	if len(stored.Items) != 1 || stored.Items[0].ReturnedQuantity != 1 || stored.Version != 3 {
		t.Fatalf("expected the returned unit to follow its line, got %+v version %d", stored.Items, stored.Version)
	}
}

func TestConcurrentCommitsOnOneProductCommute(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-race-%d", stamp)
	prefix := fmt.Sprintf("trx-it-race-%d-", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE id LIKE $1`, prefix+"%")
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})
	if _, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Race Soap", Stock: 100, Active: true}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	var g errgroup.Group
	want := 100
	for i := range 24 {
		kind, delta := domain.KindSale, -(i%3 + 1)
		if i%2 == 1 {
			kind, delta = domain.KindPurchase, 2
		}
		want += delta
		g.Go(func() error {
			qty := max(delta, -delta)
			_, err := s.CommitLedger(ctx, store.LedgerWrite{
				Transaction: &domain.Transaction{
					ID: fmt.Sprintf("%s%d", prefix, i), Kind: kind,
					Items: []domain.LineItem{{ProductID: productID, Quantity: qty}},
				},
				StockDeltas: []domain.StockDelta{{ProductID: productID, Delta: delta}},
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent commit: %v", err)
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != want {
		t.Fatalf("expected stock %d, got %d", want, product.Stock)
	}
}

func TestConcurrentPaymentsAccumulate(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-pay-%d", stamp)
	txID := fmt.Sprintf("trx-it-pay-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE id = $1`, txID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})
	if _, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Pay Soap", Stock: 5, Active: true}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.CommitLedger(ctx, store.LedgerWrite{Transaction: &domain.Transaction{
		ID: txID, Kind: domain.KindSale, TotalAmount: 20, AmountDue: 20, Status: domain.StatusUnpaid,
		Items: []domain.LineItem{{ProductID: productID, Quantity: 1}},
	}}); err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	var g errgroup.Group
	results := make([]error, 4)
	for i := range results {
		g.Go(func() error {
			_, results[i] = s.AddPayment(ctx, txID, 10, time.Now().UTC())
			return nil
		})
	}
	_ = g.Wait()

	accepted := 0
	for _, err := range results {
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, store.ErrOverpayment):
			t.Fatalf("unexpected payment error: %v", err)
		}
	}
	stored, err := s.FindTransactionByID(ctx, txID)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	if accepted != 2 || stored.AmountPaid != 20 || stored.Status != domain.StatusPaid {
		t.Fatalf("expected two payments of 10 to settle 20, got %d accepted, %+v", accepted, stored)
	}
}
