package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"stockledger/backend/internal/builder"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/reporting"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
)

type fixture struct {
	svc  *Service
	repo *memory.Store
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo: memory.NewSeeded(),
		now:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	led := ledger.New(f.repo)
	reports := reporting.NewService(reporting.NewAggregator(f.repo, reporting.DefaultPolicy(), nil), nil, nil)
	f.svc = New(f.repo, led, reports,
		WithClock(func() time.Time { return f.now }),
		WithSessionIdleTTL(10*time.Minute),
	)
	return f
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func clerkCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "clerk", Role: domain.RoleClerk})
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

// sellRice commits a sale of qty bags of rice to cus-lee.
func (f *fixture) sellRice(t *testing.T, qty int, req domain.SubmitRequest) domain.CommitResponse {
	t.Helper()
	ctx := clerkCtx()
	view, err := f.svc.OpenSession(ctx, domain.SessionCreateRequest{Kind: domain.KindSale})
	require.NoError(t, err)
	for range qty {
		_, err = f.svc.AddSelection(ctx, view.ID, domain.SelectionAddRequest{ProductID: "prd-rice-5kg"})
		require.NoError(t, err)
	}
	_, err = f.svc.SelectCounterparty(ctx, view.ID, domain.CounterpartySelectRequest{CounterpartyID: "cus-lee"})
	require.NoError(t, err)
	resp, err := f.svc.SubmitSession(ctx, view.ID, req)
	require.NoError(t, err)
	return resp
}

func TestSaleSessionCommitsAndMovesStock(t *testing.T) {
	f := newFixture(t)

	resp := f.sellRice(t, 2, domain.SubmitRequest{AmountPaid: floatPtr(10)})

	assert.NotEmpty(t, resp.TransactionID)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, 23.0, resp.TotalAmount)
	assert.Equal(t, 13.0, resp.AmountDue)
	assert.Equal(t, domain.StatusPartial, resp.Status)
	assert.Equal(t, 78, f.stock(t, "prd-rice-5kg"))

	detail, err := f.svc.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "cus-lee", detail.Transaction.CounterpartyID)
	assert.Equal(t, "clerk", detail.Transaction.CreatedBy)
	assert.Empty(t, detail.Returns)

	logs, err := f.svc.ListAuditLogs(context.Background(), time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "transaction_commit", logs[0].Action)
}

func TestRepeatedIdempotencyKeyIsReportedAsDuplicate(t *testing.T) {
	f := newFixture(t)

	first := f.sellRice(t, 1, domain.SubmitRequest{AmountPaid: floatPtr(11.5), IdempotencyKey: "pos-7-0001"})
	second := f.sellRice(t, 1, domain.SubmitRequest{AmountPaid: floatPtr(11.5), IdempotencyKey: "pos-7-0001"})

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 79, f.stock(t, "prd-rice-5kg"))
}

func TestSubmitWithoutCounterpartyIsValidationError(t *testing.T) {
	f := newFixture(t)
	ctx := clerkCtx()

	view, err := f.svc.OpenSession(ctx, domain.SessionCreateRequest{Kind: domain.KindSale})
	require.NoError(t, err)
	_, err = f.svc.AddSelection(ctx, view.ID, domain.SelectionAddRequest{ProductID: "prd-milk-1l"})
	require.NoError(t, err)

	_, err = f.svc.SubmitSession(ctx, view.ID, domain.SubmitRequest{})
	require.ErrorIs(t, err, builder.ErrNoCounterparty)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 120, f.stock(t, "prd-milk-1l"))

	got, err := f.svc.GetSession(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, string(builder.StateStaging), got.State)
}

func TestPurchaseSessionRequiresSupplier(t *testing.T) {
	f := newFixture(t)
	ctx := clerkCtx()

	view, err := f.svc.OpenSession(ctx, domain.SessionCreateRequest{Kind: domain.KindPurchase})
	require.NoError(t, err)

	_, err = f.svc.SelectCounterparty(ctx, view.ID, domain.CounterpartySelectRequest{CounterpartyID: "cus-lee"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	view, err = f.svc.SelectCounterparty(ctx, view.ID, domain.CounterpartySelectRequest{CounterpartyID: "sup-metro"})
	require.NoError(t, err)
	assert.Equal(t, "Metro Wholesale", view.CounterpartyName)

	_, err = f.svc.AddSelection(ctx, view.ID, domain.SelectionAddRequest{ProductID: "prd-oil-2l"})
	require.NoError(t, err)
	_, err = f.svc.UpdateSelection(ctx, view.ID, 0, domain.SelectionUpdateRequest{Quantity: intPtr(10)})
	require.NoError(t, err)

	resp, err := f.svc.SubmitSession(ctx, view.ID, domain.SubmitRequest{PaymentMethod: "transfer", AmountPaid: floatPtr(32)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, resp.Status)
	assert.Equal(t, 70, f.stock(t, "prd-oil-2l"))
}

func TestOpenSessionRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OpenSession(clerkCtx(), domain.SessionCreateRequest{Kind: "refund"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, IsValidation(err))
}

func TestRecordPaymentSettlesAndRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{AmountPaid: floatPtr(10)})

	tx, err := f.svc.RecordPayment(adminCtx(), resp.TransactionID, domain.PaymentRequest{Amount: 13})
	require.NoError(t, err)
	assert.Equal(t, 23.0, tx.AmountPaid)
	assert.Equal(t, 0.0, tx.AmountDue)
	assert.Equal(t, domain.StatusPaid, tx.Status)

	_, err = f.svc.RecordPayment(adminCtx(), resp.TransactionID, domain.PaymentRequest{Amount: 0.01})
	assert.ErrorIs(t, err, ErrOverpayment)
	assert.True(t, IsValidation(err))

	_, err = f.svc.RecordPayment(adminCtx(), "trx-missing", domain.PaymentRequest{Amount: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReturnFlowCapsAtRemainingQuantity(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{AmountPaid: floatPtr(23)})

	draft, err := f.svc.ReturnDraft(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	require.Len(t, draft.Selections, 1)
	assert.Equal(t, 2, draft.Selections[0].MaxQuantity)
	assert.Equal(t, domain.ReturnKindSale, draft.Kind)

	ret, err := f.svc.SubmitReturn(adminCtx(), resp.TransactionID, domain.ReturnRequest{
		Lines:  []domain.ReturnRequestLine{{LineIndex: 0, Quantity: 1}},
		Reason: "torn bag",
	})
	require.NoError(t, err)
	assert.Equal(t, 11.5, ret.Return.TotalAmount)
	assert.Equal(t, 79, f.stock(t, "prd-rice-5kg"))

	_, err = f.svc.SubmitReturn(adminCtx(), resp.TransactionID, domain.ReturnRequest{
		Lines: []domain.ReturnRequestLine{{LineIndex: 0, Quantity: 2}},
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 79, f.stock(t, "prd-rice-5kg"))

	draft, err = f.svc.ReturnDraft(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 1, draft.Selections[0].MaxQuantity)

	detail, err := f.svc.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Len(t, detail.Returns, 1)
}

func TestSubmitReturnValidatesRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 1, domain.SubmitRequest{})

	_, err := f.svc.SubmitReturn(adminCtx(), resp.TransactionID, domain.ReturnRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEditTransactionAppliesOnlyTheDifference(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{AmountPaid: floatPtr(23)})
	require.Equal(t, 78, f.stock(t, "prd-rice-5kg"))

	_, err := f.svc.EditTransaction(clerkCtx(), resp.TransactionID)
	assert.ErrorIs(t, err, ErrForbidden)

	view, err := f.svc.EditTransaction(adminCtx(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID, view.EditingID)
	require.Len(t, view.Selections, 1)

	_, err = f.svc.UpdateSelection(adminCtx(), view.ID, 0, domain.SelectionUpdateRequest{Quantity: intPtr(5)})
	require.NoError(t, err)
	edited, err := f.svc.SubmitSession(adminCtx(), view.ID, domain.SubmitRequest{AmountPaid: floatPtr(57.5)})
	require.NoError(t, err)

	assert.Equal(t, resp.TransactionID, edited.TransactionID)
	assert.Equal(t, 57.5, edited.TotalAmount)
	assert.Equal(t, 75, f.stock(t, "prd-rice-5kg"))
}

func TestEditOpenedBeforeReturnCannotEraseIt(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{AmountPaid: floatPtr(23)})
	require.Equal(t, 78, f.stock(t, "prd-rice-5kg"))

	view, err := f.svc.EditTransaction(adminCtx(), resp.TransactionID)
	require.NoError(t, err)

	_, err = f.svc.SubmitReturn(adminCtx(), resp.TransactionID, domain.ReturnRequest{
		Lines: []domain.ReturnRequestLine{{LineIndex: 0, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, 80, f.stock(t, "prd-rice-5kg"))

	_, err = f.svc.SubmitSession(adminCtx(), view.ID, domain.SubmitRequest{})
	require.ErrorIs(t, err, store.ErrStaleTransaction)
	assert.True(t, IsConflict(err))

	detail, err := f.svc.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Transaction.Items[0].Quantity)
	assert.Equal(t, 2, detail.Transaction.Items[0].ReturnedQuantity)

	_, err = f.svc.SubmitReturn(adminCtx(), resp.TransactionID, domain.ReturnRequest{
		Lines: []domain.ReturnRequestLine{{LineIndex: 0, Quantity: 2}},
	})
	require.Error(t, err)
	assert.Equal(t, 80, f.stock(t, "prd-rice-5kg"))
}

func TestOverlappingEditSessionsCommitOnce(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{})

	a, err := f.svc.EditTransaction(adminCtx(), resp.TransactionID)
	require.NoError(t, err)
	b, err := f.svc.EditTransaction(adminCtx(), resp.TransactionID)
	require.NoError(t, err)
	_, err = f.svc.UpdateSelection(adminCtx(), a.ID, 0, domain.SelectionUpdateRequest{Quantity: intPtr(3)})
	require.NoError(t, err)
	_, err = f.svc.UpdateSelection(adminCtx(), b.ID, 0, domain.SelectionUpdateRequest{Quantity: intPtr(5)})
	require.NoError(t, err)

	_, err = f.svc.SubmitSession(adminCtx(), a.ID, domain.SubmitRequest{})
	require.NoError(t, err)
	_, err = f.svc.SubmitSession(adminCtx(), b.ID, domain.SubmitRequest{})
	require.ErrorIs(t, err, store.ErrStaleTransaction)

	detail, err := f.svc.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 3, detail.Transaction.Items[0].Quantity)
	assert.Equal(t, 77, f.stock(t, "prd-rice-5kg"))

	// A fresh edit sees the stored record and applies cleanly.
	c, err := f.svc.EditTransaction(adminCtx(), resp.TransactionID)
	require.NoError(t, err)
	_, err = f.svc.UpdateSelection(adminCtx(), c.ID, 0, domain.SelectionUpdateRequest{Quantity: intPtr(5)})
	require.NoError(t, err)
	_, err = f.svc.SubmitSession(adminCtx(), c.ID, domain.SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, 75, f.stock(t, "prd-rice-5kg"))
}

func TestEditWithoutAmountPaidKeepsRecordedPayments(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{AmountPaid: floatPtr(10)})
	_, err := f.svc.RecordPayment(adminCtx(), resp.TransactionID, domain.PaymentRequest{Amount: 5})
	require.NoError(t, err)

	view, err := f.svc.EditTransaction(adminCtx(), resp.TransactionID)
	require.NoError(t, err)
	_, err = f.svc.UpdateSelection(adminCtx(), view.ID, 0, domain.SelectionUpdateRequest{Quantity: intPtr(3)})
	require.NoError(t, err)
	edited, err := f.svc.SubmitSession(adminCtx(), view.ID, domain.SubmitRequest{})
	require.NoError(t, err)

	assert.Equal(t, 34.5, edited.TotalAmount)
	assert.Equal(t, 19.5, edited.AmountDue)
	assert.Equal(t, domain.StatusPartial, edited.Status)
}

func TestConcurrentPaymentsAreNotLost(t *testing.T) {
	f := newFixture(t)
	resp := f.sellRice(t, 2, domain.SubmitRequest{})

	var (
		g        errgroup.Group
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for range 4 {
		g.Go(func() error {
			_, err := f.svc.RecordPayment(adminCtx(), resp.TransactionID, domain.PaymentRequest{Amount: 11.5})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrOverpayment):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int32(2), rejected.Load())

	detail, err := f.svc.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 23.0, detail.Transaction.AmountPaid)
	assert.Equal(t, domain.StatusPaid, detail.Transaction.Status)
}

func TestCommittedSessionRejectsChanges(t *testing.T) {
	f := newFixture(t)
	ctx := clerkCtx()
	view, err := f.svc.OpenSession(ctx, domain.SessionCreateRequest{Kind: domain.KindSale})
	require.NoError(t, err)
	_, err = f.svc.AddSelection(ctx, view.ID, domain.SelectionAddRequest{ProductID: "prd-soap-bar"})
	require.NoError(t, err)
	_, err = f.svc.SelectCounterparty(ctx, view.ID, domain.CounterpartySelectRequest{CounterpartyID: "cus-walkin"})
	require.NoError(t, err)
	_, err = f.svc.SubmitSession(ctx, view.ID, domain.SubmitRequest{})
	require.NoError(t, err)

	_, err = f.svc.AddSelection(ctx, view.ID, domain.SelectionAddRequest{ProductID: "prd-soap-bar"})
	assert.ErrorIs(t, err, builder.ErrSessionClosed)
	assert.True(t, IsConflict(err))
}

func TestIdleSessionsExpire(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.OpenSession(clerkCtx(), domain.SessionCreateRequest{Kind: domain.KindSale})
	require.NoError(t, err)

	f.now = f.now.Add(9 * time.Minute)
	_, err = f.svc.GetSession(context.Background(), view.ID)
	require.NoError(t, err, "access refreshes the idle timer")

	f.now = f.now.Add(9 * time.Minute)
	assert.Equal(t, 0, f.svc.SweepSessions())

	f.now = f.now.Add(11 * time.Minute)
	assert.Equal(t, 1, f.svc.SweepSessions())
	_, err = f.svc.GetSession(context.Background(), view.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDiscardSession(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.OpenSession(clerkCtx(), domain.SessionCreateRequest{Kind: domain.KindSale})
	require.NoError(t, err)

	require.NoError(t, f.svc.DiscardSession(context.Background(), view.ID))
	assert.ErrorIs(t, f.svc.DiscardSession(context.Background(), view.ID), store.ErrNotFound)
}

func TestCreateProductRequiresAdminAndSeedsStockThroughLedger(t *testing.T) {
	f := newFixture(t)
	req := domain.ProductCreateRequest{
		Name:         "Green Tea 100g",
		CostPrice:    1.2,
		SellingPrice: 1.99,
		Category:     "beverage",
		InitialStock: 12,
	}

	_, err := f.svc.CreateProduct(clerkCtx(), req)
	assert.ErrorIs(t, err, ErrForbidden)

	created, err := f.svc.CreateProduct(adminCtx(), req)
	require.NoError(t, err)
	assert.Equal(t, 12, created.Stock)
	assert.Equal(t, 12, f.stock(t, created.ID))
	assert.True(t, created.Active)

	req.SellingPrice = 1.0
	_, err = f.svc.CreateProduct(adminCtx(), req)
	assert.ErrorIs(t, err, ErrSellingBelowCost)
	assert.True(t, IsValidation(err))
}

func TestUpdateProductKeepsStock(t *testing.T) {
	f := newFixture(t)
	price := 12.25
	name := "Rice 5kg Premium"

	updated, err := f.svc.UpdateProduct(adminCtx(), "prd-rice-5kg", domain.ProductUpdateRequest{Name: &name, SellingPrice: &price})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, 12.25, updated.SellingPrice)
	assert.Equal(t, 80, updated.Stock)

	low := 5.0
	_, err = f.svc.UpdateProduct(adminCtx(), "prd-rice-5kg", domain.ProductUpdateRequest{SellingPrice: &low})
	assert.ErrorIs(t, err, ErrSellingBelowCost)
}

func TestCreateCounterparties(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.CreateCustomer(adminCtx(), domain.CounterpartyCreateRequest{Name: "  Harbor Deli  "})
	require.NoError(t, err)
	assert.Equal(t, "Harbor Deli", c.Name)

	_, err = f.svc.CreateSupplier(adminCtx(), domain.CounterpartyCreateRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	customers, err := f.svc.ListCustomers(context.Background())
	require.NoError(t, err)
	assert.Len(t, customers, 4)
}

func TestListTransactionsSkipsUnreadableRecords(t *testing.T) {
	f := newFixture(t)
	f.sellRice(t, 1, domain.SubmitRequest{})
	f.repo.PutTransactionDocument("trx-broken", []byte(`{"kind":`))

	txs, err := f.svc.ListTransactions(context.Background(), TransactionFilter{Kind: domain.KindSale})
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = f.svc.ListTransactions(context.Background(), TransactionFilter{Kind: "refund"})
	assert.True(t, IsValidation(err))
}

func TestIsValidation(t *testing.T) {
	assert.False(t, IsValidation(nil))
	assert.False(t, IsValidation(errors.New("disk full")))
	assert.False(t, IsValidation(store.ErrNotFound))
	assert.True(t, IsValidation(store.ErrInvalidTransaction))
	assert.True(t, IsValidation(reporting.ErrInvalidRange))
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
