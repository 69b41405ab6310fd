package returns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
)

type fixture struct {
	repo *memory.Store
	proc *Processor
	txID string
}

func newFixture(t *testing.T, kind string) fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	for _, p := range []domain.Product{
		{ID: "p1", Name: "Widget", Stock: 10, Active: true},
		{ID: "p2", Name: "Gadget", Stock: 10, Active: true},
	} {
		_, err := repo.CreateProduct(ctx, p)
		require.NoError(t, err)
	}
	l := ledger.New(repo)
	res, err := l.CommitTransaction(ctx, "clerk", &domain.Transaction{
		Kind:           kind,
		CounterpartyID: "cp-1",
		Items: []domain.LineItem{
			{ProductID: "p1", ProductName: "Widget", Quantity: 4, UnitPrice: 2.5, TotalPrice: 10},
			{ProductID: "p2", ProductName: "Gadget", Quantity: 1, UnitPrice: 7.99, TotalPrice: 7.99},
		},
	}, nil)
	require.NoError(t, err)
	return fixture{repo: repo, proc: New(repo, l), txID: res.ID}
}

func (f fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestStageCapsAtRemaining(t *testing.T) {
	f := newFixture(t, domain.KindSale)
	ctx := context.Background()

	_, err := f.proc.Submit(ctx, "admin", f.txID, Request{Lines: []Line{{LineIndex: 1, Quantity: 1}}})
	require.NoError(t, err)

	draft, err := f.proc.Stage(ctx, f.txID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnKindSale, draft.Kind)
	require.Len(t, draft.Selections, 2)
	assert.Equal(t, 4, draft.Selections[0].MaxQuantity)
	assert.Equal(t, 1, draft.Selections[0].Quantity)
	assert.Equal(t, 0, draft.Selections[1].MaxQuantity)
	assert.Equal(t, 0, draft.Selections[1].Quantity)

	_, err = f.proc.Stage(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPartialReturnsUpToQuantity(t *testing.T) {
	f := newFixture(t, domain.KindSale)
	ctx := context.Background()
	assert.Equal(t, 6, f.stock(t, "p1"))

	res, err := f.proc.Submit(ctx, "admin", f.txID, Request{
		Lines:  []Line{{LineIndex: 0, Quantity: 1}, {LineIndex: 0, Quantity: 2}},
		Reason: " damaged ",
	})
	require.NoError(t, err)
	require.Len(t, res.Return.Items, 1, "duplicate line indexes merge")
	assert.Equal(t, 3, res.Return.Items[0].Quantity)
	assert.Equal(t, 7.5, res.Return.TotalAmount)
	assert.Equal(t, "damaged", res.Return.Reason)
	assert.Equal(t, 9, f.stock(t, "p1"))

	_, err = f.proc.Submit(ctx, "admin", f.txID, Request{Lines: []Line{{LineIndex: 0, Quantity: 2}}})
	assert.ErrorIs(t, err, ErrExceedsReturnable)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 9, f.stock(t, "p1"))

	_, err = f.proc.Submit(ctx, "admin", f.txID, Request{Lines: []Line{{LineIndex: 0, Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(t, "p1"))

	_, err = f.proc.Submit(ctx, "admin", f.txID, Request{Lines: []Line{{LineIndex: 0, Quantity: 1}}})
	assert.ErrorIs(t, err, ErrExceedsReturnable, "fully returned line")

	tx, err := f.repo.FindTransactionByID(ctx, f.txID)
	require.NoError(t, err)
	assert.Equal(t, 4, tx.Items[0].ReturnedQuantity)
	assert.Equal(t, 0, tx.Items[1].ReturnedQuantity)
}

func TestRejectedRequestWritesNothing(t *testing.T) {
	f := newFixture(t, domain.KindSale)
	ctx := context.Background()

	tests := []struct {
		name  string
		lines []Line
		want  error
	}{
		{"no lines", nil, ErrInvalidReturn},
		{"zero quantity", []Line{{LineIndex: 0, Quantity: 0}}, ErrInvalidReturn},
		{"unknown line", []Line{{LineIndex: 7, Quantity: 1}}, ErrInvalidReturn},
		{"one bad line blocks all", []Line{{LineIndex: 0, Quantity: 1}, {LineIndex: 1, Quantity: 2}}, ErrExceedsReturnable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proc.Submit(ctx, "admin", f.txID, Request{Lines: tt.lines})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 6, f.stock(t, "p1"))
	assert.Equal(t, 9, f.stock(t, "p2"))
	returns, err := f.repo.ListReturnsByTransaction(ctx, f.txID)
	require.NoError(t, err)
	assert.Empty(t, returns)
}

func TestPurchaseReturnRemovesStock(t *testing.T) {
	f := newFixture(t, domain.KindPurchase)
	ctx := context.Background()
	assert.Equal(t, 14, f.stock(t, "p1"))

	res, err := f.proc.Submit(ctx, "admin", f.txID, Request{Lines: []Line{{LineIndex: 0, Quantity: 4}}})
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnKindPurchase, res.Return.Kind)
	assert.Equal(t, 10, f.stock(t, "p1"))
}

func TestIdempotentReturn(t *testing.T) {
	f := newFixture(t, domain.KindSale)
	ctx := context.Background()
	req := Request{Lines: []Line{{LineIndex: 0, Quantity: 4}}, IdempotencyKey: "ret-1"}

	first, err := f.proc.Submit(ctx, "admin", f.txID, req)
	require.NoError(t, err)
	second, err := f.proc.Submit(ctx, "admin", f.txID, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 10, f.stock(t, "p1"))
}

func TestReturnCreditUsesOriginalPrice(t *testing.T) {
	f := newFixture(t, domain.KindSale)
	ctx := context.Background()

	_, err := f.repo.UpdateProduct(ctx, domain.Product{ID: "p2", Name: "Gadget", SellingPrice: 99, Active: true})
	require.NoError(t, err)

	res, err := f.proc.Submit(ctx, "admin", f.txID, Request{Lines: []Line{{LineIndex: 1, Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, 7.99, res.Return.Items[0].Amount)
	assert.Equal(t, "admin", res.Return.ActorID)

	_, err = ledger.New(f.repo).CommitReturn(ctx, "admin", &domain.Return{
		Kind:                  domain.ReturnKindSale,
		OriginalTransactionID: f.txID,
		Items:                 []domain.ReturnLine{{LineIndex: 1, ProductID: "p2", Quantity: 1}},
	})
	assert.ErrorIs(t, err, store.ErrReturnExceedsRemaining)
}
