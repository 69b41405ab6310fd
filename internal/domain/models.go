package domain

import "time"

const (
	KindSale     = "sale"
	KindPurchase = "purchase"

	ReturnKindSale     = "sale_return"
	ReturnKindPurchase = "purchase_return"

	StatusPaid    = "paid"
	StatusPartial = "partial"
	StatusUnpaid  = "unpaid"

	RoleAdmin = "admin"
	RoleClerk = "clerk"
)

type Product struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Stock          int       `json:"stock"`
	CostPrice      float64   `json:"cost_price"`
	SellingPrice   float64   `json:"selling_price"`
	ListPrice      float64   `json:"list_price"`
	PurchasePrice  float64   `json:"purchase_price"`
	WholesalePrice float64   `json:"wholesale_price"`
	DealerPrice    float64   `json:"dealer_price"`
	Category       string    `json:"category"`
	Brand          string    `json:"brand"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name           string  `json:"name" validate:"required,max=200"`
	CostPrice      float64 `json:"cost_price" validate:"gte=0"`
	SellingPrice   float64 `json:"selling_price" validate:"gte=0"`
	ListPrice      float64 `json:"list_price" validate:"gte=0"`
	PurchasePrice  float64 `json:"purchase_price" validate:"gte=0"`
	WholesalePrice float64 `json:"wholesale_price" validate:"gte=0"`
	DealerPrice    float64 `json:"dealer_price" validate:"gte=0"`
	Category       string  `json:"category" validate:"max=100"`
	Brand          string  `json:"brand" validate:"max=100"`
	InitialStock   int     `json:"initial_stock" validate:"gte=0"`
}

type ProductUpdateRequest struct {
	Name           *string  `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	CostPrice      *float64 `json:"cost_price,omitempty" validate:"omitempty,gte=0"`
	SellingPrice   *float64 `json:"selling_price,omitempty" validate:"omitempty,gte=0"`
	ListPrice      *float64 `json:"list_price,omitempty" validate:"omitempty,gte=0"`
	PurchasePrice  *float64 `json:"purchase_price,omitempty" validate:"omitempty,gte=0"`
	WholesalePrice *float64 `json:"wholesale_price,omitempty" validate:"omitempty,gte=0"`
	DealerPrice    *float64 `json:"dealer_price,omitempty" validate:"omitempty,gte=0"`
	Category       *string  `json:"category,omitempty" validate:"omitempty,max=100"`
	Brand          *string  `json:"brand,omitempty" validate:"omitempty,max=100"`
	Active         *bool    `json:"active,omitempty"`
}

// Counterparty is a customer or a supplier.
type Counterparty struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Customer = Counterparty

type Supplier = Counterparty

type CounterpartyCreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"omitempty,max=40"`
}

type LineItem struct {
	ProductID        string  `json:"product_id"`
	ProductName      string  `json:"product_name"`
	Category         string  `json:"category,omitempty"`
	Brand            string  `json:"brand,omitempty"`
	Quantity         int     `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
	TotalPrice       float64 `json:"total_price"`
	CostPrice        float64 `json:"cost_price"`
	ReturnedQuantity int     `json:"returned_quantity"`
}

func (l LineItem) Returnable() int {
	remaining := l.Quantity - l.ReturnedQuantity
	if remaining < 0 {
		return 0
	}
	return remaining
}

type Transaction struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	CounterpartyID   string     `json:"counterparty_id"`
	CounterpartyName string     `json:"counterparty_name"`
	Date             time.Time  `json:"date"`
	PaymentMethod    string     `json:"payment_method"`
	Notes            string     `json:"notes,omitempty"`
	Status           string     `json:"status"`
	Items            []LineItem `json:"items"`
	Subtotal         float64    `json:"subtotal"`
	TaxAmount        float64    `json:"tax_amount"`
	DiscountAmount   float64    `json:"discount_amount"`
	TotalAmount      float64    `json:"total_amount"`
	AmountPaid       float64    `json:"amount_paid"`
	AmountDue        float64    `json:"amount_due"`
	TotalCost        float64    `json:"total_cost"`
	TotalProfit      float64    `json:"total_profit"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	// Version is bumped by the store on every write to the record.
	Version          int        `json:"version"`
}

type ReturnLine struct {
	LineIndex   int     `json:"line_index"`
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

type Return struct {
	ID                    string       `json:"id"`
	Kind                  string       `json:"kind"`
	OriginalTransactionID string       `json:"original_transaction_id"`
	Items                 []ReturnLine `json:"items"`
	TotalAmount           float64      `json:"total_amount"`
	Reason                string       `json:"reason,omitempty"`
	Date                  time.Time    `json:"date"`
	ActorID               string       `json:"actor_id"`
	IdempotencyKey        string       `json:"idempotency_key,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
}

type StockDelta struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

// Selection is a staged product line. MaxQuantity is only set for return drafts.
type Selection struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Category    string  `json:"category,omitempty"`
	Brand       string  `json:"brand,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CostPrice   float64 `json:"cost_price"`
	MaxQuantity int     `json:"max_quantity,omitempty"`
	LineIndex   int     `json:"line_index"`
}

type SessionCreateRequest struct {
	Kind string `json:"kind" validate:"required,oneof=sale purchase"`
}

type SelectionAddRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

type SelectionUpdateRequest struct {
	Quantity  *int     `json:"quantity,omitempty"`
	UnitPrice *float64 `json:"unit_price,omitempty" validate:"omitempty,gte=0"`
}

type CounterpartySelectRequest struct {
	CounterpartyID string `json:"counterparty_id" validate:"required"`
}

type SubmitRequest struct {
	Date            *time.Time `json:"date,omitempty"`
	TaxAmount       float64    `json:"tax_amount" validate:"gte=0"`
	DiscountAmount  float64    `json:"discount_amount" validate:"gte=0"`
	TaxPercent      float64    `json:"tax_percent" validate:"gte=0,lte=100"`
	DiscountPercent float64    `json:"discount_percent" validate:"gte=0,lte=100"`
	PaymentMethod   string     `json:"payment_method" validate:"omitempty,oneof=cash card transfer credit ewallet"`
	AmountPaid      *float64   `json:"amount_paid,omitempty" validate:"omitempty,gte=0"`
	Notes           string     `json:"notes" validate:"max=500"`
	IdempotencyKey  string     `json:"idempotency_key" validate:"max=120"`
}

type SessionView struct {
	ID               string      `json:"id"`
	Kind             string      `json:"kind"`
	State            string      `json:"state"`
	EditingID        string      `json:"editing_id,omitempty"`
	CounterpartyID   string      `json:"counterparty_id,omitempty"`
	CounterpartyName string      `json:"counterparty_name,omitempty"`
	Selections       []Selection `json:"selections"`
	Subtotal         float64     `json:"subtotal"`
}

type CommitResponse struct {
	TransactionID string  `json:"transaction_id"`
	Duplicate     bool    `json:"duplicate"`
	TotalAmount   float64 `json:"total_amount"`
	AmountDue     float64 `json:"amount_due"`
	Status        string  `json:"status"`
}

type PaymentRequest struct {
	Amount float64 `json:"amount" validate:"gt=0"`
}

type ReturnRequestLine struct {
	LineIndex int `json:"line_index" validate:"gte=0"`
	Quantity  int `json:"quantity" validate:"gte=1"`
}

type ReturnRequest struct {
	Lines          []ReturnRequestLine `json:"lines" validate:"required,min=1,dive"`
	Reason         string              `json:"reason" validate:"max=500"`
	Date           *time.Time          `json:"date,omitempty"`
	IdempotencyKey string              `json:"idempotency_key" validate:"max=120"`
	ManagerPIN     string              `json:"manager_pin"`
}

type ReturnDraft struct {
	TransactionID string      `json:"transaction_id"`
	Kind          string      `json:"kind"`
	Selections    []Selection `json:"selections"`
}

type ReturnResponse struct {
	Return    Return `json:"return"`
	Duplicate bool   `json:"duplicate"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// PaymentStatus derives the status from what has been paid against the total.
func PaymentStatus(total float64, paid float64) string {
	switch {
	case paid <= 0 && total > 0:
		return StatusUnpaid
	case paid < total:
		return StatusPartial
	default:
		return StatusPaid
	}
}

// TransactionDetail is a transaction together with the returns recorded
// against it.
type TransactionDetail struct {
	Transaction Transaction `json:"transaction"`
	Returns     []Return    `json:"returns"`
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Role     string `json:"role" validate:"omitempty,oneof=admin clerk"`
}

type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
