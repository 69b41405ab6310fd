package events

import (
	"time"

	"stockledger/backend/internal/xid"
)

const (
	EventTypeTransactionCommitted = "TRANSACTION_COMMITTED"
	EventTypeReturnProcessed      = "RETURN_PROCESSED"
	EventTypeStockNegative        = "STOCK_NEGATIVE"
	EventTypeCustomersLapsed      = "CUSTOMERS_LAPSED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func newBase(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   xid.New("evt"),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

type StockChange struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Stock     int    `json:"stock"`
}

// TransactionCommittedEvent is published after a sale or purchase is written,
// including edits (Replaced) and bare stock adjustments (Kind "adjustment").
type TransactionCommittedEvent struct {
	BaseEvent
	TransactionID  string        `json:"transaction_id"`
	Kind           string        `json:"kind"`
	CounterpartyID string        `json:"counterparty_id,omitempty"`
	TotalAmount    float64       `json:"total_amount"`
	Replaced       bool          `json:"replaced"`
	ActorID        string        `json:"actor_id"`
	Changes        []StockChange `json:"changes"`
}

type ReturnProcessedEvent struct {
	BaseEvent
	ReturnID              string        `json:"return_id"`
	Kind                  string        `json:"kind"`
	OriginalTransactionID string        `json:"original_transaction_id"`
	TotalAmount           float64       `json:"total_amount"`
	ActorID               string        `json:"actor_id"`
	Changes               []StockChange `json:"changes"`
}

type StockNegativeEvent struct {
	BaseEvent
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	SourceID  string `json:"source_id"`
}

type CustomersLapsedEvent struct {
	BaseEvent
	WindowDays  int      `json:"window_days"`
	CustomerIDs []string `json:"customer_ids"`
}

func NewTransactionCommitted() TransactionCommittedEvent {
	return TransactionCommittedEvent{BaseEvent: newBase(EventTypeTransactionCommitted)}
}

func NewReturnProcessed() ReturnProcessedEvent {
	return ReturnProcessedEvent{BaseEvent: newBase(EventTypeReturnProcessed)}
}

func NewStockNegative() StockNegativeEvent {
	return StockNegativeEvent{BaseEvent: newBase(EventTypeStockNegative)}
}

func NewCustomersLapsed() CustomersLapsedEvent {
	return CustomersLapsedEvent{BaseEvent: newBase(EventTypeCustomersLapsed)}
}
