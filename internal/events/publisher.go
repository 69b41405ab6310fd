package events

import (
	"context"
	"sync"
)

// Publisher emits ledger domain events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishTransactionCommitted(ctx context.Context, event TransactionCommittedEvent) error
	PublishReturnProcessed(ctx context.Context, event ReturnProcessedEvent) error
	PublishStockNegative(ctx context.Context, event StockNegativeEvent) error
	PublishCustomersLapsed(ctx context.Context, event CustomersLapsedEvent) error
}

// KafkaPublisher keys each message by the entity it describes.
type KafkaPublisher struct {
	producer *Producer
}

func NewKafkaPublisher(producer *Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) PublishTransactionCommitted(ctx context.Context, event TransactionCommittedEvent) error {
	return p.producer.PublishEvent(ctx, event.TransactionID, event)
}

func (p *KafkaPublisher) PublishReturnProcessed(ctx context.Context, event ReturnProcessedEvent) error {
	return p.producer.PublishEvent(ctx, event.ReturnID, event)
}

func (p *KafkaPublisher) PublishStockNegative(ctx context.Context, event StockNegativeEvent) error {
	return p.producer.PublishEvent(ctx, event.ProductID, event)
}

func (p *KafkaPublisher) PublishCustomersLapsed(ctx context.Context, event CustomersLapsedEvent) error {
	return p.producer.PublishEvent(ctx, "customers-lapsed", event)
}

type Noop struct{}

func (Noop) PublishTransactionCommitted(context.Context, TransactionCommittedEvent) error { return nil }
func (Noop) PublishReturnProcessed(context.Context, ReturnProcessedEvent) error           { return nil }
func (Noop) PublishStockNegative(context.Context, StockNegativeEvent) error               { return nil }
func (Noop) PublishCustomersLapsed(context.Context, CustomersLapsedEvent) error           { return nil }

// Recorder keeps published events in memory. Used by tests and the report CLI
// when no broker is configured.
type Recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *Recorder) record(event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) PublishTransactionCommitted(_ context.Context, event TransactionCommittedEvent) error {
	return r.record(event)
}

func (r *Recorder) PublishReturnProcessed(_ context.Context, event ReturnProcessedEvent) error {
	return r.record(event)
}

func (r *Recorder) PublishStockNegative(_ context.Context, event StockNegativeEvent) error {
	return r.record(event)
}

func (r *Recorder) PublishCustomersLapsed(_ context.Context, event CustomersLapsedEvent) error {
	return r.record(event)
}

// Events returns a copy of everything recorded so far, in publish order.
func (r *Recorder) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}
