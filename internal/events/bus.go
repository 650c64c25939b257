// Package events provides the notification event bus for the backtest
// core. The simulator, broker, and risk service publish structured
// trade/order/alert events; delivery (email, push, webhooks) is an
// external concern wired up through subscriptions.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

// Type defines the category of event
type Type string

const (
	TypeOrderCreated   Type = "order_created"
	TypeOrderFilled    Type = "order_filled"
	TypeOrderCancelled Type = "order_cancelled"
	TypePositionClosed Type = "position_closed"
	TypeRiskAlert      Type = "risk_alert"
)

// Event is the base interface for all notification events
type Event interface {
	EventType() Type
	OccurredAt() time.Time
}

// OrderEvent carries the order record for order lifecycle events
type OrderEvent struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Order     types.Order `json:"order"`
}

func (e OrderEvent) EventType() Type       { return e.Type }
func (e OrderEvent) OccurredAt() time.Time { return e.Timestamp }

// PositionClosedEvent carries the closed-trade record
type PositionClosedEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Trade     types.TradeRecord `json:"trade"`
}

func (e PositionClosedEvent) EventType() Type       { return TypePositionClosed }
func (e PositionClosedEvent) OccurredAt() time.Time { return e.Timestamp }

// RiskAlertEvent signals a portfolio-limit rejection or breach
type RiskAlertEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	AlertType string    `json:"alertType"`
	Message   string    `json:"message"`
}

func (e RiskAlertEvent) EventType() Type       { return TypeRiskAlert }
func (e RiskAlertEvent) OccurredAt() time.Time { return e.Timestamp }

// Handler processes a published event. Handlers run synchronously on
// the publishing goroutine and must not block the bar loop.
type Handler func(Event)

// Bus is the central event routing system. Dispatch is synchronous:
// the simulator is single-threaded and event ordering must match the
// order of the state changes that produced them.
type Bus struct {
	mu             sync.RWMutex
	logger         *zap.Logger
	subscribers    map[Type][]Handler
	allSubscribers []Handler

	published atomic.Int64
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubscribers = append(b.allSubscribers, h)
}

// Publish dispatches an event to all matching subscribers. A nil bus
// is a valid no-op publisher so components can run without wiring.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := b.subscribers[e.EventType()]
	all := b.allSubscribers
	b.mu.RUnlock()

	b.published.Add(1)

	for _, h := range handlers {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}

// Published returns the total number of events published.
func (b *Bus) Published() int64 {
	if b == nil {
		return 0
	}
	return b.published.Load()
}
