package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderItem is one line of an order.
type OrderItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreatedPayload is the payload of an OrderCreated event.
type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// PaymentRequestedPayload is the payload of a PaymentRequested event.
type PaymentRequestedPayload struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentSucceededPayload is the payload of a PaymentSucceeded event.
type PaymentSucceededPayload struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// RefundIssuedPayload is the payload of a RefundIssued event.
type RefundIssuedPayload struct {
	RefundID  string          `json:"refund_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Payload is the tagged union over the per-type payload structs. It is decoded
// once at ingestion; downstream code never re-parses the raw JSON.
type Payload struct {
	OrderCreated     *OrderCreatedPayload
	PaymentRequested *PaymentRequestedPayload
	PaymentSucceeded *PaymentSucceededPayload
	RefundIssued     *RefundIssuedPayload
}

// DecodePayload parses raw JSON into the variant matching eventType.
func DecodePayload(eventType, raw string) (Payload, error) {
	var p Payload
	switch eventType {
	case EventOrderCreated:
		v := &OrderCreatedPayload{}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return p, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		p.OrderCreated = v
	case EventPaymentRequested:
		v := &PaymentRequestedPayload{}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return p, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		p.PaymentRequested = v
	case EventPaymentSucceeded:
		v := &PaymentSucceededPayload{}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return p, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		p.PaymentSucceeded = v
	case EventRefundIssued:
		v := &RefundIssuedPayload{}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return p, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		p.RefundIssued = v
	default:
		return p, fmt.Errorf("unknown event type %q", eventType)
	}
	return p, nil
}

// DecodedEvent pairs a stored event with its typed payload.
type DecodedEvent struct {
	Event
	Payload Payload
}

// Decode parses the event's raw payload into its typed variant.
func (e Event) Decode() (DecodedEvent, error) {
	p, err := DecodePayload(e.EventType, e.Payload)
	if err != nil {
		return DecodedEvent{}, err
	}
	return DecodedEvent{Event: e, Payload: p}, nil
}
