package models

import "time"

// PaymentConfirmed is published by the payment service once checkout has
// settled. Each confirmation yields Quantity tickets for the holder.
type PaymentConfirmed struct {
	PaymentID   string    `json:"payment_id"`
	OrderID     string    `json:"order_id"`
	EventID     string    `json:"event_id"`
	HolderID    string    `json:"holder_id"`
	TicketType  string    `json:"ticket_type"`
	UnitPrice   float64   `json:"unit_price"`
	Quantity    int       `json:"quantity"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
