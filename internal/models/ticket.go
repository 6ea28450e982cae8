package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketStatusValid     TicketStatus = "valid"
	TicketStatusUsed      TicketStatus = "used"
	TicketStatusCancelled TicketStatus = "cancelled"
	TicketStatusExpired   TicketStatus = "expired"
)

// IsTerminal reports whether no further transition may leave the status.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketStatusUsed, TicketStatusCancelled, TicketStatusExpired:
		return true
	}
	return false
}

func (s TicketStatus) IsKnown() bool {
	return s == TicketStatusValid || s.IsTerminal()
}

// Ticket is one admission right. Identity fields and QRPayload never change
// after issuance; only the redemption/cancellation columns are written later.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID           string       `bun:"id,pk" json:"id"`
	EventID      string       `bun:"event_id,notnull" json:"event_id"`
	HolderID     string       `bun:"holder_id,notnull" json:"holder_id"`
	OrderID      string       `bun:"order_id,nullzero" json:"order_id,omitempty"`
	TicketType   string       `bun:"ticket_type,notnull" json:"ticket_type"`
	Price        float64      `bun:"price,notnull" json:"price"`
	QRPayload    string       `bun:"qr_payload,notnull,unique" json:"qr_payload"`
	Status       TicketStatus `bun:"status,notnull" json:"status"`
	UsedAt       *time.Time   `bun:"used_at,nullzero" json:"used_at,omitempty"`
	ScannedBy    string       `bun:"scanned_by,nullzero" json:"scanned_by,omitempty"`
	SelfScan     bool         `bun:"self_scan,notnull" json:"self_scan"`
	CancelledAt  *time.Time   `bun:"cancelled_at,nullzero" json:"cancelled_at,omitempty"`
	CancelReason string       `bun:"cancel_reason,nullzero" json:"cancel_reason,omitempty"`
	PurchaseDate time.Time    `bun:"purchase_date,notnull" json:"purchase_date"`
	UpdatedAt    time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}

// WithoutPayload returns a copy with QRPayload cleared. Organizers and
// scanners may read a ticket but only its holder and admins may present it.
func (t *Ticket) WithoutPayload() *Ticket {
	c := *t
	c.QRPayload = ""
	return &c
}

// TicketStatusCount is one row of a per-status aggregate.
type TicketStatusCount struct {
	Status TicketStatus `bun:"status" json:"status"`
	Count  int          `bun:"count" json:"count"`
}
