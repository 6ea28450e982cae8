package models

import "time"

type TicketEventType string

const (
	TicketEventIssued    TicketEventType = "ticket.issued"
	TicketEventRedeemed  TicketEventType = "ticket.redeemed"
	TicketEventCancelled TicketEventType = "ticket.cancelled"
)

// TicketEvent is the Kafka message sent to the notification service so the
// holder learns about lifecycle changes of their ticket.
type TicketEvent struct {
	Type       TicketEventType `json:"type"`
	TicketID   string          `json:"ticket_id"`
	EventID    string          `json:"event_id"`
	HolderID   string          `json:"holder_id"`
	Status     TicketStatus    `json:"status"`
	QRPayload  string          `json:"qr_payload,omitempty"`
	UsedAt     *time.Time      `json:"used_at,omitempty"`
	ScannedBy  string          `json:"scanned_by,omitempty"`
	SelfScan   bool            `json:"self_scan,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewTicketEvent snapshots t. The QR payload only travels with issuance, where
// the holder needs it to receive the ticket.
func NewTicketEvent(kind TicketEventType, t Ticket, at time.Time) TicketEvent {
	ev := TicketEvent{
		Type:       kind,
		TicketID:   t.ID,
		EventID:    t.EventID,
		HolderID:   t.HolderID,
		Status:     t.Status,
		UsedAt:     t.UsedAt,
		ScannedBy:  t.ScannedBy,
		SelfScan:   t.SelfScan,
		Reason:     t.CancelReason,
		OccurredAt: at,
	}
	if kind == TicketEventIssued {
		ev.QRPayload = t.QRPayload
	}
	return ev
}
