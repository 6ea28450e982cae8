package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Event is the read-only projection of an event this service needs: who
// organizes it and when it ends. The event catalog owns the full record and
// pushes updates over Kafka.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID          string    `bun:"id,pk" json:"id"`
	OrganizerID string    `bun:"organizer_id,notnull" json:"organizer_id"`
	Name        string    `bun:"name,notnull" json:"name"`
	StartDate   time.Time `bun:"start_date,notnull" json:"start_date"`
	EndDate     time.Time `bun:"end_date,notnull" json:"end_date"`
	UpdatedAt   time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// ScanDeadline is the last instant a ticket for this event may be redeemed.
func (e Event) ScanDeadline(grace time.Duration) time.Time {
	return e.EndDate.Add(grace)
}
