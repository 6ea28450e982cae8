package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"enx-ticketing/internal/models"

	"github.com/uptrace/bun"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrEventNotFound  = errors.New("event not found")
)

// DB is the bun-backed ticket store. Every status transition is a single
// conditional UPDATE keyed on the current status, so concurrent writers
// cannot both move the same ticket out of "valid".
type DB struct {
	Bun *bun.DB
}

func New(bunDB *bun.DB) *DB {
	return &DB{Bun: bunDB}
}

// CreateSchema creates the tables from the models. Production uses the SQL
// migrations; this is for sqlite-backed tests and local tooling.
func (d *DB) CreateSchema(ctx context.Context) error {
	for _, model := range []interface{}{(*models.Event)(nil), (*models.Ticket)(nil)} {
		if _, err := d.Bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

// CreateTicket inserts the ticket. It returns false without error when a
// ticket with the same id already exists.
func (d *DB) CreateTicket(ctx context.Context, ticket *models.Ticket) (bool, error) {
	res, err := d.Bun.NewInsert().
		Model(ticket).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert ticket: %w", err)
	}
	return n == 1, nil
}

func (d *DB) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &ticket, nil
}

func (d *DB) GetTicketsByHolder(ctx context.Context, holderID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := d.Bun.NewSelect().
		Model(&tickets).
		Where("holder_id = ?", holderID).
		Order("purchase_date DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets by holder: %w", err)
	}
	return tickets, nil
}

func (d *DB) GetTicketsByEvent(ctx context.Context, eventID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := d.Bun.NewSelect().
		Model(&tickets).
		Where("event_id = ?", eventID).
		Order("purchase_date ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets by event: %w", err)
	}
	return tickets, nil
}

// RedeemTicket performs the valid -> used compare-and-swap. It reports whether
// this call won the transition; false means the ticket was not valid anymore
// (or does not exist) and nothing was written.
func (d *DB) RedeemTicket(ctx context.Context, id string, usedAt time.Time, scannedBy string, selfScan bool) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusUsed).
		Set("used_at = ?", usedAt).
		Set("scanned_by = ?", scannedBy).
		Set("self_scan = ?", selfScan).
		Set("updated_at = ?", usedAt).
		Where("id = ?", id).
		Where("status = ?", models.TicketStatusValid).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("redeem ticket: %w", err)
	}
	return affectedOne(res)
}

// CancelTicket performs the valid -> cancelled compare-and-swap.
func (d *DB) CancelTicket(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusCancelled).
		Set("cancelled_at = ?", at).
		Set("cancel_reason = ?", reason).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", models.TicketStatusValid).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cancel ticket: %w", err)
	}
	return affectedOne(res)
}

// ExpireLapsedTickets moves every still-valid ticket whose event ended before
// cutoff to expired and returns how many rows changed.
func (d *DB) ExpireLapsedTickets(ctx context.Context, cutoff, at time.Time) (int64, error) {
	ended := d.Bun.NewSelect().
		Model((*models.Event)(nil)).
		Column("id").
		Where("end_date < ?", cutoff)

	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusExpired).
		Set("updated_at = ?", at).
		Where("status = ?", models.TicketStatusValid).
		Where("event_id IN (?)", ended).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire tickets: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().
		Model(&event).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &event, nil
}

// UpsertEvent stores the latest projection of an event.
func (d *DB) UpsertEvent(ctx context.Context, event *models.Event) error {
	_, err := d.Bun.NewInsert().
		Model(event).
		On("CONFLICT (id) DO UPDATE").
		Set("organizer_id = EXCLUDED.organizer_id").
		Set("name = EXCLUDED.name").
		Set("start_date = EXCLUDED.start_date").
		Set("end_date = EXCLUDED.end_date").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
