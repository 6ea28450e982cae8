package db

import (
	"context"
	"fmt"

	"enx-ticketing/internal/models"
)

// GetTotalTicketsCount returns the number of tickets ever issued.
func (d *DB) GetTotalTicketsCount(ctx context.Context) (int, error) {
	count, err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count tickets: %w", err)
	}
	return count, nil
}

// CountTicketsByStatus aggregates an event's tickets by lifecycle status.
// Statuses with no tickets are reported as zero.
func (d *DB) CountTicketsByStatus(ctx context.Context, eventID string) (map[models.TicketStatus]int, error) {
	var rows []models.TicketStatusCount
	err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Where("event_id = ?", eventID).
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("count tickets by status: %w", err)
	}

	counts := map[models.TicketStatus]int{
		models.TicketStatusValid:     0,
		models.TicketStatusUsed:      0,
		models.TicketStatusCancelled: 0,
		models.TicketStatusExpired:   0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
