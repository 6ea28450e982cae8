package tickets

import (
	"context"

	"enx-ticketing/internal/auth"
	"enx-ticketing/internal/models"
)

// EventStats summarizes an event's tickets by status.
type EventStats struct {
	EventID  string                      `json:"event_id"`
	Total    int                         `json:"total"`
	ByStatus map[models.TicketStatus]int `json:"by_status"`
}

// GetTotalTicketsCount returns the total count of tickets
func (s *TicketService) GetTotalTicketsCount(ctx context.Context) (int, error) {
	return s.DB.GetTotalTicketsCount(ctx)
}

// GetEventStats is limited to the event's organizer and admins.
func (s *TicketService) GetEventStats(ctx context.Context, eventID string, viewer auth.Principal) (*EventStats, error) {
	event, err := s.DB.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizerID != viewer.UserID && !viewer.IsAdmin() {
		return nil, ErrForbidden
	}

	counts, err := s.DB.CountTicketsByStatus(ctx, eventID)
	if err != nil {
		return nil, err
	}

	stats := &EventStats{EventID: eventID, ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
