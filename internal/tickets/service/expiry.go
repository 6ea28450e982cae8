package tickets

import (
	"context"
	"fmt"
	"time"
)

// ExpireLapsed marks valid tickets of events that ended more than the grace
// window ago as expired.
func (s *TicketService) ExpireLapsed(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := now.Add(-s.GraceWindow)

	n, err := s.DB.ExpireLapsedTickets(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("expire lapsed tickets: %w", err)
	}
	if n > 0 {
		s.Metrics.TicketsExpired(n)
		s.Logger.LogProcess("EXPIRY", fmt.Sprintf("Expired %d ticket(s) of events ended before %s", n, cutoff.Format(time.RFC3339)))
	}
	return n, nil
}

// RunExpirySweeper runs ExpireLapsed every interval until ctx is done.
func (s *TicketService) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	s.Logger.LogProcess("EXPIRY", fmt.Sprintf("Sweeper started, interval %s", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.ExpireLapsed(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("EXPIRY", err.Error())
		}

		select {
		case <-ctx.Done():
			s.Logger.LogProcess("EXPIRY", "Sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
