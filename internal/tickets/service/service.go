package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"enx-ticketing/internal/auth"
	"enx-ticketing/internal/clock"
	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/metrics"
	"enx-ticketing/internal/models"
	"enx-ticketing/internal/tickets/codec"
	"enx-ticketing/internal/utils"
)

var (
	ErrForbidden       = errors.New("not allowed to access this ticket")
	ErrEventEnded      = errors.New("event has already ended")
	ErrInvalidRequest  = errors.New("invalid ticket request")
	ErrTicketNotActive = errors.New("ticket is no longer valid")
	ErrTicketConflict  = errors.New("ticket id already issued for a different holder or event")
)

const defaultTicketType = "general"

type TicketDBLayer interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket) (bool, error)
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketsByHolder(ctx context.Context, holderID string) ([]models.Ticket, error)
	GetEventByID(ctx context.Context, id string) (*models.Event, error)
	CancelTicket(ctx context.Context, id, reason string, at time.Time) (bool, error)
	ExpireLapsedTickets(ctx context.Context, cutoff, at time.Time) (int64, error)
	GetTotalTicketsCount(ctx context.Context) (int, error)
	CountTicketsByStatus(ctx context.Context, eventID string) (map[models.TicketStatus]int, error)
}

// EventPublisher announces ticket lifecycle changes to the holder.
type EventPublisher interface {
	PublishTicketIssued(ctx context.Context, ticket models.Ticket) error
	PublishTicketCancelled(ctx context.Context, ticket models.Ticket) error
}

type TicketService struct {
	DB        TicketDBLayer
	Codec     *codec.Codec
	Publisher EventPublisher
	Logger    *logger.Logger
	Metrics   *metrics.Recorder
	Clock     clock.Clock
	// GraceWindow is how long after an event ends its tickets stay scannable.
	GraceWindow time.Duration
}

func NewTicketService(db TicketDBLayer, c *codec.Codec, publisher EventPublisher, log *logger.Logger) *TicketService {
	return &TicketService{
		DB:          db,
		Codec:       c,
		Publisher:   publisher,
		Logger:      log,
		Clock:       clock.NewSystem(),
		GraceWindow: 24 * time.Hour,
	}
}

func (s *TicketService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

type IssueRequest struct {
	EventID    string  `json:"event_id"`
	HolderID   string  `json:"holder_id"`
	OrderID    string  `json:"order_id,omitempty"`
	TicketType string  `json:"ticket_type"`
	Price      float64 `json:"price"`
}

func (r IssueRequest) validate() error {
	switch {
	case strings.TrimSpace(r.EventID) == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.HolderID) == "":
		return fmt.Errorf("%w: holder_id is required", ErrInvalidRequest)
	case r.Price < 0:
		return fmt.Errorf("%w: price must not be negative", ErrInvalidRequest)
	}
	return nil
}

// IssueTicket creates a new valid ticket with a fresh id.
func (s *TicketService) IssueTicket(ctx context.Context, req IssueRequest) (*models.Ticket, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	event, err := s.issuableEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, utils.GenerateTicketID(), req, event)
}

// IssueForPayment issues one ticket per unit of a confirmed payment. Ticket ids
// derive from the order id, so handling the same confirmation twice returns
// the tickets created the first time.
func (s *TicketService) IssueForPayment(ctx context.Context, p models.PaymentConfirmed) ([]models.Ticket, error) {
	if p.OrderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidRequest)
	}
	if p.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidRequest)
	}
	req := IssueRequest{
		EventID:    p.EventID,
		HolderID:   p.HolderID,
		OrderID:    p.OrderID,
		TicketType: p.TicketType,
		Price:      p.UnitPrice,
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	event, err := s.DB.GetEventByID(ctx, p.EventID)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", p.EventID, err)
	}

	issued := make([]models.Ticket, 0, p.Quantity)
	for i := 0; i < p.Quantity; i++ {
		ticket, err := s.issue(ctx, utils.TicketIDForOrder(p.OrderID, i), req, event)
		if err != nil {
			return issued, fmt.Errorf("issue ticket %d/%d for order %s: %w", i+1, p.Quantity, p.OrderID, err)
		}
		issued = append(issued, *ticket)
	}
	s.Logger.LogProcess("ISSUANCE", fmt.Sprintf("Order %s: %d ticket(s) for event %s", p.OrderID, len(issued), p.EventID))
	return issued, nil
}

func (s *TicketService) issuableEvent(ctx context.Context, eventID string) (*models.Event, error) {
	event, err := s.DB.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	if s.now().After(event.EndDate) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrEventEnded)
	}
	return event, nil
}

func (s *TicketService) issue(ctx context.Context, id string, req IssueRequest, event *models.Event) (*models.Ticket, error) {
	payload, err := s.Codec.Payload(id, event.ID, req.HolderID)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ticketType := req.TicketType
	if ticketType == "" {
		ticketType = defaultTicketType
	}

	now := s.now()
	ticket := &models.Ticket{
		ID:           id,
		EventID:      event.ID,
		HolderID:     req.HolderID,
		OrderID:      req.OrderID,
		TicketType:   ticketType,
		Price:        req.Price,
		QRPayload:    payload,
		Status:       models.TicketStatusValid,
		PurchaseDate: now,
		UpdatedAt:    now,
	}

	created, err := s.DB.CreateTicket(ctx, ticket)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := s.DB.GetTicketByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing.EventID != ticket.EventID || existing.HolderID != ticket.HolderID {
			return nil, fmt.Errorf("ticket %s: %w", id, ErrTicketConflict)
		}
		s.Logger.LogTicket("DUPLICATE", id, "Ticket already issued, returning existing record")
		return existing, nil
	}

	s.Metrics.TicketsIssued(1)
	s.Logger.LogTicket("ISSUED", id, fmt.Sprintf("event=%s holder=%s type=%s", ticket.EventID, ticket.HolderID, ticket.TicketType))

	if s.Publisher != nil {
		if err := s.Publisher.PublishTicketIssued(ctx, *ticket); err != nil {
			s.Metrics.NotifyFailed()
			s.Logger.Warn("TICKET", fmt.Sprintf("Failed to publish issuance of ticket %s: %v", id, err))
		}
	}
	return ticket, nil
}

// GetTicketForViewer returns the ticket if viewer is its holder, the event's
// organizer or an admin. Organizers get it without the QR payload.
func (s *TicketService) GetTicketForViewer(ctx context.Context, id string, viewer auth.Principal) (*models.Ticket, error) {
	ticket, err := s.DB.GetTicketByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.HolderID == viewer.UserID || viewer.IsAdmin() {
		return ticket, nil
	}

	event, err := s.DB.GetEventByID(ctx, ticket.EventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizerID != viewer.UserID {
		return nil, ErrForbidden
	}
	return ticket.WithoutPayload(), nil
}

// QRPayloadForViewer returns the payload to render. Only the holder and admins
// may see it; organizers scan it, they never need to display it.
func (s *TicketService) QRPayloadForViewer(ctx context.Context, id string, viewer auth.Principal) (string, error) {
	ticket, err := s.DB.GetTicketByID(ctx, id)
	if err != nil {
		return "", err
	}
	if ticket.HolderID != viewer.UserID && !viewer.IsAdmin() {
		return "", ErrForbidden
	}
	return ticket.QRPayload, nil
}

func (s *TicketService) ListHolderTickets(ctx context.Context, holderID string) ([]models.Ticket, error) {
	tickets, err := s.DB.GetTicketsByHolder(ctx, holderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tickets for holder %s: %w", holderID, err)
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

// CancelTicket moves a valid ticket to cancelled. Only the event organizer or
// an admin may cancel.
func (s *TicketService) CancelTicket(ctx context.Context, id, reason string, by auth.Principal) (*models.Ticket, error) {
	ticket, err := s.DB.GetTicketByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !by.IsAdmin() {
		event, err := s.DB.GetEventByID(ctx, ticket.EventID)
		if err != nil {
			return nil, err
		}
		if event.OrganizerID != by.UserID {
			return nil, ErrForbidden
		}
	}
	if ticket.Status != models.TicketStatusValid {
		return nil, fmt.Errorf("%w: status is %s", ErrTicketNotActive, ticket.Status)
	}

	reason = strings.TrimSpace(reason)
	now := s.now()
	ok, err := s.DB.CancelTicket(ctx, id, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.DB.GetTicketByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status is %s", ErrTicketNotActive, current.Status)
	}

	ticket.Status = models.TicketStatusCancelled
	ticket.CancelledAt = &now
	ticket.CancelReason = reason
	ticket.UpdatedAt = now

	s.Metrics.TicketCancelled()
	s.Logger.LogTicket("CANCELLED", id, fmt.Sprintf("by=%s reason=%q", by.UserID, reason))

	if s.Publisher != nil {
		if err := s.Publisher.PublishTicketCancelled(ctx, *ticket); err != nil {
			s.Metrics.NotifyFailed()
			s.Logger.Warn("TICKET", fmt.Sprintf("Failed to publish cancellation of ticket %s: %v", id, err))
		}
	}
	return ticket, nil
}
