package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/models"
	tickets "enx-ticketing/internal/tickets/service"

	"github.com/segmentio/kafka-go"
)

type TicketIssuer interface {
	IssueForPayment(ctx context.Context, p models.PaymentConfirmed) ([]models.Ticket, error)
}

type EventStore interface {
	UpsertEvent(ctx context.Context, event *models.Event) error
}

// PaymentConfirmedHandler issues the tickets of a settled payment. An unknown
// event is retried since the event projection may not have arrived yet.
func PaymentConfirmedHandler(issuer TicketIssuer, log *logger.Logger) HandlerFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		var payment models.PaymentConfirmed
		if err := json.Unmarshal(msg.Value, &payment); err != nil {
			return fmt.Errorf("%w: decode payment confirmation: %v", ErrSkip, err)
		}

		log.LogKafka("RECEIVED", msg.Topic, fmt.Sprintf("payment=%s order=%s quantity=%d", payment.PaymentID, payment.OrderID, payment.Quantity))

		issued, err := issuer.IssueForPayment(ctx, payment)
		if err != nil {
			if errors.Is(err, tickets.ErrInvalidRequest) || errors.Is(err, tickets.ErrTicketConflict) {
				return fmt.Errorf("%w: %v", ErrSkip, err)
			}
			return err
		}

		log.LogKafka("PROCESSED", msg.Topic, fmt.Sprintf("order=%s issued %d ticket(s)", payment.OrderID, len(issued)))
		return nil
	}
}

// EventUpdatedHandler keeps the local event projection current.
func EventUpdatedHandler(store EventStore, log *logger.Logger) HandlerFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		var event models.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("%w: decode event update: %v", ErrSkip, err)
		}
		if event.ID == "" || event.OrganizerID == "" || event.EndDate.IsZero() {
			return fmt.Errorf("%w: event update missing id, organizer or end date", ErrSkip)
		}
		if event.UpdatedAt.IsZero() {
			event.UpdatedAt = time.Now().UTC()
		}

		if err := store.UpsertEvent(ctx, &event); err != nil {
			return err
		}
		log.LogKafka("PROCESSED", msg.Topic, fmt.Sprintf("event=%s ends=%s", event.ID, event.EndDate.Format(time.RFC3339)))
		return nil
	}
}
