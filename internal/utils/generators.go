package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ticketNamespace scopes deterministic ticket ids so they cannot collide with
// ids derived for other purposes from the same order id.
var ticketNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("enx-ticketing/ticket"))

// GenerateTicketID returns a random 32-char lowercase hex id. Ticket ids never
// contain '-' because it is the QR payload separator.
func GenerateTicketID() string {
	return compact(uuid.New())
}

// TicketIDForOrder derives the id of the n-th ticket of an order, so a
// redelivered payment confirmation maps onto the tickets already issued.
func TicketIDForOrder(orderID string, n int) string {
	return compact(uuid.NewSHA1(ticketNamespace, []byte(fmt.Sprintf("%s#%d", orderID, n))))
}

func compact(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
