package ticket_api

import (
	"context"
	"net/http"
	"strings"

	"enx-ticketing/internal/tickets/verify"
	"enx-ticketing/internal/utils"
)

type verifyRequest struct {
	TicketID  string `json:"ticket_id"`
	QRPayload string `json:"qr_payload"`
}

// VerifyTicket redeems a scanned ticket for the authenticated scanner.
// Expected POST request body: {"qr_payload": "ENX-<id>-<tag>"} or {"ticket_id": "..."}
func (h *Handler) VerifyTicket(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if err := decodeBody(w, r, &body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, verify.Result{
			ErrorCode: verify.CodeInvalidFormat,
			Message:   "request body must be JSON with ticket_id or qr_payload",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.VerifyTimeout)
	defer cancel()

	// Scanner input is trimmed here; the codec accepts only the exact payload.
	res := h.Verifier.Redeem(ctx, verify.RedeemRequest{
		TicketID:  strings.TrimSpace(body.TicketID),
		QRPayload: strings.TrimSpace(body.QRPayload),
		Scanner:   principal(r),
	})

	status := StatusForResult(res)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	utils.WriteJSON(w, status, res)
}

// StatusForResult maps a redemption outcome to an HTTP status. State errors
// are ordinary outcomes and answer 200; the body says what happened.
func StatusForResult(res verify.Result) int {
	if res.Valid {
		return http.StatusOK
	}
	switch res.ErrorCode {
	case verify.CodeInvalidFormat:
		return http.StatusBadRequest
	case verify.CodeTicketNotFound:
		return http.StatusNotFound
	case verify.CodeUnauthorized, verify.CodeInvalidHash:
		return http.StatusForbidden
	case verify.CodeDatabaseError, verify.CodeSystemError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}
