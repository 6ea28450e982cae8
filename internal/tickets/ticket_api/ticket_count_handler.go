package ticket_api

import (
	"net/http"

	"enx-ticketing/internal/utils"
)

// TicketCountResponse is the response format for the GetTotalTicketsCount endpoint
type TicketCountResponse struct {
	TotalCount int `json:"total_count"`
}

// GetTotalTicketsCount handles the request to get the total ticket count
func (h *Handler) GetTotalTicketsCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.TicketService.GetTotalTicketsCount(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, TicketCountResponse{TotalCount: count})
}
