package ticket_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"enx-ticketing/internal/auth"
	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/models"
	"enx-ticketing/internal/tickets/db"
	tickets "enx-ticketing/internal/tickets/service"
	"enx-ticketing/internal/tickets/verify"
	"enx-ticketing/internal/utils"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 16 << 10

type TicketService interface {
	IssueTicket(ctx context.Context, req tickets.IssueRequest) (*models.Ticket, error)
	GetTicketForViewer(ctx context.Context, id string, viewer auth.Principal) (*models.Ticket, error)
	QRPayloadForViewer(ctx context.Context, id string, viewer auth.Principal) (string, error)
	ListHolderTickets(ctx context.Context, holderID string) ([]models.Ticket, error)
	CancelTicket(ctx context.Context, id, reason string, by auth.Principal) (*models.Ticket, error)
	GetEventStats(ctx context.Context, eventID string, viewer auth.Principal) (*tickets.EventStats, error)
	GetTotalTicketsCount(ctx context.Context) (int, error)
}

type Redeemer interface {
	Redeem(ctx context.Context, req verify.RedeemRequest) verify.Result
}

type QRRenderer interface {
	Render(payload string) ([]byte, error)
}

type Handler struct {
	TicketService TicketService
	Verifier      Redeemer
	QRGenerator   QRRenderer
	Logger        *logger.Logger
	// VerifyTimeout bounds a single redemption including store round trips.
	VerifyTimeout time.Duration
}

// NewHandler creates a new Handler instance
func NewHandler(svc TicketService, verifier Redeemer, renderer QRRenderer, log *logger.Logger, verifyTimeout time.Duration) *Handler {
	if verifyTimeout <= 0 {
		verifyTimeout = 5 * time.Second
	}
	return &Handler{
		TicketService: svc,
		Verifier:      verifier,
		QRGenerator:   renderer,
		Logger:        log,
		VerifyTimeout: verifyTimeout,
	}
}

// RegisterRoutes registers the authenticated ticket routes on a chi router
// mounted under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/tickets", func(r chi.Router) {
		r.Post("/verify", h.VerifyTicket)
		r.Get("/mine", h.ListMyTickets)
		r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleService)).Post("/", h.IssueTicket)
		r.Get("/{ticketId}", h.ViewTicket)
		r.Get("/{ticketId}/qr", h.TicketQR)
		r.Post("/{ticketId}/cancel", h.CancelTicket)
	})
	r.Get("/events/{eventId}/tickets/stats", h.EventStats)
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// IssueTicket creates a ticket for a holder. Used by admins and internal callers.
func (h *Handler) IssueTicket(w http.ResponseWriter, r *http.Request) {
	var req tickets.IssueRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ticket, err := h.TicketService.IssueTicket(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Ticket issued", ticket))
}

func (h *Handler) ViewTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	ticket, err := h.TicketService.GetTicketForViewer(r.Context(), ticketID, principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket retrieved", ticket))
}

// TicketQR renders the ticket's payload as a PNG. If rendering fails the raw
// payload is returned as text so the holder can still present it.
func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	payload, err := h.TicketService.QRPayloadForViewer(r.Context(), ticketID, principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "private, no-store")

	png, err := h.QRGenerator.Render(payload)
	if err != nil {
		h.Logger.Warn("QR", fmt.Sprintf("Rendering failed for ticket %s, falling back to text: %v", ticketID, err))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-QR-Fallback", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(payload))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) CancelTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			utils.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	ticket, err := h.TicketService.CancelTicket(r.Context(), ticketID, body.Reason, principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket cancelled", ticket))
}

func (h *Handler) ListMyTickets(w http.ResponseWriter, r *http.Request) {
	list, err := h.TicketService.ListHolderTickets(r.Context(), principal(r).UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tickets retrieved", list))
}

func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	stats, err := h.TicketService.GetEventStats(r.Context(), eventID, principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket statistics retrieved", stats))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrTicketNotFound):
		utils.WriteError(w, http.StatusNotFound, "ticket_not_found", "Ticket not found")
	case errors.Is(err, db.ErrEventNotFound):
		utils.WriteError(w, http.StatusNotFound, "event_not_found", "Event not found")
	case errors.Is(err, tickets.ErrForbidden):
		utils.WriteError(w, http.StatusForbidden, "forbidden", "Not allowed")
	case errors.Is(err, tickets.ErrInvalidRequest):
		utils.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tickets.ErrEventEnded):
		utils.WriteError(w, http.StatusConflict, "event_ended", "Event has already ended")
	case errors.Is(err, tickets.ErrTicketNotActive):
		utils.WriteError(w, http.StatusConflict, "ticket_not_active", err.Error())
	case errors.Is(err, tickets.ErrTicketConflict):
		utils.WriteError(w, http.StatusConflict, "ticket_conflict", "Ticket id already in use")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.Header().Set("Retry-After", "1")
		utils.WriteError(w, http.StatusServiceUnavailable, "timeout", "Request timed out, retry")
	default:
		h.Logger.Error("API", fmt.Sprintf("%s %s failed: %v", r.Method, r.URL.Path, err))
		utils.WriteError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
