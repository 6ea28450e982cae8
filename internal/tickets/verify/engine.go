// Package verify implements scan-time ticket redemption.
//
// Redeem walks a fixed sequence of checks (parse, lookup, authorization, tag,
// status) and only then commits the valid -> used transition with a
// conditional update in the store. Every path returns a Result; nothing
// before the commit writes anything.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"enx-ticketing/internal/auth"
	"enx-ticketing/internal/clock"
	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/metrics"
	"enx-ticketing/internal/models"
	"enx-ticketing/internal/tickets/codec"
	"enx-ticketing/internal/tickets/db"
)

const (
	DefaultGraceWindow   = 24 * time.Hour
	DefaultNotifyTimeout = 5 * time.Second
)

// Store is the slice of the ticket store the engine reads and writes.
type Store interface {
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetEventByID(ctx context.Context, id string) (*models.Event, error)
	RedeemTicket(ctx context.Context, id string, usedAt time.Time, scannedBy string, selfScan bool) (bool, error)
}

// Notifier tells the holder their ticket was redeemed.
type Notifier interface {
	PublishTicketRedeemed(ctx context.Context, ticket models.Ticket) error
}

// Throttle tracks failed security checks per scanner.
type Throttle interface {
	Blocked(ctx context.Context, scannerID string) bool
	RecordFailure(ctx context.Context, scannerID string) int64
}

// RedeemRequest carries what a gate submits. At least one of TicketID and
// QRPayload is required; a bare TicketID is the manual check-in path and is
// only honoured for organizers and admins.
type RedeemRequest struct {
	TicketID  string
	QRPayload string
	Scanner   auth.Principal
}

type Dependencies struct {
	Codec    *codec.Codec
	Store    Store
	Notifier Notifier
	Throttle Throttle
	Metrics  *metrics.Recorder
	Clock    clock.Clock
	Logger   *logger.Logger

	GraceWindow   time.Duration
	NotifyTimeout time.Duration
}

type Engine struct {
	codec    *codec.Codec
	store    Store
	notifier Notifier
	throttle Throttle
	metrics  *metrics.Recorder
	clock    clock.Clock
	logger   *logger.Logger

	graceWindow   time.Duration
	notifyTimeout time.Duration

	pending sync.WaitGroup
}

func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Codec == nil {
		return nil, errors.New("verify: codec is required")
	}
	if deps.Store == nil {
		return nil, errors.New("verify: store is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.GraceWindow <= 0 {
		deps.GraceWindow = DefaultGraceWindow
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = DefaultNotifyTimeout
	}

	return &Engine{
		codec:         deps.Codec,
		store:         deps.Store,
		notifier:      deps.Notifier,
		throttle:      deps.Throttle,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		logger:        deps.Logger,
		graceWindow:   deps.GraceWindow,
		notifyTimeout: deps.NotifyTimeout,
	}, nil
}

// Redeem verifies the request and, if every check passes, marks the ticket used.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (res Result) {
	started := time.Now()
	ticketID := strings.TrimSpace(req.TicketID)
	scannerID := req.Scanner.UserID

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("VERIFY", fmt.Sprintf("Redemption of ticket %s panicked: %v", ticketID, r))
			res = reject(CodeSystemError, "internal error, retry")
		}
		if res.Ticket != nil && res.Ticket.HolderID != scannerID && !req.Scanner.IsAdmin() {
			res.Ticket = res.Ticket.WithoutPayload()
		}
		e.metrics.ObserveRedemption(res.metricCode(), string(res.Category()), time.Since(started))
		e.logger.LogRedemption(res.metricCode(), ticketID, scannerID, res.Message)
	}()

	if scannerID == "" {
		return reject(CodeUnauthorized, "scanner identity is required")
	}

	// 1. parse
	var tag string
	hasPayload := strings.TrimSpace(req.QRPayload) != ""
	if hasPayload {
		decoded, err := e.codec.DecodePayload(req.QRPayload)
		if err != nil {
			return reject(CodeInvalidFormat, "QR payload is not a valid ticket code")
		}
		if ticketID != "" && ticketID != decoded.TicketID {
			return reject(CodeInvalidFormat, "ticket id does not match QR payload")
		}
		ticketID = decoded.TicketID
		tag = decoded.Tag
	} else if ticketID == "" {
		return reject(CodeInvalidFormat, "ticket_id or qr_payload is required")
	}

	if e.throttle != nil && e.throttle.Blocked(ctx, scannerID) {
		e.logger.LogSecurity("SCANNER_THROTTLED", fmt.Sprintf("scanner %s refused for ticket %s", scannerID, ticketID))
		return reject(CodeUnauthorized, "too many failed verifications, try again later")
	}

	// 2. lookup
	ticket, err := e.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, db.ErrTicketNotFound) {
			return reject(CodeTicketNotFound, "ticket not found")
		}
		return e.infraFailure(ctx, "ticket lookup", ticketID, err)
	}
	event, err := e.store.GetEventByID(ctx, ticket.EventID)
	if err != nil {
		if errors.Is(err, db.ErrEventNotFound) {
			e.logger.Error("VERIFY", fmt.Sprintf("Ticket %s references unknown event %s", ticket.ID, ticket.EventID))
			return reject(CodeDatabaseError, "event record unavailable, retry")
		}
		return e.infraFailure(ctx, "event lookup", ticketID, err)
	}

	// 3. authorization
	isOrganizer := event.OrganizerID == scannerID
	isAdmin := req.Scanner.IsAdmin()
	isHolder := ticket.HolderID == scannerID
	if !isOrganizer && !isAdmin && !isHolder {
		e.securityFailure(ctx, "UNAUTHORIZED_SCAN", scannerID,
			fmt.Sprintf("scanner %s is not allowed to redeem ticket %s", scannerID, ticket.ID))
		return reject(CodeUnauthorized, "not authorized to verify tickets for this event")
	}
	selfScan := isHolder && !isOrganizer && !isAdmin

	// 4. tag
	if hasPayload {
		if !e.codec.VerifyTag(ticket.ID, ticket.EventID, ticket.HolderID, tag) {
			e.securityFailure(ctx, "INVALID_HASH", scannerID,
				fmt.Sprintf("tag mismatch for ticket %s presented by scanner %s", ticket.ID, scannerID))
			return reject(CodeInvalidHash, "ticket code failed verification")
		}
	} else if selfScan {
		e.securityFailure(ctx, "SELF_SCAN_WITHOUT_CODE", scannerID,
			fmt.Sprintf("holder %s tried to check in ticket %s without its code", scannerID, ticket.ID))
		return reject(CodeUnauthorized, "self check-in requires the ticket QR code")
	}

	// 5. status
	now := e.clock.Now()
	if res, done := e.stateResult(ticket, event, now); done {
		res.SelfScan = selfScan
		return res
	}

	// 6. commit
	won, err := e.store.RedeemTicket(ctx, ticket.ID, now, scannerID, selfScan)
	if err != nil {
		return e.infraFailure(ctx, "redeem", ticket.ID, err)
	}
	if !won {
		return e.lostRace(ctx, ticket.ID, event, now, selfScan)
	}

	redeemed := *ticket
	redeemed.Status = models.TicketStatusUsed
	redeemed.UsedAt = &now
	redeemed.ScannedBy = scannerID
	redeemed.SelfScan = selfScan
	redeemed.UpdatedAt = now

	// 7. notify
	e.notify(ctx, redeemed)

	msg := "ticket verified, entry granted"
	if selfScan {
		msg = "ticket self-checked in"
	}
	return Result{
		Valid:    true,
		Message:  msg,
		Ticket:   &redeemed,
		SelfScan: selfScan,
		UsedAt:   redeemed.UsedAt,
	}
}

// stateResult maps a non-redeemable ticket to its state error. done is false
// when the ticket may be committed.
func (e *Engine) stateResult(ticket *models.Ticket, event *models.Event, now time.Time) (Result, bool) {
	switch ticket.Status {
	case models.TicketStatusCancelled:
		msg := "ticket has been cancelled"
		if ticket.CancelReason != "" {
			msg = fmt.Sprintf("ticket has been cancelled: %s", ticket.CancelReason)
		}
		return Result{ErrorCode: CodeCancelled, Message: msg, Ticket: ticket}, true
	case models.TicketStatusUsed:
		msg := "ticket already used"
		if ticket.UsedAt != nil {
			msg = fmt.Sprintf("ticket already used at %s", ticket.UsedAt.UTC().Format(time.RFC3339))
		}
		return Result{ErrorCode: CodeAlreadyUsed, Message: msg, Ticket: ticket, UsedAt: ticket.UsedAt}, true
	case models.TicketStatusExpired:
		return Result{ErrorCode: CodeExpired, Message: "ticket has expired", Ticket: ticket}, true
	case models.TicketStatusValid:
		deadline := event.ScanDeadline(e.graceWindow)
		if now.After(deadline) {
			return Result{
				ErrorCode: CodeExpired,
				Message:   fmt.Sprintf("ticket expired, event scanning closed at %s", deadline.UTC().Format(time.RFC3339)),
				Ticket:    ticket,
			}, true
		}
		return Result{}, false
	default:
		e.logger.Error("VERIFY", fmt.Sprintf("Ticket %s has unknown status %q", ticket.ID, ticket.Status))
		return reject(CodeSystemError, "ticket is in an unknown state"), true
	}
}

// lostRace runs after a conditional update matched nothing: someone else
// moved the ticket out of valid between our read and our write. Report the
// state they left behind.
func (e *Engine) lostRace(ctx context.Context, ticketID string, event *models.Event, now time.Time, selfScan bool) Result {
	current, err := e.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return e.infraFailure(ctx, "re-read after conflict", ticketID, err)
	}
	res, done := e.stateResult(current, event, now)
	if !done {
		// Still valid yet the update matched no row.
		e.logger.Error("VERIFY", fmt.Sprintf("Ticket %s still valid after failed conditional update", ticketID))
		return reject(CodeSystemError, "redemption outcome unknown, retry")
	}
	res.SelfScan = selfScan
	return res
}

func (e *Engine) infraFailure(ctx context.Context, op, ticketID string, err error) Result {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.logger.Warn("VERIFY", fmt.Sprintf("%s for ticket %s interrupted: %v", op, ticketID, err))
		return reject(CodeSystemError, "outcome unknown, retry")
	}
	e.logger.Error("DATABASE", fmt.Sprintf("%s for ticket %s failed: %v", op, ticketID, err))
	return reject(CodeDatabaseError, "ticket store unavailable, retry")
}

func (e *Engine) securityFailure(ctx context.Context, event, scannerID, msg string) {
	e.logger.LogSecurity(event, msg)
	if e.throttle != nil {
		e.throttle.RecordFailure(ctx, scannerID)
	}
}

func (e *Engine) notify(ctx context.Context, ticket models.Ticket) {
	if e.notifier == nil {
		return
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
		defer cancel()

		if err := e.notifier.PublishTicketRedeemed(nctx, ticket); err != nil {
			e.metrics.NotifyFailed()
			e.logger.Warn("VERIFY", fmt.Sprintf("Redemption notification for ticket %s failed: %v", ticket.ID, err))
		}
	}()
}

// Wait blocks until in-flight notifications finish. Call it on shutdown.
func (e *Engine) Wait() {
	e.pending.Wait()
}
