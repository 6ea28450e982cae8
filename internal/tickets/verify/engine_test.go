package verify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"enx-ticketing/internal/auth"
	"enx-ticketing/internal/clock"
	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/metrics"
	"enx-ticketing/internal/models"
	"enx-ticketing/internal/tickets/codec"
	"enx-ticketing/internal/tickets/db"
	"enx-ticketing/internal/tickets/verify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gate-secret-for-engine-tests"

var (
	eventEnd  = time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	scanTime  = time.Date(2026, 5, 1, 19, 30, 0, 0, time.UTC)
	organizer = auth.Principal{UserID: "org-1"}
	admin     = auth.Principal{UserID: "admin-1", Roles: []string{auth.RoleAdmin}}
	holder    = auth.Principal{UserID: "u1"}
	stranger  = auth.Principal{UserID: "someone-else"}
)

// fakeStore mimics the conditional update of the real store under a mutex.
type fakeStore struct {
	mu      sync.Mutex
	tickets map[string]models.Ticket
	events  map[string]models.Event

	lookups      int
	lookupErr    error
	redeemErr    error
	beforeRedeem func(s *fakeStore, id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tickets: map[string]models.Ticket{},
		events: map[string]models.Event{
			"e1": {ID: "e1", OrganizerID: organizer.UserID, Name: "Launch", StartDate: eventEnd.Add(-4 * time.Hour), EndDate: eventEnd},
		},
	}
}

func (s *fakeStore) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	t, ok := s.tickets[id]
	if !ok {
		return nil, db.ErrTicketNotFound
	}
	return &t, nil
}

func (s *fakeStore) GetEventByID(_ context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, db.ErrEventNotFound
	}
	return &e, nil
}

func (s *fakeStore) RedeemTicket(_ context.Context, id string, usedAt time.Time, scannedBy string, selfScan bool) (bool, error) {
	if s.beforeRedeem != nil {
		s.beforeRedeem(s, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redeemErr != nil {
		return false, s.redeemErr
	}
	t, ok := s.tickets[id]
	if !ok || t.Status != models.TicketStatusValid {
		return false, nil
	}
	t.Status = models.TicketStatusUsed
	t.UsedAt = &usedAt
	t.ScannedBy = scannedBy
	t.SelfScan = selfScan
	s.tickets[id] = t
	return true, nil
}

func (s *fakeStore) get(id string) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets[id]
}

func (s *fakeStore) put(t models.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Ticket
	err  error
}

func (n *fakeNotifier) PublishTicketRedeemed(_ context.Context, t models.Ticket) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, t)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeThrottle struct {
	mu       sync.Mutex
	failures map[string]int64
	blocked  map[string]bool
}

func newFakeThrottle() *fakeThrottle {
	return &fakeThrottle{failures: map[string]int64{}, blocked: map[string]bool{}}
}

func (f *fakeThrottle) Blocked(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[id]
}

func (f *fakeThrottle) RecordFailure(_ context.Context, id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	return f.failures[id]
}

func (f *fakeThrottle) failuresFor(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[id]
}

type fixture struct {
	engine   *verify.Engine
	store    *fakeStore
	notifier *fakeNotifier
	throttle *fakeThrottle
	codec    *codec.Codec
	payload  string
}

func setup(t *testing.T, now time.Time) *fixture {
	t.Helper()

	c, err := codec.New(testSecret)
	require.NoError(t, err)

	store := newFakeStore()
	payload, err := c.Payload("t1", "e1", holder.UserID)
	require.NoError(t, err)
	store.put(models.Ticket{
		ID:           "t1",
		EventID:      "e1",
		HolderID:     holder.UserID,
		TicketType:   "general",
		Price:        25,
		QRPayload:    payload,
		Status:       models.TicketStatusValid,
		PurchaseDate: now.Add(-48 * time.Hour),
	})

	notifier := &fakeNotifier{}
	throttle := newFakeThrottle()
	engine, err := verify.NewEngine(verify.Dependencies{
		Codec:    c,
		Store:    store,
		Notifier: notifier,
		Throttle: throttle,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Clock:    clock.NewFixed(now),
		Logger:   logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Wait)

	return &fixture{engine: engine, store: store, notifier: notifier, throttle: throttle, codec: c, payload: payload}
}

func (f *fixture) redeem(scanner auth.Principal) verify.Result {
	return f.engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: f.payload, Scanner: scanner})
}

func TestRedeemValidTicketByOrganizer(t *testing.T) {
	f := setup(t, scanTime)

	res := f.redeem(organizer)
	require.True(t, res.Valid, res.Message)
	assert.Empty(t, res.ErrorCode)
	assert.False(t, res.SelfScan)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, models.TicketStatusUsed, res.Ticket.Status)
	require.NotNil(t, res.UsedAt)
	assert.True(t, scanTime.Equal(*res.UsedAt))

	stored := f.store.get("t1")
	assert.Equal(t, models.TicketStatusUsed, stored.Status)
	assert.Equal(t, organizer.UserID, stored.ScannedBy)
	assert.False(t, stored.SelfScan)

	assert.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedeemTwiceReportsFirstUsedAt(t *testing.T) {
	f := setup(t, scanTime)
	require.True(t, f.redeem(organizer).Valid)

	engine, err := verify.NewEngine(verify.Dependencies{
		Codec: f.codec,
		Store: f.store,
		Clock: clock.NewFixed(scanTime.Add(time.Hour)),
	})
	require.NoError(t, err)

	for _, scanner := range []auth.Principal{organizer, admin, holder} {
		res := engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: f.payload, Scanner: scanner})
		assert.False(t, res.Valid)
		assert.Equal(t, verify.CodeAlreadyUsed, res.ErrorCode)
		require.NotNil(t, res.UsedAt)
		assert.True(t, scanTime.Equal(*res.UsedAt), "used_at must stay at the first redemption")
		assert.Contains(t, res.Message, scanTime.Format(time.RFC3339))
	}

	stored := f.store.get("t1")
	assert.True(t, scanTime.Equal(*stored.UsedAt))
	assert.Equal(t, organizer.UserID, stored.ScannedBy)
}

func TestRedeemTamperedTag(t *testing.T) {
	f := setup(t, scanTime)

	tampered := []byte(f.payload)
	last := len(tampered) - 1
	if tampered[last] == '0' {
		tampered[last] = '1'
	} else {
		tampered[last] = '0'
	}

	res := f.engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: string(tampered), Scanner: organizer})
	assert.False(t, res.Valid)
	assert.Equal(t, verify.CodeInvalidHash, res.ErrorCode)
	assert.Equal(t, verify.CategorySecurity, res.Category())
	assert.Nil(t, res.Ticket)
	assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status)
	assert.Equal(t, int64(1), f.throttle.failuresFor(organizer.UserID))
	assert.Equal(t, 0, f.notifier.count())
}

func TestRedeemTagBoundToIdentity(t *testing.T) {
	f := setup(t, scanTime)

	// A genuine tag for a different holder must not open t1.
	forged, err := f.codec.Payload("t1", "e1", "u2")
	require.NoError(t, err)
	res := f.engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: forged, Scanner: organizer})
	assert.Equal(t, verify.CodeInvalidHash, res.ErrorCode)

	other, err := codec.New("some-other-secret-value")
	require.NoError(t, err)
	forged, err = other.Payload("t1", "e1", holder.UserID)
	require.NoError(t, err)
	res = f.engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: forged, Scanner: organizer})
	assert.Equal(t, verify.CodeInvalidHash, res.ErrorCode)

	assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status)
}

func TestRedeemConcurrentExactlyOneWinner(t *testing.T) {
	for _, workers := range []int{2, 32} {
		f := setup(t, scanTime)

		results := make([]verify.Result, workers)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				scanner := organizer
				if i%2 == 1 {
					scanner = admin
				}
				results[i] = f.redeem(scanner)
			}(i)
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, res := range results {
			if res.Valid {
				wins++
				continue
			}
			assert.Equal(t, verify.CodeAlreadyUsed, res.ErrorCode)
			require.NotNil(t, res.UsedAt)
		}
		assert.Equal(t, 1, wins, "exactly one of %d scans may win", workers)
	}
}

func TestRedeemLostRaceReportsWinnerState(t *testing.T) {
	f := setup(t, scanTime)
	winnerAt := scanTime.Add(-time.Second)
	f.store.beforeRedeem = func(s *fakeStore, id string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		tk := s.tickets[id]
		tk.Status = models.TicketStatusUsed
		tk.UsedAt = &winnerAt
		tk.ScannedBy = "gate-2"
		s.tickets[id] = tk
	}

	res := f.redeem(organizer)
	assert.False(t, res.Valid)
	assert.Equal(t, verify.CodeAlreadyUsed, res.ErrorCode)
	require.NotNil(t, res.UsedAt)
	assert.True(t, winnerAt.Equal(*res.UsedAt))
	assert.Equal(t, "gate-2", f.store.get("t1").ScannedBy)
	assert.Equal(t, 0, f.notifier.count())
}

func TestRedeemLostRaceToCancellation(t *testing.T) {
	f := setup(t, scanTime)
	f.store.beforeRedeem = func(s *fakeStore, id string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		tk := s.tickets[id]
		tk.Status = models.TicketStatusCancelled
		s.tickets[id] = tk
	}

	res := f.redeem(organizer)
	assert.Equal(t, verify.CodeCancelled, res.ErrorCode)
}

func TestRedeemExpiryGraceWindow(t *testing.T) {
	deadline := eventEnd.Add(verify.DefaultGraceWindow)

	f := setup(t, deadline.Add(time.Second))
	res := f.redeem(organizer)
	assert.Equal(t, verify.CodeExpired, res.ErrorCode)
	assert.Equal(t, verify.CategoryState, res.Category())
	assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status, "expiry check must not write")

	f = setup(t, deadline)
	assert.True(t, f.redeem(organizer).Valid, "the deadline instant itself is still scannable")

	f = setup(t, eventEnd.Add(2*time.Hour))
	assert.True(t, f.redeem(organizer).Valid, "within the grace window after the event ends")
}

func TestRedeemCustomGraceWindow(t *testing.T) {
	f := setup(t, scanTime)
	engine, err := verify.NewEngine(verify.Dependencies{
		Codec:       f.codec,
		Store:       f.store,
		Clock:       clock.NewFixed(eventEnd.Add(2 * time.Hour)),
		GraceWindow: time.Hour,
	})
	require.NoError(t, err)

	res := engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: f.payload, Scanner: organizer})
	assert.Equal(t, verify.CodeExpired, res.ErrorCode)
}

func TestRedeemTerminalStatuses(t *testing.T) {
	cancelledAt := scanTime.Add(-time.Hour)
	cases := []struct {
		status models.TicketStatus
		code   verify.ErrorCode
	}{
		{models.TicketStatusCancelled, verify.CodeCancelled},
		{models.TicketStatusExpired, verify.CodeExpired},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			f := setup(t, scanTime)
			tk := f.store.get("t1")
			tk.Status = tc.status
			tk.CancelledAt = &cancelledAt
			tk.CancelReason = "refunded"
			f.store.put(tk)

			res := f.redeem(organizer)
			assert.False(t, res.Valid)
			assert.Equal(t, tc.code, res.ErrorCode)
			require.NotNil(t, res.Ticket)
			assert.Equal(t, tc.status, f.store.get("t1").Status)
		})
	}

	f := setup(t, scanTime)
	tk := f.store.get("t1")
	tk.Status = models.TicketStatusCancelled
	tk.CancelReason = "refunded"
	f.store.put(tk)
	assert.Contains(t, f.redeem(organizer).Message, "refunded")
}

func TestRedeemSelfScan(t *testing.T) {
	f := setup(t, scanTime)

	res := f.redeem(holder)
	require.True(t, res.Valid, res.Message)
	assert.True(t, res.SelfScan)
	assert.True(t, f.store.get("t1").SelfScan)
	assert.Equal(t, holder.UserID, f.store.get("t1").ScannedBy)
}

func TestRedeemHolderWithAdminRoleIsNotSelfScan(t *testing.T) {
	f := setup(t, scanTime)

	res := f.redeem(auth.Principal{UserID: holder.UserID, Roles: []string{auth.RoleAdmin}})
	require.True(t, res.Valid)
	assert.False(t, res.SelfScan)
}

func TestRedeemUnauthorizedScanner(t *testing.T) {
	f := setup(t, scanTime)

	res := f.redeem(stranger)
	assert.False(t, res.Valid)
	assert.Equal(t, verify.CodeUnauthorized, res.ErrorCode)
	assert.Nil(t, res.Ticket)
	assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status)
	assert.Equal(t, int64(1), f.throttle.failuresFor(stranger.UserID))

	res = f.redeem(auth.Principal{})
	assert.Equal(t, verify.CodeUnauthorized, res.ErrorCode)
}

func TestRedeemThrottledScannerSkipsLookup(t *testing.T) {
	f := setup(t, scanTime)
	f.throttle.blocked[organizer.UserID] = true

	res := f.redeem(organizer)
	assert.Equal(t, verify.CodeUnauthorized, res.ErrorCode)
	assert.Equal(t, 0, f.store.lookups)
}

func TestRedeemInvalidFormat(t *testing.T) {
	f := setup(t, scanTime)
	tag := f.codec.ComputeTag("t1", "e1", holder.UserID)

	cases := map[string]verify.RedeemRequest{
		"empty request":   {},
		"two segments":    {QRPayload: "ENX-t1"},
		"four segments":   {QRPayload: "ENX-t1-x-" + tag},
		"wrong prefix":    {QRPayload: "ABC-t1-" + tag},
		"empty id":        {QRPayload: "ENX--" + tag},
		"empty tag":       {QRPayload: "ENX-t1-"},
		"garbage":         {QRPayload: "https://example.com/ticket"},
		"id mismatch":     {TicketID: "t2", QRPayload: f.payload},
		"whitespace only": {TicketID: "  ", QRPayload: " "},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			req.Scanner = organizer
			res := f.engine.Redeem(context.Background(), req)
			assert.False(t, res.Valid)
			assert.Equal(t, verify.CodeInvalidFormat, res.ErrorCode)
			assert.Equal(t, verify.CategoryInput, res.Category())
		})
	}
	assert.Equal(t, 0, f.store.lookups)
	assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status)
}

func TestRedeemTicketNotFound(t *testing.T) {
	f := setup(t, scanTime)
	payload, err := f.codec.Payload("missing", "e1", holder.UserID)
	require.NoError(t, err)

	res := f.engine.Redeem(context.Background(), verify.RedeemRequest{QRPayload: payload, Scanner: organizer})
	assert.Equal(t, verify.CodeTicketNotFound, res.ErrorCode)
}

func TestRedeemMatchingTicketIDAndPayload(t *testing.T) {
	f := setup(t, scanTime)

	res := f.engine.Redeem(context.Background(), verify.RedeemRequest{TicketID: "t1", QRPayload: f.payload, Scanner: organizer})
	assert.True(t, res.Valid)
}

func TestRedeemByTicketIDOnly(t *testing.T) {
	f := setup(t, scanTime)
	res := f.engine.Redeem(context.Background(), verify.RedeemRequest{TicketID: "t1", Scanner: holder})
	assert.Equal(t, verify.CodeUnauthorized, res.ErrorCode, "holders need the QR code")
	assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status)

	res = f.engine.Redeem(context.Background(), verify.RedeemRequest{TicketID: "t1", Scanner: stranger})
	assert.Equal(t, verify.CodeUnauthorized, res.ErrorCode)

	res = f.engine.Redeem(context.Background(), verify.RedeemRequest{TicketID: "t1", Scanner: organizer})
	assert.True(t, res.Valid, res.Message)

	f = setup(t, scanTime)
	res = f.engine.Redeem(context.Background(), verify.RedeemRequest{TicketID: "t1", Scanner: admin})
	assert.True(t, res.Valid, res.Message)
}

func TestRedeemInfrastructureFailures(t *testing.T) {
	t.Run("lookup error", func(t *testing.T) {
		f := setup(t, scanTime)
		f.store.lookupErr = errors.New("connection refused")
		res := f.redeem(organizer)
		assert.Equal(t, verify.CodeDatabaseError, res.ErrorCode)
		assert.True(t, res.ErrorCode.Retryable())
	})

	t.Run("redeem error", func(t *testing.T) {
		f := setup(t, scanTime)
		f.store.redeemErr = errors.New("deadlock detected")
		res := f.redeem(organizer)
		assert.Equal(t, verify.CodeDatabaseError, res.ErrorCode)
		assert.False(t, res.Valid)
		assert.Equal(t, models.TicketStatusValid, f.store.get("t1").Status)
	})

	t.Run("timeout", func(t *testing.T) {
		f := setup(t, scanTime)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := f.engine.Redeem(ctx, verify.RedeemRequest{QRPayload: f.payload, Scanner: organizer})
		assert.Equal(t, verify.CodeSystemError, res.ErrorCode)
		assert.False(t, res.Valid)
	})

	t.Run("missing event", func(t *testing.T) {
		f := setup(t, scanTime)
		delete(f.store.events, "e1")
		res := f.redeem(organizer)
		assert.Equal(t, verify.CodeDatabaseError, res.ErrorCode)
	})
}

func TestRedeemNotifyFailureKeepsRedemption(t *testing.T) {
	f := setup(t, scanTime)
	f.notifier.err = errors.New("broker down")

	res := f.redeem(organizer)
	assert.True(t, res.Valid)
	f.engine.Wait()
	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.TicketStatusUsed, f.store.get("t1").Status)
}

func TestResultsNeverContainSecret(t *testing.T) {
	f := setup(t, scanTime)
	requests := []verify.RedeemRequest{
		{QRPayload: "ENX-t1-000000000000", Scanner: organizer},
		{QRPayload: "bad", Scanner: organizer},
		{QRPayload: f.payload, Scanner: stranger},
		{QRPayload: f.payload, Scanner: organizer},
		{QRPayload: f.payload, Scanner: organizer},
	}
	for _, req := range requests {
		res := f.engine.Redeem(context.Background(), req)
		assert.NotContains(t, res.Message, testSecret)
	}
}

func TestErrorCodeCategories(t *testing.T) {
	want := map[verify.ErrorCode]verify.Category{
		verify.CodeInvalidFormat:  verify.CategoryInput,
		verify.CodeTicketNotFound: verify.CategoryInput,
		verify.CodeUnauthorized:   verify.CategorySecurity,
		verify.CodeInvalidHash:    verify.CategorySecurity,
		verify.CodeCancelled:      verify.CategoryState,
		verify.CodeAlreadyUsed:    verify.CategoryState,
		verify.CodeExpired:        verify.CategoryState,
		verify.CodeDatabaseError:  verify.CategoryInfrastructure,
		verify.CodeSystemError:    verify.CategoryInfrastructure,
	}
	require.Len(t, verify.Codes, len(want))
	for _, code := range verify.Codes {
		assert.Equal(t, want[code], code.Category(), string(code))
	}
	assert.Equal(t, verify.CategorySuccess, verify.ErrorCode("").Category())
}

func TestResultTicketHidesPayloadFromNonHolders(t *testing.T) {
	f := setup(t, scanTime)

	res := f.redeem(organizer)
	require.True(t, res.Valid, res.Message)
	require.NotNil(t, res.Ticket)
	assert.Empty(t, res.Ticket.QRPayload)

	again := f.redeem(organizer)
	require.Equal(t, verify.CodeAlreadyUsed, again.ErrorCode)
	require.NotNil(t, again.Ticket)
	assert.Empty(t, again.Ticket.QRPayload)
	assert.Equal(t, f.payload, f.store.get("t1").QRPayload)

	self := setup(t, scanTime)
	res = self.redeem(holder)
	require.True(t, res.Valid, res.Message)
	assert.Equal(t, self.payload, res.Ticket.QRPayload)
}
