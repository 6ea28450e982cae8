package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ObserveRedemption("VALID", "success", 3*time.Millisecond)
	r.ObserveRedemption("ALREADY_USED", "state", time.Millisecond)
	r.ObserveRedemption("ALREADY_USED", "state", time.Millisecond)
	r.TicketsIssued(4)
	r.TicketsIssued(0)
	r.TicketsExpired(2)
	r.TicketCancelled()
	r.NotifyFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.redemptions.WithLabelValues("VALID", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.redemptions.WithLabelValues("ALREADY_USED", "state")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.issued))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cancelled))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifyFailures))
	assert.Equal(t, 2, testutil.CollectAndCount(r.redemptionDuration))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveRedemption("VALID", "success", time.Millisecond)
		r.TicketsIssued(1)
		r.TicketsExpired(1)
		r.TicketCancelled()
		r.NotifyFailed()
	})
}
