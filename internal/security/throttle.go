package security

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"enx-ticketing/internal/logger"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "scan_security:"

// ScanThrottle counts failed security checks (bad hash, unauthorized scan)
// per scanner in Redis and blocks scanners that exceed the limit within the
// window. Redis errors never block a scan.
type ScanThrottle struct {
	Client *redis.Client
	Logger *logger.Logger
	Limit  int
	Window time.Duration
}

func NewScanThrottle(client *redis.Client, log *logger.Logger, limit int, window time.Duration) *ScanThrottle {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ScanThrottle{Client: client, Logger: log, Limit: limit, Window: window}
}

func key(scannerID string) string {
	return keyPrefix + scannerID
}

// Blocked reports whether scannerID has reached the failure limit.
func (t *ScanThrottle) Blocked(ctx context.Context, scannerID string) bool {
	if t == nil || t.Client == nil || scannerID == "" {
		return false
	}

	val, err := t.Client.Get(ctx, key(scannerID)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		t.Logger.Warn("REDIS", fmt.Sprintf("Throttle lookup failed for scanner %s: %v", scannerID, err))
		return false
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return false
	}
	return count >= t.Limit
}

// recordFailureScript increments the counter and starts the window in one
// step, so a counter can never be left without an expiry.
var recordFailureScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RecordFailure bumps the scanner's failure counter, starting the window on
// the first failure. Returns the current count.
func (t *ScanThrottle) RecordFailure(ctx context.Context, scannerID string) int64 {
	if t == nil || t.Client == nil || scannerID == "" {
		return 0
	}

	count, err := recordFailureScript.Run(ctx, t.Client, []string{key(scannerID)}, t.Window.Milliseconds()).Int64()
	if err != nil {
		t.Logger.Warn("REDIS", fmt.Sprintf("Failed to record security failure for scanner %s: %v", scannerID, err))
		return 0
	}
	if count == int64(t.Limit) {
		t.Logger.LogSecurity("SCANNER_BLOCKED", fmt.Sprintf("scanner %s reached %d failed checks", scannerID, count))
	}
	return count
}

// Reset clears the scanner's counter.
func (t *ScanThrottle) Reset(ctx context.Context, scannerID string) error {
	if t == nil || t.Client == nil {
		return nil
	}
	return t.Client.Del(ctx, key(scannerID)).Err()
}
