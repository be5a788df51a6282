package outbox

import (
	"time"

	"github.com/matheus3301/relay/internal/store"
)

// maxShift caps the exponent so base<<n cannot overflow time.Duration.
const maxShift = 20

// Backoff returns the wait before the next attempt of a message that has
// failed retryCount times: min(base * 2^retryCount, max).
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	shift := min(retryCount, maxShift)
	return min(base*time.Duration(1<<shift), max)
}

// NextEligibleAt returns when msg may next be attempted. A message that was
// never attempted is eligible immediately.
func (c Config) NextEligibleAt(msg *store.Message) time.Time {
	if msg.LastRetryAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(msg.LastRetryAt).Add(Backoff(c.BaseDelay, c.MaxDelay, msg.RetryCount))
}

// Exhausted reports whether automatic retries stopped for msg.
func (c Config) Exhausted(msg *store.Message) bool {
	return msg.RetryCount >= c.MaxAttempts
}
