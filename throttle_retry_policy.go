package client

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxThrottleRetryCount = 5
	defaultThrottleBackoff       = 200 * time.Millisecond
	defaultMaxThrottleWaitTime   = 10 * time.Second
)

// ResourceThrottleRetryPolicy retries 429 responses with a bounded number of attempts
// and a bounded cumulative wait. It honours the server's retry-after hint and falls
// back to exponential backoff without jitter.
//
// Like ClientRetryPolicy, an instance belongs to a single logical operation.
type ResourceThrottleRetryPolicy struct {
	maxAttemptCount      int
	maxWaitTime          time.Duration
	backoff              *backoff.ExponentialBackOff
	clock                clock.Clock
	currentAttemptCount  int
	cumulativeRetryDelay time.Duration
}

// NewResourceThrottleRetryPolicy creates a throttling policy. A negative attempt count
// and non-positive durations fall back to 5 attempts, 200ms starting backoff and 10s
// maximum cumulative wait. Zero attempts disables throttle retries. clk resolves
// HTTP-date retry hints; nil means the wall clock.
func NewResourceThrottleRetryPolicy(maxAttemptCount int, startingBackoff, maxWaitTime time.Duration, clk clock.Clock) *ResourceThrottleRetryPolicy {
	if maxAttemptCount < 0 {
		maxAttemptCount = defaultMaxThrottleRetryCount
	}

	if startingBackoff <= 0 {
		startingBackoff = defaultThrottleBackoff
	}

	if maxWaitTime <= 0 {
		maxWaitTime = defaultMaxThrottleWaitTime
	}

	if clk == nil {
		clk = clock.NewClock()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = startingBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxWaitTime
	b.MaxElapsedTime = 0
	b.Reset()

	return &ResourceThrottleRetryPolicy{
		maxAttemptCount: maxAttemptCount,
		maxWaitTime:     maxWaitTime,
		backoff:         b,
		clock:           clk,
	}
}

// ShouldRetryResponse decides whether a response should be retried after throttling.
func (p *ResourceThrottleRetryPolicy) ShouldRetryResponse(resp *Response) RetryDecision {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return DoNotRetry()
	}
	return p.shouldRetry(resp.Header)
}

// ShouldRetryError decides whether an error should be retried after throttling.
func (p *ResourceThrottleRetryPolicy) ShouldRetryError(err error) RetryDecision {
	statusCode, _, ok := statusFromError(err)
	if !ok || statusCode != http.StatusTooManyRequests {
		return DoNotRetry()
	}

	var header http.Header
	if clientErr := asClientError(err); clientErr != nil {
		header = clientErr.Header
	}

	return p.shouldRetry(header)
}

// AttemptCount returns the number of throttling retries granted so far.
func (p *ResourceThrottleRetryPolicy) AttemptCount() int {
	return p.currentAttemptCount
}

func (p *ResourceThrottleRetryPolicy) shouldRetry(header http.Header) RetryDecision {
	if p.currentAttemptCount >= p.maxAttemptCount {
		return DoNotRetry()
	}

	delay, ok := parseRetryAfterHeader(header, p.clock.Now())
	if !ok {
		delay = p.backoff.NextBackOff()
	}

	if delay >= p.maxWaitTime || p.cumulativeRetryDelay+delay > p.maxWaitTime {
		return DoNotRetry()
	}

	p.cumulativeRetryDelay += delay
	p.currentAttemptCount++

	return RetryAfter(delay)
}

// parseRetryAfterHeader extracts the server's retry hint. The store's millisecond header
// wins over the standard Retry-After header. HTTP-dates are measured from now.
func parseRetryAfterHeader(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}

	if ms := strings.TrimSpace(header.Get(HeaderRetryAfterMs)); ms != "" {
		if millis, err := strconv.Atoi(ms); err == nil && millis >= 0 {
			return time.Duration(millis) * time.Millisecond, true
		}
	}

	retryAfter := header.Get("Retry-After")
	if retryAfter == "" {
		return 0, false
	}

	// Try parsing as seconds first
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}

	return 0, false
}
