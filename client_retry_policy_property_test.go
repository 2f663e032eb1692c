package client

import (
	"context"
	"net/http"
	"testing"

	"pgregory.net/rapid"
)

var nonRetryableStatuses = []int{400, 401, 403, 404, 405, 409, 412, 413, 423, StatusRetryWith}

// unrelatedSubStatuses never match a special-cased sub-status.
var unrelatedSubStatuses = []SubStatusCode{SubStatusNone, 1, 5, 1001, 1008, 2001}

func TestClientRetryPolicyProperty_SuccessNeverRetries(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.IntRange(200, 399).Draw(rt, "status")
		isWrite := rapid.Bool().Draw(rt, "write")

		policy := newTestPolicy(newFakeEndpointManager(t, eastUS, westUS))
		req := readRequest()
		if isWrite {
			req = writeRequest()
		}
		policy.BeforeSendRequest(context.Background(), req)

		if policy.ShouldRetry(context.Background(), responseOutcome(status, SubStatusNone)).Retry {
			rt.Fatalf("status %d must not be retried", status)
		}

		if policy.FailoverRetryCount()+policy.SessionTokenRetryCount()+
			policy.ServiceUnavailableRetryCount()+policy.ConnectionRetryCount() != 0 {
			rt.Fatalf("status %d changed counters", status)
		}
	})
}

func TestClientRetryPolicyProperty_NonRetryableReads(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.SampledFrom(nonRetryableStatuses).Draw(rt, "status")
		subStatus := rapid.SampledFrom(unrelatedSubStatuses).Draw(rt, "subStatus")
		multiWrite := rapid.Bool().Draw(rt, "multiWrite")

		em := newFakeEndpointManager(t, eastUS, westUS)
		em.multiWrite = multiWrite
		policy := newTestPolicy(em)
		policy.BeforeSendRequest(context.Background(), readRequest())

		if policy.ShouldRetry(context.Background(), responseOutcome(status, subStatus)).Retry {
			rt.Fatalf("read with status %d/%d must not be retried", status, subStatus)
		}
	})
}

func TestClientRetryPolicyProperty_UnclassifiedServerErrors(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.IntRange(500, 599).Filter(func(s int) bool {
			return s != http.StatusServiceUnavailable
		}).Draw(rt, "status")
		multiWrite := rapid.Bool().Draw(rt, "multiWrite")

		em := newFakeEndpointManager(t, eastUS, westUS, euWest)
		em.multiWrite = multiWrite

		read := newTestPolicy(em)
		read.BeforeSendRequest(context.Background(), readRequest())
		if !read.ShouldRetry(context.Background(), responseOutcome(status, SubStatusNone)).Retry {
			rt.Fatalf("read with status %d must be retried", status)
		}
		if read.ServiceUnavailableRetryCount() != 1 {
			rt.Fatalf("expected one service unavailable retry, got %d", read.ServiceUnavailableRetryCount())
		}

		write := newTestPolicy(em)
		write.BeforeSendRequest(context.Background(), writeRequest())
		if write.ShouldRetry(context.Background(), responseOutcome(status, SubStatusNone)).Retry {
			rt.Fatalf("write with status %d must not be retried", status)
		}
	})
}

func TestClientRetryPolicyProperty_ExhaustionIsSticky(t *testing.T) {
	t.Parallel()

	endpoints := []string{eastUS, westUS, euWest, "https://account-northeurope.example.com", "https://account-japaneast.example.com"}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, len(endpoints)).Draw(rt, "endpoints")
		extra := rapid.IntRange(1, 10).Draw(rt, "extra")
		outcome := rapid.SampledFrom([]Outcome{
			responseOutcome(http.StatusServiceUnavailable, SubStatusNone),
			responseOutcome(http.StatusNotFound, SubStatusReadSessionNotAvailable),
			responseOutcome(http.StatusGone, SubStatusLeaseNotFound),
		}).Draw(rt, "outcome")

		em := newFakeEndpointManager(t, endpoints[:n]...)
		em.multiWrite = true
		policy := newTestPolicy(em)
		req := readRequest()

		retries := 0
		for {
			policy.BeforeSendRequest(context.Background(), req)
			decision := policy.ShouldRetry(context.Background(), outcome)
			if !decision.Retry {
				break
			}
			if decision.After != 0 {
				rt.Fatalf("expected zero delay, got %v", decision.After)
			}
			retries++
			if retries > n {
				rt.Fatalf("more than %d retries granted", n)
			}
		}

		if retries != n {
			rt.Fatalf("expected %d retries, got %d", n, retries)
		}

		for i := 0; i < extra; i++ {
			policy.BeforeSendRequest(context.Background(), req)
			if policy.ShouldRetry(context.Background(), outcome).Retry {
				rt.Fatalf("retry granted after exhaustion")
			}
		}
	})
}

func TestClientRetryPolicyProperty_ConnectionFailureBudget(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		failures := rapid.IntRange(1, 20).Draw(rt, "failures")
		isWrite := rapid.Bool().Draw(rt, "write")

		em := newFakeEndpointManager(t, eastUS, westUS)
		policy := newTestPolicy(em)
		req := readRequest()
		if isWrite {
			req = writeRequest()
		}

		notSent := &Error{Kind: ErrorKindIO, Sent: RequestNotSent}
		for i := 1; i <= failures; i++ {
			policy.BeforeSendRequest(context.Background(), req)
			decision := policy.ShouldRetry(context.Background(), Outcome{Err: notSent})
			if !decision.Retry {
				rt.Fatalf("connection failure %d must be retried", i)
			}

			// Every fourth failure on an endpoint fails over immediately.
			want := retryInterval
			if i%(maxRetryCountOnConnectionFailure+1) == 0 {
				want = 0
			}
			if decision.After != want {
				rt.Fatalf("failure %d: expected delay %v, got %v", i, want, decision.After)
			}
		}

		if got, want := len(em.markedRead), failures/(maxRetryCountOnConnectionFailure+1); got != want {
			rt.Fatalf("expected %d endpoints marked, got %d", want, got)
		}
	})
}
