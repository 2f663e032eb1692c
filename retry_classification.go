package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Status codes specific to the store.
const (
	StatusRetryWith = 449
)

// isNonRetryableStatus reports status codes that describe a caller error. Retrying
// them against another region cannot change the outcome.
func isNonRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusPreconditionFailed,
		http.StatusRequestEntityTooLarge,
		http.StatusLocked,
		StatusRetryWith:
		return true
	default:
		return false
	}
}

// isRetryableReadStatus reports whether a failed read may be retried on another
// endpoint. 429 is left to the throttling policy.
func isRetryableReadStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests || isNonRetryableStatus(statusCode) {
		return false
	}

	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusGone ||
		statusCode >= http.StatusInternalServerError
}

// newTransportError classifies an error returned by the HTTP transport.
// Dial and DNS failures happen before any byte is written, so the request was not sent.
// Context cancellation and deadline expiry are never treated as I/O failures.
func newTransportError(err error) *Error {
	if clientErr := asClientError(err); clientErr != nil {
		return clientErr
	}

	return &Error{
		Kind: transportErrorKind(err),
		Sent: transportSentStatus(err),
		Err:  err,
	}
}

func transportSentStatus(err error) RequestSentStatus {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RequestSentUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return RequestNotSent
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return RequestNotSent
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return RequestNotSent
	}

	return RequestSentUnknown
}

func transportErrorKind(err error) ErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindOther
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrorKindIO
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindIO
	}

	return ErrorKindOther
}

// requestSentStatus returns the sent status recorded on err, or derives it.
func requestSentStatus(err error) RequestSentStatus {
	if clientErr := asClientError(err); clientErr != nil {
		return clientErr.Sent
	}
	return transportSentStatus(err)
}

func errorKind(err error) ErrorKind {
	if clientErr := asClientError(err); clientErr != nil {
		return clientErr.Kind
	}
	return transportErrorKind(err)
}

// statusFromError extracts the HTTP status and sub-status carried by err, if any.
func statusFromError(err error) (int, SubStatusCode, bool) {
	if clientErr := asClientError(err); clientErr != nil && clientErr.StatusCode != 0 {
		return clientErr.StatusCode, clientErr.SubStatus, true
	}
	return 0, SubStatusNone, false
}
