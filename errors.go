package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies the failure behind an Error.
type ErrorKind int

const (
	// ErrorKindOther covers failures that are neither I/O nor an HTTP status.
	ErrorKindOther ErrorKind = iota
	// ErrorKindIO is a network failure while talking to an endpoint.
	ErrorKindIO
	// ErrorKindHTTPResponse is a completed exchange with a non-success status code.
	ErrorKindHTTPResponse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindIO:
		return "io"
	case ErrorKindHTTPResponse:
		return "http_response"
	default:
		return "other"
	}
}

// RequestSentStatus tells whether a failed request reached the server.
type RequestSentStatus int

const (
	RequestSentUnknown RequestSentStatus = iota
	RequestNotSent
	RequestSent
)

func (s RequestSentStatus) String() string {
	switch s {
	case RequestNotSent:
		return "not_sent"
	case RequestSent:
		return "sent"
	default:
		return "unknown"
	}
}

// Error is returned by Client.Do for transport failures and non-success responses.
type Error struct {
	Kind       ErrorKind
	Sent       RequestSentStatus
	StatusCode int
	SubStatus  SubStatusCode
	Header     http.Header
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == ErrorKindHTTPResponse {
		if e.SubStatus != SubStatusNone {
			return fmt.Sprintf("request failed with status code %d (substatus %d): %s", e.StatusCode, e.SubStatus, e.Message)
		}
		return fmt.Sprintf("request failed with status code %d: %s", e.StatusCode, e.Message)
	}

	if e.Err != nil {
		return fmt.Sprintf("request failed (%s, %s): %v", e.Kind, e.Sent, e.Err)
	}

	return fmt.Sprintf("request failed (%s, %s)", e.Kind, e.Sent)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newStatusError wraps a non-success response. The response was, by definition, sent.
func newStatusError(resp *Response) *Error {
	return &Error{
		Kind:       ErrorKindHTTPResponse,
		Sent:       RequestSent,
		StatusCode: resp.StatusCode,
		SubStatus:  resp.SubStatus,
		Header:     resp.Header,
		Message:    getBodyErrorMessage(resp.Body),
	}
}

func asClientError(err error) *Error {
	var clientErr *Error
	if errors.As(err, &clientErr) {
		return clientErr
	}
	return nil
}
