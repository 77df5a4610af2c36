package spattach

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies failures so callers can tell per-candidate failures
// from terminal ones without string matching
type ErrorKind string

const (
	KindInsufficientContext ErrorKind = "insufficient_context"
	KindTokenAcquisition    ErrorKind = "token_acquisition"
	KindHTTPStatus          ErrorKind = "http_status"
	KindTransientExhausted  ErrorKind = "transient_exhausted"
	KindNormalization       ErrorKind = "normalization"
	KindAllCandidatesFailed ErrorKind = "all_candidates_failed"
	KindCanceled            ErrorKind = "canceled"
	KindUnknown             ErrorKind = "unknown"
)

// InsufficientContextError means the caller's [OperationContext] cannot be routed.
// No network call is made when this is returned.
type InsufficientContextError struct {
	Operation Operation
	Missing   []string
}

func (e *InsufficientContextError) Error() string {
	return fmt.Sprintf("insufficient context for %s: missing %s", e.Operation, strings.Join(e.Missing, ", "))
}

// TokenAcquisitionError means no form digest could be obtained for BaseURL
type TokenAcquisitionError struct {
	BaseURL string
	Status  int // 0 when no response was received
	Err     error
}

func (e *TokenAcquisitionError) Error() string {
	msg := "token acquisition failed for " + e.BaseURL
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }

// HTTPStatusError is a completed request the server rejected with a
// non-retryable status
type HTTPStatusError struct {
	Status int
	Method Method
	URL    string
	Body   string // leading bytes of the response body, for diagnostics
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// TransientFailureExhausted means 429/503 responses or network failures
// outlasted the retry budget for one request
type TransientFailureExhausted struct {
	Method     Method
	URL        string
	Attempts   int
	LastStatus int   // 0 if the last attempt got no response
	Err        error // last network error, if any
}

func (e *TransientFailureExhausted) Error() string {
	msg := fmt.Sprintf("%s %s: gave up after %d attempts", e.Method, e.URL, e.Attempts)
	if e.LastStatus != 0 {
		msg += fmt.Sprintf(" (last HTTP %d)", e.LastStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientFailureExhausted) Unwrap() error { return e.Err }

// NormalizationError means a successful body matched no known response shape,
// which usually means the endpoint shape is wrong for this deployment
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return "unrecognized response: " + e.Reason + ": " + e.Err.Error()
	}
	return "unrecognized response: " + e.Reason
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// AllCandidatesFailed is the terminal failure of a list or delete operation.
// Attempts counts descriptors tried; LastError is the most recent failure.
type AllCandidatesFailed struct {
	Operation Operation
	Attempts  int
	LastError error
}

func (e *AllCandidatesFailed) Error() string {
	return fmt.Sprintf("%s: all endpoint candidates failed after %d attempts: %v", e.Operation, e.Attempts, e.LastError)
}

func (e *AllCandidatesFailed) Unwrap() error { return e.LastError }

// Recoverable reports whether err only rules out the current endpoint candidate
// and the next one should be tried
func Recoverable(err error) bool {
	var (
		statusErr    *HTTPStatusError
		transientErr *TransientFailureExhausted
		normErr      *NormalizationError
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.As(err, &statusErr) || errors.As(err, &transientErr) || errors.As(err, &normErr)
}

// KindOf maps err to its [ErrorKind]. The outermost known kind wins.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		ctxErr       *InsufficientContextError
		tokenErr     *TokenAcquisitionError
		allErr       *AllCandidatesFailed
		statusErr    *HTTPStatusError
		transientErr *TransientFailureExhausted
		normErr      *NormalizationError
	)
	switch {
	case errors.As(err, &ctxErr):
		return KindInsufficientContext
	case errors.As(err, &allErr):
		return KindAllCandidatesFailed
	case errors.As(err, &tokenErr):
		return KindTokenAcquisition
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &transientErr):
		return KindTransientExhausted
	case errors.As(err, &normErr):
		return KindNormalization
	}
	return KindUnknown
}

// StatusOf returns the most specific HTTP status carried anywhere in err's chain, or 0
func StatusOf(err error) int {
	var (
		statusErr    *HTTPStatusError
		transientErr *TransientFailureExhausted
		tokenErr     *TokenAcquisitionError
	)
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Status
	case errors.As(err, &transientErr):
		return transientErr.LastStatus
	case errors.As(err, &tokenErr):
		return tokenErr.Status
	}
	return 0
}

// IsNotFound reports whether the server answered 404 for the failing request.
// Callers deleting an attachment can treat this as "already absent".
func IsNotFound(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound
}
