package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"portalsync/internal/domain"
)

// Kind is the adapter-level failure class.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
)

// Error is the classified error every adapter returns.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("portal %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("portal %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// JobKind maps the adapter kind onto the job error taxonomy.
func (e *Error) JobKind() domain.ErrorKind {
	switch e.Kind {
	case KindAuth:
		return domain.KindAuthRequired
	case KindValidation:
		return domain.KindValidationFailed
	case KindRateLimited:
		return domain.KindRateLimited
	case KindTransient:
		return domain.KindTransient
	}
	return domain.KindPermanent
}

// ClassifyStatus maps an HTTP response status to an Error kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	}
	return KindPermanent
}

// FromResponse builds an Error for a non-2xx response.
func FromResponse(resp *http.Response, msg string) *Error {
	e := &Error{
		Kind:       ClassifyStatus(resp.StatusCode),
		Message:    msg,
		StatusCode: resp.StatusCode,
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// Classify normalizes any adapter error: classified errors pass through,
// deadlines and network failures become transient, everything else permanent.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: "portal call timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Message: "portal call cancelled", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Kind: KindTransient, Message: ne.Error(), Err: err}
	}
	return &Error{Kind: KindPermanent, Message: err.Error(), Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
