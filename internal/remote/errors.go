package remote

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a remote failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeNetwork
	CodeServiceUnavailable
	CodeRateLimited
	CodeQuotaExceeded
	CodeNotAuthenticated
	CodeChangeTokenExpired
	CodeZoneNotFound
	CodeServerRecordChanged
	CodeLimitExceeded
	CodeUnknownItem
)

var codeNames = map[Code]string{
	CodeUnknown:             "unknown",
	CodeNetwork:             "network",
	CodeServiceUnavailable:  "serviceUnavailable",
	CodeRateLimited:         "rateLimited",
	CodeQuotaExceeded:       "quotaExceeded",
	CodeNotAuthenticated:    "notAuthenticated",
	CodeChangeTokenExpired:  "changeTokenExpired",
	CodeZoneNotFound:        "zoneNotFound",
	CodeServerRecordChanged: "serverRecordChanged",
	CodeLimitExceeded:       "limitExceeded",
	CodeUnknownItem:         "unknownItem",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a classified remote failure.
type Error struct {
	Code Code

	// RetryAfter is the server's requested delay, if any.
	RetryAfter time.Duration

	Err error
}

// NewError returns an *Error with the given code wrapping err. err may be nil.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "remote: " + e.Code.String()
	}
	return fmt.Sprintf("remote: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, &remote.Error{Code: remote.CodeZoneNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is a transient transport failure worth
// retrying after a delay.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeServiceUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// retryAfter returns the server-requested delay carried by err, or zero.
func retryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
