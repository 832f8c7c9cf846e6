package reputation

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of failure categories a check can end in.
type Kind int

const (
	KindConfigInvalid Kind = iota + 1
	KindAuthenticationFailed
	KindRateLimited
	KindTimeout
	KindConnectionFailed
	KindValidation
	KindUnexpected
)

var kindNames = map[Kind]string{
	KindConfigInvalid:        "config_invalid",
	KindAuthenticationFailed: "authentication_failed",
	KindRateLimited:          "rate_limited",
	KindTimeout:              "timeout",
	KindConnectionFailed:     "connection_failed",
	KindValidation:           "validation",
	KindUnexpected:           "unexpected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is returned by every failing client call.
type Error struct {
	Kind       Kind
	IP         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.IP != "" {
		return fmt.Sprintf("reputation %s for %s: %s", e.Kind, e.IP, msg)
	}
	return fmt.Sprintf("reputation %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the current batch must stop.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindAuthenticationFailed, KindRateLimited, KindConfigInvalid:
		return true
	}
	return false
}

// Retryable reports whether the same host may succeed on a later cycle.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionFailed, KindUnexpected:
		return true
	}
	return false
}

// KindOf extracts the kind from err.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err should abort a batch.
func IsFatal(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Fatal()
}

// IsRetryable reports whether the host should be checked again next batch.
func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable()
}
