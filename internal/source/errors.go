package source

import (
	"errors"
	"fmt"
	"time"
)

// The error taxonomy the crawl engine dispatches on. Each platform failure
// is classified at the client edge so the orchestrator can decide scope:
// throttles back off, auth failures abort the run, forbidden sources are
// skipped whole, transient and malformed failures skip the single item.

// ThrottleError reports a rate-limit rejection from the platform.
type ThrottleError struct {
	// RetryAfter is the server's wait hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled by platform (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("throttled by platform: %v", e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials. Credentials are assumed invalid
// for the whole run.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication rejected: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ForbiddenError reports a private, banned or missing source.
type ForbiddenError struct {
	Source string
	Err    error
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("source %q not accessible: %v", e.Source, e.Err)
}
func (e *ForbiddenError) Unwrap() error { return e.Err }

// TransientError reports a network-layer failure worth a short retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient platform error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError reports a response that could not be decoded into an item.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return fmt.Sprintf("malformed platform response: %v", e.Err) }
func (e *MalformedError) Unwrap() error { return e.Err }

// IsThrottle reports whether err is a throttle signal and returns the server
// hint when present.
func IsThrottle(err error) (time.Duration, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
