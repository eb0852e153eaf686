// internal/apperr/errors.go
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Classification codes recorded on dead letters.
const (
	CodeAuth       = "auth"
	CodeSourceAPI  = "source_api"
	CodeStore      = "store"
	CodeValidation = "validation"
)

// AuthError is a credential resolution or refresh failure. Refresh failures
// are not a systemic outage, so they default to non-transient.
type AuthError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SourceAPIError is a normalized origin-API failure carrying the HTTP status
// and the rate-limit / transient classification.
type SourceAPIError struct {
	StatusCode  int
	Message     string
	RateLimited bool
	Transient   bool
	// RateLimitReset is the epoch the origin said the quota renews at; zero
	// when the failure is not a rate-limit.
	RateLimitReset time.Time
}

func (e *SourceAPIError) Error() string {
	return fmt.Sprintf("source api: status %d: %s", e.StatusCode, e.Message)
}

// StoreError is a blob backend or database failure. These are generally
// outages rather than bad input, so they classify transient.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError marks a malformed message. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %s", e.Reason) }

// IsTransient reports whether retrying the failed operation later could
// plausibly succeed.
func IsTransient(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Transient
	}
	var apiErr *SourceAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return true
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	// Unclassified failures are retried rather than buried.
	return true
}

// RateLimitReset returns the reset timestamp when err is a rate-limit
// failure from the origin API.
func RateLimitReset(err error) (time.Time, bool) {
	var apiErr *SourceAPIError
	if errors.As(err, &apiErr) && apiErr.RateLimited {
		return apiErr.RateLimitReset, true
	}
	return time.Time{}, false
}

// Code maps err onto its dead-letter classification code.
func Code(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return CodeAuth
	}
	var apiErr *SourceAPIError
	if errors.As(err, &apiErr) {
		return CodeSourceAPI
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return CodeStore
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CodeValidation
	}
	return ""
}
