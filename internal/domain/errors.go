package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPlatform is a configuration contract violation
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrBalanceNotFound means no balance pattern matched; it never means zero
	ErrBalanceNotFound = errors.New("balance not found")
	// ErrSessionInvalid means a session was rejected or belongs to another adapter
	ErrSessionInvalid = errors.New("session invalid")
)

// AuthenticationError means Login failed or could not be confirmed
type AuthenticationError struct {
	Platform Platform
	Account  string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s account %s: %v", e.Platform, e.Account, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// BalanceExtractionError means the balance could not be read from the response
type BalanceExtractionError struct {
	Platform Platform
	Account  string
	Err      error
}

func (e *BalanceExtractionError) Error() string {
	return fmt.Sprintf("balance extraction failed for %s account %s: %v", e.Platform, e.Account, e.Err)
}

func (e *BalanceExtractionError) Unwrap() error { return e.Err }

// PageFetchError is a single failed page attempt
type PageFetchError struct {
	Platform Platform
	Account  string
	Page     int
	Attempt  int
	Err      error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("page %d fetch failed for %s account %s (attempt %d): %v",
		e.Page, e.Platform, e.Account, e.Attempt, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// PaginationAbortedError means retries on one page were exhausted.
// Pages before Page were fetched and kept.
type PaginationAbortedError struct {
	Platform Platform
	Account  string
	Page     int
	Attempts int
	Err      error
}

func (e *PaginationAbortedError) Error() string {
	return fmt.Sprintf("pagination aborted for %s account %s at page %d after %d attempts: %v",
		e.Platform, e.Account, e.Page, e.Attempts, e.Err)
}

func (e *PaginationAbortedError) Unwrap() error { return e.Err }
