// Package services defines the business logic for sessions, quotas, history,
// verification, and the FAQ cache. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// These errors are intended for internal use by the service layer; mapping
// into wire close codes or HTTP statuses is performed by the gateway and
// handler layers.
package services

import "errors"

var (
	// ErrTenantNotFound indicates that the requested tenant does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrPlanNotFound indicates that the tenant's billing account has no
	// active plan backing it.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrEmptyQuestion is returned when a chat message carries an empty
	// question.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrNegativeAmount is returned when a quota charge is attempted with a
	// negative amount.
	ErrNegativeAmount = errors.New("charge amount must be >= 0")

	// ErrNoQueryDelimiter is returned when the rewrite completion does not
	// contain the expected delimited search query. The turn fails hard.
	ErrNoQueryDelimiter = errors.New("rewrite reply missing query delimiter")
)
