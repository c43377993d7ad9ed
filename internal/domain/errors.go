// Package domain defines the core entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when a group or task identifier is malformed.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidPhase is returned when a status phase is not one of the known values.
	ErrInvalidPhase = errors.New("invalid phase")
)
