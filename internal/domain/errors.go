// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidStatus is returned when a status value is not recognized.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrEmptyInput is returned when an input path or item list is empty.
	ErrEmptyInput = errors.New("input cannot be empty")

	// ErrInvalidOptions is returned when pipeline options fail validation.
	ErrInvalidOptions = errors.New("invalid pipeline options")
)
