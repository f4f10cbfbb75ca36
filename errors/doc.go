// Package errors provides standardized error handling for broker components.
// It includes error classification (transient, invalid, fatal), standard
// sentinel errors, and helpers for consistent error wrapping across the
// system.
package errors
