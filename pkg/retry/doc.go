// Package retry provides exponential backoff helpers for reconnecting
// clients and retried operations.
package retry
