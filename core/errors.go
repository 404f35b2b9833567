package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no active entry exists for an identity.
	ErrNotFound = errors.New("memory entry not found")

	// ErrExpired is returned when the entry for an identity has passed its
	// expires_at. It wraps ErrNotFound so callers that only distinguish
	// "present" from "absent" can match either.
	ErrExpired = fmt.Errorf("%w: entry expired", ErrNotFound)

	// ErrVersionConflict is returned when a compare-on-version write loses.
	// The stored state is left unchanged; retrying with the fresh version
	// is the caller's choice.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidScope is returned for a malformed identity.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrCapacityExceeded is returned when the embedding index refuses new
	// vectors because its configured memory limit is reached.
	ErrCapacityExceeded = errors.New("index capacity exceeded")

	// ErrCorrupted is returned when a single record fails its checksum.
	// Fatal for that record only; the store keeps serving other entries.
	ErrCorrupted = errors.New("entry value corrupted")

	// ErrDimensionMismatch is returned when a vector's dimension does not
	// match the fixed dimension of its model namespace.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
