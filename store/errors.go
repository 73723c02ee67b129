package store

import "errors"

// Sentinel errors for store operations
var (
	// ErrUnavailable indicates that the backing store cannot be read.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound indicates that a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownCollection indicates a collection name outside the schema.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrInvalidRecord indicates a record that does not fit its collection schema.
	ErrInvalidRecord = errors.New("invalid record")
)
