package codes

import (
	"errors"
	"io"
	"time"
)

const (
	// Alphabet is the pickup-code character set: digits then uppercase letters.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// Length is the number of characters in a pickup code.
	Length = 4

	// Keyspace is the number of distinct pickup codes (36^4).
	Keyspace = 36 * 36 * 36 * 36
)

var (
	// ErrInvalidFormat is returned for codes that are not exactly 4 characters of [0-9A-Z].
	ErrInvalidFormat = errors.New("invalid pickup code format")

	// ErrExhausted is returned when every code in the keyspace is allocated.
	ErrExhausted = errors.New("pickup code space exhausted")

	// ErrNotAllocated is returned when releasing or looking up a free code.
	ErrNotAllocated = errors.New("pickup code not allocated")
)

// Allocation represents a pickup code handed out to an owner.
type Allocation struct {
	Code        string
	Owner       string // "session" or "storage"
	AllocatedAt time.Time
}

// Config holds allocator configuration.
type Config struct {
	// Random is the entropy source; crypto/rand when nil.
	Random io.Reader
	// MaxAttempts is the number of random draws before falling back to a scan.
	MaxAttempts int
}

// Stats provides allocator statistics.
type Stats struct {
	Keyspace  int
	Allocated int
	Available int
	ByOwner   map[string]int
}

// Allocator hands out unique pickup codes.
type Allocator interface {
	// Allocate returns a code not currently allocated to anyone.
	Allocate(owner string) (string, error)

	// Release frees a code so it can be handed out again.
	Release(code string) error

	// InUse reports whether a code is currently allocated.
	InUse(code string) bool

	// GetAllocation retrieves allocation info for a code.
	GetAllocation(code string) (*Allocation, error)

	// GetStats returns current allocator statistics.
	GetStats() Stats

	// Close releases resources.
	Close() error
}
