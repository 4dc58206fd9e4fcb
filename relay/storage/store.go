// Package storage keeps uploaded files on disk under pickup codes for
// storage-mode transfers.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// OwnerStorage is the allocator owner tag for stored blobs.
const OwnerStorage = "storage"

var (
	ErrNotFound = errors.New("stored file not found")
	ErrTooLarge = errors.New("file exceeds size limit")
)

// Meta describes a stored blob.
type Meta struct {
	Code             string    `json:"pickupCode"`
	Name             string    `json:"name"`
	Size             int64     `json:"size"`
	Type             string    `json:"type,omitempty"`
	UploadedAt       time.Time `json:"uploadedAt"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	DeleteOnDownload bool      `json:"deleteOnDownload"`
}

// Store is a key-addressed blob store with a retention policy.
type Store interface {
	// Put streams r to storage and returns the code it is filed under.
	Put(ctx context.Context, r io.Reader, meta Meta) (Meta, error)

	// Open returns a reader for the blob. With delete-on-download, the
	// blob is removed once the reader is closed after a complete read.
	Open(code string) (io.ReadCloser, Meta, error)

	// Stat returns the blob's metadata.
	Stat(code string) (Meta, error)

	// Delete removes the blob and frees its code.
	Delete(code string) error

	// Exists reports whether a blob is stored under code.
	Exists(code string) bool

	// Sweep removes expired blobs and orphan files, returning the count.
	Sweep(now time.Time) int

	// Close releases resources.
	Close() error
}
