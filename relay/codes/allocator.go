package codes

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"
)

const defaultMaxAttempts = 64

// allocator implements the Allocator interface.
type allocator struct {
	config    Config
	allocated map[string]*Allocation // code → allocation
	mu        sync.RWMutex
}

// NewAllocator creates a new pickup-code allocator.
func NewAllocator(config Config) Allocator {
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	return &allocator{
		config:    config,
		allocated: make(map[string]*Allocation),
	}
}

// Allocate draws random codes until it finds a free one, retrying on
// collision. After MaxAttempts draws it scans from a random start so that it
// only fails once the keyspace is genuinely full.
func (a *allocator) Allocate(owner string) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.allocated == nil {
		return "", fmt.Errorf("allocator is closed")
	}
	if len(a.allocated) >= Keyspace {
		return "", ErrExhausted
	}

	for i := 0; i < a.config.MaxAttempts; i++ {
		n, err := a.randomIndex()
		if err != nil {
			return "", err
		}
		code := fromIndex(n)
		if _, taken := a.allocated[code]; !taken {
			a.store(code, owner)
			return code, nil
		}
	}

	start, err := a.randomIndex()
	if err != nil {
		return "", err
	}
	for i := 0; i < Keyspace; i++ {
		code := fromIndex((start + i) % Keyspace)
		if _, taken := a.allocated[code]; !taken {
			a.store(code, owner)
			return code, nil
		}
	}

	return "", ErrExhausted
}

// Release frees a code.
func (a *allocator) Release(code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.allocated[code]; !exists {
		return fmt.Errorf("%w: %s", ErrNotAllocated, code)
	}
	delete(a.allocated, code)
	return nil
}

// InUse reports whether a code is allocated.
func (a *allocator) InUse(code string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.allocated[code]
	return exists
}

// GetAllocation retrieves allocation info for a code.
func (a *allocator) GetAllocation(code string) (*Allocation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	alloc, ok := a.allocated[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllocated, code)
	}

	// Return a copy to prevent external modification
	allocCopy := *alloc
	return &allocCopy, nil
}

// GetStats returns current allocator statistics.
func (a *allocator) GetStats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byOwner := make(map[string]int)
	for _, alloc := range a.allocated {
		byOwner[alloc.Owner]++
	}

	return Stats{
		Keyspace:  Keyspace,
		Allocated: len(a.allocated),
		Available: Keyspace - len(a.allocated),
		ByOwner:   byOwner,
	}
}

// Close releases resources.
func (a *allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocated = nil
	return nil
}

func (a *allocator) store(code, owner string) {
	a.allocated[code] = &Allocation{
		Code:        code,
		Owner:       owner,
		AllocatedAt: time.Now(),
	}
}

// randomIndex returns a uniform integer in [0, Keyspace) using rejection
// sampling over 3 random bytes.
func (a *allocator) randomIndex() (int, error) {
	const limit = (1 << 24) / Keyspace * Keyspace

	var b [3]byte
	for {
		if _, err := io.ReadFull(a.config.Random, b[:]); err != nil {
			return 0, fmt.Errorf("read entropy: %w", err)
		}
		n := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		if n < limit {
			return n % Keyspace, nil
		}
	}
}
