package config

import (
	"context"
	"errors"
)

// Source abstracts where the configuration document comes from.
type Source interface {
	// Load retrieves and validates the configuration.
	Load(ctx context.Context) (*Config, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrConfigNotFound = errors.New("config not found")
	ErrConfigInvalid  = errors.New("config validation failed")
)
