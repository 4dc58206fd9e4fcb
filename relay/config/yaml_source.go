package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLFileSource implements Source for a local YAML file. Keys absent from
// the file keep their Default values.
type YAMLFileSource struct {
	filePath string
	mu       sync.Mutex
	cached   *Config
}

// NewYAMLFileSource creates a source reading filePath.
func NewYAMLFileSource(filePath string) *YAMLFileSource {
	return &YAMLFileSource{
		filePath: filePath,
	}
}

func (s *YAMLFileSource) Load(ctx context.Context) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, s.filePath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.cached = c
	return c, nil
}

// Cached returns the last successfully loaded configuration.
func (s *YAMLFileSource) Cached() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

func (s *YAMLFileSource) Close() error {
	return nil
}

// Parse decodes a YAML document over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return c, nil
}
