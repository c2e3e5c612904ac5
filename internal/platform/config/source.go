package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

// Source is the merged key/value environment the service is configured from. Later layers win:
// the .env file, then the process environment, then explicit overrides.
type Source struct {
	values map[string]string
}

// SourceOption customises NewSource.
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	envFile    string
	processEnv bool
	overrides  map[string]string
}

// WithEnvFile reads a different dotenv file; an empty path skips the file entirely.
func WithEnvFile(path string) SourceOption {
	return func(o *sourceOptions) { o.envFile = path }
}

// WithOverrides layers explicit values above every other source.
func WithOverrides(values map[string]string) SourceOption {
	return func(o *sourceOptions) { o.overrides = values }
}

// WithoutProcessEnv ignores the process environment, mostly for tests.
func WithoutProcessEnv() SourceOption {
	return func(o *sourceOptions) { o.processEnv = false }
}

// NewSource merges the configured layers. A missing dotenv file is not an error.
func NewSource(opts ...SourceOption) (Source, error) {
	options := sourceOptions{envFile: defaultEnvFile, processEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	values := make(map[string]string)
	if options.envFile != "" {
		fileValues, err := godotenv.Read(options.envFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Source{}, fmt.Errorf("config: read %s: %w", options.envFile, err)
		default:
			for k, v := range fileValues {
				values[k] = v
			}
		}
	}
	if options.processEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
				values[key] = value
			}
		}
	}
	for k, v := range options.overrides {
		values[k] = v
	}
	return Source{values: values}, nil
}

// SourceFromMap builds a Source holding exactly the given values.
func SourceFromMap(values map[string]string) Source {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Source{values: copied}
}

// Get returns the trimmed value for key, or "" when unset.
func (s Source) Get(key string) string {
	return strings.TrimSpace(s.values[key])
}

// GetOr returns the value for key or fallback when unset or blank.
func (s Source) GetOr(key, fallback string) string {
	if value := s.Get(key); value != "" {
		return value
	}
	return fallback
}
