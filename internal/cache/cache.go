// Handles persistent storage for the keyed JSON store and the HTTP response generations
package cache

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/iTrooz/resilient-loader/internal/config"
)

// ErrInvalidKey is returned for keys that are empty, absolute or escape their root
var ErrInvalidKey = errors.New("invalid cache key")

// Cache interface for storage operations.
// Keys are slash-separated relative paths.
type Cache interface {
	// retrieves stored data.
	// returns nil, nil when not found
	Get(key string) ([]byte, error)
	// stores data under key, replacing any previous value
	Set(key string, value []byte) error
	// removes key; removing a missing key is not an error
	Delete(key string) error
	// lists every stored key starting with prefix
	Keys(prefix string) ([]string, error)
	// initializes the cache (e.g., creates necessary directories)
	Init() error
	// releases underlying resources
	Close() error
}

// New creates the cache selected by the configured driver. It is not initialized.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case "disk":
		return NewDisk(cfg.Folder), nil
	case "sqlite":
		return NewSQLite(cfg.Path), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
