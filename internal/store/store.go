// Package store is the namespaced key to JSON payload store used by the load controller.
//
// The store never reports failures to its callers: storage that cannot be
// opened or written degrades to cache-miss behavior and is logged.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iTrooz/resilient-loader/internal/cache"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrStorageUnavailable means the backing cache could not be opened
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageOperationFailed means a serialization, read or write failed
	ErrStorageOperationFailed = errors.New("storage operation failed")
)

// Entry is a stored payload with the time it was written
type Entry struct {
	Key                 string          `json:"key"`
	Payload             json.RawMessage `json:"payload"`
	StoredAtEpochMillis int64           `json:"storedAtEpochMillis"`
}

// StoredAt returns the write time
func (e *Entry) StoredAt() time.Time {
	return time.UnixMilli(e.StoredAtEpochMillis)
}

// Decode unmarshals the payload into v
func (e *Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Opener returns a ready to use cache
type Opener func() (cache.Cache, error)

// FromCache opens c by calling its Init
func FromCache(c cache.Cache) Opener {
	return func() (cache.Cache, error) {
		if err := c.Init(); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store maps keys of one namespace to JSON payloads
type Store struct {
	namespace string
	open      Opener
	now       func() time.Time

	opening singleflight.Group
	mu      sync.RWMutex
	backing cache.Cache
}

// New creates a store over the cache returned by open. Nothing is opened until first use.
func New(namespace string, open Opener, opts ...Option) *Store {
	s := &Store{
		namespace: strings.Trim(namespace, "/"),
		open:      open,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) address(key string) string {
	return s.namespace + "/" + key
}

// handle opens the backing cache on first use. Concurrent callers share one open;
// a failed open is retried by the next operation.
func (s *Store) handle() (cache.Cache, error) {
	s.mu.RLock()
	c := s.backing
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	v, err, _ := s.opening.Do("open", func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.backing != nil {
			return s.backing, nil
		}
		opened, err := s.open()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		s.backing = opened
		logrus.Debugf("Opened store namespace %s", s.namespace)
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cache.Cache), nil
}

func (s *Store) get(key string) (*Entry, error) {
	c, err := s.handle()
	if err != nil {
		return nil, err
	}

	data, err := c.Get(s.address(key))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorageOperationFailed, key, err)
	}
	if data == nil {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrStorageOperationFailed, key, err)
	}
	if entry.Key != key {
		return nil, fmt.Errorf("%w: entry at %s holds key %q", ErrStorageOperationFailed, key, entry.Key)
	}
	return &entry, nil
}

// Get returns the entry stored under key. It reports false when the entry is
// missing, unreadable or the storage is unavailable.
func (s *Store) Get(key string) (*Entry, bool) {
	entry, err := s.get(key)
	if err != nil {
		logrus.Errorf("Cache get error for %s: %v", key, err)
		return nil, false
	}
	return entry, entry != nil
}

func (s *Store) set(key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorageOperationFailed, key, err)
	}

	c, err := s.handle()
	if err != nil {
		return err
	}

	storedAt := s.now().UnixMilli()
	// storedAt never goes backwards for a key
	if prev, err := s.get(key); err == nil && prev != nil && prev.StoredAtEpochMillis > storedAt {
		storedAt = prev.StoredAtEpochMillis
	}

	data, err := json.Marshal(Entry{Key: key, Payload: payload, StoredAtEpochMillis: storedAt})
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorageOperationFailed, key, err)
	}
	if err := c.Set(s.address(key), data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrStorageOperationFailed, key, err)
	}
	return nil
}

// Set serializes value and stores it under key with the current time.
// Failures are logged and leave the store unchanged.
func (s *Store) Set(key string, value any) {
	if err := s.set(key, value); err != nil {
		logrus.Errorf("Cache set error for %s: %v", key, err)
	}
}

func (s *Store) delete(key string) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	if err := c.Delete(s.address(key)); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorageOperationFailed, key, err)
	}
	return nil
}

// Delete removes the entry stored under key
func (s *Store) Delete(key string) {
	if err := s.delete(key); err != nil {
		logrus.Errorf("Cache delete error for %s: %v", key, err)
	}
}

func (s *Store) clear() error {
	c, err := s.handle()
	if err != nil {
		return err
	}

	addresses, err := c.Keys(s.namespace + "/")
	if err != nil {
		return fmt.Errorf("%w: list: %w", ErrStorageOperationFailed, err)
	}

	var errs []error
	for _, address := range addresses {
		if err := c.Delete(address); err != nil {
			errs = append(errs, fmt.Errorf("%w: delete %s: %w", ErrStorageOperationFailed, address, err))
		}
	}
	return errors.Join(errs...)
}

// Clear removes every entry of the namespace. A failing delete does not stop the others.
func (s *Store) Clear() {
	if err := s.clear(); err != nil {
		logrus.Errorf("Cache clear error: %v", err)
	}
}
