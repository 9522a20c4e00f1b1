package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Status string   `json:"status"`
	Items  []string `json:"items"`
	Count  int      `json:"count"`
}

// flakyCache fails Delete for one address
type flakyCache struct {
	cache.Cache
	failDelete string
}

func (f *flakyCache) Delete(key string) error {
	if key == f.failDelete {
		return errors.New("disk on fire")
	}
	return f.Cache.Delete(key)
}

func fixture_store(t *testing.T, opts ...Option) (*Store, cache.Cache) {
	t.Helper()
	c := cache.NewDisk(t.TempDir())
	return New("app-cache-v1", FromCache(c), opts...), c
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s, _ := fixture_store(t)
	value := payload{Status: "success", Items: []string{"a", "b"}, Count: 2}

	before := time.Now().UnixMilli()
	s.Set("app-data", value)
	after := time.Now().UnixMilli()

	entry, ok := s.Get("app-data")
	require.True(t, ok)
	assert.Equal(t, "app-data", entry.Key)
	assert.GreaterOrEqual(t, entry.StoredAtEpochMillis, before)
	assert.LessOrEqual(t, entry.StoredAtEpochMillis, after)

	var got payload
	require.NoError(t, entry.Decode(&got))
	assert.Equal(t, value, got)
}

func TestAddressIsNamespaced(t *testing.T) {
	s, c := fixture_store(t)
	s.Set("app-data", payload{Count: 1})

	data, err := c.Get("app-cache-v1/app-data")
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestGetMissing(t *testing.T) {
	s, _ := fixture_store(t)

	entry, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Nil(t, entry)
}

func TestGetCorruptEntryIsAbsent(t *testing.T) {
	s, c := fixture_store(t)
	require.NoError(t, c.Init())
	require.NoError(t, c.Set("app-cache-v1/app-data", []byte("{not json")))

	_, ok := s.Get("app-data")
	assert.False(t, ok)

	_, err := s.get("app-data")
	assert.ErrorIs(t, err, ErrStorageOperationFailed)
}

func TestSetUnserializableIsNoop(t *testing.T) {
	s, _ := fixture_store(t)
	s.Set("app-data", payload{Count: 1})

	s.Set("app-data", make(chan int))

	entry, ok := s.Get("app-data")
	require.True(t, ok)
	var got payload
	require.NoError(t, entry.Decode(&got))
	assert.Equal(t, 1, got.Count)

	assert.ErrorIs(t, s.set("app-data", make(chan int)), ErrStorageOperationFailed)
}

func TestStoredAtNeverDecreases(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	s, _ := fixture_store(t, WithClock(func() time.Time { return now }))

	s.Set("k", 1)
	now = now.Add(-time.Hour) // clock goes backwards
	s.Set("k", 2)

	entry, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, int64(2_000_000), entry.StoredAtEpochMillis)
	assert.JSONEq(t, "2", string(entry.Payload))

	now = now.Add(2 * time.Hour)
	s.Set("k", 3)
	entry, _ = s.Get("k")
	assert.Equal(t, now.UnixMilli(), entry.StoredAtEpochMillis)
}

func TestDelete(t *testing.T) {
	s, _ := fixture_store(t)
	s.Set("a", 1)
	s.Set("b", 2)

	s.Delete("a")

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.True(t, ok)
}

func TestClearIsIdempotent(t *testing.T) {
	s, c := fixture_store(t)
	keys := []string{"app-data", "other", "third"}
	for _, k := range keys {
		s.Set(k, k)
	}
	// entries of other namespaces survive
	require.NoError(t, c.Set("other-ns/app-data", []byte("{}")))

	for i := 0; i < 2; i++ {
		s.Clear()
		for _, k := range keys {
			_, ok := s.Get(k)
			assert.False(t, ok, "key %s after clear #%d", k, i+1)
		}
	}

	data, err := c.Get("other-ns/app-data")
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestClearContinuesAfterFailure(t *testing.T) {
	backing := &flakyCache{Cache: cache.NewMemory(), failDelete: "ns/b"}
	s := New("ns", FromCache(backing))
	for _, k := range []string{"a", "b", "c"} {
		s.Set(k, k)
	}

	err := s.clear()
	assert.ErrorIs(t, err, ErrStorageOperationFailed)

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.True(t, ok)
	_, ok = s.Get("c")
	assert.False(t, ok)
}

func TestUnavailableStorageDegradesToMiss(t *testing.T) {
	var attempts atomic.Int32
	failing := func() (cache.Cache, error) {
		attempts.Add(1)
		return nil, errors.New("not supported")
	}
	s := New("ns", failing)

	assert.NotPanics(t, func() {
		s.Set("k", 1)
		s.Delete("k")
		s.Clear()
	})
	_, ok := s.Get("k")
	assert.False(t, ok)

	_, err := s.get("k")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Greater(t, attempts.Load(), int32(1), "a failed open is retried on the next operation")
}

func TestConcurrentFirstUseOpensOnce(t *testing.T) {
	var opens atomic.Int32
	backing := cache.NewMemory()
	s := New("ns", func() (cache.Cache, error) {
		opens.Add(1)
		time.Sleep(10 * time.Millisecond)
		return backing, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Get("k")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
}
