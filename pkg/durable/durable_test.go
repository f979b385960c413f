package durable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]string)}
}

func (c *memCache) CacheSet(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

type recordingWriter struct {
	mu    sync.Mutex
	calls []struct{ key, payload string }
	err   error
}

func (w *recordingWriter) write(_ context.Context, key, payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, struct{ key, payload string }{key, payload})
	return w.err
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func (w *recordingWriter) last() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return "", ""
	}
	c := w.calls[len(w.calls)-1]
	return c.key, c.payload
}

func TestSetDebouncesBursts(t *testing.T) {
	writer := &recordingWriter{}
	results := make(chan Result, 1)
	s := NewSetter(writer.write, nil,
		WithDebounce(30*time.Millisecond),
		WithResultHandler(func(r Result) { results <- r }))

	// A burst of edits within the quiet period collapses to one write
	// carrying the last payload.
	s.Set("anno:s:m", "v1")
	s.Set("anno:s:m", "v2")
	s.Set("anno:s:m", "v3")

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, "anno:s:m", r.Key)
		assert.Equal(t, "v3", r.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("write never fired")
	}
	assert.Equal(t, 1, writer.count())
}

func TestSetKeysAreIndependent(t *testing.T) {
	writer := &recordingWriter{}
	results := make(chan Result, 2)
	s := NewSetter(writer.write, nil,
		WithDebounce(20*time.Millisecond),
		WithResultHandler(func(r Result) { results <- r }))

	s.Set("anno:s:m1", "a")
	s.Set("mini:meta:t1", "b")

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			seen[r.Key] = r.Payload
		case <-time.After(2 * time.Second):
			t.Fatal("writes never fired")
		}
	}
	assert.Equal(t, map[string]string{"anno:s:m1": "a", "mini:meta:t1": "b"}, seen)
}

func TestFailedWriteFallsBackToCache(t *testing.T) {
	writer := &recordingWriter{err: errors.New("connection refused")}
	cache := newMemCache()
	results := make(chan Result, 1)
	s := NewSetter(writer.write, cache,
		WithDebounce(10*time.Millisecond),
		WithResultHandler(func(r Result) { results <- r }))

	s.Set("anno:s:m", `{"highlights":[]}`)

	select {
	case r := <-results:
		require.Error(t, r.Err)
		assert.True(t, margerr.IsCode(r.Err, margerr.ErrCodePersistFailed))
		assert.True(t, margerr.IsRetryable(r.Err))
		assert.True(t, r.CachedOffline)
	case <-time.After(2 * time.Second):
		t.Fatal("write never fired")
	}

	value, ok := cache.get("anno:s:m")
	require.True(t, ok, "payload missing from cache after failed write")
	assert.Equal(t, `{"highlights":[]}`, value)
}

func TestFlushFiresPendingImmediately(t *testing.T) {
	writer := &recordingWriter{}
	s := NewSetter(writer.write, nil, WithDebounce(time.Hour))

	s.Set("anno:s:m", "payload")
	require.Equal(t, 0, writer.count())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Flush(ctx)

	require.Equal(t, 1, writer.count())
	key, payload := writer.last()
	assert.Equal(t, "anno:s:m", key)
	assert.Equal(t, "payload", payload)
}

func TestCloseRejectsFurtherSets(t *testing.T) {
	writer := &recordingWriter{}
	s := NewSetter(writer.write, nil, WithDebounce(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Close(ctx)

	s.Set("anno:s:m", "late")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, writer.count())
}
