// Package durable implements the debounce-then-fallback persistence pattern
// shared by annotation saves and mini-thread ui metadata: a write is
// scheduled after a quiet period, collapsing bursts into one execution, and
// a failed remote write degrades to the local cache instead of being lost.
package durable

import (
	"context"
	"sync"
	"time"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

// DefaultDebounce is the quiet period before a scheduled write fires.
const DefaultDebounce = 800 * time.Millisecond

// Writer persists a serialized payload for a key. Implementations own the
// remote protocol, including any post-success reconciliation.
type Writer func(ctx context.Context, key, payload string) error

// Cache is the local fallback store for payloads that failed to persist.
type Cache interface {
	CacheSet(key, value string) error
}

// Result reports the outcome of one fired write.
type Result struct {
	Key     string
	Payload string
	// Err is the remote write failure, nil on success.
	Err error
	// CachedOffline is true when the payload was written to the local
	// cache because the remote write failed.
	CachedOffline bool
}

// Setter debounces writes per key and falls back to a local cache when the
// remote write fails. The in-memory caller state is never rolled back; the
// cache copy exists so the payload survives a reload while offline.
type Setter struct {
	writer   Writer
	cache    Cache
	debounce time.Duration
	onResult func(Result)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]string
	closed  bool

	wg sync.WaitGroup
}

// Option configures a Setter.
type Option func(*Setter)

// WithDebounce overrides the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(s *Setter) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithResultHandler registers a callback invoked after every fired write,
// on success and on offline fallback alike.
func WithResultHandler(fn func(Result)) Option {
	return func(s *Setter) { s.onResult = fn }
}

// NewSetter creates a Setter. cache may be nil, in which case failed writes
// are reported but not preserved.
func NewSetter(writer Writer, cache Cache, opts ...Option) *Setter {
	s := &Setter{
		writer:   writer,
		cache:    cache,
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set schedules a write for key. A write already pending for the same key is
// rescheduled and its payload replaced, so a burst of edits produces one
// remote request carrying the latest state.
func (s *Setter) Set(key, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.pending[key] = payload
	if timer, ok := s.timers[key]; ok {
		timer.Reset(s.debounce)
		return
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.fire(key)
	})
}

// Flush fires every pending write immediately, bypassing the remaining quiet
// period, and waits for in-flight writes to finish. Used on shutdown.
func (s *Setter) Flush(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		if timer, ok := s.timers[key]; ok {
			timer.Stop()
		}
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.fire(key)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Close flushes pending writes and rejects further Set calls.
func (s *Setter) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Flush(ctx)
}

// fire takes the pending payload for key and persists it asynchronously.
func (s *Setter) fire(key string) {
	s.mu.Lock()
	payload, ok := s.pending[key]
	delete(s.pending, key)
	delete(s.timers, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.persist(key, payload)
	}()
}

func (s *Setter) persist(key, payload string) {
	res := Result{Key: key, Payload: payload}
	err := s.writer(context.Background(), key, payload)
	if err != nil {
		res.Err = margerr.Wrap(err, margerr.ErrCodePersistFailed, "persist "+key).
			WithRetryable(true)
		if s.cache != nil {
			// The cache write runs here, off the debounce timer, so a slow
			// disk never delays the next interactive edit.
			if cacheErr := s.cache.CacheSet(key, payload); cacheErr == nil {
				res.CachedOffline = true
			} else {
				res.Err = margerr.Wrap(cacheErr, margerr.ErrCodeCacheWrite, "cache fallback "+key)
			}
		}
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}
