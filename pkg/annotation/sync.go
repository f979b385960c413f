// Package annotation implements the sync layer between a message's highlight
// store and the remote annotation service: debounced saves, a local cache
// fallback for offline edits, and reconciliation against the server's
// sanitized record.
package annotation

import (
	"context"
	"encoding/json"

	"github.com/odvcencio/margin/pkg/bus"
	"github.com/odvcencio/margin/pkg/client"
	"github.com/odvcencio/margin/pkg/durable"
	margerr "github.com/odvcencio/margin/pkg/errors"
	"github.com/odvcencio/margin/pkg/highlight"
	"github.com/odvcencio/margin/pkg/logging"
	"github.com/odvcencio/margin/pkg/storage"
)

// Remote is the annotation-service surface the sync layer needs.
type Remote interface {
	GetAnnotations(ctx context.Context, sessionID, messageID string) (*client.AnnotationPayload, error)
	PutAnnotations(ctx context.Context, sessionID, messageID string, payload client.AnnotationPayload) (*client.AnnotationPayload, error)
}

// Cache is the local key-value fallback.
type Cache interface {
	CacheGet(key string) (string, bool, error)
	CacheSet(key, value string) error
}

// Source identifies where loaded annotation state came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
	SourcePlain  Source = "plain"
)

// StatusEvent is published on the bus after every fired save.
type StatusEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Offline   bool   `json:"offline"`
}

// Sync keeps one message's highlight store durable. It observes the store,
// debounces mutations into PUTs, reconciles with the server's sanitized
// record on success, and degrades to the local cache on failure. In-memory
// state is never rolled back.
type Sync struct {
	sessionID string
	messageID string
	store     *highlight.Store
	remote    Remote
	cache     Cache
	msgBus    bus.MessageBus
	logger    *logging.Logger
	setter    *durable.Setter
}

// Option configures a Sync.
type Option func(*Sync)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Sync) { s.logger = logger }
}

// NewSync wires a sync layer to the store and starts observing it.
// setterOpts (debounce interval, extra result hooks) pass through to the
// underlying durable setter.
func NewSync(sessionID, messageID string, store *highlight.Store, remote Remote, cache Cache, msgBus bus.MessageBus, setterOpts []durable.Option, opts ...Option) *Sync {
	s := &Sync{
		sessionID: sessionID,
		messageID: messageID,
		store:     store,
		remote:    remote,
		cache:     cache,
		msgBus:    msgBus,
	}
	for _, opt := range opts {
		opt(s)
	}

	setterOpts = append(setterOpts, durable.WithResultHandler(s.handleResult))
	s.setter = durable.NewSetter(s.persist, cache, setterOpts...)

	store.AddObserver(highlight.ObserverFunc(func(snapshot highlight.Snapshot) {
		s.schedule(snapshot)
	}))
	return s
}

// Key returns the local cache key owned by this sync instance.
func (s *Sync) Key() string {
	return storage.AnnotationCacheKey(s.sessionID, s.messageID)
}

// schedule serializes the snapshot and hands it to the debouncer. Rapid
// successive edits collapse into one save carrying the final state.
func (s *Sync) schedule(snapshot highlight.Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.logError("snapshot_marshal_failed", err)
		return
	}
	s.setter.Set(s.Key(), string(payload))
}

// persist is the durable writer: PUT the payload, then re-GET the canonical
// record and swap it into the store. The server is the source of truth for
// sanitized markup, so the re-fetch resolves out-of-order completions too.
func (s *Sync) persist(ctx context.Context, _ string, payload string) error {
	var body client.AnnotationPayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode pending annotation payload")
	}

	if _, err := s.remote.PutAnnotations(ctx, s.sessionID, s.messageID, body); err != nil {
		return err
	}

	canonical, err := s.remote.GetAnnotations(ctx, s.sessionID, s.messageID)
	if err != nil {
		// The save landed; a failed reconciliation read leaves local state
		// as-is rather than marking the save offline.
		s.logError("reconcile_read_failed", err)
		return nil
	}
	if canonical != nil {
		s.store.Replace(canonical.Highlights)
	}

	// The cached fallback copy, if any, is now stale.
	if s.cache != nil {
		if err := s.cache.CacheSet(s.Key(), ""); err != nil {
			s.logError("cache_clear_failed", err)
		}
	}
	return nil
}

// handleResult surfaces save outcomes on the bus.
func (s *Sync) handleResult(res durable.Result) {
	event := StatusEvent{
		SessionID: s.sessionID,
		MessageID: s.messageID,
		Offline:   res.CachedOffline,
	}
	data, _ := json.Marshal(event)

	subject := bus.SubjectAnnotationSaved
	if res.Err != nil {
		if !res.CachedOffline {
			s.logError("save_failed", res.Err)
			return
		}
		subject = bus.SubjectAnnotationOffline
		if s.logger != nil {
			s.logger.Warn(logging.CategorySync, "saved_offline", "annotation saved to local cache", map[string]any{
				"session_id": s.sessionID,
				"message_id": s.messageID,
			})
		}
	}
	if s.msgBus != nil {
		if err := s.msgBus.Publish(context.Background(), subject, data); err != nil {
			s.logError("status_publish_failed", err)
		}
	}
}

// Load populates the store for initial render: remote record first, then the
// local cache, then plain content with no highlights.
func (s *Sync) Load(ctx context.Context) (Source, error) {
	payload, err := s.remote.GetAnnotations(ctx, s.sessionID, s.messageID)
	if err == nil && payload != nil {
		s.store.Replace(payload.Highlights)
		return SourceRemote, nil
	}
	if err != nil {
		s.logError("remote_load_failed", err)
	}

	if s.cache != nil {
		cached, ok, cacheErr := s.cache.CacheGet(s.Key())
		if cacheErr != nil {
			s.logError("cache_load_failed", cacheErr)
		} else if ok {
			var snapshot highlight.Snapshot
			if decodeErr := json.Unmarshal([]byte(cached), &snapshot); decodeErr == nil {
				s.store.Replace(snapshot.Highlights)
				return SourceCache, nil
			}
			s.logError("cache_decode_failed", margerr.New(margerr.ErrCodeCacheMiss, "unreadable cache entry"))
		}
	}

	// Plain content, empty highlights: degraded but consistent.
	s.store.Replace(nil)
	return SourcePlain, err
}

// Flush fires pending saves immediately. Used on shutdown.
func (s *Sync) Flush(ctx context.Context) {
	s.setter.Flush(ctx)
}

// Close flushes and stops accepting further mutations.
func (s *Sync) Close(ctx context.Context) {
	s.setter.Close(ctx)
}

func (s *Sync) logError(eventType string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Error(logging.CategorySync, eventType, err.Error(), map[string]any{
		"session_id": s.sessionID,
		"message_id": s.messageID,
	})
}
