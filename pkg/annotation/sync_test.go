package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/margin/pkg/bus"
	"github.com/odvcencio/margin/pkg/client"
	"github.com/odvcencio/margin/pkg/document"
	"github.com/odvcencio/margin/pkg/durable"
	"github.com/odvcencio/margin/pkg/highlight"
)

const content = "the quick brown fox jumps over the lazy dog"

type fakeRemote struct {
	mu      sync.Mutex
	stored  *client.AnnotationPayload
	putErr  error
	getErr  error
	puts    int
	gets    int
	rewrite func(client.AnnotationPayload) client.AnnotationPayload
}

func (r *fakeRemote) GetAnnotations(_ context.Context, _, _ string) (*client.AnnotationPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if r.getErr != nil {
		return nil, r.getErr
	}
	if r.stored == nil {
		return nil, nil
	}
	copied := *r.stored
	return &copied, nil
}

func (r *fakeRemote) PutAnnotations(_ context.Context, _, _ string, payload client.AnnotationPayload) (*client.AnnotationPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts++
	if r.putErr != nil {
		return nil, r.putErr
	}
	if r.rewrite != nil {
		payload = r.rewrite(payload)
	}
	r.stored = &payload
	return r.stored, nil
}

func (r *fakeRemote) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (c *fakeCache) CacheGet(key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *fakeCache) CacheSet(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.entries, key)
		return nil
	}
	c.entries[key] = value
	return nil
}

func (c *fakeCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func waitForSubject(t *testing.T, b bus.MessageBus, subject string) <-chan *bus.Message {
	t.Helper()
	ch := make(chan *bus.Message, 4)
	_, err := b.Subscribe(context.Background(), subject, func(msg *bus.Message) {
		ch <- msg
	})
	require.NoError(t, err)
	return ch
}

func TestMutationTriggersDebouncedSave(t *testing.T) {
	remote := &fakeRemote{}
	cache := newFakeCache()
	msgBus := bus.NewMemoryBus()
	defer msgBus.Close()
	saved := waitForSubject(t, msgBus, bus.SubjectAnnotationSaved)

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, cache, msgBus,
		[]durable.Option{durable.WithDebounce(20 * time.Millisecond)})
	defer s.Close(context.Background())

	// Burst of edits inside the quiet period: one PUT.
	_, err := store.Apply(0, 3, "yellow")
	require.NoError(t, err)
	_, err = store.Apply(4, 9, "blue")
	require.NoError(t, err)

	select {
	case msg := <-saved:
		var event StatusEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.False(t, event.Offline)
		assert.Equal(t, "msg", event.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("save event never published")
	}

	assert.Equal(t, 1, remote.putCount(), "burst should collapse into one PUT")
	require.NotNil(t, remote.stored)
	assert.Len(t, remote.stored.Highlights, 2)
}

func TestSuccessfulSaveReconcilesFromServer(t *testing.T) {
	remote := &fakeRemote{
		// The server sanitizes: here it rewrites every color.
		rewrite: func(p client.AnnotationPayload) client.AnnotationPayload {
			for i := range p.Highlights {
				p.Highlights[i].Color = "sanitized"
			}
			return p
		},
	}
	msgBus := bus.NewMemoryBus()
	defer msgBus.Close()
	saved := waitForSubject(t, msgBus, bus.SubjectAnnotationSaved)

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, newFakeCache(), msgBus,
		[]durable.Option{durable.WithDebounce(10 * time.Millisecond)})
	defer s.Close(context.Background())

	_, err := store.Apply(0, 3, "yellow")
	require.NoError(t, err)

	select {
	case <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("save event never published")
	}

	highlights := store.Highlights()
	require.Len(t, highlights, 1)
	assert.Equal(t, "sanitized", highlights[0].Color)
}

func TestOfflineFallbackKeepsMemoryAndPopulatesCache(t *testing.T) {
	remote := &fakeRemote{putErr: errors.New("network down")}
	cache := newFakeCache()
	msgBus := bus.NewMemoryBus()
	defer msgBus.Close()
	offline := waitForSubject(t, msgBus, bus.SubjectAnnotationOffline)

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, cache, msgBus,
		[]durable.Option{durable.WithDebounce(10 * time.Millisecond)})
	defer s.Close(context.Background())

	inserted, err := store.Apply(4, 9, "green")
	require.NoError(t, err)

	select {
	case msg := <-offline:
		var event StatusEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.True(t, event.Offline)
	case <-time.After(2 * time.Second):
		t.Fatal("offline event never published")
	}

	// In-memory state is not rolled back.
	highlights := store.Highlights()
	require.Len(t, highlights, 1)
	assert.Equal(t, inserted.ID, highlights[0].ID)

	// The cache holds the mutated state for the next reload.
	raw, ok := cache.get("anno:sess:msg")
	require.True(t, ok, "cache entry missing after failed save")
	var snapshot highlight.Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snapshot))
	require.Len(t, snapshot.Highlights, 1)
	assert.Equal(t, "green", snapshot.Highlights[0].Color)
	assert.Equal(t, "quick", snapshot.Highlights[0].SelectedText)
}

func TestSuccessfulSaveClearsStaleCacheEntry(t *testing.T) {
	remote := &fakeRemote{}
	cache := newFakeCache()
	cache.CacheSet("anno:sess:msg", `{"highlights":[]}`)
	msgBus := bus.NewMemoryBus()
	defer msgBus.Close()
	saved := waitForSubject(t, msgBus, bus.SubjectAnnotationSaved)

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, cache, msgBus,
		[]durable.Option{durable.WithDebounce(10 * time.Millisecond)})
	defer s.Close(context.Background())

	_, err := store.Apply(0, 3, "yellow")
	require.NoError(t, err)

	select {
	case <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("save event never published")
	}

	if _, ok := cache.get("anno:sess:msg"); ok {
		t.Error("stale cache entry survived a successful save")
	}
}

func TestLoadPrefersRemote(t *testing.T) {
	doc := document.Derive(content, []document.Span{{ID: "h1", Start: 0, End: 3}})
	remote := &fakeRemote{stored: &client.AnnotationPayload{
		AnnotatedDocument: doc,
		Highlights: []highlight.Highlight{
			{ID: "h1", Color: "yellow", StartOffset: 0, EndOffset: 3, SelectedText: "the"},
		},
	}}

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, newFakeCache(), bus.NewMemoryBus(), nil)
	defer s.Close(context.Background())

	source, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, source)
	require.Len(t, store.Highlights(), 1)
	assert.Equal(t, "h1", store.Highlights()[0].ID)
}

func TestLoadFallsBackToCache(t *testing.T) {
	remote := &fakeRemote{getErr: errors.New("unreachable")}
	cache := newFakeCache()
	snapshot := highlight.Snapshot{
		Highlights: []highlight.Highlight{
			{ID: "h2", Color: "blue", StartOffset: 4, EndOffset: 9, SelectedText: "quick"},
		},
	}
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	cache.CacheSet("anno:sess:msg", string(data))

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, cache, bus.NewMemoryBus(), nil)
	defer s.Close(context.Background())

	source, loadErr := s.Load(context.Background())
	assert.Equal(t, SourceCache, source)
	assert.NoError(t, loadErr)
	require.Len(t, store.Highlights(), 1)
	assert.Equal(t, "h2", store.Highlights()[0].ID)
}

func TestLoadDegradesToPlainContent(t *testing.T) {
	remote := &fakeRemote{getErr: errors.New("unreachable")}

	store := highlight.NewStore(content, nil)
	s := NewSync("sess", "msg", store, remote, newFakeCache(), bus.NewMemoryBus(), nil)
	defer s.Close(context.Background())

	source, err := s.Load(context.Background())
	assert.Equal(t, SourcePlain, source)
	assert.Error(t, err)
	assert.Empty(t, store.Highlights())
	assert.Equal(t, content, store.Content())
}
