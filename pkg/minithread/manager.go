// Package minithread manages the ephemeral side conversations anchored to a
// message: creation, snippet context, token-streamed replies with a
// non-streaming fallback, and durable panel metadata.
package minithread

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/odvcencio/margin/pkg/bus"
	"github.com/odvcencio/margin/pkg/client"
	"github.com/odvcencio/margin/pkg/durable"
	margerr "github.com/odvcencio/margin/pkg/errors"
	"github.com/odvcencio/margin/pkg/logging"
	"github.com/odvcencio/margin/pkg/storage"
)

// Remote is the annotation-service surface the manager needs.
type Remote interface {
	EnsureThread(ctx context.Context, messageID string) (*client.ThreadInfo, error)
	AddSnippet(ctx context.Context, threadID, text string) (string, error)
	SendMessage(ctx context.Context, threadID, content, snippetID string) (string, error)
	StreamMessage(ctx context.Context, threadID, content, snippetID string, tokens func(string)) error
	PutThreadMeta(ctx context.Context, threadID string, meta client.ThreadMeta) error
}

// Snippet is selected text attached to a thread as context.
type Snippet struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ThreadMessage is one exchange entry in a mini-thread.
type ThreadMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	SnippetID string `json:"snippetId,omitempty"`
	// Truncated marks an assistant reply whose stream broke after tokens
	// arrived. The partial text is final, not retried.
	Truncated bool `json:"truncated,omitempty"`
}

// Thread is the in-memory view of one mini-thread.
type Thread struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	State     VisualState     `json:"state"`
	Position  json.RawMessage `json:"position,omitempty"`
	Size      json.RawMessage `json:"size,omitempty"`
	Snippets  []Snippet       `json:"snippets"`
	Messages  []ThreadMessage `json:"messages"`
}

// threadEvent is published on the bus when a thread's content changes.
type threadEvent struct {
	ThreadID string `json:"threadId"`
	Kind     string `json:"kind"`
}

// Manager owns all mini-threads of a session.
type Manager struct {
	remote  Remote
	msgBus  bus.MessageBus
	logger  *logging.Logger
	meta    *durable.Setter
	onToken func(threadID, text string)

	mu        sync.Mutex
	threads   map[string]*Thread
	byMessage map[string]string
	streams   map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTokenHandler registers a callback invoked for every streamed token,
// for incremental rendering.
func WithTokenHandler(fn func(threadID, text string)) Option {
	return func(m *Manager) { m.onToken = fn }
}

// NewManager creates a manager. Panel metadata writes go through the same
// debounce-then-cache pattern as annotation saves; setterOpts tune it.
func NewManager(remote Remote, cache durable.Cache, msgBus bus.MessageBus, setterOpts []durable.Option, opts ...Option) *Manager {
	m := &Manager{
		remote:    remote,
		msgBus:    msgBus,
		threads:   make(map[string]*Thread),
		byMessage: make(map[string]string),
		streams:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.meta = durable.NewSetter(m.persistMeta, cache, setterOpts...)
	return m
}

// EnsureThread returns the thread anchored to a message, creating it
// remotely on first invocation. A newly ensured thread opens its panel.
func (m *Manager) EnsureThread(ctx context.Context, messageID string) (*Thread, error) {
	m.mu.Lock()
	if id, ok := m.byMessage[messageID]; ok {
		thread := m.threads[id]
		m.mu.Unlock()
		return thread, nil
	}
	m.mu.Unlock()

	info, err := m.remote.EnsureThread(ctx, messageID)
	if err != nil {
		return nil, err
	}

	state := VisualState(info.VisualState)
	if !state.Valid() {
		state = StateOpen
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byMessage[messageID]; ok {
		return m.threads[id], nil
	}
	thread := &Thread{
		ID:        info.ID,
		MessageID: messageID,
		State:     state,
	}
	m.threads[thread.ID] = thread
	m.byMessage[messageID] = thread.ID
	return thread, nil
}

// Thread returns the in-memory thread by id.
func (m *Manager) Thread(threadID string) (*Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	return t, ok
}

// AddSnippet attaches selected text as context, deduplicating by exact text
// match: re-adding identical text returns the existing snippet id.
func (m *Manager) AddSnippet(ctx context.Context, threadID, text string) (string, error) {
	m.mu.Lock()
	thread, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return "", margerr.New(margerr.ErrCodeNotFound, "unknown thread").WithContext("thread_id", threadID)
	}
	for _, snippet := range thread.Snippets {
		if snippet.Text == text {
			m.mu.Unlock()
			return snippet.ID, nil
		}
	}
	m.mu.Unlock()

	id, err := m.remote.AddSnippet(ctx, threadID, text)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	// The remote dedups too; only record the snippet once.
	exists := false
	for _, snippet := range thread.Snippets {
		if snippet.ID == id {
			exists = true
			break
		}
	}
	if !exists {
		thread.Snippets = append(thread.Snippets, Snippet{ID: id, Text: text})
	}
	m.mu.Unlock()

	m.publish(threadID, "snippet")
	return id, nil
}

// SendMessage appends the user message, then streams the assistant reply.
// A stream that fails before any token falls back to the non-streaming
// endpoint; one that fails after tokens finalizes the partial reply as a
// truncated message. Stop cancels the stream and freezes the partial text.
func (m *Manager) SendMessage(ctx context.Context, threadID, content, snippetID string) (ThreadMessage, error) {
	m.mu.Lock()
	thread, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return ThreadMessage{}, margerr.New(margerr.ErrCodeNotFound, "unknown thread").WithContext("thread_id", threadID)
	}
	thread.Messages = append(thread.Messages, ThreadMessage{
		Role:      "user",
		Content:   content,
		SnippetID: snippetID,
	})

	streamCtx, cancel := context.WithCancel(ctx)
	m.streams[threadID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.streams, threadID)
		m.mu.Unlock()
	}()

	m.publish(threadID, "message")

	var pending strings.Builder
	tokens := 0
	streamErr := m.remote.StreamMessage(streamCtx, threadID, content, snippetID, func(text string) {
		pending.WriteString(text)
		tokens++
		if m.onToken != nil {
			m.onToken(threadID, text)
		}
	})

	reply := ThreadMessage{Role: "assistant"}
	switch {
	case streamErr == nil:
		reply.Content = pending.String()

	case tokens > 0:
		// Tokens already arrived: the partial reply is final, possibly
		// truncated, and never retried.
		reply.Content = pending.String()
		reply.Truncated = !isCanceled(streamErr)
		m.logWarn(threadID, "stream_partial", streamErr)

	case isCanceled(streamErr):
		// Stopped before the first token: freeze an empty reply.
		reply.Content = ""

	default:
		// Zero tokens received: fall back to the non-streaming endpoint.
		m.logWarn(threadID, "stream_fallback", streamErr)
		full, err := m.remote.SendMessage(ctx, threadID, content, snippetID)
		if err != nil {
			return ThreadMessage{}, margerr.Wrap(err, margerr.ErrCodeStreamFailed, "stream and fallback both failed")
		}
		reply.Content = full
	}

	m.mu.Lock()
	thread.Messages = append(thread.Messages, reply)
	m.mu.Unlock()

	m.publish(threadID, "message")
	return reply, nil
}

// Stop cancels an in-flight stream for the thread, freezing whatever tokens
// already arrived as the final assistant message.
func (m *Manager) Stop(threadID string) {
	m.mu.Lock()
	cancel, ok := m.streams[threadID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// SetVisualState moves the panel through the state machine and schedules a
// metadata save. Closing the panel flips state only; the thread survives.
func (m *Manager) SetVisualState(threadID string, state VisualState) error {
	m.mu.Lock()
	thread, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return margerr.New(margerr.ErrCodeNotFound, "unknown thread").WithContext("thread_id", threadID)
	}
	if err := checkTransition(thread.State, state); err != nil {
		m.mu.Unlock()
		return err
	}
	thread.State = state
	m.mu.Unlock()

	m.scheduleMeta(thread)
	m.publish(threadID, "state")
	return nil
}

// SetPanelGeometry records a moved or resized panel and schedules a
// metadata save. Rapid drags collapse into one write.
func (m *Manager) SetPanelGeometry(threadID string, position, size json.RawMessage) error {
	m.mu.Lock()
	thread, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return margerr.New(margerr.ErrCodeNotFound, "unknown thread").WithContext("thread_id", threadID)
	}
	if len(position) > 0 {
		thread.Position = position
	}
	if len(size) > 0 {
		thread.Size = size
	}
	m.mu.Unlock()

	m.scheduleMeta(thread)
	return nil
}

// Delete forgets the thread locally. Destroying the server record is the
// service's delete endpoint; panel close never reaches here.
func (m *Manager) Delete(threadID string) {
	m.Stop(threadID)
	m.mu.Lock()
	if thread, ok := m.threads[threadID]; ok {
		delete(m.byMessage, thread.MessageID)
		delete(m.threads, threadID)
	}
	m.mu.Unlock()
	m.publish(threadID, "deleted")
}

// Close flushes pending metadata writes and cancels in-flight streams.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	for _, cancel := range m.streams {
		cancel()
	}
	m.streams = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	m.meta.Close(ctx)
}

func (m *Manager) scheduleMeta(thread *Thread) {
	m.mu.Lock()
	meta := client.ThreadMeta{
		Position: thread.Position,
		Size:     thread.Size,
		State:    string(thread.State),
	}
	m.mu.Unlock()

	payload, err := json.Marshal(meta)
	if err != nil {
		return
	}
	m.meta.Set(storage.ThreadMetaCacheKey(thread.ID), string(payload))
}

// persistMeta is the durable writer for panel metadata.
func (m *Manager) persistMeta(ctx context.Context, key, payload string) error {
	threadID := strings.TrimPrefix(key, storage.CachePrefixThreadMeta)
	var meta client.ThreadMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode pending thread meta")
	}
	return m.remote.PutThreadMeta(ctx, threadID, meta)
}

func (m *Manager) publish(threadID, kind string) {
	if m.msgBus == nil {
		return
	}
	data, _ := json.Marshal(threadEvent{ThreadID: threadID, Kind: kind})
	m.msgBus.Publish(context.Background(), bus.SubjectThreadUpdated, data)
}

func (m *Manager) logWarn(threadID, eventType string, err error) {
	if m.logger == nil {
		return
	}
	m.logger.Warn(logging.CategoryThread, eventType, err.Error(), map[string]any{
		"thread_id": threadID,
	})
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
