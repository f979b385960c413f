package highlight

import (
	"sync"

	"github.com/odvcencio/margin/pkg/document"
	marginerr "github.com/odvcencio/margin/pkg/errors"
)

// Snapshot is the persisted shape of one message's annotation state. The
// annotated document is always derivable from content + highlights; it is
// carried for fast re-render, never as the source of truth.
type Snapshot struct {
	AnnotatedDocument document.StyledDocument `json:"annotatedDocument"`
	Highlights        []Highlight             `json:"highlights"`
}

// Observer reacts to store mutations. Each mutation produces exactly one
// call, which is where the debounced persistence layer hooks in.
type Observer interface {
	HandleMutation(snapshot Snapshot)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Snapshot)

// HandleMutation implements the Observer interface.
func (f ObserverFunc) HandleMutation(s Snapshot) { f(s) }

// Store is the authoritative highlight set for one message. All mutation
// goes through the resolver; the non-overlap invariant holds after every
// call. Safe for concurrent use; edits are serialized by the mutex.
type Store struct {
	mu         sync.Mutex
	content    string
	highlights []Highlight
	observers  []Observer
}

// NewStore creates a store over the message's logical text content.
func NewStore(content string, highlights []Highlight) *Store {
	return &Store{
		content:    content,
		highlights: append([]Highlight(nil), highlights...),
	}
}

// AddObserver registers an observer for mutation notifications.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Apply resolves and inserts a new highlight, returning the inserted record.
func (s *Store) Apply(start, end int, color string) (Highlight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, inserted, err := Apply(s.highlights, s.content, start, end, color)
	if err != nil {
		return Highlight{}, err
	}
	s.highlights = updated
	s.notifyLocked()
	return inserted, nil
}

// RemoveRange unwraps [start,end) back to plain text.
func (s *Store) RemoveRange(start, end int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := Remove(s.highlights, s.content, start, end)
	if err != nil {
		return err
	}
	s.highlights = updated
	s.notifyLocked()
	return nil
}

// RemoveByID deletes a single highlight record. A missing id is skipped, not
// fatal: the span may already have been absorbed by a concurrent resolution.
func (s *Store) RemoveByID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return marginerr.New(marginerr.ErrCodeEditSkipped, "highlight already gone").WithContext("id", id)
	}
	s.highlights = append(s.highlights[:idx], s.highlights[idx+1:]...)
	s.notifyLocked()
	return nil
}

// SetNote attaches or replaces the free-text note on a highlight.
func (s *Store) SetNote(id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return marginerr.New(marginerr.ErrCodeEditSkipped, "highlight already gone").WithContext("id", id)
	}
	s.highlights[idx].Note = note
	s.notifyLocked()
	return nil
}

// Recolor changes the color of one highlight. Recoloring bypasses the
// resolver entirely: it is a single-field mutation.
func (s *Store) Recolor(id, color string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return marginerr.New(marginerr.ErrCodeEditSkipped, "highlight already gone").WithContext("id", id)
	}
	s.highlights[idx].Color = color
	s.notifyLocked()
	return nil
}

// Replace swaps in a canonical highlight set, e.g. the server's sanitized
// record after a successful save. Observers are not notified: this is
// reconciliation, not a user mutation, and must not re-trigger persistence.
func (s *Store) Replace(highlights []Highlight) {
	s.mu.Lock()
	s.highlights = append([]Highlight(nil), highlights...)
	s.mu.Unlock()
}

// Content returns the message's logical text.
func (s *Store) Content() string {
	return s.content
}

// Highlights returns a copy of the current highlight set.
func (s *Store) Highlights() []Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Highlight(nil), s.highlights...)
}

// Document derives the styled document from the current state.
func (s *Store) Document() document.StyledDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return document.Derive(s.content, Spans(s.highlights))
}

// Snapshot returns the persistable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// HighlightAt returns the highlight covering an absolute offset, if any.
// The selection controller uses this to anchor the hover palette to an
// existing span instead of the live selection.
func (s *Store) HighlightAt(offset int) (Highlight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.highlights {
		if h.StartOffset <= offset && offset < h.EndOffset {
			return h, true
		}
	}
	return Highlight{}, false
}

func (s *Store) indexLocked(id string) int {
	for i, h := range s.highlights {
		if h.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		AnnotatedDocument: document.Derive(s.content, Spans(s.highlights)),
		Highlights:        append([]Highlight(nil), s.highlights...),
	}
}

func (s *Store) notifyLocked() {
	snapshot := s.snapshotLocked()
	for _, o := range s.observers {
		o.HandleMutation(snapshot)
	}
}
