package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ThreadRecord is a persisted mini-thread anchored to a message.
type ThreadRecord struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"messageId"`
	PositionJSON string    `json:"positionJson,omitempty"`
	SizeJSON     string    `json:"sizeJson,omitempty"`
	VisualState  string    `json:"visualState"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SnippetRecord is a captured selection attached to a thread as context.
type SnippetRecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ThreadMessageRecord is one message inside a mini-thread.
type ThreadMessageRecord struct {
	ID          int64     `json:"id"`
	ThreadID    string    `json:"threadId"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	SnippetID   string    `json:"snippetId,omitempty"`
	IsTruncated bool      `json:"isTruncated"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EnsureThread returns the thread anchored to a message, creating it on
// first invocation.
func (s *Store) EnsureThread(messageID string) (*ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, fmt.Errorf("thread message id required")
	}

	if existing, err := s.GetThreadByMessage(messageID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	rec := &ThreadRecord{
		ID:          ulid.Make().String(),
		MessageID:   messageID,
		VisualState: "open",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (id, message_id, visual_state, created_at, updated_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, rec.ID, rec.MessageID, rec.VisualState, rec.CreatedAt, rec.UpdatedAt, now)
	if err != nil {
		return nil, err
	}

	// A concurrent ensure may have won the insert; re-read the row either way.
	created, err := s.GetThreadByMessage(messageID)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("thread vanished after ensure")
	}
	if created.ID == rec.ID {
		s.notify(newEvent(EventThreadCreated, "", rec.ID, created))
	}
	return created, nil
}

// GetThread retrieves a thread by id, or nil when absent.
func (s *Store) GetThread(threadID string) (*ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.scanThread(s.db.QueryRow(`
		SELECT id, message_id, position_json, size_json, visual_state, created_at, updated_at
		FROM threads WHERE id = ?
	`, threadID))
}

// GetThreadByMessage retrieves the thread anchored to a message, or nil.
func (s *Store) GetThreadByMessage(messageID string) (*ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.scanThread(s.db.QueryRow(`
		SELECT id, message_id, position_json, size_json, visual_state, created_at, updated_at
		FROM threads WHERE message_id = ?
	`, messageID))
}

func (s *Store) scanThread(row *sql.Row) (*ThreadRecord, error) {
	var rec ThreadRecord
	var position, size sql.NullString
	if err := row.Scan(
		&rec.ID,
		&rec.MessageID,
		&position,
		&size,
		&rec.VisualState,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.PositionJSON = position.String
	rec.SizeJSON = size.String
	return &rec, nil
}

// UpdateThreadMeta persists position/size/visual-state for a thread.
func (s *Store) UpdateThreadMeta(threadID, positionJSON, sizeJSON, visualState string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE threads
		SET position_json = ?, size_json = ?, visual_state = ?, updated_at = ?, last_active = ?
		WHERE id = ?
	`, nullIfEmpty(positionJSON), nullIfEmpty(sizeJSON), visualState, now, now, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread not found: %s", threadID)
	}
	s.notify(newEvent(EventThreadUpdated, "", threadID, map[string]any{
		"position": positionJSON,
		"size":     sizeJSON,
		"state":    visualState,
	}))
	return nil
}

// DeleteThread removes a thread, its snippets and messages.
func (s *Store) DeleteThread(threadID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.Exec(`DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(newEvent(EventThreadDeleted, "", threadID, nil))
	}
	return nil
}

// AddSnippet appends a snippet to a thread, deduplicating by exact text
// match. The returned record is the existing snippet when the text is
// already attached.
func (s *Store) AddSnippet(threadID, text string) (*SnippetRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if text == "" {
		return nil, fmt.Errorf("snippet text required")
	}

	// Dedup is by exact text equality; near-duplicates differing by
	// whitespace are distinct snippets.
	existing := s.db.QueryRow(`
		SELECT id, thread_id, text, created_at FROM thread_snippets
		WHERE thread_id = ? AND text = ?
	`, threadID, text)
	var rec SnippetRecord
	err := existing.Scan(&rec.ID, &rec.ThreadID, &rec.Text, &rec.CreatedAt)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rec = SnippetRecord{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.Exec(`
		INSERT INTO thread_snippets (id, thread_id, text, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.ThreadID, rec.Text, rec.CreatedAt); err != nil {
		return nil, err
	}

	s.notify(newEvent(EventSnippetAdded, "", threadID, rec))
	return &rec, nil
}

// ListSnippets returns the snippets attached to a thread in creation order.
func (s *Store) ListSnippets(threadID string) ([]SnippetRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT id, thread_id, text, created_at FROM thread_snippets
		WHERE thread_id = ? ORDER BY created_at ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snippets []SnippetRecord
	for rows.Next() {
		var rec SnippetRecord
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Text, &rec.CreatedAt); err != nil {
			return nil, err
		}
		snippets = append(snippets, rec)
	}
	return snippets, rows.Err()
}

// SaveThreadMessage appends a message to a thread.
func (s *Store) SaveThreadMessage(msg *ThreadMessageRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO thread_messages (thread_id, role, content, snippet_id, is_truncated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ThreadID, msg.Role, msg.Content, nullIfEmpty(msg.SnippetID), msg.IsTruncated, msg.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id

	s.notify(newEvent(EventThreadMessage, "", msg.ThreadID, *msg))
	return nil
}

// ListThreadMessages returns a thread's messages in insertion order.
func (s *Store) ListThreadMessages(threadID string) ([]ThreadMessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT id, thread_id, role, content, snippet_id, COALESCE(is_truncated, FALSE), created_at
		FROM thread_messages
		WHERE thread_id = ?
		ORDER BY id ASC
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ThreadMessageRecord
	for rows.Next() {
		var msg ThreadMessageRecord
		var snippetID sql.NullString
		if err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.Role,
			&msg.Content,
			&snippetID,
			&msg.IsTruncated,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msg.SnippetID = snippetID.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
