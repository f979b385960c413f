package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AnnotationRecord is the persisted annotation state for one message.
// DocumentJSON and HighlightsJSON carry the serialized styled document and
// highlight set; the server re-derives the document before storing, so the
// stored pair is always consistent.
type AnnotationRecord struct {
	SessionID      string    `json:"sessionId"`
	MessageID      string    `json:"messageId"`
	Content        string    `json:"content"`
	DocumentJSON   string    `json:"documentJson"`
	HighlightsJSON string    `json:"highlightsJson"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// UpsertAnnotation writes or replaces the annotation record for a message.
func (s *Store) UpsertAnnotation(rec AnnotationRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if strings.TrimSpace(rec.SessionID) == "" || strings.TrimSpace(rec.MessageID) == "" {
		return fmt.Errorf("annotation requires session and message ids")
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO annotations (session_id, message_id, content, document_json, highlights_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
			content = excluded.content,
			document_json = excluded.document_json,
			highlights_json = excluded.highlights_json,
			updated_at = excluded.updated_at
	`, rec.SessionID, rec.MessageID, rec.Content, rec.DocumentJSON, rec.HighlightsJSON, rec.UpdatedAt)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventAnnotationUpdated, rec.SessionID, rec.MessageID, rec))
	return nil
}

// GetAnnotation retrieves the annotation record for a message, or nil when
// the message has never been annotated.
func (s *Store) GetAnnotation(sessionID, messageID string) (*AnnotationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT session_id, message_id, content, document_json, highlights_json, updated_at
		FROM annotations
		WHERE session_id = ? AND message_id = ?
	`, sessionID, messageID)

	var rec AnnotationRecord
	if err := row.Scan(
		&rec.SessionID,
		&rec.MessageID,
		&rec.Content,
		&rec.DocumentJSON,
		&rec.HighlightsJSON,
		&rec.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// DeleteAnnotation removes the annotation record for a message.
func (s *Store) DeleteAnnotation(sessionID, messageID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.Exec(`DELETE FROM annotations WHERE session_id = ? AND message_id = ?`, sessionID, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(newEvent(EventAnnotationDeleted, sessionID, messageID, nil))
	}
	return nil
}

// ListAnnotations returns all annotation records for a session.
func (s *Store) ListAnnotations(sessionID string) ([]AnnotationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT session_id, message_id, content, document_json, highlights_json, updated_at
		FROM annotations
		WHERE session_id = ?
		ORDER BY updated_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AnnotationRecord
	for rows.Next() {
		var rec AnnotationRecord
		if err := rows.Scan(
			&rec.SessionID,
			&rec.MessageID,
			&rec.Content,
			&rec.DocumentJSON,
			&rec.HighlightsJSON,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
