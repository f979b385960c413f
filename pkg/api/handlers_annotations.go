package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/margin/pkg/client"
	"github.com/odvcencio/margin/pkg/document"
	margerr "github.com/odvcencio/margin/pkg/errors"
	"github.com/odvcencio/margin/pkg/highlight"
	"github.com/odvcencio/margin/pkg/storage"
)

// handleGetAnnotations returns the canonical annotation record for a message.
// A message that was never annotated is a 404.
func (s *Server) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	rec, err := s.store.GetAnnotation(sessionID, messageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound,
			margerr.New(margerr.ErrCodeNotFound, "message has no annotations"))
		return
	}

	payload, err := payloadFromRecord(rec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, payload)
}

// handlePutAnnotations stores the annotation record for a message. The server
// is the source of truth for document shape: it validates the highlight set,
// re-derives the styled document from content plus highlights, and returns
// the sanitized pair it actually stored.
func (s *Server) handlePutAnnotations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	var payload client.AnnotationPayload
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest,
			margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode annotation payload"))
		return
	}

	sanitized, err := sanitizeAnnotations(payload)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	docJSON, err := json.Marshal(sanitized.AnnotatedDocument)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	highlightsJSON, err := json.Marshal(sanitized.Highlights)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	rec := storage.AnnotationRecord{
		SessionID:      sessionID,
		MessageID:      messageID,
		Content:        sanitized.AnnotatedDocument.Text(),
		DocumentJSON:   string(docJSON),
		HighlightsJSON: string(highlightsJSON),
	}
	if err := s.store.UpsertAnnotation(rec); err != nil {
		respondError(w, http.StatusInternalServerError,
			margerr.Wrap(err, margerr.ErrCodeStorageWrite, "store annotation"))
		return
	}

	metricAnnotationSaves.Inc()
	respondJSON(w, sanitized)
}

// sanitizeAnnotations validates the highlight set against the document's
// logical text and rebuilds the styled document from it. Inverted,
// out-of-range, or overlapping ranges are rejected; selected text is
// recomputed from the content rather than trusted.
func sanitizeAnnotations(payload client.AnnotationPayload) (client.AnnotationPayload, error) {
	content := payload.AnnotatedDocument.Text()
	runes := []rune(content)

	highlights := append([]highlight.Highlight(nil), payload.Highlights...)
	for i, h := range highlights {
		if strings.TrimSpace(h.ID) == "" {
			return client.AnnotationPayload{},
				margerr.New(margerr.ErrCodeInvalidInput, "highlight missing id")
		}
		if h.StartOffset < 0 || h.EndOffset <= h.StartOffset {
			return client.AnnotationPayload{},
				margerr.New(margerr.ErrCodeInvalidInput, "highlight range must satisfy 0 <= start < end").
					WithContext("id", h.ID)
		}
		if h.EndOffset > len(runes) {
			return client.AnnotationPayload{},
				margerr.New(margerr.ErrCodeInvalidInput, "highlight range exceeds content length").
					WithContext("id", h.ID)
		}
		highlights[i].SelectedText = string(runes[h.StartOffset:h.EndOffset])
	}
	if err := highlight.Validate(highlights); err != nil {
		return client.AnnotationPayload{},
			margerr.Wrap(err, margerr.ErrCodeInvalidInput, "overlapping highlights rejected")
	}

	return client.AnnotationPayload{
		AnnotatedDocument: document.Derive(content, highlight.Spans(highlights)),
		Highlights:        highlights,
	}, nil
}

func payloadFromRecord(rec *storage.AnnotationRecord) (client.AnnotationPayload, error) {
	var payload client.AnnotationPayload
	if err := json.Unmarshal([]byte(rec.DocumentJSON), &payload.AnnotatedDocument); err != nil {
		return payload, margerr.Wrap(err, margerr.ErrCodeStorageRead, "decode stored document")
	}
	if err := json.Unmarshal([]byte(rec.HighlightsJSON), &payload.Highlights); err != nil {
		return payload, margerr.Wrap(err, margerr.ErrCodeStorageRead, "decode stored highlights")
	}
	if payload.Highlights == nil {
		payload.Highlights = []highlight.Highlight{}
	}
	return payload, nil
}
