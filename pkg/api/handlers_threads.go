package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/margin/pkg/client"
	margerr "github.com/odvcencio/margin/pkg/errors"
	"github.com/odvcencio/margin/pkg/minithread"
	"github.com/odvcencio/margin/pkg/storage"
)

func threadInfo(rec *storage.ThreadRecord) client.ThreadInfo {
	return client.ThreadInfo{
		ID:          rec.ID,
		MessageID:   rec.MessageID,
		VisualState: rec.VisualState,
	}
}

// handleEnsureThread creates the mini-thread anchored to a message, or
// returns the existing one. One thread per message.
func (s *Server) handleEnsureThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID string `json:"messageId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest,
			margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode ensure body"))
		return
	}
	if strings.TrimSpace(body.MessageID) == "" {
		respondError(w, http.StatusUnprocessableEntity,
			margerr.New(margerr.ErrCodeInvalidInput, "messageId required"))
		return
	}

	rec, err := s.store.EnsureThread(body.MessageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError,
			margerr.Wrap(err, margerr.ErrCodeStorageWrite, "ensure thread"))
		return
	}
	respondJSON(w, threadInfo(rec))
}

// handleThreadByMessage reports whether a thread is anchored to a message.
func (s *Server) handleThreadByMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("messageId")
	if strings.TrimSpace(messageID) == "" {
		respondError(w, http.StatusUnprocessableEntity,
			margerr.New(margerr.ErrCodeInvalidInput, "messageId required"))
		return
	}

	rec, err := s.store.GetThreadByMessage(messageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	resp := struct {
		Exists   bool   `json:"exists"`
		ThreadID string `json:"threadId,omitempty"`
	}{Exists: rec != nil}
	if rec != nil {
		resp.ThreadID = rec.ID
	}
	respondJSON(w, resp)
}

// handleAddSnippet attaches selected text to a thread. Identical text maps
// to the existing snippet id.
func (s *Server) handleAddSnippet(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest,
			margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode snippet body"))
		return
	}
	if body.Text == "" {
		respondError(w, http.StatusUnprocessableEntity,
			margerr.New(margerr.ErrCodeInvalidInput, "snippet text required"))
		return
	}

	if ok := s.requireThread(w, threadID); !ok {
		return
	}

	snippet, err := s.store.AddSnippet(threadID, body.Text)
	if err != nil {
		respondError(w, http.StatusInternalServerError,
			margerr.Wrap(err, margerr.ErrCodeStorageWrite, "add snippet"))
		return
	}
	respondJSON(w, map[string]string{"snippetId": snippet.ID})
}

// handlePutThreadMeta persists the panel's position, size and visual state.
func (s *Server) handlePutThreadMeta(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var meta client.ThreadMeta
	if err := decodeJSON(r, &meta); err != nil {
		respondError(w, http.StatusBadRequest,
			margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode thread meta"))
		return
	}

	rec, err := s.store.GetThread(threadID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound,
			margerr.New(margerr.ErrCodeNotFound, "unknown thread"))
		return
	}

	state := meta.State
	if state == "" {
		state = rec.VisualState
	}
	if !minithread.VisualState(state).Valid() {
		respondError(w, http.StatusUnprocessableEntity,
			margerr.New(margerr.ErrCodeInvalidInput, "unknown visual state "+state))
		return
	}

	position := rec.PositionJSON
	if len(meta.Position) > 0 {
		position = string(meta.Position)
	}
	size := rec.SizeJSON
	if len(meta.Size) > 0 {
		size = string(meta.Size)
	}

	if err := s.store.UpdateThreadMeta(threadID, position, size, state); err != nil {
		respondError(w, http.StatusInternalServerError,
			margerr.Wrap(err, margerr.ErrCodeStorageWrite, "update thread meta"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteThread destroys the thread, its snippets and messages.
// Closing a panel never reaches here; this is the explicit delete.
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := s.store.DeleteThread(threadID); err != nil {
		respondError(w, http.StatusInternalServerError,
			margerr.Wrap(err, margerr.ErrCodeStorageWrite, "delete thread"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireThread writes a 404 and returns false when the thread is unknown.
func (s *Server) requireThread(w http.ResponseWriter, threadID string) bool {
	rec, err := s.store.GetThread(threadID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return false
	}
	if rec == nil {
		respondError(w, http.StatusNotFound,
			margerr.New(margerr.ErrCodeNotFound, "unknown thread"))
		return false
	}
	return true
}
