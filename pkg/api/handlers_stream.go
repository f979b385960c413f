package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	margerr "github.com/odvcencio/margin/pkg/errors"
	"github.com/odvcencio/margin/pkg/storage"
)

// handleSendMessage is the non-streaming reply path, used by clients whose
// token stream failed before any token arrived.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var body struct {
		Content   string `json:"content"`
		SnippetID string `json:"snippetId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest,
			margerr.Wrap(err, margerr.ErrCodeInvalidInput, "decode message body"))
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		respondError(w, http.StatusUnprocessableEntity,
			margerr.New(margerr.ErrCodeInvalidInput, "message content required"))
		return
	}

	req, ok := s.buildReplyRequest(w, threadID, body.Content, body.SnippetID)
	if !ok {
		return
	}

	if err := s.saveMessage(threadID, "user", body.Content, body.SnippetID, false); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	reply, err := s.responder.Reply(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadGateway,
			margerr.Wrap(err, margerr.ErrCodeStreamFailed, "responder failed"))
		return
	}

	if err := s.saveMessage(threadID, "assistant", reply, "", false); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	metricThreadMessages.Inc()
	respondJSON(w, map[string]string{"assistantText": reply})
}

// handleStreamMessage streams the assistant reply as SSE token events with a
// terminal done or error event. Heartbeat comments keep the connection alive
// through idle stretches.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	content := r.URL.Query().Get("content")
	snippetID := r.URL.Query().Get("snippet_id")

	if strings.TrimSpace(content) == "" {
		respondError(w, http.StatusUnprocessableEntity,
			margerr.New(margerr.ErrCodeInvalidInput, "message content required"))
		return
	}

	req, ok := s.buildReplyRequest(w, threadID, content, snippetID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError,
			margerr.New(margerr.ErrCodeInternal, "streaming unsupported"))
		return
	}

	if err := s.saveMessage(threadID, "user", content, snippetID, false); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metricActiveStreams.Inc()
	defer metricActiveStreams.Dec()

	ctx := r.Context()
	tokens, errs := s.responder.Stream(ctx, req)

	heartbeat := time.NewTicker(s.cfg.StreamHeartbeat)
	defer heartbeat.Stop()

	var reply strings.Builder
	sent := 0

stream:
	for {
		select {
		case tok, open := <-tokens:
			if !open {
				break stream
			}
			reply.WriteString(tok)
			sent++
			writeSSE(w, flusher, "token", map[string]string{"text": tok})
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			break stream
		}
	}

	// Responders settle the error channel before closing the token channel,
	// so this receive cannot block once the loop exits normally. A
	// cancelled request skips it; the responder may still be mid-send.
	var streamErr error
	if ctx.Err() == nil {
		streamErr = <-errs
	} else {
		streamErr = ctx.Err()
	}

	switch {
	case streamErr == nil:
		if err := s.saveMessage(threadID, "assistant", reply.String(), "", false); err != nil {
			s.logWarn("stream_persist", err.Error(), map[string]any{"thread_id": threadID})
		}
		metricThreadMessages.Inc()
		writeSSE(w, flusher, "done", map[string]string{})

	case sent > 0:
		// Tokens already went out; the partial reply is what the thread
		// records, marked truncated.
		metricStreamErrors.Inc()
		if err := s.saveMessage(threadID, "assistant", reply.String(), "", true); err != nil {
			s.logWarn("stream_persist", err.Error(), map[string]any{"thread_id": threadID})
		}
		writeSSE(w, flusher, "error", map[string]string{"message": streamErr.Error()})

	default:
		// Nothing was delivered; the client retries via the non-streaming
		// endpoint, so no assistant message is recorded here.
		metricStreamErrors.Inc()
		writeSSE(w, flusher, "error", map[string]string{"message": streamErr.Error()})
	}
}

// buildReplyRequest loads the thread, resolves the snippet reference, and
// gathers history. It writes the error response itself and returns ok=false
// when the thread or snippet is unknown.
func (s *Server) buildReplyRequest(w http.ResponseWriter, threadID, content, snippetID string) (ReplyRequest, bool) {
	rec, err := s.store.GetThread(threadID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return ReplyRequest{}, false
	}
	if rec == nil {
		respondError(w, http.StatusNotFound,
			margerr.New(margerr.ErrCodeNotFound, "unknown thread"))
		return ReplyRequest{}, false
	}

	req := ReplyRequest{ThreadID: threadID, Content: content}

	if snippetID != "" {
		snippets, err := s.store.ListSnippets(threadID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return ReplyRequest{}, false
		}
		for _, snippet := range snippets {
			if snippet.ID == snippetID {
				req.Snippet = snippet.Text
				break
			}
		}
		if req.Snippet == "" {
			respondError(w, http.StatusUnprocessableEntity,
				margerr.New(margerr.ErrCodeInvalidInput, "unknown snippet "+snippetID))
			return ReplyRequest{}, false
		}
	}

	history, err := s.store.ListThreadMessages(threadID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return ReplyRequest{}, false
	}
	req.History = history
	return req, true
}

func (s *Server) saveMessage(threadID, role, content, snippetID string, truncated bool) error {
	msg := &storage.ThreadMessageRecord{
		ThreadID:    threadID,
		Role:        role,
		Content:     content,
		SnippetID:   snippetID,
		IsTruncated: truncated,
	}
	if err := s.store.SaveThreadMessage(msg); err != nil {
		return margerr.Wrap(err, margerr.ErrCodeStorageWrite, "save thread message")
	}
	return nil
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
