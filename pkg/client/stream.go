package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

// StreamMessage posts a user message and streams the assistant reply
// token-by-token through the tokens callback. It returns nil when the stream
// ends with a done event, the context error on cancellation, and a
// STREAM_FAILED error on connection failure or a terminal error event. The
// caller decides how to treat a failure that arrives after tokens were
// already delivered.
func (c *Client) StreamMessage(ctx context.Context, threadID, content, snippetID string, tokens func(text string)) error {
	q := url.Values{}
	q.Set("content", content)
	if snippetID != "" {
		q.Set("snippet_id", snippetID)
	}
	path := fmt.Sprintf("/mini-threads/%s/messages/stream?%s", url.PathEscape(threadID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream outlives the normal request timeout; rely on ctx instead.
	httpClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return margerr.Wrap(err, margerr.ErrCodeStreamFailed, "open token stream").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(path, resp)
	}

	return parseTokenStream(ctx, resp.Body, tokens)
}

// parseTokenStream reads SSE events: named token events carrying {"text"},
// and a terminal done or error event.
func parseTokenStream(ctx context.Context, r io.Reader, tokens func(text string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := ""
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			event = ""
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch event {
		case "token":
			var chunk struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("decoding token event: %w", err)
			}
			tokens(chunk.Text)
		case "done":
			return nil
		case "error":
			var failure struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(data), &failure)
			if failure.Message == "" {
				failure.Message = "stream reported an error"
			}
			return margerr.New(margerr.ErrCodeStreamFailed, failure.Message)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return margerr.Wrap(err, margerr.ErrCodeStreamFailed, "reading token stream")
	}
	// EOF without a terminal event is a broken stream.
	return margerr.New(margerr.ErrCodeStreamFailed, "stream ended without done event")
}
