// Package client implements the HTTP client for the annotation service: the
// annotation record endpoints, the mini-thread endpoints, and the SSE token
// subscription for streamed assistant replies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/margin/pkg/document"
	margerr "github.com/odvcencio/margin/pkg/errors"
	"github.com/odvcencio/margin/pkg/highlight"
)

const (
	defaultTimeout = 10 * time.Second

	// Writes are debounced upstream, but a burst of distinct keys can still
	// fan out; cap write throughput to stay polite to the remote service.
	defaultWriteRate  = rate.Limit(5)
	defaultWriteBurst = 10
)

// DefaultTransport returns an http.Transport with tuned connection pool settings.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// AnnotationPayload is the wire shape of one message's annotation state.
type AnnotationPayload struct {
	AnnotatedDocument document.StyledDocument `json:"annotatedDocument"`
	Highlights        []highlight.Highlight   `json:"highlights"`
}

// ThreadInfo is the wire shape of a mini-thread returned by the service.
type ThreadInfo struct {
	ID          string `json:"id"`
	MessageID   string `json:"messageId"`
	VisualState string `json:"visualState"`
}

// ThreadMeta is the persisted ui metadata for a mini-thread panel.
type ThreadMeta struct {
	Position json.RawMessage `json:"position,omitempty"`
	Size     json.RawMessage `json:"size,omitempty"`
	State    string          `json:"state"`
}

// Client talks to the annotation service.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	writeLimiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: DefaultTransport(),
		},
		writeLimiter: rate.NewLimiter(defaultWriteRate, defaultWriteBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAnnotations fetches the canonical annotation record for a message.
// A message that was never annotated returns (nil, nil).
func (c *Client) GetAnnotations(ctx context.Context, sessionID, messageID string) (*AnnotationPayload, error) {
	path := fmt.Sprintf("/messages/%s/%s", url.PathEscape(sessionID), url.PathEscape(messageID))
	var payload AnnotationPayload
	found, err := c.getJSON(ctx, path, &payload)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &payload, nil
}

// PutAnnotations persists the annotation record and returns the sanitized
// shape the server actually stored.
func (c *Client) PutAnnotations(ctx context.Context, sessionID, messageID string, payload AnnotationPayload) (*AnnotationPayload, error) {
	path := fmt.Sprintf("/messages/%s/%s", url.PathEscape(sessionID), url.PathEscape(messageID))
	var sanitized AnnotationPayload
	if err := c.writeJSON(ctx, http.MethodPut, path, payload, &sanitized); err != nil {
		return nil, err
	}
	return &sanitized, nil
}

// EnsureThread returns the mini-thread for a message, creating it on first call.
func (c *Client) EnsureThread(ctx context.Context, messageID string) (*ThreadInfo, error) {
	var info ThreadInfo
	body := map[string]string{"messageId": messageID}
	if err := c.writeJSON(ctx, http.MethodPost, "/mini-threads:ensure", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ThreadExists reports whether a mini-thread is anchored to the message.
func (c *Client) ThreadExists(ctx context.Context, messageID string) (bool, error) {
	path := "/mini-threads:byMessage?messageId=" + url.QueryEscape(messageID)
	var resp struct {
		Exists bool `json:"exists"`
	}
	if _, err := c.getJSON(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// AddSnippet attaches selected text to a thread as context and returns the
// snippet id (the existing one when the text is already attached).
func (c *Client) AddSnippet(ctx context.Context, threadID, text string) (string, error) {
	path := fmt.Sprintf("/mini-threads/%s/snippets", url.PathEscape(threadID))
	var resp struct {
		SnippetID string `json:"snippetId"`
	}
	body := map[string]string{"text": text}
	if err := c.writeJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.SnippetID, nil
}

// SendMessage posts a user message and returns the whole assistant reply.
// This is the non-streaming path, used directly as the zero-token fallback.
func (c *Client) SendMessage(ctx context.Context, threadID, content, snippetID string) (string, error) {
	path := fmt.Sprintf("/mini-threads/%s/messages", url.PathEscape(threadID))
	var resp struct {
		AssistantText string `json:"assistantText"`
	}
	body := map[string]string{"content": content}
	if snippetID != "" {
		body["snippetId"] = snippetID
	}
	if err := c.writeJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.AssistantText, nil
}

// PutThreadMeta persists a thread panel's position, size and visual state.
func (c *Client) PutThreadMeta(ctx context.Context, threadID string, meta ThreadMeta) error {
	path := fmt.Sprintf("/mini-threads/%s/ui-meta", url.PathEscape(threadID))
	return c.writeJSON(ctx, http.MethodPut, path, meta, nil)
}

// getJSON performs a GET. The bool return is false on 404.
func (c *Client) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, margerr.Wrap(err, margerr.ErrCodePersistFailed, "GET "+path).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, c.statusError(path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return true, nil
}

// writeJSON performs a rate-limited PUT/POST with a JSON body.
func (c *Client) writeJSON(ctx context.Context, method, path string, body, out any) error {
	if err := c.writeLimiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return margerr.Wrap(err, margerr.ErrCodePersistFailed, method+" "+path).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) statusError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	err := margerr.New(margerr.ErrCodePersistFailed,
		fmt.Sprintf("%s: %s", path, msg)).
		WithContext("status", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err.WithRetryable(true)
	}
	return err
}
