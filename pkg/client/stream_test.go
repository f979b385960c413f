package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, e := range events {
			fmt.Fprint(w, e)
			flusher.Flush()
		}
	}))
}

func TestStreamMessageTokens(t *testing.T) {
	srv := sseServer(t, []string{
		"event: token\ndata: {\"text\":\"hel\"}\n\n",
		"event: token\ndata: {\"text\":\"lo\"}\n\n",
		"event: done\ndata: {}\n\n",
	})
	defer srv.Close()

	c := New(srv.URL)
	var got []string
	err := c.StreamMessage(context.Background(), "t1", "hi", "", func(text string) {
		got = append(got, text)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.Join(got, ""))
}

func TestStreamMessageQueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mini-threads/t1/messages/stream", r.URL.Path)
		assert.Equal(t, "explain", r.URL.Query().Get("content"))
		assert.Equal(t, "snip-1", r.URL.Query().Get("snippet_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.StreamMessage(context.Background(), "t1", "explain", "snip-1", func(string) {})
	require.NoError(t, err)
}

func TestStreamMessageErrorEvent(t *testing.T) {
	srv := sseServer(t, []string{
		"event: error\ndata: {\"message\":\"model unavailable\"}\n\n",
	})
	defer srv.Close()

	c := New(srv.URL)
	err := c.StreamMessage(context.Background(), "t1", "hi", "", func(string) {})
	require.Error(t, err)
	assert.True(t, margerr.IsCode(err, margerr.ErrCodeStreamFailed))
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestStreamMessageErrorAfterTokens(t *testing.T) {
	srv := sseServer(t, []string{
		"event: token\ndata: {\"text\":\"partial\"}\n\n",
		"event: error\ndata: {\"message\":\"upstream closed\"}\n\n",
	})
	defer srv.Close()

	c := New(srv.URL)
	var got []string
	err := c.StreamMessage(context.Background(), "t1", "hi", "", func(text string) {
		got = append(got, text)
	})
	// Tokens already delivered stay with the caller; the error reports the
	// broken tail so the caller can decide to accept the partial reply.
	require.Error(t, err)
	assert.Equal(t, []string{"partial"}, got)
}

func TestStreamMessageTruncatedStream(t *testing.T) {
	srv := sseServer(t, []string{
		"event: token\ndata: {\"text\":\"a\"}\n\n",
	})
	defer srv.Close()

	c := New(srv.URL)
	err := c.StreamMessage(context.Background(), "t1", "hi", "", func(string) {})
	require.Error(t, err)
	assert.True(t, margerr.IsCode(err, margerr.ErrCodeStreamFailed))
}

func TestStreamMessageConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream for you", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.StreamMessage(context.Background(), "t1", "hi", "", func(string) {})
	require.Error(t, err)
	assert.True(t, margerr.IsRetryable(err))
}

func TestStreamMessageCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: token\ndata: {\"text\":\"a\"}\n\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.StreamMessage(ctx, "t1", "hi", "", func(string) {
			cancel()
		})
	}()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
