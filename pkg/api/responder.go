package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/margin/pkg/storage"
)

// ReplyRequest carries everything a responder needs to produce an assistant
// reply for a mini-thread message.
type ReplyRequest struct {
	ThreadID string
	Content  string
	// Snippet is the referenced selection text, empty when none.
	Snippet string
	// History is the prior conversation, oldest first.
	History []storage.ThreadMessageRecord
}

// Responder produces assistant replies. Reply returns the whole text at
// once; Stream emits it token by token. The tokens channel closes when
// generation finishes; errs must carry the terminal error, or be closed, by
// the time tokens closes. Chat transport behind the responder is out of
// scope here; the service only relays what it produces.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
	Stream(ctx context.Context, req ReplyRequest) (tokens <-chan string, errs <-chan error)
}

// CannedResponder is a deterministic responder for tests and local serving.
// It answers from a template over the request and streams word by word.
type CannedResponder struct {
	// ReplyText overrides the default template.
	ReplyText func(req ReplyRequest) string
	// TokenDelay paces streamed tokens; zero streams as fast as the
	// consumer reads.
	TokenDelay time.Duration
}

func (c *CannedResponder) text(req ReplyRequest) string {
	if c.ReplyText != nil {
		return c.ReplyText(req)
	}
	if req.Snippet != "" {
		return fmt.Sprintf("Regarding %q: %s", req.Snippet, req.Content)
	}
	return "Regarding this message: " + req.Content
}

// Reply implements Responder.
func (c *CannedResponder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	return c.text(req), nil
}

// Stream implements Responder.
func (c *CannedResponder) Stream(ctx context.Context, req ReplyRequest) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errs)
		for _, tok := range splitTokens(c.text(req)) {
			if c.TokenDelay > 0 {
				select {
				case <-time.After(c.TokenDelay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			select {
			case tokens <- tok:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return tokens, errs
}

// splitTokens cuts text into word tokens that concatenate back to the
// original, trailing whitespace included.
func splitTokens(text string) []string {
	var out []string
	var sb strings.Builder
	inSpace := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !isSpace && sb.Len() > 0 {
			out = append(out, sb.String())
			sb.Reset()
		}
		sb.WriteRune(r)
		inSpace = isSpace
	}
	if sb.Len() > 0 {
		out = append(out, sb.String())
	}
	return out
}
