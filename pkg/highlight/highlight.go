// Package highlight holds the authoritative highlight set for a message and
// the overlap resolver that keeps it pairwise non-overlapping. All ranges are
// half-open [start,end) absolute rune offsets over the message's logical
// text; mutation goes through the resolver, never through the rendered view.
package highlight

import (
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/margin/pkg/document"
)

// Highlight is one colored, optionally annotated span of a message.
type Highlight struct {
	ID           string    `json:"id"`
	Color        string    `json:"color"`
	StartOffset  int       `json:"startOffset"`
	EndOffset    int       `json:"endOffset"`
	SelectedText string    `json:"selectedText"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Span converts the highlight to a document span for deriving the styled view.
func (h Highlight) Span() document.Span {
	return document.Span{ID: h.ID, Start: h.StartOffset, End: h.EndOffset}
}

// Spans converts a highlight set for document.Derive.
func Spans(highlights []Highlight) []document.Span {
	spans := make([]document.Span, 0, len(highlights))
	for _, h := range highlights {
		spans = append(spans, h.Span())
	}
	return spans
}

// Overlaps reports whether the highlight shares any offset with [start,end).
// Abutting boundaries do not overlap: ranges are inclusive-start,
// exclusive-end.
func (h Highlight) Overlaps(start, end int) bool {
	return h.StartOffset < end && start < h.EndOffset
}

func newID() string {
	return uuid.NewString()
}
