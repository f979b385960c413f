// Package document models rendered message content as an ordered list of
// text segments and maps between rendered selections and absolute character
// offsets. All mutation happens on this model; views are re-derived from it.
package document

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Segment is a contiguous run of text sharing one highlight state.
// HighlightID is empty for plain text.
type Segment struct {
	Text        string `json:"text"`
	HighlightID string `json:"highlightId,omitempty"`
}

// StyledDocument is the rendered message content. The concatenation of all
// segment texts equals the message's logical text; segment order is fixed.
type StyledDocument struct {
	Segments []Segment `json:"segments"`
}

// Span is a half-open highlighted region [Start,End) in absolute rune
// offsets, used as input when deriving a styled document.
type Span struct {
	ID    string
	Start int
	End   int
}

// Text returns the logical text content of the document.
func (d StyledDocument) Text() string {
	var sb strings.Builder
	for _, seg := range d.Segments {
		sb.WriteString(seg.Text)
	}
	return sb.String()
}

// Len returns the logical text length in runes.
func (d StyledDocument) Len() int {
	n := 0
	for _, seg := range d.Segments {
		n += utf8.RuneCountInString(seg.Text)
	}
	return n
}

// Spans reconstructs the highlighted regions of the document as absolute
// rune offsets, in document order.
func (d StyledDocument) Spans() []Span {
	var spans []Span
	cursor := 0
	for _, seg := range d.Segments {
		n := utf8.RuneCountInString(seg.Text)
		if seg.HighlightID != "" {
			spans = append(spans, Span{ID: seg.HighlightID, Start: cursor, End: cursor + n})
		}
		cursor += n
	}
	return spans
}

// Derive builds the styled document for content and a set of highlight
// spans. Spans are sorted by start offset and clamped to the content bounds;
// spans that are empty after clamping are skipped. Callers are expected to
// pass a non-overlapping set (the resolver guarantees this), but overlap in
// the input cannot corrupt the output: a span starting inside the previous
// one is trimmed to begin where the previous span ended.
func Derive(content string, spans []Span) StyledDocument {
	runes := []rune(content)
	total := len(runes)

	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	var doc StyledDocument
	cursor := 0
	for _, span := range sorted {
		start, end := span.Start, span.End
		if start < cursor {
			start = cursor
		}
		if end > total {
			end = total
		}
		if start >= end {
			continue
		}
		if start > cursor {
			doc.Segments = append(doc.Segments, Segment{Text: string(runes[cursor:start])})
		}
		doc.Segments = append(doc.Segments, Segment{
			Text:        string(runes[start:end]),
			HighlightID: span.ID,
		})
		cursor = end
	}
	if cursor < total {
		doc.Segments = append(doc.Segments, Segment{Text: string(runes[cursor:total])})
	}
	return doc
}
