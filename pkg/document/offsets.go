package document

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrAnchorNotFound indicates a selection anchor that cannot be located in
// the document (segment index out of range or offset past segment end).
var ErrAnchorNotFound = errors.New("document: selection anchor not found")

// Anchor addresses a position in the rendered document: a segment index and
// a rune offset inside that segment.
type Anchor struct {
	Segment int `json:"segment"`
	Offset  int `json:"offset"`
}

// Range is a rendered selection between two anchors. SelectedText carries
// the text the user actually selected and backs the end-anchor fallback.
type Range struct {
	Start        Anchor `json:"start"`
	End          Anchor `json:"end"`
	SelectedText string `json:"selectedText,omitempty"`
}

// Offsets is an absolute half-open character range [Start,End) measured over
// the concatenation of all segments in document order.
type Offsets struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ToOffsets converts a rendered selection to absolute offsets by walking the
// segments in order with a running length counter. If the end anchor cannot
// be located (a selection collapsing across a segment boundary), it falls
// back to start + len(SelectedText), clamped to stay >= start. An
// unresolvable start anchor is an error; the caller degrades, never the user.
func ToOffsets(doc StyledDocument, r Range) (Offsets, error) {
	start, err := resolveAnchor(doc, r.Start)
	if err != nil {
		return Offsets{}, fmt.Errorf("start anchor: %w", err)
	}

	end, err := resolveAnchor(doc, r.End)
	if err != nil {
		end = start + utf8.RuneCountInString(r.SelectedText)
	}
	if end < start {
		end = start
	}
	if total := doc.Len(); end > total {
		end = total
	}
	return Offsets{Start: start, End: end}, nil
}

// ToRange converts absolute offsets back to a renderable selection, walking
// segments until the running total reaches each offset and splitting the
// anchor inside the owning segment. End is clamped to the document length.
// The round-trip with ToOffsets holds only while the document is unmutated
// between the two calls; callers recompute offsets before editing.
func ToRange(doc StyledDocument, start, end int) (Range, error) {
	total := doc.Len()
	if start < 0 || start > total {
		return Range{}, fmt.Errorf("document: start offset %d out of range [0,%d]", start, total)
	}
	if end < start {
		return Range{}, fmt.Errorf("document: end offset %d before start %d", end, start)
	}
	if end > total {
		end = total
	}

	r := Range{
		Start: locateOffset(doc, start),
		End:   locateOffset(doc, end),
	}
	r.SelectedText = sliceText(doc, start, end)
	return r, nil
}

// resolveAnchor returns the absolute offset of an anchor, or
// ErrAnchorNotFound when it does not address a position in the document.
func resolveAnchor(doc StyledDocument, a Anchor) (int, error) {
	if a.Segment < 0 || a.Segment >= len(doc.Segments) || a.Offset < 0 {
		return 0, ErrAnchorNotFound
	}
	running := 0
	for i := 0; i < a.Segment; i++ {
		running += utf8.RuneCountInString(doc.Segments[i].Text)
	}
	segLen := utf8.RuneCountInString(doc.Segments[a.Segment].Text)
	if a.Offset > segLen {
		return 0, ErrAnchorNotFound
	}
	return running + a.Offset, nil
}

// locateOffset finds the anchor owning an absolute offset. An offset landing
// exactly on a boundary anchors at the start of the following segment, so a
// zero-length tail anchor never points past its segment.
func locateOffset(doc StyledDocument, offset int) Anchor {
	running := 0
	for i, seg := range doc.Segments {
		segLen := utf8.RuneCountInString(seg.Text)
		if offset < running+segLen {
			return Anchor{Segment: i, Offset: offset - running}
		}
		running += segLen
	}
	if n := len(doc.Segments); n > 0 {
		last := utf8.RuneCountInString(doc.Segments[n-1].Text)
		return Anchor{Segment: n - 1, Offset: last}
	}
	return Anchor{}
}

// sliceText returns the logical text between two absolute offsets.
func sliceText(doc StyledDocument, start, end int) string {
	runes := []rune(doc.Text())
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
