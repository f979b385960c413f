package document

import (
	"errors"
	"testing"
)

func testDoc() StyledDocument {
	// "hello brave new world", with "brave" and "new" highlighted.
	return StyledDocument{Segments: []Segment{
		{Text: "hello "},
		{Text: "brave", HighlightID: "h1"},
		{Text: " "},
		{Text: "new", HighlightID: "h2"},
		{Text: " world"},
	}}
}

func TestToOffsetsAcrossSegments(t *testing.T) {
	doc := testDoc()

	tests := []struct {
		name  string
		r     Range
		start int
		end   int
	}{
		{
			name:  "within one segment",
			r:     Range{Start: Anchor{Segment: 1, Offset: 0}, End: Anchor{Segment: 1, Offset: 5}},
			start: 6, end: 11,
		},
		{
			name:  "spanning segments",
			r:     Range{Start: Anchor{Segment: 0, Offset: 3}, End: Anchor{Segment: 3, Offset: 2}},
			start: 3, end: 14,
		},
		{
			name:  "collapsed selection",
			r:     Range{Start: Anchor{Segment: 2, Offset: 1}, End: Anchor{Segment: 2, Offset: 1}},
			start: 12, end: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToOffsets(doc, tt.r)
			if err != nil {
				t.Fatalf("ToOffsets: %v", err)
			}
			if got.Start != tt.start || got.End != tt.end {
				t.Errorf("got [%d,%d), want [%d,%d)", got.Start, got.End, tt.start, tt.end)
			}
		})
	}
}

func TestToOffsetsEndAnchorFallback(t *testing.T) {
	doc := testDoc()

	// End anchor points past the document; fall back to start + selection length.
	r := Range{
		Start:        Anchor{Segment: 1, Offset: 0},
		End:          Anchor{Segment: 9, Offset: 0},
		SelectedText: "brave",
	}
	got, err := ToOffsets(doc, r)
	if err != nil {
		t.Fatalf("ToOffsets: %v", err)
	}
	if got.Start != 6 || got.End != 11 {
		t.Errorf("got [%d,%d), want [6,11)", got.Start, got.End)
	}

	// Fallback never produces end < start.
	r.SelectedText = ""
	got, err = ToOffsets(doc, r)
	if err != nil {
		t.Fatalf("ToOffsets: %v", err)
	}
	if got.End != got.Start {
		t.Errorf("expected clamped collapse, got [%d,%d)", got.Start, got.End)
	}
}

func TestToOffsetsBadStartAnchor(t *testing.T) {
	doc := testDoc()
	_, err := ToOffsets(doc, Range{Start: Anchor{Segment: -1}, End: Anchor{Segment: 0}})
	if !errors.Is(err, ErrAnchorNotFound) {
		t.Fatalf("expected ErrAnchorNotFound, got %v", err)
	}
	_, err = ToOffsets(doc, Range{Start: Anchor{Segment: 0, Offset: 99}, End: Anchor{Segment: 0}})
	if !errors.Is(err, ErrAnchorNotFound) {
		t.Fatalf("expected ErrAnchorNotFound for oversized offset, got %v", err)
	}
}

func TestToRangeRoundTrip(t *testing.T) {
	doc := testDoc()

	for _, span := range []Offsets{
		{Start: 0, End: 5},
		{Start: 3, End: 14},
		{Start: 6, End: 11},
		{Start: 12, End: 12},
		{Start: 0, End: doc.Len()},
	} {
		r, err := ToRange(doc, span.Start, span.End)
		if err != nil {
			t.Fatalf("ToRange(%d,%d): %v", span.Start, span.End, err)
		}
		back, err := ToOffsets(doc, r)
		if err != nil {
			t.Fatalf("ToOffsets round-trip: %v", err)
		}
		if back != span {
			t.Errorf("round trip [%d,%d) -> [%d,%d)", span.Start, span.End, back.Start, back.End)
		}
		if want := sliceText(doc, span.Start, span.End); r.SelectedText != want {
			t.Errorf("selected text %q, want %q", r.SelectedText, want)
		}
	}
}

func TestToRangeClampsEnd(t *testing.T) {
	doc := testDoc()
	r, err := ToRange(doc, 18, 99)
	if err != nil {
		t.Fatalf("ToRange: %v", err)
	}
	if r.SelectedText != "rld" {
		t.Errorf("expected clamped tail selection, got %q", r.SelectedText)
	}
}

func TestToRangeInvalidOffsets(t *testing.T) {
	doc := testDoc()
	if _, err := ToRange(doc, -1, 3); err == nil {
		t.Error("expected error for negative start")
	}
	if _, err := ToRange(doc, 5, 2); err == nil {
		t.Error("expected error for end before start")
	}
	if _, err := ToRange(doc, doc.Len()+1, doc.Len()+2); err == nil {
		t.Error("expected error for start past document")
	}
}
