package highlight

import (
	"sort"
	"time"

	marginerr "github.com/odvcencio/margin/pkg/errors"
)

// Apply resolves a new highlight request against the existing set and
// returns the updated non-overlapping set plus the inserted highlight.
// Every intersecting highlight falls into exactly one case:
//
//	full containment  -> removed, its text merges into the new highlight
//	left overlap      -> trimmed to [newEnd, h.end)
//	right overlap     -> trimmed to [h.start, newStart)
//	interior overlap  -> split into [h.start,newStart) and [newEnd,h.end),
//	                     both keeping the original color
//
// content is the message's logical text, used to refresh SelectedText on
// trimmed, split and inserted highlights.
func Apply(existing []Highlight, content string, start, end int, color string) ([]Highlight, Highlight, error) {
	if err := validateRange(content, start, end); err != nil {
		return nil, Highlight{}, err
	}

	resolved := resolveAgainst(existing, content, start, end)

	inserted := Highlight{
		ID:           newID(),
		Color:        color,
		StartOffset:  start,
		EndOffset:    end,
		SelectedText: slice(content, start, end),
		CreatedAt:    time.Now().UTC(),
	}
	resolved = append(resolved, inserted)
	sortByStart(resolved)
	return resolved, inserted, nil
}

// Remove unwraps [start,end): the same four-case resolution as Apply, except
// the absorbed region becomes plain text instead of a new colored span.
func Remove(existing []Highlight, content string, start, end int) ([]Highlight, error) {
	if err := validateRange(content, start, end); err != nil {
		return nil, err
	}
	resolved := resolveAgainst(existing, content, start, end)
	sortByStart(resolved)
	return resolved, nil
}

// resolveAgainst applies the four-case classification, returning the
// survivors. The region [start,end) itself is owned by the caller (either a
// new highlight or plain text).
func resolveAgainst(existing []Highlight, content string, start, end int) []Highlight {
	result := make([]Highlight, 0, len(existing)+1)
	for _, h := range existing {
		if !h.Overlaps(start, end) {
			result = append(result, h)
			continue
		}

		switch {
		case start <= h.StartOffset && h.EndOffset <= end:
			// Full containment: h disappears, note and all. Flagged as a
			// possible data-loss case; preserved source behavior.

		case start <= h.StartOffset:
			// Left overlap: keep the tail.
			h.StartOffset = end
			h.SelectedText = slice(content, h.StartOffset, h.EndOffset)
			result = append(result, h)

		case h.EndOffset <= end:
			// Right overlap: keep the head.
			h.EndOffset = start
			h.SelectedText = slice(content, h.StartOffset, h.EndOffset)
			result = append(result, h)

		default:
			// Interior overlap: split. The head keeps the original record
			// (id and note); the tail is a fresh highlight in the same color.
			tail := Highlight{
				ID:           newID(),
				Color:        h.Color,
				StartOffset:  end,
				EndOffset:    h.EndOffset,
				SelectedText: slice(content, end, h.EndOffset),
				CreatedAt:    h.CreatedAt,
			}
			h.EndOffset = start
			h.SelectedText = slice(content, h.StartOffset, h.EndOffset)
			result = append(result, h, tail)
		}
	}
	return result
}

func validateRange(content string, start, end int) error {
	if start < 0 || end <= start {
		return marginerr.New(marginerr.ErrCodeInvalidInput, "highlight range must satisfy 0 <= start < end").
			WithContext("start", start).
			WithContext("end", end)
	}
	if total := len([]rune(content)); end > total {
		return marginerr.New(marginerr.ErrCodeInvalidInput, "highlight range exceeds content length").
			WithContext("end", end).
			WithContext("length", total)
	}
	return nil
}

func slice(content string, start, end int) string {
	runes := []rune(content)
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

func sortByStart(highlights []Highlight) {
	sort.Slice(highlights, func(i, j int) bool {
		return highlights[i].StartOffset < highlights[j].StartOffset
	})
}

// Validate checks the pairwise non-overlap invariant over a highlight set.
func Validate(highlights []Highlight) error {
	sorted := append([]Highlight(nil), highlights...)
	sortByStart(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].EndOffset > sorted[i].StartOffset {
			return marginerr.New(marginerr.ErrCodeInternal, "overlapping highlights").
				WithContext("first", sorted[i-1].ID).
				WithContext("second", sorted[i].ID)
		}
	}
	return nil
}
