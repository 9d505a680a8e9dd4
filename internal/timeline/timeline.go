// Package timeline holds the date-range algebra used to decide which parts of a
// requested window are served from the local cache and which must be fetched.
package timeline

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidRange is returned when a range does not satisfy Start < End.
var ErrInvalidRange = errors.New("invalid range: start must be before end")

// Range is a closed time interval [Start, End].
type Range struct {
	Start time.Time
	End   time.Time
}

// NewRange validates and returns a range.
func NewRange(start, end time.Time) (Range, error) {
	if !start.Before(end) {
		return Range{}, fmt.Errorf("%w (start=%s end=%s)", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Range{Start: start, End: end}, nil
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// Merge folds overlapping or touching ranges into a sorted, disjoint list.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int { return a.Start.Compare(b.Start) })

	merged := []Range{sorted[0]}
	for _, cur := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !cur.Start.After(last.End) {
			last.End = maxTime(last.End, cur.End)
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// Gaps returns the parts of requested not covered by cached. A nil cached
// range yields the whole request.
func Gaps(requested Range, cached *Range) []Range {
	if cached == nil {
		return []Range{requested}
	}

	var gaps []Range
	if requested.Start.Before(cached.Start) {
		gaps = append(gaps, Range{Start: requested.Start, End: minTime(cached.Start, requested.End)})
	}
	if requested.End.After(cached.End) {
		gaps = append(gaps, Range{Start: maxTime(cached.End, requested.Start), End: requested.End})
	}
	return gaps
}

// Covered returns the intersection of requested and cached, or nil when it is
// empty.
func Covered(requested Range, cached *Range) *Range {
	if cached == nil {
		return nil
	}
	start := maxTime(requested.Start, cached.Start)
	end := minTime(requested.End, cached.End)
	if !start.Before(end) {
		return nil
	}
	return &Range{Start: start, End: end}
}

// GapsAll is Gaps over a set of cached intervals.
func GapsAll(requested Range, cached []Range) []Range {
	var gaps []Range
	cursor := requested.Start
	for _, c := range Merge(cached) {
		if !c.End.After(cursor) || !c.Start.Before(requested.End) {
			continue
		}
		if c.Start.After(cursor) {
			gaps = append(gaps, Range{Start: cursor, End: minTime(c.Start, requested.End)})
		}
		cursor = maxTime(cursor, c.End)
		if !cursor.Before(requested.End) {
			return gaps
		}
	}
	if cursor.Before(requested.End) {
		gaps = append(gaps, Range{Start: cursor, End: requested.End})
	}
	return gaps
}

// CoveredAll is Covered over a set of cached intervals.
func CoveredAll(requested Range, cached []Range) []Range {
	var covered []Range
	for _, c := range Merge(cached) {
		if r := Covered(requested, &c); r != nil {
			covered = append(covered, *r)
		}
	}
	return covered
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
