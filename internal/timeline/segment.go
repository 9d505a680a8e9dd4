package timeline

import (
	"fmt"
	"slices"
)

// Source tells where a segment's records come from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Segment is one contiguous slice of a requested window.
type Segment struct {
	Range
	Source Source
}

func (s Segment) String() string {
	return fmt.Sprintf("%s %s", s.Source, s.Range)
}

// Build orders the covered range and the gaps into one chronological timeline.
func Build(covered *Range, gaps []Range) []Segment {
	var cov []Range
	if covered != nil {
		cov = []Range{*covered}
	}
	return BuildAll(cov, gaps)
}

// BuildAll is Build for several covered ranges.
func BuildAll(covered []Range, gaps []Range) []Segment {
	segments := make([]Segment, 0, len(covered)+len(gaps))
	for _, g := range gaps {
		segments = append(segments, Segment{Range: g, Source: SourceRemote})
	}
	for _, c := range covered {
		segments = append(segments, Segment{Range: c, Source: SourceCache})
	}
	slices.SortStableFunc(segments, func(a, b Segment) int { return a.Start.Compare(b.Start) })
	return segments
}

// Plan computes the timeline for requested given the cached intervals. With
// force set the cache is ignored and the whole request is fetched remotely.
func Plan(requested Range, cached []Range, force bool) []Segment {
	if force {
		return []Segment{{Range: requested, Source: SourceRemote}}
	}
	return BuildAll(CoveredAll(requested, cached), GapsAll(requested, cached))
}
