package timeline

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func rng(a, b int) Range {
	return Range{Start: day(a), End: day(b)}
}

func TestNewRange(t *testing.T) {
	if _, err := NewRange(day(2), day(1)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("inverted range error = %v, want ErrInvalidRange", err)
	}
	if _, err := NewRange(day(2), day(2)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("empty range error = %v, want ErrInvalidRange", err)
	}
	if _, err := NewRange(day(1), day(2)); err != nil {
		t.Fatal(err)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want []Range
	}{
		{"empty", nil, nil},
		{"single", []Range{rng(1, 2)}, []Range{rng(1, 2)}},
		{"overlapping", []Range{rng(1, 5), rng(3, 8)}, []Range{rng(1, 8)}},
		{"touching", []Range{rng(1, 5), rng(5, 8)}, []Range{rng(1, 8)}},
		{"disjoint unsorted", []Range{rng(10, 12), rng(1, 3)}, []Range{rng(1, 3), rng(10, 12)}},
		{"contained", []Range{rng(1, 10), rng(2, 3)}, []Range{rng(1, 10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Merge(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestGapsAndCovered(t *testing.T) {
	tests := []struct {
		name        string
		requested   Range
		cached      *Range
		wantGaps    []Range
		wantCovered *Range
	}{
		{"no cache", rng(1, 10), nil, []Range{rng(1, 10)}, nil},
		{"inside cache", rng(3, 5), &Range{day(1), day(10)}, nil, &Range{day(3), day(5)}},
		{"disjoint after", rng(12, 15), &Range{day(1), day(10)}, []Range{rng(12, 15)}, nil},
		{"disjoint before", rng(1, 3), &Range{day(5), day(10)}, []Range{rng(1, 3)}, nil},
		{"tail overlap", rng(5, 15), &Range{day(1), day(10)}, []Range{rng(10, 15)}, &Range{day(5), day(10)}},
		{"head overlap", rng(1, 7), &Range{day(5), day(10)}, []Range{rng(1, 5)}, &Range{day(5), day(7)}},
		{"surrounding", rng(1, 20), &Range{day(5), day(10)}, []Range{rng(1, 5), rng(10, 20)}, &Range{day(5), day(10)}},
		{"touching end", rng(10, 15), &Range{day(1), day(10)}, []Range{rng(10, 15)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gaps := Gaps(tt.requested, tt.cached)
			if !slices.Equal(gaps, tt.wantGaps) {
				t.Errorf("Gaps = %v, want %v", gaps, tt.wantGaps)
			}
			covered := Covered(tt.requested, tt.cached)
			if (covered == nil) != (tt.wantCovered == nil) || (covered != nil && *covered != *tt.wantCovered) {
				t.Errorf("Covered = %v, want %v", covered, tt.wantCovered)
			}

			// The set forms agree with the single-interval forms.
			var set []Range
			if tt.cached != nil {
				set = []Range{*tt.cached}
			}
			if all := GapsAll(tt.requested, set); !slices.Equal(all, gaps) {
				t.Errorf("GapsAll = %v, want %v", all, gaps)
			}
			all := CoveredAll(tt.requested, set)
			if covered == nil && len(all) != 0 || covered != nil && (len(all) != 1 || all[0] != *covered) {
				t.Errorf("CoveredAll = %v, want %v", all, covered)
			}
		})
	}
}

// Reassembling gaps and covered pieces must give back exactly the request,
// with no two pieces sharing more than an endpoint.
func TestGapCoverCompleteness(t *testing.T) {
	cachedCases := []*Range{nil}
	for a := 1; a <= 12; a++ {
		for b := a + 1; b <= 13; b++ {
			cachedCases = append(cachedCases, &Range{day(a), day(b)})
		}
	}
	for a := 2; a <= 11; a++ {
		for b := a + 1; b <= 12; b++ {
			requested := rng(a, b)
			for _, cached := range cachedCases {
				segs := Build(Covered(requested, cached), Gaps(requested, cached))
				assertTiles(t, requested, segs)
			}
		}
	}
}

func TestGapCoverCompletenessIntervals(t *testing.T) {
	cached := []Range{rng(2, 4), rng(6, 7), rng(9, 12)}
	for a := 1; a <= 12; a++ {
		for b := a + 1; b <= 13; b++ {
			requested := rng(a, b)
			assertTiles(t, requested, Plan(requested, cached, false))
		}
	}
}

func assertTiles(t *testing.T, requested Range, segs []Segment) {
	t.Helper()
	if len(segs) == 0 {
		t.Fatalf("request %s produced no segments", requested)
	}
	if !segs[0].Start.Equal(requested.Start) {
		t.Errorf("request %s: first segment starts at %s", requested, segs[0].Start)
	}
	if !segs[len(segs)-1].End.Equal(requested.End) {
		t.Errorf("request %s: last segment ends at %s", requested, segs[len(segs)-1].End)
	}
	for i, s := range segs {
		if !s.Start.Before(s.End) {
			t.Errorf("request %s: empty segment %s", requested, s)
		}
		if i > 0 && !segs[i-1].End.Equal(s.Start) {
			t.Errorf("request %s: segments %s and %s do not abut", requested, segs[i-1], s)
		}
	}
}

func TestBuildScenario(t *testing.T) {
	cached := rng(1, 10)
	requested := rng(5, 15)
	segs := Build(Covered(requested, &cached), Gaps(requested, &cached))
	want := []Segment{
		{Range: rng(5, 10), Source: SourceCache},
		{Range: rng(10, 15), Source: SourceRemote},
	}
	if !slices.Equal(segs, want) {
		t.Errorf("timeline = %v, want %v", segs, want)
	}
}

func TestPlanForce(t *testing.T) {
	requested := rng(1, 5)
	segs := Plan(requested, []Range{rng(1, 10)}, true)
	if len(segs) != 1 || segs[0].Source != SourceRemote || segs[0].Range != requested {
		t.Errorf("forced plan = %v, want one remote segment %s", segs, requested)
	}
}

// With a single span the middle of two separate syncs looks covered; the
// interval set exposes it as a gap.
func TestPlanIntervalsExposeHole(t *testing.T) {
	requested := rng(6, 19)
	span := Plan(requested, []Range{rng(1, 25)}, false)
	if len(span) != 1 || span[0].Source != SourceCache {
		t.Fatalf("span plan = %v, want a single cache segment", span)
	}
	sets := Plan(requested, []Range{rng(1, 5), rng(20, 25)}, false)
	if len(sets) != 1 || sets[0].Source != SourceRemote || sets[0].Range != requested {
		t.Errorf("interval plan = %v, want a single remote segment", sets)
	}
}
