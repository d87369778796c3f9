package eligibility

import (
	"math"
	"sort"

	"enrollment-pipeline/internal/models"
)

type interval struct {
	lo, hi int
}

// Index answers "does any rule contain this age" with a binary search over
// the union of rule intervals.
type Index struct {
	spans []interval
}

// NewIndex sorts the rules and merges overlapping or adjacent intervals.
// Rules with MinAge > MaxAge are ignored.
func NewIndex(rules []models.EligibilityRule) Index {
	spans := make([]interval, 0, len(rules))
	for _, r := range rules {
		if r.MinAge > r.MaxAge {
			continue
		}
		spans = append(spans, interval{lo: r.MinAge, hi: r.MaxAge})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })

	merged := spans[:0]
	for _, s := range spans {
		if n := len(merged); n > 0 && touches(merged[n-1], s) {
			if s.hi > merged[n-1].hi {
				merged[n-1].hi = s.hi
			}
			continue
		}
		merged = append(merged, s)
	}
	return Index{spans: merged}
}

// touches reports whether next overlaps or directly follows prev. prev.hi may
// be math.MaxInt, so prev.hi+1 is never computed in that case.
func touches(prev, next interval) bool {
	if next.lo <= prev.hi {
		return true
	}
	return prev.hi < math.MaxInt && next.lo == prev.hi+1
}

// Contains reports whether age lies inside at least one interval.
func (ix Index) Contains(age int) bool {
	// First span whose upper bound reaches age.
	i := sort.Search(len(ix.spans), func(i int) bool { return ix.spans[i].hi >= age })
	return i < len(ix.spans) && ix.spans[i].lo <= age
}

// Len is the number of disjoint spans after merging.
func (ix Index) Len() int { return len(ix.spans) }
