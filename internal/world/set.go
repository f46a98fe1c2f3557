package world

import (
	"cmp"
	"slices"

	"github.com/matt-riley/regionflagz/internal/region"
)

// ApplicableSet is the set of regions applying at one location. It is
// immutable once built.
type ApplicableSet struct {
	regions []*Region
	global  *Region
}

func newApplicableSet(regions []*Region, global *Region) *ApplicableSet {
	sorted := slices.Clone(regions)
	slices.SortStableFunc(sorted, func(a, b *Region) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return &ApplicableSet{regions: sorted, global: global}
}

// Regions returns the applicable regions by descending priority, followed by
// the global region of the dimension.
func (s *ApplicableSet) Regions() []region.Region {
	out := make([]region.Region, 0, len(s.regions)+1)
	for _, r := range s.regions {
		out = append(out, r)
	}
	if s.global != nil {
		out = append(out, s.global)
	}
	return out
}

// QueryValue returns the value set by the highest priority region, falling
// back to the global region.
func (s *ApplicableSet) QueryValue(_ region.Player, f region.NativeFlag) (any, bool) {
	for _, r := range s.regions {
		if v, ok := r.FlagValue(f); ok {
			return v, true
		}
	}
	if s.global != nil {
		return s.global.FlagValue(f)
	}
	return nil, false
}

func (s *ApplicableSet) contains(r *Region) bool {
	if s == nil {
		return false
	}
	return r == s.global || slices.Contains(s.regions, r)
}

func (s *ApplicableSet) members() []*Region {
	if s == nil {
		return nil
	}
	out := slices.Clone(s.regions)
	if s.global != nil {
		out = append(out, s.global)
	}
	return out
}
