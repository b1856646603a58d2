package tariff

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidSchedule is returned when the server-delivered ladder is
// malformed: empty, overlapping, gapped or with a bounded last tier.
// Aggregation treats it as a reported anomaly, not a crash.
var ErrInvalidSchedule = errors.New("invalid tariff schedule")

// Tier is one rung of the ladder. Lower is inclusive, Upper exclusive;
// the last tier is unbounded (Unbounded true, Upper ignored).
type Tier struct {
	Index     int     `json:"index"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
	Unbounded bool    `json:"unbounded"`
	UnitPrice float64 `json:"unitPrice"`
}

// Schedule is an ordered, contiguous, gap-free ladder covering [0, ∞).
type Schedule struct {
	tiers []Tier
}

// NewSchedule validates and builds a ladder from its tiers. Tiers may
// arrive in any order; indexes are (re)assigned 1-based after sorting.
func NewSchedule(tiers []Tier) (*Schedule, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidSchedule)
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })

	if sorted[0].Lower != 0 {
		return nil, fmt.Errorf("%w: first tier starts at %g, want 0", ErrInvalidSchedule, sorted[0].Lower)
	}

	for i := range sorted {
		last := i == len(sorted)-1
		if !last {
			if sorted[i].Unbounded {
				return nil, fmt.Errorf("%w: tier %d unbounded but not last", ErrInvalidSchedule, i+1)
			}
			if sorted[i].Upper <= sorted[i].Lower {
				return nil, fmt.Errorf("%w: tier %d empty range [%g, %g)", ErrInvalidSchedule, i+1, sorted[i].Lower, sorted[i].Upper)
			}
			if sorted[i].Upper != sorted[i+1].Lower {
				return nil, fmt.Errorf("%w: gap between tier %d upper %g and tier %d lower %g",
					ErrInvalidSchedule, i+1, sorted[i].Upper, i+2, sorted[i+1].Lower)
			}
		} else if !sorted[i].Unbounded {
			return nil, fmt.Errorf("%w: last tier must be unbounded", ErrInvalidSchedule)
		}
		if sorted[i].UnitPrice <= 0 {
			return nil, fmt.Errorf("%w: tier %d price %g", ErrInvalidSchedule, i+1, sorted[i].UnitPrice)
		}
		sorted[i].Index = i + 1
	}

	return &Schedule{tiers: sorted}, nil
}

// Tiers returns the validated ladder in order.
func (s *Schedule) Tiers() []Tier {
	out := make([]Tier, len(s.tiers))
	copy(out, s.tiers)
	return out
}

// Lookup is the result of a tier determination for one cumulative volume.
type Lookup struct {
	Tier Tier
	// Remaining is the headroom to the next tier boundary. It is only
	// meaningful when Bounded is true; the last tier has no boundary.
	Remaining float64
	Bounded   bool
}

// Lookup finds the single tier containing cumulative volume v. Negative
// volumes clamp to zero, so an empty period lands on tier 1.
func (s *Schedule) Lookup(v float64) Lookup {
	if v < 0 {
		v = 0
	}
	for _, t := range s.tiers {
		if t.Unbounded || v < t.Upper {
			if t.Unbounded {
				return Lookup{Tier: t}
			}
			return Lookup{Tier: t, Remaining: t.Upper - v, Bounded: true}
		}
	}
	// Unreachable for a validated schedule; the last tier is unbounded.
	last := s.tiers[len(s.tiers)-1]
	return Lookup{Tier: last}
}
