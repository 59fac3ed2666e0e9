package timeline

import (
	"fmt"
	"sort"

	"ffedit/apperr"
)

// Interval is a half-open [Start, End) range in seconds on the source timeline.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (iv Interval) Duration() float64 { return iv.End - iv.Start }

func (iv Interval) String() string { return fmt.Sprintf("[%.3f,%.3f)", iv.Start, iv.End) }

// Validate rejects negative starts and empty or inverted ranges.
func (iv Interval) Validate() error {
	if iv.Start < 0 {
		return apperr.Validation("interval %s starts before zero", iv)
	}
	if iv.End <= iv.Start {
		return apperr.Validation("interval %s must end after it starts", iv)
	}
	return nil
}

// MergeIntervals returns the minimal sorted, non-overlapping cover of intervals.
// Touching intervals are merged so no zero-length gap survives.
func MergeIntervals(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return []Interval{}
	}

	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Complement returns the keep segments left over after removing merged cuts
// from [0, total). Cuts are clipped to that range. When the cuts consume the
// whole range the empty result comes with apperr.ErrEmptyOutput.
func Complement(merged []Interval, total float64) ([]Interval, error) {
	if total <= 0 {
		return nil, apperr.Validation("total duration must be positive, got %.3f", total)
	}

	keep := []Interval{}
	cursor := 0.0
	for _, cut := range merged {
		if cut.End <= cursor {
			continue
		}
		if cut.Start >= total {
			break
		}
		if cut.Start > cursor {
			keep = append(keep, Interval{Start: cursor, End: cut.Start})
		}
		cursor = cut.End
	}
	if cursor < total {
		keep = append(keep, Interval{Start: cursor, End: total})
	}

	if len(keep) == 0 {
		return keep, fmt.Errorf("%w: cuts cover [0,%.3f)", apperr.ErrEmptyOutput, total)
	}
	return keep, nil
}

// KeepSegments merges cuts and complements them against total.
func KeepSegments(cuts []Interval, total float64) ([]Interval, error) {
	return Complement(MergeIntervals(cuts), total)
}

// TotalDuration is the summed length of intervals.
func TotalDuration(intervals []Interval) float64 {
	var sum float64
	for _, iv := range intervals {
		sum += iv.Duration()
	}
	return sum
}

// ValidateAll reports the first invalid interval, with its index.
func ValidateAll(intervals []Interval) error {
	for i, iv := range intervals {
		if err := iv.Validate(); err != nil {
			return fmt.Errorf("cut %d: %w", i, err)
		}
	}
	return nil
}
