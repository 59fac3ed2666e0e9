// Package render turns keep segments into a tool-agnostic description of
// what to produce: an ordered list of trims, optionally joined by a concat step.
package render

import (
	"fmt"

	"ffedit/apperr"
	"ffedit/timeline"
)

// Segment is one trim of the source, in source seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (s Segment) Duration() float64 { return s.End - s.Start }

// Plan is the ordered render recipe. Concat is false for the single-trim case,
// which must not go through a concatenation filter.
type Plan struct {
	Segments       []Segment `json:"segments"`
	Concat         bool      `json:"concat"`
	OutputDuration float64   `json:"outputDuration"`
}

// BuildPlan builds a render plan from sorted, non-overlapping keep segments.
func BuildPlan(keep []timeline.Interval) (Plan, error) {
	if len(keep) == 0 {
		return Plan{}, fmt.Errorf("build plan: %w", apperr.ErrEmptyOutput)
	}

	plan := Plan{Segments: make([]Segment, 0, len(keep))}
	prevEnd := 0.0
	for i, iv := range keep {
		if err := iv.Validate(); err != nil {
			return Plan{}, fmt.Errorf("keep segment %d: %w", i, err)
		}
		if i > 0 && iv.Start < prevEnd {
			return Plan{}, apperr.Validation("keep segment %d %s overlaps or precedes the previous one", i, iv)
		}
		prevEnd = iv.End
		plan.Segments = append(plan.Segments, Segment{Start: iv.Start, End: iv.End})
		plan.OutputDuration += iv.Duration()
	}
	plan.Concat = len(plan.Segments) > 1
	return plan, nil
}
