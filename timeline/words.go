package timeline

// Word is one transcript token with its source timing.
type Word struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Deleted bool    `json:"deleted"`
}

// DeletedRegions collapses the deleted words into merged cut regions. Words
// with no usable timing are skipped.
func DeletedRegions(words []Word) []Interval {
	var cuts []Interval
	for _, w := range words {
		if !w.Deleted || w.End <= w.Start || w.Start < 0 {
			continue
		}
		cuts = append(cuts, Interval{Start: w.Start, End: w.End})
	}
	return MergeIntervals(cuts)
}
