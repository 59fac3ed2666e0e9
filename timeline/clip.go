package timeline

import (
	"sort"

	"github.com/lithammer/shortuuid/v4"
)

// epsilon absorbs float noise; clips shorter than this are dropped.
const epsilon = 1e-6

type TrackKind string

const (
	TrackVideo   TrackKind = "video"
	TrackAudio   TrackKind = "audio"
	TrackCaption TrackKind = "caption"
)

// Clip places the span [SourceStart, SourceEnd) of a media asset at StartTime
// on the visible timeline. SourceEnd-SourceStart always equals Duration.
type Clip struct {
	ID          string  `json:"id"`
	MediaID     string  `json:"mediaId"`
	StartTime   float64 `json:"startTime"`
	Duration    float64 `json:"duration"`
	SourceStart float64 `json:"sourceStart"`
	SourceEnd   float64 `json:"sourceEnd"`
}

func (c Clip) End() float64 { return c.StartTime + c.Duration }

type Track struct {
	ID    string    `json:"id"`
	Kind  TrackKind `json:"kind"`
	Clips []Clip    `json:"clips"`
}

// Cuttable reports whether cuts apply to the track. Captions follow the
// transcript and are never cut directly.
func (t Track) Cuttable() bool {
	return t.Kind == TrackVideo || t.Kind == TrackAudio
}

// ApplyCut removes cut from every video and audio clip and closes the gap it
// leaves. The input tracks are not modified.
func ApplyCut(tracks []Track, cut Interval) []Track {
	out := make([]Track, len(tracks))
	for i, track := range tracks {
		out[i] = Track{ID: track.ID, Kind: track.Kind}
		if !track.Cuttable() {
			out[i].Clips = append([]Clip(nil), track.Clips...)
			continue
		}
		clips := make([]Clip, 0, len(track.Clips)+1)
		for _, c := range track.Clips {
			clips = append(clips, cutClip(c, cut)...)
		}
		out[i].Clips = clips
	}
	return out
}

// ApplyCuts applies a batch of cuts given in pre-edit timeline coordinates.
// Cuts are merged and then applied from the rightmost one, so earlier cuts
// keep their coordinates.
func ApplyCuts(tracks []Track, cuts []Interval) []Track {
	merged := MergeIntervals(cuts)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start > merged[j].Start })

	out := cloneTracks(tracks)
	for _, cut := range merged {
		out = ApplyCut(out, cut)
	}
	return out
}

func cutClip(c Clip, cut Interval) []Clip {
	start, end := c.StartTime, c.End()
	removed := cut.Duration()

	switch {
	case end <= cut.Start:
		return []Clip{c}

	case start >= cut.End:
		c.StartTime -= removed
		return []Clip{c}

	case cut.Start <= start && end <= cut.End:
		return nil

	case cut.Start > start && cut.End < end:
		left := c
		left.Duration = cut.Start - start
		left.SourceEnd = left.SourceStart + left.Duration

		right := c
		right.ID = shortuuid.New()
		right.StartTime = cut.Start
		right.Duration = end - cut.End
		right.SourceStart = c.SourceStart + (cut.End - start)
		right.SourceEnd = right.SourceStart + right.Duration
		return keepNonEmpty(left, right)

	case cut.Start > start:
		// trailing overlap
		c.Duration = cut.Start - start
		c.SourceEnd = c.SourceStart + c.Duration
		return keepNonEmpty(c)

	default:
		// leading overlap
		overlap := cut.End - start
		c.StartTime = cut.Start
		c.Duration -= overlap
		c.SourceStart += overlap
		c.SourceEnd = c.SourceStart + c.Duration
		return keepNonEmpty(c)
	}
}

func keepNonEmpty(clips ...Clip) []Clip {
	out := clips[:0]
	for _, c := range clips {
		if c.Duration > epsilon {
			out = append(out, c)
		}
	}
	return out
}

func cloneTracks(tracks []Track) []Track {
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		out[i] = Track{ID: t.ID, Kind: t.Kind, Clips: append([]Clip(nil), t.Clips...)}
	}
	return out
}

// Duration is the end of the furthest clip on any track.
func Duration(tracks []Track) float64 {
	var longest float64
	for _, t := range tracks {
		for _, c := range t.Clips {
			longest = max(longest, c.End())
		}
	}
	return longest
}
