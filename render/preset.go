package render

import (
	"strings"

	"ffedit/apperr"
)

type Resolution string

const (
	Resolution480p  Resolution = "480p"
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
	Resolution4K    Resolution = "4k"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMOV  Format = "mov"
	FormatWebM Format = "webm"
)

// Preset is the full set of encoder parameters for one export.
type Preset struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VideoCodec   string `json:"videoCodec"`
	AudioCodec   string `json:"audioCodec"`
	VideoBitrate string `json:"videoBitrate"`
	AudioBitrate string `json:"audioBitrate"`
	CRF          int    `json:"crf"`
	Speed        string `json:"speed"` // x264 -preset; empty for vp9
	Extension    string `json:"extension"`
}

type presetKey struct {
	res Resolution
	q   Quality
}

type rate struct {
	video string
	audio string
	crf   int
	speed string
}

var dimensions = map[Resolution][2]int{
	Resolution480p:  {854, 480},
	Resolution720p:  {1280, 720},
	Resolution1080p: {1920, 1080},
	Resolution4K:    {3840, 2160},
}

// rates is keyed by resolution and quality only; nothing is derived from the source.
var rates = map[presetKey]rate{
	{Resolution480p, QualityLow}:     {"800k", "96k", 30, "veryfast"},
	{Resolution480p, QualityMedium}:  {"1200k", "128k", 26, "fast"},
	{Resolution480p, QualityHigh}:    {"2000k", "160k", 22, "medium"},
	{Resolution720p, QualityLow}:     {"1500k", "128k", 28, "veryfast"},
	{Resolution720p, QualityMedium}:  {"2500k", "128k", 24, "fast"},
	{Resolution720p, QualityHigh}:    {"4000k", "192k", 20, "medium"},
	{Resolution1080p, QualityLow}:    {"3000k", "128k", 26, "veryfast"},
	{Resolution1080p, QualityMedium}: {"5000k", "192k", 22, "fast"},
	{Resolution1080p, QualityHigh}:   {"8000k", "256k", 18, "medium"},
	{Resolution4K, QualityLow}:       {"10000k", "192k", 26, "veryfast"},
	{Resolution4K, QualityMedium}:    {"20000k", "256k", 22, "fast"},
	{Resolution4K, QualityHigh}:      {"35000k", "320k", 18, "medium"},
}

var codecs = map[Format][2]string{
	FormatMP4:  {"libx264", "aac"},
	FormatMOV:  {"libx264", "aac"},
	FormatWebM: {"libvpx-vp9", "libopus"},
}

// LookupPreset resolves a format/resolution/quality triple. Matching is
// case-insensitive; unknown values are a validation error.
func LookupPreset(format Format, res Resolution, q Quality) (Preset, error) {
	format = Format(strings.ToLower(string(format)))
	res = Resolution(strings.ToLower(string(res)))
	q = Quality(strings.ToLower(string(q)))

	c, ok := codecs[format]
	if !ok {
		return Preset{}, apperr.Validation("unsupported format %q", format)
	}
	dim, ok := dimensions[res]
	if !ok {
		return Preset{}, apperr.Validation("unsupported resolution %q", res)
	}
	r, ok := rates[presetKey{res, q}]
	if !ok {
		return Preset{}, apperr.Validation("unsupported quality %q", q)
	}

	p := Preset{
		Width:        dim[0],
		Height:       dim[1],
		VideoCodec:   c[0],
		AudioCodec:   c[1],
		VideoBitrate: r.video,
		AudioBitrate: r.audio,
		CRF:          r.crf,
		Speed:        r.speed,
		Extension:    string(format),
	}
	if format == FormatWebM {
		// vp9 uses -deadline/-cpu-used rather than x264 presets
		p.Speed = ""
		p.CRF += 5
	}
	return p, nil
}
