package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"ffedit/render"
)

// Request is everything the transcoder needs for one export run.
type Request struct {
	JobID      string
	SourcePath string
	OutputPath string
	Plan       render.Plan
	Preset     render.Preset
	HasVideo   bool
	HasAudio   bool
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func scaleFilter(p render.Preset) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		p.Width, p.Height, p.Width, p.Height,
	)
}

// FilterGraph renders the trim+concat graph for a multi-segment plan. Each
// segment is trimmed and its timestamps reset so concat lays them end to end.
func FilterGraph(req Request) string {
	var parts []string
	var inputs strings.Builder
	for i, seg := range req.Plan.Segments {
		if req.HasVideo {
			parts = append(parts, fmt.Sprintf("[0:v:0]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d]",
				seconds(seg.Start), seconds(seg.End), i))
			fmt.Fprintf(&inputs, "[v%d]", i)
		}
		if req.HasAudio {
			parts = append(parts, fmt.Sprintf("[0:a:0]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d]",
				seconds(seg.Start), seconds(seg.End), i))
			fmt.Fprintf(&inputs, "[a%d]", i)
		}
	}

	v, a := 0, 0
	var outs string
	if req.HasVideo {
		v = 1
		outs += "[cv]"
	}
	if req.HasAudio {
		a = 1
		outs += "[outa]"
	}
	parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=%d:a=%d%s", inputs.String(), len(req.Plan.Segments), v, a, outs))
	if req.HasVideo {
		parts = append(parts, "[cv]"+scaleFilter(req.Preset)+"[outv]")
	}
	return strings.Join(parts, ";")
}

// BuildArgs turns a request into ffmpeg arguments. A single segment is cut
// with input seeking and never touches the concat filter. Progress goes to
// stdout as key=value lines.
func BuildArgs(req Request, extra []string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error", "-progress", "pipe:1", "-nostats"}

	if req.Plan.Concat {
		args = append(args, "-i", req.SourcePath, "-filter_complex", FilterGraph(req))
		if req.HasVideo {
			args = append(args, "-map", "[outv]")
		}
		if req.HasAudio {
			args = append(args, "-map", "[outa]")
		}
	} else {
		seg := req.Plan.Segments[0]
		args = append(args,
			"-ss", seconds(seg.Start),
			"-t", seconds(seg.Duration()),
			"-i", req.SourcePath,
		)
		if req.HasVideo {
			args = append(args, "-map", "0:v:0", "-vf", scaleFilter(req.Preset))
		}
		if req.HasAudio {
			args = append(args, "-map", "0:a:0")
		}
	}

	args = append(args, encoderArgs(req)...)
	args = append(args, extra...)
	return append(args, req.OutputPath)
}

func encoderArgs(req Request) []string {
	p := req.Preset
	var args []string
	if req.HasVideo {
		args = append(args, "-c:v", p.VideoCodec, "-crf", strconv.Itoa(p.CRF))
		if p.Speed != "" {
			args = append(args, "-preset", p.Speed, "-maxrate", p.VideoBitrate, "-bufsize", p.VideoBitrate)
		} else {
			args = append(args, "-b:v", p.VideoBitrate, "-deadline", "good", "-row-mt", "1")
		}
		args = append(args, "-pix_fmt", "yuv420p")
	} else {
		args = append(args, "-vn")
	}
	if req.HasAudio {
		args = append(args, "-c:a", p.AudioCodec, "-b:a", p.AudioBitrate)
	}
	if p.Extension == "mp4" || p.Extension == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return args
}
