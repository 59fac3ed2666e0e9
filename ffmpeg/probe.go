package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"ffedit/apperr"
)

// MediaInfo is what the exporter needs to know about a source file.
type MediaInfo struct {
	Duration float64 `json:"duration"` // seconds
	HasVideo bool    `json:"hasVideo"`
	HasAudio bool    `json:"hasAudio"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Prober runs ffprobe.
type Prober struct {
	bin string
}

func NewProber(bin string) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{bin: bin}
}

// Probe reads duration and stream layout of path.
func (p *Prober) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return MediaInfo{}, &apperr.ExternalProcessError{Err: fmt.Errorf("ffprobe failed: %w", err), Output: stderr.String()}
	}
	return ParseProbe(stdout.Bytes())
}

// ParseProbe decodes ffprobe JSON. The container duration wins; the longest
// stream duration is used when the container has none.
func ParseProbe(data []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("error unmarshalling ffprobe output: %w", err)
	}

	var info MediaInfo
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !info.HasVideo {
				info.Width, info.Height = s.Width, s.Height
			}
			info.HasVideo = true
		case "audio":
			info.HasAudio = true
		default:
			continue
		}
		if info.Duration == 0 || out.Format.Duration == "" {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > info.Duration {
				info.Duration = d
			}
		}
	}

	if info.Duration <= 0 {
		return MediaInfo{}, apperr.Validation("could not determine media duration")
	}
	if !info.HasVideo && !info.HasAudio {
		return MediaInfo{}, apperr.Validation("media has no audio or video stream")
	}
	return info, nil
}
