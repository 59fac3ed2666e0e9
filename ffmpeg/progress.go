package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Tick is one progress sample from the transcoder, Percent in [0,100].
type Tick struct {
	Percent float64
}

// ParseProgress reads ffmpeg "-progress" key=value output and calls emit with
// the percentage of total (output seconds) encoded so far. It returns when r
// is exhausted. A final progress=end always reports 100.
func ParseProgress(r io.Reader, total float64, emit func(Tick)) error {
	sc := bufio.NewScanner(r)
	last := -1.0
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}

		var pct float64
		switch key {
		case "out_time_us", "out_time_ms":
			// out_time_ms is microseconds as well, despite its name
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 || total <= 0 {
				continue
			}
			pct = float64(us) / 1e6 / total * 100
		case "progress":
			if value != "end" {
				continue
			}
			pct = 100
		default:
			continue
		}

		if pct > 100 {
			pct = 100
		}
		if pct <= last {
			continue
		}
		last = pct
		emit(Tick{Percent: pct})
	}
	return sc.Err()
}
