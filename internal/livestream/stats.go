package livestream

import (
	"regexp"
	"strconv"
	"time"
)

var (
	fpsPattern     = regexp.MustCompile(`\bfps=\s*(\d+)(?:\.\d+)?`)
	bitratePattern = regexp.MustCompile(`\bbitrate=\s*(\d+(?:\.\d+)?)kbits`)
)

// ParseStatsLine extracts fps and bitrate from one transcoder progress line.
// The two tokens are matched independently; ok is false when neither is
// present. It never fails: anything unrecognised is simply not a sample.
func ParseStatsLine(line string, now time.Time) (StatsSample, bool) {
	var sample StatsSample

	if m := fpsPattern.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			sample.FPS = &n
		}
	}
	if m := bitratePattern.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			sample.BitrateKbps = &f
		}
	}

	if sample.FPS == nil && sample.BitrateKbps == nil {
		return StatsSample{}, false
	}
	sample.CapturedAt = now
	return sample, true
}
