package supervisor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

var (
	frameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe   = regexp.MustCompile(`fps=\s*([\d.]+)`)
	dropRe  = regexp.MustCompile(`drop=\s*(\d+)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// ParseProgressLine extracts a metric sample from an ffmpeg `-stats` progress
// line. Banner and codec-info lines do not match and report ok=false.
func ParseProgressLine(line string, now time.Time) (model.MetricSample, bool) {
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return model.MetricSample{}, false
	}

	sample := model.MetricSample{Timestamp: now}
	sample.Frames, _ = strconv.ParseInt(m[1], 10, 64)

	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		sample.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := dropRe.FindStringSubmatch(line); len(m) > 1 {
		sample.DroppedFrames, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := speedRe.FindStringSubmatch(line); len(m) > 1 {
		sample.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if idx := strings.Index(line, "bitrate="); idx >= 0 {
		br := strings.TrimSpace(line[idx+len("bitrate="):])
		if end := strings.IndexAny(br, " \t"); end > 0 {
			br = br[:end]
		}
		br = strings.TrimSuffix(br, "kbits/s")
		if v, err := strconv.ParseFloat(strings.TrimSpace(br), 64); err == nil {
			sample.BitrateKbps = v
		}
	}
	return sample, true
}
