package supervisor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"lumina/internal/domain"
)

var heightCapPattern = regexp.MustCompile(`^height<=(\d+)$`)

// BuildSelector implements spec §4.6.3: a direct selector when the task
// supplies explicit format ids, otherwise an adaptive selector derived
// from quality+mode.
func BuildSelector(req domain.Request) string {
	if req.VideoFormat != "" || req.AudioFormat != "" {
		return directSelector(req)
	}
	return adaptiveSelector(req.Mode, req.Quality)
}

func directSelector(req domain.Request) string {
	switch req.Mode {
	case domain.ModeVideoOnly:
		return req.VideoFormat
	case domain.ModeAudioOnly:
		return req.AudioFormat
	default:
		return req.VideoFormat + "+" + req.AudioFormat
	}
}

// adaptiveSelector implements the mode/quality → selector table of spec
// §4.6.3. A literal selector containing "[" and "]" passes through
// unchanged.
func adaptiveSelector(mode domain.Mode, quality string) string {
	if strings.Contains(quality, "[") && strings.Contains(quality, "]") {
		return quality
	}

	if mode == domain.ModeAudioOnly {
		return "bestaudio/best"
	}

	if mode == domain.ModeVideoOnly {
		switch quality {
		case "best8k":
			return "bestvideo[height<=?4320]/bestvideo"
		case "best4k":
			return "bestvideo[height<=?2160]/bestvideo"
		case "best", "auto", "":
			return "bestvideo[height<=?1080]/bestvideo"
		case "640p":
			return "bestvideo[height<=?640]/bestvideo"
		default:
			if h, ok := heightCap(quality); ok {
				return fmt.Sprintf("bestvideo[height<=?%d]/bestvideo", h)
			}
			return "bestvideo[height<=?720]/bestvideo"
		}
	}

	// merged (the default mode)
	switch quality {
	case "best8k":
		return "bv[height<=?4320]+ba/best[height<=?4320]/b"
	case "best4k":
		return "bv[height<=?2160]+ba/best[height<=?2160]/b"
	case "best", "auto", "":
		return "bv[height<=?1080]+ba/best[height<=?1080]/b"
	case "fast":
		return "bv[height<=?720]+ba/best[height<=?720]/b"
	case "640p":
		return "bv[height<=?640]+ba/best[height<=?640]/b"
	default:
		if h, ok := heightCap(quality); ok {
			return fmt.Sprintf("bv[height<=?%d]+ba/best[height<=?%d]/b", h, h)
		}
		return "bv+ba/b"
	}
}

func heightCap(quality string) (int, bool) {
	m := heightCapPattern.FindStringSubmatch(quality)
	if m == nil {
		return 0, false
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return h, true
}
