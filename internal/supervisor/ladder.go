package supervisor

import (
	"fmt"
	"strconv"
	"strings"

	"lumina/internal/domain"
)

// rung is one attempt in the retry/fallback ladder of spec §4.6.4.
type rung struct {
	name      string
	selector  string
	extraArgs []string

	concurrency int
	chunkSize   string

	noAccelerator bool
	needsReprobe  bool
}

// ladder walks the fixed retry/fallback sequence, narrowing the selector
// or adjusting concurrency/chunk size in response to the previous rung's
// failure tail. Grounded on original_source/service/tasks/downloader.py's
// retry escalation in execute_download (the build_args/run_once chain and
// its five sequential fallback checks).
type ladder struct {
	req                  domain.Request
	profile              domain.SiteProfile
	acceleratorAvailable bool
	usedDirectSelector   bool

	rung     int
	maxRungs int
	lastTail string
	done     bool
	sawSSLEOF bool
}

func newLadder(req domain.Request, profile domain.SiteProfile, acceleratorAvailable bool) *ladder {
	max := maxComponentFallbackRetries
	if req.RetryBudget > 0 && req.RetryBudget < max {
		max = req.RetryBudget
	}
	return &ladder{
		req:                  req,
		profile:              profile,
		acceleratorAvailable: acceleratorAvailable,
		maxRungs:             max,
		usedDirectSelector:   req.VideoFormat != "" || req.AudioFormat != "",
	}
}

// observe records the previous rung's failure tail so next() can decide
// which rung to try next.
func (l *ladder) observe(tail string) {
	l.lastTail = tail
}

// next returns the next rung to attempt, or nil once the ladder is
// exhausted. Rungs are tried in order but some are skipped when their
// precondition doesn't hold (e.g. the merge-corruption rung outside
// merged mode).
func (l *ladder) next() *rung {
	if l.done || l.rung >= l.maxRungs {
		return nil
	}
	tail := strings.ToLower(l.lastTail)

	for {
		idx := l.rung
		l.rung++
		if l.rung > l.maxRungs {
			l.done = true
			return nil
		}

		switch idx {
		case 0:
			// Rung 1: primary attempt at the site profile's concurrency
			// and chunk size, forced IPv4, resume disabled (stale signed
			// URLs 403 on resume).
			return &rung{
				name:        "primary",
				selector:    BuildSelector(l.req),
				extraArgs:   []string{"--force-ipv4", "--no-continue"},
				concurrency: l.profile.Concurrency,
				chunkSize:   chunkSizeString(l.profile.ChunkSize),
			}

		case 1:
			if l.lastTail == "" || !l.req.SkipProbe {
				continue
			}
			if !hasAny(tail, "requested format not available", "no such format", "unable to download video data", "404") {
				continue
			}
			// Rung 2: fast-path probe injection - the supervisor performs
			// a synchronous reprobe (needsReprobe) then rebuilds the
			// selector adaptively and retries without the accelerator.
			return &rung{
				name:          "fast-path-probe-injection",
				selector:      adaptiveSelector(l.req.Mode, l.req.Quality),
				needsReprobe:  true,
				noAccelerator: true,
				concurrency:   l.profile.Concurrency,
				chunkSize:     chunkSizeString(l.profile.ChunkSize),
			}

		case 2:
			if !l.usedDirectSelector {
				continue
			}
			// Rung 3: adaptive-selector retry - rung 1 used an exact
			// format-id selector, so retry with the adaptive one.
			return &rung{
				name:        "adaptive-selector-retry",
				selector:    adaptiveSelector(l.req.Mode, l.req.Quality),
				concurrency: l.profile.Concurrency,
				chunkSize:   chunkSizeString(l.profile.ChunkSize),
			}

		case 3:
			if l.req.Mode != domain.ModeMerged {
				continue
			}
			if !hasAny(tail, "invalid data found when processing input", "error opening input files") {
				continue
			}
			// Rung 4: merge-corruption fallback (merged mode only) -
			// conservative mp4/m4a selector under the same height cap.
			return &rung{
				name:        "merge-corruption-fallback",
				selector:    conservativeMergeSelector(l.req),
				concurrency: 4,
				chunkSize:   "4M",
			}

		case 4:
			if !hasAny(tail, "eof occurred in violation of protocol", "ssleof", "tlsv1", "10054", "connection reset") {
				continue
			}
			// Rung 5: SSL-EOF fallback - halve concurrency, double chunk
			// size, no accelerator.
			l.sawSSLEOF = true
			conc := l.profile.Concurrency / 2
			if conc < 1 {
				conc = 1
			}
			return &rung{
				name:          "ssl-eof-fallback",
				selector:      BuildSelector(l.req),
				noAccelerator: true,
				concurrency:   conc,
				chunkSize:     doubleChunk(chunkSizeString(l.profile.ChunkSize)),
			}

		case 5:
			if !l.acceleratorAvailable || !l.sawSSLEOF {
				continue
			}
			if !hasAny(tail, "eof occurred in violation of protocol", "ssleof", "tlsv1", "10054", "connection reset") {
				continue
			}
			// Rung 6: accelerator fallback - rung 5 still shows SSL-EOF
			// symptoms; retry once via the accelerator with conservative
			// parameters.
			return &rung{
				name:        "accelerator-fallback",
				selector:    BuildSelector(l.req),
				concurrency: 2,
				chunkSize:   "8M",
			}

		default:
			l.done = true
			return nil
		}
	}
}

func hasAny(tail string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(tail, n) {
			return true
		}
	}
	return false
}

// chunkSizeString renders a SiteProfile's chunk size (bytes) as yt-dlp's
// "NM" http-chunk-size argument.
func chunkSizeString(bytes int64) string {
	if bytes <= 0 {
		return "4M"
	}
	mb := bytes / (1 << 20)
	if mb <= 0 {
		mb = 1
	}
	return fmt.Sprintf("%dM", mb)
}

func doubleChunk(chunk string) string {
	mb, ok := parseChunkMB(chunk)
	if !ok {
		return "8M"
	}
	return fmt.Sprintf("%dM", mb*2)
}

func parseChunkMB(chunk string) (int, bool) {
	s := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(chunk)), "M")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// conservativeMergeSelector implements rung 4's "mp4/m4a under the same
// height cap" selector.
func conservativeMergeSelector(req domain.Request) string {
	h, ok := qualityHeightCap(req.Quality)
	if !ok {
		return "bv[ext=mp4]+ba[ext=m4a]/best/b"
	}
	return fmt.Sprintf("bv[ext=mp4][height<=?%d]+ba[ext=m4a]/best[height<=?%d]/b", h, h)
}

func qualityHeightCap(quality string) (int, bool) {
	switch quality {
	case "best8k":
		return 4320, true
	case "best4k":
		return 2160, true
	case "best", "auto", "":
		return 1080, true
	case "fast":
		return 720, true
	case "640p":
		return 640, true
	default:
		return heightCap(quality)
	}
}
