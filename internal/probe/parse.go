package probe

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"lumina/internal/domain"
)

// extractorPayload is the explicit schema for the extractor's
// single-JSON probe output. Per the Design Notes, unknown fields are
// ignored rather than rejected since the extractor adds fields across
// versions; encoding/json already does this by default for struct
// targets.
type extractorPayload struct {
	Title      string           `json:"title"`
	ID         string           `json:"id"`
	Uploader   string           `json:"uploader"`
	Duration   float64          `json:"duration"`
	Thumbnail  string           `json:"thumbnail"`
	Formats    []extractorFormat `json:"formats"`
	Subtitles  map[string]json.RawMessage `json:"subtitles"`
	AutoCaptions map[string]json.RawMessage `json:"automatic_captions"`
}

type extractorFormat struct {
	FormatID   string  `json:"format_id"`
	Ext        string  `json:"ext"`
	VCodec     string  `json:"vcodec"`
	ACodec     string  `json:"acodec"`
	Height     int     `json:"height"`
	Width      int     `json:"width"`
	FPS        float64 `json:"fps"`
	TBR        float64 `json:"tbr"`
	ABR        float64 `json:"abr"`
	FileSize   int64   `json:"filesize"`
	FormatNote string  `json:"format_note"`
}

// ParsePayload converts raw extractor JSON into a domain.ProbeResult,
// computing effectiveHeight-derived capability flags and quality pairs.
func ParsePayload(data []byte) (domain.ProbeResult, error) {
	var payload extractorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.ProbeResult{}, err
	}

	tracks := make([]domain.FormatTrack, 0, len(payload.Formats))
	for _, f := range payload.Formats {
		track := domain.FormatTrack{
			ID:         f.FormatID,
			Container:  f.Ext,
			Height:     f.Height,
			Width:      f.Width,
			FPS:        f.FPS,
			TBR:        tbrOrABR(f.TBR, f.ABR),
			FileSize:   f.FileSize,
			Note:       f.FormatNote,
		}
		if !isNoneCodec(f.VCodec) {
			track.VideoCodec = f.VCodec
		}
		if !isNoneCodec(f.ACodec) {
			track.AudioCodec = f.ACodec
		}
		tracks = append(tracks, track)
	}

	result := domain.ProbeResult{
		Formats:   tracks,
		Title:     payload.Title,
		VideoID:   payload.ID,
		Uploader:  payload.Uploader,
		Duration:  payload.Duration,
		Thumbnail: payload.Thumbnail,
	}
	result.Subtitles = sortedKeys(payload.Subtitles)
	result.AutoSubtitles = sortedKeys(payload.AutoCaptions)
	result.MaxHeight = maxEffectiveHeight(tracks)
	result.Capabilities = computeCapabilities(tracks, result.MaxHeight)
	result.QualityPairs = ComputeQualityPairs(tracks)
	return result, nil
}

func tbrOrABR(tbr, abr float64) float64 {
	if tbr > 0 {
		return tbr
	}
	return abr
}

func isNoneCodec(codec string) bool {
	c := strings.ToLower(strings.TrimSpace(codec))
	return c == "" || c == "none"
}

func sortedKeys(m map[string]json.RawMessage) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func maxEffectiveHeight(tracks []domain.FormatTrack) int {
	max := 0
	for _, t := range tracks {
		if h := t.EffectiveHeight(); h > max {
			max = h
		}
	}
	return max
}

func computeCapabilities(tracks []domain.FormatTrack, maxHeight int) domain.Capabilities {
	caps := domain.Capabilities{
		EightK: maxHeight >= 4320,
		FourK:  maxHeight >= 2160 && maxHeight < 4320,
	}
	for _, t := range tracks {
		if strings.Contains(strings.ToLower(t.Note), "hdr") {
			caps.HDR = true
		}
		if strings.Contains(strings.ToLower(t.VideoCodec), "av01") {
			caps.AV1 = true
		}
	}
	return caps
}

// ComputeQualityPairs implements spec §4.9: for each effectiveHeight,
// pick the best (video, audio) format id pair, plus a default_best entry
// for the tallest height.
func ComputeQualityPairs(tracks []domain.FormatTrack) domain.QualityPairs {
	byHeight := map[int][]domain.FormatTrack{}
	var audioCandidates []domain.FormatTrack
	maxHeight := 0

	for _, t := range tracks {
		if t.VideoCodec != "" {
			h := t.EffectiveHeight()
			byHeight[h] = append(byHeight[h], t)
			if h > maxHeight {
				maxHeight = h
			}
		}
		if t.AudioCodec != "" {
			audioCandidates = append(audioCandidates, t)
		}
	}

	if len(byHeight) == 0 || len(audioCandidates) == 0 {
		return domain.QualityPairs{}
	}

	bestAudio := bestAudioTrack(audioCandidates)
	pairs := domain.QualityPairs{}
	for h, candidates := range byHeight {
		video := bestVideoTrack(candidates)
		pairs[strconv.Itoa(h)] = domain.QualityPair{Video: video.ID, Audio: bestAudio.ID}
	}
	if best, ok := byHeight[maxHeight]; ok {
		video := bestVideoTrack(best)
		pairs[domain.DefaultBestKey] = domain.QualityPair{Video: video.ID, Audio: bestAudio.ID}
	}
	return pairs
}

func bestVideoTrack(candidates []domain.FormatTrack) domain.FormatTrack {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if rankGreater(videoRank(c), videoRank(best)) {
			best = c
		}
	}
	return best
}

// videoRank orders candidates by (effectiveHeight, codecScore, fps, tbr,
// containerScore), descending, compared lexicographically by rankGreater.
func videoRank(t domain.FormatTrack) []float64 {
	return []float64{float64(t.EffectiveHeight()), codecScore(t.VideoCodec), t.FPS, t.TBR, containerScore(t.Container)}
}

// rankGreater reports whether a sorts after b in lexicographic order.
func rankGreater(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func codecScore(codec string) float64 {
	c := strings.ToLower(codec)
	switch {
	case strings.Contains(c, "avc"), strings.Contains(c, "h264"):
		return 3
	case strings.Contains(c, "vp9"):
		return 2
	case strings.Contains(c, "av01"):
		return 1
	default:
		return 0
	}
}

func containerScore(ext string) float64 {
	switch strings.ToLower(ext) {
	case "mp4":
		return 2
	case "webm":
		return 1
	default:
		return 0
	}
}

func bestAudioTrack(candidates []domain.FormatTrack) domain.FormatTrack {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if audioRank(c) > audioRank(best) {
			best = c
		}
	}
	return best
}

// audioRank orders by (abr-or-tbr, extensionScore, codecScore).
func audioRank(t domain.FormatTrack) float64 {
	bitrate := t.TBR
	return bitrate*1e6 + audioExtensionScore(t.Container)*1e3 + audioCodecScore(t.AudioCodec)
}

func audioExtensionScore(ext string) float64 {
	switch strings.ToLower(ext) {
	case "m4a", "mp4":
		return 2
	case "webm", "ogg":
		return 1
	default:
		return 0
	}
}

func audioCodecScore(codec string) float64 {
	c := strings.ToLower(codec)
	switch {
	case strings.Contains(c, "aac"), strings.Contains(c, "mp4a"):
		return 2
	case strings.Contains(c, "opus"):
		return 1
	default:
		return 0
	}
}
