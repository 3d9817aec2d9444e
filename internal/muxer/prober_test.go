package muxer

import "testing"

const sampleProbeJSON = `{
  "streams": [
    {
      "codec_type": "video",
      "codec_name": "h264",
      "width": 1920,
      "height": 1080,
      "tags": {"language": "eng"},
      "disposition": {"default": 1}
    },
    {
      "codec_type": "audio",
      "codec_name": "aac",
      "tags": {"LANGUAGE": "eng", "title": "Stereo"},
      "disposition": {"default": 1}
    },
    {
      "codec_type": "subtitle",
      "codec_name": "mov_text",
      "tags": {"language": "spa"},
      "disposition": {"default": 0}
    }
  ],
  "format": {
    "duration": "125.43",
    "start_time": "0.000000"
  }
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(sampleProbeJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Tracks) != 3 {
		t.Fatalf("expected 3 tracks, got %d", len(info.Tracks))
	}
	if info.Duration != 125.43 {
		t.Errorf("expected duration 125.43, got %v", info.Duration)
	}

	video := info.Tracks[0]
	if video.Type != "video" || video.Codec != "h264" || video.Width != 1920 || video.Height != 1080 {
		t.Errorf("unexpected video track: %+v", video)
	}
	if !video.Default {
		t.Errorf("expected video track to be default")
	}

	audio := info.Tracks[1]
	if audio.Type != "audio" || audio.Language != "eng" || audio.Title != "Stereo" {
		t.Errorf("unexpected audio track: %+v", audio)
	}

	subtitle := info.Tracks[2]
	if subtitle.Type != "subtitle" || subtitle.Language != "spa" || subtitle.Default {
		t.Errorf("unexpected subtitle track: %+v", subtitle)
	}
}

func TestParseProbeOutputMalformed(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseProbeOutputNoDurationOmitsZero(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{"streams": [], "format": {}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Duration != 0 || info.StartTime != 0 {
		t.Errorf("expected zero duration/start time, got %+v", info)
	}
	if len(info.Tracks) != 0 {
		t.Errorf("expected no tracks, got %d", len(info.Tracks))
	}
}

func TestGetTagCaseVariants(t *testing.T) {
	tags := map[string]string{"LANGUAGE": "fra"}
	if got := getTag(tags, "language"); got != "fra" {
		t.Errorf("expected fra, got %q", got)
	}
	if got := getTag(nil, "language"); got != "" {
		t.Errorf("expected empty string for nil tags, got %q", got)
	}
}

func TestProbeRejectsEmptyPath(t *testing.T) {
	p := NewProber("ffprobe")
	if _, err := p.Probe(nil, "  "); err == nil { //nolint:staticcheck // nil context is fine; path check runs first
		t.Fatal("expected error for empty file path")
	}
}
