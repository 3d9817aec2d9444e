package ports

import (
	"context"

	"lumina/internal/domain"
)

// MediaProber is the muxer's probe companion (ffprobe-equivalent),
// grounded on internal/services/torrent/engine/ffprobe's Prober shape.
type MediaProber interface {
	Probe(ctx context.Context, filePath string) (domain.MediaInfo, error)
}

// Remuxer invokes the muxer to stream-copy one or more component files
// into a single output container (spec §4.6.5's component merge and
// audio-rescue paths).
type Remuxer interface {
	// Remux maps videoPath's first video stream and audioPath's first
	// audio stream into outPath via stream copy (no re-encode).
	Remux(ctx context.Context, videoPath, audioPath, outPath string) error
}
