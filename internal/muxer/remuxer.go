package muxer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Remuxer stream-copies a separately-downloaded video component and audio
// component into one output container, the way the download supervisor's
// component-merge and audio-rescue paths need (spec §4.6.5). Grounded on
// livepeer-catalyst-api/video/transmux.go's ffmpeg-go usage, which always
// passes "c": "copy" to avoid a re-encode; here the mux additionally
// multiplexes two distinct inputs instead of concatenating segments of one.
type Remuxer struct {
	Binary string
}

func NewRemuxer(binary string) *Remuxer {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Remuxer{Binary: bin}
}

// Remux implements ports.Remuxer. It takes videoPath's first video stream
// and audioPath's first audio stream, copies both without re-encoding, and
// writes the result to outPath.
func (r *Remuxer) Remux(ctx context.Context, videoPath, audioPath, outPath string) error {
	if strings.TrimSpace(videoPath) == "" || strings.TrimSpace(audioPath) == "" {
		return fmt.Errorf("remux requires both a video and an audio component path")
	}

	video := ffmpeg.Input(videoPath)
	audio := ffmpeg.Input(audioPath)

	stream := ffmpeg.Output(
		[]*ffmpeg.Stream{video, audio},
		outPath,
		ffmpeg.KwArgs{"c": "copy"},
	).GlobalArgs("-map", "0:v:0", "-map", "1:a:0").OverWriteOutput()

	compiled := stream.Compile()

	var errOutput bytes.Buffer
	runner := exec.CommandContext(ctx, r.Binary, compiled.Args[1:]...)
	runner.Stderr = &errOutput
	if err := runner.Run(); err != nil {
		return fmt.Errorf("remux failed (%s): %w", errOutput.String(), err)
	}

	if _, statErr := os.Stat(outPath); statErr != nil {
		return fmt.Errorf("remux produced no output file: %w", statErr)
	}
	return nil
}
