package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"lumina/internal/domain"
	"lumina/internal/domain/ports"
)

// componentPattern matches an intermediate file produced when the
// extractor downloads video and audio tracks separately but fails to
// merge them, e.g. "Title.f137.mp4" (spec GLOSSARY "Component file").
func componentPattern(baseName string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(baseName) + `\.f\d+\..*`)
}

// MetaPayload is the sidecar metadata written at finalize (spec §4.6.5).
type MetaPayload struct {
	TaskID        string    `json:"task_id"`
	SourceURL     string    `json:"source_url"`
	Title         string    `json:"title"`
	Quality       string    `json:"quality"`
	Mode          domain.Mode `json:"mode"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	VideoCodec    string    `json:"vcodec,omitempty"`
	AudioCodec    string    `json:"acodec,omitempty"`
	FileSize      int64     `json:"filesize,omitempty"`
	FinalPath     string    `json:"final_path"`
	Renamed       bool      `json:"renamed"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at"`
	EffectiveMeta domain.MetaMode `json:"meta_mode"`
}

// Finalizer resolves the on-disk output of a download attempt, performs
// component merge / audio rescue, renames with a resolution suffix, and
// writes the metadata sidecar.
type Finalizer struct {
	Prober  ports.MediaProber
	Remuxer ports.Remuxer
	MetaDir string
}

// minAdoptableSize is spec §4.6.4 rung 7's "larger than 100 KiB" floor: a
// merged-looking file smaller than this is treated as a corrupt leftover
// rather than a finished download.
const minAdoptableSize = 100 * 1024

// Resolve implements spec §4.6.5 steps 1-3: find the merged output file,
// or merge component files if the extractor left them unmerged.
func (f *Finalizer) Resolve(ctx context.Context, dir, baseName string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	compPattern := componentPattern(baseName)
	var nonComponent []string
	var components []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(baseName)+1 || name[:len(baseName)+1] != baseName+"." {
			continue
		}
		path := filepath.Join(dir, name)
		if compPattern.MatchString(name) {
			components = append(components, path)
			continue
		}
		if info, statErr := os.Stat(path); statErr != nil || info.Size() < minAdoptableSize {
			continue
		}
		nonComponent = append(nonComponent, path)
	}

	if len(nonComponent) == 1 {
		return nonComponent[0], nil
	}

	if len(nonComponent) == 0 && len(components) > 0 {
		return f.mergeComponents(ctx, dir, baseName, components)
	}

	if len(nonComponent) > 0 {
		return newestFile(nonComponent), nil
	}
	return "", fmt.Errorf("no output file found for %q in %s", baseName, dir)
}

func (f *Finalizer) mergeComponents(ctx context.Context, dir, baseName string, components []string) (string, error) {
	var videoPath, audioPath string
	var videoMod, audioMod time.Time

	for _, path := range components {
		info, err := f.Prober.Probe(ctx, path)
		if err != nil {
			continue
		}
		stat, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		for _, track := range info.Tracks {
			switch track.Type {
			case "video":
				if stat.ModTime().After(videoMod) {
					videoPath, videoMod = path, stat.ModTime()
				}
			case "audio":
				if stat.ModTime().After(audioMod) {
					audioPath, audioMod = path, stat.ModTime()
				}
			}
		}
	}

	if videoPath == "" || audioPath == "" {
		return "", fmt.Errorf("component merge: missing video or audio component for %q", baseName)
	}

	out := filepath.Join(dir, baseName+".mkv")
	if err := f.Remuxer.Remux(ctx, videoPath, audioPath, out); err != nil {
		return "", fmt.Errorf("component merge failed: %w", err)
	}
	return out, nil
}

// AudioRescue implements spec §4.6.5's merged-mode audio rescue: when the
// final file has no audio codec, the caller has already fetched a
// bestaudio sidecar to sidecarAudioPath; this re-muxes it with the
// existing video-only file into a fresh .mkv.
func (f *Finalizer) AudioRescue(ctx context.Context, videoPath, sidecarAudioPath string) (string, error) {
	out := trimExt(videoPath) + ".rescued.mkv"
	if err := f.Remuxer.Remux(ctx, videoPath, sidecarAudioPath, out); err != nil {
		return "", fmt.Errorf("audio rescue failed: %w", err)
	}
	return out, nil
}

// Rename implements spec §4.6.5's "Rename": append "_<height>p" unless
// already suffixed.
func (f *Finalizer) Rename(path string, height int) (newPath string, renamed bool, err error) {
	candidate := withResolutionSuffix(path, height)
	if candidate == path {
		return path, false, nil
	}
	if err := os.Rename(path, candidate); err != nil {
		return path, false, err
	}
	return candidate, true, nil
}

// WriteMeta writes the sidecar per mode: off writes nothing, sidecar
// writes "<file>.meta.json" next to the file, folder writes to
// "<MetaDir>/<basename>.json".
func (f *Finalizer) WriteMeta(mode domain.MetaMode, payload MetaPayload) error {
	switch mode {
	case domain.MetaOff, "":
		return nil
	case domain.MetaSidecar:
		return writeJSON(payload.FinalPath+".meta.json", payload)
	case domain.MetaFolder:
		if f.MetaDir == "" {
			return fmt.Errorf("metadata folder mode requires a configured directory")
		}
		if err := os.MkdirAll(f.MetaDir, 0o755); err != nil {
			return err
		}
		base := filepath.Base(payload.FinalPath)
		return writeJSON(filepath.Join(f.MetaDir, base+".json"), payload)
	default:
		return nil
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func newestFile(paths []string) string {
	sort.Slice(paths, func(i, j int) bool {
		si, erri := os.Stat(paths[i])
		sj, errj := os.Stat(paths[j])
		if erri != nil || errj != nil {
			return false
		}
		return si.ModTime().After(sj.ModTime())
	})
	return paths[0]
}

func trimExt(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)]
}
