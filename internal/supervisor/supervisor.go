// Package supervisor implements the Download Supervisor (C6): the
// per-task state machine that probes, selects a format, spawns the
// extractor, parses progress, falls back across rungs on failure, and
// finalizes the result (remux, rename, metadata sidecar). Grounded on
// original_source/service/tasks/downloader.py's execute_download and its
// helpers.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lumina/internal/domain"
	"lumina/internal/domain/ports"
	"lumina/internal/errclass"
	"lumina/internal/probe"
	"lumina/internal/procharness"
	"lumina/internal/siteregistry"
)

const maxComponentFallbackRetries = 6

// DiskSpaceChecker reports free bytes available at path, backed by
// github.com/shirou/gopsutil/v4's disk.Usage in production.
type DiskSpaceChecker func(path string) (freeBytes uint64, err error)

// Supervisor drives one task end to end.
type Supervisor struct {
	Extractor   ports.Extractor
	Harness     *procharness.Harness
	Registry    *siteregistry.Registry
	Pipeline    *probe.Pipeline
	Finalizer   *Finalizer
	DownloadDir string

	AcceleratorAvailable bool
	AcceleratorBinDir    string

	MinFreeDiskBytes uint64
	DiskSpace        DiskSpaceChecker

	Cookies        siteregistry.CookieStrategy
	HasCookiesFile bool
	Proxy          string

	Now func() time.Time
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run executes one task's full lifecycle. Intended to be called from a
// taskmanager worker goroutine.
func (s *Supervisor) Run(ctx context.Context, task *domain.Task) {
	if task.IsCanceled() {
		return
	}

	result, errKind, errMsg, failed := s.resolveProbe(ctx, task)
	if failed {
		s.finishError(task, errKind, errMsg)
		return
	}
	if task.IsCanceled() {
		return
	}

	req := task.Request
	switch req.Mode {
	case domain.ModeSubtitlesOnly:
		s.runSubtitlesOnly(ctx, task, result)
	case domain.ModeThumbnailOnly:
		s.runThumbnailOnly(ctx, task, result)
	default:
		s.runMediaDownload(ctx, task, result)
	}
}

// resolveProbe implements spec §4.6.1: fast-start skips probing entirely
// when a handoff result is supplied and skip_probe is set.
func (s *Supervisor) resolveProbe(ctx context.Context, task *domain.Task) (domain.ProbeResult, domain.ErrorKind, string, bool) {
	req := task.Request
	if req.InfoCacheHandoff != nil && req.SkipProbe {
		task.SetStage(s.now(), domain.StatusDownloading, domain.StageFastStart, 0)
		return *req.InfoCacheHandoff, "", "", false
	}

	task.SetStage(s.now(), domain.StatusDownloading, domain.StageFetchInfo, 0)
	result, kind, msg, err := s.Pipeline.Run(ctx, req.URL, req.GeoBypass, false, func(stage domain.ProbeStage) {
		task.AppendLog(s.now(), fmt.Sprintf("probe stage: %s", stage))
	})
	if err != nil || kind != "" {
		if kind == "" {
			kind = domain.ErrorUnknown
		}
		return domain.ProbeResult{}, kind, msg, true
	}
	return result, "", "", false
}

func (s *Supervisor) finishError(task *domain.Task, kind domain.ErrorKind, msg string) {
	task.Finish(s.now(), domain.StatusError, domain.Results{ErrorKind: string(kind), ErrorMsg: msg})
}

// profileFor composes the Site Strategy Registry's SiteProfile for a
// task's URL (spec §2's C6 → C1 → C8 data flow): the same registry the
// probing pipeline consumes, now also driving the download rungs'
// headers, impersonation, concurrency and accelerator policy.
func (s *Supervisor) profileFor(task *domain.Task) domain.SiteProfile {
	return s.Registry.Profile(task.Request.URL, domain.ProbeStagePrimary, false)
}

// baseExtractorArgs composes the flags common to every extractor
// invocation for this task: the site profile's generic flags, headers,
// impersonation, cookies, proxy and geo-bypass.
func (s *Supervisor) baseExtractorArgs(task *domain.Task, profile domain.SiteProfile) []string {
	var args []string
	args = append(args, profile.Flags...)
	for k, v := range profile.Headers {
		if v != "" {
			args = append(args, "--add-header", fmt.Sprintf("%s: %s", k, v))
		}
	}
	if profile.ImpersonateProfile != "" {
		args = append(args, "--impersonate", profile.ImpersonateProfile)
	}
	args = append(args, s.Cookies.Args(s.HasCookiesFile)...)
	if s.Proxy != "" {
		args = append(args, "--proxy", s.Proxy)
	}
	if task.Request.GeoBypass {
		args = append(args, "--geo-bypass")
	}
	return args
}

// rungArgs appends the per-rung concurrency, chunk size and accelerator
// flags on top of baseExtractorArgs (spec §4.6.4). useAccelerator only
// takes effect when the profile and task both permit it and the rung
// itself hasn't disabled it (rungs 2 and 5 deliberately retry without
// the accelerator as a root-cause isolation step).
func (s *Supervisor) rungArgs(profile domain.SiteProfile, r *rung) []string {
	var args []string
	if r.concurrency > 0 {
		args = append(args, "--concurrent-fragments", strconv.Itoa(r.concurrency))
	}
	if r.chunkSize != "" {
		args = append(args, "--http-chunk-size", r.chunkSize)
	}
	args = append(args, r.extraArgs...)

	useAccelerator := !r.noAccelerator && s.AcceleratorAvailable && profile.UseAccelerator != domain.AcceleratorOff
	if useAccelerator {
		args = append(args,
			"--downloader", "http:aria2c",
			"--downloader", "https:aria2c",
			"--downloader-args", "aria2c:-x16 -s16 -k1M -m16 --retry-wait=2 --summary-interval=1",
		)
	}
	return args
}

func (s *Supervisor) outputTemplate(baseName string) string {
	return filepath.Join(s.DownloadDir, baseName+".%(ext)s")
}

// runSubtitlesOnly implements spec §4.6.2's subtitles_only path.
func (s *Supervisor) runSubtitlesOnly(ctx context.Context, task *domain.Task, result domain.ProbeResult) {
	baseName := SafeFilename(result.Title)
	args := s.baseExtractorArgs(task, s.profileFor(task))
	args = append(args, "--skip-download", "--write-subs")
	langs := task.Request.SubtitleLangs
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	args = append(args, "--sub-langs", strings.Join(langs, ","))
	if task.Request.AutoCaptions {
		args = append(args, "--write-auto-subs")
	}
	args = append(args, "-o", s.outputTemplate(baseName), task.Request.URL)

	task.SetStage(s.now(), domain.StatusDownloading, domain.StageDownloading, 10)
	res, err := s.runExtractor(ctx, task, args)
	if err != nil || res.ExitCode != 0 {
		kind, msg := errclass.Classify(res.Stderr)
		s.finishError(task, kind, msg)
		return
	}

	srtPath := filepath.Join(s.DownloadDir, baseName+"."+langs[0]+".srt")
	if raw, readErr := os.ReadFile(srtPath); readErr == nil {
		merged := MergeSRTLines(string(raw))
		_ = os.WriteFile(srtPath, []byte(merged), 0o644)
	}

	task.Finish(s.now(), domain.StatusFinished, domain.Results{Title: result.Title, FilePath: srtPath})
}

// runThumbnailOnly implements spec §4.6.2's thumbnail_only path.
func (s *Supervisor) runThumbnailOnly(ctx context.Context, task *domain.Task, result domain.ProbeResult) {
	baseName := SafeFilename(result.Title)
	args := s.baseExtractorArgs(task, s.profileFor(task))
	args = append(args, "--skip-download", "--write-thumbnail", "--convert-thumbnails", "jpg")
	args = append(args, "-o", s.outputTemplate(baseName), task.Request.URL)

	task.SetStage(s.now(), domain.StatusDownloading, domain.StageDownloading, 10)
	res, err := s.runExtractor(ctx, task, args)
	if err != nil || res.ExitCode != 0 {
		kind, msg := errclass.Classify(res.Stderr)
		s.finishError(task, kind, msg)
		return
	}

	task.Finish(s.now(), domain.StatusFinished, domain.Results{
		Title:    result.Title,
		FilePath: filepath.Join(s.DownloadDir, baseName+".jpg"),
	})
}

// runMediaDownload implements the merged/video_only/audio_only full
// pipeline: selector construction (§4.6.3), the retry ladder (§4.6.4),
// and finalization (§4.6.5).
func (s *Supervisor) runMediaDownload(ctx context.Context, task *domain.Task, result domain.ProbeResult) {
	if s.MinFreeDiskBytes > 0 && s.DiskSpace != nil {
		if free, err := s.DiskSpace(s.DownloadDir); err == nil && free < s.MinFreeDiskBytes {
			s.finishError(task, domain.ErrorUnknown, "insufficient free disk space")
			return
		}
	}

	baseName := SafeFilename(result.Title)
	task.SetStage(s.now(), domain.StatusDownloading, domain.StageDownloading, 10)

	profile := s.profileFor(task)
	ladder := newLadder(task.Request, profile, s.AcceleratorAvailable)
	var lastTail string

	for rung := ladder.next(); rung != nil; rung = ladder.next() {
		if task.IsCanceled() {
			return
		}
		if rung.needsReprobe {
			task.AppendLog(s.now(), "rung: "+rung.name+" reprobing before retry")
			if _, _, _, err := s.Pipeline.Run(ctx, task.Request.URL, task.Request.GeoBypass, false, nil); err != nil {
				task.AppendLog(s.now(), "reprobe failed: "+err.Error())
			}
		}

		task.BumpAttempt()
		task.AppendLog(s.now(), fmt.Sprintf("rung: %s selector=%s", rung.name, rung.selector))

		args := s.baseExtractorArgs(task, profile)
		args = append(args, s.rungArgs(profile, rung)...)
		args = append(args, "-f", rung.selector, "-o", s.outputTemplate(baseName), task.Request.URL)

		res, err := s.runExtractor(ctx, task, args)
		if err == nil && res.ExitCode == 0 {
			lastTail = ""
			break
		}

		lastTail = res.Stderr
		if lastTail == "" {
			lastTail = res.Stdout
		}
		ladder.observe(lastTail)
	}

	if task.IsCanceled() {
		return
	}

	// Rung 7: partial-success scan, even after the loop exhausts (or
	// succeeded but left no single unambiguous output file yet).
	outPath, resolveErr := s.Finalizer.Resolve(ctx, s.DownloadDir, baseName)
	if resolveErr != nil {
		kind, msg := errclass.Classify(lastTail)
		if lastTail == "" {
			kind, msg = domain.ErrorUnknown, resolveErr.Error()
		}
		s.finishError(task, kind, msg)
		return
	}

	s.finalizeOutput(ctx, task, result, baseName, outPath)
}

func (s *Supervisor) finalizeOutput(ctx context.Context, task *domain.Task, result domain.ProbeResult, baseName, outPath string) {
	task.SetStage(s.now(), domain.StatusMerging, domain.StageFinalize, 95)

	info, probeErr := s.Finalizer.Prober.Probe(ctx, outPath)
	var width, height int
	var vcodec, acodec string
	if probeErr == nil {
		for _, tr := range info.Tracks {
			switch tr.Type {
			case "video":
				vcodec = tr.Codec
				width, height = tr.Width, tr.Height
			case "audio":
				acodec = tr.Codec
			}
		}
	}

	if task.Request.Mode == domain.ModeMerged && acodec == "" {
		if rescued, ok := s.rescueAudio(ctx, task, outPath); ok {
			outPath = rescued
			if info2, err2 := s.Finalizer.Prober.Probe(ctx, outPath); err2 == nil {
				for _, tr := range info2.Tracks {
					if tr.Type == "audio" {
						acodec = tr.Codec
					}
				}
			}
		}
	}

	finalPath, renamed, renameErr := s.Finalizer.Rename(outPath, height)
	if renameErr != nil {
		finalPath = outPath
		renamed = false
	}

	var fileSize int64
	if st, err := os.Stat(finalPath); err == nil {
		fileSize = st.Size()
	}

	now := s.now()
	meta := MetaPayload{
		TaskID:        task.ID,
		SourceURL:     task.Request.URL,
		Title:         result.Title,
		Quality:       task.Request.Quality,
		Mode:          task.Request.Mode,
		Width:         width,
		Height:        height,
		VideoCodec:    vcodec,
		AudioCodec:    acodec,
		FileSize:      fileSize,
		FinalPath:     finalPath,
		Renamed:       renamed,
		CreatedAt:     task.CreatedAt,
		CompletedAt:   now,
		EffectiveMeta: task.Request.MetaMode,
	}
	if err := s.Finalizer.WriteMeta(task.Request.MetaMode, meta); err != nil {
		task.AppendLog(now, "warning: failed to write metadata sidecar: "+err.Error())
	}

	task.Finish(now, domain.StatusFinished, domain.Results{
		Title:      result.Title,
		FilePath:   finalPath,
		Width:      width,
		Height:     height,
		VideoCodec: vcodec,
		AudioCodec: acodec,
		FileSize:   fileSize,
	})
}

// rescueAudio implements spec §4.6.5's audio-rescue: fetch bestaudio to a
// sidecar file, then stream-copy-merge it with the existing video-only
// file.
func (s *Supervisor) rescueAudio(ctx context.Context, task *domain.Task, videoPath string) (string, bool) {
	sidecarTemplate := videoPath + ".audio.%(ext)s"
	args := s.baseExtractorArgs(task, s.profileFor(task))
	args = append(args, "-f", "bestaudio/best", "-o", sidecarTemplate, task.Request.URL)
	res, err := s.runExtractor(ctx, task, args)
	if err != nil || res.ExitCode != 0 {
		return "", false
	}

	sidecarPath := videoPath + ".audio.m4a"
	if _, statErr := os.Stat(sidecarPath); statErr != nil {
		return "", false
	}
	merged, mergeErr := s.Finalizer.AudioRescue(ctx, videoPath, sidecarPath)
	if mergeErr != nil {
		return "", false
	}
	return merged, true
}

func (s *Supervisor) runExtractor(ctx context.Context, task *domain.Task, args []string) (ports.ProcessResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.Harness.Register(task.ID, cancel)
	defer func() {
		s.Harness.Unregister(task.ID)
		cancel()
	}()

	env := s.acceleratorEnv()
	lines, streamCancel, errc := s.Harness.Stream(runCtx, args, env)
	invocationID := procharness.NewInvocationID()

	var stdout, stderr strings.Builder
	for line := range lines {
		if task.IsCanceled() {
			streamCancel()
		}
		if line.IsStderr {
			stderr.WriteString(line.Text)
			stderr.WriteString("\n")
		} else {
			stdout.WriteString(line.Text)
			stdout.WriteString("\n")
		}
		task.AppendLog(s.now(), "["+invocationID+"] "+line.Text)
		if pct, ok := parseProgressPercent(line.Text); ok {
			task.SetStage(s.now(), domain.StatusDownloading, domain.StageDownloading, pct)
		}
	}
	waitErr := <-errc

	exitCode := 0
	if waitErr != nil {
		exitCode = 1
	}
	return ports.ProcessResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, waitErr
}

func (s *Supervisor) acceleratorEnv() []string {
	if s.AcceleratorBinDir == "" {
		return nil
	}
	return []string{"PATH=" + s.AcceleratorBinDir + string(os.PathListSeparator) + os.Getenv("PATH")}
}

// parseProgressPercent extracts a "[download]  42.3%" style progress line
// into a 0-100 float.
func parseProgressPercent(line string) (float64, bool) {
	idx := strings.Index(line, "%")
	if idx <= 0 {
		return 0, false
	}
	start := idx - 1
	for start > 0 && (line[start-1] == '.' || (line[start-1] >= '0' && line[start-1] <= '9')) {
		start--
	}
	val, err := strconv.ParseFloat(line[start:idx], 64)
	if err != nil {
		return 0, false
	}
	if val < 0 {
		val = 0
	}
	if val > 100 {
		val = 100
	}
	return val, true
}
