// Package sse implements the SSE Streamer (C7): a per-request push loop
// that ticks over a task's snapshot and incremental log lines until the
// task reaches a terminal status or the client disconnects. Grounded on
// jmylchreest-tvarr's internal/http/handlers/progress.go SSE handler
// (http.ResponseController flushing, ticker-driven loop, ctx.Done exit)
// for the push mechanics, and on original_source/app.py's api_stream_task
// for the one-shot "create-then-stream" query contract.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lumina/internal/domain"
)

// TickInterval is how often the streamer polls the task for new log
// lines and a fresh snapshot (spec §4.7).
const TickInterval = time.Second

// TaskLookup resolves a task id to its current Task and creates a new
// one from URL parameters, mirroring the subset of taskmanager.Manager
// the streamer needs.
type TaskLookup interface {
	Get(id string) (*domain.Task, bool)
	AddTask(req domain.Request) string
}

// Streamer serves the /api/stream_task SSE endpoint.
type Streamer struct {
	Tasks TaskLookup
	Now   func() time.Time
	Log   *slog.Logger
}

func (s *Streamer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ServeHTTP implements the documented /api/stream_task contract (spec
// §4.7/§6): given a pre-existing "task_id" it attaches to that task;
// given "url" and the rest of the task-creation parameters it creates a
// new task first, emits the queued frame, then streams exactly as if
// task_id had been supplied. Disconnects cleanly on client
// cancellation; terminates with a final snapshot, a trailing log flush,
// and an {"event":"end"} frame once the task reaches a terminal status.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID := q.Get("task_id")

	if taskID == "" {
		rawURL := strings.TrimSpace(q.Get("url"))
		if rawURL == "" {
			http.Error(w, `{"error":"missing task_id or url"}`, http.StatusBadRequest)
			return
		}
		if err := domain.ValidateURL(rawURL); err != nil {
			http.Error(w, `{"error":"invalid url"}`, http.StatusBadRequest)
			return
		}
		taskID = s.Tasks.AddTask(requestFromQuery(rawURL, q))
	}

	task, ok := s.Tasks.Get(taskID)
	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	ctx := r.Context()

	s.writeRawEvent(w, "queued", []byte(fmt.Sprintf(`{"task_id":%q,"status":"queued"}`, task.ID)))
	_ = rc.Flush()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	offset := 0
	offset = s.pushUpdate(w, rc, task, offset)
	if task.IsTerminal() {
		s.pushEnd(w, rc)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offset = s.pushUpdate(w, rc, task, offset)
			if task.IsTerminal() {
				s.pushEnd(w, rc)
				return
			}
		}
	}
}

// requestFromQuery implements the documented one-shot task-creation
// query contract: url, mode, quality, subtitles, subtitles_only,
// video_format, audio_format, meta, thumbnail, skip_probe, info_cache.
func requestFromQuery(rawURL string, q map[string][]string) domain.Request {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	boolOf := func(raw string) bool {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "yes", "on":
			return true
		default:
			return false
		}
	}

	mode := domain.ResolveMode(get("mode"))
	if boolOf(get("subtitles_only")) || get("mode") == "subtitles" {
		mode = domain.ModeSubtitlesOnly
	}
	if boolOf(get("thumbnail")) {
		mode = domain.ModeThumbnailOnly
	}

	var subtitleLangs []string
	if raw := get("subtitles"); raw != "" {
		for _, lang := range strings.Split(raw, ",") {
			if lang = strings.TrimSpace(lang); lang != "" {
				subtitleLangs = append(subtitleLangs, lang)
			}
		}
	}

	req := domain.Request{
		URL:           rawURL,
		Mode:          mode,
		Quality:       get("quality"),
		VideoFormat:   get("video_format"),
		AudioFormat:   get("audio_format"),
		SubtitleLangs: subtitleLangs,
		SkipProbe:     boolOf(get("skip_probe")),
		MetaMode:      domain.ResolveMetaMode(get("meta"), ""),
	}

	if raw := get("info_cache"); raw != "" {
		var handoff domain.ProbeResult
		if err := json.Unmarshal([]byte(raw), &handoff); err == nil {
			req.InfoCacheHandoff = &handoff
		}
	}

	return req
}

func (s *Streamer) pushUpdate(w http.ResponseWriter, rc *http.ResponseController, task *domain.Task, offset int) int {
	lines, next := task.LogSince(offset)
	for _, line := range lines {
		s.writeEvent(w, "log", line)
	}
	snap := task.Snapshot()
	if data, err := json.Marshal(snap); err == nil {
		s.writeRawEvent(w, "status", data)
	}
	if err := rc.Flush(); err != nil {
		if s.Log != nil {
			s.Log.Debug("sse flush failed, client likely disconnected", "task_id", task.ID, "error", err)
		}
	}
	return next
}

func (s *Streamer) pushEnd(w http.ResponseWriter, rc *http.ResponseController) {
	fmt.Fprint(w, "event: end\ndata: {}\n\n")
	_ = rc.Flush()
}

func (s *Streamer) writeEvent(w http.ResponseWriter, event, text string) {
	data, err := json.Marshal(text)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func (s *Streamer) writeRawEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
