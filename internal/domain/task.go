package domain

import (
	"sync"
	"time"
)

// Mode selects which assets a task downloads.
type Mode string

const (
	ModeMerged         Mode = "merged"
	ModeVideoOnly      Mode = "video_only"
	ModeAudioOnly      Mode = "audio_only"
	ModeSubtitlesOnly  Mode = "subtitles_only"
	ModeThumbnailOnly  Mode = "thumbnail_only"
)

// MetaMode selects where (if anywhere) the finalize step writes a
// metadata sidecar describing the completed task.
type MetaMode string

const (
	MetaOff     MetaMode = "off"
	MetaSidecar MetaMode = "sidecar"
	MetaFolder  MetaMode = "folder"
)

const logRingCapacity = 200

// ResolveMode maps a raw mode string (as received over HTTP or SSE query
// parameters) to a known Mode, defaulting to ModeMerged for anything else.
func ResolveMode(raw string) Mode {
	switch Mode(raw) {
	case ModeVideoOnly, ModeAudioOnly, ModeSubtitlesOnly, ModeThumbnailOnly:
		return Mode(raw)
	default:
		return ModeMerged
	}
}

// ResolveMetaMode maps a raw meta-mode string to a known MetaMode,
// falling back to the caller-supplied default for anything unrecognized.
func ResolveMetaMode(raw string, fallback MetaMode) MetaMode {
	switch raw {
	case "0", "off", "false", "no":
		return MetaOff
	case "1", "yes", "true", "on", "sidecar":
		return MetaSidecar
	case "folder", "dir", "directory":
		return MetaFolder
	default:
		return fallback
	}
}

// Request carries everything a caller supplied when the task was created.
type Request struct {
	URL               string
	Mode              Mode
	Quality           string
	VideoFormat       string
	AudioFormat       string
	SubtitleLangs     []string
	AutoCaptions      bool
	GeoBypass         bool
	Container         string
	OutputTemplate    string
	RetryBudget       int
	InfoCacheHandoff  *ProbeResult
	SkipProbe         bool
	ThumbnailEmbed    bool
	MetaMode          MetaMode
}

// Results holds everything produced by a completed (or failed) attempt.
type Results struct {
	Title       string
	FilePath    string
	Width       int
	Height      int
	VideoCodec  string
	AudioCodec  string
	FileSize    int64
	ErrorKind   string
	ErrorMsg    string
	Warning     string
}

// Task is the unit of work tracked by the Task Manager (C5) and driven by
// the Download Supervisor (C6). All mutation happens under mu, held by
// the owning worker goroutine; readers take a defensive copy via Snapshot.
type Task struct {
	mu sync.Mutex

	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	Request Request

	Status   TaskStatus
	Stage    Stage
	Progress float64
	Attempt  int
	Canceled bool

	Results Results

	log []string
}

// Snapshot is the defensive, JSON-serializable copy of a Task returned to
// callers. Only the trailing logRingCapacity log lines are included.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	URL     string `json:"url"`
	Mode    Mode   `json:"mode"`
	Quality string `json:"quality"`

	Status   TaskStatus `json:"status"`
	Stage    Stage      `json:"stage"`
	Progress float64    `json:"progress"`
	Attempt  int        `json:"attempt"`
	Canceled bool       `json:"canceled"`

	Title      string `json:"title,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	VideoCodec string `json:"vcodec,omitempty"`
	AudioCodec string `json:"acodec,omitempty"`
	FileSize   int64  `json:"filesize,omitempty"`
	ErrorKind  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
	Warning    string `json:"warning,omitempty"`

	Log []string `json:"log,omitempty"`
}

// NewTask constructs a Task in the queued state.
func NewTask(id string, req Request, now time.Time) *Task {
	return &Task{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Request:   req,
		Status:    StatusQueued,
		Stage:     StageQueued,
	}
}

// Snapshot returns a defensive copy of the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	logTail := append([]string(nil), t.log...)
	return Snapshot{
		ID:         t.ID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		URL:        t.Request.URL,
		Mode:       t.Request.Mode,
		Quality:    t.Request.Quality,
		Status:     t.Status,
		Stage:      t.Stage,
		Progress:   t.Progress,
		Attempt:    t.Attempt,
		Canceled:   t.Canceled,
		Title:      t.Results.Title,
		FilePath:   t.Results.FilePath,
		Width:      t.Results.Width,
		Height:     t.Results.Height,
		VideoCodec: t.Results.VideoCodec,
		AudioCodec: t.Results.AudioCodec,
		FileSize:   t.Results.FileSize,
		ErrorKind:  t.Results.ErrorKind,
		ErrorMsg:   t.Results.ErrorMsg,
		Warning:    t.Results.Warning,
		Log:        logTail,
	}
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status.Terminal()
}

// IsCanceled reports the cooperative-cancellation flag polled by the
// supervisor between lines of child output and pipeline stages.
func (t *Task) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Canceled
}

// Cancel marks the task canceled if it has not already reached a terminal
// status. Returns false if the task was already terminal.
func (t *Task) Cancel(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return false
	}
	t.Canceled = true
	t.Status = StatusCanceled
	t.Stage = StageCanceled
	t.UpdatedAt = now
	return true
}

// SetStage updates status/stage/progress. Progress is clamped to be
// non-decreasing within the current attempt, per spec invariant (b). A
// no-op if the task is already terminal.
func (t *Task) SetStage(now time.Time, status TaskStatus, stage Stage, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return
	}
	if progress < t.Progress {
		progress = t.Progress
	}
	t.Status = status
	t.Stage = stage
	t.Progress = progress
	t.UpdatedAt = now
}

// AppendLog adds a line to the bounded log ring, trimming to the most
// recent logRingCapacity lines.
func (t *Task) AppendLog(now time.Time, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return
	}
	t.log = append(t.log, line)
	if len(t.log) > logRingCapacity {
		t.log = t.log[len(t.log)-logRingCapacity:]
	}
	t.UpdatedAt = now
}

// LogSince returns the log lines recorded after offset, along with the new
// offset (len(log)) for incremental /log?offset=N polling.
func (t *Task) LogSince(offset int) ([]string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset < 0 || offset > len(t.log) {
		offset = 0
	}
	return append([]string(nil), t.log[offset:]...), len(t.log)
}

// Finish transitions the task to a terminal status with final Results.
// A no-op if the task is already terminal (e.g. raced by a cancellation).
func (t *Task) Finish(now time.Time, status TaskStatus, results Results) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return
	}
	t.Status = status
	t.Results = results
	t.UpdatedAt = now
	switch status {
	case StatusFinished:
		t.Stage = StageFinished
		t.Progress = 100
	case StatusError:
		t.Stage = StageError
	}
}

// BumpAttempt increments the attempt counter ahead of spawning a new rung.
func (t *Task) BumpAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Attempt++
	return t.Attempt
}
