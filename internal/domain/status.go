package domain

// TaskStatus is the wire-visible lifecycle state of a Task. The string
// values are part of the HTTP contract and must not change.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusMerging    TaskStatus = "merging"
	StatusFinished   TaskStatus = "finished"
	StatusError      TaskStatus = "error"
	StatusCanceled   TaskStatus = "canceled"
)

// Terminal reports whether no further field of the Task may change once
// this status is reached, short of explicit cleanup removal.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// statusOrder backs the UI snapshot ordering guarantee from spec §4.5:
// downloading < merging < queued < finished < error < canceled.
var statusOrder = map[TaskStatus]int{
	StatusDownloading: 0,
	StatusMerging:     1,
	StatusQueued:      2,
	StatusFinished:    3,
	StatusError:       4,
	StatusCanceled:    5,
}

// Bucket returns the sort bucket used when ordering task snapshots.
func (s TaskStatus) Bucket() int {
	if v, ok := statusOrder[s]; ok {
		return v
	}
	return len(statusOrder)
}

// Stage is a free-form progress label surfaced to the UI (e.g.
// "fetch_info", "downloading", "merging", "fast_start"). Known values are
// named below for internal readability; unrecognized values are passed
// through unchanged on the wire.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageFetchInfo  Stage = "fetch_info"
	StageFastStart  Stage = "fast_start"
	StageDownloading Stage = "downloading"
	StageMerging    Stage = "merging"
	StageFinalize   Stage = "finalize"
	StageFinished   Stage = "finished"
	StageError      Stage = "error"
	StageCanceled   Stage = "canceled"
)
