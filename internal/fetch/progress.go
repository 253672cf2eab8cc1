package fetch

import (
	"sync"

	"go.uber.org/zap"
)

// Stage is the coarse phase of a fetch task.
type Stage string

const (
	StageChecking    Stage = "checking"
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Percent bands for each stage.
const (
	checkingMax     = 19.0
	downloadBase    = 20.0
	downloadSpan    = 60.0
	extractingStart = 80.0
	completedAt     = 100.0
)

// Progress is one observation delivered to a ProgressFunc.
type Progress struct {
	TaskID  string  `json:"task_id"`
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
	Source  string  `json:"source,omitempty"`
	Message string  `json:"message,omitempty"`
}

// ProgressFunc observes a task. It is called synchronously from the task
// goroutine and must not block for long.
type ProgressFunc func(Progress)

// DownloadPercent maps a raw 0-100 download percentage into the downloading
// band.
func DownloadPercent(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	return downloadBase + raw*downloadSpan/100
}

// reporter delivers progress to the observer with a non-decreasing percent.
// Observer panics are logged and swallowed.
type reporter struct {
	mu     sync.Mutex
	taskID string
	fn     ProgressFunc
	last   float64
	log    *zap.Logger
}

func newReporter(taskID string, fn ProgressFunc, log *zap.Logger) *reporter {
	return &reporter{taskID: taskID, fn: fn, log: log}
}

func (r *reporter) emit(stage Stage, percent float64, source, msg string) {
	r.mu.Lock()
	if percent < r.last {
		percent = r.last
	}
	r.last = percent
	r.mu.Unlock()

	if r.fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("progress observer panicked", zap.Any("panic", p))
		}
	}()
	r.fn(Progress{TaskID: r.taskID, Stage: stage, Percent: percent, Source: source, Message: msg})
}

func (r *reporter) percent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
