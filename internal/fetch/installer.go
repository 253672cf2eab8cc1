package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task describes one fetch-and-install run.
type Task struct {
	// ID labels progress events; a random one is assigned when empty.
	ID string
	// Sources are tried in order until one succeeds.
	Sources []Source
	// DownloadDir receives the archive. Defaults to ExtractDir.
	DownloadDir string
	// ExtractDir receives the unpacked archive contents.
	ExtractDir string
}

// Result describes a successful run.
type Result struct {
	TaskID     string        `json:"task_id"`
	Source     string        `json:"source"`
	Archive    string        `json:"archive"`
	ExtractDir string        `json:"extract_dir"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
}

// Installer runs fetch-and-install tasks.
type Installer struct {
	log           *zap.Logger
	sourceTimeout time.Duration
}

// NewInstaller creates an installer. Each source attempt is bounded by
// sourceTimeout when it is positive.
func NewInstaller(log *zap.Logger, sourceTimeout time.Duration) *Installer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Installer{log: log.Named("fetch"), sourceTimeout: sourceTimeout}
}

// FetchAndInstall downloads the artifact from the first working source and
// extracts it into task.ExtractDir. Progress percent never decreases; a
// terminal error is reported once with StageFailed.
func (in *Installer) FetchAndInstall(ctx context.Context, task Task, onProgress ProgressFunc) (*Result, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	start := time.Now()
	log := in.log.With(zap.String("task", task.ID))
	rep := newReporter(task.ID, onProgress, log)

	res, err := in.run(ctx, task, rep, log)
	taskDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		tasksTotal.WithLabelValues("failed").Inc()
		rep.emit(StageFailed, rep.percent(), "", err.Error())
		log.Error("fetch task failed", zap.Error(err))
		return nil, err
	}
	res.Duration = time.Since(start)
	tasksTotal.WithLabelValues("ok").Inc()
	rep.emit(StageCompleted, completedAt, res.Source, "")
	log.Info("fetch task completed",
		zap.String("source", res.Source),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (in *Installer) run(ctx context.Context, task Task, rep *reporter, log *zap.Logger) (*Result, error) {
	if task.ExtractDir == "" {
		return nil, fmt.Errorf("fetch task %s: no extract dir", task.ID)
	}
	if fi, err := os.Stat(task.ExtractDir); err == nil && !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, task.ExtractDir)
	}
	if err := os.MkdirAll(task.ExtractDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}
	downloadDir := task.DownloadDir
	if downloadDir == "" {
		downloadDir = task.ExtractDir
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	rep.emit(StageChecking, 0, "", "")
	if len(task.Sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrAllSourcesFailed)
	}

	var (
		errs    []error
		archive string
		used    Source
		size    int64
	)
	for i, src := range task.Sources {
		rep.emit(StageChecking, checkingMax*float64(i)/float64(len(task.Sources)), src.Name(), "")

		path := filepath.Join(downloadDir, src.Filename())
		n, err := in.download(ctx, src, path, rep)
		if err != nil {
			sourceFailures.WithLabelValues(src.Kind()).Inc()
			log.Warn("source failed", zap.String("source", src.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		archive, used, size = path, src, n
		break
	}
	if used == nil {
		return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
	}
	downloadedBytes.Add(float64(size))

	rep.emit(StageExtracting, extractingStart, used.Name(), "")
	if err := Extract(archive, task.ExtractDir); err != nil {
		return nil, err
	}

	return &Result{
		TaskID:     task.ID,
		Source:     used.Name(),
		Archive:    archive,
		ExtractDir: task.ExtractDir,
		Bytes:      size,
	}, nil
}

// download writes src to path via path+".part". A leftover .part from an
// earlier run is truncated.
func (in *Installer) download(ctx context.Context, src Source, path string, rep *reporter) (int64, error) {
	if in.sourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.sourceTimeout)
		defer cancel()
	}

	part := path + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	n, err := src.Fetch(ctx, f, func(raw float64) {
		rep.emit(StageDownloading, DownloadPercent(raw), src.Name(), "")
	})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", part, cerr)
	}
	if err != nil {
		os.Remove(part)
		return 0, err
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}
