package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/fetch"
)

// UpdateResult describes a downloaded update.
type UpdateResult struct {
	OpID     string `json:"op_id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Launched bool   `json:"launched"`
}

// SelfUpdate downloads an update package to <data_dir>/updates, publishing
// update-progress events from 0 to 100. With launch set the package is
// started as a detached process.
func (s *Service) SelfUpdate(ctx context.Context, url string, launch bool) (*UpdateResult, error) {
	if err := validateURL(url); err != nil {
		return nil, err
	}
	opID := opIDFrom(ctx)
	log := s.log.With(zap.String("op", opID), zap.String("url", url))

	res, err := s.selfUpdate(ctx, opID, url, launch)
	if err != nil {
		s.publish(opID, events.TopicUpdate, string(fetch.StageFailed), 0, err.Error())
		log.Error("self-update failed", zap.Error(err))
		return nil, err
	}
	s.publish(opID, events.TopicUpdate, string(fetch.StageCompleted), 100, res.Path)
	log.Info("self-update downloaded", zap.String("path", res.Path), zap.Bool("launched", res.Launched))
	return res, nil
}

func (s *Service) selfUpdate(ctx context.Context, opID, url string, launch bool) (*UpdateResult, error) {
	src := &fetch.HTTPSource{URL: url, Client: s.http}
	dir := filepath.Join(s.cfg.DataDir, "updates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, src.Filename())
	part := path + ".part"

	f, err := os.Create(part)
	if err != nil {
		return nil, err
	}
	last := -1
	n, err := src.Fetch(ctx, f, func(raw float64) {
		if pct := int(raw); pct > last {
			last = pct
			s.publish(opID, events.TopicUpdate, string(fetch.StageDownloading), pct, "")
		}
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return nil, err
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return nil, err
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return nil, err
	}

	res := &UpdateResult{OpID: opID, Path: path, Bytes: n}
	if launch {
		cmd := exec.Command(path)
		cmd.Dir = dir
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("launch update: %w", err)
		}
		cmd.Process.Release()
		res.Launched = true
	}
	return res, nil
}
