package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/config"
	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/fetch"
	"github.com/xfeldman/sboxd/internal/registry"
)

// InstallResult describes an installed kernel.
type InstallResult struct {
	OpID       string `json:"op_id"`
	Version    string `json:"version"`
	Source     string `json:"source"`
	BinaryPath string `json:"binary_path"`
	Bytes      int64  `json:"bytes"`
}

// InstallKernel downloads the kernel release for the host platform and
// promotes its binary to <work_dir>/sing-box[.exe]. Progress is published on
// the download-progress topic. The kernel is not started.
func (s *Service) InstallKernel(ctx context.Context, version string) (*InstallResult, error) {
	if version == "" {
		version = s.cfg.Kernel.Version
	}
	opID := opIDFrom(ctx)
	log := s.log.With(zap.String("op", opID), zap.String("version", version))

	res, err := s.installKernel(ctx, opID, version)
	s.recordInstall(opID, version, res, err)
	if err != nil {
		log.Error("kernel install failed", zap.Error(err))
		return nil, err
	}
	log.Info("kernel installed", zap.String("binary", res.BinaryPath), zap.String("source", res.Source))
	return res, nil
}

func (s *Service) installKernel(ctx context.Context, opID, version string) (*InstallResult, error) {
	artifact := fetch.ArtifactName(version, s.platform)
	sources, err := fetch.KernelSources(
		fetch.ReleaseBase(s.cfg.Kernel.ReleaseURL, version),
		s.cfg.Kernel.Mirrors,
		s.cfg.Kernel.Image,
		artifact,
		s.sourceOptions(),
	)
	if err != nil {
		return nil, err
	}

	downloads := filepath.Join(s.cfg.DataDir, "downloads")
	staging := filepath.Join(downloads, opID)
	defer os.RemoveAll(staging)

	task := fetch.Task{ID: opID, Sources: sources, DownloadDir: downloads, ExtractDir: staging}
	res, err := s.installer.FetchAndInstall(ctx, task, func(p fetch.Progress) {
		s.publish(opID, events.TopicDownload, string(p.Stage), int(p.Percent), p.Message)
	})
	if err != nil {
		return nil, err
	}
	defer os.Remove(res.Archive)

	name := config.KernelExecutable(s.platform.OS)
	bin, err := fetch.FindFile(staging, name)
	if err != nil {
		return nil, fmt.Errorf("locate kernel binary: %w", err)
	}
	dst := filepath.Join(s.cfg.WorkDir, name)
	if err := promoteBinary(bin, dst); err != nil {
		return nil, fmt.Errorf("install kernel binary: %w", err)
	}

	return &InstallResult{
		OpID:       opID,
		Version:    version,
		Source:     res.Source,
		BinaryPath: dst,
		Bytes:      res.Bytes,
	}, nil
}

// promoteBinary copies src next to dst and renames it into place so a
// half-written binary is never visible at dst.
func promoteBinary(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Service) recordInstall(opID, version string, res *InstallResult, err error) {
	if s.db == nil {
		return
	}
	rec := &registry.Install{ID: opID, Version: version, Error: errString(err), CreatedAt: time.Now()}
	if res != nil {
		rec.Source, rec.BinaryPath, rec.Bytes = res.Source, res.BinaryPath, res.Bytes
	}
	if dberr := s.db.SaveInstall(rec); dberr != nil {
		s.log.Warn("record install", zap.Error(dberr))
	}
}
