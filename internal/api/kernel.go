package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/logstore"
	"github.com/xfeldman/sboxd/internal/registry"
	"github.com/xfeldman/sboxd/internal/supervisor"
	"github.com/xfeldman/sboxd/internal/version"
)

// transitionTimeout bounds kernel transitions started over the API. They
// are detached from the request so a disconnecting client does not abort a
// half-done start.
const transitionTimeout = 30 * time.Second

type statusResponse struct {
	Version         string            `json:"version"`
	Platform        string            `json:"platform"`
	ConfigPath      string            `json:"config_path"`
	ConfigPresent   bool              `json:"config_present"`
	KernelBinary    string            `json:"kernel_binary"`
	KernelInstalled bool              `json:"kernel_installed"`
	Kernel          supervisor.Status `json:"kernel"`
	LastInstall     *registry.Install `json:"last_install,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:      version.Version(),
		Platform:     runtime.GOOS + "-" + runtime.GOARCH,
		ConfigPath:   s.cfg.ConfigPath(),
		KernelBinary: s.cfg.KernelBinary(),
		Kernel:       s.kernel.Status(),
	}
	_, err := os.Stat(resp.ConfigPath)
	resp.ConfigPresent = err == nil
	_, err = os.Stat(resp.KernelBinary)
	resp.KernelInstalled = err == nil
	if s.db != nil {
		last, err := s.db.LatestInstall()
		if err != nil {
			s.log.Warn("read last install", zap.Error(err))
		}
		resp.LastInstall = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), transitionTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.kernel.Status())
}

func (s *Server) handleKernelStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.kernel.Start)
}

func (s *Server) handleKernelStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.kernel.Stop)
}

func (s *Server) handleKernelRestart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.kernel.Restart)
}

// handleKernelLogs returns buffered kernel output. With follow=1 it streams
// NDJSON until the client goes away.
func (s *Server) handleKernelLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "kernel log capture is disabled")
		return
	}
	q := r.URL.Query()
	tail, _ := strconv.Atoi(q.Get("tail"))
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = t
	}

	if q.Get("follow") != "1" && q.Get("follow") != "true" {
		entries := s.logs.Read(since, tail)
		if entries == nil {
			entries = []logstore.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	ch, existing, unsub := s.logs.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if tail > 0 && len(existing) > tail {
		existing = existing[len(existing)-tail:]
	}
	for _, e := range existing {
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		if streamJSON(w, e) != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if streamJSON(w, e) != nil {
				return
			}
		}
	}
}

func (s *Server) handleKernelHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, []*registry.Transition{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trs, err := s.db.ListTransitions(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if trs == nil {
		trs = []*registry.Transition{}
	}
	writeJSON(w, http.StatusOK, trs)
}
