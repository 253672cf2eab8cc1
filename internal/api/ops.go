package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/kconfig"
	"github.com/xfeldman/sboxd/internal/service"
)

type installRequest struct {
	Version string `json:"version"`
}

type subscriptionRequest struct {
	URL string `json:"url"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type ipVersionRequest struct {
	PreferIPv6 bool `json:"prefer_ipv6"`
}

type ipVersionResponse struct {
	Strategy  string `json:"strategy"`
	Rewritten int    `json:"rewritten"`
}

type selfUpdateRequest struct {
	URL    string `json:"url"`
	Launch bool   `json:"launch"`
}

// streamLine is one NDJSON line of a streamed operation: progress events
// followed by exactly one result or error line.
type streamLine struct {
	Event  *events.Event `json:"event,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) handleKernelInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.streamOperation(w, r, events.TopicDownload, func(ctx context.Context) (any, error) {
		return s.ops.InstallKernel(ctx, req.Version)
	})
}

func (s *Server) handleSelfUpdate(w http.ResponseWriter, r *http.Request) {
	var req selfUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	s.streamOperation(w, r, events.TopicUpdate, func(ctx context.Context) (any, error) {
		return s.ops.SelfUpdate(ctx, req.URL, req.Launch)
	})
}

// streamOperation runs fn while forwarding its own events on topic as
// NDJSON. The operation id travels in the context, so concurrent operations
// on the same topic do not interleave.
func (s *Server) streamOperation(w http.ResponseWriter, r *http.Request, topic events.Topic, fn func(context.Context) (any, error)) {
	var ch <-chan events.Event
	if s.bus != nil {
		var cancel func()
		ch, cancel = s.bus.Subscribe(256)
		defer cancel()
	}

	type outcome struct {
		res any
		err error
	}
	opID := uuid.NewString()
	ctx := service.WithOpID(r.Context(), opID)
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(ctx)
		done <- outcome{res, err}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	forward := func(e events.Event) {
		if e.Topic == topic && e.OpID == opID {
			streamJSON(w, streamLine{Event: &e})
		}
	}
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			forward(e)
		case out := <-done:
			// Events published before fn returned are already queued.
			for pending := true; pending && ch != nil; {
				select {
				case e, ok := <-ch:
					if !ok {
						pending = false
						continue
					}
					forward(e)
				default:
					pending = false
				}
			}
			if out.err != nil {
				streamJSON(w, streamLine{Error: out.err.Error()})
			} else {
				streamJSON(w, streamLine{Result: out.res})
			}
			return
		}
	}
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.ops.UpdateSubscription(r.Context(), req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	mode, err := kconfig.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ops.SetMode(r.Context(), mode); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modeRequest{Mode: string(mode)})
}

func (s *Server) handleIPVersion(w http.ResponseWriter, r *http.Request) {
	var req ipVersionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	n, err := s.ops.SetIPVersion(r.Context(), req.PreferIPv6)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ipVersionResponse{
		Strategy:  string(kconfig.StrategyFor(req.PreferIPv6)),
		Rewritten: n,
	})
}

// handleEvents streams bus events as NDJSON until the client disconnects.
// An optional topic query parameter filters them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "events are disabled")
		return
	}
	topic := events.Topic(r.URL.Query().Get("topic"))
	ch, cancel := s.bus.Subscribe(256)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if topic != "" && e.Topic != topic {
				continue
			}
			if streamJSON(w, e) != nil {
				return
			}
		}
	}
}
