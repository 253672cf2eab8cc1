package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSocketServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	dir, err := os.MkdirTemp("", "sbox")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(mux)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return New(sock)
}

func TestStatusAndTransitions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"0.1.0","config_present":true,"kernel":{"state":"running","pid":12,"crash_count":1}}`)
	})
	mux.HandleFunc("POST /v1/kernel/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"kernel already running"}`)
	})
	mux.HandleFunc("POST /v1/kernel/stop", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"stopped","crash_count":0}`)
	})
	c := newSocketServer(t, mux)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", st.Version)
	assert.True(t, st.ConfigPresent)
	assert.Equal(t, "running", st.Kernel.State)
	assert.Equal(t, 12, st.Kernel.PID)

	_, err = c.StartKernel(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "kernel already running", apiErr.Message)

	ks, err := c.StopKernel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", ks.State)
}

func TestPlainTextError(t *testing.T) {
	mux := http.NewServeMux()
	c := newSocketServer(t, mux)

	_, err := c.KernelHistory(context.Background(), 5)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "404 page not found")
}

func TestInstallStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/kernel/install", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"event":{"topic":"download-progress","stage":"downloading","progress":20}}`)
		fmt.Fprintln(w, `{"event":{"topic":"download-progress","stage":"extracting","progress":80}}`)
		fmt.Fprintf(w, `{"result":{"op_id":"op","version":%q,"bytes":42}}`+"\n", req["version"])
	})
	c := newSocketServer(t, mux)

	var got []int
	res, err := c.InstallKernel(context.Background(), "1.10.1", func(e Event) {
		got = append(got, e.Progress)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{20, 80}, got)
	assert.Equal(t, "1.10.1", res.Version)
	assert.Equal(t, int64(42), res.Bytes)
}

func TestStreamErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/kernel/install", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"event":{"topic":"download-progress","stage":"checking"}}`)
		fmt.Fprintln(w, `{"error":"all sources failed: boom"}`)
	})
	mux.HandleFunc("POST /v1/self-update", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"event":{"topic":"update-progress","stage":"downloading"}}`)
	})
	c := newSocketServer(t, mux)
	ctx := context.Background()

	_, err := c.InstallKernel(ctx, "", nil)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "all sources failed: boom", opErr.Message)

	_, err = c.SelfUpdate(ctx, "https://example.com/x", false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a result")
}

func TestSetters(t *testing.T) {
	var mode string
	var prefer bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mode", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		mode = req["mode"]
		fmt.Fprintf(w, `{"mode":%q}`, mode)
	})
	mux.HandleFunc("POST /v1/ip-version", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]bool
		json.NewDecoder(r.Body).Decode(&req)
		prefer = req["prefer_ipv6"]
		fmt.Fprint(w, `{"strategy":"prefer_ipv6","rewritten":2}`)
	})
	c := newSocketServer(t, mux)
	ctx := context.Background()

	require.NoError(t, c.SetMode(ctx, "tun"))
	assert.Equal(t, "tun", mode)

	res, err := c.SetIPVersion(ctx, true)
	require.NoError(t, err)
	assert.True(t, prefer)
	assert.Equal(t, 2, res.Rewritten)
}

func TestEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "kernel-status", r.URL.Query().Get("topic"))
		fmt.Fprintln(w, `{"topic":"kernel-status","stage":"starting"}`)
		fmt.Fprintln(w, `{"topic":"kernel-status","stage":"running"}`)
		fmt.Fprintln(w, `{"topic":"kernel-status","stage":"crashed"}`)
	})
	c := newSocketServer(t, mux)

	var stages []string
	err := c.Events(context.Background(), "kernel-status", func(e Event) bool {
		stages = append(stages, e.Stage)
		return e.Stage != "running"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"starting", "running"}, stages)
}
