package client

import (
	"encoding/json"
	"time"
)

// KernelStatus is the supervisor state of the sing-box kernel.
type KernelStatus struct {
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Since      time.Time `json:"since"`
	CrashCount int       `json:"crash_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Install is a recorded kernel install attempt.
type Install struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Source     string    `json:"source,omitempty"`
	BinaryPath string    `json:"binary_path,omitempty"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DaemonStatus is the response of GET /v1/status.
type DaemonStatus struct {
	Version         string       `json:"version"`
	Platform        string       `json:"platform"`
	ConfigPath      string       `json:"config_path"`
	ConfigPresent   bool         `json:"config_present"`
	KernelBinary    string       `json:"kernel_binary"`
	KernelInstalled bool         `json:"kernel_installed"`
	Kernel          KernelStatus `json:"kernel"`
	LastInstall     *Install     `json:"last_install,omitempty"`
}

// Transition is one entry of the kernel state history.
type Transition struct {
	ID       int64     `json:"id"`
	State    string    `json:"state"`
	RunID    string    `json:"run_id,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// LogEntry is one captured kernel output line.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	RunID     string    `json:"run_id,omitempty"`
}

// Event is a progress or status notification from the daemon.
type Event struct {
	OpID     string    `json:"op_id,omitempty"`
	Topic    string    `json:"topic"`
	Stage    string    `json:"stage"`
	Progress int       `json:"progress"`
	Message  string    `json:"message"`
	Time     time.Time `json:"ts"`
}

// InstallResult is the final line of a kernel install stream.
type InstallResult struct {
	OpID       string `json:"op_id"`
	Version    string `json:"version"`
	Source     string `json:"source"`
	BinaryPath string `json:"binary_path"`
	Bytes      int64  `json:"bytes"`
}

// UpdateResult is the final line of a self-update stream.
type UpdateResult struct {
	OpID     string `json:"op_id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Launched bool   `json:"launched"`
}

// SubscriptionResult reports a refreshed subscription.
type SubscriptionResult struct {
	URL        string `json:"url"`
	Bytes      int    `json:"bytes"`
	ConfigPath string `json:"config_path"`
}

// IPVersionResult reports the applied domain strategy.
type IPVersionResult struct {
	Strategy  string `json:"strategy"`
	Rewritten int    `json:"rewritten"`
}

type streamLine struct {
	Event  *Event          `json:"event,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// APIError is returned when the API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// OperationError is a failure reported at the end of a streamed operation,
// after the response status was already sent.
type OperationError struct {
	Message string
}

func (e *OperationError) Error() string {
	return e.Message
}
