// Package logstore keeps kernel output lines in an in-memory ring buffer,
// persists them as NDJSON and fans them out to live followers.
package logstore

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultMaxLines = 5000
	maxLineBytes    = 64 * 1024
	maxFileBytes    = 10 * 1024 * 1024 // rotate to .1 past this
)

// Streams a line can come from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system" // supervisor notes (spawn, exit)
)

// Entry is one captured line.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	RunID     string    `json:"run_id,omitempty"`
}

// Log is a bounded line log with disk persistence and live subscriptions.
type Log struct {
	mu sync.Mutex

	entries []Entry
	head    int
	count   int

	subs []chan Entry

	filePath  string
	file      *os.File
	fileBytes int64
}

// Open creates a log persisting to <dir>/<name>.ndjson. maxLines <= 0 uses
// the default ring size. A log file that cannot be opened only disables
// persistence.
func Open(dir, name string, maxLines int) *Log {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	l := &Log{entries: make([]Entry, maxLines)}
	if dir == "" {
		return l
	}
	os.MkdirAll(dir, 0700)
	l.filePath = filepath.Join(dir, name+".ndjson")
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		l.file = f
		if info, _ := f.Stat(); info != nil {
			l.fileBytes = info.Size()
		}
	}
	return l
}

// FilePath returns the NDJSON file path, empty for memory-only logs.
func (l *Log) FilePath() string { return l.filePath }

// Append records a line and notifies followers without blocking.
func (l *Log) Append(stream, line, runID string) {
	e := Entry{Timestamp: time.Now(), Stream: stream, Line: line, RunID: runID}

	l.mu.Lock()
	size := len(l.entries)
	if l.count == size {
		l.head = (l.head + 1) % size
		l.count--
	}
	l.entries[(l.head+l.count)%size] = e
	l.count++

	if l.file != nil {
		if data, err := json.Marshal(e); err == nil {
			n, err := l.file.Write(append(data, '\n'))
			if err == nil {
				l.fileBytes += int64(n)
				if l.fileBytes > maxFileBytes {
					l.rotate()
				}
			}
		}
	}

	subs := make([]chan Entry, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (l *Log) rotate() {
	l.file.Close()
	l.file = nil
	os.Rename(l.filePath, l.filePath+".1")
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		l.file = f
		l.fileBytes = 0
	}
}

// Read returns buffered entries newer than since, limited to the last tail.
// tail <= 0 returns all of them.
func (l *Log) Read(since time.Time, tail int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.head+i)%len(l.entries)]
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		out = append(out, e)
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}

// Subscribe returns a live channel, a snapshot of buffered entries and an
// unsubscribe func.
func (l *Log) Subscribe() (ch <-chan Entry, existing []Entry, unsub func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := make(chan Entry, 100)
	l.subs = append(l.subs, c)

	existing = make([]Entry, 0, l.count)
	for i := 0; i < l.count; i++ {
		existing = append(existing, l.entries[(l.head+i)%len(l.entries)])
	}

	var once sync.Once
	unsub = func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, s := range l.subs {
				if s == c {
					l.subs = append(l.subs[:i], l.subs[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
	return c, existing, unsub
}

// Writer returns a writer that appends each line written to it. Close
// flushes a trailing partial line.
func (l *Log) Writer(stream, runID string) io.WriteCloser {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for sc.Scan() {
			l.Append(stream, sc.Text(), runID)
		}
		// Drain on overlong lines so the writer side never blocks.
		io.Copy(io.Discard, pr)
	}()
	return &lineWriter{pw: pw, done: done}
}

type lineWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
}

func (w *lineWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *lineWriter) Close() error {
	err := w.pw.Close()
	<-w.done
	return err
}

// Close releases the file and closes follower channels.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}
