package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferEviction(t *testing.T) {
	l := Open("", "kernel", 10)
	for i := 0; i < 25; i++ {
		l.Append(StreamStdout, fmt.Sprintf("line %d", i), "")
	}

	entries := l.Read(time.Time{}, 0)
	require.Len(t, entries, 10)
	assert.Equal(t, "line 15", entries[0].Line)
	assert.Equal(t, "line 24", entries[9].Line)
}

func TestReadTailAndSince(t *testing.T) {
	l := Open("", "kernel", 0)
	l.Append(StreamStdout, "a", "")
	l.Append(StreamStdout, "b", "")
	mark := time.Now()
	time.Sleep(5 * time.Millisecond)
	l.Append(StreamStderr, "c", "")

	tail := l.Read(time.Time{}, 2)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].Line)

	since := l.Read(mark, 0)
	require.Len(t, since, 1)
	assert.Equal(t, "c", since[0].Line)
	assert.Equal(t, StreamStderr, since[0].Stream)
}

func TestFilePersistence(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "kernel", 0)
	l.Append(StreamStdout, "hello", "run-1")
	l.Append(StreamStderr, "world", "run-1")
	l.Close()

	f, err := os.Open(filepath.Join(dir, "kernel.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Line)
	assert.Equal(t, "run-1", got[1].RunID)
}

func TestSubscribe(t *testing.T) {
	l := Open("", "kernel", 0)
	l.Append(StreamStdout, "before", "")

	ch, existing, unsub := l.Subscribe()
	require.Len(t, existing, 1)

	l.Append(StreamStdout, "after", "")
	select {
	case e := <-ch:
		assert.Equal(t, "after", e.Line)
	case <-time.After(time.Second):
		t.Fatal("no live entry")
	}

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWriterSplitsLines(t *testing.T) {
	l := Open("", "kernel", 0)
	w := l.Writer(StreamStderr, "run-2")
	fmt.Fprint(w, "first\nsec")
	fmt.Fprint(w, "ond\npartial")
	require.NoError(t, w.Close())

	entries := l.Read(time.Time{}, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"first", "second", "partial"},
		[]string{entries[0].Line, entries[1].Line, entries[2].Line})
	assert.Equal(t, "run-2", entries[2].RunID)
}
