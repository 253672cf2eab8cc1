package kconfig

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "log": {"level": "info", "timestamp": true},
  "dns": {"servers": [{"tag": "remote", "address": "tls://8.8.8.8"}]},
  "inbounds": [{"type": "mixed", "tag": "old-in", "listen_port": 1080}],
  "outbounds": [{"type": "direct", "tag": "direct"}],
  "route": {"final": "direct", "big": 12345678901234567890}
}`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))
	return path
}

func TestSetSaveLoadRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		path  Path
		value any
	}{
		{"replace top-level array", PathInbounds, []map[string]any{{"type": "tun", "tag": "tun-in"}}},
		{"create nested objects", Path{"experimental", "clash_api"}, ClashAPI{ExternalController: "127.0.0.1:9090"}},
		{"replace scalar", Path{"log", "level"}, "debug"},
		{"deep new branch", Path{"a", "b", "c", "d"}, true},
		{"array element field", Path{"outbounds", "0", "tag"}, "proxy"},
		{"null value", Path{"route", "final"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeSample(t)
			doc, err := Load(path)
			require.NoError(t, err)

			require.NoError(t, doc.Set(tc.path, tc.value))
			require.NoError(t, doc.Save())

			reloaded, err := Load(path)
			require.NoError(t, err)
			got, ok := reloaded.Get(tc.path)
			require.True(t, ok)

			want, err := Normalize(tc.value)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSetPreservesUnknownKeys(t *testing.T) {
	path := writeSample(t)
	require.NoError(t, Update(path, func(d *Document) error {
		return d.Set(PathInbounds, SystemProxyInbounds(InboundOptions{ListenAddr: "127.0.0.1", ListenPort: 2080}))
	}))

	doc, err := Load(path)
	require.NoError(t, err)
	level, ok := doc.Get(Path{"log", "level"})
	require.True(t, ok)
	assert.Equal(t, "info", level)

	big, ok := doc.Get(Path{"route", "big"})
	require.True(t, ok)
	assert.Equal(t, json.Number("12345678901234567890"), big)

	servers, ok := doc.Get(Path{"dns", "servers"})
	require.True(t, ok)
	assert.Len(t, servers, 1)
}

func TestSetThroughScalarFailsClosed(t *testing.T) {
	path := writeSample(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = Update(path, func(d *Document) error {
		return d.Set(Path{"log", "level", "nested"}, "x")
	})
	require.ErrorIs(t, err, ErrPath)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetFailureLeavesDocumentUnchanged(t *testing.T) {
	doc, err := Parse("mem.json", []byte(`{"a": {"b": 1}, "arr": [1, 2]}`))
	require.NoError(t, err)
	before, err := doc.Bytes()
	require.NoError(t, err)

	require.ErrorIs(t, doc.Set(Path{"a", "b", "c"}, 1), ErrPath)
	require.ErrorIs(t, doc.Set(Path{"arr", "5"}, 1), ErrPath)
	require.ErrorIs(t, doc.Set(Path{"arr", "x"}, 1), ErrPath)

	after, err := doc.Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestSetEmptyPath(t *testing.T) {
	doc, err := Parse("mem.json", []byte(`{}`))
	require.NoError(t, err)
	assert.ErrorIs(t, doc.Set(nil, 1), ErrPath)
	assert.ErrorIs(t, doc.Set(ParsePath(""), 1), ErrPath)
}

func TestMergeKeepsSiblings(t *testing.T) {
	doc, err := Parse("mem.json", []byte(`{"experimental": {"v2ray_api": {"listen": "x"}, "cache_file": {"enabled": false}}}`))
	require.NoError(t, err)

	require.NoError(t, InjectExperimental(doc,
		ClashAPI{ExternalController: "127.0.0.1:9090", ExternalUI: "metacubexd", DefaultMode: "rule"},
		CacheFile{Enabled: true}))

	_, ok := doc.Get(Path{"experimental", "v2ray_api", "listen"})
	assert.True(t, ok)
	enabled, _ := doc.Get(Path{"experimental", "cache_file", "enabled"})
	assert.Equal(t, true, enabled)
	ctl, _ := doc.Get(Path{"experimental", "clash_api", "external_controller"})
	assert.Equal(t, "127.0.0.1:9090", ctl)
}

func TestMergeIntoScalar(t *testing.T) {
	doc, err := Parse("mem.json", []byte(`{"experimental": "off"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, doc.Merge(PathExperimental, map[string]any{"x": 1}), ErrPath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrIO)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"inbounds": [`), 0600))
	_, err = Load(bad)
	assert.ErrorIs(t, err, ErrParse)

	require.NoError(t, os.WriteFile(bad, []byte(`{} {}`), 0600))
	_, err = Load(bad)
	assert.ErrorIs(t, err, ErrParse)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]byte(`{"outbounds": []}`)))
	assert.ErrorIs(t, Validate([]byte(`[1, 2]`)), ErrParse)
	assert.ErrorIs(t, Validate([]byte(`<html>`)), ErrParse)
}

func TestParsePath(t *testing.T) {
	assert.Equal(t, Path{"experimental", "clash_api"}, ParsePath("experimental.clash_api"))
	assert.Equal(t, "dns.strategy", PathDNSStrategy.String())
	assert.Nil(t, ParsePath(""))
}

func TestSaveCrashBeforeRenameKeepsOldFile(t *testing.T) {
	path := writeSample(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	orig := rename
	rename = func(string, string) error { return errors.New("power loss") }
	t.Cleanup(func() { rename = orig })

	doc, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, doc.Set(PathInbounds, []any{}))
	require.ErrorIs(t, doc.Save(), ErrIO)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestSavePreservesPermissions(t *testing.T) {
	path := writeSample(t)
	require.NoError(t, Update(path, func(d *Document) error {
		return d.Set(Path{"log", "level"}, "warn")
	}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestWriteFileAtomicCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{}`), 0644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}
