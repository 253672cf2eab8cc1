package fetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kernelEntries = []entry{
	{name: "sing-box-1.10.0-linux-amd64/", dir: true},
	{name: "sing-box-1.10.0-linux-amd64/sing-box", content: "#!kernel", mode: 0o755},
	{name: "sing-box-1.10.0-linux-amd64/LICENSE", content: "GPL"},
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestExtractFormats(t *testing.T) {
	tests := []struct {
		name string
		data func(*testing.T, []entry) []byte
	}{
		{"k.tar.gz", tarGz},
		{"k.tgz", tarGz},
		{"k.tar.zst", tarZst},
		{"k.zip", zipBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeArchive(t, tt.name, tt.data(t, kernelEntries))
			dest := t.TempDir()

			require.NoError(t, Extract(archive, dest))

			got, err := os.ReadFile(filepath.Join(dest, "sing-box-1.10.0-linux-amd64", "sing-box"))
			require.NoError(t, err)
			assert.Equal(t, "#!kernel", string(got))

			bin, err := FindFile(dest, "sing-box")
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dest, "sing-box-1.10.0-linux-amd64", "sing-box"), bin)
		})
	}
}

func TestExtractTarKeepsExecutableBit(t *testing.T) {
	archive := writeArchive(t, "k.tar.gz", tarGz(t, kernelEntries))
	dest := t.TempDir()
	require.NoError(t, Extract(archive, dest))

	fi, err := os.Stat(filepath.Join(dest, "sing-box-1.10.0-linux-amd64", "sing-box"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o100)
}

func TestExtractRefusesTraversal(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	for _, name := range []string{"evil.tar.gz", "evil.zip"} {
		t.Run(name, func(t *testing.T) {
			entries := []entry{{name: "../escaped", content: "x"}}
			var data []byte
			if filepath.Ext(name) == ".zip" {
				data = zipBytes(t, entries)
			} else {
				data = tarGz(t, entries)
			}
			err := Extract(writeArchive(t, name, data), dest)
			require.ErrorIs(t, err, ErrExtractFailed)
			assert.NoFileExists(t, filepath.Join(parent, "escaped"))
		})
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	err := Extract(writeArchive(t, "kernel.rar", []byte("nope")), t.TempDir())
	assert.ErrorIs(t, err, ErrExtractFailed)
}

func TestExtractCorruptArchive(t *testing.T) {
	err := Extract(writeArchive(t, "kernel.tar.gz", []byte("not gzip")), t.TempDir())
	assert.ErrorIs(t, err, ErrExtractFailed)
}

func TestFindFileMissing(t *testing.T) {
	_, err := FindFile(t.TempDir(), "sing-box")
	assert.Error(t, err)
}
