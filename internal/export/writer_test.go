package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{name: "batch and track", parts: []string{"batch-00001", "t1"}, want: "batch-00001_t1.json"},
		{name: "batch and status", parts: []string{"b1", "complete"}, want: "b1_complete.json"},
		{name: "separators replaced", parts: []string{"a/b\\c", "x y"}, want: "a_b_c_x_y.json"},
		{name: "control runes dropped", parts: []string{"b\n1\t"}, want: "b1.json"},
		{name: "dot segments trimmed", parts: []string{"..", "b1"}, want: "b1.json"},
		{name: "empty parts skipped", parts: []string{"", "b1", " "}, want: "b1.json"},
		{name: "default", parts: nil, want: "labeler_export.json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FileName(tc.parts...))
		})
	}
}

func TestFileName_Truncates(t *testing.T) {
	got := FileName(strings.Repeat("a", 200), "t1")
	assert.Equal(t, maxFileNameLen+len(".json"), len(got))
	assert.True(t, strings.HasSuffix(got, ".json"))
}

func TestTarget(t *testing.T) {
	dir := t.TempDir()

	got, err := Target(dir, "b1_t1.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b1_t1.json"), got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.json"), []byte("{}"), 0o644))
	_, err = Target(dir, "old.json")
	assert.NoError(t, err, "regular files are replaced")

	require.NoError(t, os.Mkdir(filepath.Join(dir, "taken.json"), 0o755))
	_, err = Target(dir, "taken.json")
	assert.ErrorContains(t, err, "not a regular file")

	require.NoError(t, os.Symlink(filepath.Join(dir, "old.json"), filepath.Join(dir, "link.json")))
	_, err = Target(dir, "link.json")
	assert.ErrorContains(t, err, "not a regular file")
}

func TestTarget_Rejects(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		dir  string
		file string
	}{
		{name: "empty dir", dir: "", file: "x.json"},
		{name: "missing dir", dir: filepath.Join(dir, "missing"), file: "x.json"},
		{name: "dir is a file", dir: file, file: "x.json"},
		{name: "nested name", dir: dir, file: "sub/x.json"},
		{name: "parent name", dir: dir, file: "../x.json"},
		{name: "hidden name", dir: dir, file: ".x.json"},
		{name: "wrong extension", dir: dir, file: "x.txt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Target(tc.dir, tc.file)
			assert.Error(t, err)
		})
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder("b1", time.Now())
	b.AddTrack(TrackSummary{TrackTag: "t1", Status: "active"})

	path, err := WriteFile(dir, FileName("b1", "t1"), b.Dataset())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b1_t1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var ds Dataset
	require.NoError(t, json.Unmarshal(data, &ds))
	assert.Equal(t, "b1", ds.Info.BatchKey)
	require.Len(t, ds.Tracks, 1)
	assert.Equal(t, "t1", ds.Tracks[0].TrackTag)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should be renamed into place")

	// A second export overwrites the first.
	path, err = WriteFile(dir, FileName("b1", "t1"), NewBuilder("b2", time.Now()).Dataset())
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ds))
	assert.Equal(t, "b2", ds.Info.BatchKey)
}

func TestWriteFile_InvalidTarget(t *testing.T) {
	_, err := WriteFile(filepath.Join(t.TempDir(), "missing"), "x.json", NewBuilder("b", time.Now()).Dataset())
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "x.json"), 0o755))
	_, err = WriteFile(dir, "x.json", NewBuilder("b", time.Now()).Dataset())
	assert.Error(t, err)
}
