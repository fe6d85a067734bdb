package ltviewer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ltviewer/ltviewer/replace"
	"github.com/ltviewer/ltviewer/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestOpenAndReadLines(t *testing.T) {
	path := writeTemp(t, []byte("a\nbb\nccc"))
	e, err := Open(path, Options{IndexMode: IndexNone})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, uint64(3), e.TotalLines())

	line, ok, err := e.ReadLine(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bb", line)

	_, ok, err = e.ReadLine(99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadLinesClamped(t *testing.T) {
	path := writeTemp(t, []byte("a\nbb\nccc"))
	e, err := Open(path, Options{IndexMode: IndexNone})
	require.NoError(t, err)
	defer e.Close()

	lines, err := e.ReadLines(1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bb", "ccc"}, lines)
}

func TestStartCountAndFetch(t *testing.T) {
	path := writeTemp(t, []byte("fish one\nfish two\nred fish\n"))
	e, err := Open(path, Options{IndexMode: IndexNone})
	require.NoError(t, err)
	defer e.Close()

	total, err := e.StartCount(search.Query{Pattern: "fish", CaseSensitive: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), total)

	matches, err := e.StartFetch(search.Query{Pattern: "fish", CaseSensitive: true}, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, uint64(0), matches[0].LineNumber)
	assert.Equal(t, uint64(2), matches[2].LineNumber)
}

func TestCommitSaveReopens(t *testing.T) {
	path := writeTemp(t, []byte("hello world"))
	e, err := Open(path, Options{IndexMode: IndexNone})
	require.NoError(t, err)
	defer e.Close()

	edits := []replace.PendingReplacement{{Offset: 0, OldLen: 5, NewBytes: []byte("HELLO")}}
	finalPath, err := e.CommitSave("", edits, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, path, finalPath)

	line, ok, err := e.ReadLine(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "HELLO world", line)
}

func TestSetEncodingRebuildsIndex(t *testing.T) {
	path := writeTemp(t, []byte("a\nbb"))
	e, err := Open(path, Options{IndexMode: IndexNone})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetEncoding(e.Encoding()))
	assert.Equal(t, uint64(2), e.TotalLines())
}
