package replace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ltviewer/ltviewer/cancel"
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

func TestReplaceInPlace(t *testing.T) {
	path := writeTemp(t, []byte("one two three"))

	require.NoError(t, ReplaceInPlace(path, 4, 3, []byte("TWO"), Options{}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one TWO three", string(got))
}

func TestReplaceInPlaceLengthMismatch(t *testing.T) {
	path := writeTemp(t, []byte("one two three"))
	err := ReplaceInPlace(path, 4, 3, []byte("LONGER"), Options{})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestReplaceCopyOnWriteScenario5(t *testing.T) {
	// spec.md §8 scenario 5.
	src := make([]byte, 1000)
	for i := range src {
		src[i] = byte('a' + i%26)
	}
	path := writeTemp(t, src)

	edits := []PendingReplacement{
		{Offset: 100, OldLen: 3, NewBytes: []byte("XXXX")},
		{Offset: 200, OldLen: 2, NewBytes: []byte("Y")},
	}

	finalPath, err := ReplaceCopyOnWrite(path, "", edits, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, path, finalPath)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	// len(F) + (4-3) + (1-2) = 1000.
	assert.Len(t, got, 1000)

	assert.Equal(t, src[0:100], got[0:100])
	assert.Equal(t, []byte("XXXX"), got[100:104])
	assert.Equal(t, src[103:200], got[104:201])
	assert.Equal(t, []byte("Y"), got[201:202])
	assert.Equal(t, src[202:1000], got[202:1000])
}

func TestReplaceCopyOnWriteOverlapRejected(t *testing.T) {
	path := writeTemp(t, []byte("0123456789"))
	edits := []PendingReplacement{
		{Offset: 2, OldLen: 4, NewBytes: []byte("ab")},
		{Offset: 4, OldLen: 2, NewBytes: []byte("cd")},
	}
	_, err := ReplaceCopyOnWrite(path, "", edits, nil, Options{}, nil)
	assert.ErrorIs(t, err, ErrOverlapError)
}

func TestReplaceCopyOnWriteDistinctDestination(t *testing.T) {
	path := writeTemp(t, []byte("hello world"))
	dstPath := path + ".out"

	edits := []PendingReplacement{{Offset: 0, OldLen: 5, NewBytes: []byte("HELLO")}}
	finalPath, err := ReplaceCopyOnWrite(path, dstPath, edits, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, dstPath, finalPath)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "HELLO world", string(got))

	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(orig))
}

func TestReplaceCopyOnWriteCancelled(t *testing.T) {
	src := make([]byte, 5*1024*1024)
	path := writeTemp(t, src)

	tok := cancel.New()
	tok.Cancel()

	_, err := ReplaceCopyOnWrite(path, "", nil, tok, Options{}, nil)
	assert.ErrorIs(t, err, ErrCancelled)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".ltv-replace-")
	}
}

func TestReplaceCopyOnWriteProgress(t *testing.T) {
	src := make([]byte, 3*1024*1024)
	path := writeTemp(t, src)

	var lastDone int64
	_, err := ReplaceCopyOnWrite(path, "", nil, nil, Options{}, func(p Progress) {
		lastDone = p.BytesDone
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), lastDone)
}

func TestReplaceAll(t *testing.T) {
	path := writeTemp(t, []byte("fish one fish two fish three"))

	n, finalPath, err := ReplaceAll(path, "", search.Query{Pattern: "fish", CaseSensitive: true}, "cat", nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "cat one cat two cat three", string(got))
}
