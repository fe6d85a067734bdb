package search

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ltviewer/ltviewer/cancel"
	enc "github.com/ltviewer/ltviewer/encoding"
	"github.com/ltviewer/ltviewer/lineindex"
	"github.com/ltviewer/ltviewer/reader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T, content []byte) *reader.Reader {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	r, err := reader.Open(path, reader.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func buildIndex(t *testing.T, r *reader.Reader) *lineindex.Index {
	t.Helper()
	idx, err := lineindex.Build(r, lineindex.Options{CacheMode: lineindex.CacheNone})
	require.NoError(t, err)
	return idx
}

func TestFetchMatchesLiteral(t *testing.T) {
	r := openTestFile(t, []byte("one fish\ntwo fish\nred fish\nblue fish\n"))
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: "fish"}, nil, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 4)
	assert.Equal(t, uint64(0), matches[0].LineNumber)
	assert.Equal(t, uint64(3), matches[3].LineNumber)
	for _, m := range matches {
		s, err := r.Decode(m.ByteOffset, m.ByteOffset+m.ByteLength)
		require.NoError(t, err)
		assert.Equal(t, "fish", s)
	}
}

func TestFetchMatchesCaseInsensitiveByDefault(t *testing.T) {
	r := openTestFile(t, []byte("Fish FISH fish"))
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: "fish"}, nil, Options{})
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestFetchMatchesCaseSensitive(t *testing.T) {
	r := openTestFile(t, []byte("Fish FISH fish"))
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: "fish", CaseSensitive: true}, nil, Options{})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFetchMatchesRegex(t *testing.T) {
	r := openTestFile(t, []byte("x1 y22 z333"))
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: `\d+`, Regex: true, CaseSensitive: true}, nil, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	s, err := r.Decode(matches[2].ByteOffset, matches[2].ByteOffset+matches[2].ByteLength)
	require.NoError(t, err)
	assert.Equal(t, "333", s)
}

func TestFetchMatchesBadPattern(t *testing.T) {
	r := openTestFile(t, []byte("abc"))
	idx := buildIndex(t, r)

	_, err := FetchMatches(r, idx, Query{Pattern: "(", Regex: true}, nil, Options{})
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestFetchMatchesEmptyPattern(t *testing.T) {
	r := openTestFile(t, []byte("abc"))
	idx := buildIndex(t, r)

	_, err := FetchMatches(r, idx, Query{Pattern: ""}, nil, Options{})
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestFetchMatchesAcrossChunkBoundary(t *testing.T) {
	// Force a tiny chunk size so the needle [100,106) straddles the chunk
	// boundary at 103.
	content := strings.Repeat("x", 100) + "NEEDLE" + strings.Repeat("y", 100)
	r := openTestFile(t, []byte(content))
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: "NEEDLE", CaseSensitive: true}, nil, Options{ChunkSize: 103})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(100), matches[0].ByteOffset)
	assert.Equal(t, int64(6), matches[0].ByteLength)
}

func TestFetchMatchesNoDuplicatesAtChunkBoundary(t *testing.T) {
	content := strings.Repeat("ab", 200)
	r := openTestFile(t, []byte(content))
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: "ab", CaseSensitive: true}, nil, Options{ChunkSize: 37})
	require.NoError(t, err)
	assert.Len(t, matches, 200)
}

func TestCountMatchesProgress(t *testing.T) {
	content := strings.Repeat("needle ", 50)
	r := openTestFile(t, []byte(content))

	var mu sync.Mutex
	var calls int
	var maxFraction float64
	total, err := CountMatches(r, Query{Pattern: "needle", CaseSensitive: true}, nil, Options{ChunkSize: 20}, func(cr CountResult) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if cr.DoneFraction > maxFraction {
			maxFraction = cr.DoneFraction
		}
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), total)
	assert.Greater(t, calls, 0)
	assert.Equal(t, 1.0, maxFraction)
}

func TestCountMatchesCancelled(t *testing.T) {
	content := strings.Repeat("needle ", 1000)
	r := openTestFile(t, []byte(content))

	tok := cancel.New()
	tok.Cancel()

	_, err := CountMatches(r, Query{Pattern: "needle", CaseSensitive: true}, tok, Options{ChunkSize: 20}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFetchMatchesUTF16(t *testing.T) {
	// "go go" in UTF-16LE, no BOM.
	content := []byte{'g', 0, 'o', 0, ' ', 0, 'g', 0, 'o', 0}
	dir := t.TempDir()
	path := filepath.Join(dir, "u.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	hint := enc.UTF16LE
	r, err := reader.Open(path, reader.Options{Encoding: &hint})
	require.NoError(t, err)
	defer r.Close()
	idx := buildIndex(t, r)

	matches, err := FetchMatches(r, idx, Query{Pattern: "go", CaseSensitive: true}, nil, Options{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(0), matches[0].ByteOffset)
	assert.Equal(t, int64(4), matches[0].ByteLength)
	assert.Equal(t, int64(6), matches[1].ByteOffset)
}
