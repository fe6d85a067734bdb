package reader

import (
	"os"
	"path/filepath"
	"testing"

	enc "github.com/ltviewer/ltviewer/encoding"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestOpenDetectsUTF8Default(t *testing.T) {
	path := writeTemp(t, "a.txt", []byte("a\nbb\nccc"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, enc.UTF8, r.Encoding())
	assert.Equal(t, int64(8), r.Len())
}

func TestOpenDetectsUTF16LEBOM(t *testing.T) {
	content := []byte{0xFF, 0xFE, 'a', 0, 0x0A, 0}
	path := writeTemp(t, "b.txt", content)
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, enc.UTF16LE, r.Encoding())
}

func TestOpenHintOverridesDetection(t *testing.T) {
	content := []byte("plain ascii")
	path := writeTemp(t, "c.txt", content)
	hint := enc.Windows1252
	r, err := Open(path, Options{Encoding: &hint})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, enc.Windows1252, r.Encoding())
}

func TestBytesAndDecode(t *testing.T) {
	path := writeTemp(t, "d.txt", []byte("a\nbb\nccc"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	b, err := r.Bytes(2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("bb"), b)

	s, err := r.Decode(5, 8)
	require.NoError(t, err)
	assert.Equal(t, "ccc", s)
}

func TestBytesOutOfRange(t *testing.T) {
	path := writeTemp(t, "e.txt", []byte("abc"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Bytes(0, 10)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDecodeSplitInvariant(t *testing.T) {
	// Property 2 from spec.md §8: decoding the whole span equals
	// decoding two valid sub-spans concatenated, for a split on a
	// code-unit boundary.
	path := writeTemp(t, "f.txt", []byte("hello world"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	whole, err := r.Decode(0, r.Len())
	require.NoError(t, err)

	m := int64(5)
	left, err := r.Decode(0, m)
	require.NoError(t, err)
	right, err := r.Decode(m, r.Len())
	require.NoError(t, err)

	assert.Equal(t, whole, left+right)
}

func TestReopenAfterExternalRewrite(t *testing.T) {
	path := writeTemp(t, "g.txt", []byte("one"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Close())
	require.NoError(t, os.WriteFile(path, []byte("two-longer"), 0o644))
	require.NoError(t, r.Reopen())

	assert.Equal(t, int64(len("two-longer")), r.Len())
	s, err := r.Decode(0, r.Len())
	require.NoError(t, err)
	assert.Equal(t, "two-longer", s)
}
