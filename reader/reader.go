// Package reader implements the File Reader: the sole owner of a read-only
// memory mapping over the viewed file, plus on-the-fly decoding of byte
// spans under a selected or detected character encoding. Resident memory
// is driven by the operating system's paging of the mapping, not by this
// package buffering decoded content.
package reader

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"

	enc "github.com/ltviewer/ltviewer/encoding"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"
)

// Error kinds from spec.md §7.
var (
	ErrIoError             = errors.New("io error")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrOutOfRange          = errors.New("out of range")
	ErrClosed              = errors.New("reader is closed")
)

// sniffLen is how many leading bytes are inspected for a byte-order mark.
const sniffLen = 4

// Options configures Open. The zero value is valid and selects UTF-8
// fallback with BOM detection and no logging, matching bsearch.Options'
// zero-value-is-valid design.
type Options struct {
	// Encoding, if non-nil, overrides BOM detection.
	Encoding *enc.Encoding

	// Logger, if set, receives debug events for open/reopen/close.
	Logger *zerolog.Logger
}

// Reader is a read-only view of a file's bytes through an OS memory
// mapping, with a decode layer on top. It owns its mapping exclusively;
// callers needing an up-to-date view after the file changes on disk call
// Reopen.
type Reader struct {
	path     string
	ra       *mmap.ReaderAt
	length   int64
	encoding enc.Encoding
	logger   *zerolog.Logger
}

// Open establishes a read-only memory mapping over path, selects the
// active encoding (hint wins; else BOM sniff; else UTF-8) and returns a
// handle. The caller must Close the handle when done.
func Open(path string, opts Options) (*Reader, error) {
	var o Options
	if err := copier.Copy(&o, &opts); err != nil {
		return nil, fmt.Errorf("reader: copy options: %w", err)
	}

	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: %w: %v", ErrIoError, err)
	}

	r := &Reader{
		path:   path,
		ra:     ra,
		length: int64(ra.Len()),
		logger: o.Logger,
	}

	if o.Encoding != nil {
		r.encoding = *o.Encoding
	} else {
		head := make([]byte, sniffLen)
		n, _ := ra.ReadAt(head, 0)
		r.encoding = enc.Detect(head[:n])
	}

	if r.logger != nil {
		r.logger.Debug().
			Str("path", path).
			Int64("length", r.length).
			Str("encoding", r.encoding.String()).
			Msg("reader.Open")
	}

	return r, nil
}

// Len returns the number of bytes in the underlying file.
func (r *Reader) Len() int64 {
	return r.length
}

// Encoding returns the active encoding.
func (r *Reader) Encoding() enc.Encoding {
	return r.encoding
}

// SetEncoding overrides the active encoding without re-mapping. Used by
// the facade's set_encoding, which re-decodes under the new encoding but
// need not touch the mapping itself.
func (r *Reader) SetEncoding(e enc.Encoding) {
	r.encoding = e
}

// Bytes returns a copy of the mapping's bytes over the half-open range
// [a, b). The copy is bounded by (b-a), not by file size: the resident
// working set this call touches is exactly the requested span, demand
// paged by the kernel behind the mapping, matching spec.md §4.1's
// rationale even though the language-level slice returned is owned by
// the caller rather than aliasing the mapping directly (mmap.ReaderAt,
// like the teacher's own Searcher, only exposes ReadAt, not a raw
// slice). It is a programmer error to pass a < 0, b > Len(), or a > b.
func (r *Reader) Bytes(a, b int64) ([]byte, error) {
	if r.ra == nil {
		return nil, ErrClosed
	}
	if a < 0 || b > r.length || a > b {
		return nil, fmt.Errorf("reader: %w: [%d,%d) outside [0,%d)", ErrOutOfRange, a, b, r.length)
	}
	buf := make([]byte, b-a)
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := r.ra.ReadAt(buf, a)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("reader: %w: %v", ErrIoError, err)
	}
	return buf, nil
}

// Decode converts the byte span [a, b) to a displayable string under the
// active encoding, substituting the Unicode replacement character for
// invalid sequences and trimming any leading/trailing partial code unit.
func (r *Reader) Decode(a, b int64) (string, error) {
	if r.encoding.UnitSize() == 2 && a%2 != 0 && a < b {
		// A UTF-16 span starting on an odd offset begins with the
		// second byte of a unit; skip it so decoding stays aligned.
		a++
	}
	raw, err := r.Bytes(a, b)
	if err != nil {
		return "", err
	}
	return r.encoding.Decode(raw), nil
}

// Reopen drops the mapping and re-maps the current path. Used after a
// copy-on-write replace commits a new file at the same path.
func (r *Reader) Reopen() error {
	if r.ra != nil {
		_ = r.ra.Close()
		r.ra = nil
	}

	ra, err := mmap.Open(r.path)
	if err != nil {
		return fmt.Errorf("reader: reopen: %w: %v", ErrIoError, err)
	}
	r.ra = ra
	r.length = int64(ra.Len())

	if r.logger != nil {
		r.logger.Debug().Str("path", r.path).Int64("length", r.length).Msg("reader.Reopen")
	}
	return nil
}

// Close releases the mapping. Close is idempotent.
func (r *Reader) Close() error {
	if r.ra == nil {
		return nil
	}
	err := r.ra.Close()
	r.ra = nil
	if err != nil {
		return fmt.Errorf("reader: close: %w: %v", ErrIoError, err)
	}
	return nil
}

// Path returns the filesystem path this reader was opened against.
func (r *Reader) Path() string {
	return r.path
}

// Stat is a convenience used by callers (e.g. the lineindex cache) that
// need the source file's modification time without re-opening it.
func Stat(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reader: %w: %v", ErrIoError, err)
	}
	return fi, nil
}
