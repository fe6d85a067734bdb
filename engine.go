// Package ltviewer is the consumer-facing facade over the four
// subsystems (File Reader, Line Indexer, Search Engine, Replacer): the
// one handle a caller holds to open a file, read lines from it, search
// it in the background, and save edits back, exactly as spec.md §6
// enumerates.
package ltviewer

import (
	"errors"
	"fmt"

	"github.com/ltviewer/ltviewer/cancel"
	enc "github.com/ltviewer/ltviewer/encoding"
	"github.com/ltviewer/ltviewer/lineindex"
	"github.com/ltviewer/ltviewer/reader"
	"github.com/ltviewer/ltviewer/replace"
	"github.com/ltviewer/ltviewer/search"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"
)

// Error kinds shared across the facade; subsystem-specific kinds
// (search.ErrBadPattern, replace.ErrOverlapError, ...) propagate
// unwrapped from the calls that produce them.
var (
	ErrIoError    = errors.New("io error")
	ErrOutOfRange = errors.New("out of range")
)

// IndexMode mirrors lineindex.CacheMode at the facade boundary, naming
// it in terms a consumer of this package recognizes rather than
// reaching into the lineindex package directly.
type IndexMode = lineindex.CacheMode

const (
	IndexCreate  = lineindex.CacheCreate
	IndexNone    = lineindex.CacheNone
	IndexRequire = lineindex.CacheRequire
)

// Options configures Open.
type Options struct {
	// Encoding, if set, overrides BOM detection.
	Encoding *enc.Encoding

	// IndexMode controls whether a Sparse line index's on-disk cache
	// sidecar is consulted/written, mirroring the teacher's
	// IndexSemantics (require/create/none).
	IndexMode IndexMode

	// Logger, if set, is threaded into every subsystem.
	Logger *zerolog.Logger
}

// Engine is the single handle a consumer holds: it owns the File
// Reader's mapping, the current Line Index, and issues Search/Replace
// operations against both.
type Engine struct {
	path string
	opts Options
	r    *reader.Reader
	idx  *lineindex.Index
}

// Open establishes the mapping, detects or applies the requested
// encoding, and builds the line index, per spec.md §4.1/§4.2.
func Open(path string, opts Options) (*Engine, error) {
	var o Options
	if err := copier.Copy(&o, &opts); err != nil {
		return nil, fmt.Errorf("ltviewer: copy options: %w", err)
	}

	r, err := reader.Open(path, reader.Options{Encoding: o.Encoding, Logger: o.Logger})
	if err != nil {
		return nil, err
	}

	idx, err := lineindex.Build(r, lineindex.Options{Logger: o.Logger, CacheMode: o.IndexMode})
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	if o.Logger != nil {
		o.Logger.Debug().Str("path", path).Str("encoding", r.Encoding().String()).
			Str("indexKind", idx.Kind().String()).Msg("ltviewer.Open")
	}

	return &Engine{path: path, opts: o, r: r, idx: idx}, nil
}

// Close releases the underlying mapping. Close is idempotent.
func (e *Engine) Close() error {
	if e.r == nil {
		return nil
	}
	err := e.r.Close()
	e.r = nil
	return err
}

// Encoding returns the active encoding.
func (e *Engine) Encoding() enc.Encoding {
	return e.r.Encoding()
}

// SetEncoding re-decodes under a new encoding and rebuilds the line
// index, since linefeed detection (and therefore every offset) depends
// on the active encoding's unit size.
func (e *Engine) SetEncoding(newEncoding enc.Encoding) error {
	e.r.SetEncoding(newEncoding)
	idx, err := lineindex.Build(e.r, lineindex.Options{Logger: e.opts.Logger, CacheMode: e.opts.IndexMode})
	if err != nil {
		return err
	}
	e.idx = idx
	return nil
}

// TotalLines returns the exact (Full) or estimated (Sparse) line count.
func (e *Engine) TotalLines() uint64 {
	return e.idx.TotalLines()
}

// ReadLine returns the decoded text of line n, or false if n is beyond
// the indexed range.
func (e *Engine) ReadLine(n uint64) (string, bool, error) {
	off, length, err := e.idx.LineSpan(e.r, n)
	if err != nil {
		if errors.Is(err, lineindex.ErrOutOfRange) {
			return "", false, nil
		}
		return "", false, err
	}
	s, err := e.r.Decode(off, off+length)
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// ReadLines returns up to count decoded lines starting at line start,
// clamped to the indexed range: a request that overruns the end of the
// file returns fewer lines rather than erroring (SPEC_FULL.md §C.2),
// while a start line that is itself out of range returns ErrOutOfRange.
func (e *Engine) ReadLines(start uint64, count uint64) ([]string, error) {
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, ok, err := e.ReadLine(start + i)
		if err != nil {
			return out, err
		}
		if !ok {
			if i == 0 {
				return out, fmt.Errorf("ltviewer: %w: line %d", ErrOutOfRange, start)
			}
			break
		}
		out = append(out, s)
	}
	return out, nil
}

// StartCount runs CountMatches against the engine's reader, reporting
// incremental progress via progress, and returns the total once done.
func (e *Engine) StartCount(q search.Query, tok *cancel.Token, progress func(search.CountResult)) (uint64, error) {
	return search.CountMatches(e.r, q, tok, search.Options{Logger: e.opts.Logger}, progress)
}

// StartFetch runs StreamMatches against the engine's reader and index,
// returning every match with byte_offset >= fromOffset, up to max
// results (0 means unbounded). Driving StreamMatches directly rather
// than filtering FetchMatches's full-file result means a bounded
// request stops scanning once max results are found instead of paying
// for a full-file scan regardless of how small max is.
func (e *Engine) StartFetch(q search.Query, fromOffset int64, max int, tok *cancel.Token) ([]search.Match, error) {
	results := make(chan search.ChunkResult)
	errCh := make(chan error, 1)
	go func() {
		errCh <- search.StreamMatches(e.r, e.idx, q, fromOffset, max, tok, search.Options{Logger: e.opts.Logger}, results)
	}()

	var out []search.Match
	for cr := range results {
		out = append(out, cr.Matches...)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// CommitSave applies pendingEdits to the viewed file via a copy-on-write
// replace and reopens the engine against the result. Per spec.md §9's
// resolved open question, the mapping is always dropped before the
// commit and re-established afterward, even when the destination is a
// distinct path from the source.
func (e *Engine) CommitSave(dstPath string, pendingEdits []replace.PendingReplacement, tok *cancel.Token, progress func(replace.Progress)) (string, error) {
	if err := e.Close(); err != nil {
		return "", err
	}

	finalPath, err := replace.ReplaceCopyOnWrite(e.path, dstPath, pendingEdits, tok, replace.Options{Logger: e.opts.Logger}, progress)
	if err != nil {
		if reopenErr := e.reopen(); reopenErr != nil {
			return "", fmt.Errorf("%w (also failed to reopen after commit error: %v)", err, reopenErr)
		}
		return "", err
	}

	e.path = finalPath
	if err := e.reopen(); err != nil {
		return "", err
	}
	return finalPath, nil
}

func (e *Engine) reopen() error {
	r, err := reader.Open(e.path, reader.Options{Encoding: e.opts.Encoding, Logger: e.opts.Logger})
	if err != nil {
		return err
	}
	idx, err := lineindex.Build(r, lineindex.Options{Logger: e.opts.Logger, CacheMode: e.opts.IndexMode})
	if err != nil {
		_ = r.Close()
		return err
	}
	e.r = r
	e.idx = idx
	return nil
}
