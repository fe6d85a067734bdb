// Package lineindex implements the Line Indexer: mapping line numbers to
// byte offsets (and back) using a hybrid full/sparse strategy, so that
// line arithmetic on a file far larger than RAM stays bounded in both
// time and memory.
package lineindex

import (
	"errors"
	"fmt"
	"sort"

	enc "github.com/ltviewer/ltviewer/encoding"
	"github.com/ltviewer/ltviewer/reader"

	"github.com/rs/zerolog"
)

// Error kinds from spec.md §7.
var (
	ErrIoError        = errors.New("io error")
	ErrOutOfRange     = errors.New("out of range")
	ErrCacheNotFound  = errors.New("lineindex: no valid cache found")
)

const (
	// FullSparseThreshold is the file-size boundary between a Full and a
	// Sparse index (spec.md §3): below it, build a Full index.
	FullSparseThreshold = 10 * 1024 * 1024

	// CheckpointStride is the byte distance C between Sparse checkpoints.
	CheckpointStride = 10 * 1024 * 1024

	// DensitySampleSize is the number of leading bytes S sampled to
	// estimate total line count in Sparse mode.
	DensitySampleSize = 1 * 1024 * 1024

	// scanWindow bounds how much of the file is read into memory at once
	// while building an index, independent of file size.
	scanWindow = 1 * 1024 * 1024
)

// Kind distinguishes the two Index variants from spec.md §3.
type Kind int

const (
	Full Kind = iota
	Sparse
)

func (k Kind) String() string {
	if k == Full {
		return "full"
	}
	return "sparse"
}

// checkpoint is a Sparse-mode (approximate_line_number, byte_offset) pair.
type checkpoint struct {
	Line   uint64 `yaml:"line"`
	Offset int64  `yaml:"offset"`
}

// CacheMode controls whether Build consults/writes the on-disk cache
// sidecar for a Sparse index (SPEC_FULL.md §C.1). It has no effect on
// Full indexes, which are cheap enough to always rebuild from scratch.
type CacheMode int

const (
	// CacheCreate loads a valid sidecar if present, otherwise builds and
	// writes one. This is the default (zero value), mirroring the
	// teacher's IndexCreate semantics.
	CacheCreate CacheMode = iota
	// CacheNone never reads or writes a sidecar.
	CacheNone
	// CacheRequire fails with ErrCacheNotFound unless a valid sidecar is
	// already present, mirroring the teacher's IndexRequire semantics.
	CacheRequire
)

// Options configures Build.
type Options struct {
	Logger    *zerolog.Logger
	CacheMode CacheMode
	// CachePath overrides the derived sidecar path. Mostly useful in
	// tests; production callers leave this empty.
	CachePath string
}

// Index maps line numbers to byte offsets and back. Per spec.md §9, an
// Index never retains a reference to the reader that built it: every
// method that may need to resolve a Sparse checkpoint by scanning
// forward takes the reader as a parameter.
type Index struct {
	kind     Kind
	length   int64
	encoding enc.Encoding

	// Full
	offsets []int64
	// trailingLF records whether the file's last byte(s) form a
	// linefeed, so LineSpan can compute the last line's end without a
	// forward scan (and so without needing a reader at all).
	trailingLF bool

	// Sparse
	checkpoints  []checkpoint
	estimatedTot uint64

	logger *zerolog.Logger
}

// Kind reports whether this is a Full or Sparse index.
func (idx *Index) Kind() Kind { return idx.kind }

// IsEstimated reports whether TotalLines is exact (Full) or an estimate
// that may undercount or overcount (Sparse), per spec.md §4.2.
func (idx *Index) IsEstimated() bool { return idx.kind == Sparse }

// TotalLines returns the exact (Full) or estimated (Sparse) line count.
func (idx *Index) TotalLines() uint64 {
	if idx.kind == Full {
		return uint64(len(idx.offsets))
	}
	return idx.estimatedTot
}

// Build scans r to produce a Full or Sparse index per the size rule
// in spec.md §3, consulting/populating the on-disk cache sidecar for
// Sparse indexes per opts.CacheMode (SPEC_FULL.md §C.1). A Full build is
// one pass; a Sparse build first samples the leading DensitySampleSize
// bytes, then makes one full pass.
func Build(r *reader.Reader, opts Options) (*Index, error) {
	length := r.Len()
	e := r.Encoding()

	if length < FullSparseThreshold {
		return buildFull(r, e, opts.Logger)
	}

	if opts.CacheMode != CacheNone {
		if idx, ok := loadCache(r.Path(), length, opts.CachePath, opts.Logger); ok {
			return idx, nil
		}
		if opts.CacheMode == CacheRequire {
			return nil, ErrCacheNotFound
		}
	}

	idx, err := buildSparse(r, e, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.CacheMode != CacheNone {
		if err := saveCache(r.Path(), opts.CachePath, idx); err != nil && opts.Logger != nil {
			opts.Logger.Debug().Err(err).Msg("lineindex: cache write failed, continuing uncached")
		}
	}
	return idx, nil
}

func buildFull(r *reader.Reader, e enc.Encoding, logger *zerolog.Logger) (*Index, error) {
	length := r.Len()
	offsets := []int64{0}
	var trailingLF bool

	err := scanLinefeeds(r, e, 0, length, func(lineStart int64) bool {
		if lineStart < length {
			offsets = append(offsets, lineStart)
		} else {
			trailingLF = true
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("lineindex: %w: %v", ErrIoError, err)
	}

	if logger != nil {
		logger.Debug().Int("lines", len(offsets)).Int64("length", length).Msg("lineindex.buildFull")
	}

	return &Index{kind: Full, length: length, encoding: e, offsets: offsets, trailingLF: trailingLF, logger: logger}, nil
}

func buildSparse(r *reader.Reader, e enc.Encoding, logger *zerolog.Logger) (*Index, error) {
	length := r.Len()

	sampleLen := int64(DensitySampleSize)
	if sampleLen > length {
		sampleLen = length
	}
	var sampleLinefeeds uint64
	if err := scanLinefeeds(r, e, 0, sampleLen, func(int64) bool {
		sampleLinefeeds++
		return true
	}); err != nil {
		return nil, fmt.Errorf("lineindex: %w: %v", ErrIoError, err)
	}
	var density float64
	if sampleLen > 0 {
		density = float64(sampleLinefeeds) / float64(sampleLen)
	}
	estimatedTotal := uint64(density*float64(length)) + 1

	checkpoints := []checkpoint{{Line: 0, Offset: 0}}
	var runningLines uint64
	var lastLineStart int64
	nextBoundary := int64(CheckpointStride)

	err := scanLinefeeds(r, e, 0, length, func(lineStart int64) bool {
		runningLines++
		lastLineStart = lineStart
		for lineStart >= nextBoundary && nextBoundary < length {
			checkpoints = append(checkpoints, checkpoint{Line: runningLines, Offset: lastLineStart})
			nextBoundary += CheckpointStride
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("lineindex: %w: %v", ErrIoError, err)
	}

	if logger != nil {
		logger.Debug().
			Uint64("estimatedTotal", estimatedTotal).
			Int("checkpoints", len(checkpoints)).
			Msg("lineindex.buildSparse")
	}

	return &Index{
		kind:         Sparse,
		length:       length,
		encoding:     e,
		checkpoints:  checkpoints,
		estimatedTot: estimatedTotal,
		logger:       logger,
	}, nil
}

// scanLinefeeds walks [start, end) in bounded windows, invoking
// onLinefeed with the absolute byte offset immediately following each
// linefeed found. onLinefeed returns false to stop scanning early.
func scanLinefeeds(r *reader.Reader, e enc.Encoding, start, end int64, onLinefeed func(pos int64) bool) error {
	unit := int64(e.UnitSize())
	for pos := start; pos < end; {
		winEnd := pos + scanWindow
		if winEnd > end {
			winEnd = end
		}
		buf, err := r.Bytes(pos, winEnd)
		if err != nil {
			return err
		}
		limit := int64(len(buf))
		if unit == 2 && limit%2 != 0 {
			// A lone trailing byte in this window cannot form a full
			// code unit; spec.md's UTF-16 tie-break ignores it.
			limit--
		}
		for i := int64(0); i+unit <= limit; i += unit {
			if e.IsLinefeedAt(buf, int(i)) {
				if !onLinefeed(pos + i + unit) {
					return nil
				}
			}
		}
		pos = winEnd
	}
	return nil
}

// OffsetOf returns the byte offset of the start of line (0-based). r is
// only consulted in Sparse mode, to forward-scan from the nearest
// checkpoint; pass nil for a Full index.
func (idx *Index) OffsetOf(r *reader.Reader, line uint64) (int64, error) {
	if idx.kind == Full {
		if line >= uint64(len(idx.offsets)) {
			return 0, fmt.Errorf("lineindex: %w: line %d", ErrOutOfRange, line)
		}
		return idx.offsets[line], nil
	}
	return idx.offsetOfSparse(r, line)
}

func (idx *Index) offsetOfSparse(r *reader.Reader, line uint64) (int64, error) {
	if line >= idx.estimatedTot {
		return 0, fmt.Errorf("lineindex: %w: line %d", ErrOutOfRange, line)
	}
	cp := idx.checkpointForLine(line)
	if cp.Line == line {
		return cp.Offset, nil
	}

	target := line - cp.Line
	var count uint64
	var found int64 = -1
	err := scanLinefeeds(r, idx.encoding, cp.Offset, idx.length, func(lineStart int64) bool {
		count++
		if count == target {
			found = lineStart
			return false
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("lineindex: %w: %v", ErrIoError, err)
	}
	if found < 0 {
		return 0, fmt.Errorf("lineindex: %w: line %d", ErrOutOfRange, line)
	}
	return found, nil
}

// checkpointForLine returns the last checkpoint with Line <= line.
func (idx *Index) checkpointForLine(line uint64) checkpoint {
	i := sort.Search(len(idx.checkpoints), func(i int) bool {
		return idx.checkpoints[i].Line > line
	})
	if i == 0 {
		return idx.checkpoints[0]
	}
	return idx.checkpoints[i-1]
}

// LineOf returns the line number containing offset. r is only consulted
// in Sparse mode; pass nil for a Full index.
func (idx *Index) LineOf(r *reader.Reader, offset int64) (uint64, error) {
	if offset < 0 || offset > idx.length {
		return 0, fmt.Errorf("lineindex: %w: offset %d", ErrOutOfRange, offset)
	}
	if idx.kind == Full {
		i := sort.Search(len(idx.offsets), func(i int) bool { return idx.offsets[i] > offset })
		return uint64(i - 1), nil
	}
	return idx.lineOfSparse(r, offset)
}

func (idx *Index) lineOfSparse(r *reader.Reader, offset int64) (uint64, error) {
	i := sort.Search(len(idx.checkpoints), func(i int) bool { return idx.checkpoints[i].Offset > offset })
	cp := idx.checkpoints[i-1]

	var extra uint64
	err := scanLinefeeds(r, idx.encoding, cp.Offset, offset, func(int64) bool {
		extra++
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("lineindex: %w: %v", ErrIoError, err)
	}
	return cp.Line + extra, nil
}

// LineSpan returns the (offset, length) of line, excluding any trailing
// linefeed, per spec.md §4.2. r is only consulted when the line's end
// isn't already known from a Full index's offsets table.
func (idx *Index) LineSpan(r *reader.Reader, line uint64) (int64, int64, error) {
	offset, err := idx.OffsetOf(r, line)
	if err != nil {
		return 0, 0, err
	}
	if idx.length == 0 {
		return 0, 0, nil
	}

	unit := int64(idx.encoding.UnitSize())

	if idx.kind == Full {
		if line+1 < uint64(len(idx.offsets)) {
			end := idx.offsets[line+1] - unit
			return offset, end - offset, nil
		}
		// Last line: its end is known from the build-time scan without
		// needing to touch the reader again.
		end := idx.length
		if idx.trailingLF {
			end -= unit
		}
		return offset, end - offset, nil
	}

	contentEnd := idx.length
	err = scanLinefeeds(r, idx.encoding, offset, idx.length, func(pos int64) bool {
		contentEnd = pos - unit
		return false
	})
	if err != nil {
		return 0, 0, fmt.Errorf("lineindex: %w: %v", ErrIoError, err)
	}
	return offset, contentEnd - offset, nil
}
