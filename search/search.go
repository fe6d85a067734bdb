// Package search implements the Search Engine: literal and regular
// expression matching over a file far larger than RAM, split into
// independently-scanned chunks and merged back into offset order, with
// cooperative cancellation and progress reporting.
package search

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ltviewer/ltviewer/cancel"
	enc "github.com/ltviewer/ltviewer/encoding"
	"github.com/ltviewer/ltviewer/lineindex"
	"github.com/ltviewer/ltviewer/reader"

	"github.com/grafana/regexp"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Error kinds from spec.md §7.
var (
	ErrBadPattern = errors.New("bad pattern")
	ErrIoError    = errors.New("io error")
	ErrCancelled  = errors.New("cancelled")
)

const (
	// defaultChunkSize bounds how much of the file a single worker
	// decodes and scans at once.
	defaultChunkSize = 16 * 1024 * 1024

	// pollInterval bounds how much of a chunk is scanned between cancel
	// token checks, so a caller requesting cancellation gets a response
	// within this many bytes of scan work rather than waiting for an
	// entire (multi-megabyte) chunk to finish.
	pollInterval = 64 * 1024

	// regexOverlap is how far past its own chunk a worker looks for a
	// regex query, whose matched width isn't statically bounded. Literal
	// queries instead compute their overlap from the pattern's own
	// length (matchOverlap below).
	regexOverlap = 4 * 1024
)

// Query describes what to search for.
type Query struct {
	Pattern       string
	CaseSensitive bool
	Regex         bool
}

// Match is a single hit: its byte span in the source file (as opposed
// to the decoded display string) and the 0-based line it falls on.
type Match struct {
	ByteOffset int64
	ByteLength int64
	LineNumber uint64
}

// RuneLength decodes the matched span and returns its rune count, for
// callers that need on-screen width rather than byte length (the two
// diverge once the active encoding is UTF-16 or multi-byte UTF-8).
func (m Match) RuneLength(r *reader.Reader) (int, error) {
	s, err := r.Decode(m.ByteOffset, m.ByteOffset+m.ByteLength)
	if err != nil {
		return 0, err
	}
	return utf8.RuneCountInString(s), nil
}

// CountResult reports incremental progress from CountMatches.
type CountResult struct {
	MatchesSoFar uint64
	DoneFraction float64
}

// ChunkResult is one chunk's matches, as StreamMatches sends them on its
// results channel in chunk order.
type ChunkResult struct {
	Matches []Match
}

// Options configures the chunked scan.
type Options struct {
	ChunkSize   int64
	Concurrency int
	Logger      *zerolog.Logger
}

func (o Options) chunkSize() int64 {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return defaultChunkSize
}

// concurrency returns the configured worker cap, or 0 to mean
// "unbounded" (the caller skips calling errgroup.Group.SetLimit).
func (o Options) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return 0
}

type matcher struct {
	findAll func(s string) [][2]int
}

func compileMatcher(q Query) (*matcher, error) {
	if q.Pattern == "" {
		return nil, fmt.Errorf("search: %w: empty pattern", ErrBadPattern)
	}

	if q.Regex {
		pat := q.Pattern
		if !q.CaseSensitive {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("search: %w: %v", ErrBadPattern, err)
		}
		return &matcher{findAll: func(s string) [][2]int {
			pairs := re.FindAllStringIndex(s, -1)
			out := make([][2]int, len(pairs))
			for i, p := range pairs {
				out[i] = [2]int{p[0], p[1]}
			}
			return out
		}}, nil
	}

	pat := q.Pattern
	fold := !q.CaseSensitive
	needle := pat
	if fold {
		needle = strings.ToLower(pat)
	}
	return &matcher{findAll: func(s string) [][2]int {
		hay := s
		if fold {
			hay = strings.ToLower(s)
		}
		var out [][2]int
		start := 0
		for start <= len(hay) {
			i := strings.Index(hay[start:], needle)
			if i < 0 {
				break
			}
			abs := start + i
			out = append(out, [2]int{abs, abs + len(needle)})
			if len(needle) == 0 {
				start = abs + 1
			} else {
				start = abs + len(needle)
			}
		}
		return out
	}}, nil
}

// matchOverlap returns how far past a chunk boundary a scan must look to
// find a match that starts inside the chunk but extends past it. A
// literal match spans as many runes as its pattern, so the overlap is
// that rune count times the widest source encoding of one rune under the
// active encoding (1 byte for the single-byte charmaps, utf8.UTFMax bytes
// for UTF-8/ASCII, a 4-byte surrogate pair for UTF-16), minus one; a
// regex's matched width has no static bound, so it gets a fixed default
// instead.
func matchOverlap(q Query, e enc.Encoding) int64 {
	if q.Regex {
		return regexOverlap
	}
	n := int64(utf8.RuneCountInString(q.Pattern))
	if n == 0 {
		return 0
	}
	perRune := int64(utf8.UTFMax)
	if e == enc.Windows1252 || e == enc.ISO8859_1 {
		perRune = 1
	}
	return n*perRune - 1
}

// buildSearchString decodes buf (a raw byte window starting at source
// offset base) and returns the decoded text alongside a byte map:
// srcOffset[k] is the source byte offset corresponding to output byte k
// of the returned string, for every k in [0, len(s)]. Because s is
// assembled whole-rune-at-a-time, any match boundary strings.Index or a
// regexp returns over it lands on one of these mapped positions.
func buildSearchString(buf []byte, e enc.Encoding, base int64) (string, []int64) {
	runes, offsets, consumed := e.DecodeUnits(buf)

	var sb strings.Builder
	sb.Grow(len(buf))
	srcOffset := make([]int64, 0, len(buf)+1)
	var encBuf [utf8.UTFMax]byte

	for i, r := range runes {
		n := utf8.EncodeRune(encBuf[:], r)
		sb.Write(encBuf[:n])
		for j := 0; j < n; j++ {
			srcOffset = append(srcOffset, base+int64(offsets[i]))
		}
	}
	srcOffset = append(srcOffset, base+int64(consumed))
	return sb.String(), srcOffset
}

// scanChunk scans [chunkStart, chunkEnd) for matches owned by this chunk,
// in pollInterval-sized sub-windows so cancelTok is checked at that
// granularity rather than once for the whole (multi-megabyte) chunk.
// Each sub-window's read is extended past its own end by overlap bytes
// so a match starting just before a sub-window or chunk boundary is
// still found whole; ownership (which sub-window keeps a match) is
// decided by where the match starts, so the extension never produces
// duplicates between sub-windows or between chunks.
func scanChunk(r *reader.Reader, e enc.Encoding, m *matcher, cancelTok *cancel.Token, chunkStart, chunkEnd, overlap int64) ([]Match, error) {
	fileLen := r.Len()
	var matches []Match

	for subStart := chunkStart; subStart < chunkEnd; subStart += pollInterval {
		if cancelTok != nil && cancelTok.Cancelled() {
			return nil, ErrCancelled
		}

		subEnd := subStart + pollInterval
		if subEnd > chunkEnd {
			subEnd = chunkEnd
		}
		scanEnd := subEnd + overlap
		if scanEnd > fileLen {
			scanEnd = fileLen
		}

		buf, err := r.Bytes(subStart, scanEnd)
		if err != nil {
			return nil, fmt.Errorf("search: %w: %v", ErrIoError, err)
		}

		s, srcOffset := buildSearchString(buf, e, subStart)
		for _, p := range m.findAll(s) {
			off := srcOffset[p[0]]
			if off < subEnd {
				matches = append(matches, Match{ByteOffset: off, ByteLength: srcOffset[p[1]] - off})
			}
		}
	}
	return matches, nil
}

func chunkBounds(length, chunkSize int64) [][2]int64 {
	if length <= 0 {
		return nil
	}
	var bounds [][2]int64
	for start := int64(0); start < length; start += chunkSize {
		end := start + chunkSize
		if end > length {
			end = length
		}
		bounds = append(bounds, [2]int64{start, end})
	}
	return bounds
}

// findAllOffsets scans the whole file for q and returns every match in
// byte-offset order, without resolving line numbers. Chunks are scanned
// concurrently; cancelTok, if non-nil, is polled once per pollInterval
// sub-window inside each chunk so a caller can abort a long scan early.
func findAllOffsets(r *reader.Reader, q Query, cancelTok *cancel.Token, opts Options) ([]Match, int, error) {
	m, err := compileMatcher(q)
	if err != nil {
		return nil, 0, err
	}

	e := r.Encoding()
	bounds := chunkBounds(r.Len(), opts.chunkSize())
	overlap := matchOverlap(q, e)

	results := make([][]Match, len(bounds))

	var g errgroup.Group
	if n := opts.concurrency(); n > 0 {
		g.SetLimit(n)
	}

	for i, b := range bounds {
		i, b := i, b
		g.Go(func() error {
			found, err := scanChunk(r, e, m, cancelTok, b[0], b[1], overlap)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, len(bounds), ErrCancelled
		}
		return nil, len(bounds), err
	}

	var all []Match
	for _, chunk := range results {
		all = append(all, chunk...)
	}
	return all, len(bounds), nil
}

// StreamMatches scans the file for q chunk by chunk in byte-offset
// order, sending each chunk's matches (line numbers resolved against
// idx, filtered to ByteOffset >= fromOffset) on results as soon as
// they're found, and closes results when done. Once maxResults matches
// (0 means unbounded) have been delivered, it stops dispatching further
// chunks: a caller driving a search box that only wants the next page
// of hits never pays for a full-file scan. Chunks already in flight when
// the bound is hit are allowed to finish (their results are simply
// discarded), and cancelTok, if non-nil, is polled at scanChunk's usual
// sub-chunk granularity so cancellation lands quickly regardless of
// where the bound would otherwise have kicked in.
func StreamMatches(r *reader.Reader, idx *lineindex.Index, q Query, fromOffset int64, maxResults int, cancelTok *cancel.Token, opts Options, results chan<- ChunkResult) error {
	defer close(results)

	m, err := compileMatcher(q)
	if err != nil {
		return err
	}

	e := r.Encoding()
	overlap := matchOverlap(q, e)
	bounds := chunkBounds(r.Len(), opts.chunkSize())
	if len(bounds) == 0 {
		return nil
	}

	concurrency := opts.concurrency()
	if concurrency <= 0 || concurrency > len(bounds) {
		concurrency = len(bounds)
	}

	// outs[i] receives chunk i's raw matches exactly once: either the
	// result of an actual scan, or nil if the chunk was skipped because
	// stopEarly was already set by the time the dispatcher reached it.
	// Buffered to 1 so the dispatcher never blocks on a slow consumer.
	outs := make([]chan []Match, len(bounds))
	for i := range outs {
		outs[i] = make(chan []Match, 1)
	}

	var stopEarly atomic.Bool
	var mu sync.Mutex
	var scanErr error

	go func() {
		sem := make(chan struct{}, concurrency)
		for i, b := range bounds {
			if stopEarly.Load() {
				outs[i] <- nil
				continue
			}
			i, b := i, b
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				found, err := scanChunk(r, e, m, cancelTok, b[0], b[1], overlap)
				if err != nil {
					mu.Lock()
					if scanErr == nil {
						scanErr = err
					}
					mu.Unlock()
					stopEarly.Store(true)
					outs[i] <- nil
					return
				}
				outs[i] <- found
			}()
		}
	}()

	delivered := 0
	for i := range bounds {
		found := <-outs[i]
		if len(found) == 0 {
			continue
		}

		kept := make([]Match, 0, len(found))
		for _, mt := range found {
			if mt.ByteOffset < fromOffset {
				continue
			}
			line, lerr := idx.LineOf(r, mt.ByteOffset)
			if lerr != nil {
				mu.Lock()
				if scanErr == nil {
					scanErr = fmt.Errorf("search: %w: %v", ErrIoError, lerr)
				}
				mu.Unlock()
				stopEarly.Store(true)
				break
			}
			mt.LineNumber = line
			kept = append(kept, mt)
		}

		if maxResults > 0 && delivered+len(kept) > maxResults {
			kept = kept[:maxResults-delivered]
		}

		if len(kept) > 0 {
			results <- ChunkResult{Matches: kept}
			delivered += len(kept)
		}

		if stopEarly.Load() {
			break
		}
		if maxResults > 0 && delivered >= maxResults {
			stopEarly.Store(true)
			break
		}
	}

	mu.Lock()
	err = scanErr
	mu.Unlock()
	if err != nil {
		return err
	}
	if cancelTok != nil && cancelTok.Cancelled() {
		return ErrCancelled
	}

	if opts.Logger != nil {
		opts.Logger.Debug().Int("delivered", delivered).Msg("search.StreamMatches")
	}
	return nil
}

// FetchMatches scans the whole file for q and returns every match in
// byte-offset order, with each match's line number resolved against
// idx. It is built on StreamMatches with no bound (fromOffset 0,
// maxResults 0 meaning unbounded), so the common "give me everything"
// case and a bounded caller (e.g. ltviewer.Engine.StartFetch) share one
// scanning path.
func FetchMatches(r *reader.Reader, idx *lineindex.Index, q Query, cancelTok *cancel.Token, opts Options) ([]Match, error) {
	results := make(chan ChunkResult)
	errCh := make(chan error, 1)
	go func() { errCh <- StreamMatches(r, idx, q, 0, 0, cancelTok, opts, results) }()

	var all []Match
	for cr := range results {
		all = append(all, cr.Matches...)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return all, nil
}

// FindOffsets is FetchMatches without line-number resolution, for
// callers (e.g. the Replacer) that only need byte spans.
func FindOffsets(r *reader.Reader, q Query, cancelTok *cancel.Token, opts Options) ([]Match, error) {
	all, _, err := findAllOffsets(r, q, cancelTok, opts)
	return all, err
}

// CountMatches scans the whole file for q and returns the total match
// count, invoking progress (if non-nil) as chunks complete. progress may
// be called concurrently from multiple chunk workers; it is the
// caller's job to serialize any state it touches. Unlike FetchMatches,
// CountMatches never resolves line numbers, so it is cheaper for
// callers that only need a running total (e.g. a search-box counter).
func CountMatches(r *reader.Reader, q Query, cancelTok *cancel.Token, opts Options, progress func(CountResult)) (uint64, error) {
	m, err := compileMatcher(q)
	if err != nil {
		return 0, err
	}

	e := r.Encoding()
	bounds := chunkBounds(r.Len(), opts.chunkSize())
	overlap := matchOverlap(q, e)

	var matchesSoFar atomic.Uint64
	var doneChunks atomic.Int64

	var g errgroup.Group
	if n := opts.concurrency(); n > 0 {
		g.SetLimit(n)
	}

	for _, b := range bounds {
		b := b
		g.Go(func() error {
			found, err := scanChunk(r, e, m, cancelTok, b[0], b[1], overlap)
			if err != nil {
				return err
			}
			total := matchesSoFar.Add(uint64(len(found)))
			done := doneChunks.Inc()

			if progress != nil {
				progress(CountResult{
					MatchesSoFar: total,
					DoneFraction: float64(done) / float64(len(bounds)),
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrCancelled) {
			return 0, ErrCancelled
		}
		return 0, err
	}

	return matchesSoFar.Load(), nil
}
