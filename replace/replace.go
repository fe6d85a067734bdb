// Package replace implements the Replacer: applying offset-anchored
// edits to a viewed file either in place (length-preserving) or by a
// streaming copy-on-write rewrite followed by an atomic rename.
package replace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ltviewer/ltviewer/cancel"
	"github.com/ltviewer/ltviewer/reader"
	"github.com/ltviewer/ltviewer/search"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"
)

// Error kinds from spec.md §7.
var (
	ErrIoError        = errors.New("io error")
	ErrLengthMismatch = errors.New("length mismatch")
	ErrOverlapError   = errors.New("overlap error")
	ErrCancelled      = errors.New("cancelled")
)

const (
	// copyBufferSize is the streaming buffer used while copying
	// untouched source ranges into the destination during a
	// copy-on-write replace.
	copyBufferSize = 1 * 1024 * 1024
)

// PendingReplacement is a single offset-anchored edit, held by the
// consumer and applied only at save time (spec.md §3).
type PendingReplacement struct {
	Offset   int64
	OldLen   int64
	NewBytes []byte
}

// Progress reports streaming progress for a copy-on-write replace, in
// bytes of source consumed (copied unchanged or replaced by an edit).
type Progress struct {
	BytesDone  int64
	BytesTotal int64
}

// Options configures the I/O carried out by this package. Every
// exported entry point takes one, mirroring reader.Options/search.Options:
// it is a no-op zero value, but gives a caller that wants visibility
// into an in-flight replace somewhere to hang a logger.
type Options struct {
	Logger *zerolog.Logger
}

// ReplaceInPlace overwrites the byte range [offset, offset+oldLen) of
// the file at path with newBytes. It requires len(newBytes) == oldLen:
// the in-place path never changes file length. No truncation is
// performed and only the targeted range is touched, so a crash
// mid-write can leave a partially written range but never a corrupted
// length; retrying is the caller's responsibility.
func ReplaceInPlace(path string, offset, oldLen int64, newBytes []byte, opts Options) error {
	if int64(len(newBytes)) != oldLen {
		return fmt.Errorf("replace: %w: old_len=%d new_len=%d", ErrLengthMismatch, oldLen, len(newBytes))
	}
	if len(newBytes) == 0 {
		return nil
	}

	fh, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.WriteAt(newBytes, offset); err != nil {
		return fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}
	if err := fh.Sync(); err != nil {
		return fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}

	if opts.Logger != nil {
		opts.Logger.Debug().Str("path", path).Int64("offset", offset).Int64("len", oldLen).Msg("replace.ReplaceInPlace")
	}
	return nil
}

// validateEdits checks edits is sorted and non-overlapping, per the
// Pending Replacement invariant in spec.md §3.
func validateEdits(edits []PendingReplacement) error {
	for i, e := range edits {
		if e.Offset < 0 || e.OldLen < 0 {
			return fmt.Errorf("replace: %w: negative offset or length at index %d", ErrIoError, i)
		}
		if i == 0 {
			continue
		}
		prev := edits[i-1]
		if e.Offset < prev.Offset+prev.OldLen {
			return fmt.Errorf("replace: %w: edits at offset %d and %d overlap", ErrOverlapError, prev.Offset, e.Offset)
		}
	}
	return nil
}

// ReplaceCopyOnWrite streams srcPath to a fresh file, substituting each
// edit in edits at its offset, then atomically renames the result into
// place. edits must be sorted and non-overlapping. dstPath, if empty or
// equal to srcPath, means "overwrite the source": the temporary file is
// created in the source's own directory so the final rename is atomic
// on the same file system. Any failure during streaming removes the
// partial destination and leaves srcPath untouched.
func ReplaceCopyOnWrite(srcPath, dstPath string, edits []PendingReplacement, cancelTok *cancel.Token, opts Options, progress func(Progress)) (string, error) {
	var snapshot []PendingReplacement
	if err := copier.Copy(&snapshot, &edits); err != nil {
		return "", fmt.Errorf("replace: copy edits: %w", err)
	}
	if err := validateEdits(snapshot); err != nil {
		return "", err
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}
	defer func() { _ = srcFile.Close() }()

	fi, err := srcFile.Stat()
	if err != nil {
		return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}
	srcLen := fi.Size()

	finalPath := dstPath
	overwriting := dstPath == "" || dstPath == srcPath
	if overwriting {
		finalPath = srcPath
	}

	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".ltv-replace-*.tmp")
	if err != nil {
		return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if err := tmp.Chmod(fi.Mode()); err != nil {
		cleanup()
		return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}

	buf := make([]byte, copyBufferSize)
	var cursor, bytesDone int64

	copyRange := func(from, to int64) error {
		for from < to {
			if cancelTok != nil && cancelTok.Cancelled() {
				return ErrCancelled
			}
			want := to - from
			if want > int64(len(buf)) {
				want = int64(len(buf))
			}
			n, err := srcFile.ReadAt(buf[:want], from)
			if err != nil && err != io.EOF {
				return fmt.Errorf("replace: %w: %v", ErrIoError, err)
			}
			if int64(n) < want {
				return fmt.Errorf("replace: %w: short read at %d", ErrIoError, from)
			}
			if _, err := tmp.Write(buf[:want]); err != nil {
				return fmt.Errorf("replace: %w: %v", ErrIoError, err)
			}
			from += want
			bytesDone += want
			if progress != nil {
				progress(Progress{BytesDone: bytesDone, BytesTotal: srcLen})
			}
		}
		return nil
	}

	for _, e := range snapshot {
		if e.Offset > srcLen {
			cleanup()
			return "", fmt.Errorf("replace: %w: edit offset %d beyond source length %d", ErrIoError, e.Offset, srcLen)
		}
		if err := copyRange(cursor, e.Offset); err != nil {
			cleanup()
			return "", err
		}
		if _, err := tmp.Write(e.NewBytes); err != nil {
			cleanup()
			return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
		}
		cursor = e.Offset + e.OldLen
		bytesDone += e.OldLen
		if progress != nil && e.OldLen > 0 {
			progress(Progress{BytesDone: bytesDone, BytesTotal: srcLen})
		}
	}
	if err := copyRange(cursor, srcLen); err != nil {
		cleanup()
		return "", err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}

	if opts.Logger != nil {
		opts.Logger.Debug().Str("src", srcPath).Str("dst", finalPath).
			Int("edits", len(snapshot)).Int64("bytes", srcLen).Msg("replace.ReplaceCopyOnWrite")
	}
	return finalPath, nil
}

// ReplaceAll scans srcPath for q and rewrites every match to
// replacement in one copy-on-write pass (SPEC_FULL.md §C.4), returning
// the number of matches replaced and the final path. It builds its edit
// list via the Search Engine's chunked scan rather than a dedicated
// streaming matcher; for the file sizes this engine targets, holding
// one PendingReplacement per match is a small fraction of the memory
// budget a full rewrite already requires.
func ReplaceAll(srcPath, dstPath string, q search.Query, replacement string, cancelTok *cancel.Token, opts Options, progress func(Progress)) (uint64, string, error) {
	r, err := reader.Open(srcPath, reader.Options{Logger: opts.Logger})
	if err != nil {
		return 0, "", fmt.Errorf("replace: %w: %v", ErrIoError, err)
	}
	defer func() { _ = r.Close() }()

	matches, err := search.FindOffsets(r, q, cancelTok, search.Options{Logger: opts.Logger})
	if err != nil {
		if errors.Is(err, search.ErrCancelled) {
			return 0, "", ErrCancelled
		}
		return 0, "", err
	}

	// Drop the mapping before the copy-on-write commit renames over it.
	_ = r.Close()

	newBytes := []byte(replacement)
	edits := make([]PendingReplacement, len(matches))
	for i, m := range matches {
		edits[i] = PendingReplacement{Offset: m.ByteOffset, OldLen: m.ByteLength, NewBytes: newBytes}
	}

	finalPath, err := ReplaceCopyOnWrite(srcPath, dstPath, edits, cancelTok, opts, progress)
	if err != nil {
		return 0, "", err
	}
	if opts.Logger != nil {
		opts.Logger.Debug().Str("src", srcPath).Int("matches", len(matches)).Msg("replace.ReplaceAll")
	}
	return uint64(len(matches)), finalPath, nil
}
